// Copyright (C) 2025 Strata Labs (engineering@stratalab.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package review

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/stratalab/strata/services/engine/analytics"
	"github.com/stratalab/strata/services/engine/ast"
	"github.com/stratalab/strata/services/engine/fabric"
	"github.com/stratalab/strata/services/engine/graph"
	"github.com/stratalab/strata/services/engine/host"
	"github.com/stratalab/strata/services/engine/llm"
	"github.com/stratalab/strata/services/engine/schema"
	"github.com/stratalab/strata/services/engine/store"
)

// Commit status contexts posted back to the host. CI branch protection
// keys off these names, so they are part of the external contract.
const (
	StatusContextReview = "ai-code-review"
	StatusContextDrift  = "architectural-drift"
)

// RiskFailThreshold is the risk score (0-100 scale) at and above which
// the review commit status is posted as a failure.
const RiskFailThreshold = 70

// reviewTemperature keeps the oracle's verdicts reproducible enough to
// compare across runs of the same diff.
const reviewTemperature = 0.3

// DefaultLLMTimeout bounds one oracle generation inside the task
// deadline, leaving room for the retry that follows a timeout.
const DefaultLLMTimeout = 120 * time.Second

// SourceHost is the slice of the host API the pipeline consumes.
// *host.Client satisfies it.
type SourceHost interface {
	ListPullFiles(ctx context.Context, repo string, number int) ([]host.ChangedFile, error)
	GetFileContent(ctx context.Context, repo, path, ref string) ([]byte, error)
	CreateCommitStatus(ctx context.Context, repo, sha string, status host.CommitStatus) error
}

// Orchestrator drives one analysis task end to end: project the head
// commit into the graph, assemble the context bundle, ask the oracle
// for a verdict, persist it, and report back to the host.
//
// # Thread Safety
//
// Safe for concurrent use. Per-subject serialization (one run per pull
// request or project at a time) is the task fabric's job; the pool
// acquires the task's lock before calling Handle.
type Orchestrator struct {
	store      *store.Store
	graph      *graph.Store
	projectors *ast.Registry
	bundles    *ContextBuilder
	oracle     llm.Oracle
	source     SourceHost

	llmTimeout   time.Duration
	maxDiffLines int
	statusURL    string
	logger       *slog.Logger
}

// OrchestratorConfig wires an Orchestrator. Store, Graph, Projectors,
// and Bundles are required. A nil Oracle downgrades every review to the
// neutral verdict; a nil Host restricts the orchestrator to
// project_analysis tasks.
type OrchestratorConfig struct {
	Store      *store.Store
	Graph      *graph.Store
	Projectors *ast.Registry
	Bundles    *ContextBuilder
	Oracle     llm.Oracle
	Host       SourceHost

	// LLMTimeout bounds one oracle call. Zero means DefaultLLMTimeout.
	LLMTimeout time.Duration
	// MaxDiffLines caps the prompt diff. Zero means DefaultMaxDiffLines.
	MaxDiffLines int
	// StatusURL is the target_url attached to posted commit statuses.
	StatusURL string
	Logger    *slog.Logger
}

// NewOrchestrator validates cfg and builds an Orchestrator.
//
// # Inputs
//   - cfg: dependencies and tunables; see OrchestratorConfig.
//
// # Outputs
//   - *Orchestrator: ready to serve as a fabric pool handler.
//   - error: if a required dependency is missing.
func NewOrchestrator(cfg OrchestratorConfig) (*Orchestrator, error) {
	if cfg.Store == nil {
		return nil, errors.New("review: orchestrator requires a store")
	}
	if cfg.Graph == nil {
		return nil, errors.New("review: orchestrator requires a graph store")
	}
	if cfg.Projectors == nil {
		return nil, errors.New("review: orchestrator requires a projector registry")
	}
	if cfg.Bundles == nil {
		return nil, errors.New("review: orchestrator requires a context builder")
	}
	if cfg.LLMTimeout <= 0 {
		cfg.LLMTimeout = DefaultLLMTimeout
	}
	if cfg.MaxDiffLines <= 0 {
		cfg.MaxDiffLines = DefaultMaxDiffLines
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Orchestrator{
		store:        cfg.Store,
		graph:        cfg.Graph,
		projectors:   cfg.Projectors,
		bundles:      cfg.Bundles,
		oracle:       cfg.Oracle,
		source:       cfg.Host,
		llmTimeout:   cfg.LLMTimeout,
		maxDiffLines: cfg.MaxDiffLines,
		statusURL:    cfg.StatusURL,
		logger:       cfg.Logger,
	}, nil
}

// Handle runs one task to completion. It is the fabric pool's handler:
// the pool has already acquired the task's subject lock and bounded ctx
// with the task deadline. Returned errors are retried by the pool
// unless wrapped with fabric.Permanent.
func (o *Orchestrator) Handle(ctx context.Context, task *fabric.Task) error {
	switch task.Kind {
	case fabric.KindPRReview:
		return o.reviewPull(ctx, task)
	case fabric.KindProjectAnalysis:
		return o.analyzeProject(ctx, task)
	default:
		return fabric.Permanent(fmt.Errorf("%w: unhandled kind %q", fabric.ErrTaskInvalid, task.Kind))
	}
}

// reviewPull is the pr_review pipeline.
//
// # Description
//
// Loads the pull request and its project, moves the PR to analyzing,
// projects the changed files at the head commit into the graph, builds
// the memoized context bundle, prompts the oracle over the truncated
// diff, persists the verdict, and posts commit statuses if the head
// has not moved. Oracle failures degrade to the neutral verdict; any
// other failure resets the PR to pending, records the cause in the
// audit trail, and returns the error for the pool to retry.
func (o *Orchestrator) reviewPull(ctx context.Context, task *fabric.Task) error {
	start := time.Now()
	log := o.logger.With("task_id", task.ID, "pull_request_id", task.PullRequestID, "attempt", task.Attempt)

	if o.source == nil {
		return fabric.Permanent(errors.New("review: pr_review requires a host client"))
	}

	pr, err := o.store.GetPullRequest(ctx, task.PullRequestID)
	if err != nil {
		if store.IsNotFound(err) {
			return fabric.Permanent(fmt.Errorf("load pull request: %w", err))
		}
		return fmt.Errorf("load pull request: %w", err)
	}
	project, err := o.store.GetProject(ctx, pr.ProjectID)
	if err != nil {
		if store.IsNotFound(err) {
			return fabric.Permanent(fmt.Errorf("load project: %w", err))
		}
		return fmt.Errorf("load project: %w", err)
	}
	log = log.With("repo", project.RepoFullName, "pr_number", pr.Number)

	if !pr.Open() {
		log.Info("pull request closed, review skipped", "status", pr.Status)
		recordRun(ctx, outcomeStale, time.Since(start))
		return nil
	}
	if task.CommitSHA != "" && task.CommitSHA != pr.CommitSHA {
		// A newer commit superseded this task; its enqueuer queued a
		// fresh one for the current head.
		log.Info("task superseded by newer commit",
			"task_sha", shortSHA(task.CommitSHA), "head_sha", shortSHA(pr.CommitSHA))
		recordRun(ctx, outcomeStale, time.Since(start))
		return nil
	}

	if err := o.store.TransitionStatus(ctx, pr.ID, store.StatusAnalyzing); err != nil {
		if errors.Is(err, store.ErrInvalidTransition) {
			return fabric.Permanent(fmt.Errorf("begin analysis: %w", err))
		}
		return fmt.Errorf("begin analysis: %w", err)
	}

	rev, err := o.runReview(ctx, log, task, project, pr)
	if err != nil {
		o.abortReview(ctx, log, pr, err)
		recordRun(ctx, outcomeFailed, time.Since(start))
		return err
	}

	outcome := outcomeReviewed
	if rev.Neutral {
		outcome = outcomeNeutral
	}
	recordRun(ctx, outcome, time.Since(start))
	log.Info("pull request reviewed",
		"risk_score", rev.RiskScore,
		"issues", len(rev.Issues),
		"critical", rev.CriticalCount(),
		"duration_ms", time.Since(start).Milliseconds())
	return nil
}

// runReview is the body of reviewPull after the analyzing transition;
// every error it returns triggers the abort path.
func (o *Orchestrator) runReview(ctx context.Context, log *slog.Logger, task *fabric.Task, project *store.Project, pr *store.PullRequest) (*Review, error) {
	files, err := o.source.ListPullFiles(ctx, project.RepoFullName, pr.Number)
	if err != nil {
		return nil, fmt.Errorf("list changed files: %w", err)
	}

	graphID := graph.ProjectGraphID(project.ID)
	parsed, err := o.projectChangedFiles(ctx, log, project, pr, graphID, files)
	if err != nil {
		return nil, err
	}

	layerSchema := o.projectSchema(log, project)

	var graphContext string
	bundle, err := o.bundles.Build(ctx, graphID, pr.CommitSHA, layerSchema)
	if err != nil {
		// The review proceeds without graph context rather than
		// blocking on the analytics plane.
		log.Warn("context bundle unavailable", "error", err)
	} else {
		graphContext = bundle.Text()
	}

	assembled := AssembleDiff(files)
	stats := ComputeDiffStats(assembled)
	diff, truncated := TruncateDiff(assembled, o.maxDiffLines)
	if truncated {
		log.Info("diff truncated for prompt", "max_lines", o.maxDiffLines)
	}

	system, user, err := BuildPrompt(&PromptInput{
		RepoFullName:    project.RepoFullName,
		Title:           pr.Title,
		Description:     pr.Description,
		FileCount:       len(files),
		PrimaryLanguage: o.primaryLanguage(files),
		GraphContext:    graphContext,
		BaselineRules:   baselineRules(layerSchema),
		Diff:            diff,
	})
	if err != nil {
		return nil, fabric.Permanent(fmt.Errorf("build prompt: %w", err))
	}

	rev := o.generateReview(ctx, log, system, user)

	suggestions, err := json.Marshal(rev.Issues)
	if err != nil {
		return nil, fabric.Permanent(fmt.Errorf("encode suggestions: %w", err))
	}
	if err := o.store.SaveReviewResult(ctx, &store.ReviewResult{
		PullRequestID:   pr.ID,
		AISuggestions:   string(suggestions),
		ConfidenceScore: rev.AverageConfidence(),
		TotalIssues:     len(rev.Issues),
		CriticalIssues:  rev.CriticalCount(),
		Summary:         rev.Summary,
	}); err != nil {
		return nil, fmt.Errorf("save review: %w", err)
	}
	if err := o.store.MarkAnalyzed(ctx, pr.ID, rev.RiskScore/100); err != nil {
		return nil, fmt.Errorf("mark analyzed: %w", err)
	}

	// Statuses belong to the commit that was analyzed. If the head
	// moved mid-run, the webhook already queued a fresh task and these
	// results describe a commit nobody is looking at.
	fresh := false
	head, err := o.store.CurrentCommit(ctx, pr.ID)
	switch {
	case err != nil:
		log.Warn("head lookup failed, statuses withheld", "error", err)
	case head != pr.CommitSHA:
		log.Info("head moved during analysis, statuses withheld",
			"analyzed_sha", shortSHA(pr.CommitSHA), "head_sha", shortSHA(head))
	default:
		fresh = true
		o.postReviewStatus(ctx, log, project, pr.CommitSHA, rev)
	}

	if task.DetectDrift && layerSchema != nil {
		if drift := o.evaluateDrift(ctx, log, project, graphID, layerSchema); drift != nil && fresh {
			o.postDriftStatus(ctx, log, project, pr.CommitSHA, drift)
		}
	}

	o.audit(ctx, "pr_reviewed", "pull_request", pr.ID, map[string]any{
		"commit_sha":    pr.CommitSHA,
		"risk_score":    rev.RiskScore,
		"issues":        len(rev.Issues),
		"critical":      rev.CriticalCount(),
		"files_parsed":  parsed,
		"lines_added":   stats.Added,
		"lines_removed": stats.Removed,
		"neutral":       rev.Neutral,
	})
	return rev, nil
}

// abortReview releases a pull request stuck in analyzing and records
// the failure cause. Runs detached from ctx cancellation so a deadline
// blast cannot strand the row.
func (o *Orchestrator) abortReview(ctx context.Context, log *slog.Logger, pr *store.PullRequest, cause error) {
	ctx = context.WithoutCancel(ctx)
	if err := o.store.TransitionStatus(ctx, pr.ID, store.StatusPending); err != nil && !errors.Is(err, store.ErrInvalidTransition) {
		log.Error("status reset failed", "error", err)
	}
	o.audit(ctx, "pr_analysis_failed", "pull_request", pr.ID, map[string]any{
		"commit_sha": pr.CommitSHA,
		"error":      cause.Error(),
	})
	log.Error("review aborted", "error", cause)
}

// analyzeProject is the project_analysis pipeline: project the task's
// inline files into the graph and optionally evaluate drift against
// the stored golden schema. Results are served by the graph read APIs.
func (o *Orchestrator) analyzeProject(ctx context.Context, task *fabric.Task) error {
	start := time.Now()
	log := o.logger.With("task_id", task.ID, "project_id", task.ProjectID, "attempt", task.Attempt)

	project, err := o.store.GetProject(ctx, task.ProjectID)
	if err != nil {
		if store.IsNotFound(err) {
			return fabric.Permanent(fmt.Errorf("load project: %w", err))
		}
		return fmt.Errorf("load project: %w", err)
	}

	graphID := graph.ProjectGraphID(project.ID)

	var resolver *ast.ModuleResolver
	for _, f := range task.Files {
		if f.Path != "go.mod" {
			continue
		}
		if resolver, err = ast.ParseGoMod(f.Path, []byte(f.Content)); err != nil {
			log.Warn("go.mod unusable, import paths kept as declared", "error", err)
		}
		break
	}

	var parsed, failed, skipped int
	for _, f := range task.Files {
		projector, ok := o.projectors.ForFile(f.Path)
		if !ok {
			skipped++
			continue
		}
		pf, err := projector.Project(ctx, graphID, f.Path, []byte(f.Content))
		if err != nil {
			failed++
			log.Warn("projection failed", "file", f.Path, "error", err)
			continue
		}
		if pf.Language == "go" {
			pf.RewriteModules(resolver.Resolve)
		}
		if err := o.graph.UpsertParsedFile(ctx, pf); err != nil {
			recordRun(ctx, outcomeFailed, time.Since(start))
			return fmt.Errorf("upsert %s: %w", f.Path, err)
		}
		parsed++
	}

	if task.DetectDrift {
		if layerSchema := o.projectSchema(log, project); layerSchema != nil {
			o.evaluateDrift(ctx, log, project, graphID, layerSchema)
		} else {
			log.Info("drift requested but no golden schema is set")
		}
	}

	o.audit(ctx, "project_analyzed", "project", project.ID, map[string]any{
		"files":   len(task.Files),
		"parsed":  parsed,
		"failed":  failed,
		"skipped": skipped,
	})
	recordRun(ctx, outcomeReviewed, time.Since(start))
	log.Info("project snapshot analyzed",
		"files", len(task.Files), "parsed", parsed, "failed", failed, "skipped", skipped,
		"duration_ms", time.Since(start).Milliseconds())
	return nil
}

// projectChangedFiles fetches each added, modified, or renamed file at
// the head commit and merges its projection into the graph. Unparsable
// or unsupported files degrade graph context, never the review; host
// transport failures abort the run.
func (o *Orchestrator) projectChangedFiles(ctx context.Context, log *slog.Logger, project *store.Project, pr *store.PullRequest, graphID string, files []host.ChangedFile) (int, error) {
	resolver := o.fetchModuleResolver(ctx, log, project, pr, files)

	parsed := 0
	for _, f := range files {
		if f.Removed() {
			continue
		}
		projector, ok := o.projectors.ForFile(f.Filename)
		if !ok {
			continue
		}
		content, err := o.source.GetFileContent(ctx, project.RepoFullName, f.Filename, pr.CommitSHA)
		if err != nil {
			if errors.Is(err, host.ErrNotFound) {
				log.Warn("changed file missing at head", "file", f.Filename)
				continue
			}
			return parsed, fmt.Errorf("fetch %s: %w", f.Filename, err)
		}
		pf, err := projector.Project(ctx, graphID, f.Filename, content)
		if err != nil {
			if errors.Is(err, ast.ErrUnsupportedInput) || errors.Is(err, ast.ErrInputTooLarge) {
				log.Debug("file skipped by projector", "file", f.Filename, "error", err)
			} else {
				log.Warn("projection failed", "file", f.Filename, "error", err)
			}
			continue
		}
		if pf.Language == "go" {
			pf.RewriteModules(resolver.Resolve)
		}
		if err := o.graph.UpsertParsedFile(ctx, pf); err != nil {
			return parsed, fmt.Errorf("upsert %s: %w", f.Filename, err)
		}
		parsed++
	}
	return parsed, nil
}

// fetchModuleResolver fetches the repository's root go.mod at the head
// commit when the change set touches Go files, so Go import paths can
// be shortened to the directory form the graph keys modules by. Every
// failure leaves import paths as declared; resolution is best effort.
func (o *Orchestrator) fetchModuleResolver(ctx context.Context, log *slog.Logger, project *store.Project, pr *store.PullRequest, files []host.ChangedFile) *ast.ModuleResolver {
	hasGo := false
	for _, f := range files {
		if !f.Removed() && strings.HasSuffix(f.Filename, ".go") {
			hasGo = true
			break
		}
	}
	if !hasGo {
		return nil
	}
	content, err := o.source.GetFileContent(ctx, project.RepoFullName, "go.mod", pr.CommitSHA)
	if err != nil {
		if !errors.Is(err, host.ErrNotFound) {
			log.Warn("go.mod fetch failed, import paths kept as declared", "error", err)
		}
		return nil
	}
	resolver, err := ast.ParseGoMod("go.mod", content)
	if err != nil {
		log.Warn("go.mod unusable, import paths kept as declared", "error", err)
		return nil
	}
	return resolver
}

// generateReview asks the oracle for a verdict. Every failure mode
// (no oracle, transport, timeout, contract violation) lands on the
// neutral verdict so the pipeline always produces a persisted review.
func (o *Orchestrator) generateReview(ctx context.Context, log *slog.Logger, system, user string) *Review {
	if o.oracle == nil {
		return NeutralReview("no review oracle is configured")
	}
	llmCtx, cancel := context.WithTimeout(ctx, o.llmTimeout)
	defer cancel()
	res, err := o.oracle.Generate(llmCtx, system, user, llm.Options{
		Temperature: reviewTemperature,
		JSONMode:    true,
	})
	if err != nil {
		log.Error("oracle generation failed", "model", o.oracle.Model(), "error", err)
		return NeutralReview("the review oracle was unavailable")
	}
	rev, err := ParseResponse(res.Content)
	if err != nil {
		log.Error("oracle response rejected", "model", o.oracle.Model(), "error", err)
		return NeutralReview("the oracle response violated the review contract")
	}
	log.Info("review generated",
		"model", o.oracle.Model(),
		"prompt_tokens", res.PromptTokens,
		"completion_tokens", res.CompletionTokens,
		"issues", len(rev.Issues))
	return rev
}

// evaluateDrift scans the graph for layer violations and scores them
// against the schema thresholds. Failures are logged and swallowed:
// drift is advisory to the review pipeline. The report is audited so
// compliance can reconstruct what CI saw.
func (o *Orchestrator) evaluateDrift(ctx context.Context, log *slog.Logger, project *store.Project, graphID string, layerSchema *analytics.LayerSchema) *analytics.DriftReport {
	report, err := o.graph.FindLayerViolations(ctx, graphID, layerSchema)
	if err != nil {
		log.Error("layer violation scan failed", "error", err)
		return nil
	}
	drift := analytics.DriftScore(report, layerSchema.Thresholds)
	o.audit(ctx, "drift_evaluated", "project", project.ID, drift)
	log.Info("drift evaluated",
		"score", drift.Score, "fail_ci", drift.FailCI, "violations", report.Counts.Total())
	return drift
}

func (o *Orchestrator) postReviewStatus(ctx context.Context, log *slog.Logger, project *store.Project, sha string, rev *Review) {
	state := host.StatusSuccess
	if rev.RiskScore >= RiskFailThreshold {
		state = host.StatusFailure
	}
	o.postStatus(ctx, log, project, sha, host.CommitStatus{
		State:       state,
		Context:     StatusContextReview,
		Description: fmt.Sprintf("%d issues, risk %.0f/100", len(rev.Issues), rev.RiskScore),
		TargetURL:   o.statusURL,
	})
}

func (o *Orchestrator) postDriftStatus(ctx context.Context, log *slog.Logger, project *store.Project, sha string, drift *analytics.DriftReport) {
	state := host.StatusSuccess
	desc := fmt.Sprintf("drift score %d/100", drift.Score)
	if drift.FailCI {
		state = host.StatusFailure
		desc = fmt.Sprintf("drift score %d/100 exceeds policy", drift.Score)
	}
	o.postStatus(ctx, log, project, sha, host.CommitStatus{
		State:       state,
		Context:     StatusContextDrift,
		Description: desc,
		TargetURL:   o.statusURL,
	})
}

// postStatus writes one commit status. The review is already durable
// when statuses go out, so a post failure is logged, not retried; the
// next commit repairs the host's view.
func (o *Orchestrator) postStatus(ctx context.Context, log *slog.Logger, project *store.Project, sha string, status host.CommitStatus) {
	if o.source == nil {
		return
	}
	if err := o.source.CreateCommitStatus(ctx, project.RepoFullName, sha, status); err != nil {
		log.Error("commit status post failed", "status_context", status.Context, "error", err)
		return
	}
	log.Info("commit status posted",
		"status_context", status.Context, "state", status.State, "sha", shortSHA(sha))
}

// projectSchema parses the project's stored golden schema. A missing
// or invalid schema disables layer analysis for the run.
func (o *Orchestrator) projectSchema(log *slog.Logger, project *store.Project) *analytics.LayerSchema {
	if strings.TrimSpace(project.GoldenSchema) == "" {
		return nil
	}
	layerSchema, err := schema.Parse([]byte(project.GoldenSchema))
	if err != nil {
		log.Warn("stored golden schema is invalid", "error", err)
		return nil
	}
	return layerSchema
}

// primaryLanguage picks the most common projectable language among the
// changed files, with a lexicographic tie-break for determinism.
func (o *Orchestrator) primaryLanguage(files []host.ChangedFile) string {
	counts := make(map[string]int)
	for _, f := range files {
		if f.Removed() {
			continue
		}
		if projector, ok := o.projectors.ForFile(f.Filename); ok {
			counts[projector.Language()]++
		}
	}
	best, bestN := "", 0
	for lang, n := range counts {
		if n > bestN || (n == bestN && lang < best) {
			best, bestN = lang, n
		}
	}
	return best
}

// audit appends one audit trail entry; audit writes never fail the
// pipeline.
func (o *Orchestrator) audit(ctx context.Context, action, entityType string, entityID int64, changes any) {
	payload, err := json.Marshal(changes)
	if err != nil {
		payload = nil
	}
	entry := &store.AuditLog{
		UserID:     "system",
		Action:     action,
		EntityType: entityType,
		EntityID:   strconv.FormatInt(entityID, 10),
		Changes:    string(payload),
	}
	if err := o.store.AppendAuditLog(ctx, entry); err != nil {
		o.logger.Warn("audit append failed", "action", action, "error", err)
	}
}

// baselineRules renders the golden schema's layer contracts as one
// prompt rule per constraint.
func baselineRules(layerSchema *analytics.LayerSchema) []string {
	if layerSchema == nil {
		return nil
	}
	rules := make([]string, 0, len(layerSchema.Layers))
	for _, layer := range layerSchema.Layers {
		if len(layer.AllowedDependencies) > 0 {
			rules = append(rules, fmt.Sprintf("layer %q may depend only on: %s",
				layer.Name, strings.Join(layer.AllowedDependencies, ", ")))
		}
		if len(layer.ForbiddenDependencies) > 0 {
			rules = append(rules, fmt.Sprintf("layer %q must never depend on: %s",
				layer.Name, strings.Join(layer.ForbiddenDependencies, ", ")))
		}
	}
	return rules
}

func shortSHA(sha string) string {
	if len(sha) > 12 {
		return sha[:12]
	}
	return sha
}
