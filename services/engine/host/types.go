// Copyright (C) 2025 Strata Labs (engineering@stratalab.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package host

// ChangedFile is one file touched by a pull request, as reported by
// the host's PR files endpoint. Patch holds the unified diff hunk for
// the file and may be empty for binary or oversized files.
type ChangedFile struct {
	Filename         string `json:"filename"`
	Status           string `json:"status"`
	Additions        int    `json:"additions"`
	Deletions        int    `json:"deletions"`
	Changes          int    `json:"changes"`
	Patch            string `json:"patch,omitempty"`
	PreviousFilename string `json:"previous_filename,omitempty"`
}

// Removed reports whether the file no longer exists at the head
// commit.
func (f ChangedFile) Removed() bool {
	return f.Status == "removed"
}

// Ref is one side of a pull request (head or base).
type Ref struct {
	Ref string `json:"ref"`
	SHA string `json:"sha"`
}

// Pull is the host's view of a pull request.
type Pull struct {
	Number       int    `json:"number"`
	Title        string `json:"title"`
	Body         string `json:"body"`
	State        string `json:"state"`
	Merged       bool   `json:"merged"`
	Head         Ref    `json:"head"`
	Base         Ref    `json:"base"`
	ChangedFiles int    `json:"changed_files"`
	Additions    int    `json:"additions"`
	Deletions    int    `json:"deletions"`
}

// Commit status states accepted by the host.
const (
	StatusPending = "pending"
	StatusSuccess = "success"
	StatusFailure = "failure"
	StatusError   = "error"
)

// CommitStatus is a CI-style status posted against a commit SHA.
type CommitStatus struct {
	State       string `json:"state"`
	Context     string `json:"context"`
	Description string `json:"description,omitempty"`
	TargetURL   string `json:"target_url,omitempty"`
}

// fileContent is the host's contents-API envelope for a single file.
type fileContent struct {
	Type     string `json:"type"`
	Encoding string `json:"encoding"`
	Size     int    `json:"size"`
	Content  string `json:"content"`
}
