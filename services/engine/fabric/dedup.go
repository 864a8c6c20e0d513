// Copyright (C) 2025 Strata Labs (engineering@stratalab.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package fabric

import (
	"context"
	"time"
)

// dedupTTL bounds how long delivery IDs are remembered. Source hosts
// retry webhooks for at most a day; after that a replayed ID is
// indistinguishable from a legitimate new delivery anyway.
const dedupTTL = 24 * time.Hour

// Deduper suppresses webhook redeliveries by remembering delivery IDs.
type Deduper struct {
	client *Client
	ttl    time.Duration
}

// NewDeduper returns a deduper with the standard 24h retention.
func NewDeduper(c *Client) *Deduper {
	return &Deduper{client: c, ttl: dedupTTL}
}

// # Description
//
// FirstDelivery marks the delivery ID seen and reports whether this
// call was the first sighting. The check and mark are one atomic
// SETNX, so two racing deliveries of the same ID resolve to exactly
// one "first".
//
// # Inputs
//   - ctx: bounds the Redis call.
//   - deliveryID: the host-assigned unique delivery identifier.
//
// # Outputs
//   - bool: true when unseen within the retention window.
//   - error: ErrUnavailable; on error the caller should process the
//     delivery anyway, duplicates being cheaper than drops.
func (d *Deduper) FirstDelivery(ctx context.Context, deliveryID string) (bool, error) {
	ok, err := d.client.rdb.SetNX(ctx, "webhook:delivery:"+deliveryID, "1", d.ttl).Result()
	if err != nil {
		return false, wrap(err)
	}
	return ok, nil
}
