// Package state persists the resumable sync cursor for each mailbox.
package state

import (
	"context"

	"github.com/nhle/mailgraph/internal/model"
)

// Store is the sync-state contract consumed by the poll loop. Exactly
// one poller instance per mailbox is a hard operational requirement; no
// cross-process coordination is provided.
type Store interface {
	// Cursor returns the current cursor, a zero value on first run.
	Cursor(ctx context.Context) (model.SyncCursor, error)

	// SetLastUID advances the watermark. The stored value never
	// decreases regardless of the argument.
	SetLastUID(ctx context.Context, uid uint32) error

	// RecordSync adds a completed poll's counts to the cumulative
	// counters, stamps the sync time, and keeps a per-run audit row so an
	// external reconciliation pass can diff watermark-covered UIDs
	// against actually-stored content.
	RecordSync(ctx context.Context, runID string, count, errors int) error

	// Reset clears the watermark and counters. It cannot undo committed
	// sink writes; re-polling afterwards relies on the sink's
	// content-hash keying to avoid duplicate nodes.
	Reset(ctx context.Context) error

	Close() error
}
