package model

import "time"

// SyncCursor is the resumable watermark for one mailbox, persisted by the
// sync state store and mutated only by the poll loop.
type SyncCursor struct {
	// LastUID is the highest UID ever fetched. It is monotonically
	// non-decreasing and advances as soon as a raw message is fetched,
	// independent of whether parsing or sink writes succeeded for it.
	LastUID uint32 `db:"last_uid" json:"last_uid"`

	// LastSync is when the most recent poll completed.
	LastSync time.Time `db:"last_sync" json:"last_sync"`

	// Ingested and Errors are cumulative counters across the account's
	// lifetime, not per poll.
	Ingested int64 `db:"ingested" json:"ingested"`
	Errors   int64 `db:"errors" json:"errors"`
}
