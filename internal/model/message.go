package model

import "time"

// RawMessage is a message as fetched from the mailbox: the opaque wire
// bytes plus the server-assigned UID.
type RawMessage struct {
	// UID is the monotonically increasing per-mailbox identifier.
	UID uint32

	// Body is the full RFC 5322 message, untrusted and possibly malformed.
	Body []byte
}

// EmailAddress is a single parsed mailbox address.
type EmailAddress struct {
	// Name is the display name; empty when the sender omitted it.
	Name string `json:"name"`

	// Address is the canonical address, lowercased.
	Address string `json:"address"`
}

// ParsedMessage is the structured record produced by the parser for one
// raw message. It is constructed once, handed to the sink, and never
// mutated afterward.
type ParsedMessage struct {
	// MessageID is globally unique. When the header is absent it is
	// synthesized deterministically from the raw bytes.
	MessageID string `json:"message_id"`

	Subject string         `json:"subject"`
	From    EmailAddress   `json:"from"`
	To      []EmailAddress `json:"to"`
	Cc      []EmailAddress `json:"cc"`

	// Date is the zero time when the sender omitted or malformed it.
	Date time.Time `json:"date"`

	BodyPlain string `json:"body_plain"`
	BodyHTML  string `json:"body_html"`

	// InReplyTo is the Message-ID of the direct ancestor, if any.
	InReplyTo string `json:"in_reply_to,omitempty"`

	// References lists ancestor Message-IDs in header order, oldest first.
	References []string `json:"references,omitempty"`

	// ContentHash is the idempotency key: a sha256 digest over
	// (message_id, subject, body_plain) only, so identical content yields
	// identical identity regardless of unrelated byte-level differences.
	ContentHash string `json:"content_hash"`

	// ThreadID is the first References entry if present, else InReplyTo,
	// else MessageID (a root message is its own thread).
	ThreadID string `json:"thread_id"`
}
