// Package sink writes parsed messages into the downstream graph store
// through a narrow node/link/content upsert contract, keeping the
// pipeline storage-transport-agnostic: any conforming store (remote
// service, embedded database, in-memory test double) is substitutable.
package sink

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
)

// Node and link types produced per ingested message.
const (
	NodeTypeEmail = "email_message"

	LinkHasContent = "HAS_CONTENT"
	LinkReplyTo    = "REPLY_TO"
)

// Graph is the write contract consumed (not implemented) by the
// pipeline.
type Graph interface {
	// IngestContent stores raw text content-addressed and returns its
	// content id. Pure: identical text always maps to the same id.
	IngestContent(ctx context.Context, text string) (string, error)

	// CreateNode upserts a typed node by key. Calling twice with the
	// same key is a no-op, never an error. Returns the node id.
	CreateNode(ctx context.Context, nodeType, key string, meta map[string]any) (string, error)

	// CreateLink upserts a typed edge. Attempting a link against a
	// target that does not exist yet fails silently.
	CreateLink(ctx context.Context, source, target, linkType string, meta map[string]any) error

	// PatchNode merges meta into an existing node.
	PatchNode(ctx context.Context, nodeID string, meta map[string]any) error
}

// NodeKey derives the deterministic graph key for a message from its
// canonical Message-ID. Replies know only their ancestor's Message-ID,
// so this key is what makes REPLY_TO targets addressable before (or
// without) ever seeing the ancestor's content.
func NodeKey(messageID string) string {
	sum := sha256.Sum256([]byte(messageID))
	return "email-" + hex.EncodeToString(sum[:])[:32]
}
