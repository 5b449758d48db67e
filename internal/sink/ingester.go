package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/nhle/mailgraph/internal/model"
)

// Ingester turns one parsed message into its graph records: a content
// node from the formatted subject+body text, a typed email node, a
// HAS_CONTENT edge between them, and a REPLY_TO edge toward the ancestor
// when one is addressable. Ancestor arrival order across restarts is not
// guaranteed, so a REPLY_TO edge that cannot land yet is tolerated.
type Ingester struct {
	graph       Graph
	autoExtract bool
	notifyURL   string
	notifier    *http.Client
	logger      zerolog.Logger
}

// NewIngester creates an ingester writing through graph. When
// autoExtract is enabled and notifyURL is set, each ingested message is
// announced to the downstream extractor.
func NewIngester(graph Graph, autoExtract bool, notifyURL string, logger zerolog.Logger) *Ingester {
	return &Ingester{
		graph:       graph,
		autoExtract: autoExtract,
		notifyURL:   notifyURL,
		notifier: &http.Client{
			Timeout: 10 * time.Second,
		},
		logger: logger.With().Str("component", "ingester").Logger(),
	}
}

// IngestMessage writes all records for msg. runID tags the node meta so
// a reconciliation pass can tie stored nodes back to the poll that
// produced them.
func (in *Ingester) IngestMessage(ctx context.Context, msg *model.ParsedMessage, runID string) error {
	contentID, err := in.graph.IngestContent(ctx, FormatContent(msg))
	if err != nil {
		return fmt.Errorf("storing message content: %w", err)
	}

	meta := map[string]any{
		"message_id":   msg.MessageID,
		"thread_id":    msg.ThreadID,
		"content_hash": msg.ContentHash,
		"subject":      msg.Subject,
		"from":         msg.From.Address,
		"sync_run":     runID,
	}
	if !msg.Date.IsZero() {
		meta["date"] = msg.Date.UTC().Format(time.RFC3339)
	}

	nodeID, err := in.graph.CreateNode(ctx, NodeTypeEmail, NodeKey(msg.MessageID), meta)
	if err != nil {
		return fmt.Errorf("creating message node: %w", err)
	}

	if err := in.graph.CreateLink(ctx, nodeID, contentID, LinkHasContent, nil); err != nil {
		return fmt.Errorf("linking message to content: %w", err)
	}

	if msg.InReplyTo != "" {
		ancestor := NodeKey(msg.InReplyTo)
		err := in.graph.CreateLink(ctx, nodeID, ancestor, LinkReplyTo, map[string]any{
			"thread_id": msg.ThreadID,
		})
		if err != nil {
			// The reply edge is best-effort; the thread_id on the node
			// still groups the conversation.
			in.logger.Warn().Err(err).
				Str("node", nodeID).
				Str("ancestor", ancestor).
				Msg("reply edge not recorded")
		}
	}

	err = in.graph.PatchNode(ctx, nodeID, map[string]any{
		"processed_at": time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("marking node processed: %w", err)
	}

	in.notify(ctx, nodeID, contentID, msg.ThreadID)
	return nil
}

// FormatContent renders the canonical text stored for a message.
func FormatContent(msg *model.ParsedMessage) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Subject: %s\n", msg.Subject)
	if msg.From.Name != "" {
		fmt.Fprintf(&b, "From: %s <%s>\n", msg.From.Name, msg.From.Address)
	} else {
		fmt.Fprintf(&b, "From: %s\n", msg.From.Address)
	}
	b.WriteString("\n")
	b.WriteString(msg.BodyPlain)
	return b.String()
}

// notify announces an ingested message to the downstream extractor.
// Failures are logged and never affect the cursor; the extractor is an
// external collaborator that can re-scan the graph on its own.
func (in *Ingester) notify(ctx context.Context, nodeID, contentID, threadID string) {
	if !in.autoExtract || in.notifyURL == "" {
		return
	}

	payload, err := json.Marshal(map[string]string{
		"node_id":    nodeID,
		"content_id": contentID,
		"thread_id":  threadID,
	})
	if err != nil {
		return
	}

	req, err := http.NewRequestWithContext(
		ctx, http.MethodPost, in.notifyURL, bytes.NewReader(payload),
	)
	if err != nil {
		in.logger.Warn().Err(err).Msg("building extract notification")
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := in.notifier.Do(req)
	if err != nil {
		in.logger.Warn().Err(err).Str("node", nodeID).
			Msg("extract notification failed")
		return
	}
	resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		in.logger.Warn().Int("status", resp.StatusCode).Str("node", nodeID).
			Msg("extract notification rejected")
	}
}
