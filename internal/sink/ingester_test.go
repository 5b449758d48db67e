package sink

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/mailgraph/internal/model"
)

// fakeGraph is an in-memory Graph that records every write.
type fakeGraph struct {
	content map[string]string // content id -> text
	nodes   map[string]map[string]any
	links   []fakeLink
	patches map[string]map[string]any

	failContent bool
	failNode    bool
}

type fakeLink struct {
	source, target, typ string
}

func newFakeGraph() *fakeGraph {
	return &fakeGraph{
		content: make(map[string]string),
		nodes:   make(map[string]map[string]any),
		patches: make(map[string]map[string]any),
	}
}

func (g *fakeGraph) IngestContent(_ context.Context, text string) (string, error) {
	if g.failContent {
		return "", errors.New("content store unavailable")
	}
	sum := sha256.Sum256([]byte(text))
	id := "content-" + hex.EncodeToString(sum[:])[:16]
	g.content[id] = text
	return id, nil
}

func (g *fakeGraph) CreateNode(_ context.Context, _, key string, meta map[string]any) (string, error) {
	if g.failNode {
		return "", errors.New("node store unavailable")
	}
	if _, exists := g.nodes[key]; !exists {
		g.nodes[key] = meta
	}
	return key, nil
}

func (g *fakeGraph) CreateLink(_ context.Context, source, target, typ string, _ map[string]any) error {
	// Missing targets fail silently, per the contract.
	if _, ok := g.nodes[target]; !ok {
		if _, ok := g.content[target]; !ok {
			return nil
		}
	}
	g.links = append(g.links, fakeLink{source: source, target: target, typ: typ})
	return nil
}

func (g *fakeGraph) PatchNode(_ context.Context, nodeID string, meta map[string]any) error {
	g.patches[nodeID] = meta
	return nil
}

func (g *fakeGraph) linksOfType(typ string) []fakeLink {
	var out []fakeLink
	for _, l := range g.links {
		if l.typ == typ {
			out = append(out, l)
		}
	}
	return out
}

func testMessage() *model.ParsedMessage {
	return &model.ParsedMessage{
		MessageID:   "m1@ex.com",
		Subject:     "Hello",
		From:        model.EmailAddress{Name: "Jane", Address: "jane@ex.com"},
		BodyPlain:   "body text",
		ContentHash: "abc123",
		ThreadID:    "m1@ex.com",
	}
}

func TestIngestMessageProducesNodeContentAndEdge(t *testing.T) {
	graph := newFakeGraph()
	ing := NewIngester(graph, false, "", zerolog.Nop())

	msg := testMessage()
	require.NoError(t, ing.IngestMessage(context.Background(), msg, "run-1"))

	nodeKey := NodeKey("m1@ex.com")
	meta, ok := graph.nodes[nodeKey]
	require.True(t, ok, "email node missing")
	assert.Equal(t, "m1@ex.com", meta["message_id"])
	assert.Equal(t, "abc123", meta["content_hash"])
	assert.Equal(t, "run-1", meta["sync_run"])

	require.Len(t, graph.content, 1)
	hasContent := graph.linksOfType(LinkHasContent)
	require.Len(t, hasContent, 1)
	assert.Equal(t, nodeKey, hasContent[0].source)

	// Processed marker patched onto the node.
	_, patched := graph.patches[nodeKey]
	assert.True(t, patched)
}

func TestIngestMessageIsIdempotent(t *testing.T) {
	graph := newFakeGraph()
	ing := NewIngester(graph, false, "", zerolog.Nop())

	msg := testMessage()
	require.NoError(t, ing.IngestMessage(context.Background(), msg, "run-1"))
	require.NoError(t, ing.IngestMessage(context.Background(), msg, "run-2"))

	// Duplicate delivery hits the same node key and content id.
	assert.Len(t, graph.nodes, 1)
	assert.Len(t, graph.content, 1)
}

func TestReplyEdgeWhenAncestorExists(t *testing.T) {
	graph := newFakeGraph()
	ing := NewIngester(graph, false, "", zerolog.Nop())
	ctx := context.Background()

	parent := testMessage()
	require.NoError(t, ing.IngestMessage(ctx, parent, "run-1"))

	reply := &model.ParsedMessage{
		MessageID:   "m2@ex.com",
		Subject:     "Re: Hello",
		From:        model.EmailAddress{Address: "bob@ex.com"},
		BodyPlain:   "reply",
		ContentHash: "def456",
		InReplyTo:   "m1@ex.com",
		ThreadID:    "m1@ex.com",
	}
	require.NoError(t, ing.IngestMessage(ctx, reply, "run-1"))

	replyLinks := graph.linksOfType(LinkReplyTo)
	require.Len(t, replyLinks, 1)
	assert.Equal(t, NodeKey("m2@ex.com"), replyLinks[0].source)
	assert.Equal(t, NodeKey("m1@ex.com"), replyLinks[0].target)
}

func TestReplyEdgeSilentlyAbsentWithoutAncestor(t *testing.T) {
	graph := newFakeGraph()
	ing := NewIngester(graph, false, "", zerolog.Nop())

	orphan := testMessage()
	orphan.InReplyTo = "never-seen@ex.com"

	// Ancestor arrival order across restarts is not guaranteed; the
	// missing edge must not fail the ingest.
	require.NoError(t, ing.IngestMessage(context.Background(), orphan, "run-1"))
	assert.Empty(t, graph.linksOfType(LinkReplyTo))
}

func TestIngestMessageSurfacesSinkFailures(t *testing.T) {
	graph := newFakeGraph()
	graph.failContent = true
	ing := NewIngester(graph, false, "", zerolog.Nop())

	err := ing.IngestMessage(context.Background(), testMessage(), "run-1")
	require.Error(t, err)
}

func TestNotifyWebhookOnAutoExtract(t *testing.T) {
	var received map[string]string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&received)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	graph := newFakeGraph()
	ing := NewIngester(graph, true, server.URL, zerolog.Nop())

	msg := testMessage()
	require.NoError(t, ing.IngestMessage(context.Background(), msg, "run-1"))

	require.NotNil(t, received)
	assert.Equal(t, NodeKey("m1@ex.com"), received["node_id"])
	assert.Equal(t, "m1@ex.com", received["thread_id"])
	assert.NotEmpty(t, received["content_id"])
}

func TestFormatContent(t *testing.T) {
	text := FormatContent(testMessage())
	assert.Contains(t, text, "Subject: Hello")
	assert.Contains(t, text, "From: Jane <jane@ex.com>")
	assert.Contains(t, text, "body text")
}
