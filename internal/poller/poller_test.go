package poller

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/mailgraph/internal/model"
	"github.com/nhle/mailgraph/internal/state"
)

// fakeTransport serves a fixed set of pending messages by UID range.
type fakeTransport struct {
	pending  map[uint32][]byte
	requests []uint32 // sinceUID of every FetchNew call
	err      error
}

func (f *fakeTransport) FetchNew(_ context.Context, sinceUID uint32, max int) ([]model.RawMessage, error) {
	f.requests = append(f.requests, sinceUID)
	if f.err != nil {
		return nil, f.err
	}

	var uids []uint32
	for uid := range f.pending {
		if uid > sinceUID {
			uids = append(uids, uid)
		}
	}
	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })
	if max > 0 && len(uids) > max {
		uids = uids[len(uids)-max:]
	}

	messages := make([]model.RawMessage, 0, len(uids))
	for _, uid := range uids {
		messages = append(messages, model.RawMessage{UID: uid, Body: f.pending[uid]})
	}
	return messages, nil
}

// fakeIngester records ingested messages and can fail selected subjects.
type fakeIngester struct {
	ingested []*model.ParsedMessage
	failFor  map[string]bool
}

func (f *fakeIngester) IngestMessage(_ context.Context, msg *model.ParsedMessage, _ string) error {
	if f.failFor[msg.Subject] {
		return errors.New("graph unavailable")
	}
	f.ingested = append(f.ingested, msg)
	return nil
}

func rawMessage(uid uint32) []byte {
	return []byte(fmt.Sprintf(
		"From: a@ex.com\r\nSubject: msg %d\r\nMessage-Id: <m%d@ex.com>\r\n\r\nbody %d\r\n",
		uid, uid, uid,
	))
}

func newTestPoller(t *testing.T, tr *fakeTransport, in *fakeIngester, cfg Config) (*Poller, state.Store) {
	t.Helper()

	store, err := state.Open(":memory:", "test@example.com/INBOX")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	return New(tr, in, store, cfg, zerolog.Nop()), store
}

func TestPollOnceIngestsAndAdvancesWatermark(t *testing.T) {
	tr := &fakeTransport{pending: map[uint32][]byte{
		1: rawMessage(1),
		2: rawMessage(2),
		3: rawMessage(3),
	}}
	in := &fakeIngester{}
	p, store := newTestPoller(t, tr, in, Config{BatchSize: 50})

	count, err := p.PollOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	// Strictly increasing UID order so thread ancestors land first.
	require.Len(t, in.ingested, 3)
	assert.Equal(t, "msg 1", in.ingested[0].Subject)
	assert.Equal(t, "msg 3", in.ingested[2].Subject)

	cursor, err := store.Cursor(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint32(3), cursor.LastUID)
	assert.Equal(t, int64(3), cursor.Ingested)
}

func TestBatchBoundTakesNewestPending(t *testing.T) {
	pending := make(map[uint32][]byte, 120)
	for uid := uint32(1); uid <= 120; uid++ {
		pending[uid] = rawMessage(uid)
	}
	tr := &fakeTransport{pending: pending}
	in := &fakeIngester{}
	p, store := newTestPoller(t, tr, in, Config{BatchSize: 50})

	count, err := p.PollOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 50, count)

	// Exactly the 50 highest pending UIDs, watermark at their maximum.
	require.Len(t, in.ingested, 50)
	assert.Equal(t, "msg 71", in.ingested[0].Subject)
	assert.Equal(t, "msg 120", in.ingested[49].Subject)

	cursor, err := store.Cursor(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint32(120), cursor.LastUID)
}

func TestRestartResumesAboveWatermark(t *testing.T) {
	tr := &fakeTransport{pending: map[uint32][]byte{501: rawMessage(501)}}
	in := &fakeIngester{}
	p, store := newTestPoller(t, tr, in, Config{BatchSize: 50})

	require.NoError(t, store.SetLastUID(context.Background(), 500))

	_, err := p.PollOnce(context.Background())
	require.NoError(t, err)

	// The search must request UIDs strictly greater than 500 and never
	// re-request 1-500.
	require.Len(t, tr.requests, 1)
	assert.Equal(t, uint32(500), tr.requests[0])
}

func TestParseFailureCountedAndSkipped(t *testing.T) {
	tr := &fakeTransport{pending: map[uint32][]byte{
		1: []byte("\x00\x01 not a message"),
		2: rawMessage(2),
	}}
	in := &fakeIngester{}

	var reported []error
	p, store := newTestPoller(t, tr, in, Config{
		BatchSize: 50,
		OnError:   func(err error) { reported = append(reported, err) },
	})

	count, err := p.PollOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	// The malformed message is dropped, counted, and the watermark still
	// advances past it.
	cursor, err := store.Cursor(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint32(2), cursor.LastUID)
	assert.Equal(t, int64(1), cursor.Errors)

	require.Len(t, reported, 1)
	var parseErr *ParseError
	require.ErrorAs(t, reported[0], &parseErr)
	assert.Equal(t, uint32(1), parseErr.UID)
}

func TestSinkFailureDoesNotRollBackWatermark(t *testing.T) {
	tr := &fakeTransport{pending: map[uint32][]byte{
		1: rawMessage(1),
		2: rawMessage(2),
	}}
	in := &fakeIngester{failFor: map[string]bool{"msg 2": true}}

	var reported []error
	p, store := newTestPoller(t, tr, in, Config{
		BatchSize: 50,
		OnError:   func(err error) { reported = append(reported, err) },
	})

	count, err := p.PollOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	cursor, err := store.Cursor(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint32(2), cursor.LastUID)
	assert.Equal(t, int64(1), cursor.Errors)
	assert.Equal(t, int64(1), cursor.Ingested)

	require.Len(t, reported, 1)
	var sinkErr *SinkError
	require.ErrorAs(t, reported[0], &sinkErr)
}

func TestTransportErrorSurfacedNotFatal(t *testing.T) {
	tr := &fakeTransport{err: errors.New("connection reset")}
	in := &fakeIngester{}
	p, _ := newTestPoller(t, tr, in, Config{BatchSize: 50})

	_, err := p.PollOnce(context.Background())
	require.Error(t, err)
	assert.True(t, IsTransportError(err))
}

func TestRunStopsOnCancel(t *testing.T) {
	tr := &fakeTransport{pending: map[uint32][]byte{1: rawMessage(1)}}
	in := &fakeIngester{}
	p, _ := newTestPoller(t, tr, in, Config{
		BatchSize:    50,
		PollInterval: time.Hour,
	})

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("run did not stop after cancellation")
	}

	ingested, _ := p.Totals()
	assert.Equal(t, int64(1), ingested)
}
