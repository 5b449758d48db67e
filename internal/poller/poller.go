// Package poller drives the ingestion pipeline: fetch raw messages above
// the watermark, parse, hand each record to the sink, advance the
// cursor. The loop is single-threaded and cooperative; exactly one
// active poller per mailbox owns the transport and the cursor.
package poller

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/nhle/mailgraph/internal/model"
	"github.com/nhle/mailgraph/internal/parser"
	"github.com/nhle/mailgraph/internal/state"
)

// wakeInterval bounds how long a stop request can go unnoticed during
// the inter-poll sleep.
const wakeInterval = 500 * time.Millisecond

// Transport fetches raw messages newer than a watermark.
type Transport interface {
	// FetchNew returns up to max messages with UIDs strictly greater
	// than sinceUID, ascending by UID.
	FetchNew(ctx context.Context, sinceUID uint32, max int) ([]model.RawMessage, error)
}

// Ingester writes one parsed message into the downstream store.
type Ingester interface {
	IngestMessage(ctx context.Context, msg *model.ParsedMessage, runID string) error
}

// Config holds the poll loop tuning knobs.
type Config struct {
	// PollInterval is the sleep between polls.
	PollInterval time.Duration

	// BatchSize bounds how many pending messages one poll fetches.
	BatchSize int

	// OnError, when set, receives every error the loop absorbs
	// (transport teardowns, parse drops, sink skips). The loop itself
	// never terminates on them.
	OnError func(error)
}

// Poller owns the fetch → parse → sink → cursor cycle for one mailbox.
type Poller struct {
	transport Transport
	ingester  Ingester
	store     state.Store
	cfg       Config
	logger    zerolog.Logger

	ingested atomic.Int64
	errors   atomic.Int64
}

// New creates a poller. The transport client is not safe for concurrent
// use; the poller must be its single owner.
func New(transport Transport, ingester Ingester, store state.Store, cfg Config, logger zerolog.Logger) *Poller {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Minute
	}
	return &Poller{
		transport: transport,
		ingester:  ingester,
		store:     store,
		cfg:       cfg,
		logger:    logger.With().Str("component", "poller").Logger(),
	}
}

// PollOnce runs exactly one fetch-parse-sink cycle and returns the
// number of messages ingested. A started batch runs to completion;
// per-message failures are counted, logged, and skipped while the
// watermark still advances past them.
func (p *Poller) PollOnce(ctx context.Context) (int, error) {
	runID := uuid.NewString()

	cursor, err := p.store.Cursor(ctx)
	if err != nil {
		return 0, err
	}

	messages, err := p.transport.FetchNew(ctx, cursor.LastUID, p.cfg.BatchSize)
	if err != nil {
		return 0, &TransportError{Err: err}
	}
	if len(messages) == 0 {
		return 0, nil
	}

	var ingested, failed int
	for _, raw := range messages {
		// Seen is decoupled from stored: the watermark advances as soon
		// as the message has been fetched, whatever happens downstream.
		if err := p.store.SetLastUID(ctx, raw.UID); err != nil {
			p.logger.Error().Err(err).Uint32("uid", raw.UID).
				Msg("watermark persist failed")
		}

		msg, err := parser.Parse(raw.Body)
		if err != nil {
			failed++
			p.report(&ParseError{UID: raw.UID, Err: err})
			p.logger.Warn().Err(err).Uint32("uid", raw.UID).
				Msg("dropping unparseable message")
			continue
		}

		if err := p.ingester.IngestMessage(ctx, msg, runID); err != nil {
			failed++
			p.report(&SinkError{UID: raw.UID, Err: err})
			p.logger.Warn().Err(err).
				Uint32("uid", raw.UID).
				Str("content_hash", msg.ContentHash).
				Msg("sink write skipped")
			continue
		}

		ingested++
	}

	if err := p.store.RecordSync(ctx, runID, ingested, failed); err != nil {
		p.logger.Error().Err(err).Msg("recording sync counters failed")
	}

	p.ingested.Add(int64(ingested))
	p.errors.Add(int64(failed))

	p.logger.Info().
		Str("run", runID).
		Int("fetched", len(messages)).
		Int("ingested", ingested).
		Int("errors", failed).
		Msg("poll complete")

	return ingested, nil
}

// Run polls immediately, then repeatedly after each poll interval until
// ctx is cancelled. Errors are absorbed: transport failures tear the
// connection down and the next tick reconnects. Cancellation is observed
// during the sleep at wakeInterval granularity and honored at the next
// poll boundary; there is no mid-batch cancellation.
func (p *Poller) Run(ctx context.Context) error {
	for {
		if _, err := p.PollOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			p.report(err)
			p.logger.Error().Err(err).Msg("poll failed")
		}

		if !p.sleep(ctx) {
			return nil
		}
	}
}

// sleep waits out the poll interval in short increments, returning false
// when ctx is cancelled.
func (p *Poller) sleep(ctx context.Context) bool {
	deadline := time.Now().Add(p.cfg.PollInterval)
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return false
		case <-time.After(wakeInterval):
		}
	}
	return true
}

// Totals returns the messages ingested and errors seen by this process.
func (p *Poller) Totals() (ingested, errors int64) {
	return p.ingested.Load(), p.errors.Load()
}

func (p *Poller) report(err error) {
	if p.cfg.OnError != nil {
		p.cfg.OnError(err)
	}
}
