// Package transport fetches raw messages from an IMAP mailbox by UID
// range. The client owns a single lazily-dialed connection and is not
// safe for concurrent use; the poll loop is its only owner.
package transport

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strconv"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/rs/zerolog"

	"github.com/nhle/mailgraph/internal/model"
)

// Config holds the IMAP connection settings for one account.
type Config struct {
	Host     string
	Port     int
	UseTLS   bool
	Username string
	Password string
	Mailbox  string
}

// MailboxStatus is a point-in-time summary of the selected mailbox.
type MailboxStatus struct {
	Mailbox     string
	NumMessages uint32
	UIDNext     uint32
}

// Client is a lazily-connecting IMAP client. The first operation dials
// and authenticates; any transport-level error tears the session down
// completely, and the next call reconnects fresh. No attempt is made to
// repair a half-open session.
type Client struct {
	cfg    Config
	logger zerolog.Logger
	conn   *imapclient.Client
}

// New creates a transport client. No connection is made until first use.
func New(cfg Config, logger zerolog.Logger) *Client {
	if cfg.Mailbox == "" {
		cfg.Mailbox = "INBOX"
	}
	return &Client{
		cfg:    cfg,
		logger: logger.With().Str("component", "imap").Logger(),
	}
}

// connect returns the live connection, dialing and selecting the mailbox
// if there is none.
func (c *Client) connect(_ context.Context) (*imapclient.Client, error) {
	if c.conn != nil {
		return c.conn, nil
	}

	addr := net.JoinHostPort(c.cfg.Host, strconv.Itoa(c.cfg.Port))

	var (
		conn *imapclient.Client
		err  error
	)
	if c.cfg.UseTLS {
		conn, err = imapclient.DialTLS(addr, nil)
	} else {
		conn, err = imapclient.DialStartTLS(addr, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("connecting to IMAP %s: %w", addr, err)
	}

	if err := conn.Login(c.cfg.Username, c.cfg.Password).Wait(); err != nil {
		_ = conn.Logout().Wait()
		return nil, fmt.Errorf("authenticating %s: %w", c.cfg.Username, err)
	}

	if _, err := conn.Select(c.cfg.Mailbox, nil).Wait(); err != nil {
		_ = conn.Logout().Wait()
		return nil, fmt.Errorf("selecting %s: %w", c.cfg.Mailbox, err)
	}

	c.logger.Debug().Str("addr", addr).Str("mailbox", c.cfg.Mailbox).
		Msg("imap session established")
	c.conn = conn
	return conn, nil
}

// teardown discards the connection so the next call starts fresh.
func (c *Client) teardown() {
	if c.conn == nil {
		return
	}
	_ = c.conn.Close()
	c.conn = nil
	c.logger.Debug().Msg("imap session torn down")
}

// FetchNew returns up to max full messages with UIDs strictly greater
// than sinceUID, ascending by UID. When more than max are pending, the
// newest max are taken. On first run (sinceUID == 0) this same cap bounds
// the backfill window so the full mailbox history is never fetched.
// Because the caller advances its watermark to the newest fetched UID,
// older pending messages below the cap are never revisited by polling;
// a reconciliation pass is the recovery path for those.
func (c *Client) FetchNew(ctx context.Context, sinceUID uint32, max int) ([]model.RawMessage, error) {
	conn, err := c.connect(ctx)
	if err != nil {
		c.teardown()
		return nil, err
	}

	var uidRange imap.UIDSet
	uidRange.AddRange(imap.UID(sinceUID+1), 0)
	criteria := &imap.SearchCriteria{
		UID: []imap.UIDSet{uidRange},
	}

	searchData, err := conn.UIDSearch(criteria, nil).Wait()
	if err != nil {
		c.teardown()
		return nil, fmt.Errorf("searching UIDs above %d: %w", sinceUID, err)
	}

	uids := searchData.AllUIDs()
	if len(uids) == 0 {
		return nil, nil
	}

	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })
	if max > 0 && len(uids) > max {
		uids = uids[len(uids)-max:]
	}

	bodySection := &imap.FetchItemBodySection{Peek: true}
	fetchOpts := &imap.FetchOptions{
		UID:         true,
		BodySection: []*imap.FetchItemBodySection{bodySection},
	}

	buffers, err := conn.Fetch(imap.UIDSetNum(uids...), fetchOpts).Collect()
	if err != nil {
		c.teardown()
		return nil, fmt.Errorf("fetching %d messages: %w", len(uids), err)
	}

	messages := make([]model.RawMessage, 0, len(buffers))
	for _, buf := range buffers {
		body := buf.FindBodySection(bodySection)
		if len(body) == 0 {
			c.logger.Warn().Uint32("uid", uint32(buf.UID)).
				Msg("empty body section, skipping")
			continue
		}
		messages = append(messages, model.RawMessage{
			UID:  uint32(buf.UID),
			Body: body,
		})
	}

	// Thread-ancestor links depend on ancestors being written first, so
	// hand messages downstream strictly in increasing UID order.
	sort.Slice(messages, func(i, j int) bool {
		return messages[i].UID < messages[j].UID
	})

	return messages, nil
}

// Check verifies connectivity and credentials only: dial, authenticate,
// select. It leaves the session open for reuse.
func (c *Client) Check(ctx context.Context) error {
	if _, err := c.connect(ctx); err != nil {
		c.teardown()
		return err
	}
	return nil
}

// Status reports the current message count and next UID of the mailbox.
func (c *Client) Status(ctx context.Context) (*MailboxStatus, error) {
	conn, err := c.connect(ctx)
	if err != nil {
		c.teardown()
		return nil, err
	}

	data, err := conn.Status(c.cfg.Mailbox, &imap.StatusOptions{
		NumMessages: true,
		UIDNext:     true,
	}).Wait()
	if err != nil {
		c.teardown()
		return nil, fmt.Errorf("status of %s: %w", c.cfg.Mailbox, err)
	}

	status := &MailboxStatus{Mailbox: c.cfg.Mailbox}
	if data.NumMessages != nil {
		status.NumMessages = *data.NumMessages
	}
	status.UIDNext = uint32(data.UIDNext)
	return status, nil
}

// Close logs out and releases the connection if one is open.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	err := c.conn.Logout().Wait()
	c.conn = nil
	return err
}
