// Package email implements the IMAP message store.
package email

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/rs/zerolog"

	"github.com/nhle/mailsync/internal/remote"
	"github.com/nhle/mailsync/internal/source"
)

const defaultMaxRetries = 3

// cursor is the persisted resume point of an IMAP store.
type cursor struct {
	UIDValidity uint32   `json:"uidvalidity"`
	UID         imap.UID `json:"uid"`
}

func encodeCursor(c cursor) string {
	b, _ := json.Marshal(c)
	return string(b)
}

func decodeCursor(s string) (cursor, error) {
	var c cursor
	if s == "" {
		return c, nil
	}
	err := json.Unmarshal([]byte(s), &c)
	return c, err
}

// Source is an IMAP mailbox. Locators are UIDs, valid for as long as the
// mailbox UIDVALIDITY does not change.
type Source struct {
	opts    source.Options
	client  *IMAPClient
	mailbox string
	log     zerolog.Logger

	dial       func(ctx context.Context) (*imapclient.Client, error)
	maxRetries int
	transient  func(error) bool

	mu       sync.Mutex
	conn     *imapclient.Client
	selected *imap.SelectData
	cursor   cursor
	pending  []imap.UID
	flags    map[imap.UID][]imap.Flag
}

// NewSource creates a store for mailbox on the server client points at.
func NewSource(
	opts source.Options, client *IMAPClient, mailbox string, log zerolog.Logger,
) *Source {
	if mailbox == "" {
		mailbox = "INBOX"
	}
	return &Source{
		opts:       opts,
		client:     client,
		mailbox:    mailbox,
		log:        log.With().Int64("store", opts.ID).Str("uri", opts.URI).Logger(),
		dial:       client.Connect,
		maxRetries: defaultMaxRetries,
		transient:  IsNetworkError,
	}
}

// WithRetry sets how often a failed command is retried on a fresh
// connection and which errors qualify. Zero keeps the default of three
// retries, a negative count disables them and a nil transient keeps
// IsNetworkError.
func (s *Source) WithRetry(maxRetries int, transient func(error) bool) *Source {
	if maxRetries != 0 {
		s.maxRetries = maxRetries
	}
	if transient != nil {
		s.transient = transient
	}
	return s
}

func (s *Source) ID() int64   { return s.opts.ID }
func (s *Source) URI() string { return s.opts.URI }

// session returns a connection with the mailbox selected. The mailbox is
// selected once per connection; reselect forces a fresh SELECT so the
// UIDVALIDITY and UIDNEXT it reports are current. Callers hold s.mu.
func (s *Source) session(ctx context.Context, reselect bool) (*imapclient.Client, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.conn != nil {
		select {
		case <-s.conn.Closed():
			s.log.Debug().Msg("imap connection closed by peer")
			s.dropConn()
		default:
		}
	}
	if s.conn == nil {
		conn, err := s.dial(ctx)
		if err != nil {
			return nil, err
		}
		s.conn = conn
	}
	if s.selected != nil && !reselect {
		return s.conn, nil
	}

	data, err := selectMailbox(s.conn, s.mailbox)
	if err != nil {
		return nil, err
	}
	if s.cursor.UIDValidity != 0 && data.UIDValidity != s.cursor.UIDValidity {
		return nil, source.OutOfSync(s.opts.ID, s.opts.URI,
			"UIDVALIDITY of %s changed from %d to %d",
			s.mailbox, s.cursor.UIDValidity, data.UIDValidity)
	}
	s.cursor.UIDValidity = data.UIDValidity
	s.selected = data
	return s.conn, nil
}

// do runs op on a selected session. Transient faults drop the connection
// and op is retried on a new one; whatever still fails afterwards is
// fatal. Callers hold s.mu.
func (s *Source) do(ctx context.Context, reselect bool, op func(conn *imapclient.Client) error) error {
	retryable := func(err error) bool {
		return !source.IsOutOfSync(err) && s.transient(err)
	}
	attempts, err := remote.Retry(ctx, s.maxRetries, retryable, func(ctx context.Context) error {
		conn, err := s.session(ctx, reselect)
		if err == nil {
			err = op(conn)
		}
		if err != nil && retryable(err) {
			s.log.Debug().Err(err).Msg("imap transport fault")
			s.dropConn()
		}
		return err
	})
	if err == nil {
		return nil
	}
	if attempts > 1 {
		s.log.Warn().Err(err).Int("attempts", attempts).Msg("imap retries exhausted")
	}
	return s.fail(err)
}

// fail classifies err once retries are over. Callers hold s.mu.
func (s *Source) fail(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if source.IsOutOfSync(err) {
		return err
	}
	s.dropConn()
	return source.Fatal(s.opts.URI, err)
}

func (s *Source) dropConn() {
	s.selected = nil
	if s.conn == nil {
		return
	}
	select {
	case <-s.conn.Closed():
	default:
		if err := s.conn.Logout().Wait(); err != nil {
			s.log.Debug().Err(err).Msg("imap logout")
		}
	}
	_ = s.conn.Close()
	s.conn = nil
}

func (s *Source) StartLocator(context.Context) (source.Locator, error) {
	return formatUID(1), nil
}

func (s *Source) EndLocator(ctx context.Context) (source.Locator, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.do(ctx, true, func(*imapclient.Client) error { return nil })
	if err != nil {
		return "", err
	}
	return formatUID(s.selected.UIDNext), nil
}

func (s *Source) Cursor() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return encodeCursor(s.cursor)
}

func (s *Source) SetCursor(c string) error {
	decoded, err := decodeCursor(c)
	if err != nil {
		return source.OutOfSync(s.opts.ID, s.opts.URI, "invalid imap cursor %q", c)
	}
	s.mu.Lock()
	s.cursor = decoded
	s.selected = nil
	s.pending = nil
	s.flags = nil
	s.mu.Unlock()
	return nil
}

func (s *Source) Reset() {
	s.mu.Lock()
	s.cursor = cursor{}
	s.selected = nil
	s.pending = nil
	s.flags = nil
	s.mu.Unlock()
}

// Next returns the next UID above the cursor. New UIDs are listed in one
// batch and handed out one at a time.
func (s *Source) Next(ctx context.Context) (source.Locator, []string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.pending) == 0 {
		var uids []imap.UID
		var flags map[imap.UID][]imap.Flag
		err := s.do(ctx, true, func(conn *imapclient.Client) error {
			var err error
			uids, err = searchAfter(conn, s.cursor.UID)
			if err != nil || len(uids) == 0 {
				return err
			}
			flags, err = fetchFlags(conn, uids)
			return err
		})
		if err != nil {
			return "", nil, err
		}
		if len(uids) == 0 {
			return "", nil, source.ErrEndOfStore
		}
		s.pending = uids
		s.flags = flags
		s.log.Debug().Int("count", len(uids)).Msg("new messages on server")
	}

	if err := ctx.Err(); err != nil {
		return "", nil, err
	}
	uid := s.pending[0]
	s.pending = s.pending[1:]
	s.cursor.UID = uid

	labels := append(s.opts.BaseLabels(), mailboxLabels(s.mailbox)...)
	labels = append(labels, flagLabels(s.flags[uid])...)
	delete(s.flags, uid)
	return formatUID(uid), labels, nil
}

func (s *Source) fetch(ctx context.Context, loc source.Locator, section *imap.FetchItemBodySection) ([]byte, error) {
	uid, err := parseUID(loc)
	if err != nil {
		return nil, source.OutOfSync(s.opts.ID, s.opts.URI, "invalid imap locator %q", loc)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var raw []byte
	err = s.do(ctx, false, func(conn *imapclient.Client) error {
		var err error
		raw, err = fetchSection(conn, uid, section)
		return err
	})
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, source.OutOfSync(s.opts.ID, s.opts.URI,
			"message UID %d not found in %s", uid, s.mailbox)
	}
	return raw, nil
}

func (s *Source) RawHeader(ctx context.Context, loc source.Locator) ([]byte, error) {
	return s.fetch(ctx, loc, &imap.FetchItemBodySection{
		Specifier: imap.PartSpecifierHeader,
		Peek:      true,
	})
}

func (s *Source) RawMessage(ctx context.Context, loc source.Locator) ([]byte, error) {
	return s.fetch(ctx, loc, &imap.FetchItemBodySection{Peek: true})
}

func (s *Source) LoadHeader(ctx context.Context, loc source.Locator) (*source.Header, error) {
	raw, err := s.RawHeader(ctx, loc)
	if err != nil {
		return nil, err
	}
	return source.ParseHeader(raw), nil
}

func (s *Source) LoadMessage(ctx context.Context, loc source.Locator) (io.Reader, error) {
	raw, err := s.RawMessage(ctx, loc)
	if err != nil {
		return nil, err
	}
	return bytes.NewReader(raw), nil
}

func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropConn()
	return nil
}

// flagLabels translates IMAP system flags to labels.
func flagLabels(flags []imap.Flag) []string {
	seen := false
	var labels []string
	for _, f := range flags {
		switch {
		case f == imap.FlagSeen:
			seen = true
		case f == imap.FlagFlagged:
			labels = append(labels, source.LabelStarred)
		case f == imap.FlagAnswered:
			labels = append(labels, source.LabelReplied)
		case f == imap.FlagDraft:
			labels = append(labels, source.LabelDraft)
		case f == imap.FlagDeleted:
			labels = append(labels, source.LabelDeleted)
		case strings.EqualFold(string(f), "$Forwarded"):
			labels = append(labels, source.LabelForwarded)
		}
	}
	if !seen {
		labels = append(labels, source.LabelUnread)
	}
	return labels
}

// mailboxLabels labels messages with the mailbox they live in; INBOX is
// covered by the inbox label.
func mailboxLabels(mailbox string) []string {
	if strings.EqualFold(mailbox, "INBOX") {
		return nil
	}
	return []string{strings.ToLower(mailbox)}
}

// uidsAfter returns the sorted UIDs greater than last.
func uidsAfter(uids []imap.UID, last imap.UID) []imap.UID {
	out := make([]imap.UID, 0, len(uids))
	for _, uid := range uids {
		if uid > last {
			out = append(out, uid)
		}
	}
	slices.Sort(out)
	return out
}

func formatUID(uid imap.UID) source.Locator {
	return source.Locator(strconv.FormatUint(uint64(uid), 10))
}

func parseUID(loc source.Locator) (imap.UID, error) {
	n, err := strconv.ParseUint(string(loc), 10, 32)
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, fmt.Errorf("uid 0 is not valid")
	}
	return imap.UID(n), nil
}
