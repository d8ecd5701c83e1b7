package email

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"regexp"
	"sync"
	"testing"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-imap/v2/imapserver"
	"github.com/emersion/go-imap/v2/imapserver/imapmemserver"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/mailsync/internal/source"
)

// lockedBuffer collects the client protocol trace, which is written from
// both the reader goroutine and the command goroutine.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

var examineCmd = regexp.MustCompile(`(?m)^T\d+ EXAMINE `)

func (b *lockedBuffer) selects() int {
	return len(examineCmd.FindAllString(b.String(), -1))
}

type testServer struct {
	addr string
	user *imapmemserver.User
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	mem := imapmemserver.New()
	user := imapmemserver.NewUser("me", "pw")
	require.NoError(t, user.Create("INBOX", nil))
	mem.AddUser(user)

	srv := imapserver.New(&imapserver.Options{
		NewSession: func(*imapserver.Conn) (imapserver.Session, *imapserver.GreetingData, error) {
			return mem.NewSession(), nil, nil
		},
		InsecureAuth: true,
	})
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = srv.Serve(ln) }()
	t.Cleanup(func() { _ = srv.Close() })

	return &testServer{addr: ln.Addr().String(), user: user}
}

func (ts *testServer) deliver(t *testing.T, raw string) {
	t.Helper()
	_, err := ts.user.Append("INBOX", bytes.NewReader([]byte(raw)), &imap.AppendOptions{})
	require.NoError(t, err)
}

// testDialer connects in plain text and lets a test fail the first dials.
type testDialer struct {
	addr  string
	trace io.Writer
	fails []error
	dials int
}

func (d *testDialer) dial(context.Context) (*imapclient.Client, error) {
	idx := d.dials
	d.dials++
	if idx < len(d.fails) && d.fails[idx] != nil {
		return nil, d.fails[idx]
	}
	c, err := imapclient.DialInsecure(d.addr, &imapclient.Options{DebugWriter: d.trace})
	if err != nil {
		return nil, err
	}
	if err := c.Login("me", "pw").Wait(); err != nil {
		_ = c.Close()
		return nil, err
	}
	return c, nil
}

func newServerSource(t *testing.T, ts *testServer, d *testDialer) *Source {
	t.Helper()
	d.addr = ts.addr
	if d.trace == nil {
		d.trace = io.Discard
	}
	s := NewSource(source.Options{ID: 3, URI: "imap://me@" + ts.addr + "/INBOX"},
		NewIMAPClient("127.0.0.1", "0", "me", "pw", false), "INBOX", zerolog.Nop())
	s.dial = d.dial
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func refused() error {
	return &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}
}

func TestSourceSelectsOncePerConnection(t *testing.T) {
	ctx := context.Background()
	ts := newTestServer(t)
	ts.deliver(t, "Message-Id: <a@x>\r\nSubject: first\r\n\r\nbody a\r\n")
	ts.deliver(t, "Message-Id: <b@x>\r\nSubject: second\r\n\r\nbody b\r\n")

	trace := &lockedBuffer{}
	d := &testDialer{trace: trace}
	s := newServerSource(t, ts, d)

	loc, labels, err := s.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, source.Locator("1"), loc)
	assert.Contains(t, labels, source.LabelUnread)

	hdr, err := s.LoadHeader(ctx, loc)
	require.NoError(t, err)
	assert.Equal(t, "a@x", hdr.MessageID)
	assert.Equal(t, "first", hdr.Subject)

	raw, err := s.RawMessage(ctx, loc)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "body a")

	loc, _, err = s.Next(ctx)
	require.NoError(t, err)
	hdr, err = s.LoadHeader(ctx, loc)
	require.NoError(t, err)
	assert.Equal(t, "b@x", hdr.MessageID)

	assert.Equal(t, 1, trace.selects())
	assert.Equal(t, 1, d.dials)

	_, _, err = s.Next(ctx)
	assert.ErrorIs(t, err, source.ErrEndOfStore)
	assert.Equal(t, 2, trace.selects())
	assert.NotContains(t, s.Cursor(), `"uidvalidity":0`)
}

func TestSourceRetriesTransientDialFailures(t *testing.T) {
	ctx := context.Background()
	ts := newTestServer(t)
	ts.deliver(t, "Message-Id: <a@x>\r\nSubject: first\r\n\r\nbody\r\n")

	d := &testDialer{fails: []error{refused(), refused()}}
	s := newServerSource(t, ts, d)

	loc, _, err := s.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, source.Locator("1"), loc)
	assert.Equal(t, 3, d.dials)
}

func TestSourceGivesUpAfterMaxRetries(t *testing.T) {
	ts := newTestServer(t)
	d := &testDialer{fails: []error{refused(), refused(), refused()}}
	s := newServerSource(t, ts, d).WithRetry(1, nil)

	_, _, err := s.Next(context.Background())
	require.Error(t, err)
	assert.True(t, source.IsFatal(err))
	assert.Equal(t, 2, d.dials)
}

func TestSourceDoesNotRetryServerRefusals(t *testing.T) {
	ts := newTestServer(t)
	d := &testDialer{fails: []error{errors.New("authentication failed for me")}}
	s := newServerSource(t, ts, d)

	_, err := s.EndLocator(context.Background())
	require.Error(t, err)
	assert.True(t, source.IsFatal(err))
	assert.Equal(t, 1, d.dials)
}

func TestSourceUsesCustomTransientPredicate(t *testing.T) {
	ctx := context.Background()
	ts := newTestServer(t)
	ts.deliver(t, "Message-Id: <a@x>\r\nSubject: first\r\n\r\nbody\r\n")

	errBusy := errors.New("server busy")
	d := &testDialer{fails: []error{errBusy}}
	s := newServerSource(t, ts, d).WithRetry(2, func(err error) bool {
		return errors.Is(err, errBusy)
	})

	end, err := s.EndLocator(ctx)
	require.NoError(t, err)
	assert.Equal(t, source.Locator("2"), end)
	assert.Equal(t, 2, d.dials)
}

func TestSourceReconnectsAfterDroppedConnection(t *testing.T) {
	ctx := context.Background()
	ts := newTestServer(t)
	ts.deliver(t, "Message-Id: <a@x>\r\nSubject: first\r\n\r\nbody\r\n")

	d := &testDialer{}
	s := newServerSource(t, ts, d)

	loc, _, err := s.Next(ctx)
	require.NoError(t, err)
	_ = s.conn.Close()

	hdr, err := s.LoadHeader(ctx, loc)
	require.NoError(t, err)
	assert.Equal(t, "a@x", hdr.MessageID)
	assert.Equal(t, 2, d.dials)
}

func TestIsNetworkError(t *testing.T) {
	assert.True(t, IsNetworkError(refused()))
	assert.True(t, IsNetworkError(io.ErrUnexpectedEOF))
	assert.True(t, IsNetworkError(net.ErrClosed))
	assert.False(t, IsNetworkError(nil))
	assert.False(t, IsNetworkError(context.DeadlineExceeded))
	assert.False(t, IsNetworkError(&imap.Error{Type: imap.StatusResponseTypeNo, Text: "no"}))
}
