package mbox

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/mailsync/internal/remote"
	"github.com/nhle/mailsync/internal/source"
)

const msgOne = "From alice@example.com Mon Jan  2 15:04:05 2006\n" +
	"Message-Id: <one@example.com>\n" +
	"From: Alice <alice@example.com>\n" +
	"Subject: first\n" +
	"Status: RO\n" +
	"\n" +
	"hello\n" +
	"\n" +
	"this blank line above is part of the body\n"

const msgTwo = "From bob@example.com Tue Jan  3 10:00:00 2006\n" +
	"Message-Id: <two@example.com>\n" +
	"From: Bob <bob@example.com>\n" +
	"Subject: second\n" +
	"X-Status: F\n" +
	"\n" +
	"world\n"

func writeMbox(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mbox")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func testSource(path string) *Source {
	return NewLocal(source.Options{ID: 7, URI: "mbox://" + path}, path, zerolog.Nop())
}

func drain(t *testing.T, s *Source) ([]source.Locator, [][]string) {
	t.Helper()
	var locs []source.Locator
	var labels [][]string
	for {
		loc, l, err := s.Next(context.Background())
		if err == source.ErrEndOfStore {
			return locs, labels
		}
		require.NoError(t, err)
		locs = append(locs, loc)
		labels = append(labels, l)
	}
}

func TestIsBreakLine(t *testing.T) {
	tests := []struct {
		line string
		want bool
	}{
		{"From alice@example.com Mon Jan  2 15:04:05 2006\n", true},
		{"From MAILER-DAEMON Fri Jul  8 12:08:34 2011\n", true},
		{"From bob@example.com  Sat, 4 Mar 2023 09:10:11 +0000\n", true},
		{"From: Alice <alice@example.com>\n", false},
		{"From here on we go\n", false},
		{"from alice@example.com Mon Jan  2 15:04:05 2006\n", false},
		{"\n", false},
	}
	for _, tt := range tests {
		t.Run(strings.TrimSpace(tt.line), func(t *testing.T) {
			assert.Equal(t, tt.want, IsBreakLine([]byte(tt.line)))
		})
	}
}

func TestNextYieldsMessagesInFileOrder(t *testing.T) {
	path := writeMbox(t, msgOne+"\n"+msgTwo)
	s := testSource(path)
	defer s.Close()

	locs, labels := drain(t, s)
	require.Len(t, locs, 2)
	assert.Equal(t, source.Locator("0"), locs[0])
	assert.Equal(t, source.Locator(strconv.Itoa(len(msgOne)+1)), locs[1])

	assert.ElementsMatch(t, []string{source.LabelInbox}, labels[0])
	assert.ElementsMatch(t, []string{source.LabelInbox, source.LabelUnread, source.LabelStarred}, labels[1])

	cursor := s.Cursor()
	_, _, err := s.Next(context.Background())
	assert.Equal(t, source.ErrEndOfStore, err)
	assert.Equal(t, cursor, s.Cursor())
}

func TestBlankLineInBodyDoesNotEndMessage(t *testing.T) {
	path := writeMbox(t, msgOne)
	s := testSource(path)
	defer s.Close()

	locs, _ := drain(t, s)
	require.Len(t, locs, 1)

	raw, err := s.RawMessage(context.Background(), locs[0])
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(string(raw), "this blank line above is part of the body\n"))
	assert.False(t, strings.HasPrefix(string(raw), "From "))
}

func TestNextResumesAfterAppend(t *testing.T) {
	path := writeMbox(t, msgOne+"\n")
	s := testSource(path)
	defer s.Close()

	locs, _ := drain(t, s)
	require.Len(t, locs, 1)
	cursor := s.Cursor()

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0)
	require.NoError(t, err)
	_, err = f.WriteString(msgTwo)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	resumed := testSource(path)
	defer resumed.Close()
	require.NoError(t, resumed.SetCursor(cursor))

	locs, _ = drain(t, resumed)
	require.Len(t, locs, 1)
	assert.Equal(t, source.Locator(strconv.Itoa(len(msgOne)+1)), locs[0])

	hdr, err := resumed.LoadHeader(context.Background(), locs[0])
	require.NoError(t, err)
	assert.Equal(t, "two@example.com", hdr.MessageID)
	assert.Equal(t, "second", hdr.Subject)
}

func TestCursorOnBlankLineIsTolerated(t *testing.T) {
	path := writeMbox(t, msgOne+"\n"+msgTwo)
	s := testSource(path)
	defer s.Close()

	// cursor at the separator between the two messages
	require.NoError(t, s.SetCursor(strconv.Itoa(len(msgOne))))
	locs, _ := drain(t, s)
	require.Len(t, locs, 1)
	assert.Equal(t, source.Locator(strconv.Itoa(len(msgOne)+1)), locs[0])
}

func TestTruncatedMboxIsOutOfSync(t *testing.T) {
	path := writeMbox(t, msgOne+"\n"+msgTwo)
	s := testSource(path)
	defer s.Close()

	drain(t, s)
	require.NoError(t, os.Truncate(path, int64(len(msgOne)+20)))

	_, _, err := s.Next(context.Background())
	require.Error(t, err)
	assert.True(t, source.IsOutOfSync(err))
	assert.Contains(t, err.Error(), "mbox://"+path)
	assert.Contains(t, err.Error(), "mailsync rebuild --store 7")
}

func TestCorruptedBoundaryIsOutOfSync(t *testing.T) {
	path := writeMbox(t, msgOne+"\n")
	s := testSource(path)
	defer s.Close()

	drain(t, s)

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0)
	require.NoError(t, err)
	_, err = f.WriteString("garbage where a boundary should be\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	_, _, err = s.Next(context.Background())
	require.Error(t, err)
	assert.True(t, source.IsOutOfSync(err))
}

func TestLoadAtStaleLocatorIsOutOfSync(t *testing.T) {
	path := writeMbox(t, msgOne+"\n"+msgTwo)
	s := testSource(path)
	defer s.Close()

	_, err := s.LoadHeader(context.Background(), "5")
	require.Error(t, err)
	assert.True(t, source.IsOutOfSync(err))

	_, err = s.RawMessage(context.Background(), "999999")
	require.Error(t, err)
	assert.True(t, source.IsOutOfSync(err))
}

func TestRawHeaderAndMessage(t *testing.T) {
	path := writeMbox(t, msgOne+"\n"+msgTwo)
	s := testSource(path)
	defer s.Close()

	loc := source.Locator(strconv.Itoa(len(msgOne) + 1))
	hdr, err := s.RawHeader(context.Background(), loc)
	require.NoError(t, err)
	assert.Equal(t, "Message-Id: <two@example.com>\nFrom: Bob <bob@example.com>\nSubject: second\nX-Status: F\n\n", string(hdr))

	r, err := s.LoadMessage(context.Background(), loc)
	require.NoError(t, err)
	body, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(string(body), "\nworld\n"))
}

func TestMissingFileIsFatal(t *testing.T) {
	s := testSource(filepath.Join(t.TempDir(), "absent"))
	_, _, err := s.Next(context.Background())
	require.Error(t, err)
	assert.True(t, source.IsFatal(err))
}

func TestEndLocatorIsFileSize(t *testing.T) {
	path := writeMbox(t, msgOne)
	s := testSource(path)
	defer s.Close()

	start, err := s.StartLocator(context.Background())
	require.NoError(t, err)
	assert.Equal(t, source.Locator("0"), start)

	end, err := s.EndLocator(context.Background())
	require.NoError(t, err)
	assert.Equal(t, source.Locator(strconv.Itoa(len(msgOne))), end)
}

func TestSetCursorRejectsGarbage(t *testing.T) {
	s := testSource("/nonexistent")
	err := s.SetCursor("abc")
	assert.True(t, source.IsOutOfSync(err))
	require.NoError(t, s.SetCursor(""))
	assert.Equal(t, "0", s.Cursor())
}

// memTransport answers the size and range commands of a BufferedFile
// from a byte slice.
type memTransport struct {
	data []byte
	runs int
}

func (m *memTransport) Run(_ context.Context, cmd string) ([]byte, error) {
	m.runs++
	if strings.HasPrefix(cmd, "wc -c") {
		return []byte(fmt.Sprintf("%d\n", len(m.data))), nil
	}
	var from, n int64
	if _, err := fmt.Sscanf(cmd, "tail -c +%d", &from); err != nil {
		return nil, err
	}
	idx := strings.LastIndex(cmd, "head -c ")
	if idx < 0 {
		return nil, fmt.Errorf("unexpected command %q", cmd)
	}
	if _, err := fmt.Sscanf(cmd[idx:], "head -c %d", &n); err != nil {
		return nil, err
	}
	start := min(from-1, int64(len(m.data)))
	end := min(start+n, int64(len(m.data)))
	return append([]byte(nil), m.data[start:end]...), nil
}

func (m *memTransport) Close() error { return nil }

func TestRemoteMboxMatchesLocal(t *testing.T) {
	content := msgOne + "\n" + msgTwo
	opts := remote.DefaultOptions()
	opts.ReasonableTransferSize = 32
	tr := &memTransport{data: []byte(content)}
	bf := remote.NewBufferedFile(tr, "/var/mail/me", opts)

	s := New(source.Options{ID: 3, URI: "mbox+ssh://host/var/mail/me"}, bf, "", zerolog.Nop())
	defer s.Close()
	assert.Empty(t, s.WatchPaths())

	locs, _ := drain(t, s)
	require.Len(t, locs, 2)
	assert.Equal(t, source.Locator(strconv.Itoa(len(msgOne)+1)), locs[1])

	hdr, err := s.LoadHeader(context.Background(), locs[0])
	require.NoError(t, err)
	assert.Equal(t, "one@example.com", hdr.MessageID)
	assert.Greater(t, tr.runs, 1)
}
