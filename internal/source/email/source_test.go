package email

import (
	"context"
	"testing"

	"github.com/emersion/go-imap/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/mailsync/internal/source"
)

func TestFlagLabels(t *testing.T) {
	tests := []struct {
		name  string
		flags []imap.Flag
		want  []string
	}{
		{"no flags is unread", nil, []string{source.LabelUnread}},
		{"seen", []imap.Flag{imap.FlagSeen}, nil},
		{
			"flagged and answered",
			[]imap.Flag{imap.FlagSeen, imap.FlagFlagged, imap.FlagAnswered},
			[]string{source.LabelStarred, source.LabelReplied},
		},
		{
			"draft deleted forwarded",
			[]imap.Flag{imap.FlagDraft, imap.FlagDeleted, "$Forwarded"},
			[]string{source.LabelDraft, source.LabelDeleted, source.LabelForwarded, source.LabelUnread},
		},
		{"unknown keyword ignored", []imap.Flag{imap.FlagSeen, "$Junk"}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ElementsMatch(t, tt.want, flagLabels(tt.flags))
		})
	}
}

func TestMailboxLabels(t *testing.T) {
	assert.Empty(t, mailboxLabels("INBOX"))
	assert.Empty(t, mailboxLabels("inbox"))
	assert.Equal(t, []string{"lists/golang"}, mailboxLabels("Lists/Golang"))
}

func TestCursorRoundTrip(t *testing.T) {
	c := cursor{UIDValidity: 1700000000, UID: 42}
	got, err := decodeCursor(encodeCursor(c))
	require.NoError(t, err)
	assert.Equal(t, c, got)

	empty, err := decodeCursor("")
	require.NoError(t, err)
	assert.Equal(t, cursor{}, empty)
}

func TestUIDsAfterFiltersAndSorts(t *testing.T) {
	got := uidsAfter([]imap.UID{9, 12, 10, 3}, 9)
	assert.Equal(t, []imap.UID{10, 12}, got)
	assert.Empty(t, uidsAfter([]imap.UID{9}, 9))
}

func TestParseUID(t *testing.T) {
	uid, err := parseUID("17")
	require.NoError(t, err)
	assert.Equal(t, imap.UID(17), uid)

	_, err = parseUID("0")
	assert.Error(t, err)
	_, err = parseUID("x")
	assert.Error(t, err)
}

func TestSourceCursorHandling(t *testing.T) {
	s := NewSource(source.Options{ID: 2, URI: "imaps://me@mail.example.com/INBOX"},
		NewIMAPClient("mail.example.com", "993", "me", "pw", true), "", zerolog.Nop())

	assert.Equal(t, `{"uidvalidity":0,"uid":0}`, s.Cursor())

	require.NoError(t, s.SetCursor(`{"uidvalidity":5,"uid":100}`))
	assert.Equal(t, `{"uidvalidity":5,"uid":100}`, s.Cursor())

	err := s.SetCursor("not json")
	assert.True(t, source.IsOutOfSync(err))

	s.Reset()
	assert.Equal(t, `{"uidvalidity":0,"uid":0}`, s.Cursor())
}

func TestBadLocatorIsOutOfSync(t *testing.T) {
	s := NewSource(source.Options{ID: 2, URI: "imaps://me@mail.example.com/INBOX"},
		NewIMAPClient("mail.example.com", "993", "me", "pw", true), "INBOX", zerolog.Nop())

	_, err := s.LoadHeader(context.Background(), "nope")
	require.Error(t, err)
	assert.True(t, source.IsOutOfSync(err))
}

func TestCancelledContextSkipsDial(t *testing.T) {
	s := NewSource(source.Options{ID: 2, URI: "imaps://me@mail.example.com/INBOX"},
		NewIMAPClient("mail.example.com", "993", "me", "pw", true), "INBOX", zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err := s.Next(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, source.IsFatal(err))
}
