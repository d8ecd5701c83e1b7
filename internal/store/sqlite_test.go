package store_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/store"
	"github.com/nhle/mailsync/tests/testutil"
)

func TestPutAndGetEntry(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()

	date := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, s.PutEntry(ctx, model.Entry{
		MessageID: "a@x",
		StoreID:   1,
		Locator:   "0",
		Labels:    []string{"unread", "inbox", "unread"},
		Subject:   "hello",
		From:      "Alice <alice@x>",
		Date:      date,
	}))

	e, err := s.GetEntry(ctx, "a@x")
	require.NoError(t, err)
	assert.Equal(t, int64(1), e.StoreID)
	assert.Equal(t, "0", e.Locator)
	assert.Equal(t, []string{"inbox", "unread"}, e.Labels)
	assert.Equal(t, "hello", e.Subject)
	assert.True(t, date.Equal(e.Date))
	assert.False(t, e.IndexedAt.IsZero())

	byLoc, err := s.GetEntryByLocator(ctx, 1, "0")
	require.NoError(t, err)
	assert.Equal(t, "a@x", byLoc.MessageID)

	_, err = s.GetEntry(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = s.GetEntryByLocator(ctx, 2, "0")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestPutEntryReplaces(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.PutEntry(ctx, model.Entry{MessageID: "a@x", StoreID: 1, Locator: "0"}))
	require.NoError(t, s.PutEntry(ctx, model.Entry{MessageID: "a@x", StoreID: 1, Locator: "120"}))

	n, err := s.CountEntries(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	e, err := s.GetEntry(ctx, "a@x")
	require.NoError(t, err)
	assert.Equal(t, "120", e.Locator)

	assert.Error(t, s.PutEntry(ctx, model.Entry{}))
}

func TestGetEntriesFilters(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, e := range []model.Entry{
		{MessageID: "1@x", StoreID: 1, Locator: "a", Labels: []string{"inbox"}},
		{MessageID: "2@x", StoreID: 1, Locator: "b", Labels: []string{"inbox", "unread"}},
		{MessageID: "3@x", StoreID: 2, Locator: "c", Labels: []string{"unread"}},
	} {
		e.Date = base.Add(time.Duration(i) * time.Hour)
		require.NoError(t, s.PutEntry(ctx, e))
	}

	storeID := int64(1)
	got, err := s.GetEntries(ctx, store.EntryFilter{StoreID: &storeID})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "2@x", got[0].MessageID)

	unread := "unread"
	got, err = s.GetEntries(ctx, store.EntryFilter{Label: &unread})
	require.NoError(t, err)
	assert.Len(t, got, 2)

	got, err = s.GetEntries(ctx, store.EntryFilter{Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "2@x", got[0].MessageID)

	got, err = s.GetEntriesByIDs(ctx, []string{"3@x", "nope", "1@x"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "3@x", got[0].MessageID)
	assert.Equal(t, "1@x", got[1].MessageID)

	require.NoError(t, s.DeleteEntry(ctx, "3@x"))
	require.NoError(t, s.DeleteEntry(ctx, "3@x"))
	n, err := s.CountEntries(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestStoreRegistryKeepsIdsAndOrder(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()

	id1, err := s.InsertStore(ctx, model.StoreRecord{URI: "mbox:///var/mail/me", Usual: true, SyncBack: true})
	require.NoError(t, err)
	id2, err := s.InsertStore(ctx, model.StoreRecord{URI: "maildir:///home/me/Mail", Archived: true, Labels: []string{"work"}})
	require.NoError(t, err)
	assert.Equal(t, int64(1), id1)
	assert.Equal(t, int64(2), id2)

	_, err = s.InsertStore(ctx, model.StoreRecord{URI: "mbox:///var/mail/me"})
	assert.Error(t, err, "duplicate uri")

	recs, err := s.LoadStores(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, id1, recs[0].ID)
	assert.True(t, recs[0].Usual)
	assert.True(t, recs[1].Archived)
	assert.Equal(t, []string{"work"}, recs[1].Labels)

	recs[0], recs[1] = recs[1], recs[0]
	recs[1].Cursor = "512"
	require.NoError(t, s.SaveStores(ctx, recs))

	reloaded, err := s.LoadStores(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{id2, id1}, []int64{reloaded[0].ID, reloaded[1].ID})
	assert.Equal(t, "512", reloaded[1].Cursor)

	require.NoError(t, s.UpdateStoreCursor(ctx, id2, `{"uid":7}`))
	assert.Error(t, s.UpdateStoreCursor(ctx, 99, "x"))

	require.NoError(t, s.PutEntry(ctx, model.Entry{MessageID: "m@x", StoreID: id2, Locator: "k"}))
	require.NoError(t, s.DeleteStore(ctx, id2))
	id3, err := s.InsertStore(ctx, model.StoreRecord{URI: "mbox:///tmp/other"})
	require.NoError(t, err)
	assert.Equal(t, int64(3), id3, "ids referenced by entries are not reused")
}

func TestNotifications(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateNotification(ctx, model.Notification{StoreID: 1, Message: "store broken"}))
	require.NoError(t, s.CreateNotification(ctx, model.Notification{
		StoreID:   2,
		Message:   "store out of sync",
		CreatedAt: time.Now().Add(time.Minute),
	}))

	unread, err := s.GetUnreadNotifications(ctx)
	require.NoError(t, err)
	require.Len(t, unread, 2)
	assert.Equal(t, "store out of sync", unread[0].Message)

	require.NoError(t, s.MarkNotificationRead(ctx, unread[0].ID))
	unread, err = s.GetUnreadNotifications(ctx)
	require.NoError(t, err)
	require.Len(t, unread, 1)
	assert.Equal(t, int64(1), unread[0].StoreID)
}

func TestFileDatabaseReopens(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mailsync.db")
	ctx := context.Background()

	s, err := store.NewSQLiteStore(path)
	require.NoError(t, err)
	_, err = s.InsertStore(ctx, model.StoreRecord{URI: "mbox:///var/mail/me"})
	require.NoError(t, err)
	require.NoError(t, s.Checkpoint(ctx))
	require.NoError(t, s.Close())

	s, err = store.NewSQLiteStore(path)
	require.NoError(t, err)
	defer s.Close()
	recs, err := s.LoadStores(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 1)
}
