package index

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/blevesearch/bleve/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/store"
	"github.com/nhle/mailsync/tests/testutil"
)

var errDiskFull = errors.New("no space left on device")

type searchIndex interface {
	bleve.Index
}

// brokenSearch fails single document writes while fail is set.
type brokenSearch struct {
	searchIndex
	fail bool
}

func (b *brokenSearch) Index(id string, data any) error {
	if b.fail {
		return errDiskFull
	}
	return b.searchIndex.Index(id, data)
}

func (b *brokenSearch) Delete(id string) error {
	if b.fail {
		return errDiskFull
	}
	return b.searchIndex.Delete(id)
}

func staleEntry(id, subject string) model.Entry {
	return model.Entry{
		MessageID: id,
		StoreID:   1,
		Locator:   id,
		Subject:   subject,
		Date:      time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC),
	}
}

func searchIDs(t *testing.T, ix *Index, q string) []string {
	t.Helper()
	hits, err := ix.Search(context.Background(), q, 10)
	require.NoError(t, err)
	var ids []string
	for _, h := range hits {
		ids = append(ids, h.MessageID)
	}
	return ids
}

func TestFailedSearchWriteRebuildsOnNextOpen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "search.bleve")

	st, err := store.NewSQLiteStore(filepath.Join(dir, "mailsync.db"))
	require.NoError(t, err)
	defer st.Close()

	ix, err := Open(ctx, st, path, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, ix.Put(ctx, staleEntry("a@x", "alpha notes")))

	broken := &brokenSearch{searchIndex: ix.search, fail: true}
	ix.search = broken
	require.NoError(t, ix.Put(ctx, staleEntry("b@x", "bravo notes")))
	require.NoError(t, ix.Delete(ctx, "a@x"))
	assert.True(t, ix.Stale())
	assert.FileExists(t, path+".dirty")

	// one row and one document, so only the marker reveals the drift
	require.NoError(t, ix.Close())

	ix, err = Open(ctx, st, path, zerolog.Nop())
	require.NoError(t, err)
	defer ix.Close()

	assert.False(t, ix.Stale())
	assert.NoFileExists(t, path+".dirty")
	assert.Equal(t, []string{"b@x"}, searchIDs(t, ix, "notes"))
}

func TestSaveRebuildsStaleSearch(t *testing.T) {
	ctx := context.Background()
	ix, err := NewMemOnly(ctx, testutil.NewTestStore(t), zerolog.Nop())
	require.NoError(t, err)
	defer ix.Close()

	require.NoError(t, ix.Put(ctx, staleEntry("a@x", "alpha notes")))

	broken := &brokenSearch{searchIndex: ix.search, fail: true}
	ix.search = broken
	require.NoError(t, ix.Put(ctx, staleEntry("b@x", "bravo notes")))
	require.NoError(t, ix.Delete(ctx, "a@x"))
	// b@x has a row but no document, so search cannot find it
	assert.Empty(t, searchIDs(t, ix, "notes"))

	broken.fail = false
	require.NoError(t, ix.Save(ctx))
	assert.False(t, ix.Stale())
	assert.Equal(t, []string{"b@x"}, searchIDs(t, ix, "notes"))
}
