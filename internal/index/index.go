// Package index holds the message index: authoritative entries in SQLite
// and a bleve full-text index over them, mutated behind one lock.
package index

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/blevesearch/bleve/v2"
	"github.com/rs/zerolog"

	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/store"
)

// EntryStore is the persistence the index needs.
type EntryStore interface {
	PutEntry(ctx context.Context, e model.Entry) error
	GetEntry(ctx context.Context, messageID string) (*model.Entry, error)
	GetEntryByLocator(ctx context.Context, storeID int64, locator string) (*model.Entry, error)
	GetEntries(ctx context.Context, filter store.EntryFilter) ([]model.Entry, error)
	GetEntriesByIDs(ctx context.Context, ids []string) ([]model.Entry, error)
	DeleteEntry(ctx context.Context, messageID string) error
	CountEntries(ctx context.Context, storeID *int64) (int, error)
	Checkpoint(ctx context.Context) error
}

// Index is safe for concurrent use. Writers are serialized; a reader
// never observes an entry whose row and search document disagree.
type Index struct {
	mu     sync.RWMutex
	store  EntryStore
	search bleve.Index
	log    zerolog.Logger

	// dirty is set when a search write failed after its row committed.
	// dirtyPath, when set, persists it so the next Open rebuilds.
	dirty     bool
	dirtyPath string
}

// Open opens the search index at path, creating it when missing, and
// rebuilds it from the store if the two have drifted apart or a search
// write failed in an earlier run.
func Open(ctx context.Context, st EntryStore, path string, log zerolog.Logger) (*Index, error) {
	idx, err := bleve.Open(path)
	if errors.Is(err, bleve.ErrorIndexPathDoesNotExist) {
		m, mErr := generateMapping()
		if mErr != nil {
			return nil, fmt.Errorf("building search mapping: %w", mErr)
		}
		idx, err = bleve.New(path, m)
	}
	if err != nil {
		return nil, fmt.Errorf("opening search index %s: %w", path, err)
	}
	return newIndex(ctx, st, idx, path+".dirty", log)
}

// NewMemOnly returns an index whose search side lives in memory.
func NewMemOnly(ctx context.Context, st EntryStore, log zerolog.Logger) (*Index, error) {
	m, err := generateMapping()
	if err != nil {
		return nil, fmt.Errorf("building search mapping: %w", err)
	}
	idx, err := bleve.NewMemOnly(m)
	if err != nil {
		return nil, fmt.Errorf("creating search index: %w", err)
	}
	return newIndex(ctx, st, idx, "", log)
}

func newIndex(
	ctx context.Context, st EntryStore, idx bleve.Index, dirtyPath string, log zerolog.Logger,
) (*Index, error) {
	ix := &Index{store: st, search: idx, log: log, dirtyPath: dirtyPath}
	if dirtyPath != "" {
		if _, err := os.Stat(dirtyPath); err == nil {
			ix.dirty = true
		}
	}

	rows, err := st.CountEntries(ctx, nil)
	if err != nil {
		_ = idx.Close()
		return nil, err
	}
	docs, err := idx.DocCount()
	if err != nil {
		_ = idx.Close()
		return nil, fmt.Errorf("counting search documents: %w", err)
	}
	if uint64(rows) != docs || ix.dirty {
		log.Info().
			Int("entries", rows).
			Uint64("documents", docs).
			Bool("stale", ix.dirty).
			Msg("rebuilding search index")
		if err := ix.reindex(ctx); err != nil {
			_ = idx.Close()
			return nil, err
		}
		ix.markClean()
	}
	return ix, nil
}

// markDirty records that the search side lags the store. Callers hold
// ix.mu for writing.
func (ix *Index) markDirty() {
	if ix.dirty {
		return
	}
	ix.dirty = true
	if ix.dirtyPath == "" {
		return
	}
	if err := os.WriteFile(ix.dirtyPath, nil, 0o600); err != nil {
		ix.log.Error().Err(err).Str("path", ix.dirtyPath).Msg("recording stale search index")
	}
}

func (ix *Index) markClean() {
	ix.dirty = false
	if ix.dirtyPath == "" {
		return
	}
	if err := os.Remove(ix.dirtyPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		ix.log.Warn().Err(err).Str("path", ix.dirtyPath).Msg("clearing stale search marker")
	}
}

// reindex replaces every search document with one built from the store.
func (ix *Index) reindex(ctx context.Context) error {
	entries, err := ix.store.GetEntries(ctx, store.EntryFilter{})
	if err != nil {
		return err
	}
	known := make(map[string]bool, len(entries))
	batch := newFlushingBatch(ix.search, maxBatchSize)
	for _, e := range entries {
		known[e.MessageID] = true
		if err := batch.Index(e.MessageID, newDocument(e)); err != nil {
			return err
		}
	}
	if err := batch.Flush(); err != nil {
		return err
	}
	return ix.dropStaleDocuments(known)
}

// dropStaleDocuments deletes search documents with no entry.
func (ix *Index) dropStaleDocuments(known map[string]bool) error {
	count, err := ix.search.DocCount()
	if err != nil || count == uint64(len(known)) {
		return err
	}
	req := bleve.NewSearchRequestOptions(bleve.NewMatchAllQuery(), int(count), 0, false)
	res, err := ix.search.Search(req)
	if err != nil {
		return fmt.Errorf("listing search documents: %w", err)
	}
	batch := newFlushingBatch(ix.search, maxBatchSize)
	for _, hit := range res.Hits {
		if !known[hit.ID] {
			batch.Delete(hit.ID)
		}
	}
	return batch.Flush()
}

// Lookup returns the entry for messageID, or nil if there is none.
func (ix *Index) Lookup(ctx context.Context, messageID string) (*model.Entry, error) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return notFoundIsNil(ix.store.GetEntry(ctx, messageID))
}

// LookupLocator returns the entry recorded at locator in a store, or nil.
func (ix *Index) LookupLocator(ctx context.Context, storeID int64, locator string) (*model.Entry, error) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return notFoundIsNil(ix.store.GetEntryByLocator(ctx, storeID, locator))
}

func notFoundIsNil(e *model.Entry, err error) (*model.Entry, error) {
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	return e, err
}

// Put inserts or replaces the entry for e.MessageID.
func (ix *Index) Put(ctx context.Context, e model.Entry) error {
	e.Labels = model.NormalizeLabels(e.Labels)

	ix.mu.Lock()
	defer ix.mu.Unlock()

	if err := ix.store.PutEntry(ctx, e); err != nil {
		return err
	}
	if err := ix.search.Index(e.MessageID, newDocument(e)); err != nil {
		// the row is authoritative; Save or the next Open rebuilds search
		ix.log.Warn().Err(err).Str("message_id", e.MessageID).Msg("search indexing failed")
		ix.markDirty()
	}
	return nil
}

// Delete removes the entry for messageID.
func (ix *Index) Delete(ctx context.Context, messageID string) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if err := ix.store.DeleteEntry(ctx, messageID); err != nil {
		return err
	}
	if err := ix.search.Delete(messageID); err != nil {
		ix.log.Warn().Err(err).Str("message_id", messageID).Msg("search delete failed")
		ix.markDirty()
	}
	return nil
}

// Each calls fn for a snapshot of every entry. fn may modify the index.
func (ix *Index) Each(ctx context.Context, fn func(model.Entry) error) error {
	ix.mu.RLock()
	entries, err := ix.store.GetEntries(ctx, store.EntryFilter{})
	ix.mu.RUnlock()
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	return nil
}

// EntriesForStore returns every entry recorded for storeID.
func (ix *Index) EntriesForStore(ctx context.Context, storeID int64) ([]model.Entry, error) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.store.GetEntries(ctx, store.EntryFilter{StoreID: &storeID})
}

// Count returns the number of entries, optionally for one store.
func (ix *Index) Count(ctx context.Context, storeID *int64) (int, error) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.store.CountEntries(ctx, storeID)
}

// Save flushes pending writes to disk and rebuilds the search side if a
// search write failed since the last rebuild.
func (ix *Index) Save(ctx context.Context) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if ix.dirty {
		if err := ix.reindex(ctx); err != nil {
			ix.log.Warn().Err(err).Msg("rebuilding stale search index")
		} else {
			ix.markClean()
		}
	}
	return ix.store.Checkpoint(ctx)
}

// Stale reports whether the search side is known to lag the store.
func (ix *Index) Stale() bool {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.dirty
}

// Close closes the search index. The entry store is owned by the caller.
func (ix *Index) Close() error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.search.Close()
}
