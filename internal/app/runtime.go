package app

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/rs/zerolog"

	"github.com/nhle/mailsync/internal/index"
	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/store"
	appsync "github.com/nhle/mailsync/internal/sync"
)

// Runtime is the wired application: persistence, index and sync engine.
type Runtime struct {
	Config *model.AppConfig
	Store  *store.SQLiteStore
	Index  *index.Index
	Engine *appsync.Engine
	Log    zerolog.Logger
}

// Open opens the database and search index under cfg.DataDir, imports
// stores listed in the config file, and builds the engine over every
// registered store.
func Open(ctx context.Context, cfg *model.AppConfig, secrets Secrets, log zerolog.Logger) (*Runtime, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory %s: %w", cfg.DataDir, err)
	}

	st, err := store.NewSQLiteStore(cfg.DatabasePath())
	if err != nil {
		return nil, err
	}

	rt, err := open(ctx, cfg, st, secrets, func(st index.EntryStore) (*index.Index, error) {
		return index.Open(ctx, st, cfg.SearchIndexPath(), log)
	}, log)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	return rt, nil
}

func open(
	ctx context.Context,
	cfg *model.AppConfig,
	st *store.SQLiteStore,
	secrets Secrets,
	openIndex func(index.EntryStore) (*index.Index, error),
	log zerolog.Logger,
) (*Runtime, error) {
	if n, err := ImportConfigStores(ctx, st, cfg); err != nil {
		return nil, err
	} else if n > 0 {
		log.Info().Int("count", n).Msg("imported stores from config")
	}

	ix, err := openIndex(st)
	if err != nil {
		return nil, err
	}

	recs, err := st.LoadStores(ctx)
	if err != nil {
		_ = ix.Close()
		return nil, err
	}

	eng, err := appsync.NewEngine(Registrations(recs, cfg.Remote, secrets, log), ix, appsync.Options{
		Persister:   st.UpdateStoreCursor,
		Notifier:    appsync.StoreNotifier(st, log),
		Concurrency: cfg.Concurrency,
		Logger:      log,
	})
	if err != nil {
		_ = ix.Close()
		return nil, err
	}

	return &Runtime{Config: cfg, Store: st, Index: ix, Engine: eng, Log: log}, nil
}

// ImportConfigStores registers stores from the config file whose URI is
// not registered yet and returns how many were added.
func ImportConfigStores(ctx context.Context, st store.Store, cfg *model.AppConfig) (int, error) {
	if len(cfg.Stores) == 0 {
		return 0, nil
	}
	existing, err := st.LoadStores(ctx)
	if err != nil {
		return 0, err
	}
	known := make(map[string]bool, len(existing))
	for _, rec := range existing {
		known[rec.URI] = true
	}

	added := 0
	for _, sc := range cfg.Stores {
		rec, err := model.StoreRecordFromConfig(sc)
		if err != nil {
			return added, fmt.Errorf("importing store %q: %w", sc.URI, err)
		}
		if known[rec.URI] {
			continue
		}
		if _, err := st.InsertStore(ctx, rec); err != nil {
			return added, err
		}
		known[rec.URI] = true
		added++
	}
	return added, nil
}

// Close flushes and closes the engine, index and database.
func (r *Runtime) Close() error {
	ctx := context.Background()
	return errors.Join(
		r.Engine.Close(),
		r.Index.Save(ctx),
		r.Index.Close(),
		r.Store.Close(),
	)
}

// AddStore registers a new store. The URI is normalized first.
func AddStore(ctx context.Context, st store.Store, rec model.StoreRecord) (model.StoreRecord, error) {
	uri, err := model.NormalizeURI(rec.URI)
	if err != nil {
		return rec, err
	}
	rec.URI = uri
	rec.Labels = model.NormalizeLabels(rec.Labels)
	id, err := st.InsertStore(ctx, rec)
	if err != nil {
		return rec, err
	}
	rec.ID = id
	return rec, nil
}

// EntryRemover deletes index entries.
type EntryRemover interface {
	EntriesForStore(ctx context.Context, storeID int64) ([]model.Entry, error)
	Delete(ctx context.Context, messageID string) error
}

// RemoveStore unregisters a store. With purge its entries are deleted
// from the index too; otherwise they stay searchable and the id stays
// retired.
func RemoveStore(ctx context.Context, st store.Store, ix EntryRemover, id int64, purge bool) (int, error) {
	removed := 0
	if purge {
		entries, err := ix.EntriesForStore(ctx, id)
		if err != nil {
			return 0, err
		}
		for _, e := range entries {
			if err := ix.Delete(ctx, e.MessageID); err != nil {
				return removed, err
			}
			removed++
		}
	}
	if err := st.DeleteStore(ctx, id); err != nil {
		return removed, err
	}
	return removed, nil
}
