package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/nhle/mailsync/internal/model"
)

// InsertStore registers a new store at the end of the list and returns
// its id. Ids are never reused.
func (s *SQLiteStore) InsertStore(
	ctx context.Context,
	rec model.StoreRecord,
) (int64, error) {
	labels, err := json.Marshal(model.NormalizeLabels(rec.Labels))
	if err != nil {
		return 0, fmt.Errorf("marshaling store labels: %w", err)
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	var position int
	if err := tx.GetContext(ctx, &position, "SELECT COALESCE(MAX(position), -1) + 1 FROM stores"); err != nil {
		return 0, fmt.Errorf("computing store position: %w", err)
	}

	var id int64
	if rec.ID == 0 {
		// ids still referenced by entries of a removed store stay retired
		if err := tx.GetContext(ctx, &id, `
			SELECT MAX(
				COALESCE((SELECT MAX(id) FROM stores), 0),
				COALESCE((SELECT MAX(store_id) FROM entries), 0)
			) + 1`); err != nil {
			return 0, fmt.Errorf("allocating store id: %w", err)
		}
	} else {
		id = rec.ID
	}

	now := time.Now().UTC()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO stores (
			id, position, uri, cursor, usual, archived, sync_back, labels,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, position, rec.URI, rec.Cursor,
		boolToInt(rec.Usual), boolToInt(rec.Archived), boolToInt(rec.SyncBack),
		string(labels), now, now,
	)
	if err != nil {
		return 0, fmt.Errorf("inserting store %s: %w", rec.URI, err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing store %s: %w", rec.URI, err)
	}
	return id, nil
}

// LoadStores returns all registered stores in registration order.
func (s *SQLiteStore) LoadStores(ctx context.Context) ([]model.StoreRecord, error) {
	rows, err := s.db.QueryxContext(ctx, `
		SELECT id, uri, cursor, usual, archived, sync_back, labels
		FROM stores ORDER BY position, id`)
	if err != nil {
		return nil, fmt.Errorf("querying stores: %w", err)
	}
	defer rows.Close()

	var recs []model.StoreRecord
	for rows.Next() {
		rec, err := scanStore(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// SaveStores writes recs back, preserving their ids and making their
// slice order the registry order. Stores not in recs are left alone.
func (s *SQLiteStore) SaveStores(ctx context.Context, recs []model.StoreRecord) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PreparexContext(ctx, `
		UPDATE stores SET
			position = ?, uri = ?, cursor = ?, usual = ?, archived = ?,
			sync_back = ?, labels = ?, updated_at = ?
		WHERE id = ?`)
	if err != nil {
		return fmt.Errorf("preparing store update: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for i, rec := range recs {
		labels, err := json.Marshal(model.NormalizeLabels(rec.Labels))
		if err != nil {
			return fmt.Errorf("marshaling labels for store %d: %w", rec.ID, err)
		}
		result, err := stmt.ExecContext(ctx,
			i, rec.URI, rec.Cursor,
			boolToInt(rec.Usual), boolToInt(rec.Archived), boolToInt(rec.SyncBack),
			string(labels), now, rec.ID,
		)
		if err != nil {
			return fmt.Errorf("saving store %d: %w", rec.ID, err)
		}
		if n, _ := result.RowsAffected(); n == 0 {
			return fmt.Errorf("store %d not found", rec.ID)
		}
	}

	return tx.Commit()
}

// UpdateStoreCursor persists the resume point of one store.
func (s *SQLiteStore) UpdateStoreCursor(ctx context.Context, id int64, cursor string) error {
	result, err := s.db.ExecContext(ctx,
		"UPDATE stores SET cursor = ?, updated_at = ? WHERE id = ?",
		cursor, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("updating cursor of store %d: %w", id, err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("store %d not found", id)
	}
	return nil
}

// DeleteStore unregisters a store. Its entries stay in the index until
// removed explicitly.
func (s *SQLiteStore) DeleteStore(ctx context.Context, id int64) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM stores WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting store %d: %w", id, err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("store %d not found", id)
	}
	return nil
}

// scanStore scans a store row from a sqlx.Rows result set.
func scanStore(rows *sqlx.Rows) (model.StoreRecord, error) {
	var (
		rec                       model.StoreRecord
		usual, archived, syncBack int
		labels                    string
	)

	err := rows.Scan(
		&rec.ID, &rec.URI, &rec.Cursor,
		&usual, &archived, &syncBack, &labels,
	)
	if err != nil {
		return model.StoreRecord{}, fmt.Errorf("scanning store row: %w", err)
	}

	rec.Usual = usual != 0
	rec.Archived = archived != 0
	rec.SyncBack = syncBack != 0
	if labels != "" {
		if err := json.Unmarshal([]byte(labels), &rec.Labels); err != nil {
			return model.StoreRecord{}, fmt.Errorf("unmarshaling store labels: %w", err)
		}
	}
	return rec, nil
}
