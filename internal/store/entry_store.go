package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/nhle/mailsync/internal/model"
)

const entryColumns = `message_id, store_id, locator, labels, sync_back,
	subject, from_addr, date, indexed_at`

// PutEntry inserts or replaces the entry keyed by its message id.
func (s *SQLiteStore) PutEntry(ctx context.Context, e model.Entry) error {
	if e.MessageID == "" {
		return fmt.Errorf("entry message id must not be empty")
	}
	labels, err := json.Marshal(model.NormalizeLabels(e.Labels))
	if err != nil {
		return fmt.Errorf("marshaling labels for %s: %w", e.MessageID, err)
	}
	if e.IndexedAt.IsZero() {
		e.IndexedAt = time.Now()
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO entries (`+entryColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.MessageID, e.StoreID, e.Locator, string(labels), boolToInt(e.SyncBack),
		e.Subject, e.From, e.Date.UTC(), e.IndexedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("upserting entry %s: %w", e.MessageID, err)
	}
	return nil
}

// GetEntry retrieves the entry for messageID, or ErrNotFound.
func (s *SQLiteStore) GetEntry(
	ctx context.Context,
	messageID string,
) (*model.Entry, error) {
	row := s.db.QueryRowxContext(ctx,
		"SELECT "+entryColumns+" FROM entries WHERE message_id = ?", messageID)

	e, err := scanEntryRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting entry %s: %w", messageID, err)
	}
	return &e, nil
}

// GetEntryByLocator retrieves the entry a store holds at locator, or
// ErrNotFound.
func (s *SQLiteStore) GetEntryByLocator(
	ctx context.Context,
	storeID int64,
	locator string,
) (*model.Entry, error) {
	row := s.db.QueryRowxContext(ctx,
		"SELECT "+entryColumns+" FROM entries WHERE store_id = ? AND locator = ? LIMIT 1",
		storeID, locator)

	e, err := scanEntryRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting entry at %d/%s: %w", storeID, locator, err)
	}
	return &e, nil
}

// GetEntries lists entries matching filter, newest first.
func (s *SQLiteStore) GetEntries(
	ctx context.Context,
	filter EntryFilter,
) ([]model.Entry, error) {
	var conditions []string
	var args []interface{}

	if filter.StoreID != nil {
		conditions = append(conditions, "store_id = ?")
		args = append(args, *filter.StoreID)
	}
	if filter.Label != nil {
		label, err := json.Marshal(*filter.Label)
		if err != nil {
			return nil, fmt.Errorf("marshaling label filter: %w", err)
		}
		conditions = append(conditions, "labels LIKE ?")
		args = append(args, "%"+string(label)+"%")
	}

	query := "SELECT " + entryColumns + " FROM entries"
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY date DESC, message_id"

	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}
	if filter.Offset > 0 {
		if filter.Limit <= 0 {
			query += " LIMIT -1"
		}
		query += fmt.Sprintf(" OFFSET %d", filter.Offset)
	}

	rows, err := s.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying entries: %w", err)
	}
	defer rows.Close()

	var entries []model.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// GetEntriesByIDs returns the entries for ids in the order given,
// skipping ids with no entry.
func (s *SQLiteStore) GetEntriesByIDs(
	ctx context.Context,
	ids []string,
) ([]model.Entry, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	query, args, err := sqlx.In("SELECT "+entryColumns+" FROM entries WHERE message_id IN (?)", ids)
	if err != nil {
		return nil, fmt.Errorf("building entry query: %w", err)
	}
	rows, err := s.db.QueryxContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("querying entries: %w", err)
	}
	defer rows.Close()

	byID := make(map[string]model.Entry, len(ids))
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		byID[e.MessageID] = e
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	entries := make([]model.Entry, 0, len(byID))
	for _, id := range ids {
		if e, ok := byID[id]; ok {
			entries = append(entries, e)
		}
	}
	return entries, nil
}

// DeleteEntry removes the entry for messageID. Deleting a missing entry
// is not an error.
func (s *SQLiteStore) DeleteEntry(ctx context.Context, messageID string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM entries WHERE message_id = ?", messageID)
	if err != nil {
		return fmt.Errorf("deleting entry %s: %w", messageID, err)
	}
	return nil
}

// CountEntries counts entries, optionally for a single store.
func (s *SQLiteStore) CountEntries(ctx context.Context, storeID *int64) (int, error) {
	var n int
	var err error
	if storeID != nil {
		err = s.db.GetContext(ctx, &n, "SELECT COUNT(*) FROM entries WHERE store_id = ?", *storeID)
	} else {
		err = s.db.GetContext(ctx, &n, "SELECT COUNT(*) FROM entries")
	}
	if err != nil {
		return 0, fmt.Errorf("counting entries: %w", err)
	}
	return n, nil
}

// rowScanner is satisfied by both *sqlx.Row and *sqlx.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEntryFrom(r rowScanner) (model.Entry, error) {
	var (
		e        model.Entry
		labels   string
		syncBack int
	)

	err := r.Scan(
		&e.MessageID, &e.StoreID, &e.Locator, &labels, &syncBack,
		&e.Subject, &e.From, &e.Date, &e.IndexedAt,
	)
	if err != nil {
		return model.Entry{}, err
	}

	e.SyncBack = syncBack != 0
	if labels != "" {
		if err := json.Unmarshal([]byte(labels), &e.Labels); err != nil {
			return model.Entry{}, fmt.Errorf("unmarshaling labels: %w", err)
		}
	}
	return e, nil
}

// scanEntry scans an entry row from a sqlx.Rows result set.
func scanEntry(rows *sqlx.Rows) (model.Entry, error) {
	e, err := scanEntryFrom(rows)
	if err != nil {
		return model.Entry{}, fmt.Errorf("scanning entry row: %w", err)
	}
	return e, nil
}

// scanEntryRow scans a single entry row from a sqlx.Row.
func scanEntryRow(row *sqlx.Row) (model.Entry, error) {
	return scanEntryFrom(row)
}
