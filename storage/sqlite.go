package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	_ "github.com/mattn/go-sqlite3"

	"github.com/itiky/listsync/model"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS lists (
	account_id TEXT    NOT NULL,
	list_key   TEXT    NOT NULL,
	name       TEXT    NOT NULL,
	year       INTEGER NULL,
	is_main    INTEGER NOT NULL DEFAULT 0,
	group_id   TEXT    NOT NULL DEFAULT '',
	sort_order INTEGER NOT NULL DEFAULT 0,
	items      TEXT    NOT NULL,
	created_at TEXT    NOT NULL,
	updated_at TEXT    NOT NULL,
	PRIMARY KEY (account_id, list_key)
)`

// sqliteBackend keeps account lists in a SQLite database, items are stored as a JSON array.
type sqliteBackend struct {
	db *sql.DB
}

// view implements backend interface.
func (b *sqliteBackend) view(ctx context.Context, accountId model.AccountId, fn func(set *ListSet) error) error {
	lists, err := b.load(ctx, b.db, accountId)
	if err != nil {
		return err
	}

	return fn(newListSet(lists))
}

// update implements backend interface: the whole read-modify-write cycle runs in one transaction.
func (b *sqliteBackend) update(ctx context.Context, accountId model.AccountId, fn func(set *ListSet) error) (retErr error) {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if retErr != nil {
			_ = tx.Rollback()
		}
	}()

	lists, err := b.load(ctx, tx, accountId)
	if err != nil {
		return err
	}

	set := newListSet(lists)
	if err := fn(set); err != nil {
		return err
	}

	for _, list := range set.Modified() {
		if err := b.upsert(ctx, tx, accountId, list); err != nil {
			return err
		}
	}
	for _, key := range set.Removed() {
		if _, err := tx.ExecContext(ctx, `DELETE FROM lists WHERE account_id = ? AND list_key = ?`, string(accountId), string(key)); err != nil {
			return fmt.Errorf("delete (%s): %w", key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	return nil
}

// Close implements backend interface.
func (b *sqliteBackend) Close() error {
	return b.db.Close()
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
}

// load reads all account lists.
func (b *sqliteBackend) load(ctx context.Context, q queryer, accountId model.AccountId) ([]model.List, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT list_key, name, year, is_main, group_id, sort_order, items, created_at, updated_at
		FROM lists WHERE account_id = ?`,
		string(accountId),
	)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	lists := make([]model.List, 0)
	for rows.Next() {
		var (
			list                 model.List
			year                 sql.NullInt64
			itemsRaw             string
			createdAt, updatedAt string
		)
		if err := rows.Scan(&list.Key, &list.Name, &year, &list.IsMain, &list.GroupId, &list.SortOrder, &itemsRaw, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}

		if year.Valid {
			y := int(year.Int64)
			list.Year = &y
		}
		list.Items = make(model.Items, 0)
		if err := json.Unmarshal([]byte(itemsRaw), &list.Items); err != nil {
			return nil, fmt.Errorf("list (%s): items unmarshal: %w", list.Key, err)
		}
		if list.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
			return nil, fmt.Errorf("list (%s): createdAt: %w", list.Key, err)
		}
		if list.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
			return nil, fmt.Errorf("list (%s): updatedAt: %w", list.Key, err)
		}

		lists = append(lists, list)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows: %w", err)
	}

	return lists, nil
}

// upsert writes a single list.
func (b *sqliteBackend) upsert(ctx context.Context, tx *sql.Tx, accountId model.AccountId, list *model.List) error {
	itemsRaw, err := json.Marshal(list.Items)
	if err != nil {
		return fmt.Errorf("list (%s): items marshal: %w", list.Key, err)
	}

	var year sql.NullInt64
	if list.Year != nil {
		year = sql.NullInt64{Int64: int64(*list.Year), Valid: true}
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO lists (account_id, list_key, name, year, is_main, group_id, sort_order, items, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (account_id, list_key) DO UPDATE SET
			name = excluded.name,
			year = excluded.year,
			is_main = excluded.is_main,
			group_id = excluded.group_id,
			sort_order = excluded.sort_order,
			items = excluded.items,
			updated_at = excluded.updated_at`,
		string(accountId), string(list.Key), list.Name, year, list.IsMain, list.GroupId, list.SortOrder, string(itemsRaw),
		list.CreatedAt.UTC().Format(time.RFC3339Nano), list.UpdatedAt.UTC().Format(time.RFC3339Nano),
	); err != nil {
		return fmt.Errorf("upsert (%s): %w", list.Key, err)
	}

	return nil
}

// NewSQLiteStorage opens (creating if needed) a SQLite database and creates a Storage object.
// now is optional (UTC wall clock by default).
func NewSQLiteStorage(dbPath string, now func() time.Time) (*Storage, error) {
	if dbPath == "" {
		return nil, fmt.Errorf("%s: empty", "dbPath")
	}

	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("sql.Open (%s): %w", dbPath, err)
	}
	// SQLite allows a single writer
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("schema: %w", err)
	}

	return newStorage(&sqliteBackend{db: db}, now), nil
}
