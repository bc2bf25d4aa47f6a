package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/nhle/notifycenter/internal/model"
)

const (
	listUnread = "unread"
	listRead   = "read"

	metaOwner   = "owner"
	metaSavedAt = "saved_at"
)

// SQLiteStore implements Cache using a local SQLite database.
type SQLiteStore struct {
	db *sqlx.DB
}

var _ Cache = (*SQLiteStore)(nil)

// notificationRow is the cached form of a model.Notification.
type notificationRow struct {
	ID          string       `db:"id"`
	List        string       `db:"list"`
	Position    int          `db:"position"`
	Type        string       `db:"type"`
	Title       string       `db:"title"`
	Message     string       `db:"message"`
	Status      string       `db:"status"`
	CreatedDate sql.NullTime `db:"created_date"`
	ReadAt      sql.NullTime `db:"read_at"`
	LinkURL     string       `db:"link_url"`
	Metadata    string       `db:"metadata"`
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath,
// enables WAL mode, and runs any pending schema migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("creating cache directory: %w", err)
		}
	}

	db, err := sqlx.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}

	// A single connection keeps ":memory:" databases shared and
	// serializes writers.
	db.SetMaxOpenConns(1)

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// runMigrations checks the current schema version and applies any
// outstanding migrations in order.
func (s *SQLiteStore) runMigrations() error {
	currentVersion := 0

	var tableCount int
	err := s.db.Get(
		&tableCount,
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	)
	if err != nil {
		return fmt.Errorf("checking schema_version table: %w", err)
	}

	if tableCount > 0 {
		err = s.db.Get(&currentVersion, "SELECT COALESCE(MAX(version), 0) FROM schema_version")
		if err != nil {
			return fmt.Errorf("reading schema version: %w", err)
		}
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}
		if _, err := s.db.Exec(m.sql); err != nil {
			return fmt.Errorf("applying migration v%d: %w", m.version, err)
		}
	}

	return nil
}

// SaveSnapshot replaces the cached lists in a single transaction.
func (s *SQLiteStore) SaveSnapshot(ctx context.Context, owner string, lists Lists) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM notifications"); err != nil {
		return fmt.Errorf("clearing cached notifications: %w", err)
	}

	const query = `
		INSERT OR REPLACE INTO notifications (
			id, list, position, type, title, message, status,
			created_date, read_at, link_url, metadata
		) VALUES (
			:id, :list, :position, :type, :title, :message, :status,
			:created_date, :read_at, :link_url, :metadata
		)`

	stmt, err := tx.PrepareNamedContext(ctx, query)
	if err != nil {
		return fmt.Errorf("preparing insert statement: %w", err)
	}
	defer stmt.Close()

	insert := func(list string, items []model.Notification) error {
		for i, n := range items {
			if _, err := stmt.ExecContext(ctx, toRow(list, i, n)); err != nil {
				return fmt.Errorf("caching notification %s: %w", n.ID, err)
			}
		}
		return nil
	}
	if err := insert(listUnread, lists.Unread); err != nil {
		return err
	}
	if err := insert(listRead, lists.Read); err != nil {
		return err
	}

	savedAt := lists.SavedAt
	if savedAt.IsZero() {
		savedAt = time.Now()
	}
	if err := setMeta(ctx, tx, metaOwner, owner); err != nil {
		return err
	}
	if err := setMeta(ctx, tx, metaSavedAt, savedAt.UTC().Format(time.RFC3339Nano)); err != nil {
		return err
	}

	return tx.Commit()
}

// LoadSnapshot returns the cached lists in their stored order.
func (s *SQLiteStore) LoadSnapshot(ctx context.Context, owner string) (Lists, error) {
	lists := Lists{
		Unread: []model.Notification{},
		Read:   []model.Notification{},
	}

	cachedOwner, err := s.getMeta(ctx, metaOwner)
	if err != nil {
		return lists, err
	}
	if cachedOwner != owner {
		return lists, nil
	}

	if savedAt, err := s.getMeta(ctx, metaSavedAt); err != nil {
		return lists, err
	} else if t, perr := time.Parse(time.RFC3339Nano, savedAt); perr == nil {
		lists.SavedAt = t
	}

	var rows []notificationRow
	err = s.db.SelectContext(ctx, &rows,
		"SELECT * FROM notifications ORDER BY list DESC, position ASC",
	)
	if err != nil {
		return lists, fmt.Errorf("querying cached notifications: %w", err)
	}

	for _, r := range rows {
		switch r.List {
		case listUnread:
			lists.Unread = append(lists.Unread, r.toModel())
		case listRead:
			lists.Read = append(lists.Read, r.toModel())
		}
	}
	return lists, nil
}

// Clear removes every cached notification and the owner marker.
func (s *SQLiteStore) Clear(ctx context.Context) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM notifications"); err != nil {
		return fmt.Errorf("clearing cached notifications: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM cache_meta"); err != nil {
		return fmt.Errorf("clearing cache metadata: %w", err)
	}
	return tx.Commit()
}

func setMeta(ctx context.Context, tx *sqlx.Tx, key, value string) error {
	_, err := tx.ExecContext(ctx,
		"INSERT OR REPLACE INTO cache_meta (key, value) VALUES (?, ?)",
		key, value,
	)
	if err != nil {
		return fmt.Errorf("writing cache metadata %s: %w", key, err)
	}
	return nil
}

func (s *SQLiteStore) getMeta(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.GetContext(ctx, &value, "SELECT value FROM cache_meta WHERE key = ?", key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("reading cache metadata %s: %w", key, err)
	}
	return value, nil
}

func toRow(list string, position int, n model.Notification) notificationRow {
	return notificationRow{
		ID:          string(n.ID),
		List:        list,
		Position:    position,
		Type:        n.Type,
		Title:       n.Title,
		Message:     n.Message,
		Status:      string(n.Status),
		CreatedDate: nullTime(n.CreatedDate.Time),
		ReadAt:      nullTime(n.ReadAt.Time),
		LinkURL:     n.LinkURL,
		Metadata:    string(n.Metadata),
	}
}

func (r notificationRow) toModel() model.Notification {
	n := model.Notification{
		ID:       model.ID(r.ID),
		Type:     r.Type,
		Title:    r.Title,
		Message:  r.Message,
		Status:   model.Status(r.Status),
		LinkURL:  r.LinkURL,
		Metadata: model.Metadata(r.Metadata),
	}
	if r.CreatedDate.Valid {
		n.CreatedDate = model.Timestamp{Time: r.CreatedDate.Time}
	}
	if r.ReadAt.Valid {
		n.ReadAt = model.Timestamp{Time: r.ReadAt.Time}
	}
	return n
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
