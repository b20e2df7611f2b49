package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

const schema = `
CREATE TABLE IF NOT EXISTS plugins (
	name          TEXT PRIMARY KEY,
	description   TEXT NOT NULL DEFAULT '',
	category      TEXT NOT NULL DEFAULT '',
	aliases       TEXT NOT NULL DEFAULT '[]',
	usage         TEXT NOT NULL DEFAULT '',
	source_ref    TEXT NOT NULL DEFAULT '',
	enabled       INTEGER NOT NULL DEFAULT 1,
	crash_count   INTEGER NOT NULL DEFAULT 0,
	last_crash_at TIMESTAMP,
	usage_count   INTEGER NOT NULL DEFAULT 0,
	last_used_at  TIMESTAMP,
	orphaned      INTEGER NOT NULL DEFAULT 0,
	created_at    TIMESTAMP NOT NULL,
	updated_at    TIMESTAMP NOT NULL
);
`

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (creating if necessary) a SQLite-backed plugin store at path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=5000", path))
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	// SQLite handles one writer at a time; a single connection avoids
	// SQLITE_BUSY churn from the fire-and-forget stat writers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// FindOne returns the record for name, or ErrNotFound.
func (s *SQLiteStore) FindOne(ctx context.Context, name string) (*PluginRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT name, description, category, aliases, usage, source_ref, enabled,
		       crash_count, last_crash_at, usage_count, last_used_at, orphaned,
		       created_at, updated_at
		FROM plugins WHERE name = ?
	`, name)

	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query plugin %q: %w", name, err)
	}
	return rec, nil
}

// Find returns all records matching the filter, ordered by name.
func (s *SQLiteStore) Find(ctx context.Context, filter Filter) ([]*PluginRecord, error) {
	where, args := filterClause(filter)
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, description, category, aliases, usage, source_ref, enabled,
		       crash_count, last_crash_at, usage_count, last_used_at, orphaned,
		       created_at, updated_at
		FROM plugins `+where+` ORDER BY name`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query plugins: %w", err)
	}
	defer rows.Close()

	var records []*PluginRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan plugin row: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Insert adds a new record.
func (s *SQLiteStore) Insert(ctx context.Context, rec *PluginRecord) error {
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = rec.CreatedAt
	}

	aliases, err := json.Marshal(rec.Aliases)
	if err != nil {
		return fmt.Errorf("failed to marshal aliases: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO plugins (name, description, category, aliases, usage, source_ref,
			enabled, crash_count, last_crash_at, usage_count, last_used_at, orphaned,
			created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.Name, rec.Description, rec.Category, string(aliases), rec.Usage, rec.SourceRef,
		rec.Enabled, rec.CrashCount, rec.LastCrashAt, rec.UsageCount, rec.LastUsedAt,
		rec.Orphaned, rec.CreatedAt, rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert plugin %q: %w", rec.Name, err)
	}
	return nil
}

// Update applies a partial update to the named record.
func (s *SQLiteStore) Update(ctx context.Context, name string, upd Update) error {
	sets := []string{"updated_at = ?"}
	args := []any{time.Now().UTC()}

	if upd.Description != nil {
		sets = append(sets, "description = ?")
		args = append(args, *upd.Description)
	}
	if upd.Category != nil {
		sets = append(sets, "category = ?")
		args = append(args, *upd.Category)
	}
	if upd.Aliases != nil {
		encoded, err := json.Marshal(*upd.Aliases)
		if err != nil {
			return fmt.Errorf("failed to marshal aliases: %w", err)
		}
		sets = append(sets, "aliases = ?")
		args = append(args, string(encoded))
	}
	if upd.Usage != nil {
		sets = append(sets, "usage = ?")
		args = append(args, *upd.Usage)
	}
	if upd.SourceRef != nil {
		sets = append(sets, "source_ref = ?")
		args = append(args, *upd.SourceRef)
	}
	if upd.Enabled != nil {
		sets = append(sets, "enabled = ?")
		args = append(args, *upd.Enabled)
	}
	if upd.CrashCount != nil {
		sets = append(sets, "crash_count = ?")
		args = append(args, *upd.CrashCount)
	}
	if upd.ClearLastCrash {
		sets = append(sets, "last_crash_at = NULL")
	} else if upd.LastCrashAt != nil {
		sets = append(sets, "last_crash_at = ?")
		args = append(args, *upd.LastCrashAt)
	}
	if upd.Orphaned != nil {
		sets = append(sets, "orphaned = ?")
		args = append(args, *upd.Orphaned)
	}

	args = append(args, name)
	res, err := s.db.ExecContext(ctx,
		"UPDATE plugins SET "+strings.Join(sets, ", ")+" WHERE name = ?", args...)
	if err != nil {
		return fmt.Errorf("failed to update plugin %q: %w", name, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// IncrementUsage bumps the usage counter and last-used timestamp.
func (s *SQLiteStore) IncrementUsage(ctx context.Context, name string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE plugins
		SET usage_count = usage_count + 1, last_used_at = ?, updated_at = ?
		WHERE name = ?
	`, at.UTC(), time.Now().UTC(), name)
	if err != nil {
		return fmt.Errorf("failed to record usage for %q: %w", name, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// Count returns the number of records matching the filter.
func (s *SQLiteStore) Count(ctx context.Context, filter Filter) (int, error) {
	where, args := filterClause(filter)
	var count int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM plugins "+where, args...).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count plugins: %w", err)
	}
	return count, nil
}

func filterClause(filter Filter) (string, []any) {
	var conds []string
	var args []any
	if filter.Orphaned != nil {
		conds = append(conds, "orphaned = ?")
		args = append(args, *filter.Orphaned)
	}
	if filter.Enabled != nil {
		conds = append(conds, "enabled = ?")
		args = append(args, *filter.Enabled)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return "WHERE " + strings.Join(conds, " AND "), args
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*PluginRecord, error) {
	var rec PluginRecord
	var aliases string
	var lastCrash, lastUsed sql.NullTime

	err := row.Scan(&rec.Name, &rec.Description, &rec.Category, &aliases, &rec.Usage,
		&rec.SourceRef, &rec.Enabled, &rec.CrashCount, &lastCrash, &rec.UsageCount,
		&lastUsed, &rec.Orphaned, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(aliases), &rec.Aliases); err != nil {
		return nil, fmt.Errorf("failed to unmarshal aliases: %w", err)
	}
	if lastCrash.Valid {
		t := lastCrash.Time
		rec.LastCrashAt = &t
	}
	if lastUsed.Valid {
		t := lastUsed.Time
		rec.LastUsedAt = &t
	}
	return &rec, nil
}
