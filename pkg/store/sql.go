package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/matiascloudarch/cognitive-decision-architecture/pkg/contracts"
)

// Dialect captures the differences between the SQL backends.
type Dialect struct {
	Name string
	// Numbered reports whether placeholders are $1, $2, ... instead of ?.
	Numbered bool
	// LockClause is appended to the entity read inside a transaction.
	LockClause string
}

var (
	SQLite   = Dialect{Name: "sqlite"}
	Postgres = Dialect{Name: "postgres", Numbered: true, LockClause: " FOR UPDATE"}
)

// rebind rewrites ? placeholders for dialects that number them.
func (d Dialect) rebind(query string) string {
	if !d.Numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// timeLayout is fixed width so that stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("store: parse time %q: %w", s, err)
	}
	return t.UTC(), nil
}

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS entity_states (
		entity_id TEXT PRIMARY KEY,
		version BIGINT NOT NULL,
		attributes TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS executed_intents (
		intent_id TEXT PRIMARY KEY,
		entity_id TEXT NOT NULL,
		action TEXT NOT NULL,
		manifest_digest TEXT NOT NULL DEFAULT '',
		executed_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_executed_intents_entity ON executed_intents(entity_id)`,
	`CREATE INDEX IF NOT EXISTS idx_executed_intents_executed_at ON executed_intents(executed_at)`,
}

// SQLStore is a Store over database/sql. The primary key on
// executed_intents is what makes a second execution of an intent
// impossible, whatever the caller did before inserting.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
}

// NewSQLStore wraps an open database. Call Migrate before first use.
func NewSQLStore(db *sql.DB, dialect Dialect) *SQLStore {
	return &SQLStore{db: db, dialect: dialect}
}

// OpenSQLite opens (creating if needed) a SQLite database and migrates it.
// A single connection is used so that transactions serialize.
func OpenSQLite(ctx context.Context, path string) (*SQLStore, error) {
	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	if path == ":memory:" {
		dsn = "file::memory:?_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	s := NewSQLStore(db, SQLite)
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// OpenPostgres connects to Postgres and migrates the schema.
func OpenPostgres(ctx context.Context, url string) (*SQLStore, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	s := NewSQLStore(db, Postgres)
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Migrate creates the tables if they do not exist.
func (s *SQLStore) Migrate(ctx context.Context) error {
	for _, stmt := range migrations {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("store: migrate: %w", err)
		}
	}
	return nil
}

func (s *SQLStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }
func (s *SQLStore) Close() error                   { return s.db.Close() }

const (
	selectRecord = `SELECT intent_id, entity_id, action, manifest_digest, executed_at FROM executed_intents`
	selectEntity = `SELECT entity_id, version, attributes, updated_at FROM entity_states`
)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *SQLStore) Record(ctx context.Context, intentID string) (*contracts.ExecutedIntentRecord, error) {
	return s.queryRecord(ctx, s.db, intentID)
}

func (s *SQLStore) Records(ctx context.Context, limit int) ([]*contracts.ExecutedIntentRecord, error) {
	query := s.dialect.rebind(selectRecord + ` ORDER BY executed_at DESC, intent_id LIMIT ?`)
	rows, err := s.db.QueryContext(ctx, query, listLimit(limit))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*contracts.ExecutedIntentRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *SQLStore) Entity(ctx context.Context, entityID string) (*contracts.EntityState, error) {
	return s.queryEntity(ctx, s.db, entityID, "")
}

func (s *SQLStore) CreateEntity(ctx context.Context, state *contracts.EntityState) error {
	attrs, err := json.Marshal(state.Attributes.Clone())
	if err != nil {
		return fmt.Errorf("store: encode attributes: %w", err)
	}
	query := s.dialect.rebind(`
		INSERT INTO entity_states (entity_id, version, attributes, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (entity_id) DO NOTHING
	`)
	res, err := s.db.ExecContext(ctx, query, state.EntityID, state.Version, string(attrs), formatTime(state.UpdatedAt))
	if err != nil {
		return fmt.Errorf("store: create entity: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: create entity: %w", err)
	}
	if n == 0 {
		return ErrEntityExists
	}
	return nil
}

func (s *SQLStore) WithinEntity(ctx context.Context, entityID string, fn func(Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	if err := fn(&sqlTx{s: s, tx: tx, entityID: entityID}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	committed = true
	return nil
}

func (s *SQLStore) queryRecord(ctx context.Context, q querier, intentID string) (*contracts.ExecutedIntentRecord, error) {
	row := q.QueryRowContext(ctx, s.dialect.rebind(selectRecord+` WHERE intent_id = ?`), intentID)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rec, err
}

func (s *SQLStore) queryEntity(ctx context.Context, q querier, entityID, lock string) (*contracts.EntityState, error) {
	row := q.QueryRowContext(ctx, s.dialect.rebind(selectEntity+` WHERE entity_id = ?`+lock), entityID)
	var (
		e         contracts.EntityState
		attrs     string
		updatedAt string
	)
	if err := row.Scan(&e.EntityID, &e.Version, &attrs, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if err := json.Unmarshal([]byte(attrs), &e.Attributes); err != nil {
		return nil, fmt.Errorf("store: decode attributes of %s: %w", entityID, err)
	}
	if e.Attributes == nil {
		e.Attributes = contracts.Attributes{}
	}
	t, err := parseTime(updatedAt)
	if err != nil {
		return nil, err
	}
	e.UpdatedAt = t
	return &e, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(sc scanner) (*contracts.ExecutedIntentRecord, error) {
	var (
		r          contracts.ExecutedIntentRecord
		executedAt string
	)
	if err := sc.Scan(&r.IntentID, &r.EntityID, &r.Action, &r.ManifestDigest, &executedAt); err != nil {
		return nil, err
	}
	t, err := parseTime(executedAt)
	if err != nil {
		return nil, err
	}
	r.ExecutedAt = t
	return &r, nil
}

type sqlTx struct {
	s        *SQLStore
	tx       *sql.Tx
	entityID string
}

func (t *sqlTx) Entity(ctx context.Context) (*contracts.EntityState, error) {
	return t.s.queryEntity(ctx, t.tx, t.entityID, t.s.dialect.LockClause)
}

func (t *sqlTx) Record(ctx context.Context, intentID string) (*contracts.ExecutedIntentRecord, error) {
	return t.s.queryRecord(ctx, t.tx, intentID)
}

func (t *sqlTx) SwapEntity(ctx context.Context, next *contracts.EntityState, expected int64) error {
	if next.EntityID != t.entityID {
		return fmt.Errorf("store: transaction is scoped to %s, not %s", t.entityID, next.EntityID)
	}
	attrs, err := json.Marshal(next.Attributes.Clone())
	if err != nil {
		return fmt.Errorf("store: encode attributes: %w", err)
	}
	query := t.s.dialect.rebind(`
		UPDATE entity_states SET version = ?, attributes = ?, updated_at = ?
		WHERE entity_id = ? AND version = ?
	`)
	res, err := t.tx.ExecContext(ctx, query, next.Version, string(attrs), formatTime(next.UpdatedAt), next.EntityID, expected)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrVersionConflict
	}
	return nil
}

func (t *sqlTx) InsertRecord(ctx context.Context, rec *contracts.ExecutedIntentRecord) error {
	query := t.s.dialect.rebind(`
		INSERT INTO executed_intents (intent_id, entity_id, action, manifest_digest, executed_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (intent_id) DO NOTHING
	`)
	res, err := t.tx.ExecContext(ctx, query, rec.IntentID, rec.EntityID, rec.Action, rec.ManifestDigest, formatTime(rec.ExecutedAt))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrDuplicateRecord
	}
	return nil
}
