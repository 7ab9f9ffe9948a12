package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/devrev/tabsync/internal/model"
)

const (
	siteTable    = "__tabsync_site"
	stateTable   = "__tabsync_state"
	changesTable = "__tabsync_changes"

	stateDBVersion = "db_version"
	stateSeq       = "seq"
	stateApplying  = "applying"
)

var bootstrapStatements = []string{
	`CREATE TABLE IF NOT EXISTS ` + siteTable + ` (id BLOB NOT NULL)`,
	`CREATE TABLE IF NOT EXISTS ` + stateTable + ` (
		key TEXT PRIMARY KEY,
		value INTEGER NOT NULL
	)`,
	`INSERT OR IGNORE INTO ` + stateTable + ` (key, value) VALUES
		('` + stateDBVersion + `', 0), ('` + stateSeq + `', 0), ('` + stateApplying + `', 0)`,
	`CREATE TABLE IF NOT EXISTS ` + changesTable + ` (
		tbl TEXT NOT NULL,
		pk BLOB NOT NULL,
		cid TEXT NOT NULL,
		val,
		col_version INTEGER NOT NULL,
		db_version INTEGER NOT NULL,
		site_id BLOB NOT NULL,
		cl INTEGER NOT NULL,
		seq INTEGER NOT NULL,
		PRIMARY KEY (tbl, pk, cid)
	)`,
	`CREATE INDEX IF NOT EXISTS ` + changesTable + `_version ON ` + changesTable + ` (db_version, seq)`,
}

// Options configures a SQLite store.
type Options struct {
	// DSN is a go-sqlite3 data source name, e.g. a file path or "file::memory:".
	DSN           string
	BusyTimeoutMS int
	// Schema statements run once at open, before Tables are tracked.
	Schema []string
	Tables []string
	Logger *zap.Logger
}

// SQLiteStore implements Store on a single SQLite connection.
type SQLiteStore struct {
	db     *sql.DB
	logger *zap.Logger
	siteID model.SiteID

	mu     sync.RWMutex
	tables map[string]*tableInfo
}

// Open opens (or creates) the database, installs the change log and tracks opts.Tables.
func Open(ctx context.Context, opts Options) (*SQLiteStore, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	dsn := opts.DSN
	if dsn == "" {
		dsn = "file::memory:"
	}
	if opts.BusyTimeoutMS > 0 {
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		dsn += fmt.Sprintf("%s_busy_timeout=%d&_txlock=immediate", sep, opts.BusyTimeoutMS)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	// Triggers and the in-memory database both rely on a single connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &SQLiteStore{
		db:     db,
		logger: logger.Named("store"),
		tables: make(map[string]*tableInfo),
	}
	if err := s.bootstrap(ctx, opts); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) bootstrap(ctx context.Context, opts Options) error {
	if !strings.Contains(opts.DSN, ":memory:") && opts.DSN != "" {
		if _, err := s.db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
			return fmt.Errorf("failed to enable WAL: %w", err)
		}
		if _, err := s.db.ExecContext(ctx, "PRAGMA synchronous=NORMAL"); err != nil {
			return fmt.Errorf("failed to set synchronous mode: %w", err)
		}
	}
	for _, stmt := range bootstrapStatements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create change log: %w", err)
		}
	}

	var site []byte
	err := s.db.QueryRowContext(ctx, `SELECT id FROM `+siteTable+` LIMIT 1`).Scan(&site)
	switch {
	case err == sql.ErrNoRows:
		id := uuid.New()
		site = id[:]
		if _, err := s.db.ExecContext(ctx, `INSERT INTO `+siteTable+` (id) VALUES (?)`, site); err != nil {
			return fmt.Errorf("failed to store site id: %w", err)
		}
	case err != nil:
		return fmt.Errorf("failed to read site id: %w", err)
	}
	s.siteID = model.SiteID(site)

	for _, stmt := range opts.Schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	for _, table := range opts.Tables {
		if err := s.Track(ctx, table); err != nil {
			return err
		}
	}

	s.logger.Info("Store opened",
		zap.String("site_id", s.siteID.String()),
		zap.Strings("tables", opts.Tables))
	return nil
}

// SiteID returns the replica's site id, generated once per database.
func (s *SQLiteStore) SiteID(_ context.Context) (model.SiteID, error) {
	if s.siteID.IsZero() {
		return nil, fmt.Errorf("site id not initialized")
	}
	return s.siteID, nil
}

// Execute runs a write statement in its own transaction.
func (s *SQLiteStore) Execute(ctx context.Context, query string, args ...any) (model.ExecResult, error) {
	var result model.ExecResult
	err := s.Transaction(ctx, func(tx Tx) error {
		var err error
		result, err = tx.Execute(ctx, query, args...)
		return err
	})
	return result, err
}

// QueryRows runs a read statement.
func (s *SQLiteStore) QueryRows(ctx context.Context, query string, args ...any) ([]Row, error) {
	return queryRows(ctx, s.db, query, normalizeArgs(args))
}

// Transaction runs fn atomically. Local writes made through the transaction
// are stamped with the next db_version on commit.
func (s *SQLiteStore) Transaction(ctx context.Context, fn func(tx Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	tx := &sqliteTx{store: s, tx: sqlTx}

	if err := tx.reset(ctx); err != nil {
		sqlTx.Rollback()
		return err
	}
	if err := fn(tx); err != nil {
		sqlTx.Rollback()
		return err
	}
	if err := tx.stamp(ctx); err != nil {
		sqlTx.Rollback()
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Changes returns change records matching filter ordered by (db_version, seq).
func (s *SQLiteStore) Changes(ctx context.Context, filter ChangeFilter) ([]model.ChangeRecord, error) {
	query := `
		SELECT tbl, pk, cid, val, col_version, db_version, site_id, cl, seq
		FROM ` + changesTable + `
		WHERE db_version > ?`
	args := []any{filter.SinceVersion}
	if !filter.SiteID.IsZero() {
		query += ` AND site_id = ?`
		args = append(args, []byte(filter.SiteID))
	}
	if !filter.ExcludeSiteID.IsZero() {
		query += ` AND site_id != ?`
		args = append(args, []byte(filter.ExcludeSiteID))
	}
	query += ` ORDER BY db_version, seq`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query changes: %w", err)
	}
	defer rows.Close()

	records := make([]model.ChangeRecord, 0)
	for rows.Next() {
		var r model.ChangeRecord
		var site []byte
		if err := rows.Scan(&r.Table, &r.PrimaryKey, &r.ColumnID, &r.Value,
			&r.ColumnVersion, &r.DatabaseVersion, &site, &r.CausalLength, &r.Sequence); err != nil {
			return nil, fmt.Errorf("failed to scan change: %w", err)
		}
		r.OriginSiteID = model.SiteID(site)
		records = append(records, r)
	}
	return records, rows.Err()
}

// DBVersion returns the last committed local db_version.
func (s *SQLiteStore) DBVersion(ctx context.Context) (int64, error) {
	var v int64
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM `+stateTable+` WHERE key = ?`, stateDBVersion).Scan(&v)
	if err != nil {
		return 0, fmt.Errorf("failed to read db version: %w", err)
	}
	return v, nil
}

// Ping checks the connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type sqliteTx struct {
	store *SQLiteStore
	tx    *sql.Tx
}

func (t *sqliteTx) Execute(ctx context.Context, query string, args ...any) (model.ExecResult, error) {
	res, err := t.tx.ExecContext(ctx, query, normalizeArgs(args)...)
	if err != nil {
		return model.ExecResult{}, err
	}
	var result model.ExecResult
	result.RowsAffected, _ = res.RowsAffected()
	result.LastInsertID, _ = res.LastInsertId()
	return result, nil
}

func (t *sqliteTx) QueryRows(ctx context.Context, query string, args ...any) ([]Row, error) {
	return queryRows(ctx, t.tx, query, normalizeArgs(args))
}

func (t *sqliteTx) setState(ctx context.Context, key string, value int64) error {
	_, err := t.tx.ExecContext(ctx, `UPDATE `+stateTable+` SET value = ? WHERE key = ?`, value, key)
	if err != nil {
		return fmt.Errorf("failed to set %s: %w", key, err)
	}
	return nil
}

func (t *sqliteTx) state(ctx context.Context, key string) (int64, error) {
	var v int64
	err := t.tx.QueryRowContext(ctx, `SELECT value FROM `+stateTable+` WHERE key = ?`, key).Scan(&v)
	if err != nil {
		return 0, fmt.Errorf("failed to read %s: %w", key, err)
	}
	return v, nil
}

func (t *sqliteTx) reset(ctx context.Context) error {
	if err := t.setState(ctx, stateSeq, 0); err != nil {
		return err
	}
	return t.setState(ctx, stateApplying, 0)
}

// stamp advances db_version when triggers recorded local changes.
func (t *sqliteTx) stamp(ctx context.Context) error {
	seq, err := t.state(ctx, stateSeq)
	if err != nil || seq == 0 {
		return err
	}
	_, err = t.tx.ExecContext(ctx,
		`UPDATE `+stateTable+` SET value = value + 1 WHERE key = ?`, stateDBVersion)
	if err != nil {
		return fmt.Errorf("failed to advance db version: %w", err)
	}
	return nil
}

type rowQuerier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func queryRows(ctx context.Context, q rowQuerier, query string, args []any) ([]Row, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	out := make([]Row, 0)
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(Row, len(cols))
		for i, col := range cols {
			row[col] = values[i]
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// IsConstraintError reports whether err is a SQLite constraint violation.
func IsConstraintError(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrConstraint
	}
	return false
}
