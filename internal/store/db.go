package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/user/tripled/internal/rdf"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrations embed.FS

// SQLite is the sqlite-backed engine.
//
// In the default mode it holds separate write and read connection pools.
// The write pool is limited to one open connection to serialize writes
// (SQLite requirement) and reads go through their own pool under WAL, so
// readers may run while a write transaction is open.
//
// With a shared connection both sides use the same single connection. Any
// read that overlaps an open write transaction, or a write that overlaps a
// running read, is rejected with ErrHandleMisuse instead of being allowed to
// corrupt the connection state.
type SQLite struct {
	write  *sql.DB
	read   *sql.DB
	shared bool
	path   string

	mu      sync.Mutex
	writing bool
	readers int
}

// OpenSQLite creates or opens dataDir/triples.db and runs pending migrations.
func OpenSQLite(dataDir string, shared bool) (*SQLite, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	dbPath := filepath.Join(dataDir, "triples.db")

	writeDB, err := openConn(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open write connection: %w", err)
	}
	writeDB.SetMaxOpenConns(1)

	readDB := writeDB
	if !shared {
		readDB, err = openConn(dbPath)
		if err != nil {
			writeDB.Close()
			return nil, fmt.Errorf("open read connection: %w", err)
		}
	}

	db := &SQLite{write: writeDB, read: readDB, shared: shared, path: dbPath}
	if err := db.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	slog.Info("database opened", "backend", BackendSQLite, "path", dbPath, "shared_connection", shared)
	return db, nil
}

func openConn(path string) (*sql.DB, error) {
	dsn := "file:" + path + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func (db *SQLite) migrate() error {
	_, err := db.write.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version    INTEGER PRIMARY KEY,
		applied_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%f', 'now'))
	)`)
	if err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var current int
	err = db.write.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&current)
	if err != nil {
		return fmt.Errorf("get current migration version: %w", err)
	}
	if current >= 1 {
		slog.Debug("migrations up to date", "version", current)
		return nil
	}

	sqlBytes, err := migrations.ReadFile("migrations/001_triples.sql")
	if err != nil {
		return fmt.Errorf("read migration 001: %w", err)
	}

	tx, err := db.write.Begin()
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(string(sqlBytes)); err != nil {
		return fmt.Errorf("execute migration 001: %w", err)
	}
	if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", 1); err != nil {
		return fmt.Errorf("record migration 001: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration 001: %w", err)
	}

	slog.Info("applied migration", "version", 1)
	return nil
}

func (db *SQLite) Name() string { return BackendSQLite }

// SupportsConcurrentReadsDuringWrite is true only with separate pools.
func (db *SQLite) SupportsConcurrentReadsDuringWrite() bool { return !db.shared }

func (db *SQLite) BeginWrite(ctx context.Context) (Tx, error) {
	if err := db.beginWriting(); err != nil {
		return nil, err
	}
	tx, err := db.write.BeginTx(ctx, nil)
	if err != nil {
		db.endWriting()
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	return &sqliteTx{db: db, tx: tx}, nil
}

// RunQuery evaluates every pattern of the query inside one read-only
// transaction, so the whole result comes from a single WAL snapshot.
func (db *SQLite) RunQuery(ctx context.Context, text string) (*rdf.Rows, error) {
	q, err := parseQuery(text)
	if err != nil {
		return nil, err
	}
	if db.shared {
		if err := db.beginReading(); err != nil {
			return nil, err
		}
		defer db.endReading()
	}
	tx, err := db.read.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()
	return rdf.Evaluate(ctx, q, sqlMatcher{q: tx})
}

func (db *SQLite) beginWriting() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.writing {
		return fmt.Errorf("%w: write transaction already open", ErrHandleMisuse)
	}
	if db.shared && db.readers > 0 {
		return fmt.Errorf("%w: write transaction requested while %d reads are running", ErrHandleMisuse, db.readers)
	}
	db.writing = true
	return nil
}

func (db *SQLite) endWriting() {
	db.mu.Lock()
	db.writing = false
	db.mu.Unlock()
}

func (db *SQLite) beginReading() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.writing {
		return fmt.Errorf("%w: read on the shared connection while a write transaction is open", ErrHandleMisuse)
	}
	db.readers++
	return nil
}

func (db *SQLite) endReading() {
	db.mu.Lock()
	db.readers--
	db.mu.Unlock()
}

// Close closes all database connections.
func (db *SQLite) Close() error {
	var errs []error
	if err := db.write.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close write db: %w", err))
	}
	if !db.shared {
		if err := db.read.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close read db: %w", err))
		}
	}
	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}

type sqliteTx struct {
	db   *SQLite
	tx   *sql.Tx
	done bool
}

func (t *sqliteTx) ApplyStatements(ctx context.Context, group []rdf.Statement) error {
	if t.done {
		return ErrTxDone
	}
	ins, err := t.tx.PrepareContext(ctx, "INSERT OR IGNORE INTO triples (subject, predicate, object) VALUES (?, ?, ?)")
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer ins.Close()
	del, err := t.tx.PrepareContext(ctx, "DELETE FROM triples WHERE subject = ? AND predicate = ? AND object = ?")
	if err != nil {
		return fmt.Errorf("prepare delete: %w", err)
	}
	defer del.Close()

	for i, st := range group {
		stmt := ins
		if st.Op == rdf.OpDelete {
			stmt = del
		}
		if _, err := stmt.ExecContext(ctx, string(st.Subject), string(st.Predicate), string(st.Object)); err != nil {
			return fmt.Errorf("statement %d (%s): %w", i, st.Op, err)
		}
	}
	return nil
}

func (t *sqliteTx) Commit() error {
	if t.done {
		return ErrTxDone
	}
	t.done = true
	defer t.db.endWriting()
	if err := t.tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (t *sqliteTx) Rollback() error {
	if t.done {
		return ErrTxDone
	}
	t.done = true
	defer t.db.endWriting()
	return t.tx.Rollback()
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

type sqlMatcher struct {
	q queryer
}

// Match reads all matching rows before calling fn so nested matches never
// need a second connection while this one is busy.
func (m sqlMatcher) Match(ctx context.Context, p rdf.Triple, fn func(rdf.Triple) error) error {
	var conds []string
	var args []any
	for _, c := range []struct {
		col  string
		term rdf.Term
	}{{"subject", p.Subject}, {"predicate", p.Predicate}, {"object", p.Object}} {
		if c.term != "" {
			conds = append(conds, c.col+" = ?")
			args = append(args, string(c.term))
		}
	}
	query := "SELECT subject, predicate, object FROM triples"
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}

	rows, err := m.q.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("match: %w", err)
	}
	var found []rdf.Triple
	for rows.Next() {
		var s, pr, o string
		if err := rows.Scan(&s, &pr, &o); err != nil {
			rows.Close()
			return fmt.Errorf("match scan: %w", err)
		}
		found = append(found, rdf.Triple{Subject: rdf.Term(s), Predicate: rdf.Term(pr), Object: rdf.Term(o)})
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return fmt.Errorf("match rows: %w", err)
	}

	for _, t := range found {
		if err := fn(t); err != nil {
			return err
		}
	}
	return nil
}
