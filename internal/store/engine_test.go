package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/user/tripled/internal/rdf"
)

const titleQuery = "SELECT ?u ?title WHERE { ?u a nie:InformationElement; nie:title ?title. }"

func openEngine(t *testing.T, cfg Config) Engine {
	t.Helper()
	cfg.DataDir = t.TempDir()
	cfg.NoSync = true
	e, err := Open(cfg)
	if err != nil {
		t.Fatalf("Open(%s) error: %v", cfg.Backend, err)
	}
	t.Cleanup(func() { e.Close() })
	return e
}

func allBackends() []Config {
	return []Config{
		{Backend: BackendSQLite},
		{Backend: BackendSQLite, SharedConnection: true},
		{Backend: BackendPebble},
		{Backend: BackendBadger},
	}
}

func backendName(cfg Config) string {
	if cfg.SharedConnection {
		return cfg.Backend + "-shared"
	}
	return cfg.Backend
}

func element(id, title string) []rdf.Statement {
	subj := rdf.Term("<urn:uuid:" + id + ">")
	return []rdf.Statement{
		{Op: rdf.OpInsert, Triple: rdf.Triple{Subject: subj, Predicate: rdf.RDFType, Object: "nie:InformationElement"}},
		{Op: rdf.OpInsert, Triple: rdf.Triple{Subject: subj, Predicate: "nie:title", Object: rdf.Term(`"` + title + `"`)}},
	}
}

func apply(t *testing.T, e Engine, group []rdf.Statement) {
	t.Helper()
	if err := writeGroup(context.Background(), e, group); err != nil {
		t.Fatal(err)
	}
}

func writeGroup(ctx context.Context, e Engine, group []rdf.Statement) error {
	tx, err := e.BeginWrite(ctx)
	if err != nil {
		return fmt.Errorf("BeginWrite: %w", err)
	}
	if err := tx.ApplyStatements(ctx, group); err != nil {
		tx.Rollback()
		return fmt.Errorf("ApplyStatements: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("Commit: %w", err)
	}
	return nil
}

func countRows(t *testing.T, e Engine, query string) int {
	t.Helper()
	rows, err := e.RunQuery(context.Background(), query)
	if err != nil {
		t.Fatalf("RunQuery: %v", err)
	}
	return rows.Len()
}

func TestEngineInsertQueryDelete(t *testing.T) {
	for _, cfg := range allBackends() {
		t.Run(backendName(cfg), func(t *testing.T) {
			e := openEngine(t, cfg)

			var group []rdf.Statement
			group = append(group, element("1", "one")...)
			group = append(group, element("2", "two")...)
			apply(t, e, group)

			if n := countRows(t, e, titleQuery); n != 2 {
				t.Fatalf("rows = %d, want 2", n)
			}

			// Re-inserting is idempotent.
			apply(t, e, element("1", "one"))
			if n := countRows(t, e, "SELECT * WHERE { ?s ?p ?o }"); n != 4 {
				t.Errorf("triples = %d, want 4", n)
			}

			del := element("2", "two")
			for i := range del {
				del[i].Op = rdf.OpDelete
			}
			apply(t, e, del)
			if n := countRows(t, e, titleQuery); n != 1 {
				t.Errorf("rows after delete = %d, want 1", n)
			}
		})
	}
}

func TestEngineRollbackDiscardsGroup(t *testing.T) {
	for _, cfg := range allBackends() {
		t.Run(backendName(cfg), func(t *testing.T) {
			e := openEngine(t, cfg)
			ctx := context.Background()

			tx, err := e.BeginWrite(ctx)
			if err != nil {
				t.Fatalf("BeginWrite: %v", err)
			}
			if err := tx.ApplyStatements(ctx, element("1", "one")); err != nil {
				t.Fatalf("ApplyStatements: %v", err)
			}
			if err := tx.Rollback(); err != nil {
				t.Fatalf("Rollback: %v", err)
			}
			if err := tx.Commit(); !errors.Is(err, ErrTxDone) {
				t.Errorf("Commit after Rollback = %v, want ErrTxDone", err)
			}
			if n := countRows(t, e, titleQuery); n != 0 {
				t.Errorf("rows = %d, want 0", n)
			}

			// The write slot is free again.
			apply(t, e, element("2", "two"))
			if n := countRows(t, e, titleQuery); n != 1 {
				t.Errorf("rows = %d, want 1", n)
			}
		})
	}
}

func TestEngineRejectsSecondWriter(t *testing.T) {
	for _, cfg := range allBackends() {
		t.Run(backendName(cfg), func(t *testing.T) {
			e := openEngine(t, cfg)
			ctx := context.Background()
			tx, err := e.BeginWrite(ctx)
			if err != nil {
				t.Fatalf("BeginWrite: %v", err)
			}
			defer tx.Rollback()
			if _, err := e.BeginWrite(ctx); !IsHandleMisuse(err) {
				t.Errorf("second BeginWrite = %v, want ErrHandleMisuse", err)
			}
		})
	}
}

func TestEngineUncommittedWritesInvisible(t *testing.T) {
	for _, cfg := range allBackends() {
		if cfg.SharedConnection {
			continue
		}
		t.Run(backendName(cfg), func(t *testing.T) {
			e := openEngine(t, cfg)
			if !e.SupportsConcurrentReadsDuringWrite() {
				t.Fatal("expected concurrent read support")
			}
			ctx := context.Background()
			tx, err := e.BeginWrite(ctx)
			if err != nil {
				t.Fatalf("BeginWrite: %v", err)
			}
			if err := tx.ApplyStatements(ctx, element("1", "one")); err != nil {
				t.Fatalf("ApplyStatements: %v", err)
			}
			if n := countRows(t, e, titleQuery); n != 0 {
				t.Errorf("rows during open tx = %d, want 0", n)
			}
			if err := tx.Commit(); err != nil {
				t.Fatalf("Commit: %v", err)
			}
			if n := countRows(t, e, titleQuery); n != 1 {
				t.Errorf("rows after commit = %d, want 1", n)
			}
		})
	}
}

// A query running while whole groups are committed must see each group
// entirely or not at all.
func TestEngineQueryIsAtomicAgainstCommits(t *testing.T) {
	const n = 400
	var ins, del []rdf.Statement
	for i := range n {
		ins = append(ins, element(strconv.Itoa(i), "doc")...)
	}
	for _, st := range ins {
		st.Op = rdf.OpDelete
		del = append(del, st)
	}

	for _, cfg := range allBackends() {
		if cfg.SharedConnection {
			continue
		}
		t.Run(backendName(cfg), func(t *testing.T) {
			e := openEngine(t, cfg)
			ctx := context.Background()
			stop := make(chan struct{})
			errc := make(chan error, 1)
			go func() {
				defer close(errc)
				for i := 0; ; i++ {
					select {
					case <-stop:
						return
					default:
					}
					group := ins
					if i%2 == 1 {
						group = del
					}
					if err := writeGroup(ctx, e, group); err != nil {
						errc <- err
						return
					}
				}
			}()

			for range 30 {
				rows, err := e.RunQuery(ctx, titleQuery)
				if err != nil {
					t.Errorf("RunQuery: %v", err)
					break
				}
				if got := rows.Len(); got != 0 && got != n {
					t.Errorf("rows = %d, want 0 or %d", got, n)
				}
			}
			close(stop)
			if err := <-errc; err != nil {
				t.Fatalf("writer: %v", err)
			}
		})
	}
}

func TestSharedConnectionDetectsMisuse(t *testing.T) {
	e := openEngine(t, Config{Backend: BackendSQLite, SharedConnection: true})
	if e.SupportsConcurrentReadsDuringWrite() {
		t.Fatal("shared connection must not advertise concurrent reads")
	}
	ctx := context.Background()
	tx, err := e.BeginWrite(ctx)
	if err != nil {
		t.Fatalf("BeginWrite: %v", err)
	}
	_, err = e.RunQuery(ctx, titleQuery)
	if !IsHandleMisuse(err) {
		t.Errorf("RunQuery during write = %v, want ErrHandleMisuse", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if _, err := e.RunQuery(ctx, titleQuery); err != nil {
		t.Errorf("RunQuery after commit: %v", err)
	}
}

func TestSharedConnectionRejectsWriteDuringRead(t *testing.T) {
	db, err := OpenSQLite(t.TempDir(), true)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	defer db.Close()
	ctx := context.Background()

	if err := db.beginReading(); err != nil {
		t.Fatalf("beginReading: %v", err)
	}
	if _, err := db.BeginWrite(ctx); !IsHandleMisuse(err) {
		t.Errorf("BeginWrite during read = %v, want ErrHandleMisuse", err)
	}
	db.endReading()

	tx, err := db.BeginWrite(ctx)
	if err != nil {
		t.Fatalf("BeginWrite after read: %v", err)
	}
	if err := db.beginReading(); !IsHandleMisuse(err) {
		t.Errorf("beginReading during write = %v, want ErrHandleMisuse", err)
	}
	if err := tx.Rollback(); err != nil {
		t.Fatalf("Rollback: %v", err)
	}
	if db.writing || db.readers != 0 {
		t.Errorf("state after rollback: writing=%v readers=%d", db.writing, db.readers)
	}
}

// Readers and writers racing on the shared connection never overlap: every
// operation either runs alone or is rejected.
func TestSharedConnectionMisuseIsExclusive(t *testing.T) {
	db, err := OpenSQLite(t.TempDir(), true)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	defer db.Close()
	ctx := context.Background()

	var wg sync.WaitGroup
	var overlaps atomic.Int32
	for w := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range 50 {
				if (w+i)%2 == 0 {
					if db.beginReading() != nil {
						continue
					}
					db.mu.Lock()
					if db.writing {
						overlaps.Add(1)
					}
					db.mu.Unlock()
					db.endReading()
					continue
				}
				tx, err := db.BeginWrite(ctx)
				if err != nil {
					continue
				}
				db.mu.Lock()
				if db.readers != 0 {
					overlaps.Add(1)
				}
				db.mu.Unlock()
				tx.Rollback()
			}
		}()
	}
	wg.Wait()
	if n := overlaps.Load(); n != 0 {
		t.Errorf("%d overlapping read/write operations", n)
	}
}

func TestRunQueryInvalid(t *testing.T) {
	e := openEngine(t, Config{Backend: BackendSQLite})
	_, err := e.RunQuery(context.Background(), "SELECT nothing")
	if !errors.Is(err, ErrInvalidQuery) {
		t.Errorf("err = %v, want ErrInvalidQuery", err)
	}
}

func TestOpenUnknownBackend(t *testing.T) {
	_, err := Open(Config{Backend: "leveldb", DataDir: t.TempDir()})
	if !errors.Is(err, ErrUnknownBackend) {
		t.Errorf("err = %v, want ErrUnknownBackend", err)
	}
}

func TestOpenSQLiteCreatesFileAndMigrates(t *testing.T) {
	dir := t.TempDir()
	db, err := OpenSQLite(dir, false)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "triples.db")); err != nil {
		t.Fatalf("database file not created: %v", err)
	}

	var journalMode string
	if err := db.read.QueryRow("PRAGMA journal_mode").Scan(&journalMode); err != nil {
		t.Fatalf("query journal_mode: %v", err)
	}
	if journalMode != "wal" {
		t.Errorf("journal_mode = %q, want %q", journalMode, "wal")
	}
	db.Close()

	// Reopening finds the migration already applied.
	db, err = OpenSQLite(dir, false)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer db.Close()
	var version int
	if err := db.read.QueryRow("SELECT MAX(version) FROM schema_migrations").Scan(&version); err != nil {
		t.Fatalf("query version: %v", err)
	}
	if version != 1 {
		t.Errorf("version = %d, want 1", version)
	}
}
