package namespace

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mattn/go-sqlite3"
)

const (
	busyTimeout = 30 * time.Second
	// lockAttemptTimeout bounds one BEGIN IMMEDIATE attempt. SQLite's busy
	// handler does not observe interrupts, so Lock retries in slices this long
	// and checks ctx in between.
	lockAttemptTimeout = 100 * time.Millisecond
)

// SQLiteStore keeps namespaces in a SQLite file inside the working directory.
// Locks are write transactions started with BEGIN IMMEDIATE, which SQLite
// makes exclusive across every process that opens the same file.
type SQLiteStore struct {
	db *sql.DB
	// sem queues goroutines of this process so they wait here instead of
	// spinning in SQLite's busy handler.
	sem chan struct{}
}

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create namespace store directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_busy_timeout=%d&_journal_mode=WAL&_txlock=immediate", path, busyTimeout.Milliseconds())
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open namespace store: %w", err)
	}
	if err = db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping namespace store: %w", err)
	}

	store := &SQLiteStore{db: db, sem: make(chan struct{}, 1)}
	if err = store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize namespace schema: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
    CREATE TABLE IF NOT EXISTS namespaces (
        name TEXT PRIMARY KEY,
        data TEXT NOT NULL,
        updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
    );
    `
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteStore) Initialize(ctx context.Context, namespace string, defaults Record) error {
	data, err := json.Marshal(cloneRecord(defaults))
	if err != nil {
		return fmt.Errorf("failed to marshal defaults for %s: %w", namespace, err)
	}
	_, err = s.db.ExecContext(ctx, "INSERT OR IGNORE INTO namespaces (name, data) VALUES (?, ?)", namespace, string(data))
	if err != nil {
		return fmt.Errorf("failed to initialize namespace %s: %w", namespace, err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, namespace string) (Record, error) {
	var data string
	err := s.db.QueryRowContext(ctx, "SELECT data FROM namespaces WHERE name = ?", namespace).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read namespace %s: %w", namespace, err)
	}
	return decodeRecord(data)
}

func (s *SQLiteStore) Lock(ctx context.Context, namespace string) (*Guard, error) {
	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	conn, err := s.begin(ctx)
	if err != nil {
		<-s.sem
		return nil, fmt.Errorf("failed to lock namespace %s: %w", namespace, err)
	}
	// The held lock outlives ctx: statements below run on the connection
	// with a background context and end with COMMIT or ROLLBACK.
	bg := context.Background()
	release := func() {
		if _, err := conn.ExecContext(bg, "ROLLBACK"); err != nil && !isNoTransaction(err) {
			// a connection stuck in a transaction must not go back to the pool
			conn.Raw(func(any) error { return driver.ErrBadConn })
		}
		conn.Close()
		<-s.sem
	}

	var data string
	err = conn.QueryRowContext(bg, "SELECT data FROM namespaces WHERE name = ?", namespace).Scan(&data)
	if err != nil {
		release()
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read namespace %s: %w", namespace, err)
	}
	record, err := decodeRecord(data)
	if err != nil {
		release()
		return nil, err
	}

	commit := func(r Record) error {
		encoded, err := json.Marshal(r)
		if err != nil {
			release()
			return fmt.Errorf("failed to marshal namespace %s: %w", namespace, err)
		}
		if _, err := conn.ExecContext(bg, "UPDATE namespaces SET data = ?, updated_at = CURRENT_TIMESTAMP WHERE name = ?", string(encoded), namespace); err != nil {
			release()
			return fmt.Errorf("failed to write namespace %s: %w", namespace, err)
		}
		if _, err := conn.ExecContext(bg, "COMMIT"); err != nil {
			release()
			return fmt.Errorf("failed to commit namespace %s: %w", namespace, err)
		}
		conn.Close()
		<-s.sem
		return nil
	}
	abort := func() error {
		release()
		return nil
	}
	return newGuard(namespace, record, commit, abort), nil
}

// begin takes a pooled connection and opens a write transaction on it,
// retrying while another process holds the write lock until ctx is done.
func (s *SQLiteStore) begin(ctx context.Context) (*sql.Conn, error) {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return nil, err
	}
	setBusy := func(d time.Duration) error {
		_, err := conn.ExecContext(context.Background(), fmt.Sprintf("PRAGMA busy_timeout = %d", d.Milliseconds()))
		return err
	}
	if err := setBusy(lockAttemptTimeout); err != nil {
		conn.Close()
		return nil, err
	}

	for {
		_, err = conn.ExecContext(ctx, "BEGIN IMMEDIATE")
		if err == nil || !isBusy(err) {
			break
		}
		if ctx.Err() != nil {
			err = ctx.Err()
			break
		}
	}
	if err == nil && ctx.Err() != nil {
		// acquired just as ctx expired; the caller gave up already
		conn.ExecContext(context.Background(), "ROLLBACK")
		err = ctx.Err()
	}

	if restoreErr := setBusy(busyTimeout); restoreErr != nil && err == nil {
		conn.ExecContext(context.Background(), "ROLLBACK")
		err = restoreErr
	}
	if err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

func isBusy(err error) bool {
	var se sqlite3.Error
	return errors.As(err, &se) && (se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked)
}

func isNoTransaction(err error) bool {
	var se sqlite3.Error
	return errors.As(err, &se) && se.Code == sqlite3.ErrError
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func decodeRecord(data string) (Record, error) {
	record := Record{}
	if data == "" {
		return record, nil
	}
	if err := json.Unmarshal([]byte(data), &record); err != nil {
		return nil, fmt.Errorf("failed to decode namespace record: %w", err)
	}
	return record, nil
}
