// Package namespace holds process-wide state shared by every worker of one
// deployment. Each namespace is a JSON-compatible record with its own
// exclusive lock; the SQLite and Redis stores make both visible across OS
// processes on the same node.
package namespace

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
)

// ErrNotFound is returned by Get and Lock for a namespace that was never initialized.
var ErrNotFound = errors.New("namespace not initialized")

// Record is the value stored under a namespace. Values must survive a JSON
// round trip: numbers come back as float64, lists as []any.
type Record map[string]any

// Store is the contract every namespace backend implements.
type Store interface {
	// Initialize creates namespace with a copy of defaults (or an empty record)
	// if it does not exist yet. Concurrent calls produce exactly one record.
	Initialize(ctx context.Context, namespace string, defaults Record) error

	// Get returns a snapshot of the current record.
	Get(ctx context.Context, namespace string) (Record, error)

	// Lock blocks until this caller holds the namespace exclusively. The guard
	// must be released with Unlock (persist) or Discard (drop changes).
	Lock(ctx context.Context, namespace string) (*Guard, error)

	Close() error
}

// Guard is an exclusive hold on one namespace. Mutations made through Record
// become visible to other holders only after Unlock.
type Guard struct {
	namespace string
	record    Record
	commit    func(Record) error
	abort     func() error

	once sync.Once
	err  error
}

func newGuard(namespace string, record Record, commit func(Record) error, abort func() error) *Guard {
	return &Guard{namespace: namespace, record: record, commit: commit, abort: abort}
}

// Namespace returns the name of the held namespace.
func (g *Guard) Namespace() string { return g.namespace }

// Record returns the mutable record held under the lock.
func (g *Guard) Record() Record { return g.record }

// Unlock persists the record and releases the lock. Calling Unlock or Discard
// again is a no-op.
func (g *Guard) Unlock() error {
	g.once.Do(func() {
		g.err = g.commit(g.record)
	})
	return g.err
}

// Discard releases the lock without persisting changes. It is safe to defer
// Discard and call Unlock on the success path.
func (g *Guard) Discard() error {
	g.once.Do(func() {
		g.err = g.abort()
	})
	return g.err
}

// Open returns the store selected by kind: "sqlite", "memory" or "redis".
func Open(ctx context.Context, kind, workingDir, redisURL string) (Store, error) {
	switch kind {
	case "", "sqlite":
		return NewSQLiteStore(filepath.Join(workingDir, "shared_namespace.db"))
	case "memory":
		return NewMemoryStore(), nil
	case "redis":
		return NewRedisStore(ctx, redisURL, "lightrag:ns:")
	default:
		return nil, fmt.Errorf("unknown namespace store %q (supported: sqlite, memory, redis)", kind)
	}
}

func cloneRecord(r Record) Record {
	if r == nil {
		return Record{}
	}
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case Record:
		return cloneRecord(t)
	case map[string]any:
		return map[string]any(cloneRecord(t))
	case []any:
		out := make([]any, len(t))
		for i := range t {
			out[i] = cloneValue(t[i])
		}
		return out
	case []string:
		return append([]string(nil), t...)
	default:
		return v
	}
}
