package rag

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
	"go.uber.org/zap"
)

// storage keeps documents, chunk embeddings and the LLM response cache in one
// SQLite file under the working directory. Every worker opens the same file.
type storage struct {
	db  *sql.DB
	log *zap.Logger
}

func newStorage(path string, log *zap.Logger) (*storage, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=30000&_journal_mode=WAL&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err = db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &storage{db: db, log: log}
	if err = s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *storage) close() error {
	return s.db.Close()
}

func (s *storage) initSchema() error {
	schema := `
    CREATE TABLE IF NOT EXISTS documents (
        id TEXT PRIMARY KEY, -- UUID
        path TEXT UNIQUE NOT NULL,
        content_hash TEXT NOT NULL,
        status TEXT NOT NULL CHECK (status IN ('pending', 'processed', 'failed')),
        chunks INTEGER DEFAULT 0,
        error TEXT,
        created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
        updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
    );

    CREATE TABLE IF NOT EXISTS chunks (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        doc_id TEXT NOT NULL,
        chunk_index INTEGER NOT NULL,
        content TEXT NOT NULL,
        embedding_json TEXT, -- Storing as JSON string of []float32
        FOREIGN KEY (doc_id) REFERENCES documents (id)
    );

    CREATE TABLE IF NOT EXISTS llm_cache (
        cache_key TEXT PRIMARY KEY,
        mode TEXT NOT NULL,
        response TEXT NOT NULL,
        created_at DATETIME DEFAULT CURRENT_TIMESTAMP
    );
    `
	_, err := s.db.Exec(schema)
	return err
}

func (s *storage) documentByPath(ctx context.Context, path string) (*Document, error) {
	var doc Document
	var errText sql.NullString
	err := s.db.QueryRowContext(ctx,
		"SELECT id, path, content_hash, status, chunks, error, created_at, updated_at FROM documents WHERE path = ?", path).
		Scan(&doc.ID, &doc.Path, &doc.ContentHash, &doc.Status, &doc.Chunks, &errText, &doc.CreatedAt, &doc.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // Not found
		}
		return nil, fmt.Errorf("failed to query document: %w", err)
	}
	doc.Error = errText.String
	return &doc, nil
}

func (s *storage) upsertDocument(ctx context.Context, doc *Document) error {
	now := time.Now()
	_, err := s.db.ExecContext(ctx, `
    INSERT INTO documents (id, path, content_hash, status, chunks, error, created_at, updated_at)
    VALUES (?, ?, ?, ?, ?, ?, ?, ?)
    ON CONFLICT(path) DO UPDATE SET
        content_hash = excluded.content_hash,
        status = excluded.status,
        chunks = excluded.chunks,
        error = excluded.error,
        updated_at = excluded.updated_at`,
		doc.ID, doc.Path, doc.ContentHash, doc.Status, doc.Chunks, nullString(doc.Error), now, now)
	if err != nil {
		return fmt.Errorf("failed to upsert document %s: %w", doc.Path, err)
	}
	doc.UpdatedAt = now
	return nil
}

// replaceChunks swaps all chunks of a document in one transaction.
func (s *storage) replaceChunks(ctx context.Context, docID string, chunks []Chunk) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin chunk transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM chunks WHERE doc_id = ?", docID); err != nil {
		return fmt.Errorf("failed to clear chunks: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, "INSERT INTO chunks (doc_id, chunk_index, content, embedding_json) VALUES (?, ?, ?, ?)")
	if err != nil {
		return fmt.Errorf("failed to prepare chunk insert: %w", err)
	}
	defer stmt.Close()

	for _, c := range chunks {
		embeddingBytes, err := json.Marshal(c.Embedding)
		if err != nil {
			return fmt.Errorf("failed to marshal embedding: %w", err)
		}
		if _, err := stmt.ExecContext(ctx, docID, c.Index, c.Content, string(embeddingBytes)); err != nil {
			return fmt.Errorf("failed to execute chunk insert: %w", err)
		}
	}
	return tx.Commit()
}

func (s *storage) allChunks(ctx context.Context) ([]Chunk, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id, doc_id, chunk_index, content, embedding_json FROM chunks ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("failed to query chunks: %w", err)
	}
	defer rows.Close()

	var chunks []Chunk
	for rows.Next() {
		var chunk Chunk
		var embeddingJSON sql.NullString
		if err := rows.Scan(&chunk.ID, &chunk.DocID, &chunk.Index, &chunk.Content, &embeddingJSON); err != nil {
			return nil, fmt.Errorf("failed to scan chunk row: %w", err)
		}
		if embeddingJSON.Valid && embeddingJSON.String != "" {
			if err := json.Unmarshal([]byte(embeddingJSON.String), &chunk.Embedding); err != nil {
				s.log.Warn("failed to unmarshal chunk embedding, skipping it", zap.Int64("chunk_id", chunk.ID), zap.Error(err))
				continue
			}
		}
		chunks = append(chunks, chunk)
	}
	return chunks, rows.Err()
}

// chunkVersion changes whenever chunks are added or replaced, so a worker can
// tell that another worker has indexed new documents.
func (s *storage) chunkVersion(ctx context.Context) (string, error) {
	var maxID, count int64
	err := s.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(id), 0), COUNT(*) FROM chunks").Scan(&maxID, &count)
	if err != nil {
		return "", fmt.Errorf("failed to read chunk version: %w", err)
	}
	return fmt.Sprintf("%d/%d", maxID, count), nil
}

func (s *storage) documentCounts(ctx context.Context) (map[DocStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT status, COUNT(*) FROM documents GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("failed to count documents: %w", err)
	}
	defer rows.Close()

	counts := map[DocStatus]int{}
	for rows.Next() {
		var status DocStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan document count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

func (s *storage) cachedResponse(ctx context.Context, key string) (string, bool, error) {
	var response string
	err := s.db.QueryRowContext(ctx, "SELECT response FROM llm_cache WHERE cache_key = ?", key).Scan(&response)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read llm cache: %w", err)
	}
	return response, true, nil
}

func (s *storage) storeResponse(ctx context.Context, key, mode, response string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO llm_cache (cache_key, mode, response) VALUES (?, ?, ?)", key, mode, response)
	if err != nil {
		return fmt.Errorf("failed to write llm cache: %w", err)
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
