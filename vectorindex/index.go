// Package vectorindex persists chunk embeddings in a sqlite-vec database
// separate from the chunk store. Additions and removals are buffered in
// memory and written by an explicit Flush, so callers control when the
// index reaches disk relative to their own transactions.
package vectorindex

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"sync"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	_ "github.com/mattn/go-sqlite3"
)

func init() {
	sqlite_vec.Auto()
}

// FileName returns the index file name for a schema version.
func FileName(version int) string {
	return fmt.Sprintf("localdocs_vectors_v%d.db", version)
}

// Match is one KNN search hit.
type Match struct {
	ChunkID  int64
	Distance float64
}

// Index is a persistent KNN index keyed by chunk id.
type Index struct {
	db  *sql.DB
	dim int

	mu            sync.Mutex
	pendingAdd    map[int64][]float32
	pendingRemove map[int64]bool
}

// Open opens (or creates) the index file. Searches only see rows that have
// been flushed.
func Open(path string, dim int) (*Index, error) {
	if dim < 1 {
		return nil, fmt.Errorf("vectorindex: invalid dimension %d", dim)
	}
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=30000&_synchronous=FULL")
	if err != nil {
		return nil, fmt.Errorf("opening vector index: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging vector index: %w", err)
	}
	schema := fmt.Sprintf(`
		CREATE VIRTUAL TABLE IF NOT EXISTS vec_chunks USING vec0(
			chunk_id INTEGER PRIMARY KEY,
			embedding FLOAT[%d]
		)`, dim)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating vector schema: %w", err)
	}
	return &Index{
		db:            db,
		dim:           dim,
		pendingAdd:    make(map[int64][]float32),
		pendingRemove: make(map[int64]bool),
	}, nil
}

// Dim returns the embedding dimension the index was opened with.
func (ix *Index) Dim() int { return ix.dim }

// Add buffers an embedding for the chunk. It replaces any buffered add or
// remove for the same id.
func (ix *Index) Add(chunkID int64, vector []float32) error {
	if len(vector) != ix.dim {
		return fmt.Errorf("vectorindex: vector has dimension %d, index expects %d", len(vector), ix.dim)
	}
	ix.mu.Lock()
	defer ix.mu.Unlock()
	delete(ix.pendingRemove, chunkID)
	ix.pendingAdd[chunkID] = vector
	return nil
}

// Remove buffers deletion of the chunk's embedding. A buffered add for the
// same id is dropped.
func (ix *Index) Remove(chunkID int64) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	delete(ix.pendingAdd, chunkID)
	ix.pendingRemove[chunkID] = true
}

// Pending reports how many buffered operations await a Flush.
func (ix *Index) Pending() int {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return len(ix.pendingAdd) + len(ix.pendingRemove)
}

// Flush writes all buffered operations in one transaction. On success the
// buffers are empty; on failure they are retained for a retry.
func (ix *Index) Flush(ctx context.Context) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if len(ix.pendingAdd) == 0 && len(ix.pendingRemove) == 0 {
		return nil
	}

	tx, err := ix.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	for id := range ix.pendingRemove {
		if _, err := tx.ExecContext(ctx, "DELETE FROM vec_chunks WHERE chunk_id = ?", id); err != nil {
			tx.Rollback()
			return fmt.Errorf("removing chunk %d: %w", id, err)
		}
	}
	for id, vec := range ix.pendingAdd {
		if _, err := tx.ExecContext(ctx,
			"INSERT OR REPLACE INTO vec_chunks (chunk_id, embedding) VALUES (?, ?)",
			id, serializeFloat32(vec)); err != nil {
			tx.Rollback()
			return fmt.Errorf("adding chunk %d: %w", id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	ix.pendingAdd = make(map[int64][]float32)
	ix.pendingRemove = make(map[int64]bool)
	return nil
}

// Search returns the k nearest flushed chunks, closest first.
func (ix *Index) Search(ctx context.Context, query []float32, k int) ([]Match, error) {
	if len(query) != ix.dim {
		return nil, fmt.Errorf("vectorindex: query has dimension %d, index expects %d", len(query), ix.dim)
	}
	rows, err := ix.db.QueryContext(ctx, `
		SELECT chunk_id, distance
		FROM vec_chunks
		WHERE embedding MATCH ? AND k = ?
		ORDER BY distance
	`, serializeFloat32(query), k)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var matches []Match
	for rows.Next() {
		var m Match
		if err := rows.Scan(&m.ChunkID, &m.Distance); err != nil {
			return nil, err
		}
		matches = append(matches, m)
	}
	return matches, rows.Err()
}

// Count returns the number of flushed embeddings.
func (ix *Index) Count(ctx context.Context) (int, error) {
	var n int
	err := ix.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM vec_chunks").Scan(&n)
	return n, err
}

// Close closes the index file. Buffered operations are discarded.
func (ix *Index) Close() error {
	return ix.db.Close()
}

// serializeFloat32 converts a float32 slice to little-endian bytes for sqlite-vec.
func serializeFloat32(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}
