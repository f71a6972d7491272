// Package store persists collections, folders, documents and chunks in a
// versioned SQLite database. The companion vector index lives in its own
// file; chunks carry a has_embedding flag that is flipped only after the
// index has been flushed.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// ErrNotFound is returned when a looked-up row does not exist.
var ErrNotFound = errors.New("store: not found")

// CollectionItem is one collection-folder pairing, the unit the engine
// reports status for.
type CollectionItem struct {
	CollectionID   int64
	Name           string
	FolderID       int64
	FolderPath     string
	LastUpdate     int64 // unix milliseconds
	EmbeddingModel string
	// ForceIndexing marks collections carried over from an older schema
	// version; their chunks must be rebuilt before they are searchable.
	ForceIndexing bool
}

// Document is a file registered under a folder.
type Document struct {
	ID       int64
	FolderID int64
	Time     int64 // modification time, unix milliseconds
	Path     string
}

// Chunk is one indexed slice of a document.
type Chunk struct {
	ID         int64
	DocumentID int64
	Text       string
	File       string
	Title      string
	Author     string
	Subject    string
	Keywords   string
	Page       int
	LineFrom   int
	LineTo     int
	Words      int
	Tokens     int
}

// RetrievedChunk is a chunk joined with its document and collection,
// as returned to retrieval callers.
type RetrievedChunk struct {
	ChunkID      int64
	Text         string
	File         string
	Title        string
	Author       string
	DocumentTime int64
	Page         int
	LineFrom     int
	LineTo       int
	Collection   string
}

// EmbeddingCandidate is a chunk awaiting embedding generation.
type EmbeddingCandidate struct {
	ChunkID  int64
	FolderID int64
	Text     string
}

// CollectionStats aggregates per-collection document and chunk counts.
type CollectionStats struct {
	Documents int64
	Words     int64
	Tokens    int64
}

// Store wraps the SQLite database holding all chunk metadata.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens (or creates) the current-version database under dir. When the
// current file does not exist but an older version does, its collections are
// carried over and re-registered for forced re-indexing; the old file is
// left untouched.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating storage directory: %w", err)
	}

	path := filepath.Join(dir, FileName(Version))
	var legacy []legacyCollection
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		legacy, err = extractLegacyCollections(dir)
		if err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=30000")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	s := &Store{db: db, path: path}

	for _, lc := range legacy {
		if err := s.registerLegacy(context.Background(), lc); err != nil {
			db.Close()
			return nil, fmt.Errorf("carrying over collection %q: %w", lc.Name, err)
		}
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error { return s.db.Close() }

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

// --- Collection and folder operations ---

const collectionColumns = `
	c.id, c.name, ci.folder_id, f.folder_path,
	COALESCE(c.last_update_time, 0), COALESCE(c.embedding_model, '')`

func scanCollectionItems(rows *sql.Rows) ([]CollectionItem, error) {
	var items []CollectionItem
	for rows.Next() {
		var it CollectionItem
		if err := rows.Scan(&it.CollectionID, &it.Name, &it.FolderID, &it.FolderPath,
			&it.LastUpdate, &it.EmbeddingModel); err != nil {
			return nil, err
		}
		it.ForceIndexing = it.EmbeddingModel == ""
		items = append(items, it)
	}
	return items, rows.Err()
}

// Collections returns every collection-folder pairing.
func (s *Store) Collections(ctx context.Context) ([]CollectionItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+collectionColumns+`
		FROM collections c
		JOIN collection_items ci ON ci.collection_id = c.id
		JOIN folders f ON f.id = ci.folder_id
		ORDER BY c.name, f.folder_path
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanCollectionItems(rows)
}

// CollectionsByName returns the folder pairings of a single collection.
func (s *Store) CollectionsByName(ctx context.Context, name string) ([]CollectionItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+collectionColumns+`
		FROM collections c
		JOIN collection_items ci ON ci.collection_id = c.id
		JOIN folders f ON f.id = ci.folder_id
		WHERE c.name = ?
		ORDER BY f.folder_path
	`, name)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanCollectionItems(rows)
}

// AddCollection inserts the collection if it does not exist and returns its
// id. An empty embeddingModel stores NULL, which marks the collection as
// needing forced indexing; re-adding with a model updates the stored one so
// the database never disagrees with the caller.
func (s *Store) AddCollection(ctx context.Context, name, embeddingModel string) (int64, error) {
	var model any
	if embeddingModel != "" {
		model = embeddingModel
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO collections (name, last_update_time, embedding_model)
		VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			embedding_model = COALESCE(excluded.embedding_model, collections.embedding_model)
	`, name, time.Now().UnixMilli(), model)
	if err != nil {
		return 0, err
	}
	var id int64
	if err := s.db.QueryRowContext(ctx, "SELECT id FROM collections WHERE name = ?", name).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

// SetCollectionEmbeddingModel records the model a collection is embedded
// with, clearing any force-indexing mark.
func (s *Store) SetCollectionEmbeddingModel(ctx context.Context, name, model string) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE collections SET embedding_model = ? WHERE name = ?", model, name)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// AddFolder inserts the folder path if it does not exist and returns its id.
func (s *Store) AddFolder(ctx context.Context, path string) (int64, error) {
	if _, err := s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO folders (folder_path) VALUES (?)", path); err != nil {
		return 0, err
	}
	return s.FolderIDByPath(ctx, path)
}

// FolderIDByPath looks up a folder id, returning ErrNotFound if the path is
// not registered.
func (s *Store) FolderIDByPath(ctx context.Context, path string) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx,
		"SELECT id FROM folders WHERE folder_path = ?", path).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, err
	}
	return id, nil
}

// AddCollectionFolder links a folder into a collection. It reports whether
// the link was newly created.
func (s *Store) AddCollectionFolder(ctx context.Context, collectionID, folderID int64) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO collection_items (collection_id, folder_id) VALUES (?, ?)",
		collectionID, folderID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// --- Embedding bookkeeping ---

// EmbeddingCandidates returns all chunks that do not yet have an embedding,
// grouped by folder for batch submission.
func (s *Store) EmbeddingCandidates(ctx context.Context) ([]EmbeddingCandidate, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT ch.id, d.folder_id, ch.chunk_text
		FROM chunks ch
		JOIN documents d ON d.id = ch.document_id
		WHERE ch.has_embedding = 0
		ORDER BY d.folder_id, ch.id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []EmbeddingCandidate
	for rows.Next() {
		var c EmbeddingCandidate
		if err := rows.Scan(&c.ChunkID, &c.FolderID, &c.Text); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ChunkExists reports whether the chunk row is still present. Embedding
// results for chunks deleted mid-flight are dropped.
func (s *Store) ChunkExists(ctx context.Context, id int64) (bool, error) {
	var n int
	if err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM chunks WHERE id = ?", id).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

// MarkChunksEmbedded flips has_embedding for all ids in one transaction.
// Callers must have flushed the vector index first.
func (s *Store) MarkChunksEmbedded(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, "UPDATE chunks SET has_embedding = 1 WHERE id = ?")
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, id := range ids {
			if _, err := stmt.ExecContext(ctx, id); err != nil {
				return err
			}
		}
		return nil
	})
}

// PendingChunkCount returns the number of chunks in the folder still
// awaiting embeddings.
func (s *Store) PendingChunkCount(ctx context.Context, folderID int64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM chunks ch
		JOIN documents d ON d.id = ch.document_id
		WHERE d.folder_id = ? AND ch.has_embedding = 0
	`, folderID).Scan(&n)
	return n, err
}

// --- Retrieval ---

// ChunksByIDs returns the chunks, joined with document and collection data,
// restricted to the named collections. Results come back in the order of
// ids; ids filtered out by the collection restriction are skipped.
func (s *Store) ChunksByIDs(ctx context.Context, ids []int64, collections []string) ([]RetrievedChunk, error) {
	if len(ids) == 0 || len(collections) == 0 {
		return nil, nil
	}

	query := `
		SELECT ch.id, ch.chunk_text, ch.file,
			COALESCE(ch.title, ''), COALESCE(ch.author, ''),
			d.document_time, COALESCE(ch.page, -1),
			COALESCE(ch.line_from, -1), COALESCE(ch.line_to, -1),
			c.name
		FROM chunks ch
		JOIN documents d ON d.id = ch.document_id
		JOIN collection_items ci ON ci.folder_id = d.folder_id
		JOIN collections c ON c.id = ci.collection_id
		WHERE ch.id IN (?` + repeatPlaceholders(len(ids)-1) + `)
		AND c.name IN (?` + repeatPlaceholders(len(collections)-1) + `)`

	args := make([]any, 0, len(ids)+len(collections))
	for _, id := range ids {
		args = append(args, id)
	}
	for _, name := range collections {
		args = append(args, name)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	byID := make(map[int64]RetrievedChunk)
	for rows.Next() {
		var r RetrievedChunk
		if err := rows.Scan(&r.ChunkID, &r.Text, &r.File, &r.Title, &r.Author,
			&r.DocumentTime, &r.Page, &r.LineFrom, &r.LineTo, &r.Collection); err != nil {
			return nil, err
		}
		if _, ok := byID[r.ChunkID]; !ok {
			byID[r.ChunkID] = r
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]RetrievedChunk, 0, len(byID))
	for _, id := range ids {
		if r, ok := byID[id]; ok {
			out = append(out, r)
		}
	}
	return out, nil
}

// CollectionStats recomputes document, word and token totals for a
// collection.
func (s *Store) CollectionStats(ctx context.Context, collectionID int64) (CollectionStats, error) {
	var st CollectionStats
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(DISTINCT d.id), COALESCE(SUM(ch.words), 0), COALESCE(SUM(ch.tokens), 0)
		FROM collection_items ci
		JOIN documents d ON d.folder_id = ci.folder_id
		LEFT JOIN chunks ch ON ch.document_id = d.id
		WHERE ci.collection_id = ?
	`, collectionID).Scan(&st.Documents, &st.Words, &st.Tokens)
	return st, err
}

// --- helpers ---

func (s *Store) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func repeatPlaceholders(n int) string {
	s := ""
	for i := 0; i < n; i++ {
		s += ", ?"
	}
	return s
}
