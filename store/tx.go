package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// Tx is an explicit transaction over the scan path. The scanner batches
// many document updates into one transaction and commits on its own clock.
type Tx struct {
	tx *sql.Tx
}

// Begin starts a transaction.
func (s *Store) Begin(ctx context.Context) (*Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &Tx{tx: tx}, nil
}

func (t *Tx) Commit() error   { return t.tx.Commit() }
func (t *Tx) Rollback() error { return t.tx.Rollback() }

// TouchCollectionsForFolder refreshes last_update_time for every collection
// containing the folder.
func (t *Tx) TouchCollectionsForFolder(ctx context.Context, folderID int64) error {
	_, err := t.tx.ExecContext(ctx, `
		UPDATE collections SET last_update_time = ?
		WHERE id IN (SELECT collection_id FROM collection_items WHERE folder_id = ?)
	`, time.Now().UnixMilli(), folderID)
	return err
}

// DocumentByPath looks up a document by path, returning ErrNotFound if it is
// not registered.
func (t *Tx) DocumentByPath(ctx context.Context, path string) (Document, error) {
	var d Document
	err := t.tx.QueryRowContext(ctx, `
		SELECT id, folder_id, document_time, document_path
		FROM documents WHERE document_path = ?
	`, path).Scan(&d.ID, &d.FolderID, &d.Time, &d.Path)
	if errors.Is(err, sql.ErrNoRows) {
		return Document{}, ErrNotFound
	}
	if err != nil {
		return Document{}, err
	}
	return d, nil
}

// AddDocument registers a document and returns its id.
func (t *Tx) AddDocument(ctx context.Context, folderID, docTime int64, path string) (int64, error) {
	res, err := t.tx.ExecContext(ctx,
		"INSERT INTO documents (folder_id, document_time, document_path) VALUES (?, ?, ?)",
		folderID, docTime, path)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// UpdateDocumentTime records a new modification time for the document.
func (t *Tx) UpdateDocumentTime(ctx context.Context, id, docTime int64) error {
	_, err := t.tx.ExecContext(ctx,
		"UPDATE documents SET document_time = ? WHERE id = ?", docTime, id)
	return err
}

// RemoveDocument deletes the document row. Its chunks must be removed first.
func (t *Tx) RemoveDocument(ctx context.Context, id int64) error {
	_, err := t.tx.ExecContext(ctx, "DELETE FROM documents WHERE id = ?", id)
	return err
}

// DocumentsByFolder returns the documents registered under a folder.
func (t *Tx) DocumentsByFolder(ctx context.Context, folderID int64) ([]Document, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT id, folder_id, document_time, document_path
		FROM documents WHERE folder_id = ?
	`, folderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanDocuments(rows)
}

// AllDocuments returns every registered document, joined with its folder
// path for existence checks during the clean pass.
func (t *Tx) AllDocuments(ctx context.Context) ([]Document, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT id, folder_id, document_time, document_path FROM documents
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanDocuments(rows)
}

func scanDocuments(rows *sql.Rows) ([]Document, error) {
	var docs []Document
	for rows.Next() {
		var d Document
		if err := rows.Scan(&d.ID, &d.FolderID, &d.Time, &d.Path); err != nil {
			return nil, err
		}
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

// AllFolders returns every folder row, for the clean pass.
func (t *Tx) AllFolders(ctx context.Context) (map[int64]string, error) {
	rows, err := t.tx.QueryContext(ctx, "SELECT id, folder_path FROM folders")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	folders := make(map[int64]string)
	for rows.Next() {
		var id int64
		var path string
		if err := rows.Scan(&id, &path); err != nil {
			return nil, err
		}
		folders[id] = path
	}
	return folders, rows.Err()
}

// ChunkIDsByDocument returns the chunk ids of a document, for removal from
// the vector index after the transaction commits.
func (t *Tx) ChunkIDsByDocument(ctx context.Context, docID int64) ([]int64, error) {
	rows, err := t.tx.QueryContext(ctx,
		"SELECT id FROM chunks WHERE document_id = ?", docID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// RemoveChunksByDocument deletes all chunks of a document.
func (t *Tx) RemoveChunksByDocument(ctx context.Context, docID int64) error {
	_, err := t.tx.ExecContext(ctx, "DELETE FROM chunks WHERE document_id = ?", docID)
	return err
}

// AddChunk inserts a chunk with has_embedding = 0 and returns its id.
func (t *Tx) AddChunk(ctx context.Context, c Chunk) (int64, error) {
	res, err := t.tx.ExecContext(ctx, `
		INSERT INTO chunks (document_id, chunk_text, file, title, author, subject,
			keywords, page, line_from, line_to, words, tokens, has_embedding)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)
	`, c.DocumentID, c.Text, c.File, c.Title, c.Author, c.Subject,
		c.Keywords, c.Page, c.LineFrom, c.LineTo, c.Words, c.Tokens)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// CollectionIDsForFolder returns the collections a folder belongs to.
func (t *Tx) CollectionIDsForFolder(ctx context.Context, folderID int64) ([]int64, error) {
	rows, err := t.tx.QueryContext(ctx,
		"SELECT collection_id FROM collection_items WHERE folder_id = ?", folderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// FolderReferenceCount reports how many collections still reference the
// folder.
func (t *Tx) FolderReferenceCount(ctx context.Context, folderID int64) (int, error) {
	var n int
	err := t.tx.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM collection_items WHERE folder_id = ?", folderID).Scan(&n)
	return n, err
}

// RemoveCollectionFolder unlinks a folder from a collection.
func (t *Tx) RemoveCollectionFolder(ctx context.Context, collectionID, folderID int64) error {
	_, err := t.tx.ExecContext(ctx,
		"DELETE FROM collection_items WHERE collection_id = ? AND folder_id = ?",
		collectionID, folderID)
	return err
}

// RemoveFolder deletes the folder row. Documents under it must already be
// gone.
func (t *Tx) RemoveFolder(ctx context.Context, folderID int64) error {
	_, err := t.tx.ExecContext(ctx, "DELETE FROM folders WHERE id = ?", folderID)
	return err
}

// PruneCollections deletes collections that no longer contain any folder,
// returning their names.
func (t *Tx) PruneCollections(ctx context.Context) ([]string, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT name FROM collections
		WHERE id NOT IN (SELECT DISTINCT collection_id FROM collection_items)
	`)
	if err != nil {
		return nil, err
	}
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return nil, err
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	if len(names) == 0 {
		return nil, nil
	}
	_, err = t.tx.ExecContext(ctx, `
		DELETE FROM collections
		WHERE id NOT IN (SELECT DISTINCT collection_id FROM collection_items)
	`)
	return names, err
}

// RemoveAllDocuments purges every document and chunk, returning the chunk
// ids for vector index removal. Used when the chunk size changes.
func (t *Tx) RemoveAllDocuments(ctx context.Context) ([]int64, error) {
	rows, err := t.tx.QueryContext(ctx, "SELECT id FROM chunks")
	if err != nil {
		return nil, err
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	if _, err := t.tx.ExecContext(ctx, "DELETE FROM chunks"); err != nil {
		return nil, err
	}
	if _, err := t.tx.ExecContext(ctx, "DELETE FROM documents"); err != nil {
		return nil, err
	}
	return ids, nil
}
