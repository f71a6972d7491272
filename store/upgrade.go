package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// legacyCollection is a collection-folder pairing extracted from an older
// schema version. Only the pairing survives an upgrade; chunks and
// embeddings are rebuilt from scratch.
type legacyCollection struct {
	Name       string
	FolderPath string
}

// extractLegacyCollections probes older database files, newest first, and
// reads the collection pairings out of the first one found. The old file is
// opened read-only and never modified.
func extractLegacyCollections(dir string) ([]legacyCollection, error) {
	for v := Version - 1; v >= MinVersion; v-- {
		path := filepath.Join(dir, FileName(v))
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			continue
		}
		slog.Info("store: found older database, carrying collections over",
			"version", v, "path", path)
		items, err := readLegacy(path, v)
		if err != nil {
			return nil, fmt.Errorf("reading v%d database: %w", v, err)
		}
		return items, nil
	}
	return nil, nil
}

func readLegacy(path string, version int) ([]legacyCollection, error) {
	db, err := sql.Open("sqlite3", path+"?mode=ro")
	if err != nil {
		return nil, err
	}
	defer db.Close()

	var query string
	switch version {
	case 1:
		// v1 kept the folder reference on the collection row itself.
		query = `
			SELECT c.collection_name, f.folder_path
			FROM collections c JOIN folders f ON c.folder_id = f.id`
	default:
		query = `
			SELECT c.name, f.folder_path
			FROM collections c
			JOIN collection_items ci ON ci.collection_id = c.id
			JOIN folders f ON f.id = ci.folder_id`
	}

	rows, err := db.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []legacyCollection
	for rows.Next() {
		var lc legacyCollection
		if err := rows.Scan(&lc.Name, &lc.FolderPath); err != nil {
			return nil, err
		}
		items = append(items, lc)
	}
	return items, rows.Err()
}

// registerLegacy re-creates a carried-over pairing in the new database with
// a NULL embedding model, which forces a full re-index.
func (s *Store) registerLegacy(ctx context.Context, lc legacyCollection) error {
	collectionID, err := s.AddCollection(ctx, lc.Name, "")
	if err != nil {
		return err
	}
	folderID, err := s.AddFolder(ctx, lc.FolderPath)
	if err != nil {
		return err
	}
	_, err = s.AddCollectionFolder(ctx, collectionID, folderID)
	return err
}
