package localdocs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/brunobiangulo/localdocs/embedding"
	"github.com/brunobiangulo/localdocs/store"
)

// AddFolder registers a folder under a collection and starts indexing it.
// The collection is created if needed; re-adding an existing pairing just
// triggers a rescan.
func (d *Database) AddFolder(ctx context.Context, collection, path, embeddingModel string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	fi, err := os.Stat(abs)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrFolderNotFound, abs)
	}
	if !fi.IsDir() {
		return fmt.Errorf("%w: %s is not a directory", ErrFolderNotFound, abs)
	}

	return d.call(ctx, func() error {
		collectionID, err := d.store.AddCollection(ctx, collection, embeddingModel)
		if err != nil {
			return err
		}
		folderID, err := d.store.AddFolder(ctx, abs)
		if err != nil {
			return err
		}
		added, err := d.store.AddCollectionFolder(ctx, collectionID, folderID)
		if err != nil {
			return err
		}
		st := d.statusFor(collection, folderID)
		st.FolderPath = abs
		st.EmbeddingModel = embeddingModel
		st.Error = ""
		if added {
			d.emit(Event{Kind: EventCollectionAdded, Collection: collection, FolderID: folderID})
		}
		d.scanFolder(ctx, folderID, abs)
		return nil
	})
}

// RemoveFolder unlinks a folder from a collection. Documents and chunks are
// removed only when no other collection still references the folder; empty
// collections are pruned.
func (d *Database) RemoveFolder(ctx context.Context, collection, path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	return d.call(ctx, func() error {
		folderID, err := d.store.FolderIDByPath(ctx, abs)
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrFolderNotFound, abs)
		}
		if err != nil {
			return err
		}
		items, err := d.store.CollectionsByName(ctx, collection)
		if err != nil {
			return err
		}
		var collectionID int64 = -1
		for _, it := range items {
			if it.FolderID == folderID {
				collectionID = it.CollectionID
			}
		}
		if collectionID < 0 {
			return fmt.Errorf("%w: %s", ErrCollectionNotFound, collection)
		}

		d.queue.purge(folderID)

		tx, err := d.store.Begin(ctx)
		if err != nil {
			return err
		}
		var removed []int64
		folderGone := false
		err = func() error {
			if err := tx.RemoveCollectionFolder(ctx, collectionID, folderID); err != nil {
				return err
			}
			refs, err := tx.FolderReferenceCount(ctx, folderID)
			if err != nil {
				return err
			}
			if refs == 0 {
				docs, err := tx.DocumentsByFolder(ctx, folderID)
				if err != nil {
					return err
				}
				for _, doc := range docs {
					ids, err := tx.ChunkIDsByDocument(ctx, doc.ID)
					if err != nil {
						return err
					}
					removed = append(removed, ids...)
					if err := tx.RemoveChunksByDocument(ctx, doc.ID); err != nil {
						return err
					}
					if err := tx.RemoveDocument(ctx, doc.ID); err != nil {
						return err
					}
				}
				if err := tx.RemoveFolder(ctx, folderID); err != nil {
					return err
				}
				folderGone = true
			}
			_, err = tx.PruneCollections(ctx)
			return err
		}()
		if err != nil {
			tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}

		for _, id := range removed {
			d.index.Remove(id)
		}
		if err := d.index.Flush(ctx); err != nil {
			slog.Error("remove folder: flushing vector removals", "error", err)
		}

		delete(d.status, statusKey{collection, folderID})
		if folderGone {
			d.unwatchTree(abs)
		}
		d.emit(Event{Kind: EventFolderRemoved, Collection: collection, FolderID: folderID})
		slog.Info("folder removed", "collection", collection, "folder", abs,
			"chunks_removed", len(removed))
		return nil
	})
}

// ForceIndexing assigns an embedding model to a collection and rescans all
// of its folders. This is how carried-over or halted collections are
// brought back to life.
func (d *Database) ForceIndexing(ctx context.Context, collection, embeddingModel string) error {
	return d.call(ctx, func() error {
		if err := d.store.SetCollectionEmbeddingModel(ctx, collection, embeddingModel); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("%w: %s", ErrCollectionNotFound, collection)
			}
			return err
		}
		items, err := d.store.CollectionsByName(ctx, collection)
		if err != nil {
			return err
		}
		folders := make(map[int64]bool, len(items))
		for _, it := range items {
			st := d.statusFor(collection, it.FolderID)
			st.EmbeddingModel = embeddingModel
			st.ForceIndexing = false
			st.Error = ""
			folders[it.FolderID] = true
			d.scanFolder(ctx, it.FolderID, it.FolderPath)
		}
		// Chunks stored before a halt are still pending; resubmit them.
		return d.scheduleUncompletedEmbeddings(ctx, folders)
	})
}

// ChangeChunkSize purges every indexed chunk and re-indexes all folders
// with the new character budget.
func (d *Database) ChangeChunkSize(ctx context.Context, chunkSize int) error {
	if chunkSize < 1 {
		return fmt.Errorf("%w: chunk size %d", ErrInvalidConfig, chunkSize)
	}
	return d.call(ctx, func() error {
		if chunkSize == d.chunkSize {
			return nil
		}
		tx, err := d.store.Begin(ctx)
		if err != nil {
			return err
		}
		removed, err := tx.RemoveAllDocuments(ctx)
		if err != nil {
			tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		for _, id := range removed {
			d.index.Remove(id)
		}
		if err := d.index.Flush(ctx); err != nil {
			slog.Error("chunk size change: flushing vector removals", "error", err)
		}

		d.chunkSize = chunkSize
		slog.Info("chunk size changed, re-indexing everything", "chunk_size", chunkSize)
		return d.rescanAll(ctx)
	})
}

// ChangeFileExtensions updates the indexable extension set, removes
// documents that no longer qualify, and rescans for newly covered files.
func (d *Database) ChangeFileExtensions(ctx context.Context, extensions []string) error {
	if len(extensions) == 0 {
		return fmt.Errorf("%w: empty extension list", ErrInvalidConfig)
	}
	return d.call(ctx, func() error {
		d.extensions = extensionSet(extensions)

		tx, err := d.store.Begin(ctx)
		if err != nil {
			return err
		}
		var removed []int64
		err = func() error {
			docs, err := tx.AllDocuments(ctx)
			if err != nil {
				return err
			}
			for _, doc := range docs {
				ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(doc.Path), "."))
				if d.extensions[ext] {
					continue
				}
				ids, err := tx.ChunkIDsByDocument(ctx, doc.ID)
				if err != nil {
					return err
				}
				removed = append(removed, ids...)
				if err := tx.RemoveChunksByDocument(ctx, doc.ID); err != nil {
					return err
				}
				if err := tx.RemoveDocument(ctx, doc.ID); err != nil {
					return err
				}
			}
			return nil
		}()
		if err != nil {
			tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		for _, id := range removed {
			d.index.Remove(id)
		}
		if err := d.index.Flush(ctx); err != nil {
			slog.Error("extension change: flushing vector removals", "error", err)
		}
		return d.rescanAll(ctx)
	})
}

// rescanAll queues a scan of every registered folder. Core goroutine only.
func (d *Database) rescanAll(ctx context.Context) error {
	items, err := d.store.Collections(ctx)
	if err != nil {
		return err
	}
	seen := make(map[int64]bool)
	for _, it := range items {
		if it.ForceIndexing || seen[it.FolderID] {
			continue
		}
		seen[it.FolderID] = true
		d.scanFolder(ctx, it.FolderID, it.FolderPath)
	}
	return nil
}

// addCurrentFolders restores watches and scans for every stored pairing at
// startup. Force-indexing pairings stay idle until ForceIndexing is called.
func (d *Database) addCurrentFolders(ctx context.Context) error {
	items, err := d.store.Collections(ctx)
	if err != nil {
		return err
	}
	seen := make(map[int64]bool)
	for _, it := range items {
		st := d.statusFor(it.Name, it.FolderID)
		st.FolderPath = it.FolderPath
		st.EmbeddingModel = it.EmbeddingModel
		st.ForceIndexing = it.ForceIndexing
		if it.ForceIndexing || seen[it.FolderID] {
			continue
		}
		seen[it.FolderID] = true
		d.scanFolder(ctx, it.FolderID, it.FolderPath)
	}
	return nil
}

// scheduleUncompletedEmbeddings re-submits chunks whose embeddings never
// completed, typically after a crash between chunking and embedding. A nil
// folder set means every folder; a non-nil set restricts resubmission to
// those folders.
func (d *Database) scheduleUncompletedEmbeddings(ctx context.Context, folders map[int64]bool) error {
	cands, err := d.store.EmbeddingCandidates(ctx)
	if err != nil {
		return err
	}

	var chunks []embedding.Chunk
	perFolder := make(map[int64]int)
	for _, c := range cands {
		if folders != nil && !folders[c.FolderID] {
			continue
		}
		chunks = append(chunks, embedding.Chunk{ID: c.ChunkID, FolderID: c.FolderID, Text: c.Text})
		perFolder[c.FolderID]++
	}
	if len(chunks) == 0 {
		return nil
	}
	for folderID, n := range perFolder {
		for _, st := range d.statusesForFolder(folderID) {
			st.CurrentEmbeddings += n
			st.TotalEmbeddings += n
			st.Indexing = true
		}
	}
	d.dispatcher.Submit(chunks)
	slog.Info("rescheduled pending embeddings", "chunks", len(chunks))
	return nil
}

// clean removes folders and documents whose paths no longer exist on disk.
func (d *Database) clean(ctx context.Context) error {
	tx, err := d.store.Begin(ctx)
	if err != nil {
		return err
	}
	var removed []int64
	var goneFolders []string
	err = func() error {
		folders, err := tx.AllFolders(ctx)
		if err != nil {
			return err
		}
		goneFolderIDs := make(map[int64]bool)
		for id, path := range folders {
			if fi, err := os.Stat(path); err == nil && fi.IsDir() {
				continue
			}
			goneFolderIDs[id] = true
			goneFolders = append(goneFolders, path)
		}

		docs, err := tx.AllDocuments(ctx)
		if err != nil {
			return err
		}
		for _, doc := range docs {
			_, statErr := os.Stat(doc.Path)
			ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(doc.Path), "."))
			if statErr == nil && d.extensions[ext] && !goneFolderIDs[doc.FolderID] {
				continue
			}
			ids, err := tx.ChunkIDsByDocument(ctx, doc.ID)
			if err != nil {
				return err
			}
			removed = append(removed, ids...)
			if err := tx.RemoveChunksByDocument(ctx, doc.ID); err != nil {
				return err
			}
			if err := tx.RemoveDocument(ctx, doc.ID); err != nil {
				return err
			}
		}

		for id := range goneFolderIDs {
			collections, err := tx.CollectionIDsForFolder(ctx, id)
			if err != nil {
				return err
			}
			for _, cid := range collections {
				if err := tx.RemoveCollectionFolder(ctx, cid, id); err != nil {
					return err
				}
			}
			if err := tx.RemoveFolder(ctx, id); err != nil {
				return err
			}
		}
		_, err = tx.PruneCollections(ctx)
		return err
	}()
	if err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	for _, id := range removed {
		d.index.Remove(id)
	}
	if err := d.index.Flush(ctx); err != nil {
		slog.Error("clean: flushing vector removals", "error", err)
	}
	if len(removed) > 0 || len(goneFolders) > 0 {
		slog.Info("clean pass complete", "chunks_removed", len(removed),
			"folders_removed", len(goneFolders))
	}
	return nil
}
