//go:build cgo

package store

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// addFolderToCollection registers the pairing and returns (collectionID, folderID).
func addFolderToCollection(t *testing.T, s *Store, collection, folder string) (int64, int64) {
	t.Helper()
	ctx := context.Background()
	cid, err := s.AddCollection(ctx, collection, "test-embedder")
	if err != nil {
		t.Fatalf("AddCollection: %v", err)
	}
	fid, err := s.AddFolder(ctx, folder)
	if err != nil {
		t.Fatalf("AddFolder: %v", err)
	}
	if _, err := s.AddCollectionFolder(ctx, cid, fid); err != nil {
		t.Fatalf("AddCollectionFolder: %v", err)
	}
	return cid, fid
}

func addTestDocument(t *testing.T, s *Store, folderID int64, path string, texts []string) (int64, []int64) {
	t.Helper()
	ctx := context.Background()
	tx, err := s.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	docID, err := tx.AddDocument(ctx, folderID, time.Now().UnixMilli(), path)
	if err != nil {
		t.Fatalf("AddDocument: %v", err)
	}
	var chunkIDs []int64
	for _, text := range texts {
		id, err := tx.AddChunk(ctx, Chunk{
			DocumentID: docID,
			Text:       text,
			File:       filepath.Base(path),
			Page:       -1,
			LineFrom:   -1,
			LineTo:     -1,
			Words:      2,
			Tokens:     len(text) / 4,
		})
		if err != nil {
			t.Fatalf("AddChunk: %v", err)
		}
		chunkIDs = append(chunkIDs, id)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	return docID, chunkIDs
}

func TestCollectionsAndFolders(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	cid, fid := addFolderToCollection(t, s, "notes", "/home/u/notes")

	// Re-adding is idempotent.
	cid2, err := s.AddCollection(ctx, "notes", "test-embedder")
	if err != nil {
		t.Fatal(err)
	}
	if cid2 != cid {
		t.Errorf("second AddCollection id = %d, want %d", cid2, cid)
	}
	added, err := s.AddCollectionFolder(ctx, cid, fid)
	if err != nil {
		t.Fatal(err)
	}
	if added {
		t.Error("duplicate AddCollectionFolder reported added = true")
	}

	items, err := s.Collections(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 {
		t.Fatalf("collections = %d, want 1", len(items))
	}
	it := items[0]
	if it.Name != "notes" || it.FolderPath != "/home/u/notes" {
		t.Errorf("item = %+v", it)
	}
	if it.ForceIndexing {
		t.Error("collection with embedding model marked force-indexing")
	}
	if it.LastUpdate == 0 {
		t.Error("last_update_time not set on install")
	}
}

func TestAddCollectionUpdatesModel(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	addFolderToCollection(t, s, "notes", "/home/u/notes")

	// Re-adding with a different model records the new one.
	if _, err := s.AddCollection(ctx, "notes", "new-embedder"); err != nil {
		t.Fatal(err)
	}
	items, err := s.CollectionsByName(ctx, "notes")
	if err != nil {
		t.Fatal(err)
	}
	if items[0].EmbeddingModel != "new-embedder" {
		t.Errorf("model = %q, want %q", items[0].EmbeddingModel, "new-embedder")
	}

	// Re-adding without a model keeps the stored one.
	if _, err := s.AddCollection(ctx, "notes", ""); err != nil {
		t.Fatal(err)
	}
	items, err = s.CollectionsByName(ctx, "notes")
	if err != nil {
		t.Fatal(err)
	}
	if items[0].EmbeddingModel != "new-embedder" {
		t.Errorf("model after empty re-add = %q, want %q", items[0].EmbeddingModel, "new-embedder")
	}
	if items[0].ForceIndexing {
		t.Error("collection marked force-indexing despite stored model")
	}
}

func TestFolderIDByPathNotFound(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.FolderIDByPath(context.Background(), "/nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestDocumentLifecycle(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	_, fid := addFolderToCollection(t, s, "docs", "/data/docs")

	docID, chunkIDs := addTestDocument(t, s, fid, "/data/docs/a.txt",
		[]string{"alpha beta", "gamma delta"})

	tx, err := s.Begin(ctx)
	if err != nil {
		t.Fatal(err)
	}
	d, err := tx.DocumentByPath(ctx, "/data/docs/a.txt")
	if err != nil {
		t.Fatalf("DocumentByPath: %v", err)
	}
	if d.ID != docID || d.FolderID != fid {
		t.Errorf("document = %+v", d)
	}
	if _, err := tx.DocumentByPath(ctx, "/data/docs/missing.txt"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing document err = %v, want ErrNotFound", err)
	}

	gotIDs, err := tx.ChunkIDsByDocument(ctx, docID)
	if err != nil {
		t.Fatal(err)
	}
	if len(gotIDs) != len(chunkIDs) {
		t.Fatalf("chunk ids = %v, want %v", gotIDs, chunkIDs)
	}

	if err := tx.RemoveChunksByDocument(ctx, docID); err != nil {
		t.Fatal(err)
	}
	if err := tx.RemoveDocument(ctx, docID); err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}

	exists, err := s.ChunkExists(ctx, chunkIDs[0])
	if err != nil {
		t.Fatal(err)
	}
	if exists {
		t.Error("chunk survived document removal")
	}
}

func TestEmbeddingCandidatesAndMark(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	_, fid := addFolderToCollection(t, s, "docs", "/data/docs")
	_, chunkIDs := addTestDocument(t, s, fid, "/data/docs/a.txt",
		[]string{"one two", "three four", "five six"})

	cands, err := s.EmbeddingCandidates(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(cands) != 3 {
		t.Fatalf("candidates = %d, want 3", len(cands))
	}
	for _, c := range cands {
		if c.FolderID != fid {
			t.Errorf("candidate folder = %d, want %d", c.FolderID, fid)
		}
	}

	if err := s.MarkChunksEmbedded(ctx, chunkIDs[:2]); err != nil {
		t.Fatal(err)
	}
	cands, err = s.EmbeddingCandidates(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(cands) != 1 || cands[0].ChunkID != chunkIDs[2] {
		t.Fatalf("candidates after mark = %+v", cands)
	}

	n, err := s.PendingChunkCount(ctx, fid)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("pending = %d, want 1", n)
	}
}

func TestChunksByIDsFiltersByCollection(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	_, fidA := addFolderToCollection(t, s, "work", "/data/work")
	_, fidB := addFolderToCollection(t, s, "personal", "/data/personal")

	_, workChunks := addTestDocument(t, s, fidA, "/data/work/report.txt", []string{"quarterly numbers"})
	_, persChunks := addTestDocument(t, s, fidB, "/data/personal/diary.txt", []string{"dear diary"})

	ids := append(append([]int64{}, persChunks...), workChunks...)
	got, err := s.ChunksByIDs(ctx, ids, []string{"work"})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("chunks = %d, want 1", len(got))
	}
	if got[0].ChunkID != workChunks[0] || got[0].Collection != "work" {
		t.Errorf("chunk = %+v", got[0])
	}
	if got[0].File != "report.txt" {
		t.Errorf("file = %q", got[0].File)
	}

	// Order of ids is preserved.
	got, err = s.ChunksByIDs(ctx, ids, []string{"work", "personal"})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("chunks = %d, want 2", len(got))
	}
	if got[0].ChunkID != persChunks[0] || got[1].ChunkID != workChunks[0] {
		t.Errorf("order = [%d %d], want [%d %d]",
			got[0].ChunkID, got[1].ChunkID, persChunks[0], workChunks[0])
	}
}

func TestFolderRemovalSharedBetweenCollections(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	cidA, fid := addFolderToCollection(t, s, "alpha", "/data/shared")
	cidB, err := s.AddCollection(ctx, "beta", "test-embedder")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.AddCollectionFolder(ctx, cidB, fid); err != nil {
		t.Fatal(err)
	}
	_, chunkIDs := addTestDocument(t, s, fid, "/data/shared/a.txt", []string{"shared text"})

	// Unlinking from the first collection keeps documents intact.
	tx, err := s.Begin(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if err := tx.RemoveCollectionFolder(ctx, cidA, fid); err != nil {
		t.Fatal(err)
	}
	refs, err := tx.FolderReferenceCount(ctx, fid)
	if err != nil {
		t.Fatal(err)
	}
	if refs != 1 {
		t.Fatalf("refs = %d, want 1", refs)
	}
	if _, err := tx.PruneCollections(ctx); err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}

	exists, err := s.ChunkExists(ctx, chunkIDs[0])
	if err != nil {
		t.Fatal(err)
	}
	if !exists {
		t.Fatal("chunks removed while folder still referenced")
	}

	// Unlinking from the last collection removes documents, chunks, folder.
	tx, err = s.Begin(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if err := tx.RemoveCollectionFolder(ctx, cidB, fid); err != nil {
		t.Fatal(err)
	}
	refs, err = tx.FolderReferenceCount(ctx, fid)
	if err != nil {
		t.Fatal(err)
	}
	if refs != 0 {
		t.Fatalf("refs = %d, want 0", refs)
	}
	docs, err := tx.DocumentsByFolder(ctx, fid)
	if err != nil {
		t.Fatal(err)
	}
	for _, d := range docs {
		if err := tx.RemoveChunksByDocument(ctx, d.ID); err != nil {
			t.Fatal(err)
		}
		if err := tx.RemoveDocument(ctx, d.ID); err != nil {
			t.Fatal(err)
		}
	}
	if err := tx.RemoveFolder(ctx, fid); err != nil {
		t.Fatal(err)
	}
	pruned, err := tx.PruneCollections(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
	if len(pruned) != 2 {
		t.Errorf("pruned = %v, want both empty collections", pruned)
	}

	if _, err := s.FolderIDByPath(ctx, "/data/shared"); !errors.Is(err, ErrNotFound) {
		t.Errorf("folder still present after removal: %v", err)
	}
}

func TestCollectionStats(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	cid, fid := addFolderToCollection(t, s, "docs", "/data/docs")
	addTestDocument(t, s, fid, "/data/docs/a.txt", []string{"one two", "three four"})
	addTestDocument(t, s, fid, "/data/docs/b.txt", []string{"five six"})

	st, err := s.CollectionStats(ctx, cid)
	if err != nil {
		t.Fatal(err)
	}
	if st.Documents != 2 {
		t.Errorf("documents = %d, want 2", st.Documents)
	}
	if st.Words != 6 {
		t.Errorf("words = %d, want 6", st.Words)
	}
}

func TestOpenCarriesOverV1Collections(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	// Build a v1 database by hand.
	v1, err := sql.Open("sqlite3", filepath.Join(dir, FileName(1)))
	if err != nil {
		t.Fatal(err)
	}
	v1Schema := `
		CREATE TABLE collections (collection_name TEXT NOT NULL, folder_id INTEGER NOT NULL);
		CREATE TABLE folders (id INTEGER PRIMARY KEY, folder_path TEXT NOT NULL UNIQUE);
		INSERT INTO folders (id, folder_path) VALUES (1, '/old/notes');
		INSERT INTO collections (collection_name, folder_id) VALUES ('notes', 1);
	`
	if _, err := v1.Exec(v1Schema); err != nil {
		t.Fatal(err)
	}
	v1.Close()

	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	items, err := s.Collections(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 {
		t.Fatalf("collections = %d, want 1", len(items))
	}
	if items[0].Name != "notes" || items[0].FolderPath != "/old/notes" {
		t.Errorf("carried item = %+v", items[0])
	}
	if !items[0].ForceIndexing {
		t.Error("carried-over collection not marked for forced indexing")
	}

	// The old file is left in place.
	if _, err := sql.Open("sqlite3", filepath.Join(dir, FileName(1))); err != nil {
		t.Errorf("v1 file unusable after upgrade: %v", err)
	}
}
