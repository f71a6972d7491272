package localdocs

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/brunobiangulo/localdocs/chunker"
	"github.com/brunobiangulo/localdocs/embedding"
	"github.com/brunobiangulo/localdocs/parser"
	"github.com/brunobiangulo/localdocs/store"
)

// maxChunksPerSlice caps how many text chunks one scan slice produces for a
// single document before it yields and requeues itself.
const maxChunksPerSlice = 100

// docToScan is one queued document, carrying enough state to resume a
// partially indexed file.
type docToScan struct {
	folderID   int64
	path       string
	size       int64
	documentID int64

	currentPage     int   // next page for paged formats
	currentPosition int64 // byte offset past the last stored chunk, text formats
	bytesPerPage    int64

	// currentlyProcessing marks a document requeued mid-file; its store row
	// is already up to date.
	currentlyProcessing bool
}

// scanQueue holds per-folder FIFO queues. Documents are drained from the
// lowest folder id first so one huge folder cannot starve the others
// forever once it is done.
type scanQueue struct {
	byFolder map[int64][]docToScan
}

func (q *scanQueue) empty() bool { return !q.any() }

func (q *scanQueue) any() bool {
	for _, docs := range q.byFolder {
		if len(docs) > 0 {
			return true
		}
	}
	return false
}

func (q *scanQueue) push(doc docToScan) {
	if q.byFolder == nil {
		q.byFolder = make(map[int64][]docToScan)
	}
	q.byFolder[doc.folderID] = append(q.byFolder[doc.folderID], doc)
}

func (q *scanQueue) pushFront(doc docToScan) {
	if q.byFolder == nil {
		q.byFolder = make(map[int64][]docToScan)
	}
	q.byFolder[doc.folderID] = append([]docToScan{doc}, q.byFolder[doc.folderID]...)
}

func (q *scanQueue) pop() (docToScan, bool) {
	var minID int64
	found := false
	for id, docs := range q.byFolder {
		if len(docs) == 0 {
			continue
		}
		if !found || id < minID {
			minID = id
			found = true
		}
	}
	if !found {
		return docToScan{}, false
	}
	docs := q.byFolder[minID]
	doc := docs[0]
	if len(docs) == 1 {
		delete(q.byFolder, minID)
	} else {
		q.byFolder[minID] = docs[1:]
	}
	return doc, true
}

func (q *scanQueue) remove(folderID int64, path string) {
	docs := q.byFolder[folderID]
	kept := docs[:0]
	for _, doc := range docs {
		if doc.path != path {
			kept = append(kept, doc)
		}
	}
	if len(kept) == 0 {
		delete(q.byFolder, folderID)
	} else {
		q.byFolder[folderID] = kept
	}
}

func (q *scanQueue) purge(folderID int64) int {
	n := len(q.byFolder[folderID])
	delete(q.byFolder, folderID)
	return n
}

func (q *scanQueue) folderLen(folderID int64) int {
	return len(q.byFolder[folderID])
}

// scanBatch accumulates side effects that must wait for the transaction to
// commit: vector index removals and embedding submissions.
type scanBatch struct {
	removed     []int64
	submissions []embedding.Chunk
	touched     map[int64]bool
	processed   []docToScan

	// Counter decrements applied during the batch, replayed in reverse if
	// the transaction rolls back.
	finishedDocs    map[int64]int
	progressedBytes map[int64]int64
}

// scanQueueBatch drains the scan queue inside one transaction until the
// wall-clock budget runs out, then commits and applies the deferred index
// and dispatcher work.
func (d *Database) scanQueueBatch(ctx context.Context) {
	tx, err := d.store.Begin(ctx)
	if err != nil {
		slog.Error("scan: starting transaction", "error", err)
		return
	}

	b := &scanBatch{
		touched:         make(map[int64]bool),
		finishedDocs:    make(map[int64]int),
		progressedBytes: make(map[int64]int64),
	}
	deadline := time.Now().Add(d.cfg.ScanBatchBudget)
	for d.queue.any() && time.Now().Before(deadline) {
		if err := d.scanDocument(ctx, tx, b); err != nil {
			tx.Rollback()
			d.requeueFailedBatch(b)
			slog.Error("scan: batch failed", "error", err)
			return
		}
	}
	if err := tx.Commit(); err != nil {
		slog.Error("scan: commit failed", "error", err)
		return
	}

	for _, id := range b.removed {
		d.index.Remove(id)
	}
	if err := d.index.Flush(ctx); err != nil {
		slog.Error("scan: flushing vector removals", "error", err)
	}

	if len(b.submissions) > 0 {
		perFolder := make(map[int64]int)
		for _, c := range b.submissions {
			perFolder[c.FolderID]++
		}
		for folderID, n := range perFolder {
			for _, st := range d.statusesForFolder(folderID) {
				st.CurrentEmbeddings += n
				st.TotalEmbeddings += n
				st.Indexing = true
			}
		}
		d.dispatcher.Submit(b.submissions)
	}

	for folderID := range b.touched {
		d.refreshStats(ctx, folderID)
		d.emitStatusChanged(folderID)
	}
}

// requeueFailedBatch restores the queue and the progress counters after a
// rolled-back batch. Each document is requeued with the state it had when
// the batch first popped it, which reflects the last committed slice; the
// rolled-back slice's chunks are exactly what gets redone. A mid-file
// document may still sit in the queue from a requeue, so it is removed
// first.
func (d *Database) requeueFailedBatch(b *scanBatch) {
	seen := make(map[string]bool)
	for _, doc := range b.processed {
		if seen[doc.path] {
			continue
		}
		seen[doc.path] = true
		d.queue.remove(doc.folderID, doc.path)
		d.queue.push(doc)
	}

	for folderID, n := range b.finishedDocs {
		for _, st := range d.statusesForFolder(folderID) {
			st.CurrentDocsToIndex += n
			if st.TotalDocsToIndex < st.CurrentDocsToIndex {
				st.TotalDocsToIndex = st.CurrentDocsToIndex
			}
			st.Indexing = true
		}
	}
	for folderID, n := range b.progressedBytes {
		for _, st := range d.statusesForFolder(folderID) {
			st.CurrentBytesToIndex += n
			if st.TotalBytesToIndex < st.CurrentBytesToIndex {
				st.TotalBytesToIndex = st.CurrentBytesToIndex
			}
		}
	}
}

// scanDocument processes the next queued document inside the batch
// transaction. Store errors abort the batch; per-document problems are
// logged and skipped.
func (d *Database) scanDocument(ctx context.Context, tx *store.Tx, b *scanBatch) error {
	doc, ok := d.queue.pop()
	if !ok {
		return nil
	}
	b.processed = append(b.processed, doc)
	b.touched[doc.folderID] = true

	fi, err := os.Stat(doc.path)
	if err != nil {
		// The file disappeared between discovery and scan.
		return d.dropDocument(ctx, tx, b, doc)
	}
	mtime := fi.ModTime().UnixMilli()

	if !doc.currentlyProcessing {
		existing, err := tx.DocumentByPath(ctx, doc.path)
		switch {
		case err == nil && existing.Time == mtime:
			// Already indexed and unchanged.
			d.finishDocument(b, doc)
			return nil
		case err == nil:
			ids, err := tx.ChunkIDsByDocument(ctx, existing.ID)
			if err != nil {
				return err
			}
			b.removed = append(b.removed, ids...)
			if err := tx.RemoveChunksByDocument(ctx, existing.ID); err != nil {
				return err
			}
			if err := tx.UpdateDocumentTime(ctx, existing.ID, mtime); err != nil {
				return err
			}
			doc.documentID = existing.ID
		case errors.Is(err, store.ErrNotFound):
			id, err := tx.AddDocument(ctx, doc.folderID, mtime, doc.path)
			if err != nil {
				return err
			}
			doc.documentID = id
		default:
			return err
		}
		if err := tx.TouchCollectionsForFolder(ctx, doc.folderID); err != nil {
			return err
		}
	}

	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(doc.path), "."))
	if parser.IsPaged(ext) {
		return d.scanPagedDocument(ctx, tx, b, doc)
	}
	return d.scanTextDocument(ctx, tx, b, doc)
}

// scanPagedDocument indexes exactly one page per slice, so chunks never span
// a page boundary and large files cannot hog the transaction.
func (d *Database) scanPagedDocument(ctx context.Context, tx *store.Tx, b *scanBatch, doc docToScan) error {
	pd, err := parser.OpenPaged(doc.path)
	if err != nil {
		slog.Warn("scan: opening document", "path", doc.path, "error", err)
		d.finishDocument(b, doc)
		return nil
	}
	defer pd.Close()

	n := pd.NumPages()
	if n == 0 || doc.currentPage >= n {
		d.finishDocument(b, doc)
		return nil
	}
	if doc.bytesPerPage == 0 {
		doc.bytesPerPage = doc.size / int64(n)
	}

	pageText, err := pd.PageText(doc.currentPage)
	if err != nil {
		slog.Warn("scan: extracting page", "path", doc.path, "page", doc.currentPage, "error", err)
		pageText = ""
	}

	meta := pd.Metadata()
	file := filepath.Base(doc.path)
	var subs []embedding.Chunk
	stream := chunker.NewStream(strings.NewReader(pageText), d.chunkSize)
	for {
		c, err := stream.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			slog.Warn("scan: chunking page", "path", doc.path, "page", doc.currentPage, "error", err)
			break
		}
		id, err := tx.AddChunk(ctx, store.Chunk{
			DocumentID: doc.documentID,
			Text:       c.Text,
			File:       file,
			Title:      meta.Title,
			Author:     meta.Author,
			Subject:    meta.Subject,
			Keywords:   meta.Keywords,
			Page:       doc.currentPage + 1,
			LineFrom:   -1,
			LineTo:     -1,
			Words:      c.Words,
			Tokens:     len(c.Text) / 4,
		})
		if err != nil {
			return err
		}
		subs = append(subs, embedding.Chunk{ID: id, FolderID: doc.folderID, Text: c.Text})
	}
	b.submissions = append(b.submissions, subs...)

	d.progressBytes(b, doc.folderID, doc.bytesPerPage)
	doc.currentPage++
	if doc.currentPage < n {
		doc.currentlyProcessing = true
		d.queue.pushFront(doc)
		return nil
	}
	d.finishDocument(b, doc)
	return nil
}

// scanTextDocument indexes up to maxChunksPerSlice chunks, resuming from
// the stored byte offset on the next slice.
func (d *Database) scanTextDocument(ctx context.Context, tx *store.Tx, b *scanBatch, doc docToScan) error {
	r, err := parser.OpenText(doc.path, doc.currentPosition)
	if err != nil {
		slog.Warn("scan: opening document", "path", doc.path, "error", err)
		d.finishDocument(b, doc)
		return nil
	}
	defer r.Close()

	file := filepath.Base(doc.path)
	stream := chunker.NewStream(r, d.chunkSize)
	var subs []embedding.Chunk
	count := 0
	finished := false
	for count < maxChunksPerSlice {
		c, err := stream.Next()
		if err == io.EOF {
			finished = true
			break
		}
		if errors.Is(err, chunker.ErrBinaryContent) {
			slog.Info("scan: skipping binary file", "path", doc.path)
			return d.unindexDocument(ctx, tx, b, doc)
		}
		if err != nil {
			slog.Warn("scan: reading document", "path", doc.path, "error", err)
			finished = true
			break
		}
		id, err := tx.AddChunk(ctx, store.Chunk{
			DocumentID: doc.documentID,
			Text:       c.Text,
			File:       file,
			Page:       -1,
			LineFrom:   -1,
			LineTo:     -1,
			Words:      c.Words,
			Tokens:     len(c.Text) / 4,
		})
		if err != nil {
			return err
		}
		subs = append(subs, embedding.Chunk{ID: id, FolderID: doc.folderID, Text: c.Text})
		count++
	}
	b.submissions = append(b.submissions, subs...)

	d.progressBytes(b, doc.folderID, stream.Pos())
	if !finished {
		doc.currentPosition += stream.Pos()
		doc.currentlyProcessing = true
		d.queue.pushFront(doc)
		return nil
	}
	d.finishDocument(b, doc)
	return nil
}

// unindexDocument purges a document's chunks but keeps the row at its
// current mtime, so the file is treated like an empty one and not re-read
// until it changes again.
func (d *Database) unindexDocument(ctx context.Context, tx *store.Tx, b *scanBatch, doc docToScan) error {
	ids, err := tx.ChunkIDsByDocument(ctx, doc.documentID)
	if err != nil {
		return err
	}
	b.removed = append(b.removed, ids...)
	if err := tx.RemoveChunksByDocument(ctx, doc.documentID); err != nil {
		return err
	}
	d.finishDocument(b, doc)
	return nil
}

// dropDocument removes a document row and its chunks, queueing the chunk
// ids for vector index removal.
func (d *Database) dropDocument(ctx context.Context, tx *store.Tx, b *scanBatch, doc docToScan) error {
	existing, err := tx.DocumentByPath(ctx, doc.path)
	if errors.Is(err, store.ErrNotFound) {
		d.finishDocument(b, doc)
		return nil
	}
	if err != nil {
		return err
	}
	ids, err := tx.ChunkIDsByDocument(ctx, existing.ID)
	if err != nil {
		return err
	}
	b.removed = append(b.removed, ids...)
	if err := tx.RemoveChunksByDocument(ctx, existing.ID); err != nil {
		return err
	}
	if err := tx.RemoveDocument(ctx, existing.ID); err != nil {
		return err
	}
	d.finishDocument(b, doc)
	return nil
}

// finishDocument updates progress counters when a document leaves the
// queue for good.
func (d *Database) finishDocument(b *scanBatch, doc docToScan) {
	b.finishedDocs[doc.folderID]++
	for _, st := range d.statusesForFolder(doc.folderID) {
		if st.CurrentDocsToIndex > 0 {
			st.CurrentDocsToIndex--
		}
		if d.queue.folderLen(doc.folderID) == 0 && st.CurrentDocsToIndex == 0 {
			st.TotalDocsToIndex = 0
			st.CurrentBytesToIndex = 0
			st.TotalBytesToIndex = 0
			if st.CurrentEmbeddings == 0 {
				st.Indexing = false
			}
		}
	}
}

func (d *Database) progressBytes(b *scanBatch, folderID, n int64) {
	b.progressedBytes[folderID] += n
	for _, st := range d.statusesForFolder(folderID) {
		st.CurrentBytesToIndex -= n
		if st.CurrentBytesToIndex < 0 {
			st.CurrentBytesToIndex = 0
		}
	}
}

// handleEmbeddings applies a completed batch: embeddings reach the vector
// index and are flushed to disk before has_embedding flips, so a crash can
// only leave chunks marked pending, never falsely complete.
func (d *Database) handleEmbeddings(ctx context.Context, results []embedding.Result) {
	var added []int64
	folders := make(map[int64]int)
	for _, r := range results {
		exists, err := d.store.ChunkExists(ctx, r.ChunkID)
		if err != nil {
			slog.Error("embeddings: checking chunk", "chunk_id", r.ChunkID, "error", err)
			continue
		}
		if !exists {
			// Deleted while the embedding was in flight.
			continue
		}
		if err := d.index.Add(r.ChunkID, r.Vector); err != nil {
			slog.Error("embeddings: adding to index", "chunk_id", r.ChunkID, "error", err)
			continue
		}
		added = append(added, r.ChunkID)
		folders[r.FolderID]++
	}

	if len(added) > 0 {
		if err := d.index.Flush(ctx); err != nil {
			// Chunks stay marked pending and are rescheduled on the next
			// startup.
			slog.Error("embeddings: flushing index", "error", err)
			return
		}
		if err := d.store.MarkChunksEmbedded(ctx, added); err != nil {
			slog.Error("embeddings: marking chunks", "error", err)
		}
	}

	for folderID, n := range folders {
		for _, st := range d.statusesForFolder(folderID) {
			st.CurrentEmbeddings -= n
			if st.CurrentEmbeddings <= 0 {
				st.CurrentEmbeddings = 0
				st.TotalEmbeddings = 0
				if d.queue.folderLen(folderID) == 0 && st.CurrentDocsToIndex == 0 {
					st.Indexing = false
				}
			}
		}
		d.refreshStats(ctx, folderID)
		d.emitStatusChanged(folderID)
	}
}

// handleEmbeddingError halts indexing for the folder until the user forces
// a re-index.
func (d *Database) handleEmbeddingError(be embedding.BatchError) {
	dropped := d.queue.purge(be.FolderID)
	slog.Error("embeddings: folder halted", "folder_id", be.FolderID,
		"dropped_docs", dropped, "error", be.Err)
	for _, st := range d.statusesForFolder(be.FolderID) {
		st.Error = ErrEmbeddingFailed.Error() + ": " + be.Err.Error()
		st.Indexing = false
		st.CurrentEmbeddings = 0
		st.CurrentDocsToIndex = 0
	}
	d.emitStatusChanged(be.FolderID)
}

// directoryChanged resolves a watcher event to its registered folder by
// walking up the directory tree, then reconciles deleted files and rescans
// that folder.
func (d *Database) directoryChanged(ctx context.Context, dir string) {
	path := dir
	for {
		folderID, err := d.store.FolderIDByPath(ctx, path)
		if err == nil {
			if err := d.clean(ctx); err != nil {
				slog.Error("watch: clean pass", "error", err)
			}
			d.refreshStats(ctx, folderID)
			d.emitStatusChanged(folderID)
			d.scanFolder(ctx, folderID, path)
			return
		}
		if !errors.Is(err, store.ErrNotFound) {
			slog.Error("watch: resolving folder", "path", path, "error", err)
			return
		}
		parent := filepath.Dir(path)
		if parent == path {
			return
		}
		path = parent
	}
}

// scanFolder walks a registered folder, watching subdirectories and
// queueing every file with an indexable extension. Unchanged documents are
// filtered out cheaply during the scan itself.
func (d *Database) scanFolder(ctx context.Context, folderID int64, folderPath string) {
	var queued int
	var bytes int64
	err := filepath.WalkDir(folderPath, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			slog.Warn("scan: walking folder", "path", path, "error", err)
			return nil
		}
		if entry.IsDir() {
			d.watchDir(path)
			return nil
		}
		ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(path), "."))
		if !d.extensions[ext] {
			return nil
		}
		info, err := entry.Info()
		if err != nil {
			return nil
		}
		d.queue.push(docToScan{folderID: folderID, path: path, size: info.Size()})
		queued++
		bytes += info.Size()
		return nil
	})
	if err != nil {
		slog.Error("scan: folder walk failed", "folder", folderPath, "error", err)
	}
	if queued == 0 {
		return
	}
	for _, st := range d.statusesForFolder(folderID) {
		st.CurrentDocsToIndex += queued
		st.TotalDocsToIndex += queued
		st.CurrentBytesToIndex += bytes
		st.TotalBytesToIndex += bytes
		st.Indexing = true
	}
	d.emitStatusChanged(folderID)
	slog.Info("scan: folder queued", "folder", folderPath, "documents", queued)
}

func (d *Database) watchDir(path string) {
	if d.watched[path] {
		return
	}
	if err := d.watcher.Add(path); err != nil {
		slog.Warn("watch: adding directory", "path", path, "error", err)
		return
	}
	d.watched[path] = true
}

// unwatchTree stops watching a folder and everything under it.
func (d *Database) unwatchTree(root string) {
	prefix := root + string(filepath.Separator)
	for path := range d.watched {
		if path == root || strings.HasPrefix(path, prefix) {
			d.watcher.Remove(path)
			delete(d.watched, path)
		}
	}
}

// refreshStats recomputes collection statistics for every collection the
// folder belongs to.
func (d *Database) refreshStats(ctx context.Context, folderID int64) {
	items, err := d.store.Collections(ctx)
	if err != nil {
		slog.Error("stats: listing collections", "error", err)
		return
	}
	for _, it := range items {
		if it.FolderID != folderID {
			continue
		}
		stats, err := d.store.CollectionStats(ctx, it.CollectionID)
		if err != nil {
			slog.Error("stats: computing", "collection", it.Name, "error", err)
			continue
		}
		st := d.statusFor(it.Name, folderID)
		st.TotalDocs = stats.Documents
		st.TotalWords = stats.Words
		st.TotalTokens = stats.Tokens
	}
}
