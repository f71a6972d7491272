package embedding

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// Chunk is one unit of text submitted for embedding.
type Chunk struct {
	ID       int64
	FolderID int64
	Text     string
}

// Result is one generated embedding, correlated back to its chunk.
type Result struct {
	ChunkID  int64
	FolderID int64
	Vector   []float32
}

// BatchError reports that a batch failed, attributed to a folder so the
// engine can halt that folder's indexing.
type BatchError struct {
	FolderID int64
	Err      error
}

type queryRequest struct {
	text  string
	reply chan queryReply
}

type queryReply struct {
	vector []float32
	err    error
}

// Dispatcher owns the goroutine that talks to the embedding provider. Chunk
// batches queue up behind it; retrieval queries jump the queue so a long
// indexing backlog never delays a search.
type Dispatcher struct {
	provider  Provider
	batchSize int

	mu    sync.Mutex
	queue [][]Chunk

	wake    chan struct{}
	queryCh chan queryRequest
	results chan []Result
	errs    chan BatchError

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewDispatcher starts a dispatcher over the provider. Batches are capped at
// batchSize chunks per provider request.
func NewDispatcher(provider Provider, batchSize int) *Dispatcher {
	if batchSize < 1 {
		batchSize = 100
	}
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		provider:  provider,
		batchSize: batchSize,
		wake:      make(chan struct{}, 1),
		queryCh:   make(chan queryRequest),
		results:   make(chan []Result, 16),
		errs:      make(chan BatchError, 16),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	go d.run()
	return d
}

// Submit queues chunks for embedding. It never blocks; results and failures
// arrive later on Results and Errors.
func (d *Dispatcher) Submit(chunks []Chunk) {
	if len(chunks) == 0 {
		return
	}
	d.mu.Lock()
	for len(chunks) > d.batchSize {
		d.queue = append(d.queue, chunks[:d.batchSize])
		chunks = chunks[d.batchSize:]
	}
	d.queue = append(d.queue, chunks)
	d.mu.Unlock()
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// EmbedQuery embeds a single retrieval query, blocking the caller until the
// dispatcher gets to it. Queued batches are preempted but an in-flight
// provider request is not.
func (d *Dispatcher) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	req := queryRequest{text: text, reply: make(chan queryReply, 1)}
	select {
	case d.queryCh <- req:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-d.ctx.Done():
		return nil, d.ctx.Err()
	}
	select {
	case rep := <-req.reply:
		return rep.vector, rep.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Results delivers embeddings for submitted batches.
func (d *Dispatcher) Results() <-chan []Result { return d.results }

// Errors delivers per-folder batch failures.
func (d *Dispatcher) Errors() <-chan BatchError { return d.errs }

// Close stops the dispatcher and waits for its goroutine to exit. Queued
// batches are discarded.
func (d *Dispatcher) Close() {
	d.cancel()
	<-d.done
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for {
		select {
		case q := <-d.queryCh:
			d.handleQuery(q)
		case <-d.wake:
			d.drain()
		case <-d.ctx.Done():
			return
		}
	}
}

// drain processes queued batches, yielding to queries between batches.
func (d *Dispatcher) drain() {
	for {
		select {
		case q := <-d.queryCh:
			d.handleQuery(q)
			continue
		case <-d.ctx.Done():
			return
		default:
		}

		d.mu.Lock()
		if len(d.queue) == 0 {
			d.mu.Unlock()
			return
		}
		batch := d.queue[0]
		d.queue = d.queue[1:]
		d.mu.Unlock()

		d.process(batch)
	}
}

func (d *Dispatcher) handleQuery(q queryRequest) {
	vectors, err := d.provider.Embed(d.ctx, []string{q.text})
	if err != nil {
		q.reply <- queryReply{err: err}
		return
	}
	if len(vectors) != 1 {
		q.reply <- queryReply{err: fmt.Errorf("embedding: provider returned %d vectors for one query", len(vectors))}
		return
	}
	q.reply <- queryReply{vector: vectors[0]}
}

func (d *Dispatcher) process(batch []Chunk) {
	batchID := uuid.NewString()
	texts := make([]string, len(batch))
	for i, c := range batch {
		texts[i] = c.Text
	}

	vectors, err := d.provider.Embed(d.ctx, texts)
	if err == nil && len(vectors) != len(batch) {
		err = fmt.Errorf("embedding: provider returned %d vectors for %d chunks", len(vectors), len(batch))
	}
	if err != nil {
		slog.Warn("embedding: batch failed", "batch_id", batchID, "chunks", len(batch), "error", err)
		for _, folderID := range distinctFolders(batch) {
			select {
			case d.errs <- BatchError{FolderID: folderID, Err: err}:
			case <-d.ctx.Done():
				return
			}
		}
		return
	}

	results := make([]Result, len(batch))
	for i, c := range batch {
		results[i] = Result{ChunkID: c.ID, FolderID: c.FolderID, Vector: vectors[i]}
	}
	slog.Debug("embedding: batch complete", "batch_id", batchID, "chunks", len(batch))
	select {
	case d.results <- results:
	case <-d.ctx.Done():
	}
}

func distinctFolders(batch []Chunk) []int64 {
	seen := make(map[int64]bool)
	var out []int64
	for _, c := range batch {
		if !seen[c.FolderID] {
			seen[c.FolderID] = true
			out = append(out, c.FolderID)
		}
	}
	return out
}
