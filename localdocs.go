// Package localdocs indexes local document folders into chunk and vector
// stores and retrieves the most relevant chunks for a query. One goroutine
// owns all mutable state; public methods post work to it and wait.
package localdocs

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/brunobiangulo/localdocs/embedding"
	"github.com/brunobiangulo/localdocs/store"
	"github.com/brunobiangulo/localdocs/vectorindex"
)

// Database is the LocalDocs engine.
type Database struct {
	cfg      Config
	provider embedding.Provider

	store      *store.Store
	index      *vectorindex.Index
	dispatcher *embedding.Dispatcher
	watcher    Watcher

	// Core-goroutine state. Nothing below is touched off the run loop
	// except during Start, before the loop exists.
	chunkSize  int
	extensions map[string]bool
	status     map[statusKey]*CollectionStatus
	queue      scanQueue
	watched    map[string]bool

	events   chan Event
	commands chan func()
	quit     chan struct{}
	done     chan struct{}

	mu      sync.Mutex
	started bool
	closed  bool
}

// New validates the configuration and prepares a database. Nothing touches
// disk until Start.
func New(cfg Config) (*Database, error) {
	cfg.applyDefaults()
	if cfg.ChunkSize < 1 {
		return nil, fmt.Errorf("%w: chunk size %d", ErrInvalidConfig, cfg.ChunkSize)
	}
	if cfg.EmbeddingDim < 1 {
		return nil, fmt.Errorf("%w: embedding dimension %d", ErrInvalidConfig, cfg.EmbeddingDim)
	}

	provider := cfg.Provider
	if provider == nil {
		var err error
		provider, err = embedding.NewProvider(cfg.Embedding)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
	}

	d := &Database{
		cfg:        cfg,
		provider:   provider,
		chunkSize:  cfg.ChunkSize,
		extensions: extensionSet(cfg.FileExtensions),
		status:     make(map[statusKey]*CollectionStatus),
		watched:    make(map[string]bool),
		events:     make(chan Event, cfg.EventBuffer),
		commands:   make(chan func()),
		quit:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	return d, nil
}

func extensionSet(exts []string) map[string]bool {
	set := make(map[string]bool, len(exts))
	for _, e := range exts {
		set[strings.ToLower(strings.TrimPrefix(e, "."))] = true
	}
	return set
}

// Start opens the stores, carries over collections from older database
// versions, removes entries whose files have disappeared, re-registers the
// current folders and begins watching and scanning. It blocks until the
// startup pass completes.
func (d *Database) Start() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrClosed
	}
	if d.started {
		d.mu.Unlock()
		return nil
	}
	d.mu.Unlock()

	s, err := store.Open(d.cfg.StorageRoot)
	if err != nil {
		return err
	}
	ix, err := vectorindex.Open(
		filepath.Join(d.cfg.StorageRoot, vectorindex.FileName(store.Version)),
		d.cfg.EmbeddingDim)
	if err != nil {
		s.Close()
		return err
	}

	watcher := d.cfg.Watcher
	if watcher == nil {
		watcher, err = newFSWatcher()
		if err != nil {
			ix.Close()
			s.Close()
			return err
		}
	}

	d.store = s
	d.index = ix
	d.watcher = watcher
	d.dispatcher = embedding.NewDispatcher(d.provider, d.cfg.BatchSize)

	// The run loop does not exist yet, so the startup pass has the state
	// to itself.
	ctx := context.Background()
	if err := d.clean(ctx); err != nil {
		slog.Error("startup clean failed", "error", err)
	}
	if err := d.addCurrentFolders(ctx); err != nil {
		slog.Error("startup folder registration failed", "error", err)
	}
	if err := d.scheduleUncompletedEmbeddings(ctx, nil); err != nil {
		slog.Error("startup embedding scheduling failed", "error", err)
	}

	d.mu.Lock()
	d.started = true
	d.mu.Unlock()

	go d.run()
	slog.Info("localdocs started", "storage_root", d.cfg.StorageRoot, "db", s.Path())
	return nil
}

// Close stops the run loop and closes the stores. Pending scan work is
// abandoned; it resumes on the next Start from persisted state.
func (d *Database) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	started := d.started
	d.mu.Unlock()

	if !started {
		return nil
	}

	close(d.quit)
	<-d.done
	d.dispatcher.Close()
	d.watcher.Close()
	if err := d.index.Close(); err != nil {
		slog.Warn("closing vector index", "error", err)
	}
	return d.store.Close()
}

// Events returns the engine's notification channel. Delivery is best
// effort; consumers that fall behind miss events, never block the engine.
func (d *Database) Events() <-chan Event { return d.events }

// Store exposes the chunk store for diagnostics.
func (d *Database) Store() *store.Store { return d.store }

// run is the core loop. It owns the scan queue, the status cache, the
// stores and the index.
func (d *Database) run() {
	defer close(d.done)
	for {
		var scanC <-chan time.Time
		if !d.queue.empty() {
			scanC = time.After(d.cfg.ScanInterval)
		}
		select {
		case fn := <-d.commands:
			fn()
		case <-scanC:
			d.scanQueueBatch(context.Background())
		case results := <-d.dispatcher.Results():
			d.handleEmbeddings(context.Background(), results)
		case be := <-d.dispatcher.Errors():
			d.handleEmbeddingError(be)
		case dir := <-d.watcher.Events():
			d.directoryChanged(context.Background(), dir)
		case <-d.quit:
			return
		}
	}
}

// call posts fn to the core goroutine and waits for it.
func (d *Database) call(ctx context.Context, fn func() error) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrClosed
	}
	if !d.started {
		d.mu.Unlock()
		return ErrNotStarted
	}
	d.mu.Unlock()

	errCh := make(chan error, 1)
	select {
	case d.commands <- func() { errCh <- fn() }:
	case <-ctx.Done():
		return ctx.Err()
	case <-d.quit:
		return ErrClosed
	}
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-d.done:
		return ErrClosed
	}
}

// Collections returns a status snapshot for every collection-folder pairing.
func (d *Database) Collections(ctx context.Context) ([]CollectionStatus, error) {
	var out []CollectionStatus
	err := d.call(ctx, func() error {
		items, err := d.store.Collections(ctx)
		if err != nil {
			return err
		}
		out = d.snapshot(items)
		return nil
	})
	return out, err
}

// Status returns the snapshot for one collection's folders.
func (d *Database) Status(ctx context.Context, collection string) ([]CollectionStatus, error) {
	var out []CollectionStatus
	err := d.call(ctx, func() error {
		items, err := d.store.CollectionsByName(ctx, collection)
		if err != nil {
			return err
		}
		if len(items) == 0 {
			return ErrCollectionNotFound
		}
		out = d.snapshot(items)
		return nil
	})
	return out, err
}

// snapshot merges stored pairings with live progress counters.
// Core goroutine only.
func (d *Database) snapshot(items []store.CollectionItem) []CollectionStatus {
	out := make([]CollectionStatus, 0, len(items))
	for _, it := range items {
		st := d.statusFor(it.Name, it.FolderID)
		st.FolderPath = it.FolderPath
		st.EmbeddingModel = it.EmbeddingModel
		st.LastUpdate = it.LastUpdate
		st.ForceIndexing = it.ForceIndexing
		out = append(out, *st)
	}
	return out
}
