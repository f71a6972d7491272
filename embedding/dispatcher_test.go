package embedding

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

// fakeProvider returns deterministic vectors and records batch sizes.
type fakeProvider struct {
	mu      sync.Mutex
	batches []int
	fail    bool
}

func (f *fakeProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	f.mu.Lock()
	f.batches = append(f.batches, len(texts))
	f.mu.Unlock()
	if f.fail {
		return nil, errors.New("model unavailable")
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{float32(len(texts[i])), 1, 2, 3}
	}
	return out, nil
}

func submitN(d *Dispatcher, n int, folderID int64) {
	chunks := make([]Chunk, n)
	for i := range chunks {
		chunks[i] = Chunk{ID: int64(i + 1), FolderID: folderID, Text: fmt.Sprintf("chunk %d", i)}
	}
	d.Submit(chunks)
}

func TestDispatcherBatchesAndCorrelates(t *testing.T) {
	fake := &fakeProvider{}
	d := NewDispatcher(fake, 100)
	defer d.Close()

	submitN(d, 250, 7)

	got := make(map[int64]Result)
	deadline := time.After(5 * time.Second)
	for len(got) < 250 {
		select {
		case results := <-d.Results():
			for _, r := range results {
				got[r.ChunkID] = r
			}
		case be := <-d.Errors():
			t.Fatalf("unexpected batch error: %v", be.Err)
		case <-deadline:
			t.Fatalf("timed out with %d results", len(got))
		}
	}

	for id := int64(1); id <= 250; id++ {
		r, ok := got[id]
		if !ok {
			t.Fatalf("missing result for chunk %d", id)
		}
		if r.FolderID != 7 {
			t.Errorf("chunk %d folder = %d, want 7", id, r.FolderID)
		}
		if len(r.Vector) != 4 {
			t.Errorf("chunk %d vector len = %d", id, len(r.Vector))
		}
	}

	fake.mu.Lock()
	defer fake.mu.Unlock()
	for _, n := range fake.batches {
		if n > 100 {
			t.Errorf("batch of %d exceeds cap", n)
		}
	}
}

func TestDispatcherEmitsErrorPerFolder(t *testing.T) {
	fake := &fakeProvider{fail: true}
	d := NewDispatcher(fake, 100)
	defer d.Close()

	d.Submit([]Chunk{
		{ID: 1, FolderID: 3, Text: "a"},
		{ID: 2, FolderID: 5, Text: "b"},
		{ID: 3, FolderID: 3, Text: "c"},
	})

	folders := make(map[int64]bool)
	deadline := time.After(5 * time.Second)
	for len(folders) < 2 {
		select {
		case be := <-d.Errors():
			if be.Err == nil {
				t.Fatal("batch error with nil Err")
			}
			folders[be.FolderID] = true
		case <-d.Results():
			t.Fatal("unexpected results from failing provider")
		case <-deadline:
			t.Fatalf("timed out, saw folders %v", folders)
		}
	}
	if !folders[3] || !folders[5] {
		t.Errorf("folders = %v, want 3 and 5", folders)
	}
}

func TestDispatcherEmbedQuery(t *testing.T) {
	d := NewDispatcher(&fakeProvider{}, 100)
	defer d.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	vec, err := d.EmbedQuery(ctx, "how do glaciers form")
	if err != nil {
		t.Fatalf("EmbedQuery: %v", err)
	}
	if len(vec) != 4 {
		t.Fatalf("vector len = %d, want 4", len(vec))
	}
}

func TestDispatcherEmbedQueryAfterClose(t *testing.T) {
	d := NewDispatcher(&fakeProvider{}, 100)
	d.Close()
	if _, err := d.EmbedQuery(context.Background(), "late"); err == nil {
		t.Fatal("expected error after Close")
	}
}
