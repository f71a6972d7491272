package localdocs

// CollectionStatus is the live view of one collection-folder pairing.
type CollectionStatus struct {
	Collection     string `json:"collection"`
	FolderID       int64  `json:"folder_id"`
	FolderPath     string `json:"folder_path"`
	EmbeddingModel string `json:"embedding_model,omitempty"`
	LastUpdate     int64  `json:"last_update"` // unix milliseconds

	// ForceIndexing marks pairings carried over from an older database
	// version; they stay idle until ForceIndexing is called.
	ForceIndexing bool `json:"force_indexing"`

	// Indexing is true while documents or embeddings are outstanding.
	Indexing bool `json:"indexing"`

	// Progress counters. Byte counts are approximate for paged formats.
	CurrentDocsToIndex   int   `json:"current_docs_to_index"`
	TotalDocsToIndex     int   `json:"total_docs_to_index"`
	CurrentBytesToIndex  int64 `json:"current_bytes_to_index"`
	TotalBytesToIndex    int64 `json:"total_bytes_to_index"`
	CurrentEmbeddings    int   `json:"current_embeddings_to_index"`
	TotalEmbeddings      int   `json:"total_embeddings_to_index"`

	// Collection statistics, recomputed after indexing passes.
	TotalDocs   int64 `json:"total_docs"`
	TotalWords  int64 `json:"total_words"`
	TotalTokens int64 `json:"total_tokens"`

	// Error holds the failure that halted this folder's indexing, if any.
	// ForceIndexing clears it.
	Error string `json:"error,omitempty"`
}

// EventKind labels engine events.
type EventKind string

const (
	EventCollectionAdded EventKind = "collection_added"
	EventFolderRemoved   EventKind = "folder_removed"
	EventStatusChanged   EventKind = "status_changed"
)

// Event is a best-effort notification. Events that would block are dropped;
// Collections always returns the authoritative state.
type Event struct {
	Kind       EventKind `json:"kind"`
	Collection string    `json:"collection"`
	FolderID   int64     `json:"folder_id"`
}

type statusKey struct {
	collection string
	folderID   int64
}

// statusFor returns the cached status entry, creating it if needed.
// Core goroutine only.
func (d *Database) statusFor(collection string, folderID int64) *CollectionStatus {
	key := statusKey{collection, folderID}
	st, ok := d.status[key]
	if !ok {
		st = &CollectionStatus{Collection: collection, FolderID: folderID}
		d.status[key] = st
	}
	return st
}

// statusesForFolder returns every cached status entry for the folder, one
// per collection the folder belongs to. Core goroutine only.
func (d *Database) statusesForFolder(folderID int64) []*CollectionStatus {
	var out []*CollectionStatus
	for key, st := range d.status {
		if key.folderID == folderID {
			out = append(out, st)
		}
	}
	return out
}

// emit delivers an event without blocking the core loop.
func (d *Database) emit(ev Event) {
	select {
	case d.events <- ev:
	default:
	}
}

func (d *Database) emitStatusChanged(folderID int64) {
	for _, st := range d.statusesForFolder(folderID) {
		d.emit(Event{Kind: EventStatusChanged, Collection: st.Collection, FolderID: folderID})
	}
}
