package localdocs

import "errors"

var (
	// ErrClosed is returned when operating on a closed database.
	ErrClosed = errors.New("localdocs: database is closed")

	// ErrNotStarted is returned when operating before Start.
	ErrNotStarted = errors.New("localdocs: database not started")

	// ErrIndexNotLoaded is returned when retrieval is attempted before the
	// vector index has been opened.
	ErrIndexNotLoaded = errors.New("localdocs: vector index not loaded")

	// ErrInvalidConfig is returned for invalid configuration values.
	ErrInvalidConfig = errors.New("localdocs: invalid configuration")

	// ErrFolderNotFound is returned when a folder path is not registered.
	ErrFolderNotFound = errors.New("localdocs: folder not found")

	// ErrCollectionNotFound is returned when a collection name does not exist.
	ErrCollectionNotFound = errors.New("localdocs: collection not found")

	// ErrEmbeddingFailed is returned when embedding generation fails and the
	// affected folder's indexing is halted.
	ErrEmbeddingFailed = errors.New("localdocs: embedding generation failed")
)
