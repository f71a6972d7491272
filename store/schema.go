package store

import "fmt"

// Version is the current schema version. The database file name carries the
// version so older files can be probed and their collections carried over.
const (
	Version    = 2
	MinVersion = 1
)

// FileName returns the database file name for a schema version.
func FileName(version int) string {
	return fmt.Sprintf("localdocs_v%d.db", version)
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS collections (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL UNIQUE,
	last_update_time INTEGER,
	embedding_model TEXT
);

CREATE TABLE IF NOT EXISTS folders (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	folder_path TEXT NOT NULL UNIQUE
);

CREATE TABLE IF NOT EXISTS collection_items (
	collection_id INTEGER NOT NULL REFERENCES collections(id),
	folder_id INTEGER NOT NULL REFERENCES folders(id),
	UNIQUE(collection_id, folder_id)
);

CREATE TABLE IF NOT EXISTS documents (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	folder_id INTEGER NOT NULL REFERENCES folders(id),
	document_time INTEGER NOT NULL,
	document_path TEXT NOT NULL UNIQUE
);

CREATE TABLE IF NOT EXISTS chunks (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	document_id INTEGER NOT NULL REFERENCES documents(id),
	chunk_text TEXT NOT NULL,
	file TEXT NOT NULL,
	title TEXT,
	author TEXT,
	subject TEXT,
	keywords TEXT,
	page INTEGER,
	line_from INTEGER,
	line_to INTEGER,
	words INTEGER DEFAULT 0,
	tokens INTEGER DEFAULT 0,
	has_embedding INTEGER DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_documents_folder ON documents(folder_id);
CREATE INDEX IF NOT EXISTS idx_chunks_document ON chunks(document_id);
CREATE INDEX IF NOT EXISTS idx_chunks_pending ON chunks(has_embedding) WHERE has_embedding = 0;
`
