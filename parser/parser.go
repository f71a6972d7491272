// Package parser opens document files for indexing. PDF and XLSX files are
// exposed page by page so chunks never span a page boundary; plain-text
// formats are exposed as a resumable byte stream.
package parser

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Metadata carries the document properties recorded alongside each chunk.
type Metadata struct {
	Title    string
	Author   string
	Subject  string
	Keywords string
}

// PagedDocument is a document whose text is extracted one page at a time.
// Pages are zero-based.
type PagedDocument interface {
	NumPages() int
	PageText(i int) (string, error)
	Metadata() Metadata
	Close() error
}

// pagedFormats maps file extensions (without dot, lower case) to openers.
var pagedFormats = map[string]func(path string) (PagedDocument, error){
	"pdf":  openPDF,
	"xlsx": openXLSX,
}

// IsPaged reports whether the extension is handled page by page rather than
// as a byte stream.
func IsPaged(ext string) bool {
	_, ok := pagedFormats[strings.ToLower(ext)]
	return ok
}

// OpenPaged opens a paged document by file extension.
func OpenPaged(path string) (PagedDocument, error) {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(path), "."))
	open, ok := pagedFormats[ext]
	if !ok {
		return nil, fmt.Errorf("parser: no paged parser for %q", ext)
	}
	return open(path)
}
