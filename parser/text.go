package parser

import (
	"bufio"
	"fmt"
	"io"
	"os"
)

var utf8BOM = []byte{0xef, 0xbb, 0xbf}

// textFile wraps an open file behind the buffered reader that already
// consumed the BOM and resume offset.
type textFile struct {
	*bufio.Reader
	f *os.File
}

func (t *textFile) Close() error { return t.f.Close() }

// OpenText opens a plain-text file for chunking, skipping a UTF-8 byte-order
// mark if present and then discarding offset bytes of decoded text. Stored
// chunk offsets are relative to the position after the BOM, so a resumed
// open lands exactly where the previous indexing pass stopped.
func OpenText(path string, offset int64) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	r := bufio.NewReader(f)
	if head, err := r.Peek(len(utf8BOM)); err == nil && string(head) == string(utf8BOM) {
		r.Discard(len(utf8BOM))
	}
	if offset > 0 {
		if _, err := r.Discard(int(offset)); err != nil {
			f.Close()
			return nil, fmt.Errorf("seeking to offset %d: %w", offset, err)
		}
	}
	return &textFile{Reader: r, f: f}, nil
}
