// Package chunker splits a text stream into word-bounded chunks that fit a
// character budget. Chunks are joined with single spaces, never exceed the
// budget unless a single word is itself larger than the budget, and the
// stream reports the byte offset of the last emitted word so indexing can
// resume mid-file.
package chunker

import (
	"bufio"
	"errors"
	"io"
	"strings"
	"unicode"
	"unicode/utf8"
)

// ErrBinaryContent is returned when the stream contains control bytes that
// do not occur in text files. Tab, newline, carriage return, bell through
// form feed and escape are tolerated; everything else below 0x20 is not.
var ErrBinaryContent = errors.New("chunker: binary content")

// Chunk is one budget-sized run of words.
type Chunk struct {
	Text  string
	Words int
}

// Stream produces chunks from a reader. It is not safe for concurrent use.
type Stream struct {
	r      *bufio.Reader
	budget int

	words []string
	chars int // rune count of words, excluding joining spaces

	off     int64 // decoded bytes consumed from r
	lastEnd int64 // offset just past the last word appended to words
	mark    int64 // offset just past the last word of the last emitted chunk

	pending    string // word read but rejected from the previous chunk
	pendingEnd int64

	eof bool
	err error
}

// NewStream returns a stream over r with the given character budget. The
// reader must already be positioned past any byte-order mark and past any
// resume offset; offsets reported by Pos are relative to that position.
func NewStream(r io.Reader, budget int) *Stream {
	if budget < 1 {
		budget = 1
	}
	return &Stream{r: bufio.NewReader(r), budget: budget}
}

// Next returns the next chunk. It returns io.EOF after the final chunk has
// been emitted, and ErrBinaryContent as soon as a disallowed byte is seen.
func (s *Stream) Next() (Chunk, error) {
	if s.err != nil {
		return Chunk{}, s.err
	}
	for {
		var (
			word string
			end  int64
		)
		if s.pending != "" {
			word, end = s.pending, s.pendingEnd
			s.pending = ""
		} else if !s.eof {
			var err error
			word, end, err = s.readWord()
			if err == io.EOF {
				s.eof = true
			} else if err != nil {
				s.err = err
				return Chunk{}, err
			}
		}

		if word != "" {
			wlen := utf8.RuneCountInString(word)
			// A chunk closes before it would exceed the budget: if this
			// word plus joining spaces does not fit, it opens the next one.
			if len(s.words) > 0 && s.chars+wlen+len(s.words) > s.budget {
				s.pending, s.pendingEnd = word, end
				return s.emit(), nil
			}
			s.words = append(s.words, word)
			s.chars += wlen
			s.lastEnd = end
			if s.chars+len(s.words)-1 >= s.budget {
				return s.emit(), nil
			}
		}

		if s.eof && s.pending == "" {
			if len(s.words) > 0 {
				return s.emit(), nil
			}
			s.err = io.EOF
			return Chunk{}, io.EOF
		}
	}
}

// Pos reports the offset just past the last word of the last chunk returned
// by Next. Restarting a stream at this offset reproduces the remaining
// chunks, including any lookahead word the previous stream had buffered.
func (s *Stream) Pos() int64 { return s.mark }

func (s *Stream) emit() Chunk {
	c := Chunk{Text: strings.Join(s.words, " "), Words: len(s.words)}
	s.words = s.words[:0]
	s.chars = 0
	s.mark = s.lastEnd
	return c
}

// readWord skips whitespace and returns the next word and the offset just
// past its final rune.
func (s *Stream) readWord() (string, int64, error) {
	for {
		r, size, err := s.r.ReadRune()
		if err != nil {
			return "", 0, err
		}
		if isBinary(r) {
			return "", 0, ErrBinaryContent
		}
		if !unicode.IsSpace(r) {
			s.r.UnreadRune()
			break
		}
		s.off += int64(size)
	}
	var b strings.Builder
	for {
		r, size, err := s.r.ReadRune()
		if err == io.EOF {
			if b.Len() > 0 {
				return b.String(), s.off, nil
			}
			return "", 0, io.EOF
		}
		if err != nil {
			return "", 0, err
		}
		if isBinary(r) {
			return "", 0, ErrBinaryContent
		}
		if unicode.IsSpace(r) {
			s.r.UnreadRune()
			return b.String(), s.off, nil
		}
		s.off += int64(size)
		b.WriteRune(r)
	}
}

func isBinary(r rune) bool {
	if r >= 0x20 {
		return false
	}
	// Bell through carriage return and escape occur in real text files.
	return !(r >= 0x07 && r <= 0x0d) && r != 0x1b
}
