package chunker

import (
	"errors"
	"io"
	"strings"
	"testing"
)

func collect(t *testing.T, s *Stream) []Chunk {
	t.Helper()
	var out []Chunk
	for {
		c, err := s.Next()
		if err == io.EOF {
			return out
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		out = append(out, c)
	}
}

func texts(chunks []Chunk) []string {
	out := make([]string, len(chunks))
	for i, c := range chunks {
		out[i] = c.Text
	}
	return out
}

func TestStreamSingleChunkWithinBudget(t *testing.T) {
	s := NewStream(strings.NewReader("alpha beta gamma delta epsilon"), 40)
	got := collect(t, s)
	if len(got) != 1 {
		t.Fatalf("chunks = %d, want 1", len(got))
	}
	if got[0].Text != "alpha beta gamma delta epsilon" {
		t.Errorf("text = %q", got[0].Text)
	}
	if got[0].Words != 5 {
		t.Errorf("words = %d, want 5", got[0].Words)
	}
}

func TestStreamClosesBeforeExceeding(t *testing.T) {
	s := NewStream(strings.NewReader("alpha beta gamma delta epsilon"), 10)
	got := texts(collect(t, s))
	want := []string{"alpha beta", "gamma", "delta", "epsilon"}
	if len(got) != len(want) {
		t.Fatalf("chunks = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("chunk %d = %q, want %q", i, got[i], want[i])
		}
	}
	for _, c := range collectChunks(t, "alpha beta gamma delta epsilon", 10) {
		if n := len(c.Text); n > 10 {
			t.Errorf("chunk %q exceeds budget: %d", c.Text, n)
		}
	}
}

func collectChunks(t *testing.T, text string, budget int) []Chunk {
	t.Helper()
	return collect(t, NewStream(strings.NewReader(text), budget))
}

func TestStreamOversizedWord(t *testing.T) {
	got := texts(collectChunks(t, "tiny incomprehensibilities end", 8))
	want := []string{"tiny", "incomprehensibilities", "end"}
	if len(got) != len(want) {
		t.Fatalf("chunks = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("chunk %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestStreamEmptyInput(t *testing.T) {
	s := NewStream(strings.NewReader(""), 32)
	if _, err := s.Next(); err != io.EOF {
		t.Fatalf("Next on empty input = %v, want io.EOF", err)
	}
	s = NewStream(strings.NewReader("   \n\t  "), 32)
	if _, err := s.Next(); err != io.EOF {
		t.Fatalf("Next on whitespace input = %v, want io.EOF", err)
	}
}

func TestStreamBinaryContent(t *testing.T) {
	s := NewStream(strings.NewReader("looks fine until\x01here"), 32)
	var err error
	for err == nil {
		_, err = s.Next()
	}
	if !errors.Is(err, ErrBinaryContent) {
		t.Fatalf("err = %v, want ErrBinaryContent", err)
	}
	// The error is sticky.
	if _, err := s.Next(); !errors.Is(err, ErrBinaryContent) {
		t.Fatalf("second Next = %v, want ErrBinaryContent", err)
	}
}

func TestStreamToleratedControlBytes(t *testing.T) {
	s := NewStream(strings.NewReader("bell\x07word and\ttabs\r\nnewlines \x1besc"), 64)
	if _, err := s.Next(); err != nil && err != io.EOF {
		t.Fatalf("Next: %v", err)
	}
}

func TestStreamResumeEquivalence(t *testing.T) {
	const text = "the quick brown fox jumps over the lazy dog and then " +
		"keeps on running through the tall grass until sunset"
	const budget = 18

	full := texts(collectChunks(t, text, budget))
	if len(full) < 4 {
		t.Fatalf("test input too small: %v", full)
	}

	// Take two chunks, then restart a fresh stream at the reported offset.
	first := NewStream(strings.NewReader(text), budget)
	var head []string
	for i := 0; i < 2; i++ {
		c, err := first.Next()
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		head = append(head, c.Text)
	}
	resumed := NewStream(strings.NewReader(text[first.Pos():]), budget)
	got := append(head, texts(collect(t, resumed))...)

	if len(got) != len(full) {
		t.Fatalf("resumed chunks = %v, want %v", got, full)
	}
	for i := range full {
		if got[i] != full[i] {
			t.Errorf("chunk %d = %q, want %q", i, got[i], full[i])
		}
	}
}

func TestStreamPosAdvancesPerChunk(t *testing.T) {
	s := NewStream(strings.NewReader("one two three four five six"), 9)
	var prev int64
	for {
		_, err := s.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if s.Pos() <= prev {
			t.Fatalf("Pos did not advance: %d -> %d", prev, s.Pos())
		}
		prev = s.Pos()
	}
}
