package localdocs

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// dateFormat renders document dates for display alongside excerpts.
const dateFormat = "2006, January 02"

// defaultTopK is used when the caller does not specify a result count.
const defaultTopK = 3

// Result is one retrieved excerpt with its provenance.
type Result struct {
	Collection string `json:"collection"`
	Text       string `json:"text"`
	File       string `json:"file"`
	Title      string `json:"title,omitempty"`
	Author     string `json:"author,omitempty"`
	Date       string `json:"date"`
	Page       int    `json:"page"`
	From       int    `json:"from"`
	To         int    `json:"to"`
}

// Retrieve returns the chunks nearest the query, restricted to the named
// collections and ordered by ascending distance. The query embedding is
// computed on the caller's goroutine so a slow provider never stalls
// indexing.
func (d *Database) Retrieve(ctx context.Context, collections []string, text string, topK int) ([]Result, error) {
	if len(collections) == 0 || strings.TrimSpace(text) == "" {
		return nil, nil
	}
	if topK < 1 {
		topK = defaultTopK
	}

	// Fail before paying for the query embedding.
	if err := d.call(ctx, func() error {
		if d.index == nil {
			return ErrIndexNotLoaded
		}
		return nil
	}); err != nil {
		return nil, err
	}

	vector, err := d.dispatcher.EmbedQuery(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEmbeddingFailed, err)
	}

	var out []Result
	err = d.call(ctx, func() error {
		matches, err := d.index.Search(ctx, vector, topK)
		if err != nil {
			return err
		}
		ids := make([]int64, len(matches))
		for i, m := range matches {
			ids[i] = m.ChunkID
		}
		// ChunksByIDs preserves id order, so results stay sorted by
		// ascending distance after the collection filter.
		chunks, err := d.store.ChunksByIDs(ctx, ids, collections)
		if err != nil {
			return err
		}
		out = make([]Result, 0, len(chunks))
		for _, c := range chunks {
			out = append(out, Result{
				Collection: c.Collection,
				Text:       c.Text,
				File:       c.File,
				Title:      c.Title,
				Author:     c.Author,
				Date:       time.UnixMilli(c.DocumentTime).Format(dateFormat),
				Page:       c.Page,
				From:       c.LineFrom,
				To:         c.LineTo,
			})
		}
		return nil
	})
	return out, err
}
