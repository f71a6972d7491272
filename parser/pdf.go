package parser

import (
	"fmt"
	"os"

	"github.com/ledongthuc/pdf"
)

type pdfDocument struct {
	f      *os.File
	reader *pdf.Reader
	meta   Metadata
}

func openPDF(path string) (PagedDocument, error) {
	f, reader, err := pdf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening PDF: %w", err)
	}
	d := &pdfDocument{f: f, reader: reader}
	d.meta = pdfMetadata(reader)
	return d, nil
}

// pdfMetadata pulls the document information dictionary. Missing or
// malformed entries leave the field empty.
func pdfMetadata(r *pdf.Reader) Metadata {
	var m Metadata
	info := r.Trailer().Key("Info")
	if info.IsNull() {
		return m
	}
	get := func(key string) string {
		v := info.Key(key)
		if v.Kind() == pdf.String {
			return v.RawString()
		}
		return ""
	}
	m.Title = get("Title")
	m.Author = get("Author")
	m.Subject = get("Subject")
	m.Keywords = get("Keywords")
	return m
}

func (d *pdfDocument) NumPages() int      { return d.reader.NumPage() }
func (d *pdfDocument) Metadata() Metadata { return d.meta }

func (d *pdfDocument) PageText(i int) (string, error) {
	page := d.reader.Page(i + 1)
	if page.V.IsNull() {
		return "", nil
	}
	text, err := page.GetPlainText(nil)
	if err != nil {
		return "", fmt.Errorf("extracting page %d: %w", i+1, err)
	}
	return text, nil
}

func (d *pdfDocument) Close() error { return d.f.Close() }
