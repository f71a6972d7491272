package parser

import (
	"fmt"
	"strings"

	"github.com/xuri/excelize/v2"
)

// xlsxDocument treats each sheet as one page. Rows are rendered as
// pipe-separated lines so tabular context survives chunking.
type xlsxDocument struct {
	f      *excelize.File
	sheets []string
	meta   Metadata
}

func openXLSX(path string) (PagedDocument, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("opening XLSX: %w", err)
	}
	d := &xlsxDocument{f: f, sheets: f.GetSheetList()}
	if props, err := f.GetDocProps(); err == nil && props != nil {
		d.meta = Metadata{
			Title:    props.Title,
			Author:   props.Creator,
			Subject:  props.Subject,
			Keywords: props.Keywords,
		}
	}
	return d, nil
}

func (d *xlsxDocument) NumPages() int      { return len(d.sheets) }
func (d *xlsxDocument) Metadata() Metadata { return d.meta }

func (d *xlsxDocument) PageText(i int) (string, error) {
	if i < 0 || i >= len(d.sheets) {
		return "", fmt.Errorf("no sheet %d", i)
	}
	rows, err := d.f.GetRows(d.sheets[i])
	if err != nil {
		return "", fmt.Errorf("reading sheet %q: %w", d.sheets[i], err)
	}
	var b strings.Builder
	for _, row := range rows {
		b.WriteString("| " + strings.Join(row, " | ") + " |\n")
	}
	return b.String(), nil
}

func (d *xlsxDocument) Close() error { return d.f.Close() }
