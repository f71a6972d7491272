package parser

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/xuri/excelize/v2"
)

func TestIsPaged(t *testing.T) {
	for ext, want := range map[string]bool{
		"pdf": true, "PDF": true, "xlsx": true, "txt": false, "md": false,
	} {
		if got := IsPaged(ext); got != want {
			t.Errorf("IsPaged(%q) = %v, want %v", ext, got, want)
		}
	}
}

func TestOpenPagedUnknownFormat(t *testing.T) {
	if _, err := OpenPaged("notes.txt"); err == nil {
		t.Fatal("expected error for .txt")
	}
}

func writeXLSXFixture(t *testing.T) string {
	t.Helper()
	f := excelize.NewFile()
	f.SetCellValue("Sheet1", "A1", "name")
	f.SetCellValue("Sheet1", "B1", "amount")
	f.SetCellValue("Sheet1", "A2", "widgets")
	f.SetCellValue("Sheet1", "B2", 42)
	if _, err := f.NewSheet("Totals"); err != nil {
		t.Fatalf("NewSheet: %v", err)
	}
	f.SetCellValue("Totals", "A1", "grand total")
	if err := f.SetDocProps(&excelize.DocProperties{
		Title:   "Q3 ledger",
		Creator: "finance",
	}); err != nil {
		t.Fatalf("SetDocProps: %v", err)
	}
	path := filepath.Join(t.TempDir(), "ledger.xlsx")
	if err := f.SaveAs(path); err != nil {
		t.Fatalf("SaveAs: %v", err)
	}
	f.Close()
	return path
}

func TestXLSXSheetsAsPages(t *testing.T) {
	doc, err := OpenPaged(writeXLSXFixture(t))
	if err != nil {
		t.Fatalf("OpenPaged: %v", err)
	}
	defer doc.Close()

	if n := doc.NumPages(); n != 2 {
		t.Fatalf("NumPages = %d, want 2", n)
	}
	first, err := doc.PageText(0)
	if err != nil {
		t.Fatalf("PageText(0): %v", err)
	}
	if !strings.Contains(first, "| widgets | 42 |") {
		t.Errorf("page 0 missing row: %q", first)
	}
	second, err := doc.PageText(1)
	if err != nil {
		t.Fatalf("PageText(1): %v", err)
	}
	if !strings.Contains(second, "grand total") {
		t.Errorf("page 1 missing row: %q", second)
	}
	if _, err := doc.PageText(2); err == nil {
		t.Error("expected error for out-of-range page")
	}
	if m := doc.Metadata(); m.Title != "Q3 ledger" || m.Author != "finance" {
		t.Errorf("metadata = %+v", m)
	}
}

func TestOpenTextSkipsBOM(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bom.txt")
	if err := os.WriteFile(path, []byte("\xef\xbb\xbfhello world"), 0o644); err != nil {
		t.Fatal(err)
	}
	r, err := OpenText(path, 0)
	if err != nil {
		t.Fatalf("OpenText: %v", err)
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "hello world" {
		t.Errorf("read %q, want %q", data, "hello world")
	}
}

func TestOpenTextResumeOffset(t *testing.T) {
	path := filepath.Join(t.TempDir(), "resume.txt")
	if err := os.WriteFile(path, []byte("\xef\xbb\xbfhello world"), 0o644); err != nil {
		t.Fatal(err)
	}
	// Offsets count from after the BOM.
	r, err := OpenText(path, 6)
	if err != nil {
		t.Fatalf("OpenText: %v", err)
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "world" {
		t.Errorf("read %q, want %q", data, "world")
	}
}
