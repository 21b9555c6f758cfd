package converter

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/local/docconvert/internal/apperr"
)

// Sheet is one worksheet as a grid of display strings.
type Sheet struct {
	Name string
	Rows [][]string
}

// Dimensions returns the row count, widest row and non-empty cell count.
func (s Sheet) Dimensions() (rows, cols, cells int) {
	rows = len(s.Rows)
	for _, r := range s.Rows {
		if len(r) > cols {
			cols = len(r)
		}
		for _, c := range r {
			if c != "" {
				cells++
			}
		}
	}
	return rows, cols, cells
}

// Workbook is an ordered list of sheets.
type Workbook struct {
	Sheets []Sheet
}

// Names returns the sheet names in order.
func (w *Workbook) Names() []string {
	out := make([]string, len(w.Sheets))
	for i, s := range w.Sheets {
		out[i] = s.Name
	}
	return out
}

// Select returns the sheets named or numbered (1-based) in selectors, in the
// order given. An empty selection returns every sheet.
func (w *Workbook) Select(selectors []string) ([]Sheet, error) {
	if len(selectors) == 0 {
		return w.Sheets, nil
	}
	out := make([]Sheet, 0, len(selectors))
	for _, sel := range selectors {
		s, ok := w.find(sel)
		if !ok {
			return nil, apperr.Validation(fmt.Sprintf("sheet not found: %s (available: %s)", sel, strings.Join(w.Names(), ", ")))
		}
		out = append(out, s)
	}
	return out, nil
}

func (w *Workbook) find(sel string) (Sheet, bool) {
	for _, s := range w.Sheets {
		if s.Name == sel {
			return s, true
		}
	}
	for _, s := range w.Sheets {
		if strings.EqualFold(s.Name, sel) {
			return s, true
		}
	}
	if n, err := strconv.Atoi(sel); err == nil && n >= 1 && n <= len(w.Sheets) {
		return w.Sheets[n-1], true
	}
	return Sheet{}, false
}

// ParseSheetList splits a comma separated sheet selection, dropping blanks.
func ParseSheetList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// CheckSelection fails with a validation error unless every selector names
// or numbers one of names.
func CheckSelection(names, selectors []string) error {
	wb := &Workbook{Sheets: make([]Sheet, len(names))}
	for i, n := range names {
		wb.Sheets[i].Name = n
	}
	_, err := wb.Select(selectors)
	return err
}

// csvSheetName is the single sheet a CSV upload reads as.
const csvSheetName = "Sheet1"

// maxUnzipBytes caps how much an xlsx may expand to while being read.
const maxUnzipBytes = 512 << 20

// WorkbookReader loads a spreadsheet into a Workbook.
type WorkbookReader interface {
	ReadWorkbook(path string) (*Workbook, error)
}

// SheetLister returns sheet names without loading cell data.
type SheetLister interface {
	SheetNames(path string) ([]string, error)
}

// SpreadsheetReader reads xlsx through excelize and csv through encoding/csv.
type SpreadsheetReader struct{}

func (SpreadsheetReader) SheetNames(path string) ([]string, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		return []string{csvSheetName}, nil
	case ".xlsx":
		f, err := openXLSX(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		return f.GetSheetList(), nil
	default:
		return nil, apperr.Validation(fmt.Sprintf("unsupported spreadsheet type: %s", filepath.Ext(path)))
	}
}

func (SpreadsheetReader) ReadWorkbook(path string) (*Workbook, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		return readCSV(path)
	case ".xlsx":
		return readXLSX(path)
	default:
		return nil, apperr.Validation(fmt.Sprintf("unsupported spreadsheet type: %s", filepath.Ext(path)))
	}
}

func openXLSX(path string) (*excelize.File, error) {
	f, err := excelize.OpenFile(path, excelize.Options{UnzipSizeLimit: maxUnzipBytes})
	if err != nil {
		return nil, apperr.Conversion("cannot open workbook", err)
	}
	return f, nil
}

func readXLSX(path string) (*Workbook, error) {
	f, err := openXLSX(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	wb := &Workbook{}
	for _, name := range f.GetSheetList() {
		rows, err := f.GetRows(name)
		if err != nil {
			return nil, apperr.Conversion(fmt.Sprintf("cannot read sheet %q", name), err)
		}
		wb.Sheets = append(wb.Sheets, Sheet{Name: name, Rows: rows})
	}
	if len(wb.Sheets) == 0 {
		return nil, apperr.Validation("workbook has no sheets")
	}
	return wb, nil
}

func readCSV(path string) (*Workbook, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, apperr.Resource("open csv", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	r.LazyQuotes = true
	var rows [][]string
	for {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, apperr.Validation(fmt.Sprintf("malformed csv: %v", err))
		}
		rows = append(rows, rec)
	}
	return &Workbook{Sheets: []Sheet{{Name: csvSheetName, Rows: rows}}}, nil
}
