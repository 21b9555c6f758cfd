package converter

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/local/docconvert/internal/apperr"
)

// runInProcess runs fn to completion on the calling goroutine, so the caller's
// admission slot and workspace outlive the work. fn checks ctx between steps;
// once ctx is done its result is discarded.
func runInProcess(ctx context.Context, fn func() (string, error)) (string, error) {
	p, err := fn()
	if cerr := ctx.Err(); cerr != nil {
		return "", cerr
	}
	return p, err
}

// subdir creates name directly under parent, which must already exist.
func subdir(parent, name string) (string, error) {
	p := filepath.Join(parent, name)
	if err := os.Mkdir(p, 0o755); err != nil && !errors.Is(err, fs.ErrExist) {
		return "", apperr.Resource("create output directory", err)
	}
	return p, nil
}

// SheetPDF renders every selected sheet of every input workbook as a table PDF.
type SheetPDF struct {
	Reader   WorkbookReader
	Renderer TableRenderer
}

func (b *SheetPDF) Convert(ctx context.Context, req Request) (string, error) {
	return runInProcess(ctx, func() (string, error) {
		var sections []TableSection
		for i, in := range req.Inputs {
			if err := ctx.Err(); err != nil {
				return "", err
			}
			wb, err := b.Reader.ReadWorkbook(in)
			if err != nil {
				return "", err
			}
			sheets, err := wb.Select(req.Sheets)
			if err != nil {
				return "", err
			}
			for _, s := range sheets {
				sec := SheetSection(s)
				if len(req.Inputs) > 1 && i < len(req.Labels) {
					sec.Title = fmt.Sprintf("%s (%s)", sec.Title, req.Labels[i])
				}
				sections = append(sections, sec)
			}
		}
		if len(sections) == 0 {
			return "", apperr.Validation("no sheets to render")
		}
		if err := ctx.Err(); err != nil {
			return "", err
		}
		dst := filepath.Join(req.OutDir, "tables.pdf")
		f, err := os.Create(dst)
		if err != nil {
			return "", apperr.Resource("create pdf", err)
		}
		if err := b.Renderer.DrawTables(f, sections); err != nil {
			f.Close()
			return "", apperr.Conversion("table rendering failed", err)
		}
		if err := f.Close(); err != nil {
			return "", apperr.Resource("write pdf", err)
		}
		return dst, nil
	})
}

// SheetCSV writes one CSV per selected sheet and bundles them into a ZIP.
type SheetCSV struct {
	Reader   WorkbookReader
	Archiver Archiver
}

func (b *SheetCSV) Convert(ctx context.Context, req Request) (string, error) {
	return runInProcess(ctx, func() (string, error) {
		wb, err := b.Reader.ReadWorkbook(req.Input())
		if err != nil {
			return "", err
		}
		sheets, err := wb.Select(req.Sheets)
		if err != nil {
			return "", err
		}
		dir, err := subdir(req.OutDir, "csv")
		if err != nil {
			return "", err
		}
		names := newFileNamer()
		files := make([]string, 0, len(sheets))
		for _, s := range sheets {
			if err := ctx.Err(); err != nil {
				return "", err
			}
			p := filepath.Join(dir, names.next(s.Name, "csv"))
			if err := writeCSV(p, s.Rows); err != nil {
				return "", apperr.Resource("write csv", err)
			}
			files = append(files, p)
		}
		if err := ctx.Err(); err != nil {
			return "", err
		}
		dst := filepath.Join(req.OutDir, "sheets.zip")
		if err := b.Archiver.ZipFiles(dst, files); err != nil {
			return "", apperr.Resource("write archive", err)
		}
		return dst, nil
	})
}

func writeCSV(path string, rows [][]string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	w := csv.NewWriter(f)
	if err := w.WriteAll(rows); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// fileNamer turns sheet names into unique, filesystem-safe file names.
type fileNamer struct{ used map[string]int }

func newFileNamer() *fileNamer { return &fileNamer{used: map[string]int{}} }

var unsafeNameChars = strings.NewReplacer("/", "_", "\\", "_", ":", "_", "*", "_", "?", "_", "\"", "_", "<", "_", ">", "_", "|", "_")

func (n *fileNamer) next(name, ext string) string {
	base := strings.TrimSpace(unsafeNameChars.Replace(name))
	if base == "" || base == "." || base == ".." {
		base = "sheet"
	}
	key := strings.ToLower(base)
	n.used[key]++
	if c := n.used[key]; c > 1 {
		base = fmt.Sprintf("%s_%d", base, c)
	}
	return base + "." + ext
}

// SheetInfo summarizes one sheet.
type SheetInfo struct {
	Name    string `json:"name"`
	Rows    int    `json:"rows"`
	Columns int    `json:"columns"`
	Cells   int    `json:"cells"`
}

// WorkbookInfo summarizes an uploaded workbook.
type WorkbookInfo struct {
	FileName          string      `json:"fileName"`
	FileSize          int64       `json:"fileSize"`
	FileSizeFormatted string      `json:"fileSizeFormatted"`
	TotalSheets       int         `json:"totalSheets"`
	Sheets            []SheetInfo `json:"sheets"`
}

// Describe builds the metadata summary for wb.
func Describe(fileName string, size int64, wb *Workbook) WorkbookInfo {
	info := WorkbookInfo{
		FileName:          fileName,
		FileSize:          size,
		FileSizeFormatted: FormatFileSize(size),
		TotalSheets:       len(wb.Sheets),
		Sheets:            make([]SheetInfo, 0, len(wb.Sheets)),
	}
	for _, s := range wb.Sheets {
		rows, cols, cells := s.Dimensions()
		info.Sheets = append(info.Sheets, SheetInfo{Name: s.Name, Rows: rows, Columns: cols, Cells: cells})
	}
	return info
}

// FormatFileSize renders n with a binary unit and at most two decimals.
func FormatFileSize(n int64) string {
	if n <= 0 {
		return "0 Bytes"
	}
	units := []string{"Bytes", "KB", "MB", "GB"}
	i := int(math.Floor(math.Log(float64(n)) / math.Log(1024)))
	if i >= len(units) {
		i = len(units) - 1
	}
	v := math.Round(float64(n)/math.Pow(1024, float64(i))*100) / 100
	return strconv.FormatFloat(v, 'f', -1, 64) + " " + units[i]
}
