package converter

import (
	"context"
	"fmt"
	"image/png"
	"os"
	"path/filepath"
	"strings"

	fitz "github.com/gen2brain/go-fitz"

	"github.com/local/docconvert/internal/apperr"
	logpkg "github.com/local/docconvert/internal/logger"
)

// DefaultRasterDPI is the resolution PDF pages are rendered at.
const DefaultRasterDPI = 110

// PDFImages renders each PDF page to PNG with MuPDF and bundles them into a ZIP.
type PDFImages struct {
	DPI      int
	MaxPages int // 0 means no limit
	Archiver Archiver
}

func (b *PDFImages) Convert(ctx context.Context, req Request) (string, error) {
	return runInProcess(ctx, func() (string, error) {
		doc, err := fitz.New(req.Input())
		if err != nil {
			return "", apperr.Conversion("failed to open PDF", err)
		}
		defer doc.Close()

		n := doc.NumPage()
		if n == 0 {
			return "", apperr.Conversion("PDF has no pages", nil)
		}
		if b.MaxPages > 0 && n > b.MaxPages {
			return "", apperr.Validation(fmt.Sprintf("PDF has %d pages, limit is %d", n, b.MaxPages))
		}
		dpi := b.DPI
		if dpi <= 0 {
			dpi = DefaultRasterDPI
		}
		dir, err := subdir(req.OutDir, "pages")
		if err != nil {
			return "", err
		}

		files := make([]string, 0, n)
		for i := 0; i < n; i++ {
			if err := ctx.Err(); err != nil {
				return "", err
			}
			// go-fitz pages are 0-based
			img, err := doc.ImageDPI(i, float64(dpi))
			if err != nil {
				return "", apperr.Conversion(fmt.Sprintf("failed to render page %d", i+1), err)
			}
			p := filepath.Join(dir, fmt.Sprintf("page-%03d.png", i+1))
			f, err := os.Create(p)
			if err != nil {
				return "", apperr.Resource("create page image", err)
			}
			if err := png.Encode(f, img); err != nil {
				f.Close()
				return "", apperr.Conversion("failed to encode PNG", err)
			}
			if err := f.Close(); err != nil {
				return "", apperr.Resource("write page image", err)
			}
			files = append(files, p)
		}
		logpkg.From(ctx).Debug().Int("pages", n).Int("dpi", dpi).Msg("rendered PDF pages")
		if err := ctx.Err(); err != nil {
			return "", err
		}

		dst := filepath.Join(req.OutDir, "pages.zip")
		if err := b.Archiver.ZipFiles(dst, files); err != nil {
			return "", apperr.Resource("write archive", err)
		}
		return dst, nil
	})
}

// PDFText extracts the text layer of every page with MuPDF.
type PDFText struct{}

func (PDFText) Convert(ctx context.Context, req Request) (string, error) {
	return runInProcess(ctx, func() (string, error) {
		doc, err := fitz.New(req.Input())
		if err != nil {
			return "", apperr.Conversion("failed to open PDF", err)
		}
		defer doc.Close()

		var sb strings.Builder
		for i := 0; i < doc.NumPage(); i++ {
			if err := ctx.Err(); err != nil {
				return "", err
			}
			text, err := doc.Text(i)
			if err != nil {
				return "", apperr.Conversion(fmt.Sprintf("text page %d", i+1), err)
			}
			if i > 0 {
				sb.WriteString("\f")
			}
			sb.WriteString(text)
		}
		if strings.TrimSpace(sb.String()) == "" {
			return "", apperr.Conversion("PDF has no extractable text", nil)
		}
		if err := ctx.Err(); err != nil {
			return "", err
		}
		dst := filepath.Join(req.OutDir, "text.txt")
		if err := os.WriteFile(dst, []byte(sb.String()), 0o600); err != nil {
			return "", apperr.Resource("write text", err)
		}
		return dst, nil
	})
}
