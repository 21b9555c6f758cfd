package converter

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pdfcpu/pdfcpu/pkg/api"

	"github.com/local/docconvert/internal/apperr"
)

// splitStem names split pages page_1.pdf, page_2.pdf and so on.
const splitStem = "page"

// PDFMerge concatenates the input PDFs in upload order with pdfcpu.
type PDFMerge struct{}

func (PDFMerge) Convert(ctx context.Context, req Request) (string, error) {
	return runInProcess(ctx, func() (string, error) {
		if len(req.Inputs) < 2 {
			return "", apperr.Validation("merge needs at least two PDF files")
		}
		if err := ctx.Err(); err != nil {
			return "", err
		}
		dst := filepath.Join(req.OutDir, "merged.pdf")
		if err := api.MergeCreateFile(req.Inputs, dst, false, nil); err != nil {
			return "", apperr.Conversion("pdf merge failed", err)
		}
		return dst, nil
	})
}

// PDFSplit writes every page of the input PDF to its own file and bundles
// them into a ZIP.
type PDFSplit struct {
	MaxPages int // 0 means no limit
	Archiver Archiver
}

func (b *PDFSplit) Convert(ctx context.Context, req Request) (string, error) {
	return runInProcess(ctx, func() (string, error) {
		n, err := PDFPageCount(req.Input())
		if err != nil {
			return "", err
		}
		if n == 0 {
			return "", apperr.Conversion("PDF has no pages", nil)
		}
		if b.MaxPages > 0 && n > b.MaxPages {
			return "", apperr.Validation(fmt.Sprintf("PDF has %d pages, limit is %d", n, b.MaxPages))
		}
		dir, err := subdir(req.OutDir, "split")
		if err != nil {
			return "", err
		}
		in, err := os.Open(req.Input())
		if err != nil {
			return "", apperr.Resource("open pdf", err)
		}
		defer in.Close()
		if err := api.Split(in, dir, splitStem, 1, nil); err != nil {
			return "", apperr.Conversion("pdf split failed", err)
		}
		if err := ctx.Err(); err != nil {
			return "", err
		}

		files := make([]string, n)
		for i := range files {
			files[i] = filepath.Join(dir, fmt.Sprintf("%s_%d.pdf", splitStem, i+1))
		}
		dst := filepath.Join(req.OutDir, "pages.zip")
		if err := b.Archiver.ZipFiles(dst, files); err != nil {
			return "", apperr.Resource("write archive", err)
		}
		return dst, nil
	})
}
