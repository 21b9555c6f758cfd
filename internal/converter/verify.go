package converter

import (
	"archive/zip"

	"github.com/pdfcpu/pdfcpu/pkg/api"

	"github.com/local/docconvert/internal/apperr"
)

func init() {
	// pdfcpu otherwise creates a config directory under the user's home and
	// exits the process when it cannot.
	api.DisableConfigDir()
}

// PDFPageCount returns the number of pages of the PDF at path.
func PDFPageCount(path string) (int, error) {
	n, err := api.PageCountFile(path)
	if err != nil {
		return 0, apperr.Conversion("pdf page count failed", err)
	}
	return n, nil
}

// VerifyPDF fails unless path is a readable PDF with at least one page.
func VerifyPDF(path string) error {
	n, err := PDFPageCount(path)
	if err != nil {
		return err
	}
	if n < 1 {
		return apperr.Conversion("pdf has no pages", nil)
	}
	return nil
}

// VerifyZip fails unless path is a readable ZIP with at least one entry.
func VerifyZip(path string) error {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return apperr.Conversion("archive is unreadable", err)
	}
	defer zr.Close()
	if len(zr.File) == 0 {
		return apperr.Conversion("archive is empty", nil)
	}
	return nil
}
