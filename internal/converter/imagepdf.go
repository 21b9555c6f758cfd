package converter

import (
	"context"
	"path/filepath"

	"github.com/go-pdf/fpdf"

	"github.com/local/docconvert/internal/apperr"
)

// ImagePDF wraps a PNG or JPEG into a single-page PDF sized to the image.
type ImagePDF struct{}

func (ImagePDF) Convert(ctx context.Context, req Request) (string, error) {
	return runInProcess(ctx, func() (string, error) {
		in := req.Input()
		pdf := fpdf.New("P", "pt", "A4", "")
		pdf.SetCreator("docconvert", true)
		pdf.SetMargins(0, 0, 0)
		pdf.SetAutoPageBreak(false, 0)

		opts := fpdf.ImageOptions{ReadDpi: true}
		info := pdf.RegisterImageOptions(in, opts)
		if !pdf.Ok() || info == nil {
			return "", apperr.Conversion("unreadable image", pdf.Error())
		}
		w, h := info.Width(), info.Height()
		pdf.AddPageFormat("P", fpdf.SizeType{Wd: w, Ht: h})
		pdf.ImageOptions(in, 0, 0, w, h, false, opts, 0, "")

		if err := ctx.Err(); err != nil {
			return "", err
		}
		dst := filepath.Join(req.OutDir, "image.pdf")
		if err := pdf.OutputFileAndClose(dst); err != nil {
			return "", apperr.Conversion("write pdf", err)
		}
		return dst, nil
	})
}
