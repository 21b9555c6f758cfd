package converter

import (
	"fmt"
	"io"

	"github.com/go-pdf/fpdf"
)

// Table layout, in points.
const (
	tableMargin     = 30.0
	cellWidth       = 80.0
	cellHeight      = 25.0
	cellPadX        = 5.0
	cellPadY        = 8.0
	titleFontSize   = 16.0
	cellFontSize    = 10.0
	pageBreakY      = 700.0
	continuationTop = 50.0
)

// TableSection is one titled grid in a table PDF.
type TableSection struct {
	Title string
	Rows  [][]string
}

// SheetSection titles a sheet the way table PDFs present it.
func SheetSection(s Sheet) TableSection {
	return TableSection{Title: "Sheet: " + s.Name, Rows: s.Rows}
}

// TableRenderer draws sections as bordered cell grids.
type TableRenderer interface {
	DrawTables(w io.Writer, sections []TableSection) error
}

// FPDFTables renders tables with fpdf core fonts.
type FPDFTables struct{}

func (FPDFTables) DrawTables(w io.Writer, sections []TableSection) error {
	if len(sections) == 0 {
		return fmt.Errorf("no tables to draw")
	}
	pdf := fpdf.New("P", "pt", "Letter", "")
	pdf.SetMargins(tableMargin, tableMargin, tableMargin)
	pdf.SetAutoPageBreak(false, 0)
	pdf.SetCreator("docconvert", true)
	pdf.SetLineWidth(0.5)
	tr := pdf.UnicodeTranslatorFromDescriptor("")

	for _, sec := range sections {
		pdf.AddPage()
		pdf.SetFont("Helvetica", "", titleFontSize)
		pdf.CellFormat(0, titleFontSize*1.25, tr(sec.Title), "", 1, "C", false, 0, "")
		y := pdf.GetY() + titleFontSize
		pdf.SetFont("Helvetica", "", cellFontSize)

		for i, row := range sec.Rows {
			x := tableMargin
			for _, cell := range row {
				pdf.Rect(x, y, cellWidth, cellHeight, "D")
				text := fitText(pdf, tr(cell), cellWidth-2*cellPadX)
				pdf.SetXY(x+cellPadX, y+cellPadY)
				pdf.CellFormat(cellWidth-2*cellPadX, cellFontSize, text, "", 0, "L", false, 0, "")
				x += cellWidth
			}
			y += cellHeight
			if y > pageBreakY && i < len(sec.Rows)-1 {
				pdf.AddPage()
				y = continuationTop
			}
		}
	}
	if err := pdf.Output(w); err != nil {
		return fmt.Errorf("render table pdf: %w", err)
	}
	return nil
}

// fitText shortens s with an ellipsis until it fits width. s is already in
// the single-byte core font encoding, so byte slicing is safe.
func fitText(pdf *fpdf.Fpdf, s string, width float64) string {
	if pdf.GetStringWidth(s) <= width {
		return s
	}
	const ellipsis = "..."
	for n := len(s) - 1; n > 0; n-- {
		if pdf.GetStringWidth(s[:n]+ellipsis) <= width {
			return s[:n] + ellipsis
		}
	}
	return ""
}
