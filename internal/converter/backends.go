package converter

import "github.com/local/docconvert/internal/formats"

// Options configures the standard backend set.
type Options struct {
	Office    OfficeOptions
	ChromeBin string
	RasterDPI int
}

// StandardBackends wires every backend the capability table refers to.
func StandardBackends(opts Options) map[formats.Backend]Backend {
	reader := SpreadsheetReader{}
	zipper := ZipArchiver{}
	chrome := opts.ChromeBin
	if chrome == "" {
		chrome = ResolveChromeBinary()
	}
	return map[formats.Backend]Backend{
		formats.BackendOffice:      NewOffice(opts.Office),
		formats.BackendSheetPDF:    &SheetPDF{Reader: reader, Renderer: FPDFTables{}},
		formats.BackendSheetCSV:    &SheetCSV{Reader: reader, Archiver: zipper},
		formats.BackendSheetImages: &SheetImages{Reader: reader, Renderer: &Chrome{ExecPath: chrome}, Archiver: zipper},
		formats.BackendPDFImages:   &PDFImages{DPI: opts.RasterDPI, Archiver: zipper},
		formats.BackendPDFText:     PDFText{},
		formats.BackendImagePDF:    ImagePDF{},
		formats.BackendPDFMerge:    PDFMerge{},
		formats.BackendPDFSplit:    &PDFSplit{Archiver: zipper},
	}
}
