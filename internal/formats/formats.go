// Package formats holds the static table of supported conversions.
package formats

import (
	"sort"
	"strings"
)

// Backend names the converter implementation that serves a conversion.
type Backend string

const (
	BackendOffice      Backend = "office"
	BackendSheetPDF    Backend = "sheet-pdf"
	BackendSheetImages Backend = "sheet-images"
	BackendSheetCSV    Backend = "sheet-csv"
	BackendPDFImages   Backend = "pdf-images"
	BackendPDFText     Backend = "pdf-text"
	BackendImagePDF    Backend = "image-pdf"
	BackendPDFMerge    Backend = "pdf-merge"
	BackendPDFSplit    Backend = "pdf-split"
)

// backendInputs restricts backends that read their input in-process. A
// backend missing here takes every input of the category it is listed under.
var backendInputs = map[Backend]map[string]bool{
	BackendSheetPDF:    {"xlsx": true, "csv": true},
	BackendSheetImages: {"xlsx": true, "csv": true},
	BackendSheetCSV:    {"xlsx": true, "csv": true},
	BackendPDFMerge:    {"pdf": true},
	BackendPDFSplit:    {"pdf": true},
}

// Category groups input formats that share converter behavior.
type Category string

const (
	CategoryDocument     Category = "document"
	CategorySpreadsheet  Category = "spreadsheet"
	CategoryPresentation Category = "presentation"
	CategoryPDF          Category = "pdf"
	CategoryImage        Category = "image"
)

// Spec describes how to produce one output format.
type Spec struct {
	Output      string
	Backend     Backend
	Token       string // office --convert-to argument
	InFilter    string // office --infilter argument, empty for autodetect
	Extension   string // artifact extension, no dot
	ContentType string
}

// Archive reports whether the artifact is a ZIP bundle.
func (s Spec) Archive() bool { return s.Extension == "zip" }

// Accepts reports whether the spec's backend can read input.
func (s Spec) Accepts(input string) bool {
	only, ok := backendInputs[s.Backend]
	if !ok {
		return IsInput(input)
	}
	return only[Normalize(input)]
}

var categories = map[string]Category{
	"doc": CategoryDocument, "docx": CategoryDocument, "odt": CategoryDocument,
	"rtf": CategoryDocument, "txt": CategoryDocument, "html": CategoryDocument,
	"htm": CategoryDocument, "xml": CategoryDocument,
	"xls": CategorySpreadsheet, "xlsx": CategorySpreadsheet, "ods": CategorySpreadsheet,
	"csv": CategorySpreadsheet,
	"ppt": CategoryPresentation, "pptx": CategoryPresentation, "odp": CategoryPresentation,
	"pdf": CategoryPDF,
	"png": CategoryImage, "jpg": CategoryImage, "jpeg": CategoryImage,
}

var inFilters = map[string]string{
	"txt": "Text (encoded):UTF8",
	"csv": "CSV:44,34,76",
}

var contentTypes = map[string]string{
	"pdf":  "application/pdf",
	"docx": "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	"odt":  "application/vnd.oasis.opendocument.text",
	"txt":  "text/plain; charset=utf-8",
	"html": "text/html; charset=utf-8",
	"xlsx": "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	"ods":  "application/vnd.oasis.opendocument.spreadsheet",
	"csv":  "text/csv; charset=utf-8",
	"pptx": "application/vnd.openxmlformats-officedocument.presentationml.presentation",
	"odp":  "application/vnd.oasis.opendocument.presentation",
	"zip":  "application/zip",
}

func office(output, token string) Spec {
	return Spec{Output: output, Backend: BackendOffice, Token: token, Extension: output, ContentType: contentTypes[output]}
}

func bundle(output string, b Backend) Spec {
	return Spec{Output: output, Backend: b, Extension: "zip", ContentType: contentTypes["zip"]}
}

// Fixed specs used by the dedicated spreadsheet and PDF endpoints.
var (
	SheetTablePDF = Spec{Output: "pdf", Backend: BackendSheetPDF, Extension: "pdf", ContentType: contentTypes["pdf"]}
	SheetImages   = bundle("png", BackendSheetImages)
	SheetCSV      = bundle("csv", BackendSheetCSV)
	PDFMerge      = Spec{Output: "pdf", Backend: BackendPDFMerge, Extension: "pdf", ContentType: contentTypes["pdf"]}
	PDFSplit      = bundle("pdf", BackendPDFSplit)
)

var fixed = []Spec{SheetTablePDF, SheetImages, SheetCSV, PDFMerge, PDFSplit}

var table = map[Category]map[string]Spec{
	CategoryDocument: {
		"pdf":  office("pdf", "pdf"),
		"docx": office("docx", "docx:MS Word 2007 XML"),
		"odt":  office("odt", "odt"),
		"txt":  office("txt", "txt:Text (encoded):UTF8"),
		"html": office("html", "html"),
	},
	CategorySpreadsheet: {
		"pdf":  office("pdf", "pdf"),
		"xlsx": office("xlsx", "xlsx:Calc MS Excel 2007 XML"),
		"ods":  office("ods", "ods"),
		"csv":  office("csv", "csv:Text - txt - csv (StarCalc):44,34,76"),
		"html": office("html", "html"),
		"png":  SheetImages,
	},
	CategoryPresentation: {
		"pdf":  office("pdf", "pdf"),
		"pptx": office("pptx", "pptx:Impress MS PowerPoint 2007 XML"),
		"odp":  office("odp", "odp"),
	},
	CategoryPDF: {
		"png": bundle("png", BackendPDFImages),
		"txt": {Output: "txt", Backend: BackendPDFText, Extension: "txt", ContentType: contentTypes["txt"]},
	},
	CategoryImage: {
		"pdf": {Output: "pdf", Backend: BackendImagePDF, Extension: "pdf", ContentType: contentTypes["pdf"]},
	},
}

// Normalize lower-cases an extension or format name and strips a leading dot.
func Normalize(s string) string {
	return strings.TrimPrefix(strings.ToLower(strings.TrimSpace(s)), ".")
}

// CategoryOf returns the category of an input extension.
func CategoryOf(input string) (Category, bool) {
	c, ok := categories[Normalize(input)]
	return c, ok
}

// IsInput reports whether ext is an accepted upload extension.
func IsInput(ext string) bool {
	_, ok := categories[Normalize(ext)]
	return ok
}

// Lookup returns the spec converting input to output.
func Lookup(input, output string) (Spec, bool) {
	c, ok := CategoryOf(input)
	if !ok {
		return Spec{}, false
	}
	s, ok := table[c][Normalize(output)]
	if !ok || !s.Accepts(input) {
		return Spec{}, false
	}
	if s.Backend == BackendOffice {
		s.InFilter = inFilters[Normalize(input)]
	}
	return s, true
}

// Inputs lists accepted upload extensions, sorted.
func Inputs() []string {
	out := make([]string, 0, len(categories))
	for ext := range categories {
		out = append(out, ext)
	}
	sort.Strings(out)
	return out
}

// Outputs lists every producible output format, sorted.
func Outputs() []string {
	seen := map[string]bool{}
	for _, outs := range table {
		for k := range outs {
			seen[k] = true
		}
	}
	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// OutputsFor lists the output formats available for one input, sorted.
func OutputsFor(input string) []string {
	c, ok := CategoryOf(input)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(table[c]))
	for k, s := range table[c] {
		if s.Accepts(input) {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

// Backends lists every backend the table and the fixed specs refer to, sorted.
func Backends() []Backend {
	seen := map[Backend]bool{}
	for _, outs := range table {
		for _, s := range outs {
			seen[s.Backend] = true
		}
	}
	for _, s := range fixed {
		seen[s.Backend] = true
	}
	out := make([]Backend, 0, len(seen))
	for b := range seen {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
