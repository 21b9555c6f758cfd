package converter

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"

	"github.com/local/docconvert/internal/apperr"
)

// HTMLRenderer captures full-page PNG screenshots of HTML documents.
type HTMLRenderer interface {
	Screenshot(ctx context.Context, pages []string) ([][]byte, error)
}

// Chrome drives a headless Chrome/Chromium through the DevTools protocol.
// One browser is started per call and torn down with ctx.
type Chrome struct {
	ExecPath string // empty lets chromedp search the usual locations
}

// ResolveChromeBinary returns the first Chrome-like executable on PATH.
func ResolveChromeBinary() string {
	for _, name := range []string{"chromium", "chromium-browser", "google-chrome", "google-chrome-stable", "headless-shell"} {
		if p, err := exec.LookPath(name); err == nil {
			return p
		}
	}
	return ""
}

func (c *Chrome) Screenshot(ctx context.Context, pages []string) ([][]byte, error) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.NoSandbox,
		chromedp.DisableGPU,
		chromedp.WindowSize(1280, 800),
	)
	if c.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(c.ExecPath))
	}
	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, opts...)
	defer cancelAlloc()
	tabCtx, cancelTab := chromedp.NewContext(allocCtx)
	defer cancelTab()

	shots := make([][]byte, 0, len(pages))
	for i, doc := range pages {
		var buf []byte
		err := chromedp.Run(tabCtx,
			chromedp.Navigate("about:blank"),
			setDocument(doc),
			chromedp.FullScreenshot(&buf, 100),
		)
		if err != nil {
			return nil, fmt.Errorf("screenshot page %d: %w", i+1, err)
		}
		shots = append(shots, buf)
	}
	return shots, nil
}

func setDocument(html string) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		tree, err := page.GetFrameTree().Do(ctx)
		if err != nil {
			return err
		}
		return page.SetDocumentContent(tree.Frame.ID, html).Do(ctx)
	})
}

var sheetPage = template.Must(template.New("sheet").Parse(`<!DOCTYPE html>
<html><head><meta charset="utf-8"><style>
body{font-family:Arial,Helvetica,sans-serif;margin:20px;background:#fff}
h2{font-size:18px;margin:0 0 12px}
table{border-collapse:collapse}
td{border:1px solid #999;padding:4px 8px;font-size:13px;white-space:nowrap}
tr:first-child td{background:#f0f0f0;font-weight:bold}
</style></head><body>
<h2>{{.Name}}</h2>
<table>{{range .Rows}}<tr>{{range .}}<td>{{.}}</td>{{end}}</tr>{{end}}</table>
</body></html>`))

// SheetHTML renders a sheet as a standalone HTML table.
func SheetHTML(s Sheet) (string, error) {
	var buf bytes.Buffer
	if err := sheetPage.Execute(&buf, s); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// SheetImages screenshots each selected sheet and bundles the PNGs into a ZIP.
type SheetImages struct {
	Reader   WorkbookReader
	Renderer HTMLRenderer
	Archiver Archiver
}

func (b *SheetImages) Convert(ctx context.Context, req Request) (string, error) {
	wb, err := b.Reader.ReadWorkbook(req.Input())
	if err != nil {
		return "", err
	}
	sheets, err := wb.Select(req.Sheets)
	if err != nil {
		return "", err
	}
	pages := make([]string, 0, len(sheets))
	for _, s := range sheets {
		doc, err := SheetHTML(s)
		if err != nil {
			return "", apperr.Conversion("build sheet html", err)
		}
		pages = append(pages, doc)
	}

	shots, err := b.Renderer.Screenshot(ctx, pages)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", apperr.Conversion("sheet screenshot failed", err)
	}
	if len(shots) != len(sheets) {
		return "", apperr.Conversion(fmt.Sprintf("expected %d screenshots, got %d", len(sheets), len(shots)), nil)
	}

	dir, err := subdir(req.OutDir, "images")
	if err != nil {
		return "", err
	}
	names := newFileNamer()
	files := make([]string, 0, len(shots))
	for i, png := range shots {
		p := filepath.Join(dir, names.next(sheets[i].Name, "png"))
		if err := os.WriteFile(p, png, 0o600); err != nil {
			return "", apperr.Resource("write image", err)
		}
		files = append(files, p)
	}
	dst := filepath.Join(req.OutDir, "images.zip")
	if err := b.Archiver.ZipFiles(dst, files); err != nil {
		return "", apperr.Resource("write archive", err)
	}
	return dst, nil
}
