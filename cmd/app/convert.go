package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/local/docconvert/internal/formats"
	logpkg "github.com/local/docconvert/internal/logger"
	"github.com/local/docconvert/internal/orchestrator"
)

var (
	convertTo     string
	convertOut    string
	convertSheets string
	convertMode   string
	convertSplit  bool
)

var convertCmd = &cobra.Command{
	Use:   "convert <file> [file...]",
	Short: "Convert local files through the same pipeline as the service",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runConvert,
}

func init() {
	convertCmd.Flags().StringVarP(&convertTo, "to", "t", "pdf", "target format")
	convertCmd.Flags().StringVarP(&convertOut, "output", "o", "", "output file or directory (default: next to the input)")
	convertCmd.Flags().StringVar(&convertSheets, "sheets", "", "comma-separated sheet names or 1-based indexes")
	convertCmd.Flags().StringVar(&convertMode, "sheet-mode", "", "spreadsheet renderer: table, images or csv")
	convertCmd.Flags().BoolVar(&convertSplit, "split", false, "split a PDF into one file per page")
	rootCmd.AddCommand(convertCmd)
}

func runConvert(cmd *cobra.Command, args []string) error {
	cfg, err := setup()
	if err != nil {
		return err
	}
	defer logpkg.Close()

	a, err := newApp(cfg)
	if err != nil {
		return err
	}

	sub := orchestrator.Submission{Output: convertTo, MaxFiles: 1}
	switch {
	case convertSplit:
		sub.Spec = &formats.PDFSplit
	case len(args) > 1 && allPDF(args):
		sub.Spec = &formats.PDFMerge
		sub.MinFiles = 2
		sub.MaxFiles = a.orch.Settings().MaxMergeFiles
	case len(args) > 1:
		sub.Spec = &formats.SheetTablePDF
		sub.MaxFiles = a.orch.Settings().MaxMergeFiles
	}
	switch strings.ToLower(convertMode) {
	case "":
	case "table":
		sub.Spec = &formats.SheetTablePDF
	case "images":
		sub.Spec = &formats.SheetImages
	case "csv":
		sub.Spec = &formats.SheetCSV
	default:
		return fmt.Errorf("unknown sheet mode %q", convertMode)
	}
	if convertSheets != "" {
		sub.Sheets = true
	}
	form := &orchestrator.FileForm{Paths: args, Values: map[string]string{"sheets": convertSheets}}
	defer form.Close()
	sub.Form = form

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	out := &fileResult{target: convertOut, inputDir: filepath.Dir(args[0])}
	job, err := a.orch.Run(ctx, sub, out)
	closeErr := out.Close()
	if err != nil {
		if out.path != "" {
			_ = os.Remove(out.path)
		}
		return fmt.Errorf("job %s failed in %s: %w", job.ID, job.FailedIn(), err)
	}
	if closeErr != nil {
		return closeErr
	}
	fmt.Fprintln(cmd.OutOrStdout(), out.path)
	return nil
}

// fileResult writes the artifact to a local path.
type fileResult struct {
	target   string
	inputDir string
	path     string
	f        *os.File
}

func (r *fileResult) Begin(a orchestrator.Artifact) (io.Writer, error) {
	p := r.target
	switch {
	case p == "":
		p = filepath.Join(r.inputDir, a.Name)
	case isDir(p):
		p = filepath.Join(p, a.Name)
	}
	f, err := os.Create(p)
	if err != nil {
		return nil, err
	}
	r.path = p
	r.f = f
	return f, nil
}

func (r *fileResult) Close() error {
	if r.f == nil {
		return nil
	}
	return r.f.Close()
}

func allPDF(paths []string) bool {
	for _, p := range paths {
		if formats.Normalize(filepath.Ext(p)) != "pdf" {
			return false
		}
	}
	return true
}

func isDir(p string) bool {
	info, err := os.Stat(p)
	return err == nil && info.IsDir()
}
