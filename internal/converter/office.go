package converter

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/local/docconvert/internal/apperr"
	logpkg "github.com/local/docconvert/internal/logger"
)

// killGrace bounds how long Wait may block on inherited pipes after the
// process group has been killed.
const killGrace = 2 * time.Second

// OfficeOptions configures the LibreOffice backend.
type OfficeOptions struct {
	Binary         string // empty resolves soffice, then libreoffice, from PATH
	MaxOutputBytes int
}

// Office converts documents by running headless LibreOffice once per job.
type Office struct {
	binary    string
	maxOutput int
}

// NewOffice creates a LibreOffice backend.
func NewOffice(opts OfficeOptions) *Office {
	bin := opts.Binary
	if bin == "" {
		bin = ResolveOfficeBinary()
	}
	return &Office{binary: bin, maxOutput: opts.MaxOutputBytes}
}

// ResolveOfficeBinary returns the first LibreOffice executable on PATH, or
// "soffice" if none is found.
func ResolveOfficeBinary() string {
	for _, name := range []string{"soffice", "libreoffice"} {
		if p, err := exec.LookPath(name); err == nil {
			return p
		}
	}
	return "soffice"
}

// Binary returns the executable the backend runs.
func (o *Office) Binary() string { return o.binary }

// Version runs the binary with --version.
func (o *Office) Version(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	cmd := exec.CommandContext(ctx, o.binary, "--version")
	isolateProcessGroup(cmd)
	cmd.WaitDelay = killGrace
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("LibreOffice not available: %w", err)
	}
	return strings.TrimSpace(string(out)), nil
}

// Convert runs one headless conversion of req.Input() into req.OutDir.
func (o *Office) Convert(ctx context.Context, req Request) (string, error) {
	input := req.Input()
	if input == "" {
		return "", apperr.Conversion("no input file", nil)
	}
	if _, err := os.Stat(req.OutDir); err != nil {
		return "", apperr.Resource("output directory", err)
	}

	// A private profile per job; concurrent instances sharing one profile lock each other out.
	profileDir, err := subdir(req.WorkDir, "lo-profile")
	if err != nil {
		return "", err
	}

	args := []string{
		"-env:UserInstallation=file://" + filepath.ToSlash(profileDir),
		"--headless",
		"--norestore",
		"--nolockcheck",
		"--nologo",
		"--nodefault",
		"--convert-to", req.Spec.Token,
	}
	if req.Spec.InFilter != "" {
		args = append(args, "--infilter="+req.Spec.InFilter)
	}
	args = append(args, "--outdir", req.OutDir, input)

	cmd := exec.CommandContext(ctx, o.binary, args...)
	isolateProcessGroup(cmd)
	cmd.WaitDelay = killGrace
	cmd.Dir = req.WorkDir
	cmd.Env = append(os.Environ(), "HOME="+profileDir)
	output := newCappedBuffer(o.maxOutput)
	cmd.Stdout = output
	cmd.Stderr = output

	logpkg.From(ctx).Debug().Str("cmd", o.binary+" "+strings.Join(args, " ")).Msg("LibreOffice command")

	runErr := cmd.Run()
	// Always reap the group: the launcher can exit while render helpers linger.
	if cmd.Process != nil {
		_ = killProcessGroup(cmd.Process.Pid)
	}

	if runErr != nil {
		if errors.Is(runErr, exec.ErrNotFound) {
			return "", apperr.Resource("LibreOffice binary not found", runErr)
		}
		if ctx.Err() != nil {
			return "", &DiagnosticError{Err: ctx.Err(), Output: output.String()}
		}
		return "", apperr.Conversion("LibreOffice conversion failed", &DiagnosticError{Err: runErr, Output: output.String()})
	}

	stem := strings.TrimSuffix(filepath.Base(input), filepath.Ext(input))
	artifact, err := FindArtifact(req.OutDir, stem, req.Spec.Extension)
	if err != nil {
		return "", &DiagnosticError{Err: err, Output: output.String()}
	}
	return artifact, nil
}
