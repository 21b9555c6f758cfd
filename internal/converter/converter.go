// Package converter runs a single conversion attempt through the backend the
// capability table selects, and verifies what it produced.
package converter

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/local/docconvert/internal/apperr"
	"github.com/local/docconvert/internal/formats"
	logpkg "github.com/local/docconvert/internal/logger"
	"github.com/local/docconvert/internal/metrics"
)

// DefaultTimeout applies when a Request carries none.
const DefaultTimeout = 60 * time.Second

// Request describes one conversion.
type Request struct {
	JobID    string
	Inputs   []string // absolute paths inside the job workspace; merges use several
	Labels   []string // client-facing names of Inputs, same order
	BaseName string   // client-facing name without extension
	Spec     formats.Spec
	OutDir   string // artifacts must be written here
	WorkDir  string // job workspace root, for backend scratch state
	Timeout  time.Duration
	Sheets   []string // optional sheet selection for spreadsheet backends
}

// Input returns the first input path.
func (r Request) Input() string {
	if len(r.Inputs) == 0 {
		return ""
	}
	return r.Inputs[0]
}

// Outcome is the verified result of one conversion attempt.
type Outcome struct {
	Success      bool
	ArtifactPath string
	Size         int64
	Diagnostics  string
	Elapsed      time.Duration
	Err          error
}

// Backend produces an artifact for a request and returns its path. A nil
// error is not trusted: the Invoker checks the artifact independently.
type Backend interface {
	Convert(ctx context.Context, req Request) (string, error)
}

// BackendFunc adapts a function to Backend.
type BackendFunc func(ctx context.Context, req Request) (string, error)

func (f BackendFunc) Convert(ctx context.Context, req Request) (string, error) { return f(ctx, req) }

// DiagnosticError carries captured converter output alongside a failure.
type DiagnosticError struct {
	Err    error
	Output string
}

func (e *DiagnosticError) Error() string { return e.Err.Error() }

func (e *DiagnosticError) Unwrap() error { return e.Err }

// Invoker dispatches requests to backends by name.
type Invoker struct {
	backends map[formats.Backend]Backend
}

// NewInvoker returns an Invoker with the given backends registered.
func NewInvoker(backends map[formats.Backend]Backend) *Invoker {
	b := make(map[formats.Backend]Backend, len(backends))
	for k, v := range backends {
		b[k] = v
	}
	return &Invoker{backends: b}
}

// Supports reports whether a backend is registered for name.
func (iv *Invoker) Supports(name formats.Backend) bool {
	_, ok := iv.backends[name]
	return ok
}

// Missing returns the names in want that have no registered backend.
func (iv *Invoker) Missing(want []formats.Backend) []formats.Backend {
	var out []formats.Backend
	for _, b := range want {
		if !iv.Supports(b) {
			out = append(out, b)
		}
	}
	return out
}

// Convert makes exactly one attempt under a hard deadline. It never retries.
func (iv *Invoker) Convert(ctx context.Context, req Request) Outcome {
	start := time.Now()
	backend, ok := iv.backends[req.Spec.Backend]
	if !ok {
		return Outcome{Err: apperr.Conversion(fmt.Sprintf("no backend for %s", req.Spec.Backend), nil), Elapsed: time.Since(start)}
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	logger := logpkg.From(ctx).With().Str("backend", string(req.Spec.Backend)).Str("output_format", req.Spec.Output).Logger()
	logger.Debug().Dur("timeout", timeout).Msg("converter started")

	path, err := backend.Convert(runCtx, req)
	out := Outcome{Elapsed: time.Since(start)}

	switch {
	case errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
		// Partial output is never used after a timeout.
		out.Err = apperr.Timeout(fmt.Sprintf("conversion exceeded %s", timeout), err)
	case ctx.Err() != nil:
		out.Err = apperr.Conversion("conversion cancelled", ctx.Err())
	case err != nil:
		out.Err = classify(err)
	default:
		size, verr := verifyArtifact(path)
		if verr != nil {
			out.Err = verr
		} else {
			out.Success = true
			out.ArtifactPath = path
			out.Size = size
		}
	}

	if !out.Success {
		var de *DiagnosticError
		if errors.As(err, &de) {
			out.Diagnostics = de.Output
		}
		logger.Error().Err(out.Err).Dur("duration", out.Elapsed).Str("diagnostics", out.Diagnostics).Msg("conversion failed")
	} else {
		logger.Info().Int64("bytes", out.Size).Dur("duration", out.Elapsed).Msg("conversion successful")
	}
	metrics.ObserveConverter(string(req.Spec.Backend), out.Success, out.Elapsed)
	return out
}

func classify(err error) error {
	var ae *apperr.Error
	if errors.As(err, &ae) {
		return err
	}
	return apperr.Conversion("converter failed", err)
}

// verifyArtifact confirms the artifact exists, is a regular file and is not empty.
func verifyArtifact(path string) (int64, error) {
	if path == "" {
		return 0, apperr.Conversion("converter reported success without an artifact", nil)
	}
	info, err := os.Stat(path)
	if err != nil {
		return 0, apperr.Conversion("converter reported success but produced no output", err)
	}
	if !info.Mode().IsRegular() {
		return 0, apperr.Conversion("converter output is not a regular file", nil)
	}
	if info.Size() == 0 {
		return 0, apperr.Conversion("converter produced an empty file", nil)
	}
	return info.Size(), nil
}
