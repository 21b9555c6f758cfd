package statuscheck

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"time"
)

// OfficeVersioner models the minimal LibreOffice capability we need for status checks.
type OfficeVersioner interface {
	Version(ctx context.Context) (string, error)
}

// Checker aggregates health checks for the local dependencies conversions rely on.
type Checker struct {
	office        OfficeVersioner
	chromeBinary  string
	workspaceRoot string
}

// Options configures the Checker.
type Options struct {
	Office        OfficeVersioner
	ChromeBinary  string
	WorkspaceRoot string
}

// Status represents the readiness of a subsystem.
type Status struct {
	OK      bool   `json:"ok"`
	Message string `json:"message"`
}

// Summary bundles all subsystem statuses.
type Summary struct {
	LibreOffice Status `json:"libreoffice"`
	Chrome      Status `json:"chrome"`
	Workspace   Status `json:"workspace"`
}

// Healthy reports whether every subsystem is OK.
func (s Summary) Healthy() bool {
	return s.LibreOffice.OK && s.Chrome.OK && s.Workspace.OK
}

// New creates a new Checker with the provided options.
func New(opts Options) *Checker {
	return &Checker{
		office:        opts.Office,
		chromeBinary:  opts.ChromeBinary,
		workspaceRoot: opts.WorkspaceRoot,
	}
}

// Summary returns the current status snapshot.
func (c *Checker) Summary(ctx context.Context) Summary {
	return Summary{
		LibreOffice: c.checkLibreOffice(ctx),
		Chrome:      c.checkChrome(),
		Workspace:   c.checkWorkspace(),
	}
}

func (c *Checker) checkLibreOffice(ctx context.Context) Status {
	if c.office == nil {
		return Status{OK: false, Message: "not configured"}
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	v, err := c.office.Version(ctx)
	if err != nil {
		return Status{OK: false, Message: trimError(err)}
	}
	return Status{OK: true, Message: v}
}

func (c *Checker) checkChrome() Status {
	if c.chromeBinary == "" {
		return Status{OK: false, Message: "Binary not found"}
	}
	if _, err := exec.LookPath(c.chromeBinary); err != nil {
		return Status{OK: false, Message: "Binary not found"}
	}
	return Status{OK: true, Message: "Available"}
}

func (c *Checker) checkWorkspace() Status {
	if c.workspaceRoot == "" {
		return Status{OK: false, Message: "root not configured"}
	}
	f, err := os.CreateTemp(c.workspaceRoot, ".writecheck-*")
	if err != nil {
		return Status{OK: false, Message: trimError(err)}
	}
	name := f.Name()
	f.Close()
	_ = os.Remove(name)
	return Status{OK: true, Message: "Writable"}
}

func trimError(err error) string {
	if err == nil {
		return ""
	}
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "timeout"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	msg := err.Error()
	if len(msg) > 120 {
		return msg[:120]
	}
	return msg
}
