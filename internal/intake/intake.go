// Package intake persists an uploaded file into a job workspace.
package intake

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/local/docconvert/internal/apperr"
	"github.com/local/docconvert/internal/formats"
	"github.com/local/docconvert/internal/workspace"
)

// DefaultMaxBytes is the upload ceiling when none is configured (50 MiB).
const DefaultMaxBytes int64 = 50 << 20

// Constraints bound what Receive accepts.
type Constraints struct {
	MaxBytes int64
	// Allowed overrides the capability table's input list when non-empty.
	Allowed []string
}

func (c Constraints) allows(ext string) bool {
	if len(c.Allowed) == 0 {
		return formats.IsInput(ext)
	}
	for _, a := range c.Allowed {
		if formats.Normalize(a) == ext {
			return true
		}
	}
	return false
}

// StoredFile is an upload persisted inside a workspace.
type StoredFile struct {
	Path         string
	OriginalName string
	BaseName     string // original name without extension, used to name outputs
	Extension    string // lower-case, no dot
	Size         int64
}

// ContentChecker verifies that file content is plausible for its extension.
type ContentChecker interface {
	Consistent(path, ext string) error
}

// Intake validates and stores uploads.
type Intake struct {
	checker ContentChecker
}

// New returns an Intake. checker may be nil to skip content sniffing.
func New(checker ContentChecker) *Intake {
	return &Intake{checker: checker}
}

// Receive streams r into ws under a collision-free name. The size limit is
// enforced while copying, so no more than MaxBytes+1 bytes ever reach disk.
func (in *Intake) Receive(ctx context.Context, ws *workspace.Workspace, r io.Reader, declaredName string, c Constraints) (*StoredFile, error) {
	name := sanitizeName(declaredName)
	if name == "" {
		return nil, apperr.Validation("missing file name")
	}
	ext := formats.Normalize(filepath.Ext(name))
	if ext == "" || !c.allows(ext) {
		return nil, apperr.Validation(fmt.Sprintf("unsupported file type: .%s", ext))
	}
	max := c.MaxBytes
	if max <= 0 {
		max = DefaultMaxBytes
	}

	dir, err := ws.Mkdir("in")
	if err != nil {
		return nil, err
	}
	path := filepath.Join(dir, "input-"+uuid.NewString()[:8]+"."+ext)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return nil, apperr.Resource("store upload", err)
	}

	n, err := io.Copy(f, io.LimitReader(&ctxReader{ctx: ctx, r: r}, max+1))
	closeErr := f.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(path)
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, apperr.Validation("upload aborted")
		}
		var ae *apperr.Error
		if errors.As(err, &ae) {
			return nil, ae
		}
		return nil, apperr.Resource("store upload", err)
	}
	if n > max {
		_ = os.Remove(path)
		return nil, apperr.Oversize(max)
	}
	if n == 0 {
		_ = os.Remove(path)
		return nil, apperr.Validation("uploaded file is empty")
	}
	if in.checker != nil {
		if err := in.checker.Consistent(path, ext); err != nil {
			_ = os.Remove(path)
			return nil, apperr.Validation(fmt.Sprintf("file content does not match .%s", ext))
		}
	}

	log.Debug().Str("job_id", ws.JobID).Str("file", name).Int64("bytes", n).Msg("upload stored")
	return &StoredFile{
		Path:         path,
		OriginalName: name,
		BaseName:     strings.TrimSuffix(name, filepath.Ext(name)),
		Extension:    ext,
		Size:         n,
	}, nil
}

// sanitizeName drops any directory components a client may have sent.
func sanitizeName(name string) string {
	name = strings.ReplaceAll(strings.TrimSpace(name), "\\", "/")
	base := filepath.Base(name)
	if base == "." || base == "/" || base == ".." {
		return ""
	}
	return base
}

// ctxReader stops a copy once ctx is done, so an abandoned upload does not
// keep writing into the workspace.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
