// Package workspace manages per-job scratch directories under a shared root.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/local/docconvert/internal/apperr"
	"github.com/local/docconvert/internal/metrics"
)

// dirPrefix marks directories owned by the manager. Sweep ignores anything else.
const dirPrefix = "job-"

const (
	DefaultRetention     = time.Hour
	DefaultSweepInterval = 5 * time.Minute
)

// Workspace is a private directory owned by exactly one job.
type Workspace struct {
	ID        string
	JobID     string
	Path      string
	CreatedAt time.Time

	mgr  *Manager
	once sync.Once
}

// Join returns a path inside the workspace.
func (w *Workspace) Join(elem ...string) string {
	return filepath.Join(append([]string{w.Path}, elem...)...)
}

// Mkdir creates a direct subdirectory of the workspace and returns its path.
// It fails once the workspace has been released.
func (w *Workspace) Mkdir(name string) (string, error) {
	p := w.Join(name)
	if err := os.Mkdir(p, 0o755); err != nil && !errors.Is(err, fs.ErrExist) {
		return "", apperr.Resource("create workspace subdirectory", err)
	}
	return p, nil
}

// Release removes the workspace. Only the first call has an effect.
func (w *Workspace) Release() {
	w.mgr.Release(w)
}

// Manager allocates, releases and sweeps workspaces.
type Manager struct {
	root string

	mu     sync.Mutex
	active map[string]*Workspace

	now func() time.Time
}

// NewManager prepares root and returns a manager for it.
func NewManager(root string) (*Manager, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace root: %w", err)
	}
	return &Manager{root: abs, active: map[string]*Workspace{}, now: time.Now}, nil
}

// Root returns the absolute workspace root.
func (m *Manager) Root() string { return m.root }

// Allocate creates a fresh, empty workspace for jobID.
func (m *Manager) Allocate(jobID string) (*Workspace, error) {
	id := uuid.NewString()
	path := filepath.Join(m.root, dirPrefix+id)
	// Mkdir (not MkdirAll) fails on an existing path, so a workspace is never shared.
	if err := os.Mkdir(path, 0o700); err != nil {
		return nil, apperr.Resource("allocate workspace", err)
	}
	ws := &Workspace{ID: id, JobID: jobID, Path: path, CreatedAt: m.now(), mgr: m}

	m.mu.Lock()
	m.active[path] = ws
	n := len(m.active)
	m.mu.Unlock()
	metrics.SetActiveWorkspaces(n)

	log.Debug().Str("job_id", jobID).Str("workspace", path).Msg("workspace allocated")
	return ws, nil
}

// Release deletes ws and everything in it. It never fails; removal errors are
// logged and left for the sweeper.
func (m *Manager) Release(ws *Workspace) {
	if ws == nil {
		return
	}
	ws.once.Do(func() {
		if err := os.RemoveAll(ws.Path); err != nil {
			log.Warn().Err(err).Str("job_id", ws.JobID).Str("workspace", ws.Path).Msg("workspace removal failed")
		} else {
			log.Debug().Str("job_id", ws.JobID).Str("workspace", ws.Path).Msg("workspace released")
		}
		m.mu.Lock()
		delete(m.active, ws.Path)
		n := len(m.active)
		m.mu.Unlock()
		metrics.SetActiveWorkspaces(n)
	})
}

// Active returns the number of allocated, unreleased workspaces.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// Sweep removes workspace directories whose modification time is older than
// retention and returns how many were removed. Live workspaces are skipped.
func (m *Manager) Sweep(retention time.Duration) int {
	if retention <= 0 {
		retention = DefaultRetention
	}
	entries, err := os.ReadDir(m.root)
	if err != nil {
		log.Warn().Err(err).Str("root", m.root).Msg("workspace sweep: read root failed")
		return 0
	}
	now := m.now()
	removed := 0
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), dirPrefix) {
			continue
		}
		path := filepath.Join(m.root, e.Name())
		m.mu.Lock()
		_, live := m.active[path]
		m.mu.Unlock()
		if live {
			continue
		}
		info, err := e.Info()
		if err != nil || now.Sub(info.ModTime()) < retention {
			continue
		}
		if err := os.RemoveAll(path); err != nil {
			log.Warn().Err(err).Str("workspace", path).Msg("workspace sweep: removal failed")
			continue
		}
		removed++
	}
	if removed > 0 {
		metrics.AddSwept(removed)
		log.Info().Int("removed", removed).Dur("retention", retention).Msg("swept orphaned workspaces")
	}
	return removed
}

// RunSweeper sweeps once immediately and then every interval until ctx is done.
func (m *Manager) RunSweeper(ctx context.Context, interval, retention time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	m.Sweep(retention)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep(retention)
		}
	}
}
