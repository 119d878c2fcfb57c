package sandbox

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Workspace is the per-run working area mounted into the sandbox container.
// Release removes it; it is safe to call Release more than once.
type Workspace struct {
	Dir string

	once       sync.Once
	releaseErr error
}

// AcquireWorkspace creates a fresh, empty working area below root. An empty root
// uses the system temp directory.
func AcquireWorkspace(root string) (*Workspace, error) {
	if root == "" {
		root = os.TempDir()
	}
	dir, err := os.MkdirTemp(root, "grader-run-")
	if err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}
	// the container runs as an unprivileged user that must be able to write here
	if err := os.Chmod(dir, 0o777); err != nil {
		_ = os.RemoveAll(dir)
		return nil, fmt.Errorf("prepare workspace: %w", err)
	}
	if err := os.Mkdir(filepath.Join(dir, controlDir), 0o777); err != nil {
		_ = os.RemoveAll(dir)
		return nil, fmt.Errorf("prepare workspace: %w", err)
	}
	return &Workspace{Dir: dir}, nil
}

// Path joins parts below the workspace directory.
func (w *Workspace) Path(parts ...string) string {
	return filepath.Join(append([]string{w.Dir}, parts...)...)
}

// Release deletes the working area and everything the run wrote into it.
func (w *Workspace) Release() error {
	w.once.Do(func() {
		w.releaseErr = os.RemoveAll(w.Dir)
	})
	return w.releaseErr
}
