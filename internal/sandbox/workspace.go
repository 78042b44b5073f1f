package sandbox

import (
	"os"
	"path/filepath"
	"sync"
)

// workspace is the staging directory for one sandbox's build context.
type workspace struct {
	path string
	once sync.Once
	err  error
}

func newWorkspace(baseDir string) (*workspace, error) {
	dir, err := os.MkdirTemp(baseDir, "restorebox-*")
	if err != nil {
		return nil, newError(KindFilesystem, "create workspace", err)
	}
	return &workspace{path: dir}, nil
}

func (w *workspace) Path() string {
	return w.path
}

func (w *workspace) WriteFile(name string, data []byte, perm os.FileMode) error {
	if err := os.WriteFile(filepath.Join(w.path, name), data, perm); err != nil {
		return newError(KindFilesystem, "write "+name, err)
	}
	return nil
}

// Remove deletes the directory tree. Only the first call does any work.
func (w *workspace) Remove() error {
	w.once.Do(func() {
		if err := os.RemoveAll(w.path); err != nil {
			w.err = newError(KindFilesystem, "remove workspace", err)
		}
	})
	return w.err
}
