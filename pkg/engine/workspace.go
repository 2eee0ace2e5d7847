package engine

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-billy/v5/util"
	"github.com/google/uuid"
)

const dirPerm fs.FileMode = 0o755

// Workspace is the output root. Every path it takes is relative to the root.
// Writes are atomic: content goes to a temporary sibling which is renamed
// into place once fully written with its final permission.
//
// A Workspace is safe for concurrent use. Some billy filesystems (memfs in
// particular) are not, so every access goes through mu.
type Workspace struct {
	mu   sync.RWMutex
	fs   billy.Filesystem
	root string
}

// NewWorkspace wraps an existing billy filesystem.
func NewWorkspace(fsys billy.Filesystem, root string) *Workspace {
	return &Workspace{fs: fsys, root: root}
}

// OpenWorkspace opens (creating if needed) the output root on disk.
func OpenWorkspace(root string) (*Workspace, error) {
	if err := os.MkdirAll(root, dirPerm); err != nil {
		return nil, NewIOError("create output root", err).WithPath(root)
	}
	return NewWorkspace(osfs.New(root), root), nil
}

// Root returns the display path of the output root.
func (w *Workspace) Root() string {
	return w.root
}

// Raw returns the underlying billy filesystem. Access through it bypasses
// the workspace lock and must not overlap a running build.
//
//nolint:ireturn // callers outside the engine need the adapter target.
func (w *Workspace) Raw() billy.Filesystem {
	return w.fs
}

func fsPath(p string) string {
	return "/" + strings.TrimPrefix(path.Clean("/"+p), "/")
}

// Exists reports whether p exists.
func (w *Workspace) Exists(p string) (bool, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	_, err := w.fs.Stat(fsPath(p))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, os.ErrNotExist):
		return false, nil
	default:
		return false, fmt.Errorf("billy: stat %q: %w", p, err)
	}
}

// Read returns the contents of p.
func (w *Workspace) Read(p string) ([]byte, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	data, err := util.ReadFile(w.fs, fsPath(p))
	if err != nil {
		return nil, fmt.Errorf("billy: readfile %q: %w", p, err)
	}
	return data, nil
}

// Perm returns the permission bits of p.
func (w *Workspace) Perm(p string) (fs.FileMode, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	info, err := w.fs.Stat(fsPath(p))
	if err != nil {
		return 0, fmt.Errorf("billy: stat %q: %w", p, err)
	}
	return info.Mode().Perm(), nil
}

// MkdirAll creates dir and any missing parents.
func (w *Workspace) MkdirAll(dir string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.mkdirAll(dir)
}

func (w *Workspace) mkdirAll(dir string) error {
	if err := w.fs.MkdirAll(fsPath(dir), dirPerm); err != nil {
		return fmt.Errorf("billy: mkdirall %q: %w", dir, err)
	}
	return nil
}

// Publish writes every output atomically with its declared permission.
// Either all outputs are renamed into place or none are: on failure the
// temporaries and any output already renamed in this call are removed.
func (w *Workspace) Publish(outputs []Output, contents map[string][]byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	temps := make(map[string]string, len(outputs))
	cleanup := func() {
		for _, tmp := range temps {
			_ = w.fs.Remove(tmp)
		}
	}

	for _, out := range outputs {
		tmp, err := w.writeTemp(out, contents[out.Path])
		if err != nil {
			cleanup()
			return NewIOError("write output", err).WithPath(out.Path)
		}
		temps[out.Path] = tmp
	}

	published := make([]string, 0, len(outputs))
	for _, out := range outputs {
		if err := w.fs.Rename(temps[out.Path], fsPath(out.Path)); err != nil {
			cleanup()
			_ = w.remove(published...)
			return NewIOError("publish output", err).WithPath(out.Path)
		}
		delete(temps, out.Path)
		published = append(published, out.Path)
	}
	return nil
}

func (w *Workspace) writeTemp(out Output, data []byte) (string, error) {
	dir, base := path.Split(out.Path)
	if err := w.mkdirAll(dir); err != nil {
		return "", err
	}
	tmp := fsPath(path.Join(dir, "."+base+".tmp-"+uuid.NewString()))

	f, err := w.fs.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, out.Perm)
	if err != nil {
		return "", fmt.Errorf("billy: openfile %q: %w", tmp, err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = w.fs.Remove(tmp)
		return "", fmt.Errorf("billy: write %q: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		_ = w.fs.Remove(tmp)
		return "", fmt.Errorf("billy: close %q: %w", tmp, err)
	}
	if err := w.enforcePerm(tmp, out.Perm); err != nil {
		_ = w.fs.Remove(tmp)
		return "", err
	}
	return tmp, nil
}

// enforcePerm makes sure the file carries exactly perm, which matters when
// a umask widened or narrowed the mode requested at creation.
func (w *Workspace) enforcePerm(name string, perm fs.FileMode) error {
	info, err := w.fs.Stat(name)
	if err != nil {
		return fmt.Errorf("billy: stat %q: %w", name, err)
	}
	if info.Mode().Perm() == perm {
		return nil
	}

	changer, ok := w.fs.(billy.Change)
	if !ok {
		return NewIOError(fmt.Sprintf("filesystem cannot set mode %04o", perm), nil).
			WithCode(ErrCodePermission)
	}
	if err := changer.Chmod(name, perm); err != nil {
		return NewIOError(fmt.Sprintf("set mode %04o", perm), err).WithCode(ErrCodePermission)
	}

	info, err = w.fs.Stat(name)
	if err != nil {
		return fmt.Errorf("billy: stat %q: %w", name, err)
	}
	if info.Mode().Perm() != perm {
		return NewIOError(fmt.Sprintf("mode is %04o, want %04o", info.Mode().Perm(), perm), nil).
			WithCode(ErrCodePermission)
	}
	return nil
}

// Remove deletes the given files. Missing files are ignored.
func (w *Workspace) Remove(paths ...string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.remove(paths...)
}

func (w *Workspace) remove(paths ...string) error {
	var errs []error
	for _, p := range paths {
		if err := w.fs.Remove(fsPath(p)); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, fmt.Errorf("billy: remove %q: %w", p, err))
		}
	}
	return errors.Join(errs...)
}

// RemoveAll deletes p and everything below it.
func (w *Workspace) RemoveAll(p string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := util.RemoveAll(w.fs, fsPath(p)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("billy: removeall %q: %w", p, err)
	}
	return nil
}

// Files lists regular files below dir (the whole root when dir is empty),
// sorted, as paths relative to the root.
func (w *Workspace) Files(dir string) ([]string, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	files := make([]string, 0)
	if err := w.walk(strings.Trim(path.Clean("/"+dir), "/"), &files); err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}

func (w *Workspace) walk(dir string, files *[]string) error {
	entries, err := w.fs.ReadDir(fsPath(dir))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("billy: readdir %q: %w", dir, err)
	}
	for _, entry := range entries {
		name := entry.Name()
		if name == "." || name == ".." || name == "" {
			continue
		}
		p := path.Join(dir, name)
		if entry.IsDir() {
			if err := w.walk(p, files); err != nil {
				return err
			}
			continue
		}
		*files = append(*files, p)
	}
	return nil
}

// Entries lists the names directly under the root.
func (w *Workspace) Entries() ([]string, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	entries, err := w.fs.ReadDir("/")
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("billy: readdir %q: %w", w.root, err)
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if n := entry.Name(); n != "." && n != ".." && n != "" {
			names = append(names, n)
		}
	}
	sort.Strings(names)
	return names, nil
}

// RunLock is an exclusive hold on the output root.
type RunLock struct {
	ws    *Workspace
	RunID string
}

// AcquireLock creates the lock file exclusively. A second run against the
// same root gets a concurrent-run error naming the holder.
func (w *Workspace) AcquireLock(runID string) (*RunLock, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	f, err := w.fs.OpenFile(fsPath(LockFile), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			holder, _ := util.ReadFile(w.fs, fsPath(LockFile))
			return nil, NewConcurrentRunError(path.Join(w.root, LockFile), strings.TrimSpace(string(holder)))
		}
		return nil, NewIOError("acquire lock", err).WithPath(LockFile)
	}
	if _, err := f.Write([]byte(runID + "\n")); err != nil {
		_ = f.Close()
		_ = w.fs.Remove(fsPath(LockFile))
		return nil, NewIOError("write lock", err).WithPath(LockFile)
	}
	if err := f.Close(); err != nil {
		_ = w.fs.Remove(fsPath(LockFile))
		return nil, NewIOError("write lock", err).WithPath(LockFile)
	}
	return &RunLock{ws: w, RunID: runID}, nil
}

// Release removes the lock file.
func (l *RunLock) Release() error {
	l.ws.mu.Lock()
	defer l.ws.mu.Unlock()
	if err := l.ws.fs.Remove(fsPath(LockFile)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return NewIOError("release lock", err).WithPath(LockFile)
	}
	return nil
}
