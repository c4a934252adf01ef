package walk

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"iter"
	"path"
	"strings"
)

// ErrTruncated is yielded once as the last element when a walk stops
// because of Limits.MaxFiles.
var ErrTruncated = errors.New("walk truncated")

// Entry is a regular file found by a walk.
type Entry interface {
	Path() string
	Open() (io.ReadCloser, error)
	Stat() (fs.FileInfo, error)
}

// Limits bound a single walk. Zero values mean unlimited.
type Limits struct {
	MaxDepth int
	MaxFiles int
}

// Roots walks every dir of root one after another, sharing the limits.
// Dirs are slash separated paths relative to root, as accepted by fs.FS.
// Missing dirs are skipped.
func Roots(ctx context.Context, root fs.FS, limits Limits, dirs ...string) iter.Seq2[Entry, error] {
	return func(yield func(Entry, error) bool) {
		seen := 0
		for _, dir := range dirs {
			if _, err := fs.Stat(root, dir); err != nil {
				continue
			}
			l := limits
			if l.MaxFiles > 0 {
				l.MaxFiles -= seen
				if l.MaxFiles <= 0 {
					yield(nil, ErrTruncated)
					return
				}
			}
			for entry, err := range FS(ctx, root, dir, l) {
				if errors.Is(err, ErrTruncated) {
					yield(nil, err)
					return
				}
				if err == nil {
					seen++
				}
				if !yield(entry, err) {
					return
				}
			}
		}
	}
}

// FS recursively walks dir of root and returns a handle for every regular
// file found, or an error if file information retrieval fails.
// Each Entry's Path() is the absolute slash separated path, "/" + fs path.
// It does not follow symlinks.
func FS(ctx context.Context, root fs.FS, dir string, limits Limits) iter.Seq2[Entry, error] {
	if root == nil {
		panic("root is nil")
	}
	if dir == "" {
		dir = "."
	}
	baseDepth := depth(dir)

	return func(yield func(Entry, error) bool) {
		count := 0
		fn := func(p string, d fs.DirEntry, err error) error {
			if ctx.Err() != nil {
				return fs.SkipAll
			}
			if err != nil {
				if !yield(fsEntry{root: root, path: p, infoErr: err}, err) {
					return fs.SkipAll
				}
				return nil
			}
			if d.IsDir() {
				if limits.MaxDepth > 0 && depth(p)-baseDepth > limits.MaxDepth {
					return fs.SkipDir
				}
				return nil
			}
			if !d.Type().IsRegular() {
				return nil
			}
			if limits.MaxFiles > 0 && count >= limits.MaxFiles {
				yield(nil, ErrTruncated)
				return fs.SkipAll
			}
			count++

			entry := fsEntry{root: root, path: p}
			info, err := d.Info()
			if err != nil {
				entry.infoErr = err
			} else {
				entry.info = info
			}
			if !yield(entry, err) {
				return fs.SkipAll
			}
			return nil
		}
		_ = fs.WalkDir(root, dir, fn)
	}
}

func depth(p string) int {
	if p == "." || p == "" {
		return 0
	}
	return strings.Count(path.Clean(p), "/") + 1
}

// fsEntry implements Entry for a filesystem
// it uses root.Open to open the file
type fsEntry struct {
	root    fs.FS
	path    string
	info    fs.FileInfo
	infoErr error
}

// returns the absolute path to the file
func (e fsEntry) Path() string {
	if e.path == "." {
		return "/"
	}
	return "/" + e.path
}

func (e fsEntry) Open() (io.ReadCloser, error) {
	if e.infoErr != nil {
		return nil, e.infoErr
	}
	return e.root.Open(e.path)
}

func (e fsEntry) Stat() (fs.FileInfo, error) {
	return e.info, e.infoErr
}
