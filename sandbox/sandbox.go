// Package sandbox confines client supplied paths to a single directory tree.
//
// Every path handed to a Root is joined with the root directory, cleaned and
// then canonicalized with symlinks evaluated. The canonical result must equal
// the canonical root or sit below it; anything else is ErrForbidden.
package sandbox

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"syscall"
	"time"
)

var (
	// ErrForbidden is returned when a path resolves outside the root.
	ErrForbidden = errors.New("path escapes sandbox")
	// ErrNotFound is returned when a path that must exist does not.
	ErrNotFound = errors.New("path not found")
	// ErrInvalidName is returned for file names that are not a single path element.
	ErrInvalidName = errors.New("invalid file name")
)

// Kind tags a resolved entry.
type Kind int

const (
	Missing Kind = iota
	Directory
	File
)

func (k Kind) String() string {
	switch k {
	case Directory:
		return "directory"
	case File:
		return "file"
	default:
		return "missing"
	}
}

// Entry is the result of resolving a requested path against a Root.
type Entry struct {
	Kind Kind
	// Path is the canonical absolute path with every symlink evaluated.
	Path string
	// Link is the location of the entry itself: its canonical parent joined
	// with the last element. It differs from Path only for symlinks, and is
	// what mutations operate on.
	Link string
	// Rel is Link relative to the root using forward slashes, "" for the root itself.
	Rel     string
	Size    int64
	ModTime time.Time
}

// IsRoot reports whether the entry is the sandbox root directory.
func (e Entry) IsRoot() bool { return e.Kind == Directory && e.Rel == "" }

// Name is the last element of the entry location.
func (e Entry) Name() string { return filepath.Base(e.Link) }

// Root is an immutable sandbox root directory.
type Root struct {
	path string
}

// New canonicalizes dir and returns a Root for it. dir must be an existing directory.
func New(dir string) (*Root, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("sandbox root %q: %w", dir, err)
	}
	canon, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("sandbox root %q: %w", dir, err)
	}
	fi, err := os.Stat(canon)
	if err != nil {
		return nil, fmt.Errorf("sandbox root %q: %w", dir, err)
	}
	if !fi.IsDir() {
		return nil, fmt.Errorf("sandbox root %q: not a directory", dir)
	}
	return &Root{path: canon}, nil
}

// Path returns the canonical root path.
func (r *Root) Path() string { return r.path }

// Contains reports whether the canonical path p is the root or lies below it.
func (r *Root) Contains(p string) bool {
	if p == r.path {
		return true
	}
	prefix := r.path
	if !strings.HasSuffix(prefix, string(filepath.Separator)) {
		prefix += string(filepath.Separator)
	}
	return strings.HasPrefix(p, prefix)
}

// Resolve maps an untrusted requested path onto the filesystem below the root.
func (r *Root) Resolve(requested string) (Entry, error) {
	if strings.ContainsRune(requested, 0) {
		return Entry{}, ErrForbidden
	}
	rel := strings.TrimLeft(requested, `/\`)
	joined := filepath.Join(r.path, filepath.FromSlash(rel))
	if !r.Contains(joined) {
		return Entry{}, ErrForbidden
	}

	canon, exists, err := r.canonical(joined)
	if err != nil {
		return Entry{}, err
	}
	link := canon
	if exists && joined != r.path {
		parent, _, err := r.canonical(filepath.Dir(joined))
		if err != nil {
			return Entry{}, err
		}
		link = filepath.Join(parent, filepath.Base(joined))
	}
	e := Entry{Kind: Missing, Path: canon, Link: link, Rel: r.rel(link)}
	if !exists {
		return e, nil
	}

	fi, err := os.Stat(canon)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return e, nil
	case err != nil:
		return Entry{}, fmt.Errorf("stat %s: %w", e.Rel, err)
	}
	e.ModTime = fi.ModTime()
	switch {
	case fi.IsDir():
		e.Kind = Directory
	case fi.Mode().IsRegular():
		e.Kind = File
		e.Size = fi.Size()
	}
	return e, nil
}

// ResolveChild resolves name inside the directory dir. name must be a single
// path element.
func (r *Root) ResolveChild(dir, name string) (Entry, error) {
	if !ValidName(name) {
		return Entry{}, ErrInvalidName
	}
	return r.Resolve(path.Join(strings.TrimLeft(dir, `/\`), name))
}

// ValidName reports whether name can be used as a single file name.
func ValidName(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}
	return !strings.ContainsAny(name, "/\\\x00")
}

// canonical evaluates symlinks in p. When p does not exist the deepest
// existing ancestor is evaluated and the missing tail appended to it, so a
// missing path is still checked against where its parent really lives.
func (r *Root) canonical(p string) (string, bool, error) {
	canon, err := filepath.EvalSymlinks(p)
	if err == nil {
		if !r.Contains(canon) {
			return "", false, ErrForbidden
		}
		return canon, true, nil
	}
	if !isNotExist(err) {
		return "", false, ErrForbidden
	}

	var tail []string
	dir := p
	for {
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", false, ErrForbidden
		}
		tail = append([]string{filepath.Base(dir)}, tail...)
		dir = parent

		canon, err = filepath.EvalSymlinks(dir)
		if err == nil {
			break
		}
		if !isNotExist(err) {
			return "", false, ErrForbidden
		}
	}
	if !r.Contains(canon) {
		return "", false, ErrForbidden
	}
	return filepath.Join(append([]string{canon}, tail...)...), false, nil
}

func (r *Root) rel(canon string) string {
	rel, err := filepath.Rel(r.path, canon)
	if err != nil || rel == "." {
		return ""
	}
	return filepath.ToSlash(rel)
}

func isNotExist(err error) bool {
	return errors.Is(err, fs.ErrNotExist) || errors.Is(err, syscall.ENOTDIR)
}
