package fs

import (
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"syscall"
	"unicode"
	"unicode/utf8"
)

// maxNameLen matches NAME_MAX on the filesystems we run on.
const maxNameLen = 255

// ResolvedPath is an absolute path that passed the containment check.
// Only a Resolver produces one.
type ResolvedPath string

func (p ResolvedPath) String() string {
	return string(p)
}

// Resolver confines client-supplied relative paths to a root directory.
// It is stateless apart from the root, which never changes.
type Resolver struct {
	root string
}

// NewResolver creates a Resolver for root. The root must exist and be a
// directory; it is made absolute and its symlinks are evaluated once here.
func NewResolver(root string) (*Resolver, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve root %s: %w", root, err)
	}
	canon, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("resolve root %s: %w", root, err)
	}
	info, err := os.Stat(canon)
	if err != nil {
		return nil, fmt.Errorf("stat root %s: %w", canon, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("root %s: %w", canon, ErrNotADirectory)
	}
	return &Resolver{root: canon}, nil
}

// Root returns the canonical root directory.
func (r *Resolver) Root() ResolvedPath {
	return ResolvedPath(r.root)
}

// Resolve validates rel and returns the canonical absolute path it denotes,
// with every symlink along the way evaluated. Components that do not exist
// yet are appended unchanged to the deepest existing ancestor, so targets of
// mkdir and upload can be validated before they are created.
func (r *Resolver) Resolve(rel string) (ResolvedPath, error) {
	joined, err := r.join(rel)
	if err != nil {
		return "", err
	}
	canon, err := canonicalize(joined)
	if err != nil {
		return "", err
	}
	return r.contain(canon)
}

// ResolveEntry is like Resolve but does not follow the final component: the
// parent directory is canonicalized and the leaf name kept. Removing the
// returned path removes a symlink itself, never what it points to.
func (r *Resolver) ResolveEntry(rel string) (ResolvedPath, error) {
	joined, err := r.join(rel)
	if err != nil {
		return "", err
	}
	if joined == r.root {
		return r.Root(), nil
	}
	parent, err := canonicalize(filepath.Dir(joined))
	if err != nil {
		return "", err
	}
	return r.contain(filepath.Join(parent, filepath.Base(joined)))
}

// Rel returns p relative to the root in slash form, "" for the root itself.
func (r *Resolver) Rel(p ResolvedPath) string {
	rel, err := filepath.Rel(r.root, string(p))
	if err != nil || rel == "." {
		return ""
	}
	return filepath.ToSlash(rel)
}

func (r *Resolver) join(rel string) (string, error) {
	if rel == "" {
		return "", fmt.Errorf("%w: empty path", ErrInvalidPath)
	}
	if strings.HasPrefix(rel, "/") {
		return "", fmt.Errorf("%w: absolute path %q", ErrInvalidPath, rel)
	}
	if !utf8.ValidString(rel) {
		return "", fmt.Errorf("%w: path is not valid UTF-8", ErrInvalidPath)
	}
	for _, c := range rel {
		if c == '\\' || unicode.IsControl(c) {
			return "", fmt.Errorf("%w: path contains %q", ErrInvalidPath, c)
		}
	}
	for _, seg := range strings.Split(rel, "/") {
		if seg == ".." {
			return "", ErrPathTraversal
		}
	}
	clean := path.Clean(rel)
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return "", ErrPathTraversal
	}
	if clean == "." {
		return r.root, nil
	}
	return filepath.Join(r.root, filepath.FromSlash(clean)), nil
}

// contain is the single containment check: p must be the root or sit below
// it on a separator boundary.
func (r *Resolver) contain(p string) (ResolvedPath, error) {
	if p == r.root {
		return ResolvedPath(p), nil
	}
	prefix := r.root
	if !strings.HasSuffix(prefix, string(filepath.Separator)) {
		prefix += string(filepath.Separator)
	}
	if !strings.HasPrefix(p, prefix) {
		return "", ErrPathTraversal
	}
	return ResolvedPath(p), nil
}

// canonicalize evaluates symlinks on the deepest existing ancestor of p and
// re-appends the missing tail.
func canonicalize(p string) (string, error) {
	var tail []string
	cur := p
	for {
		resolved, err := filepath.EvalSymlinks(cur)
		if err == nil {
			for i := len(tail) - 1; i >= 0; i-- {
				resolved = filepath.Join(resolved, tail[i])
			}
			return resolved, nil
		}
		if !errors.Is(err, os.ErrNotExist) && !errors.Is(err, syscall.ENOTDIR) {
			return "", fmt.Errorf("%w: %w", ErrInvalidPath, err)
		}
		if _, lerr := os.Lstat(cur); lerr == nil {
			// The entry exists but cannot be evaluated: a dangling symlink
			// whose target cannot be checked against the root.
			return "", fmt.Errorf("%w: dangling symlink %s", ErrPathTraversal, filepath.Base(cur))
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return "", fmt.Errorf("%w: %w", ErrInvalidPath, err)
		}
		tail = append(tail, filepath.Base(cur))
		cur = parent
	}
}

// ValidName checks a single entry name supplied for mkdir or upload.
func ValidName(name string) error {
	switch {
	case name == "":
		return fmt.Errorf("%w: empty name", ErrInvalidPath)
	case len(name) > maxNameLen:
		return fmt.Errorf("%w: name longer than %d bytes", ErrInvalidPath, maxNameLen)
	case name == "." || name == "..":
		return fmt.Errorf("%w: name %q", ErrInvalidPath, name)
	case strings.HasPrefix(name, "."):
		return fmt.Errorf("%w: hidden names are not allowed", ErrInvalidPath)
	case !utf8.ValidString(name):
		return fmt.Errorf("%w: name is not valid UTF-8", ErrInvalidPath)
	}
	for _, c := range name {
		if c == '/' || c == '\\' || unicode.IsControl(c) {
			return fmt.Errorf("%w: name contains %q", ErrInvalidPath, c)
		}
	}
	return nil
}
