package fs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"syscall"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/gabriel-vasile/mimetype"
	"go.uber.org/zap"
)

const (
	tempPrefix  = ".upload-"
	tempPattern = tempPrefix + "*.tmp"

	// sniffLen is how much of an upload is kept for content type detection.
	sniffLen = 3072
)

// StoreConfig holds the options of a Store.
type StoreConfig struct {
	// Exclude holds doublestar patterns, matched against the root-relative
	// path and the base name, of entries hidden from listings.
	Exclude []string
	// MaxUploadBytes caps a single upload; zero means unlimited.
	MaxUploadBytes int64
	Logger         *zap.Logger
}

// Store performs file operations below a single root. Every path it touches
// comes out of its Resolver.
type Store struct {
	resolver  *Resolver
	exclude   []string
	maxUpload int64
	logger    *zap.Logger
}

// NewStore creates a Store on top of r.
func NewStore(r *Resolver, cfg StoreConfig) *Store {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Store{
		resolver:  r,
		exclude:   cfg.Exclude,
		maxUpload: cfg.MaxUploadBytes,
		logger:    cfg.Logger,
	}
}

// Resolver returns the resolver the store validates paths with.
func (s *Store) Resolver() *Resolver {
	return s.resolver
}

// List returns the entries of the directory at rel, directories first and
// then by name, case-insensitively.
func (s *Store) List(rel string) ([]Entry, error) {
	dir, err := s.resolveDir("list", rel)
	if err != nil {
		return nil, err
	}

	des, err := os.ReadDir(string(dir))
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %w", ErrIO, rel, err)
	}

	base := s.resolver.Rel(dir)
	entries := make([]Entry, 0, len(des))
	for _, de := range des {
		name := de.Name()
		childRel := path.Join(base, name)
		if s.Hidden(childRel) {
			continue
		}
		entry, ok := s.entryFor(childRel, de)
		if !ok {
			continue
		}
		entries = append(entries, entry)
	}

	sortEntries(entries)
	return entries, nil
}

// entryFor builds the entry for a listed child. Symlinks are followed only
// through the resolver; links that escape the root or dangle are skipped.
func (s *Store) entryFor(childRel string, de os.DirEntry) (Entry, bool) {
	info, err := de.Info()
	if err != nil {
		return Entry{}, false
	}
	if info.Mode()&os.ModeSymlink != 0 {
		target, err := s.resolver.Resolve(childRel)
		if err != nil {
			return Entry{}, false
		}
		if info, err = os.Stat(string(target)); err != nil {
			return Entry{}, false
		}
	}
	return newEntry(de.Name(), info), true
}

// Mkdir creates the single directory name inside the existing directory rel.
func (s *Store) Mkdir(rel, name string) (Entry, error) {
	if err := ValidName(name); err != nil {
		return Entry{}, err
	}
	parent, err := s.resolveDir("mkdir", rel)
	if err != nil {
		return Entry{}, err
	}
	target, err := s.resolver.Resolve(path.Join(s.resolver.Rel(parent), name))
	if err != nil {
		return Entry{}, s.reject("mkdir", name, err)
	}

	if err := os.Mkdir(string(target), 0o755); err != nil {
		if errors.Is(err, os.ErrExist) {
			return Entry{}, fmt.Errorf("%s: %w", name, ErrAlreadyExists)
		}
		return Entry{}, fmt.Errorf("%w: mkdir %s: %w", ErrIO, name, err)
	}

	info, err := os.Stat(string(target))
	if err != nil {
		return Entry{}, fmt.Errorf("%w: stat %s: %w", ErrIO, name, err)
	}
	s.logger.Info("created directory", zap.String("path", s.resolver.Rel(target)))
	return newEntry(name, info), nil
}

// Upload streams content into filename inside the directory rel. The data
// goes to a temporary file in the same directory which is renamed into place
// once complete, so a failed transfer never leaves a partial file under the
// final name. An existing file is replaced only when overwrite is set; of
// several concurrent uploads to a new name without overwrite exactly one wins.
func (s *Store) Upload(ctx context.Context, rel, filename string, content io.Reader, overwrite bool) (Entry, error) {
	if err := ValidName(filename); err != nil {
		return Entry{}, err
	}
	dir, err := s.resolveDir("upload", rel)
	if err != nil {
		return Entry{}, err
	}
	target, err := s.resolver.Resolve(path.Join(s.resolver.Rel(dir), filename))
	if err != nil {
		return Entry{}, s.reject("upload", filename, err)
	}
	if err := checkTarget(target, filename, overwrite); err != nil {
		return Entry{}, err
	}

	tmp, err := os.CreateTemp(string(dir), tempPattern)
	if err != nil {
		return Entry{}, fmt.Errorf("%w: create temp file: %w", ErrIO, err)
	}
	tmpPath := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	var src io.Reader = &ctxReader{ctx: ctx, r: content}
	if s.maxUpload > 0 {
		src = io.LimitReader(src, s.maxUpload+1)
	}
	head := &headBuffer{max: sniffLen}
	n, err := io.Copy(tmp, io.TeeReader(src, head))
	if err != nil {
		return Entry{}, fmt.Errorf("%w: write %s: %w", ErrIO, filename, err)
	}
	if s.maxUpload > 0 && n > s.maxUpload {
		return Entry{}, fmt.Errorf("%s: %w (%d bytes)", filename, ErrTooLarge, s.maxUpload)
	}
	if err := tmp.Sync(); err != nil {
		return Entry{}, fmt.Errorf("%w: sync %s: %w", ErrIO, filename, err)
	}
	if err := tmp.Close(); err != nil {
		return Entry{}, fmt.Errorf("%w: close %s: %w", ErrIO, filename, err)
	}
	if err := os.Chmod(tmpPath, 0o644); err != nil {
		return Entry{}, fmt.Errorf("%w: chmod %s: %w", ErrIO, filename, err)
	}

	// The target may have appeared while the body was streaming.
	if err := checkTarget(target, filename, overwrite); err != nil {
		return Entry{}, err
	}
	if err := commit(tmpPath, target, filename, overwrite); err != nil {
		return Entry{}, err
	}
	committed = true

	info, err := os.Stat(string(target))
	if err != nil {
		return Entry{}, fmt.Errorf("%w: stat %s: %w", ErrIO, filename, err)
	}
	entry := newEntry(filename, info)
	entry.MimeType = mimetype.Detect(head.Bytes()).String()

	s.logger.Info("uploaded file",
		zap.String("path", s.resolver.Rel(target)),
		zap.Int64("size", n),
		zap.String("mime", entry.MimeType),
		zap.Bool("overwrite", overwrite))
	return entry, nil
}

// commit moves the finished temporary file to target. Without overwrite the
// file is hard-linked instead of renamed, so a name created by a concurrent
// upload is never replaced.
func commit(tmpPath string, target ResolvedPath, name string, overwrite bool) error {
	if overwrite {
		if err := os.Rename(tmpPath, string(target)); err != nil {
			return fmt.Errorf("%w: rename %s: %w", ErrIO, name, err)
		}
		return nil
	}
	if err := os.Link(tmpPath, string(target)); err != nil {
		if errors.Is(err, os.ErrExist) {
			return fmt.Errorf("%s: %w", name, ErrAlreadyExists)
		}
		return fmt.Errorf("%w: link %s: %w", ErrIO, name, err)
	}
	_ = os.Remove(tmpPath)
	return nil
}

func checkTarget(target ResolvedPath, name string, overwrite bool) error {
	info, err := os.Lstat(string(target))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("%w: stat %s: %w", ErrIO, name, err)
	}
	if info.IsDir() || !overwrite {
		return fmt.Errorf("%s: %w", name, ErrAlreadyExists)
	}
	return nil
}

// Delete removes the file, symlink or directory tree at rel. The root itself
// cannot be deleted. A recursive delete interrupted halfway is not rolled
// back.
func (s *Store) Delete(rel string) error {
	if rel == "" {
		return fmt.Errorf("delete root: %w", ErrForbidden)
	}
	target, err := s.resolver.ResolveEntry(rel)
	if err != nil {
		return s.reject("delete", rel, err)
	}
	if target == s.resolver.Root() {
		return fmt.Errorf("delete root: %w", ErrForbidden)
	}

	info, err := os.Lstat(string(target))
	if err != nil {
		return s.statErr(rel, err)
	}
	if info.IsDir() {
		err = os.RemoveAll(string(target))
	} else {
		err = os.Remove(string(target))
	}
	if err != nil {
		return fmt.Errorf("%w: delete %s: %w", ErrIO, rel, err)
	}

	s.logger.Info("deleted entry",
		zap.String("path", s.resolver.Rel(target)),
		zap.Bool("directory", info.IsDir()))
	return nil
}

// Stat returns the entry at rel; "" is the root.
func (s *Store) Stat(rel string) (Entry, error) {
	p, err := s.resolve("stat", rel)
	if err != nil {
		return Entry{}, err
	}
	info, err := os.Stat(string(p))
	if err != nil {
		return Entry{}, s.statErr(rel, err)
	}
	return newEntry(filepath.Base(string(p)), info), nil
}

// Open opens the regular file at rel for reading.
func (s *Store) Open(rel string) (*os.File, Entry, error) {
	entry, err := s.Stat(rel)
	if err != nil {
		return nil, Entry{}, err
	}
	if entry.IsDir() {
		return nil, Entry{}, fmt.Errorf("%s: %w", rel, ErrIsDirectory)
	}
	p, err := s.resolve("open", rel)
	if err != nil {
		return nil, Entry{}, err
	}
	f, err := os.Open(string(p))
	if err != nil {
		return nil, Entry{}, s.statErr(rel, err)
	}
	return f, entry, nil
}

// IsExcluded reports whether rel matches one of the exclude patterns, either
// as a whole or by its base name.
func (s *Store) IsExcluded(rel string) bool {
	base := path.Base(rel)
	for _, pattern := range s.exclude {
		if ok, _ := doublestar.Match(pattern, rel); ok {
			return true
		}
		if ok, _ := doublestar.Match(pattern, base); ok {
			return true
		}
	}
	return false
}

// resolve maps "" to the root and everything else through the resolver.
func (s *Store) resolve(op, rel string) (ResolvedPath, error) {
	if rel == "" {
		return s.resolver.Root(), nil
	}
	p, err := s.resolver.Resolve(rel)
	if err != nil {
		return "", s.reject(op, rel, err)
	}
	return p, nil
}

func (s *Store) resolveDir(op, rel string) (ResolvedPath, error) {
	dir, err := s.resolve(op, rel)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(string(dir))
	if err != nil {
		return "", s.statErr(rel, err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("%s: %w", rel, ErrNotADirectory)
	}
	return dir, nil
}

func (s *Store) reject(op, rel string, err error) error {
	if errors.Is(err, ErrPathTraversal) {
		s.logger.Warn("rejected path outside root", zap.String("op", op), zap.String("path", rel))
	}
	return err
}

func (s *Store) statErr(rel string, err error) error {
	if errors.Is(err, os.ErrNotExist) || errors.Is(err, syscall.ENOTDIR) {
		return fmt.Errorf("%s: %w", rel, ErrNotFound)
	}
	return fmt.Errorf("%w: stat %s: %w", ErrIO, rel, err)
}

func newEntry(name string, info os.FileInfo) Entry {
	e := Entry{
		Name:    name,
		ModTime: info.ModTime(),
	}
	if info.IsDir() {
		e.Kind = KindDirectory
	} else {
		e.Kind = KindFile
		e.Size = info.Size()
	}
	return e
}

func sortEntries(entries []Entry) {
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].IsDir() != entries[j].IsDir() {
			return entries[i].IsDir()
		}
		li, lj := strings.ToLower(entries[i].Name), strings.ToLower(entries[j].Name)
		if li != lj {
			return li < lj
		}
		return entries[i].Name < entries[j].Name
	})
}

// Hidden reports whether rel is kept out of listings and change events:
// in-flight uploads and excluded entries.
func (s *Store) Hidden(rel string) bool {
	return IsTempName(path.Base(rel)) || s.IsExcluded(rel)
}

// IsTempName reports whether name is an in-flight upload.
func IsTempName(name string) bool {
	return strings.HasPrefix(name, tempPrefix) && strings.HasSuffix(name, ".tmp")
}

// ctxReader stops a copy once its context is done.
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

// headBuffer keeps the first max bytes written to it and discards the rest.
type headBuffer struct {
	buf []byte
	max int
}

func (h *headBuffer) Write(p []byte) (int, error) {
	if room := h.max - len(h.buf); room > 0 {
		if len(p) < room {
			room = len(p)
		}
		h.buf = append(h.buf, p[:room]...)
	}
	return len(p), nil
}

func (h *headBuffer) Bytes() []byte {
	return h.buf
}
