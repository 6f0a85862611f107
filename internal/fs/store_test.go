package fs

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T, cfg StoreConfig) (*Store, string) {
	t.Helper()

	root := filepath.Join(t.TempDir(), "plugins")
	require.NoError(t, os.Mkdir(root, 0o755))
	r, err := NewResolver(root)
	require.NoError(t, err)
	return NewStore(r, cfg), string(r.Root())
}

func names(entries []Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Name
	}
	return out
}

func find(entries []Entry, name string) (Entry, bool) {
	for _, e := range entries {
		if e.Name == name {
			return e, true
		}
	}
	return Entry{}, false
}

// failingReader yields some data and then breaks like a dropped connection.
type failingReader struct {
	data []byte
	sent bool
}

func (f *failingReader) Read(p []byte) (int, error) {
	if !f.sent {
		f.sent = true
		return copy(p, f.data), nil
	}
	return 0, io.ErrUnexpectedEOF
}

func TestMkdirListDeleteRoundTrip(t *testing.T) {
	s, _ := newTestStore(t, StoreConfig{})

	entry, err := s.Mkdir("", "configs")
	require.NoError(t, err)
	assert.Equal(t, "configs", entry.Name)
	assert.Equal(t, KindDirectory, entry.Kind)

	entries, err := s.List("")
	require.NoError(t, err)
	got, ok := find(entries, "configs")
	require.True(t, ok)
	assert.True(t, got.IsDir())

	_, err = s.Mkdir("configs", "x")
	require.NoError(t, err)
	entries, err = s.List("configs")
	require.NoError(t, err)
	assert.Equal(t, []string{"x"}, names(entries))

	require.NoError(t, s.Delete("configs/x"))
	entries, err = s.List("configs")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestMkdirErrors(t *testing.T) {
	s, root := newTestStore(t, StoreConfig{})
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.jar"), []byte("jar"), 0o644))

	_, err := s.Mkdir("", "configs")
	require.NoError(t, err)

	_, err = s.Mkdir("", "configs")
	assert.ErrorIs(t, err, ErrAlreadyExists)

	_, err = s.Mkdir("missing", "x")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.Mkdir("a.jar", "x")
	assert.ErrorIs(t, err, ErrNotADirectory)

	_, err = s.Mkdir("", "a/b")
	assert.ErrorIs(t, err, ErrInvalidPath)

	_, err = s.Mkdir("", "")
	assert.ErrorIs(t, err, ErrInvalidPath)

	_, err = s.Mkdir("..", "x")
	assert.ErrorIs(t, err, ErrPathTraversal)

	_, err = os.Stat(filepath.Join(root, "a"))
	assert.True(t, os.IsNotExist(err), "no intermediate directory may be created")
}

func TestListSorting(t *testing.T) {
	s, root := newTestStore(t, StoreConfig{})

	for _, d := range []string{"zeta", "Alpha", "beta"} {
		require.NoError(t, os.Mkdir(filepath.Join(root, d), 0o755))
	}
	for _, f := range []string{"b.jar", "A.jar", "c.yml"} {
		require.NoError(t, os.WriteFile(filepath.Join(root, f), []byte(f), 0o644))
	}

	entries, err := s.List("")
	require.NoError(t, err)
	assert.Equal(t, []string{"Alpha", "beta", "zeta", "A.jar", "b.jar", "c.yml"}, names(entries))

	jar, ok := find(entries, "b.jar")
	require.True(t, ok)
	assert.Equal(t, KindFile, jar.Kind)
	assert.Equal(t, int64(len("b.jar")), jar.Size)
	assert.False(t, jar.ModTime.IsZero())

	dir, ok := find(entries, "beta")
	require.True(t, ok)
	assert.Zero(t, dir.Size)
}

func TestListErrors(t *testing.T) {
	s, root := newTestStore(t, StoreConfig{})
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.jar"), []byte("jar"), 0o644))

	_, err := s.List("missing")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.List("a.jar")
	assert.ErrorIs(t, err, ErrNotADirectory)

	_, err = s.List("a.jar/inner")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.List("../")
	assert.ErrorIs(t, err, ErrPathTraversal)
}

func TestListHidesExcludedTempAndEscapingLinks(t *testing.T) {
	outside := t.TempDir()
	s, root := newTestStore(t, StoreConfig{Exclude: []string{"*.bak", "cache/*"}})

	require.NoError(t, os.WriteFile(filepath.Join(root, "keep.jar"), nil, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "old.jar.bak"), nil, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, ".upload-123.tmp"), nil, 0o600))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "cache", "x"), 0o755))
	require.NoError(t, os.Mkdir(filepath.Join(root, "configs"), 0o755))
	require.NoError(t, os.Symlink(outside, filepath.Join(root, "outside")))
	require.NoError(t, os.Symlink(filepath.Join(root, "configs"), filepath.Join(root, "cfg")))

	entries, err := s.List("")
	require.NoError(t, err)
	assert.Equal(t, []string{"cache", "cfg", "configs", "keep.jar"}, names(entries))

	cfg, _ := find(entries, "cfg")
	assert.True(t, cfg.IsDir(), "symlinked directory inside root lists as a directory")

	entries, err = s.List("cache")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestUpload(t *testing.T) {
	s, root := newTestStore(t, StoreConfig{})
	_, err := s.Mkdir("", "configs")
	require.NoError(t, err)

	content := bytes.Repeat([]byte("PK\x03\x04plugin"), 1024)
	entry, err := s.Upload(context.Background(), "configs", "a.jar", bytes.NewReader(content), false)
	require.NoError(t, err)
	assert.Equal(t, "a.jar", entry.Name)
	assert.Equal(t, int64(len(content)), entry.Size)
	assert.NotEmpty(t, entry.MimeType)

	entries, err := s.List("configs")
	require.NoError(t, err)
	got, ok := find(entries, "a.jar")
	require.True(t, ok)
	assert.Equal(t, int64(len(content)), got.Size)

	data, err := os.ReadFile(filepath.Join(root, "configs", "a.jar"))
	require.NoError(t, err)
	assert.Equal(t, content, data)

	info, err := os.Stat(filepath.Join(root, "configs", "a.jar"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o644), info.Mode().Perm())
}

func TestUploadOverwrite(t *testing.T) {
	s, root := newTestStore(t, StoreConfig{})
	ctx := context.Background()

	_, err := s.Upload(ctx, "", "a.jar", strings.NewReader("v1"), false)
	require.NoError(t, err)

	_, err = s.Upload(ctx, "", "a.jar", strings.NewReader("v2"), false)
	assert.ErrorIs(t, err, ErrAlreadyExists)

	data, err := os.ReadFile(filepath.Join(root, "a.jar"))
	require.NoError(t, err)
	assert.Equal(t, "v1", string(data))

	entry, err := s.Upload(ctx, "", "a.jar", strings.NewReader("version2"), true)
	require.NoError(t, err)
	assert.Equal(t, int64(len("version2")), entry.Size)

	require.NoError(t, os.Mkdir(filepath.Join(root, "dir"), 0o755))
	_, err = s.Upload(ctx, "", "dir", strings.NewReader("x"), true)
	assert.ErrorIs(t, err, ErrAlreadyExists)
}

func TestUploadFailureLeavesNoFile(t *testing.T) {
	s, root := newTestStore(t, StoreConfig{})

	_, err := s.Upload(context.Background(), "", "broken.jar", &failingReader{data: []byte("partial")}, false)
	require.ErrorIs(t, err, ErrIO)
	assert.True(t, errors.Is(err, io.ErrUnexpectedEOF))

	entries, err := s.List("")
	require.NoError(t, err)
	_, ok := find(entries, "broken.jar")
	assert.False(t, ok)

	des, err := os.ReadDir(root)
	require.NoError(t, err)
	assert.Empty(t, des, "temporary file must be cleaned up")
}

func TestUploadCancelled(t *testing.T) {
	s, root := newTestStore(t, StoreConfig{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.Upload(ctx, "", "a.jar", strings.NewReader("data"), false)
	assert.ErrorIs(t, err, context.Canceled)

	des, err := os.ReadDir(root)
	require.NoError(t, err)
	assert.Empty(t, des)
}

func TestUploadTooLarge(t *testing.T) {
	s, root := newTestStore(t, StoreConfig{MaxUploadBytes: 8})

	_, err := s.Upload(context.Background(), "", "big.jar", strings.NewReader("0123456789"), false)
	assert.ErrorIs(t, err, ErrTooLarge)

	des, err := os.ReadDir(root)
	require.NoError(t, err)
	assert.Empty(t, des)

	_, err = s.Upload(context.Background(), "", "ok.jar", strings.NewReader("01234567"), false)
	assert.NoError(t, err)
}

// gatedReader reports on its first read and then waits for the gate.
type gatedReader struct {
	data  string
	ready *sync.WaitGroup
	gate  chan struct{}
	once  sync.Once
	r     io.Reader
}

func (g *gatedReader) Read(p []byte) (int, error) {
	g.once.Do(func() {
		g.ready.Done()
		<-g.gate
		g.r = strings.NewReader(g.data)
	})
	return g.r.Read(p)
}

func TestConcurrentUploadsWithoutOverwrite(t *testing.T) {
	s, root := newTestStore(t, StoreConfig{})
	const n = 8

	var ready sync.WaitGroup
	ready.Add(n)
	gate := make(chan struct{})

	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		body := &gatedReader{data: strings.Repeat("x", i+1), ready: &ready, gate: gate}
		go func() {
			_, err := s.Upload(context.Background(), "", "race.jar", body, false)
			errs <- err
		}()
	}
	// Every upload has passed the existence check before any body completes.
	ready.Wait()
	close(gate)

	var won int
	for i := 0; i < n; i++ {
		err := <-errs
		if err == nil {
			won++
			continue
		}
		assert.ErrorIs(t, err, ErrAlreadyExists)
	}
	assert.Equal(t, 1, won)

	des, err := os.ReadDir(root)
	require.NoError(t, err)
	require.Len(t, des, 1, "temporary files must be cleaned up")
	assert.Equal(t, "race.jar", des[0].Name())
}

func TestCommitDoesNotReplaceWithoutOverwrite(t *testing.T) {
	_, root := newTestStore(t, StoreConfig{})
	target := filepath.Join(root, "a.jar")
	require.NoError(t, os.WriteFile(target, []byte("first"), 0o644))
	tmp := filepath.Join(root, ".upload-1.tmp")
	require.NoError(t, os.WriteFile(tmp, []byte("second"), 0o644))

	err := commit(tmp, ResolvedPath(target), "a.jar", false)
	require.ErrorIs(t, err, ErrAlreadyExists)
	got, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "first", string(got))

	require.NoError(t, commit(tmp, ResolvedPath(target), "a.jar", true))
	got, err = os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "second", string(got))
	_, err = os.Stat(tmp)
	assert.True(t, os.IsNotExist(err))
}

func TestUploadRejectsBadInput(t *testing.T) {
	s, root := newTestStore(t, StoreConfig{})
	ctx := context.Background()
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.jar"), nil, 0o644))

	tests := []struct {
		name     string
		rel      string
		filename string
		wantErr  error
	}{
		{name: "separator in filename", filename: "../x.jar", wantErr: ErrInvalidPath},
		{name: "hidden filename", filename: ".htaccess", wantErr: ErrInvalidPath},
		{name: "traversal directory", rel: "../..", filename: "x.jar", wantErr: ErrPathTraversal},
		{name: "missing directory", rel: "nope", filename: "x.jar", wantErr: ErrNotFound},
		{name: "file as directory", rel: "a.jar", filename: "x.jar", wantErr: ErrNotADirectory},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Upload(ctx, tt.rel, tt.filename, strings.NewReader("x"), false)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestDelete(t *testing.T) {
	s, root := newTestStore(t, StoreConfig{})
	outside := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(outside, "keep.txt"), []byte("x"), 0o644))

	require.NoError(t, os.MkdirAll(filepath.Join(root, "tree", "a", "b"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "tree", "a", "b", "c.yml"), nil, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "file.jar"), nil, 0o644))
	require.NoError(t, os.Symlink(outside, filepath.Join(root, "link")))

	require.NoError(t, s.Delete("tree"))
	_, err := os.Stat(filepath.Join(root, "tree"))
	assert.True(t, os.IsNotExist(err))

	require.NoError(t, s.Delete("file.jar"))

	require.NoError(t, s.Delete("link"))
	_, err = os.Lstat(filepath.Join(root, "link"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(outside, "keep.txt"))
	assert.NoError(t, err, "deleting a link must not touch its target")

	assert.ErrorIs(t, s.Delete("file.jar"), ErrNotFound)
	assert.ErrorIs(t, s.Delete(""), ErrForbidden)
	assert.ErrorIs(t, s.Delete("."), ErrForbidden)
	assert.ErrorIs(t, s.Delete("../plugins"), ErrPathTraversal)

	_, err = os.Stat(root)
	assert.NoError(t, err)
}

func TestOpenAndStat(t *testing.T) {
	s, root := newTestStore(t, StoreConfig{})
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.yml"), []byte("key: value\n"), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(root, "dir"), 0o755))

	f, entry, err := s.Open("a.yml")
	require.NoError(t, err)
	defer func() { _ = f.Close() }()
	assert.Equal(t, "a.yml", entry.Name)
	data, err := io.ReadAll(f)
	require.NoError(t, err)
	assert.Equal(t, "key: value\n", string(data))

	_, _, err = s.Open("dir")
	assert.ErrorIs(t, err, ErrIsDirectory)

	_, _, err = s.Open("missing.yml")
	assert.ErrorIs(t, err, ErrNotFound)

	rootEntry, err := s.Stat("")
	require.NoError(t, err)
	assert.True(t, rootEntry.IsDir())
}
