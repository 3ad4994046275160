package afos

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oarkflow/minidrive/pkg/errs"
	fs2 "github.com/oarkflow/minidrive/pkg/fs"
)

func newFS(t *testing.T, opts ...func(*Afos)) (fs2.FS, string) {
	t.Helper()
	root := filepath.Join(t.TempDir(), "alice")
	require.NoError(t, os.MkdirAll(root, 0o755))
	f, err := New(root, opts...)
	require.NoError(t, err)
	real, err := filepath.EvalSymlinks(root)
	require.NoError(t, err)
	return f, real
}

func writeFile(t *testing.T, f fs2.FS, virtual, content string) {
	t.Helper()
	w, err := f.Create(virtual)
	require.NoError(t, err)
	_, err = io.WriteString(w, content)
	require.NoError(t, err)
	require.NoError(t, w.Close())
}

func readFile(t *testing.T, f fs2.FS, virtual string) string {
	t.Helper()
	r, err := f.Open(virtual)
	require.NoError(t, err)
	defer r.Close()
	b, err := io.ReadAll(r)
	require.NoError(t, err)
	return string(b)
}

func names(infos []os.FileInfo) []string {
	out := make([]string, 0, len(infos))
	for _, e := range fs2.Entries(infos) {
		out = append(out, e.Name)
	}
	return out
}

func TestCreateAndOpen(t *testing.T) {
	f, root := newFS(t)
	writeFile(t, f, "/docs/notes.txt", "hello")

	b, err := os.ReadFile(filepath.Join(root, "docs", "notes.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(b))
	assert.Equal(t, "hello", readFile(t, f, "/docs/notes.txt"))

	writeFile(t, f, "/docs/notes.txt", "hi")
	assert.Equal(t, "hi", readFile(t, f, "/docs/notes.txt"))
}

func TestCreateIsExclusive(t *testing.T) {
	locks := fs2.NewLocks()
	f, _ := newFS(t, WithLocks(locks))

	w, err := f.Create("/big.bin")
	require.NoError(t, err)

	_, err = f.Create("/big.bin")
	assert.True(t, errs.Is(err, errs.Busy))
	assert.True(t, errs.Is(f.Remove("/big.bin"), errs.Busy))

	require.NoError(t, w.Close())
	w, err = f.Create("/big.bin")
	require.NoError(t, err)
	require.NoError(t, w.Close())
}

func TestBusyDirectory(t *testing.T) {
	f, _ := newFS(t, WithLocks(fs2.NewLocks()))

	w, err := f.Create("/dir/sub/file")
	require.NoError(t, err)
	assert.True(t, errs.Is(f.Rmdir("/dir"), errs.Busy))
	assert.True(t, errs.Is(f.Rename("/dir", "/other"), errs.Busy))
	require.NoError(t, w.Close())

	require.NoError(t, f.Rename("/dir", "/other"))
	require.NoError(t, f.Rmdir("/other"))
}

func TestEscapesAreRefused(t *testing.T) {
	f, _ := newFS(t)
	writeFile(t, f, "/a", "a")
	_, err := f.Create("../../etc/passwd")
	assert.True(t, errs.Is(err, errs.PathEscape))
	_, err = f.Open("/../bob/notes.txt")
	assert.True(t, errs.Is(err, errs.PathEscape))
	assert.True(t, errs.Is(f.Rename("/a", "/../b"), errs.PathEscape))
}

func TestListDirectoryAndFile(t *testing.T) {
	f, _ := newFS(t)
	writeFile(t, f, "/b.txt", "b")
	writeFile(t, f, "/a.txt", "a")
	require.NoError(t, f.Mkdir("/c/d"))

	infos, err := f.List("/")
	require.NoError(t, err)
	assert.Equal(t, []string{"a.txt", "b.txt", "c"}, names(infos))

	infos, err = f.List("/a.txt")
	require.NoError(t, err)
	assert.Equal(t, []string{"a.txt"}, names(infos))

	_, err = f.List("/missing")
	assert.True(t, errs.Is(err, errs.NotFound))
}

func TestRemoveAndRmdir(t *testing.T) {
	f, root := newFS(t)
	writeFile(t, f, "/dir/file.txt", "x")

	assert.True(t, errs.Is(f.Remove("/dir"), errs.InvalidArguments))
	assert.True(t, errs.Is(f.Rmdir("/dir/file.txt"), errs.InvalidArguments))
	assert.True(t, errs.Is(f.Rmdir("/"), errs.PermissionDenied))
	assert.True(t, errs.Is(f.Remove("/nope"), errs.NotFound))

	require.NoError(t, f.Remove("/dir/file.txt"))
	require.NoError(t, f.Rmdir("/dir"))
	_, err := os.Stat(filepath.Join(root, "dir"))
	assert.True(t, os.IsNotExist(err))
}

func TestRename(t *testing.T) {
	f, _ := newFS(t)
	writeFile(t, f, "/a.txt", "a")
	require.NoError(t, f.Mkdir("/archive"))

	require.NoError(t, f.Rename("/a.txt", "/b.txt"))
	assert.Equal(t, "a", readFile(t, f, "/b.txt"))

	require.NoError(t, f.Rename("/b.txt", "/archive"))
	assert.Equal(t, "a", readFile(t, f, "/archive/b.txt"))

	require.NoError(t, f.Mkdir("/archive/inner"))
	assert.True(t, errs.Is(f.Rename("/archive", "/archive/inner"), errs.InvalidArguments))
	assert.True(t, errs.Is(f.Rename("/", "/x"), errs.PermissionDenied))
	assert.True(t, errs.Is(f.Rename("/missing", "/x"), errs.NotFound))
}

func TestCopy(t *testing.T) {
	f, root := newFS(t)
	writeFile(t, f, "/src/one.txt", "1")
	writeFile(t, f, "/src/sub/two.txt", "2")

	require.NoError(t, f.Copy("/src/one.txt", "/one-copy.txt"))
	assert.Equal(t, "1", readFile(t, f, "/one-copy.txt"))

	require.NoError(t, f.Copy("/src", "/dst"))
	assert.Equal(t, "1", readFile(t, f, "/dst/one.txt"))
	assert.Equal(t, "2", readFile(t, f, "/dst/sub/two.txt"))

	assert.True(t, errs.Is(f.Copy("/src", "/src/sub"), errs.InvalidArguments))

	require.NoError(t, os.Symlink(filepath.Join(root, "src", "one.txt"), filepath.Join(root, "src", "link")))
	assert.True(t, errs.Is(f.Copy("/src", "/withlink"), errs.InvalidArguments))
}

func TestPermissions(t *testing.T) {
	f, _ := newFS(t, WithPermissions([]string{fs2.Read}))
	_, err := f.Create("/x")
	assert.True(t, errs.Is(err, errs.PermissionDenied))
	assert.True(t, errs.Is(f.Mkdir("/d"), errs.PermissionDenied))
	_, err = f.List("/")
	assert.NoError(t, err)
	assert.Equal(t, []string{fs2.Read}, f.Permissions())

	ro, _ := newFS(t, WithReadOnly(true))
	_, err = ro.Create("/x")
	assert.True(t, errs.Is(err, errs.PermissionDenied))
}
