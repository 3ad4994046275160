package sftpfs

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/sftp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oarkflow/minidrive/pkg/fs/afos"
)

func newHandler(t *testing.T) (*Handler, string) {
	t.Helper()
	root := filepath.Join(t.TempDir(), "alice")
	require.NoError(t, os.MkdirAll(root, 0o755))
	f, err := afos.New(root)
	require.NoError(t, err)
	real, err := filepath.EvalSymlinks(root)
	require.NoError(t, err)
	return New(f), real
}

func TestPutThenGet(t *testing.T) {
	h, root := newHandler(t)

	w, err := h.Filewrite(sftp.NewRequest("Put", "/docs/a.txt"))
	require.NoError(t, err)
	_, err = w.WriteAt([]byte("hello"), 0)
	require.NoError(t, err)
	require.NoError(t, w.(io.Closer).Close())

	b, err := os.ReadFile(filepath.Join(root, "docs", "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(b))

	r, err := h.Fileread(sftp.NewRequest("Get", "/docs/a.txt"))
	require.NoError(t, err)
	buf := make([]byte, 5)
	_, err = r.ReadAt(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf))
	r.(io.Closer).Close()
}

func TestCommands(t *testing.T) {
	h, root := newHandler(t)

	require.NoError(t, h.Filecmd(sftp.NewRequest("Mkdir", "/d")))
	require.NoError(t, os.WriteFile(filepath.Join(root, "d", "f"), []byte("x"), 0o644))

	req := sftp.NewRequest("Rename", "/d/f")
	req.Target = "/g"
	require.NoError(t, h.Filecmd(req))
	_, err := os.Stat(filepath.Join(root, "g"))
	require.NoError(t, err)

	require.NoError(t, h.Filecmd(sftp.NewRequest("Setstat", "/g")))
	require.NoError(t, h.Filecmd(sftp.NewRequest("Remove", "/g")))
	require.NoError(t, h.Filecmd(sftp.NewRequest("Rmdir", "/d")))

	assert.Equal(t, sftp.ErrSshFxOpUnsupported, h.Filecmd(sftp.NewRequest("Symlink", "/x")))
	assert.Equal(t, sftp.ErrSshFxNoSuchFile, h.Filecmd(sftp.NewRequest("Remove", "/missing")))
}

func TestSymlinkEscapeIsDenied(t *testing.T) {
	h, root := newHandler(t)
	outside := t.TempDir()
	require.NoError(t, os.Symlink(outside, filepath.Join(root, "out")))

	assert.Equal(t, sftp.ErrSshFxPermissionDenied, h.Filecmd(sftp.NewRequest("Mkdir", "/out/x")))
	_, err := h.Filewrite(sftp.NewRequest("Put", "/out/f.txt"))
	assert.Equal(t, sftp.ErrSshFxPermissionDenied, err)
	_, err = h.Filelist(sftp.NewRequest("List", "/out"))
	assert.Equal(t, sftp.ErrSshFxPermissionDenied, err)

	entries, err := os.ReadDir(outside)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestListAndStat(t *testing.T) {
	h, root := newHandler(t)
	require.NoError(t, os.WriteFile(filepath.Join(root, "b"), nil, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "a"), nil, 0o644))

	l, err := h.Filelist(sftp.NewRequest("List", "/"))
	require.NoError(t, err)
	infos := make([]os.FileInfo, 10)
	n, err := l.ListAt(infos, 0)
	assert.Equal(t, io.EOF, err)
	assert.Equal(t, 2, n)

	l, err = h.Filelist(sftp.NewRequest("Stat", "/a"))
	require.NoError(t, err)
	n, _ = l.ListAt(infos, 0)
	require.Equal(t, 1, n)
	assert.Equal(t, "a", infos[0].Name())

	_, err = h.Filelist(sftp.NewRequest("Readlink", "/a"))
	assert.Equal(t, sftp.ErrSshFxOpUnsupported, err)
}
