package client_test

import (
	"bytes"
	"context"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oarkflow/minidrive"
	"github.com/oarkflow/minidrive/pkg/client"
	"github.com/oarkflow/minidrive/pkg/command"
	"github.com/oarkflow/minidrive/pkg/errs"
	"github.com/oarkflow/minidrive/pkg/log"
	"github.com/oarkflow/minidrive/pkg/utils"
)

func serve(t *testing.T) utils.Target {
	t.Helper()
	srv := minidrive.New(
		minidrive.WithBasePath(filepath.Join(t.TempDir(), "storage")),
		minidrive.WithLogger(log.Discard()),
		minidrive.WithChunkSize(7),
	)
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go srv.Serve(context.Background(), l)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	})
	target, err := utils.ParseTarget(l.Addr().String(), "alice")
	require.NoError(t, err)
	return target
}

func connect(t *testing.T, target utils.Target) *client.Client {
	t.Helper()
	c, err := client.Dial(context.Background(), target, client.WithChunkSize(5))
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestDialHandshake(t *testing.T) {
	target := serve(t)
	c := connect(t, target)
	assert.Equal(t, "alice", c.User())
	assert.NotEmpty(t, c.Session())
	assert.Equal(t, "/", c.Cwd())

	target.Username = "../root"
	_, err := client.Dial(context.Background(), target)
	assert.True(t, errs.Is(err, errs.AuthenticationFailed), "got %v", err)
}

func TestUploadDownloadRoundTrip(t *testing.T) {
	c := connect(t, serve(t))
	payload := strings.Repeat("minidrive ", 1000)

	res, err := c.UploadReader(strings.NewReader(payload), uint64(len(payload)), "dir/data.txt")
	require.NoError(t, err)
	assert.Equal(t, "/dir/data.txt", res.Path)
	assert.EqualValues(t, len(payload), res.Size)
	assert.NotEmpty(t, res.BLAKE3)

	var buf bytes.Buffer
	got, err := c.DownloadTo(&buf, "dir/data.txt")
	require.NoError(t, err)
	assert.Equal(t, payload, buf.String())
	assert.Equal(t, res.BLAKE3, got.BLAKE3)

	// The stream is back in frame mode.
	l, err := c.List("dir")
	require.NoError(t, err)
	require.Len(t, l.Entries, 1)
	assert.Equal(t, "data.txt", l.Entries[0].Name)
}

func TestUploadAndDownloadFiles(t *testing.T) {
	c := connect(t, serve(t))
	dir := t.TempDir()
	local := filepath.Join(dir, "in.bin")
	require.NoError(t, os.WriteFile(local, []byte{0, 1, 2, '\n', 3}, 0o644))

	res, err := c.Upload(local, "")
	require.NoError(t, err)
	assert.Equal(t, "/in.bin", res.Path)

	out := filepath.Join(dir, "out.bin")
	_, err = c.Download("in.bin", out)
	require.NoError(t, err)
	b, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 1, 2, '\n', 3}, b)

	missing := filepath.Join(dir, "missing.bin")
	_, err = c.Download("nope.bin", missing)
	assert.True(t, errs.Is(err, errs.NotFound), "got %v", err)
	assert.NoFileExists(t, missing)
}

func TestEmptyUpload(t *testing.T) {
	c := connect(t, serve(t))
	res, err := c.UploadReader(strings.NewReader(""), 0, "empty")
	require.NoError(t, err)
	assert.EqualValues(t, 0, res.Size)

	var buf bytes.Buffer
	_, err = c.DownloadTo(&buf, "empty")
	require.NoError(t, err)
	assert.Zero(t, buf.Len())
}

func TestDoTracksCwd(t *testing.T) {
	c := connect(t, serve(t))

	resp, err := c.Do(command.New(command.Mkdir, map[string]string{"path": "a/b"}))
	require.NoError(t, err)
	require.True(t, resp.OK())

	resp, err = c.Do(command.New(command.Cd, map[string]string{"path": "a/b"}))
	require.NoError(t, err)
	require.True(t, resp.OK())
	assert.Equal(t, "/a/b", c.Cwd())

	resp, err = c.Do(command.New(command.Cd, map[string]string{"path": "missing"}))
	require.NoError(t, err)
	assert.Equal(t, errs.NotFound, resp.Kind())
	assert.Equal(t, "/a/b", c.Cwd())

	resp, err = c.Do(command.New(command.Rmdir, map[string]string{"path": "/a"}))
	require.NoError(t, err)
	require.True(t, resp.OK())
	assert.Equal(t, "/", c.Cwd())

	_, err = c.Do(command.New(command.Upload, map[string]string{"filename": "x"}))
	assert.True(t, errs.Is(err, errs.InvalidArguments))
	_, err = c.Do(command.New(command.Move, map[string]string{"src": "x"}))
	assert.True(t, errs.Is(err, errs.InvalidArguments))
}
