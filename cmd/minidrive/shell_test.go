package main

import (
	"bytes"
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oarkflow/minidrive"
	"github.com/oarkflow/minidrive/pkg/client"
	"github.com/oarkflow/minidrive/pkg/log"
	"github.com/oarkflow/minidrive/pkg/utils"
)

func newShell(t *testing.T) (*shell, *bytes.Buffer) {
	t.Helper()
	srv := minidrive.New(
		minidrive.WithBasePath(filepath.Join(t.TempDir(), "storage")),
		minidrive.WithLogger(log.Discard()),
	)
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go srv.Serve(context.Background(), l)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	})
	target, err := utils.ParseTarget("carol@"+l.Addr().String(), "")
	require.NoError(t, err)
	c, err := client.Dial(context.Background(), target)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	var out bytes.Buffer
	return &shell{client: c, out: &out}, &out
}

func TestShellSession(t *testing.T) {
	sh, out := newShell(t)
	dir := t.TempDir()
	local := filepath.Join(dir, "report.txt")
	require.NoError(t, os.WriteFile(local, []byte("quarterly"), 0o644))

	assert.Equal(t, "minidrive:/> ", sh.prompt())

	for _, line := range []string{
		"MKDIR docs",
		"cd docs",
		`UPLOAD "` + local + `" "final report.txt"`,
		"LIST",
	} {
		quit, err := sh.exec(line)
		require.NoError(t, err, line)
		require.False(t, quit)
	}
	assert.Equal(t, "minidrive:/docs> ", sh.prompt())
	assert.Contains(t, out.String(), "uploaded /docs/final report.txt (9 B)")
	assert.Contains(t, out.String(), "final report.txt")

	dst := filepath.Join(dir, "copy.txt")
	_, err := sh.exec(`DOWNLOAD "final report.txt" ` + dst)
	require.NoError(t, err)
	b, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "quarterly", string(b))

	quit, err := sh.exec("EXIT")
	require.NoError(t, err)
	assert.True(t, quit)
}

func TestShellErrorsKeepSession(t *testing.T) {
	sh, out := newShell(t)

	for _, line := range []string{
		"FORMAT c:",
		"MOVE onlyone",
		"UPLOAD",
		"UPLOAD /definitely/not/here.txt",
		"DELETE missing.txt",
		"CD ../..",
		`LIST "unterminated`,
	} {
		quit, err := sh.exec(line)
		require.NoError(t, err, line)
		assert.False(t, quit)
	}
	assert.Equal(t, 7, bytes.Count(out.Bytes(), []byte("error: ")), out.String())

	out.Reset()
	_, err := sh.exec("HELP")
	require.NoError(t, err)
	assert.Contains(t, out.String(), "UPLOAD <local_file> [remote_name]")
	assert.Contains(t, out.String(), "EXIT")
}
