package transfer

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zeebo/blake3"

	"github.com/oarkflow/minidrive/pkg/command"
	"github.com/oarkflow/minidrive/pkg/errs"
	"github.com/oarkflow/minidrive/pkg/frame"
	"github.com/oarkflow/minidrive/pkg/fs"
	"github.com/oarkflow/minidrive/pkg/fs/afos"
)

type stream struct {
	io.Reader
	out bytes.Buffer
}

func (s *stream) Write(p []byte) (int, error) { return s.out.Write(p) }

func newFS(t *testing.T) (fs.FS, string) {
	t.Helper()
	root := filepath.Join(t.TempDir(), "alice")
	require.NoError(t, os.MkdirAll(root, 0o755))
	f, err := afos.New(root)
	require.NoError(t, err)
	return f, root
}

func digest(b []byte) string {
	sum := blake3.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func payload(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i*7 + 3)
	}
	return b
}

func frames(t *testing.T, out []byte) []command.Response {
	t.Helper()
	var rs []command.Response
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		r, err := command.DecodeResponse([]byte(line))
		require.NoError(t, err, line)
		rs = append(rs, r)
	}
	return rs
}

func TestReceiveSizes(t *testing.T) {
	const chunk = 16
	for _, size := range []int{0, 1, chunk, chunk + 1, 10*chunk + 3, 1 << 20} {
		t.Run(fmt.Sprint(size), func(t *testing.T) {
			fsys, root := newFS(t)
			data := payload(size)
			in := io.MultiReader(strings.NewReader(fmt.Sprintf("%d\n", size)), bytes.NewReader(data), strings.NewReader("NEXT\n"))
			s := &stream{Reader: iotest.HalfReader(in)}
			c := frame.New(s)

			up := &Upload{}
			res, err := New(chunk).Receive(c, fsys, "/notes.txt", up)
			require.NoError(t, err)
			assert.Equal(t, Complete, up.State)
			assert.EqualValues(t, size, up.Written)
			assert.EqualValues(t, size, res.Size)
			assert.Equal(t, digest(data), res.BLAKE3)

			got, err := os.ReadFile(filepath.Join(root, "notes.txt"))
			require.NoError(t, err)
			assert.True(t, bytes.Equal(data, got))

			rs := frames(t, s.out.Bytes())
			require.Len(t, rs, 1)
			assert.Equal(t, command.StatusReady, rs[0].Status)

			next, err := c.ReadFrame()
			require.NoError(t, err)
			assert.Equal(t, "NEXT", string(next))
		})
	}
}

func TestReceiveInvalidSize(t *testing.T) {
	for _, line := range []string{"abc", "-5", "", "1.5"} {
		t.Run(line, func(t *testing.T) {
			fsys, _ := newFS(t)
			s := &stream{Reader: strings.NewReader(line + "\n{\"cmd\":\"LIST\"}\n")}
			c := frame.New(s)

			up := &Upload{}
			_, err := New(0).Receive(c, fsys, "/x.bin", up)
			require.Error(t, err)
			assert.True(t, errs.Is(err, errs.InvalidSize))
			assert.Equal(t, Failed, up.State)

			next, err := c.ReadFrame()
			require.NoError(t, err)
			assert.Equal(t, `{"cmd":"LIST"}`, string(next))

			_, err = fsys.Create("/x.bin")
			assert.NoError(t, err, "destination must be released")
		})
	}
}

func TestReceiveConnectionLost(t *testing.T) {
	fsys, root := newFS(t)
	s := &stream{Reader: strings.NewReader("13\nhello")}
	up := &Upload{}
	_, err := New(4).Receive(frame.New(s), fsys, "/partial.txt", up)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.ConnectionLost))
	assert.Equal(t, Failed, up.State)
	assert.EqualValues(t, 13, up.Declared)
	assert.EqualValues(t, 5, up.Written)

	got, err := os.ReadFile(filepath.Join(root, "partial.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got))
}

func TestReceiveOpenFailure(t *testing.T) {
	fsys, _ := newFS(t)
	s := &stream{Reader: strings.NewReader("")}
	_, err := New(0).Receive(frame.New(s), fsys, "../escape.txt", nil)
	assert.True(t, errs.Is(err, errs.PathEscape))
	assert.Empty(t, s.out.String(), "no ready response before the sink is open")
}

func TestSendAndReceivePayload(t *testing.T) {
	fsys, root := newFS(t)
	data := payload(100_003)
	require.NoError(t, os.WriteFile(filepath.Join(root, "big.bin"), data, 0o644))

	server := &stream{Reader: strings.NewReader("")}
	res, err := New(4096).Send(frame.New(server), fsys, "/big.bin")
	require.NoError(t, err)
	assert.Equal(t, digest(data), res.BLAKE3)

	client := frame.New(&stream{Reader: bytes.NewReader(server.out.Bytes())})
	line, err := client.ReadFrame()
	require.NoError(t, err)
	ready, err := command.DecodeResponse(line)
	require.NoError(t, err)
	assert.Equal(t, command.StatusReady, ready.Status)
	var meta Result
	require.NoError(t, ready.Unmarshal(&meta))
	assert.EqualValues(t, len(data), meta.Size)

	var got bytes.Buffer
	n, sum, err := ReceivePayload(client, &got, make([]byte, 1000))
	require.NoError(t, err)
	assert.EqualValues(t, len(data), n)
	assert.Equal(t, res.BLAKE3, sum)
	assert.True(t, bytes.Equal(data, got.Bytes()))
}

func TestSendMissing(t *testing.T) {
	fsys, _ := newFS(t)
	server := &stream{Reader: strings.NewReader("")}
	_, err := New(0).Send(frame.New(server), fsys, "/nope")
	assert.True(t, errs.Is(err, errs.NotFound))
	assert.Empty(t, server.out.String())
}

// pattern is an endless reader repeating the bytes produced by payload.
type pattern struct{ off int }

func (p *pattern) Read(b []byte) (int, error) {
	for i := range b {
		b[i] = byte(p.off*7 + 3)
		p.off++
	}
	return len(b), nil
}

// sinkFS hands every Create the same file.
type sinkFS struct {
	fs.FS
	file fs.File
}

func (s *sinkFS) Create(string) (fs.File, error) { return s.file, nil }

// discardFile counts what it is given and keeps none of it.
type discardFile struct {
	fs.File
	written  uint64
	maxWrite int
}

func (f *discardFile) Write(p []byte) (int, error) {
	f.written += uint64(len(p))
	if len(p) > f.maxWrite {
		f.maxWrite = len(p)
	}
	return len(p), nil
}

func (f *discardFile) Close() error { return nil }

func TestReceiveMultiGigabyteStream(t *testing.T) {
	if testing.Short() {
		t.Skip("streams several GiB")
	}
	const size = 3<<30 + 17
	const chunk = 256 << 10

	want := blake3.New()
	_, err := io.Copy(want, io.LimitReader(&pattern{}, size))
	require.NoError(t, err)

	base, _ := newFS(t)
	sink := &discardFile{}
	fsys := &sinkFS{FS: base, file: sink}
	in := io.MultiReader(strings.NewReader(fmt.Sprintf("%d\n", int64(size))), io.LimitReader(&pattern{}, size), strings.NewReader("NEXT\n"))
	s := &stream{Reader: in}
	c := frame.New(s)

	up := &Upload{}
	res, err := New(chunk).Receive(c, fsys, "/huge.bin", up)
	require.NoError(t, err)
	assert.Equal(t, Complete, up.State)
	assert.EqualValues(t, uint64(size), up.Written)
	assert.EqualValues(t, uint64(size), res.Size)
	assert.EqualValues(t, uint64(size), sink.written)
	assert.LessOrEqual(t, sink.maxWrite, chunk)
	assert.Equal(t, hex.EncodeToString(want.Sum(nil)), res.BLAKE3)

	next, err := c.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, "NEXT", string(next))
}
