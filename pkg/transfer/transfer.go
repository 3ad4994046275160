// Package transfer moves file payloads over a frame codec: the server side
// of UPLOAD and DOWNLOAD and the payload halves the client reuses.
package transfer

import (
	"encoding/hex"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/zeebo/blake3"

	"github.com/oarkflow/minidrive/pkg/command"
	"github.com/oarkflow/minidrive/pkg/errs"
	"github.com/oarkflow/minidrive/pkg/frame"
	"github.com/oarkflow/minidrive/pkg/fs"
	"github.com/oarkflow/minidrive/pkg/log"
)

// State is the phase of an upload.
type State int

const (
	AwaitingHandshake State = iota
	Ready
	AwaitingSize
	Streaming
	Complete
	Failed
)

func (s State) String() string {
	switch s {
	case AwaitingHandshake:
		return "awaiting_handshake"
	case Ready:
		return "ready"
	case AwaitingSize:
		return "awaiting_size"
	case Streaming:
		return "streaming"
	case Complete:
		return "complete"
	default:
		return "failed"
	}
}

// Result describes a finished transfer.
type Result struct {
	Path   string `json:"path"`
	Size   uint64 `json:"size"`
	BLAKE3 string `json:"blake3,omitempty"`
}

// Upload is the state of one upload while its handler runs.
type Upload struct {
	Path     string
	Declared uint64
	Written  uint64
	State    State

	// Finish, if set, runs once every byte is written while the destination
	// is still open and held by this upload.
	Finish func()
}

// Engine runs transfers with pooled chunk buffers.
type Engine struct {
	chunkSize int
	pool      sync.Pool
	logger    log.Logger
}

func WithLogger(l log.Logger) func(*Engine) {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// New returns an engine copying chunkSize bytes at a time. A non-positive
// size selects frame.DefaultChunkSize.
func New(chunkSize int, opts ...func(*Engine)) *Engine {
	if chunkSize <= 0 {
		chunkSize = frame.DefaultChunkSize
	}
	e := &Engine{chunkSize: chunkSize, logger: log.Discard()}
	e.pool.New = func() any {
		b := make([]byte, e.chunkSize)
		return &b
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

func (e *Engine) ChunkSize() int {
	return e.chunkSize
}

func (e *Engine) buffer() (*[]byte, func()) {
	b := e.pool.Get().(*[]byte)
	return b, func() { e.pool.Put(b) }
}

// Receive runs the server side of an upload to virtual. The returned error is
// either a per-command failure, to be reported with the session left open,
// or ConnectionLost. The destination is closed on every path; a partially
// written file is left in place and never reported as complete.
func (e *Engine) Receive(c *frame.Codec, fsys fs.FS, virtual string, up *Upload) (*Result, error) {
	if up == nil {
		up = &Upload{}
	}
	up.Path = virtual
	up.State = AwaitingHandshake

	sink, err := fsys.Create(virtual)
	if err != nil {
		up.State = Failed
		return nil, err
	}
	closed := false
	defer func() {
		if !closed {
			sink.Close()
		}
	}()

	up.State = Ready
	if err := c.WriteFrame(command.Ready("send size", map[string]string{"path": virtual})); err != nil {
		up.State = Failed
		return nil, err
	}

	up.State = AwaitingSize
	line, err := c.ReadLine()
	if err != nil {
		up.State = Failed
		if errs.Is(err, errs.ConnectionLost) {
			return nil, err
		}
		return nil, errs.Wrap(errs.InvalidSize, err, "invalid size line").WithPath("upload", virtual)
	}
	size, err := ParseSize(line)
	if err != nil {
		up.State = Failed
		return nil, errs.Wrap(errs.InvalidSize, err, "invalid size %q", line).WithPath("upload", virtual)
	}
	up.Declared = size

	up.State = Streaming
	buf, put := e.buffer()
	defer put()
	h := blake3.New()
	n, err := c.ReadRaw(sink, size, *buf, func(p []byte) {
		h.Write(p)
	})
	up.Written = n
	if err != nil {
		up.State = Failed
		if errs.Is(err, errs.ConnectionLost) {
			e.logger.Warn("upload interrupted", "path", virtual, "declared", size, "written", n)
			return nil, err
		}
		return nil, fs.Fault("upload", virtual, err)
	}

	if up.Finish != nil {
		up.Finish()
	}
	closed = true
	if err := sink.Close(); err != nil {
		up.State = Failed
		return nil, errs.Wrap(errs.FilesystemFault, err, "close failed").WithPath("upload", virtual)
	}
	up.State = Complete
	return &Result{Path: virtual, Size: size, BLAKE3: hex.EncodeToString(h.Sum(nil))}, nil
}

// Send runs the server side of a download: a ready response carrying the
// size, the size line, then the raw bytes. Once the ready response is out,
// any failure leaves the peer unable to frame the stream and is returned as
// ConnectionLost.
func (e *Engine) Send(c *frame.Codec, fsys fs.FS, virtual string) (*Result, error) {
	src, err := fsys.Open(virtual)
	if err != nil {
		return nil, err
	}
	defer src.Close()
	info, err := src.Stat()
	if err != nil {
		return nil, fs.Fault("download", virtual, err)
	}
	size := uint64(info.Size())

	if err := c.WriteFrame(command.Ready("sending", Result{Path: virtual, Size: size})); err != nil {
		return nil, err
	}
	buf, put := e.buffer()
	defer put()
	digest, err := SendPayload(c, src, size, *buf)
	if err != nil {
		return nil, errs.Wrap(errs.ConnectionLost, err, "download aborted").WithPath("download", virtual)
	}
	return &Result{Path: virtual, Size: size, BLAKE3: digest}, nil
}

// ParseSize parses a decimal byte count.
func ParseSize(line string) (uint64, error) {
	s := strings.TrimSpace(line)
	if s == "" {
		return 0, errs.New(errs.InvalidSize, "empty size")
	}
	return strconv.ParseUint(s, 10, 64)
}

// SendPayload writes the size line followed by exactly size bytes of src and
// returns their BLAKE3 digest.
func SendPayload(c *frame.Codec, src io.Reader, size uint64, buf []byte) (string, error) {
	if err := c.WriteLine(strconv.FormatUint(size, 10)); err != nil {
		return "", err
	}
	h := blake3.New()
	if _, err := c.WriteRaw(src, size, buf, func(p []byte) { h.Write(p) }); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// ReceivePayload reads a size line and exactly that many bytes into dst and
// returns the size and BLAKE3 digest.
func ReceivePayload(c *frame.Codec, dst io.Writer, buf []byte) (uint64, string, error) {
	line, err := c.ReadLine()
	if err != nil {
		return 0, "", err
	}
	size, err := ParseSize(line)
	if err != nil {
		return 0, "", errs.Wrap(errs.InvalidSize, err, "invalid size %q", line)
	}
	h := blake3.New()
	n, err := c.ReadRaw(dst, size, buf, func(p []byte) { h.Write(p) })
	if err != nil {
		return n, "", err
	}
	return size, hex.EncodeToString(h.Sum(nil)), nil
}
