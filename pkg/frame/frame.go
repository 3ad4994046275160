// Package frame multiplexes newline-terminated text frames and raw byte runs
// of known length on one stream.
//
// A Codec owns the only buffered reader of the stream. Bytes that a line read
// pulls into the buffer beyond the terminator stay there and are the first
// bytes handed out by the next read, text or raw, so switching modes never
// loses or duplicates a byte.
package frame

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/oarkflow/minidrive/pkg/errs"
)

const (
	// DefaultMaxLine bounds a single text frame.
	DefaultMaxLine = 64 << 10

	// DefaultChunkSize is the raw copy granularity when the caller has no buffer.
	DefaultChunkSize = 64 << 10

	readBufferSize = 32 << 10
)

// Codec reads and writes frames on one connection. It is not safe for
// concurrent use; a session drives it from a single goroutine.
type Codec struct {
	r       *bufio.Reader
	w       *bufio.Writer
	maxLine int
}

func WithMaxLine(n int) func(*Codec) {
	return func(c *Codec) {
		if n > 0 {
			c.maxLine = n
		}
	}
}

func New(rw io.ReadWriter, opts ...func(*Codec)) *Codec {
	c := &Codec{
		r:       bufio.NewReaderSize(rw, readBufferSize),
		w:       bufio.NewWriter(rw),
		maxLine: DefaultMaxLine,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Buffered reports how many bytes have been read from the stream but not yet
// consumed.
func (c *Codec) Buffered() int {
	return c.r.Buffered()
}

// ReadLine returns the next line without its terminator ("\n" or "\r\n").
// An empty line is returned as "". A line longer than the limit is consumed
// up to its terminator and reported as a malformed command.
func (c *Codec) ReadLine() (string, error) {
	var (
		line    []byte
		tooLong bool
	)
	for {
		chunk, err := c.r.ReadSlice('\n')
		if !tooLong {
			if len(line)+len(chunk) > c.maxLine+2 {
				tooLong = true
				line = nil
			} else {
				line = append(line, chunk...)
			}
		}
		if err == nil {
			break
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		return "", lost(err)
	}
	if tooLong {
		return "", errs.New(errs.MalformedCommand, "frame exceeds %d bytes", c.maxLine)
	}
	line = bytes.TrimSuffix(line, []byte{'\n'})
	line = bytes.TrimSuffix(line, []byte{'\r'})
	if len(line) > c.maxLine {
		return "", errs.New(errs.MalformedCommand, "frame exceeds %d bytes", c.maxLine)
	}
	return string(line), nil
}

// ReadFrame returns the next non-empty line. Empty lines are no-ops.
func (c *Codec) ReadFrame() ([]byte, error) {
	for {
		line, err := c.ReadLine()
		if err != nil {
			return nil, err
		}
		if line != "" {
			return []byte(line), nil
		}
	}
}

// ReadRaw copies exactly n bytes from the stream to dst, len(buf) bytes at a
// time, and never reads past n. progress, if not nil, sees every chunk after
// it was written.
//
// A stream that ends early yields ConnectionLost. If dst fails, the remaining
// bytes are still consumed so the next frame starts at the right byte, and a
// FilesystemFault is returned; if draining fails too, ConnectionLost wins.
func (c *Codec) ReadRaw(dst io.Writer, n uint64, buf []byte, progress func([]byte)) (uint64, error) {
	if len(buf) == 0 {
		buf = make([]byte, DefaultChunkSize)
	}
	var written uint64
	for written < n {
		want := uint64(len(buf))
		if rem := n - written; rem < want {
			want = rem
		}
		m, err := io.ReadFull(c.r, buf[:want])
		if m > 0 {
			if _, werr := dst.Write(buf[:m]); werr != nil {
				consumed := written + uint64(m)
				if derr := c.discard(n - consumed); derr != nil {
					return written, derr
				}
				return written, errs.Wrap(errs.FilesystemFault, werr, "write failed after %d bytes", written)
			}
			written += uint64(m)
			if progress != nil {
				progress(buf[:m])
			}
		}
		if err != nil {
			return written, lost(err)
		}
	}
	return written, nil
}

func (c *Codec) discard(n uint64) error {
	for n > 0 {
		step := n
		if step > 1<<30 {
			step = 1 << 30
		}
		d, err := c.r.Discard(int(step))
		n -= uint64(d)
		if err != nil {
			return lost(err)
		}
	}
	return nil
}

// WriteFrame encodes v as one JSON line and flushes it.
func (c *Codec) WriteFrame(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	if bytes.IndexByte(b, '\n') >= 0 {
		return fmt.Errorf("encode frame: newline in encoded frame")
	}
	return c.WriteLine(string(b))
}

// WriteLine writes s followed by "\n" and flushes.
func (c *Codec) WriteLine(s string) error {
	if _, err := c.w.WriteString(s); err != nil {
		return lost(err)
	}
	if err := c.w.WriteByte('\n'); err != nil {
		return lost(err)
	}
	return c.Flush()
}

// WriteRaw copies exactly n bytes from src to the stream. A source that ends
// early leaves the peer expecting more bytes; the stream can no longer be
// framed and the error is reported as ConnectionLost.
func (c *Codec) WriteRaw(src io.Reader, n uint64, buf []byte, progress func([]byte)) (uint64, error) {
	if len(buf) == 0 {
		buf = make([]byte, DefaultChunkSize)
	}
	var sent uint64
	for sent < n {
		want := uint64(len(buf))
		if rem := n - sent; rem < want {
			want = rem
		}
		m, err := io.ReadFull(src, buf[:want])
		if m > 0 {
			if _, werr := c.w.Write(buf[:m]); werr != nil {
				return sent, lost(werr)
			}
			sent += uint64(m)
			if progress != nil {
				progress(buf[:m])
			}
		}
		if err != nil {
			return sent, errs.Wrap(errs.ConnectionLost, err, "source ended after %d of %d bytes", sent, n)
		}
	}
	return sent, c.Flush()
}

func (c *Codec) Flush() error {
	if err := c.w.Flush(); err != nil {
		return lost(err)
	}
	return nil
}

func lost(err error) error {
	if errs.Is(err, errs.ConnectionLost) {
		return err
	}
	return errs.Wrap(errs.ConnectionLost, err, "connection lost")
}
