// Package client speaks the MiniDrive protocol from the client side.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/oarkflow/minidrive/pkg/command"
	"github.com/oarkflow/minidrive/pkg/errs"
	"github.com/oarkflow/minidrive/pkg/frame"
	"github.com/oarkflow/minidrive/pkg/fs"
	"github.com/oarkflow/minidrive/pkg/log"
	"github.com/oarkflow/minidrive/pkg/transfer"
	"github.com/oarkflow/minidrive/pkg/utils"
)

// Welcome is the data of a successful handshake.
type Welcome struct {
	User    string `json:"user"`
	Session string `json:"session"`
}

// Client is one authenticated connection. It is not safe for concurrent use.
type Client struct {
	conn      net.Conn
	codec     *frame.Codec
	logger    log.Logger
	target    utils.Target
	welcome   Welcome
	cwd       string
	chunkSize int
	timeout   time.Duration
}

func WithLogger(l log.Logger) func(*Client) {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

func WithChunkSize(n int) func(*Client) {
	return func(c *Client) {
		if n > 0 {
			c.chunkSize = n
		}
	}
}

// WithDialTimeout bounds the TCP connect.
func WithDialTimeout(d time.Duration) func(*Client) {
	return func(c *Client) {
		c.timeout = d
	}
}

// Dial connects to target and performs the username handshake. A rejected
// handshake is returned as AuthenticationFailed.
func Dial(ctx context.Context, target utils.Target, opts ...func(*Client)) (*Client, error) {
	c := &Client{
		logger:    log.Discard(),
		target:    target,
		cwd:       "/",
		chunkSize: frame.DefaultChunkSize,
		timeout:   10 * time.Second,
	}
	for _, o := range opts {
		o(c)
	}
	d := net.Dialer{Timeout: c.timeout}
	conn, err := d.DialContext(ctx, "tcp", target.Address())
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", target.Address(), err)
	}
	c.conn = conn
	c.codec = frame.New(conn)
	if err := c.handshake(); err != nil {
		conn.Close()
		return nil, err
	}
	c.logger.Info("connected", "target", target.String(), "session", c.welcome.Session)
	return c, nil
}

func (c *Client) handshake() error {
	if err := c.codec.WriteLine(c.target.Username); err != nil {
		return err
	}
	resp, err := c.read()
	if err != nil {
		return err
	}
	if !resp.OK() {
		return resp.Err()
	}
	if err := resp.Unmarshal(&c.welcome); err != nil {
		return errs.Wrap(errs.MalformedCommand, err, "invalid handshake answer")
	}
	return nil
}

func (c *Client) User() string    { return c.welcome.User }
func (c *Client) Session() string { return c.welcome.Session }

// Cwd is the last working directory reported by the server.
func (c *Client) Cwd() string { return c.cwd }

func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) read() (command.Response, error) {
	raw, err := c.codec.ReadFrame()
	if err != nil {
		return command.Response{}, err
	}
	return command.DecodeResponse(raw)
}

func (c *Client) send(cmd command.Command) error {
	b, err := cmd.Encode()
	if err != nil {
		return err
	}
	c.logger.Debug("sending command", "cmd", cmd.String())
	return c.codec.WriteLine(string(b))
}

// Do sends a non-transfer command and returns the server's answer. An error
// response is returned as a Response, not as an error; err is reserved for
// local and connection failures.
func (c *Client) Do(cmd command.Command) (command.Response, error) {
	switch cmd.Name {
	case command.Upload, command.Download:
		return command.Response{}, errs.New(errs.InvalidArguments, "%s needs a byte stream, use the transfer methods", cmd.Name)
	}
	if err := command.Validate(cmd); err != nil {
		return command.Response{}, err
	}
	if err := c.send(cmd); err != nil {
		return command.Response{}, err
	}
	resp, err := c.read()
	if err != nil {
		return command.Response{}, err
	}
	c.track(resp)
	return resp, nil
}

// track follows working directory changes announced by the server.
func (c *Client) track(resp command.Response) {
	if !resp.OK() || len(resp.Data) == 0 {
		return
	}
	var d struct {
		Cwd string `json:"cwd"`
	}
	if json.Unmarshal(resp.Data, &d) == nil && d.Cwd != "" {
		c.cwd = d.Cwd
	}
}

// Listing is the data of a LIST response.
type Listing struct {
	Path    string     `json:"path"`
	Entries []fs.Entry `json:"entries"`
}

// List returns the entries at p, or the working directory when p is empty.
func (c *Client) List(p string) (*Listing, error) {
	args := map[string]string{}
	if p != "" {
		args["path"] = p
	}
	resp, err := c.Do(command.New(command.List, args))
	if err != nil {
		return nil, err
	}
	if !resp.OK() {
		return nil, resp.Err()
	}
	var l Listing
	if err := resp.Unmarshal(&l); err != nil {
		return nil, errs.Wrap(errs.MalformedCommand, err, "invalid listing")
	}
	return &l, nil
}

// Upload sends the local file to remote. An empty remote uses the local
// file's base name.
func (c *Client) Upload(local, remote string) (*transfer.Result, error) {
	f, err := os.Open(local)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%s is a directory", local)
	}
	if remote == "" {
		remote = filepath.Base(local)
	}
	return c.UploadReader(f, uint64(info.Size()), remote)
}

// UploadReader streams exactly size bytes of r to remote and checks the
// digest the server computed.
func (c *Client) UploadReader(r io.Reader, size uint64, remote string) (*transfer.Result, error) {
	if err := c.send(command.New(command.Upload, map[string]string{"filename": remote})); err != nil {
		return nil, err
	}
	resp, err := c.read()
	if err != nil {
		return nil, err
	}
	if resp.Status != command.StatusReady {
		return nil, responseErr(resp)
	}
	digest, err := transfer.SendPayload(c.codec, r, size, make([]byte, c.chunkSize))
	if err != nil {
		return nil, err
	}
	resp, err = c.read()
	if err != nil {
		return nil, err
	}
	if !resp.OK() {
		return nil, resp.Err()
	}
	var res transfer.Result
	if err := resp.Unmarshal(&res); err != nil {
		return nil, errs.Wrap(errs.MalformedCommand, err, "invalid upload result")
	}
	if res.BLAKE3 != "" && res.BLAKE3 != digest {
		return &res, errs.New(errs.FilesystemFault, "digest mismatch: sent %s, stored %s", digest, res.BLAKE3)
	}
	c.logger.Info("uploaded", "path", res.Path, "size", res.Size)
	return &res, nil
}

// Download fetches remote into local. An empty local uses the remote base
// name in the current directory. A failed transfer removes the partial file.
func (c *Client) Download(remote, local string) (*transfer.Result, error) {
	if local == "" {
		local = path.Base(remote)
	}
	f, err := os.Create(local)
	if err != nil {
		return nil, err
	}
	res, err := c.DownloadTo(f, remote)
	if cerr := f.Close(); err == nil && cerr != nil {
		err = cerr
	}
	if err != nil {
		os.Remove(local)
		return nil, err
	}
	return res, nil
}

// DownloadTo streams remote into w and verifies its BLAKE3 digest.
func (c *Client) DownloadTo(w io.Writer, remote string) (*transfer.Result, error) {
	if err := c.send(command.New(command.Download, map[string]string{"remote_path": remote})); err != nil {
		return nil, err
	}
	resp, err := c.read()
	if err != nil {
		return nil, err
	}
	if resp.Status != command.StatusReady {
		return nil, responseErr(resp)
	}
	var announced transfer.Result
	if err := resp.Unmarshal(&announced); err != nil {
		return nil, errs.Wrap(errs.MalformedCommand, err, "invalid download header")
	}
	size, digest, err := transfer.ReceivePayload(c.codec, w, make([]byte, c.chunkSize))
	if err != nil {
		return nil, err
	}
	if size != announced.Size {
		return nil, errs.New(errs.InvalidSize, "announced %d bytes, received %d", announced.Size, size)
	}
	resp, err = c.read()
	if err != nil {
		return nil, err
	}
	if !resp.OK() {
		return nil, resp.Err()
	}
	var res transfer.Result
	if err := resp.Unmarshal(&res); err != nil {
		return nil, errs.Wrap(errs.MalformedCommand, err, "invalid download result")
	}
	if res.BLAKE3 != digest {
		return &res, errs.New(errs.FilesystemFault, "digest mismatch: received %s, expected %s", digest, res.BLAKE3)
	}
	c.logger.Info("downloaded", "path", res.Path, "size", res.Size)
	return &res, nil
}

func responseErr(resp command.Response) error {
	if err := resp.Err(); err != nil {
		return err
	}
	return errs.New(errs.MalformedCommand, "unexpected %s response", resp.Status)
}
