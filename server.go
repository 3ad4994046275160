// Package minidrive is a remote file storage server. Users connect over TCP,
// name themselves, and work inside their own directory below the storage
// root with filesystem style commands and binary transfers. The same
// sandboxes can optionally be reached over SFTP.
package minidrive

import (
	"context"
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/oarkflow/minidrive/pkg/dispatch"
	"github.com/oarkflow/minidrive/pkg/fs"
	"github.com/oarkflow/minidrive/pkg/fs/afos"
	"github.com/oarkflow/minidrive/pkg/log"
	"github.com/oarkflow/minidrive/pkg/log/oarklog"
	"github.com/oarkflow/minidrive/pkg/metrics"
	"github.com/oarkflow/minidrive/pkg/models"
	"github.com/oarkflow/minidrive/pkg/providers"
	"github.com/oarkflow/minidrive/pkg/transfer"
	"github.com/oarkflow/minidrive/pkg/utils"
)

type NotificationHandler func(notification Notification) error

// ErrServerClosed is returned by Serve after Shutdown.
var ErrServerClosed = errors.New("minidrive: server closed")

type Server struct {
	userProvider         providers.UserProvider
	logger               log.Logger
	notificationCallback NotificationHandler
	metrics              metrics.Metrics
	mirror               dispatch.Mirror
	registry             dispatch.Registry
	basePath             string
	address              string
	port                 int
	sftpAddress          string
	hostKey              string
	chunkSize            int
	maxFrame             int
	idleTimeout          time.Duration
	readOnly             bool

	prepareOnce sync.Once
	prepareErr  error
	dispatcher  *dispatch.Dispatcher
	engine      *transfer.Engine
	locks       *fs.Locks

	mu        sync.Mutex
	listeners map[net.Listener]struct{}
	sessions  map[*Session]struct{}
	conns     map[net.Conn]struct{}
	closed    bool
	shutdown  chan struct{}
	wg        sync.WaitGroup
}

func defaultServer() *Server {
	return &Server{
		basePath:  utils.AbsPath(""),
		port:      9000,
		address:   "0.0.0.0",
		logger:    oarklog.Default(),
		metrics:   metrics.Nop(),
		locks:     fs.NewLocks(),
		listeners: make(map[net.Listener]struct{}),
		sessions:  make(map[*Session]struct{}),
		conns:     make(map[net.Conn]struct{}),
		shutdown:  make(chan struct{}),
	}
}

func New(opts ...func(*Server)) *Server {
	svr := defaultServer()
	for _, o := range opts {
		o(svr)
	}
	if svr.hostKey == "" {
		svr.hostKey = filepath.Join(filepath.Dir(filepath.Clean(svr.basePath)), ".ssh", "id_rsa")
	}
	return svr
}

// prepare bootstraps storage and builds the dispatcher once.
func (c *Server) prepare() error {
	c.prepareOnce.Do(func() {
		if c.userProvider == nil {
			p, err := providers.NewDirectoryProvider(c.basePath)
			if err != nil {
				c.prepareErr = err
				return
			}
			c.userProvider = p
		}
		c.engine = transfer.New(c.chunkSize, transfer.WithLogger(c.logger))
		registry := c.registry
		if registry == nil {
			registry = dispatch.DefaultRegistry(dispatch.Deps{
				Transfer: c.engine,
				Mirror:   c.mirror,
				Metrics:  c.metrics,
			})
		}
		c.dispatcher, c.prepareErr = dispatch.New(registry, dispatch.WithMetrics(c.metrics))
	})
	return c.prepareErr
}

// userFilesystem builds the storage view of one provisioned user.
func (c *Server) userFilesystem(user models.User, ctx map[string]string) (fs.FS, error) {
	fst, err := afos.New(user.Root,
		afos.WithLocks(c.locks),
		afos.WithPermissions(user.Permissions),
		afos.WithReadOnly(c.readOnly),
		afos.WithLogger(c.logger),
	)
	if err != nil {
		return nil, err
	}
	fst = NewFS(fst, c.notificationCallback)
	fst.SetContext(ctx)
	return fst, nil
}

// ListenAndServe listens on the configured address and serves until ctx is
// done or Shutdown is called. The SFTP gateway is started too when enabled.
func (c *Server) ListenAndServe(ctx context.Context) error {
	if err := c.prepare(); err != nil {
		return err
	}
	listener, err := net.Listen("tcp", net.JoinHostPort(c.address, strconv.Itoa(c.port)))
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	if c.sftpAddress != "" {
		sftpListener, err := net.Listen("tcp", c.sftpAddress)
		if err != nil {
			listener.Close()
			return fmt.Errorf("listen sftp: %w", err)
		}
		go func() {
			if err := c.ServeSFTP(ctx, sftpListener); err != nil && !errors.Is(err, ErrServerClosed) {
				c.logger.Error("sftp gateway stopped", "err", err)
			}
		}()
	}
	return c.Serve(ctx, listener)
}

func (c *Server) track(l net.Listener) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.listeners[l] = struct{}{}
	return true
}

// Serve accepts MiniDrive connections on l, one goroutine per connection.
func (c *Server) Serve(ctx context.Context, l net.Listener) error {
	if err := c.prepare(); err != nil {
		l.Close()
		return err
	}
	if !c.track(l) {
		l.Close()
		return ErrServerClosed
	}
	c.logger.Info("Listening connections", "address", l.Addr().String())

	stop := context.AfterFunc(ctx, func() {
		c.closeListeners()
	})
	defer stop()

	var backoff time.Duration
	for {
		conn, err := l.Accept()
		if err != nil {
			select {
			case <-c.shutdown:
				return ErrServerClosed
			default:
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				backoff = nextBackoff(backoff)
				c.logger.Warn("accept failed, retrying", "err", err, "backoff", backoff.String())
				time.Sleep(backoff)
				continue
			}
			return fmt.Errorf("accept: %w", err)
		}
		backoff = 0
		s := newSession(c, conn)
		if !c.addSession(s) {
			conn.Close()
			return ErrServerClosed
		}
		go func() {
			defer c.wg.Done()
			defer c.removeSession(s)
			s.Serve(ctx)
		}()
	}
}

func nextBackoff(d time.Duration) time.Duration {
	if d == 0 {
		return 5 * time.Millisecond
	}
	d *= 2
	if d > time.Second {
		d = time.Second
	}
	return d
}

func (c *Server) addSession(s *Session) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.sessions[s] = struct{}{}
	c.wg.Add(1)
	return true
}

func (c *Server) removeSession(s *Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sessions, s)
}

func (c *Server) addConn(conn net.Conn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.conns[conn] = struct{}{}
	c.wg.Add(1)
	return true
}

func (c *Server) removeConn(conn net.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.conns, conn)
}

func (c *Server) closeListeners() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for l := range c.listeners {
		l.Close()
		delete(c.listeners, l)
	}
}

// Shutdown stops accepting, closes every live session and waits for their
// goroutines until ctx is done.
func (c *Server) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	if !c.closed {
		c.closed = true
		close(c.shutdown)
	}
	for l := range c.listeners {
		l.Close()
		delete(c.listeners, l)
	}
	for s := range c.sessions {
		s.Close()
	}
	for conn := range c.conns {
		conn.Close()
	}
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
