package minidrive

import (
	"context"
	"fmt"
	"net"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/oarkflow/minidrive/pkg/command"
	"github.com/oarkflow/minidrive/pkg/errs"
	"github.com/oarkflow/minidrive/pkg/frame"
	"github.com/oarkflow/minidrive/pkg/fs"
	"github.com/oarkflow/minidrive/pkg/log"
	"github.com/oarkflow/minidrive/pkg/metrics"
)

const frontendTCP = "tcp"

// SessionState is the lifecycle phase of a session.
type SessionState int

const (
	Connected SessionState = iota
	Authenticating
	Active
	Closed
)

func (s SessionState) String() string {
	switch s {
	case Connected:
		return "connected"
	case Authenticating:
		return "authenticating"
	case Active:
		return "active"
	default:
		return "closed"
	}
}

// Session is one client connection. It is driven by a single goroutine; only
// Close may be called from elsewhere.
type Session struct {
	id       string
	server   *Server
	conn     net.Conn
	codec    *frame.Codec
	logger   log.Logger
	username string
	cwd      string
	fs       fs.FS
	started  time.Time

	mu        sync.Mutex
	state     SessionState
	closeOnce sync.Once
}

func newSession(server *Server, conn net.Conn) *Session {
	id := uuid.NewString()
	rw := net.Conn(conn)
	if server.idleTimeout > 0 {
		rw = &idleConn{Conn: conn, timeout: server.idleTimeout}
	}
	var opts []func(*frame.Codec)
	if server.maxFrame > 0 {
		opts = append(opts, frame.WithMaxLine(server.maxFrame))
	}
	return &Session{
		id:      id,
		server:  server,
		conn:    conn,
		codec:   frame.New(rw, opts...),
		logger:  server.logger.With("session", id, "remote_addr", conn.RemoteAddr().String()),
		cwd:     "/",
		started: time.Now(),
	}
}

func (s *Session) ID() string          { return s.id }
func (s *Session) Username() string    { return s.username }
func (s *Session) Cwd() string         { return s.cwd }
func (s *Session) SetCwd(cwd string)   { s.cwd = cwd }
func (s *Session) FS() fs.FS           { return s.fs }
func (s *Session) Codec() *frame.Codec { return s.codec }
func (s *Session) Logger() log.Logger  { return s.logger }

func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(state SessionState) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// Close closes the connection exactly once. A blocked read in Serve returns
// and the session ends.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.setState(Closed)
		s.conn.Close()
	})
}

// Serve runs the session to completion.
func (s *Session) Serve(ctx context.Context) {
	m := metrics.OrNop(s.server.metrics)
	active := false
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("session panicked", "panic", fmt.Sprint(r), "stack", string(debug.Stack()))
		}
		s.Close()
		if active {
			m.SessionClosed(frontendTCP, time.Since(s.started))
			s.notify("Logout", nil)
			s.logger.Info("User Disconnected", "user", s.username, "duration", time.Since(s.started).String())
		}
	}()

	if err := s.authenticate(); err != nil {
		m.HandshakeFailed()
		s.logger.Warn("handshake rejected", "err", err)
		if errs.Is(err, errs.AuthenticationFailed) {
			_ = s.codec.WriteFrame(command.Failure(err))
		}
		return
	}
	active = true
	m.SessionOpened(frontendTCP)
	s.setState(Active)
	s.loop(ctx)
}

// authenticate reads the username line and provisions the user's sandbox.
func (s *Session) authenticate() error {
	s.setState(Authenticating)
	line, err := s.codec.ReadLine()
	if err != nil {
		if errs.Is(err, errs.ConnectionLost) {
			return err
		}
		return errs.Wrap(errs.AuthenticationFailed, err, "invalid handshake")
	}
	name := strings.TrimSpace(line)
	if name == "" {
		return errs.New(errs.AuthenticationFailed, "empty username")
	}
	user, err := s.server.userProvider.Provision(name)
	if err != nil {
		if errs.Is(err, errs.AuthenticationFailed) {
			return err
		}
		return errs.Wrap(errs.AuthenticationFailed, err, "could not provision user")
	}
	fst, err := s.server.userFilesystem(user, map[string]string{
		"user":        user.Username,
		"session":     s.id,
		"frontend":    frontendTCP,
		"remote_addr": s.conn.RemoteAddr().String(),
	})
	if err != nil {
		return errs.Wrap(errs.AuthenticationFailed, err, "could not open user storage")
	}
	s.username = user.Username
	s.fs = fst
	s.logger = s.logger.With("user", user.Username)
	fst.SetLogger(s.logger)

	if err := s.codec.WriteFrame(command.Success("welcome", map[string]string{"user": user.Username, "session": s.id})); err != nil {
		return err
	}
	s.logger.Info("User Authenticated", "event", "Login", "login_at", time.Now().UTC().Format(time.RFC3339))
	s.notify("Login", nil)
	return nil
}

func (s *Session) loop(ctx context.Context) {
	for {
		raw, err := s.codec.ReadFrame()
		if err != nil {
			if errs.KindOf(err).Fatal() {
				s.logger.Debug("connection ended", "err", err)
				return
			}
			if !s.reply(command.Failure(err)) {
				return
			}
			continue
		}
		cmd, err := command.Decode(raw)
		if err != nil {
			s.logger.Debug("rejected frame", "err", err)
			if !s.reply(command.Failure(err)) {
				return
			}
			continue
		}
		s.logger.Debug("command received", "cmd", cmd.String())
		resp, err := s.server.dispatcher.Dispatch(ctx, s, cmd)
		if err != nil {
			s.logger.Warn("session ended by command", "cmd", cmd.Name, "err", err)
			return
		}
		if !s.reply(resp) {
			return
		}
	}
}

func (s *Session) reply(resp command.Response) bool {
	if err := s.codec.WriteFrame(resp); err != nil {
		s.logger.Debug("write failed", "err", err)
		return false
	}
	return true
}

func (s *Session) notify(event string, err error) {
	cb := s.server.notificationCallback
	if cb == nil {
		return
	}
	cb(Notification{
		User:       s.username,
		Session:    s.id,
		Frontend:   frontendTCP,
		RemoteAddr: s.conn.RemoteAddr().String(),
		Time:       time.Now().UTC(),
		Event:      event,
		Error:      err,
	})
}

// idleConn pushes the read deadline forward before every read.
type idleConn struct {
	net.Conn
	timeout time.Duration
}

func (c *idleConn) Read(p []byte) (int, error) {
	if err := c.Conn.SetReadDeadline(time.Now().Add(c.timeout)); err != nil {
		return 0, err
	}
	return c.Conn.Read(p)
}
