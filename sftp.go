package minidrive

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/oarkflow/minidrive/pkg/fs/sftpfs"
	"github.com/oarkflow/minidrive/pkg/metrics"
)

const frontendSFTP = "sftp"

// ServeSFTP accepts SSH connections on l and serves each user's sandbox over
// the sftp subsystem. The SSH user name is the MiniDrive username; no
// credential is checked, matching the TCP front end.
func (c *Server) ServeSFTP(ctx context.Context, l net.Listener) error {
	if err := c.prepare(); err != nil {
		l.Close()
		return err
	}
	config, err := c.setupSSH()
	if err != nil {
		l.Close()
		return err
	}
	if !c.track(l) {
		l.Close()
		return ErrServerClosed
	}
	c.logger.Info("Listening connections", "address", l.Addr().String(), "frontend", frontendSFTP)

	stop := context.AfterFunc(ctx, func() {
		c.closeListeners()
	})
	defer stop()

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
				time.Sleep(5 * time.Millisecond)
				continue
			}
			return fmt.Errorf("accept: %w", err)
		}
		if !c.addConn(conn) {
			conn.Close()
			return ErrServerClosed
		}
		go func() {
			defer c.wg.Done()
			defer c.removeConn(conn)
			c.AcceptInboundConnection(conn, config)
		}()
	}
}

// Validate provisions the SSH user and records the session context that
// createHandler later hands to the filesystem.
func (c *Server) Validate(conn ssh.ConnMetadata) (*ssh.Permissions, error) {
	now := time.Now().UTC()
	user, err := c.userProvider.Provision(conn.User())
	if err != nil {
		metrics.OrNop(c.metrics).HandshakeFailed()
		c.logger.Warn("sftp login rejected", "user", conn.User(), "err", err)
		return nil, err
	}
	remoteAddr := conn.RemoteAddr().String()
	clientVersion := string(conn.ClientVersion())
	c.logger.Info("User Authenticated",
		"user", user.Username,
		"login_at", now.Format(time.RFC3339),
		"event", "Login",
		"remote_addr", remoteAddr,
		"client_version", clientVersion,
		"frontend", frontendSFTP,
	)
	if c.notificationCallback != nil {
		c.notificationCallback(Notification{
			User:       user.Username,
			Frontend:   frontendSFTP,
			RemoteAddr: remoteAddr,
			Time:       now,
			Event:      "Login",
		})
	}
	return &ssh.Permissions{
		Extensions: map[string]string{
			"user":           user.Username,
			"session":        uuid.NewString(),
			"remote_addr":    remoteAddr,
			"client_version": clientVersion,
			"frontend":       frontendSFTP,
		},
	}, nil
}

// AcceptInboundConnection performs the SSH handshake on conn and serves sftp
// subsystem requests until the client goes away.
func (c *Server) AcceptInboundConnection(conn net.Conn, config *ssh.ServerConfig) {
	defer conn.Close()
	sconn, chans, reqs, err := ssh.NewServerConn(conn, config)
	if err != nil {
		c.logger.Debug("ssh handshake failed", "remote_addr", conn.RemoteAddr().String(), "err", err)
		return
	}
	defer sconn.Close()
	started := time.Now()
	m := metrics.OrNop(c.metrics)
	m.SessionOpened(frontendSFTP)
	defer func() {
		m.SessionClosed(frontendSFTP, time.Since(started))
		c.logger.Info("User Disconnected", "user", sconn.User(), "frontend", frontendSFTP)
	}()

	go ssh.DiscardRequests(reqs)
	for newChannel := range chans {
		if newChannel.ChannelType() != "session" {
			newChannel.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}
		channel, requests, err := newChannel.Accept()
		if err != nil {
			continue
		}
		go func(in <-chan *ssh.Request) {
			for req := range in {
				ok := req.Type == "subsystem" && len(req.Payload) > 4 && string(req.Payload[4:]) == "sftp"
				req.Reply(ok, nil)
			}
		}(requests)
		handlers, err := c.createHandler(sconn)
		if err != nil {
			c.logger.Error("could not open user storage", "user", sconn.User(), "err", err)
			channel.Close()
			return
		}
		server := sftp.NewRequestServer(channel, handlers)
		if err := server.Serve(); err != nil && !errors.Is(err, io.EOF) {
			c.logger.Debug("sftp session ended", "user", sconn.User(), "err", err)
		}
		server.Close()
	}
}

// createHandler builds the request handlers for the authenticated user. All
// paths are confined to the user's sandbox.
func (c *Server) createHandler(sconn *ssh.ServerConn) (sftp.Handlers, error) {
	ext := sconn.Permissions.Extensions
	user, err := c.userProvider.Provision(ext["user"])
	if err != nil {
		return sftp.Handlers{}, err
	}
	ctx := make(map[string]string, len(ext))
	for key, val := range ext {
		ctx[key] = val
	}
	fst, err := c.userFilesystem(user, ctx)
	if err != nil {
		return sftp.Handlers{}, err
	}
	fst.SetLogger(c.logger.With("user", user.Username, "session", ext["session"], "frontend", frontendSFTP))
	return sftpfs.New(fst).Handlers(), nil
}

func (c *Server) setupSSH() (*ssh.ServerConfig, error) {
	config := &ssh.ServerConfig{
		NoClientAuth:         true,
		NoClientAuthCallback: c.Validate,
		MaxAuthTries:         6,
	}
	if _, err := os.Stat(c.hostKey); os.IsNotExist(err) {
		if err := c.generatePrivateKey(); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, err
	}

	privateBytes, err := os.ReadFile(c.hostKey)
	if err != nil {
		return nil, err
	}
	private, err := ssh.ParsePrivateKey(privateBytes)
	if err != nil {
		return nil, err
	}
	config.AddHostKey(private)
	return config, nil
}

// generatePrivateKey writes a fresh RSA host key to c.hostKey.
func (c *Server) generatePrivateKey() error {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(c.hostKey), 0o700); err != nil {
		return err
	}
	o, err := os.OpenFile(c.hostKey, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	defer o.Close()
	c.logger.Info("generated ssh host key", "path", c.hostKey)
	return pem.Encode(o, &pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
}
