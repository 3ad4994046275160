package minidrive

import (
	"time"

	"github.com/oarkflow/minidrive/pkg/dispatch"
	"github.com/oarkflow/minidrive/pkg/log"
	"github.com/oarkflow/minidrive/pkg/metrics"
	"github.com/oarkflow/minidrive/pkg/providers"
	"github.com/oarkflow/minidrive/pkg/utils"
)

func WithUserProvider(provider providers.UserProvider) func(*Server) {
	return func(o *Server) {
		o.userProvider = provider
	}
}

func WithBasePath(path string) func(server *Server) {
	return func(o *Server) {
		o.basePath = utils.AbsPath(path)
	}
}

func WithPort(val int) func(server *Server) {
	return func(o *Server) {
		o.port = val
	}
}

func WithAddress(val string) func(server *Server) {
	return func(o *Server) {
		o.address = val
	}
}

func WithLogger(val log.Logger) func(server *Server) {
	return func(o *Server) {
		if val != nil {
			o.logger = val
		}
	}
}

func WithChunkSize(val int) func(server *Server) {
	return func(o *Server) {
		o.chunkSize = val
	}
}

func WithMaxFrame(val int) func(server *Server) {
	return func(o *Server) {
		o.maxFrame = val
	}
}

func WithIdleTimeout(val time.Duration) func(server *Server) {
	return func(o *Server) {
		o.idleTimeout = val
	}
}

func WithReadOnly(val bool) func(server *Server) {
	return func(o *Server) {
		o.readOnly = val
	}
}

func WithMetrics(val metrics.Metrics) func(server *Server) {
	return func(o *Server) {
		o.metrics = metrics.OrNop(val)
	}
}

func WithMirror(val dispatch.Mirror) func(server *Server) {
	return func(o *Server) {
		o.mirror = val
	}
}

// WithRegistry replaces the default command handlers.
func WithRegistry(val dispatch.Registry) func(server *Server) {
	return func(o *Server) {
		o.registry = val
	}
}

// WithSFTP enables the SFTP gateway on address. An empty hostKey places the
// key in .ssh/id_rsa beside the storage root.
func WithSFTP(address, hostKey string) func(server *Server) {
	return func(o *Server) {
		o.sftpAddress = address
		if hostKey != "" {
			o.hostKey = hostKey
		}
	}
}

func WithNotificationCallback(callback NotificationHandler) func(srv *Server) {
	return func(o *Server) {
		o.notificationCallback = callback
	}
}
