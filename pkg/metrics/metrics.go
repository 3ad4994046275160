// Package metrics records server activity. The interface keeps callers free
// of Prometheus; Nop is used when metrics are disabled.
package metrics

import (
	"time"
)

const (
	DirectionUpload   = "upload"
	DirectionDownload = "download"
)

type Metrics interface {
	SessionOpened(frontend string)
	SessionClosed(frontend string, d time.Duration)
	HandshakeFailed()
	CommandHandled(cmd, outcome string, d time.Duration)
	BytesTransferred(direction string, n uint64)
}

type nop struct{}

// Nop returns a Metrics that records nothing.
func Nop() Metrics {
	return nop{}
}

func (nop) SessionOpened(string)                         {}
func (nop) SessionClosed(string, time.Duration)          {}
func (nop) HandshakeFailed()                             {}
func (nop) CommandHandled(string, string, time.Duration) {}
func (nop) BytesTransferred(string, uint64)              {}

// OrNop returns m, or Nop when m is nil.
func OrNop(m Metrics) Metrics {
	if m == nil {
		return Nop()
	}
	return m
}
