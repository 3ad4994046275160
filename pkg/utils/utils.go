package utils

import (
	"fmt"
	"net"
	"path/filepath"
	"strconv"
	"strings"
)

func AbsPath(path string) string {
	if !filepath.IsAbs(path) {
		b, err := filepath.Abs(path)
		if err == nil {
			path = b
		}
	}
	return path
}

// Target is a parsed "[username@]host:port" connection string.
type Target struct {
	Username string
	Host     string
	Port     int
}

func (t Target) Address() string {
	return net.JoinHostPort(t.Host, strconv.Itoa(t.Port))
}

func (t Target) String() string {
	if t.Username == "" {
		return t.Address()
	}
	return t.Username + "@" + t.Address()
}

// ParseTarget parses "[username@]host:port". When the username part is
// absent, defaultUser is used.
func ParseTarget(s, defaultUser string) (Target, error) {
	t := Target{Username: defaultUser}
	rest := s
	if i := strings.LastIndex(s, "@"); i >= 0 {
		t.Username = s[:i]
		rest = s[i+1:]
		if t.Username == "" {
			return Target{}, fmt.Errorf("empty username in %q", s)
		}
	}
	host, port, err := net.SplitHostPort(rest)
	if err != nil {
		return Target{}, fmt.Errorf("invalid address %q: %w", rest, err)
	}
	if host == "" {
		return Target{}, fmt.Errorf("missing host in %q", s)
	}
	p, err := strconv.Atoi(port)
	if err != nil || p < 1 || p > 65535 {
		return Target{}, fmt.Errorf("invalid port %q", port)
	}
	t.Host = host
	t.Port = p
	return t, nil
}
