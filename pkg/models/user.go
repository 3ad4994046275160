package models

import (
	"strings"
	"unicode"

	"github.com/oarkflow/minidrive/pkg/errs"
)

// MaxUsernameLength bounds a handshake username in bytes.
const MaxUsernameLength = 64

// PublicUser is the directory every server bootstraps.
const PublicUser = "public"

type User struct {
	Username    string   `json:"username"`
	Root        string   `json:"root"`
	Permissions []string `json:"permissions"`
}

// ValidateUsername checks that name can be used as a single directory name.
func ValidateUsername(name string) error {
	switch {
	case name == "":
		return errs.New(errs.AuthenticationFailed, "empty username")
	case len(name) > MaxUsernameLength:
		return errs.New(errs.AuthenticationFailed, "username longer than %d bytes", MaxUsernameLength)
	case name == "." || name == "..":
		return errs.New(errs.AuthenticationFailed, "invalid username %q", name)
	case strings.ContainsAny(name, `/\`):
		return errs.New(errs.AuthenticationFailed, "username must not contain path separators")
	}
	for _, r := range name {
		if unicode.IsControl(r) || r == unicode.ReplacementChar {
			return errs.New(errs.AuthenticationFailed, "username contains invalid characters")
		}
	}
	return nil
}
