package errs

import (
	"errors"
	"fmt"
)

// Kind classifies a failure. Every per-command failure carries one so the
// session can turn it into an error response without inspecting messages.
type Kind string

const (
	MalformedCommand     Kind = "malformed_command"
	InvalidArguments     Kind = "invalid_arguments"
	PathEscape           Kind = "path_escape"
	InvalidSize          Kind = "invalid_size"
	ConnectionLost       Kind = "connection_lost"
	AuthenticationFailed Kind = "authentication_failed"
	FilesystemFault      Kind = "filesystem_fault"
	NotFound             Kind = "not_found"
	PermissionDenied     Kind = "permission_denied"
	Busy                 Kind = "busy"
)

// Code returns the wire code reported in error responses.
func (k Kind) Code() int {
	switch k {
	case MalformedCommand:
		return 400
	case AuthenticationFailed:
		return 401
	case PathEscape, PermissionDenied:
		return 403
	case NotFound:
		return 404
	case Busy:
		return 409
	case InvalidSize:
		return 411
	case InvalidArguments:
		return 422
	default:
		return 500
	}
}

// Fatal reports whether the kind ends the session rather than a single command.
func (k Kind) Fatal() bool {
	return k == ConnectionLost || k == AuthenticationFailed
}

// Error ... A tagged failure produced anywhere below the session loop.
type Error struct {
	Kind Kind
	Op   string
	Path string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	} else if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Path != "" {
		msg = fmt.Sprintf("%s: %s", e.Path, msg)
	}
	if e.Op != "" {
		msg = fmt.Sprintf("%s %s", e.Op, msg)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error by kind, so errors.Is(err, errs.New(errs.Busy, "")) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Op == "" && t.Path == "" && t.Msg == "" && t.Err == nil
}

func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// WithPath returns a copy of e annotated with the operation and the
// user-visible path it failed on.
func (e *Error) WithPath(op, path string) *Error {
	c := *e
	c.Op = op
	c.Path = path
	return &c
}

// KindOf extracts the kind of err. Untagged errors are filesystem faults.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return FilesystemFault
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Sentinels for errors.Is comparisons.
var (
	ErrConnectionLost       = &Error{Kind: ConnectionLost}
	ErrAuthenticationFailed = &Error{Kind: AuthenticationFailed}
	ErrPathEscape           = &Error{Kind: PathEscape}
	ErrBusy                 = &Error{Kind: Busy}
)
