package command

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/oarkflow/minidrive/pkg/errs"
)

type Status string

const (
	StatusSuccess Status = "success"
	StatusError   Status = "error"
	StatusReady   Status = "ready"
)

const (
	CodeOK    = 200
	CodeReady = 100
)

// Response is one server reply frame.
type Response struct {
	Status  Status          `json:"status"`
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func Success(message string, data any) Response {
	return Response{Status: StatusSuccess, Code: CodeOK, Message: message, Data: marshal(data)}
}

func Ready(message string, data any) Response {
	return Response{Status: StatusReady, Code: CodeReady, Message: message, Data: marshal(data)}
}

// Failure turns err into an error response carrying its kind's code.
func Failure(err error) Response {
	kind := errs.KindOf(err)
	return Response{Status: StatusError, Code: kind.Code(), Message: err.Error(), Data: marshal(map[string]string{"kind": string(kind)})}
}

func marshal(data any) json.RawMessage {
	if data == nil {
		return nil
	}
	b, err := json.Marshal(data)
	if err != nil {
		return nil
	}
	return b
}

// DecodeResponse parses one response frame.
func DecodeResponse(frame []byte) (Response, error) {
	var r Response
	if err := json.Unmarshal(frame, &r); err != nil {
		return Response{}, errs.Wrap(errs.MalformedCommand, err, "invalid response frame")
	}
	switch r.Status {
	case StatusSuccess, StatusError, StatusReady:
	default:
		return Response{}, errs.New(errs.MalformedCommand, "invalid response status %q", r.Status)
	}
	return r, nil
}

func (r Response) OK() bool {
	return r.Status == StatusSuccess
}

// Unmarshal decodes the response data into v.
func (r Response) Unmarshal(v any) error {
	if len(r.Data) == 0 {
		return errors.New("response has no data")
	}
	return json.Unmarshal(r.Data, v)
}

// Kind returns the error kind reported by an error response.
func (r Response) Kind() errs.Kind {
	if r.Status != StatusError {
		return ""
	}
	var d struct {
		Kind string `json:"kind"`
	}
	if err := json.Unmarshal(r.Data, &d); err != nil || d.Kind == "" {
		return errs.FilesystemFault
	}
	return errs.Kind(d.Kind)
}

// Err converts an error response back into a tagged error.
func (r Response) Err() error {
	if r.Status != StatusError {
		return nil
	}
	return &errs.Error{Kind: r.Kind(), Msg: fmt.Sprintf("%s (code %d)", r.Message, r.Code)}
}
