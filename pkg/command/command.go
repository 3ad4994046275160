// Package command is the typed request/response model of the MiniDrive
// protocol and the single table of valid command names.
package command

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/oarkflow/minidrive/pkg/errs"
)

// Name is an upper-case command token.
type Name string

const (
	List     Name = "LIST"
	Upload   Name = "UPLOAD"
	Download Name = "DOWNLOAD"
	Delete   Name = "DELETE"
	Cd       Name = "CD"
	Mkdir    Name = "MKDIR"
	Rmdir    Name = "RMDIR"
	Move     Name = "MOVE"
	Copy     Name = "COPY"
	Help     Name = "HELP"
	Exit     Name = "EXIT"
)

// Spec describes one command: its arguments and whether it ever crosses the
// wire. Local commands are handled by the client alone.
type Spec struct {
	Name     Name
	Required []string
	Optional []string
	Defaults map[string]string
	Local    bool
	Usage    string
	Summary  string
}

// Accepts reports whether arg is a known argument of the command.
func (s Spec) Accepts(arg string) bool {
	for _, a := range s.Required {
		if a == arg {
			return true
		}
	}
	for _, a := range s.Optional {
		if a == arg {
			return true
		}
	}
	return false
}

var specs = map[Name]Spec{
	List: {
		Name: List, Optional: []string{"path"}, Defaults: map[string]string{"path": "."},
		Usage: "LIST [path]", Summary: "list the entries of a directory",
	},
	Upload: {
		Name: Upload, Required: []string{"filename"},
		Usage: "UPLOAD <local_file> [remote_name]", Summary: "send a local file to the server",
	},
	Download: {
		Name: Download, Required: []string{"remote_path"}, Optional: []string{"local_path"},
		Usage: "DOWNLOAD <remote_path> [local_path]", Summary: "fetch a remote file",
	},
	Delete: {
		Name: Delete, Required: []string{"path"},
		Usage: "DELETE <path>", Summary: "remove a file",
	},
	Cd: {
		Name: Cd, Required: []string{"path"},
		Usage: "CD <path>", Summary: "change the working directory",
	},
	Mkdir: {
		Name: Mkdir, Required: []string{"path"},
		Usage: "MKDIR <path>", Summary: "create a directory",
	},
	Rmdir: {
		Name: Rmdir, Required: []string{"path"},
		Usage: "RMDIR <path>", Summary: "remove a directory and its contents",
	},
	Move: {
		Name: Move, Required: []string{"src", "dst"},
		Usage: "MOVE <src> <dst>", Summary: "rename or move a file or directory",
	},
	Copy: {
		Name: Copy, Required: []string{"src", "dst"},
		Usage: "COPY <src> <dst>", Summary: "duplicate a file or directory",
	},
	Help: {
		Name: Help, Local: true,
		Usage: "HELP", Summary: "show this help",
	},
	Exit: {
		Name: Exit, Local: true,
		Usage: "EXIT", Summary: "close the session",
	},
}

// Lookup returns the spec for a name, case-insensitively.
func Lookup(name string) (Spec, bool) {
	s, ok := specs[Name(strings.ToUpper(strings.TrimSpace(name)))]
	return s, ok
}

// Specs returns all command specs sorted by name.
func Specs() []Spec {
	out := make([]Spec, 0, len(specs))
	for _, s := range specs {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// WireNames returns the names a server must be able to dispatch.
func WireNames() []Name {
	var out []Name
	for _, s := range Specs() {
		if !s.Local {
			out = append(out, s.Name)
		}
	}
	return out
}

// Command is one decoded request.
type Command struct {
	Name Name              `json:"cmd"`
	Args map[string]string `json:"args,omitempty"`
}

func New(name Name, args map[string]string) Command {
	return Command{Name: name, Args: args}
}

// Arg returns an argument, falling back to the command's default.
func (c Command) Arg(name string) string {
	if v := c.Args[name]; v != "" {
		return v
	}
	if s, ok := specs[c.Name]; ok {
		return s.Defaults[name]
	}
	return ""
}

func (c Command) String() string {
	if len(c.Args) == 0 {
		return string(c.Name)
	}
	keys := make([]string, 0, len(c.Args))
	for k := range c.Args {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys)+1)
	parts = append(parts, string(c.Name))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%q", k, c.Args[k]))
	}
	return strings.Join(parts, " ")
}

// Encode returns the single-line wire form of c, without terminator.
func (c Command) Encode() ([]byte, error) {
	return json.Marshal(c)
}

// Validate checks arity: every required argument present and non-empty, no
// argument the command does not know.
func Validate(c Command) error {
	s, ok := specs[c.Name]
	if !ok {
		return errs.New(errs.MalformedCommand, "unknown command %q", c.Name)
	}
	for _, a := range s.Required {
		if c.Args[a] == "" {
			return errs.New(errs.InvalidArguments, "%s requires argument %q", c.Name, a)
		}
	}
	for a := range c.Args {
		if !s.Accepts(a) {
			return errs.New(errs.InvalidArguments, "%s does not take argument %q", c.Name, a)
		}
	}
	return nil
}

// Decode strictly parses one control frame. The frame must be a JSON object
// with a string "cmd" and an optional object "args" of string values; nothing
// else is accepted. Client-local commands are rejected.
func Decode(frame []byte) (Command, error) {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(frame, &top); err != nil || top == nil {
		return Command{}, errs.New(errs.MalformedCommand, "control frame is not a JSON object")
	}
	for k := range top {
		if k != "cmd" && k != "args" {
			return Command{}, errs.New(errs.MalformedCommand, "unexpected field %q", k)
		}
	}
	rawName, ok := top["cmd"]
	if !ok {
		return Command{}, errs.New(errs.MalformedCommand, "missing field \"cmd\"")
	}
	var name string
	if err := json.Unmarshal(rawName, &name); err != nil {
		return Command{}, errs.New(errs.MalformedCommand, "field \"cmd\" must be a string")
	}
	s, ok := Lookup(name)
	if !ok {
		return Command{}, errs.New(errs.MalformedCommand, "unknown command %q", name)
	}
	if s.Local {
		return Command{}, errs.New(errs.MalformedCommand, "%s is handled by the client", s.Name)
	}
	cmd := Command{Name: s.Name}
	if rawArgs, ok := top["args"]; ok && !isNull(rawArgs) {
		args, err := decodeArgs(rawArgs)
		if err != nil {
			return Command{}, err
		}
		if len(args) > 0 {
			cmd.Args = args
		}
	}
	if err := Validate(cmd); err != nil {
		return Command{}, err
	}
	return cmd, nil
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

// decodeArgs walks the args object token by token so duplicate keys and
// non-string values are caught instead of silently resolved.
func decodeArgs(raw json.RawMessage) (map[string]string, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	tok, err := dec.Token()
	if err != nil {
		return nil, errs.New(errs.MalformedCommand, "field \"args\" must be an object")
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, errs.New(errs.MalformedCommand, "field \"args\" must be an object")
	}
	args := make(map[string]string)
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, errs.New(errs.MalformedCommand, "field \"args\" is not valid JSON")
		}
		key, _ := tok.(string)
		var val json.RawMessage
		if err := dec.Decode(&val); err != nil {
			return nil, errs.New(errs.MalformedCommand, "field \"args\" is not valid JSON")
		}
		var s string
		if err := json.Unmarshal(val, &s); err != nil {
			return nil, errs.New(errs.InvalidArguments, "argument %q must be a string", key)
		}
		if _, dup := args[key]; dup {
			return nil, errs.New(errs.InvalidArguments, "duplicate argument %q", key)
		}
		args[key] = s
	}
	return args, nil
}
