package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/dustin/go-humanize"

	"github.com/oarkflow/minidrive/pkg/client"
	"github.com/oarkflow/minidrive/pkg/command"
	"github.com/oarkflow/minidrive/pkg/errs"
)

// shell runs one line at a time against a connected client.
type shell struct {
	client *client.Client
	out    io.Writer
}

func (s *shell) prompt() string {
	return "minidrive:" + s.client.Cwd() + "> "
}

// exec runs line and reports whether the session should end. Only a lost
// connection is returned as an error.
func (s *shell) exec(line string) (bool, error) {
	if strings.TrimSpace(line) == "" {
		return false, nil
	}
	tokens, err := command.Tokenize(line)
	if err != nil {
		s.printErr(err)
		return false, nil
	}
	// UPLOAD names a local file first, so it does not map onto the wire arguments.
	if strings.EqualFold(tokens[0], string(command.Upload)) {
		return false, s.upload(tokens[1:])
	}
	cmd, err := command.ParseLine(line)
	if err != nil {
		s.printErr(err)
		return false, nil
	}
	switch cmd.Name {
	case command.Help:
		s.help()
		return false, nil
	case command.Exit:
		return true, nil
	case command.Download:
		res, err := s.client.Download(cmd.Arg("remote_path"), cmd.Arg("local_path"))
		if err != nil {
			return false, s.fail(err)
		}
		fmt.Fprintf(s.out, "downloaded %s (%s)\n", res.Path, humanize.IBytes(res.Size))
		return false, nil
	case command.List:
		l, err := s.client.List(cmd.Arg("path"))
		if err != nil {
			return false, s.fail(err)
		}
		s.listing(l)
		return false, nil
	}
	resp, err := s.client.Do(cmd)
	if err != nil {
		return false, s.fail(err)
	}
	if !resp.OK() {
		s.printErr(resp.Err())
		return false, nil
	}
	fmt.Fprintln(s.out, resp.Message)
	return false, nil
}

func (s *shell) upload(args []string) error {
	if len(args) < 1 || len(args) > 2 {
		spec, _ := command.Lookup(string(command.Upload))
		s.printErr(errs.New(errs.InvalidArguments, "usage: %s", spec.Usage))
		return nil
	}
	remote := ""
	if len(args) == 2 {
		remote = args[1]
	}
	res, err := s.client.Upload(args[0], remote)
	if err != nil {
		return s.fail(err)
	}
	fmt.Fprintf(s.out, "uploaded %s (%s)\n", res.Path, humanize.IBytes(res.Size))
	return nil
}

// fail prints err and passes it on only when the session is gone.
func (s *shell) fail(err error) error {
	if errs.Is(err, errs.ConnectionLost) {
		return err
	}
	s.printErr(err)
	return nil
}

func (s *shell) printErr(err error) {
	fmt.Fprintf(s.out, "error: %v\n", err)
}

func (s *shell) help() {
	w := tabwriter.NewWriter(s.out, 0, 4, 2, ' ', 0)
	for _, spec := range command.Specs() {
		fmt.Fprintf(w, "%s\t%s\n", spec.Usage, spec.Summary)
	}
	w.Flush()
}

func (s *shell) listing(l *client.Listing) {
	if len(l.Entries) == 0 {
		fmt.Fprintf(s.out, "%s is empty\n", l.Path)
		return
	}
	w := tabwriter.NewWriter(s.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "MODE\tSIZE\tMODIFIED\tNAME")
	for _, e := range l.Entries {
		size, name := humanize.IBytes(uint64(e.Size)), e.Name
		if e.Dir {
			size, name = "-", name+"/"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", e.Mode, size, humanize.Time(e.ModTime), name)
	}
	w.Flush()
}
