package command

import (
	"strings"

	"github.com/oarkflow/minidrive/pkg/errs"
)

// Tokenize splits a shell line on whitespace, honouring single and double
// quotes and backslash escapes outside single quotes.
func Tokenize(line string) ([]string, error) {
	var (
		tokens  []string
		cur     strings.Builder
		inToken bool
		quote   rune
		escaped bool
	)
	for _, r := range line {
		switch {
		case escaped:
			cur.WriteRune(r)
			escaped = false
		case r == '\\' && quote != '\'':
			escaped = true
			inToken = true
		case quote != 0:
			if r == quote {
				quote = 0
			} else {
				cur.WriteRune(r)
			}
		case r == '\'' || r == '"':
			quote = r
			inToken = true
		case r == ' ' || r == '\t':
			if inToken {
				tokens = append(tokens, cur.String())
				cur.Reset()
				inToken = false
			}
		default:
			cur.WriteRune(r)
			inToken = true
		}
	}
	if escaped {
		return nil, errs.New(errs.InvalidArguments, "trailing backslash")
	}
	if quote != 0 {
		return nil, errs.New(errs.InvalidArguments, "unterminated quote")
	}
	if inToken {
		tokens = append(tokens, cur.String())
	}
	return tokens, nil
}

// ParseLine turns "NAME arg1 arg2" into a Command, binding positional
// tokens to required then optional argument names. The result is validated;
// local commands are returned too so the caller can act on them.
func ParseLine(line string) (Command, error) {
	tokens, err := Tokenize(line)
	if err != nil {
		return Command{}, err
	}
	if len(tokens) == 0 {
		return Command{}, errs.New(errs.MalformedCommand, "empty command")
	}
	s, ok := Lookup(tokens[0])
	if !ok {
		return Command{}, errs.New(errs.MalformedCommand, "unknown command %q", tokens[0])
	}
	names := append(append([]string{}, s.Required...), s.Optional...)
	rest := tokens[1:]
	if len(rest) > len(names) {
		return Command{}, errs.New(errs.InvalidArguments, "usage: %s", s.Usage)
	}
	cmd := Command{Name: s.Name}
	for i, v := range rest {
		if cmd.Args == nil {
			cmd.Args = make(map[string]string, len(rest))
		}
		cmd.Args[names[i]] = v
	}
	if err := Validate(cmd); err != nil {
		return Command{}, errs.New(errs.InvalidArguments, "usage: %s", s.Usage)
	}
	return cmd, nil
}
