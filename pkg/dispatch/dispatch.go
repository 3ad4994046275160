// Package dispatch routes decoded commands to their handlers.
package dispatch

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/oarkflow/minidrive/pkg/command"
	"github.com/oarkflow/minidrive/pkg/errs"
	"github.com/oarkflow/minidrive/pkg/frame"
	"github.com/oarkflow/minidrive/pkg/fs"
	"github.com/oarkflow/minidrive/pkg/log"
	"github.com/oarkflow/minidrive/pkg/metrics"
)

// Session is what a handler may see of the session that runs it.
type Session interface {
	ID() string
	Username() string
	Cwd() string
	SetCwd(cwd string)
	FS() fs.FS
	Codec() *frame.Codec
	Logger() log.Logger
}

// Handler runs one command. A returned error that is not fatal is turned
// into an error response; a fatal one ends the session.
type Handler func(ctx context.Context, s Session, cmd command.Command) (command.Response, error)

// Registry maps command names to handlers.
type Registry map[command.Name]Handler

type Dispatcher struct {
	registry Registry
	metrics  metrics.Metrics
}

func WithMetrics(m metrics.Metrics) func(*Dispatcher) {
	return func(d *Dispatcher) {
		d.metrics = metrics.OrNop(m)
	}
}

// New checks that the registry covers exactly the wire commands.
func New(r Registry, opts ...func(*Dispatcher)) (*Dispatcher, error) {
	wire := make(map[command.Name]bool)
	var missing []string
	for _, n := range command.WireNames() {
		wire[n] = true
		if r[n] == nil {
			missing = append(missing, string(n))
		}
	}
	var extra []string
	for n := range r {
		if !wire[n] {
			extra = append(extra, string(n))
		}
	}
	sort.Strings(extra)
	if len(missing) > 0 || len(extra) > 0 {
		return nil, fmt.Errorf("dispatch: registry mismatch: missing [%s] unexpected [%s]",
			strings.Join(missing, " "), strings.Join(extra, " "))
	}
	d := &Dispatcher{registry: r, metrics: metrics.Nop()}
	for _, o := range opts {
		o(d)
	}
	return d, nil
}

// Dispatch runs cmd synchronously and returns its terminal response. The
// error is non-nil only when the session must end.
func (d *Dispatcher) Dispatch(ctx context.Context, s Session, cmd command.Command) (command.Response, error) {
	h, ok := d.registry[cmd.Name]
	if !ok {
		return command.Failure(errs.New(errs.MalformedCommand, "unknown command %q", cmd.Name)), nil
	}
	start := time.Now()
	resp, err := h(ctx, s, cmd)
	outcome := "success"
	if err != nil {
		kind := errs.KindOf(err)
		outcome = string(kind)
		d.metrics.CommandHandled(string(cmd.Name), outcome, time.Since(start))
		if kind.Fatal() {
			return command.Response{}, err
		}
		s.Logger().Debug("command failed", "cmd", cmd.Name, "kind", kind, "err", err)
		return command.Failure(err), nil
	}
	d.metrics.CommandHandled(string(cmd.Name), outcome, time.Since(start))
	return resp, nil
}
