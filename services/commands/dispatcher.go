// Package commands recognizes prefixed directives and decides where they are served.
package commands

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"github.com/upb/llm-mirror-router/services"
	"github.com/upb/llm-mirror-router/services/providers"
	"github.com/upb/llm-mirror-router/services/routing"
	"go.uber.org/zap"
)

// Outcome says how a request is served after dispatch
type Outcome int

const (
	// OutcomePassThrough sends the request to the router as an ordinary completion
	OutcomePassThrough Outcome = iota
	// OutcomeLocal means a built-in handler produced the answer
	OutcomeLocal
	// OutcomeMirror sends the raw request to the reference tool, bypassing the router
	OutcomeMirror
	// OutcomeUnsupported rejects a prefixed token no handler knows
	OutcomeUnsupported
)

func (o Outcome) String() string {
	switch o {
	case OutcomeLocal:
		return "local"
	case OutcomeMirror:
		return "mirror"
	case OutcomeUnsupported:
		return "unsupported"
	default:
		return "pass_through"
	}
}

var namePattern = regexp.MustCompile(`^[a-z][a-z0-9_-]*$`)

// Invocation is a parsed command
type Invocation struct {
	Name      string
	Args      string
	SessionID string
}

// Result is the dispatcher's verdict for one request
type Result struct {
	Outcome Outcome
	Command string
	Output  string
	Err     error
}

// Handler runs a local command. It must not call providers.
type Handler func(ctx context.Context, inv Invocation) (string, error)

// SpecSource supplies the command specs loaded with the registry
type SpecSource interface {
	Snapshot() *providers.Snapshot
}

// Dispatcher matches the leading token of a request against local and registry commands
type Dispatcher struct {
	prefix          string
	unknownAsMirror bool
	specs           SpecSource
	handlers        map[string]Handler
	logger          *zap.Logger
}

// Config holds dispatcher settings
type Config struct {
	Prefix          string
	UnknownAsMirror bool
}

// NewDispatcher creates a dispatcher with no handlers; see RegisterBuiltins
func NewDispatcher(cfg Config, specs SpecSource, logger *zap.Logger) *Dispatcher {
	if cfg.Prefix == "" {
		cfg.Prefix = "/"
	}
	return &Dispatcher{
		prefix:          cfg.Prefix,
		unknownAsMirror: cfg.UnknownAsMirror,
		specs:           specs,
		handlers:        make(map[string]Handler),
		logger:          logger,
	}
}

// Handle registers a local handler under name
func (d *Dispatcher) Handle(name string, h Handler) {
	d.handlers[strings.ToLower(name)] = h
}

// HandlerNames lists registered handler names
func (d *Dispatcher) HandlerNames() []string {
	names := make([]string, 0, len(d.handlers))
	for n := range d.handlers {
		names = append(names, n)
	}
	return names
}

// Prefix returns the command prefix
func (d *Dispatcher) Prefix() string { return d.prefix }

// Parse extracts a command from text. Paths such as /usr/bin and a bare prefix are not commands.
func (d *Dispatcher) Parse(text string) (Invocation, bool) {
	text = strings.TrimLeftFunc(text, unicode.IsSpace)
	if !strings.HasPrefix(text, d.prefix) {
		return Invocation{}, false
	}
	rest := text[len(d.prefix):]

	token, args := rest, ""
	if i := strings.IndexFunc(rest, unicode.IsSpace); i >= 0 {
		token, args = rest[:i], strings.TrimSpace(rest[i:])
	}
	name := strings.ToLower(token)
	if !namePattern.MatchString(name) {
		return Invocation{}, false
	}
	return Invocation{Name: name, Args: args}, true
}

// Dispatch inspects the last user message of req. For pass-through commands it
// sets req.Command and widens req.Required with the command's capabilities.
func (d *Dispatcher) Dispatch(ctx context.Context, req *routing.Request) Result {
	inv, ok := d.Parse(lastUserMessage(req.Messages))
	if !ok {
		return Result{Outcome: OutcomePassThrough}
	}
	inv.SessionID = req.SessionID

	res := d.resolve(ctx, req, inv)
	d.logger.Debug("command dispatched",
		zap.String("request_id", req.ID),
		zap.String("command", inv.Name),
		zap.String("outcome", res.Outcome.String()))
	return res
}

func (d *Dispatcher) resolve(ctx context.Context, req *routing.Request, inv Invocation) Result {
	if spec, ok := d.specs.Snapshot().Command(inv.Name); ok {
		switch {
		case spec.ForceMirror:
			req.Command = inv.Name
			return Result{Outcome: OutcomeMirror, Command: inv.Name}
		case spec.Handler != "":
			return d.runLocal(ctx, spec.Handler, inv)
		default:
			req.Command = inv.Name
			req.Required = req.Required.Union(spec.Requires)
			return Result{Outcome: OutcomePassThrough, Command: inv.Name}
		}
	}

	if _, ok := d.handlers[inv.Name]; ok {
		return d.runLocal(ctx, inv.Name, inv)
	}

	if d.unknownAsMirror {
		req.Command = inv.Name
		return Result{Outcome: OutcomeMirror, Command: inv.Name}
	}
	return Result{
		Outcome: OutcomeUnsupported,
		Command: inv.Name,
		Err:     services.NewUnsupportedCommandError(d.prefix + inv.Name),
	}
}

func (d *Dispatcher) runLocal(ctx context.Context, handler string, inv Invocation) Result {
	h, ok := d.handlers[handler]
	if !ok {
		return Result{
			Outcome: OutcomeUnsupported,
			Command: inv.Name,
			Err:     services.NewUnsupportedCommandError(d.prefix + inv.Name).WithDetail("handler", handler),
		}
	}
	out, err := h(ctx, inv)
	if err != nil {
		return Result{Outcome: OutcomeLocal, Command: inv.Name, Err: fmt.Errorf("command %s: %w", inv.Name, err)}
	}
	return Result{Outcome: OutcomeLocal, Command: inv.Name, Output: out}
}

func lastUserMessage(msgs []providers.Message) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == "user" {
			return msgs[i].Content
		}
	}
	return ""
}
