package commands

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/upb/llm-mirror-router/services/cost"
	"github.com/upb/llm-mirror-router/services/health"
	"github.com/upb/llm-mirror-router/services/routing"
)

// Built-in handler names
const (
	HandlerStatus    = "status"
	HandlerHelp      = "help"
	HandlerProviders = "providers"
	HandlerConfig    = "config"
	HandlerUsage     = "usage"
	HandlerHealth    = "health"
	HandlerVersion   = "version"
)

// aliases map extra command names onto built-in handlers
var aliases = map[string]string{
	"models": HandlerProviders,
	"cost":   HandlerUsage,
}

var builtinHelp = map[string]string{
	HandlerStatus:    "gateway status: providers, circuits, mirror",
	HandlerHelp:      "list available commands",
	HandlerProviders: "list registered providers and prices",
	HandlerConfig:    "show the effective gateway settings",
	HandlerUsage:     "show spend and savings for this session",
	HandlerHealth:    "show circuit state per provider",
	HandlerVersion:   "show the gateway version",
}

// HealthView reads circuit state
type HealthView interface {
	Snapshot() map[string]health.Status
}

// UsageView reads cost aggregates
type UsageView interface {
	GetStats(sessionID string) cost.Stats
}

// RoutingView reads routing counters
type RoutingView interface {
	GetStats() routing.Stats
}

// Builtins are the collaborators the built-in handlers read from
type Builtins struct {
	Health     HealthView
	Usage      UsageView
	Routing    RoutingView
	Settings   func() map[string]string
	Version    string
	MirrorMode string
}

// BuiltinNames returns every name the built-ins answer to, aliases included
func BuiltinNames() []string {
	names := make([]string, 0, len(builtinHelp)+len(aliases))
	for n := range builtinHelp {
		names = append(names, n)
	}
	for a := range aliases {
		names = append(names, a)
	}
	sort.Strings(names)
	return names
}

// RegisterBuiltins installs the local handlers on d
func (d *Dispatcher) RegisterBuiltins(b Builtins) {
	d.Handle(HandlerStatus, d.status(b))
	d.Handle(HandlerHelp, d.help)
	d.Handle(HandlerProviders, d.providers)
	d.Handle(HandlerConfig, config(b))
	d.Handle(HandlerUsage, usage(b))
	d.Handle(HandlerHealth, healthReport(b))
	d.Handle(HandlerVersion, func(context.Context, Invocation) (string, error) {
		return "llm-mirror-router " + b.Version, nil
	})
	for alias, target := range aliases {
		d.Handle(alias, d.handlers[target])
	}
}

func (d *Dispatcher) status(b Builtins) Handler {
	return func(ctx context.Context, inv Invocation) (string, error) {
		snap := d.specs.Snapshot()
		var closed, open, halfOpen int
		if b.Health != nil {
			for _, st := range b.Health.Snapshot() {
				switch st.State {
				case health.StateClosed:
					closed++
				case health.StateOpen:
					open++
				case health.StateHalfOpen:
					halfOpen++
				}
			}
		}

		var sb strings.Builder
		fmt.Fprintf(&sb, "version: %s\n", b.Version)
		fmt.Fprintf(&sb, "registry: v%d from %s\n", snap.Version(), snap.Source())
		fmt.Fprintf(&sb, "providers: %d (closed %d, open %d, half-open %d)\n", snap.Len(), closed, open, halfOpen)
		fmt.Fprintf(&sb, "mirror: %s\n", b.MirrorMode)
		if b.Routing != nil {
			st := b.Routing.GetStats()
			fmt.Fprintf(&sb, "requests: %d served, %d failed\n", st.Served, st.Failed)
		}
		return strings.TrimRight(sb.String(), "\n"), nil
	}
}

func (d *Dispatcher) help(ctx context.Context, inv Invocation) (string, error) {
	type entry struct{ name, text string }
	var entries []entry
	seen := map[string]bool{}

	for _, spec := range d.specs.Snapshot().Commands() {
		text := spec.Help
		if text == "" && spec.ForceMirror {
			text = "handled by the reference tool"
		}
		if spec.Usage != "" {
			text = strings.TrimSpace(spec.Usage + "  " + text)
		}
		entries = append(entries, entry{spec.Name, text})
		seen[spec.Name] = true
	}
	for _, name := range BuiltinNames() {
		if seen[name] {
			continue
		}
		text := builtinHelp[name]
		if target, ok := aliases[name]; ok {
			text = "alias for " + d.prefix + target
		}
		entries = append(entries, entry{name, text})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].name < entries[j].name })

	var sb strings.Builder
	sb.WriteString("commands:\n")
	for _, e := range entries {
		fmt.Fprintf(&sb, "  %s%-12s %s\n", d.prefix, e.name, e.text)
	}
	return strings.TrimRight(sb.String(), "\n"), nil
}

func (d *Dispatcher) providers(ctx context.Context, inv Invocation) (string, error) {
	var sb strings.Builder
	for _, p := range d.specs.Snapshot().List() {
		fmt.Fprintf(&sb, "%s  kind=%s model=%s in=$%.2f/M out=$%.2f/M priority=%d caps=%s\n",
			p.ID, p.Kind, p.Model, p.InputPricePerMillion, p.OutputPricePerMillion, p.Priority, p.Capabilities)
	}
	if sb.Len() == 0 {
		return "no providers registered", nil
	}
	return strings.TrimRight(sb.String(), "\n"), nil
}

func config(b Builtins) Handler {
	return func(ctx context.Context, inv Invocation) (string, error) {
		if b.Settings == nil {
			return "no settings available", nil
		}
		settings := b.Settings()
		keys := make([]string, 0, len(settings))
		for k := range settings {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		var sb strings.Builder
		for _, k := range keys {
			if inv.Args != "" && !strings.Contains(k, strings.ToLower(inv.Args)) {
				continue
			}
			fmt.Fprintf(&sb, "%s=%s\n", k, settings[k])
		}
		if sb.Len() == 0 {
			return fmt.Sprintf("no setting matches %q", inv.Args), nil
		}
		return strings.TrimRight(sb.String(), "\n"), nil
	}
}

func usage(b Builtins) Handler {
	return func(ctx context.Context, inv Invocation) (string, error) {
		if b.Usage == nil {
			return "usage tracking is disabled", nil
		}
		st := b.Usage.GetStats(inv.SessionID)

		var sb strings.Builder
		fmt.Fprintf(&sb, "session: %s\n", inv.SessionID)
		fmt.Fprintf(&sb, "requests: %d (mirror %d)\n", st.Requests, st.MirrorRequests)
		fmt.Fprintf(&sb, "tokens: %d in, %d out\n", st.InputTokens, st.OutputTokens)
		fmt.Fprintf(&sb, "spend: $%.6f\n", st.TotalSpend)
		if st.BaselineProvider != "" {
			fmt.Fprintf(&sb, "baseline (%s): $%.6f\n", st.BaselineProvider, st.BaselineSpend)
			fmt.Fprintf(&sb, "saved: $%.6f\n", st.SavingsVsBaseline)
		}

		ids := make([]string, 0, len(st.PerProvider))
		for id := range st.PerProvider {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			p := st.PerProvider[id]
			fmt.Fprintf(&sb, "  %s: %d requests, $%.6f\n", id, p.Requests, p.Spend)
		}
		return strings.TrimRight(sb.String(), "\n"), nil
	}
}

func healthReport(b Builtins) Handler {
	return func(ctx context.Context, inv Invocation) (string, error) {
		if b.Health == nil {
			return "health monitor unavailable", nil
		}
		snap := b.Health.Snapshot()
		ids := make([]string, 0, len(snap))
		for id := range snap {
			ids = append(ids, id)
		}
		sort.Strings(ids)

		var sb strings.Builder
		for _, id := range ids {
			st := snap[id]
			fmt.Fprintf(&sb, "%s: %s failures=%.0f%% samples=%d avg=%s\n",
				id, st.State, st.FailureRatio*100, st.Samples, st.AvgLatency)
		}
		if sb.Len() == 0 {
			return "no providers tracked", nil
		}
		return strings.TrimRight(sb.String(), "\n"), nil
	}
}
