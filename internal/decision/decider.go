package decision

import (
	"fmt"
	"slices"
	"strings"

	"FlowWarden/internal/matcher"
	"FlowWarden/internal/model"
)

// Verdict is the outcome of a Decider.
type Verdict uint8

const (
	Allow Verdict = iota
	Deny
	Defer
)

func (v Verdict) String() string {
	switch v {
	case Allow:
		return "allow"
	case Deny:
		return "deny"
	case Defer:
		return "defer"
	default:
		return "unknown"
	}
}

// ParseVerdict accepts "allow", "deny" or "defer", case insensitively.
func ParseVerdict(s string) (Verdict, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "allow":
		return Allow, nil
	case "deny":
		return Deny, nil
	case "defer":
		return Defer, nil
	default:
		return 0, fmt.Errorf("unknown verdict %q", s)
	}
}

// Decider classifies a flow. Implementations must be fast and must not block.
type Decider interface {
	Decide(flow model.Flow) Verdict
}

// DeciderFunc adapts a function to Decider.
type DeciderFunc func(model.Flow) Verdict

func (f DeciderFunc) Decide(flow model.Flow) Verdict { return f(flow) }

// AllowAll allows every flow.
type AllowAll struct{}

func (AllowAll) Decide(model.Flow) Verdict { return Allow }

// Rule matches flows on their remote host, service port, owning process,
// protocol and direction. Empty criteria match everything.
type Rule struct {
	Name      string
	Verdict   Verdict
	Hosts     []string
	Ports     []uint16
	Processes []string
	Protocol  model.Protocol
	Direction model.Direction
}

type compiledRule struct {
	Rule
	hosts     matcher.Matcher
	processes matcher.Matcher
}

func (r *compiledRule) match(f model.Flow) bool {
	if r.Protocol != 0 && r.Protocol != f.Protocol {
		return false
	}
	if r.Direction != model.DirectionAny && r.Direction != f.Direction {
		return false
	}
	if len(r.Ports) > 0 && !slices.Contains(r.Ports, ServicePort(f)) {
		return false
	}
	if r.hosts != nil {
		if !r.hosts.Match(f.Remote.Address.String()) && (f.Remote.Hostname == "" || !r.hosts.Match(f.Remote.Hostname)) {
			return false
		}
	}
	if r.processes != nil {
		if f.Process == nil || !r.processes.Match(f.Process.Path) {
			return false
		}
	}
	return true
}

// RuleDecider returns the verdict of the first matching rule, or its
// fallback when none matches.
type RuleDecider struct {
	rules    []compiledRule
	fallback Verdict
}

// NewRuleDecider compiles rules in order.
func NewRuleDecider(fallback Verdict, rules []Rule) (*RuleDecider, error) {
	d := &RuleDecider{fallback: fallback}
	for i, r := range rules {
		cr := compiledRule{Rule: r}
		if len(r.Hosts) > 0 {
			m, err := matcher.HostMatcher(r.Hosts)
			if err != nil {
				return nil, fmt.Errorf("rule %d (%s): %w", i, r.Name, err)
			}
			cr.hosts = m
		}
		if len(r.Processes) > 0 {
			m, err := matcher.PathMatcher(r.Processes)
			if err != nil {
				return nil, fmt.Errorf("rule %d (%s): %w", i, r.Name, err)
			}
			cr.processes = m
		}
		d.rules = append(d.rules, cr)
	}
	return d, nil
}

func (d *RuleDecider) Decide(f model.Flow) Verdict {
	for i := range d.rules {
		if d.rules[i].match(f) {
			return d.rules[i].Verdict
		}
	}
	return d.fallback
}

// ServicePort is the port that names the service of a flow: the local port
// for inbound flows, the remote port otherwise.
func ServicePort(f model.Flow) uint16 {
	if f.Direction == model.DirectionInbound {
		return f.Local.Port
	}
	return f.Remote.Port
}
