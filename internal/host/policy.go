package host

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/Bigsy/mcpbridge/internal/config"
)

// PermissionTimeout bounds an ASK decision; no answer in time is DENY.
const PermissionTimeout = 5 * time.Second

// ActionHostCall is the permission action for a tool call made through the host.
const ActionHostCall = "mcp_host_call"

// Decision is the outcome of the mutation policy for one call.
type Decision string

const (
	DecisionAllow Decision = "ALLOW"
	DecisionDeny  Decision = "DENY"
	DecisionAsk   Decision = "ASK"
)

// ExposurePolicy decides which registry tools inbound clients can see.
// Deny always wins over allow.
type ExposurePolicy struct {
	allowAll bool
	allow    map[string]bool
	deny     map[string]bool
}

// ParseExposurePolicy parses a comma-separated filter. "*" allows every
// tool, "-name" denies one and a bare name allows it. An empty filter
// exposes nothing.
func ParseExposurePolicy(filter string) *ExposurePolicy {
	p := &ExposurePolicy{allow: map[string]bool{}, deny: map[string]bool{}}
	for _, tok := range strings.Split(filter, ",") {
		tok = strings.TrimSpace(tok)
		switch {
		case tok == "":
		case tok == "*":
			p.allowAll = true
		case strings.HasPrefix(tok, "-") || strings.HasPrefix(tok, "!"):
			if name := strings.TrimSpace(tok[1:]); name != "" {
				p.deny[name] = true
			}
		default:
			p.allow[tok] = true
		}
	}
	return p
}

// Exposes reports whether name passes the filter.
func (p *ExposurePolicy) Exposes(name string) bool {
	if p == nil || p.deny[name] {
		return false
	}
	return p.allowAll || p.allow[name]
}

// String renders the policy back into filter syntax.
func (p *ExposurePolicy) String() string {
	var parts []string
	if p.allowAll {
		parts = append(parts, "*")
	}
	allow := make([]string, 0, len(p.allow))
	for name := range p.allow {
		allow = append(allow, name)
	}
	sort.Strings(allow)
	parts = append(parts, allow...)

	deny := make([]string, 0, len(p.deny))
	for name := range p.deny {
		deny = append(deny, "-"+name)
	}
	sort.Strings(deny)
	return strings.Join(append(parts, deny...), ",")
}

// PermissionRequest describes a tool call awaiting a decision.
type PermissionRequest struct {
	Tool      string
	Action    string
	Client    string
	SessionID string
	Arguments map[string]any
}

// PermissionManager answers ASK decisions. Anything other than ALLOW is
// treated as DENY.
type PermissionManager interface {
	Check(ctx context.Context, req PermissionRequest) (Decision, error)
}

// FuncPermissionManager adapts a function to PermissionManager.
type FuncPermissionManager func(ctx context.Context, req PermissionRequest) (Decision, error)

func (f FuncPermissionManager) Check(ctx context.Context, req PermissionRequest) (Decision, error) {
	return f(ctx, req)
}

// RulesPermissionManager decides from per-tool rules. A rule for "*"
// matches any tool; an exact name wins over "*". Unmatched tools get
// Default, which is DENY when unset.
type RulesPermissionManager struct {
	Rules   []config.PermissionRule
	Default Decision
}

func (r *RulesPermissionManager) Check(_ context.Context, req PermissionRequest) (Decision, error) {
	var wildcard Decision
	for _, rule := range r.Rules {
		switch rule.Tool {
		case req.Tool:
			return Decision(rule.Decision), nil
		case "*":
			wildcard = Decision(rule.Decision)
		}
	}
	if wildcard != "" {
		return wildcard, nil
	}
	if r.Default == "" {
		return DecisionDeny, nil
	}
	return r.Default, nil
}

// ErrNoPermissionManager is returned by ASK when nothing can answer.
var ErrNoPermissionManager = errors.New("no permission manager configured")

// Policy is the host's mutation gating: a server-wide default plus the
// permission manager consulted for ASK.
type Policy struct {
	Mutation    Decision
	Permissions PermissionManager
	Timeout     time.Duration
}

// Decide resolves the decision for a call. The mutation policy governs every
// tool; ASK is resolved through the permission manager under Timeout and
// fails closed to DENY.
func (p Policy) Decide(ctx context.Context, req PermissionRequest) (Decision, error) {
	switch p.Mutation {
	case DecisionAllow, "":
		return DecisionAllow, nil
	case DecisionDeny:
		return DecisionDeny, nil
	case DecisionAsk:
		return p.ask(ctx, req)
	}
	return DecisionDeny, fmt.Errorf("unknown mutation policy %q", p.Mutation)
}

func (p Policy) ask(ctx context.Context, req PermissionRequest) (Decision, error) {
	if p.Permissions == nil {
		return DecisionDeny, ErrNoPermissionManager
	}
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = PermissionTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type answer struct {
		d   Decision
		err error
	}
	ch := make(chan answer, 1)
	go func() {
		d, err := p.Permissions.Check(ctx, req)
		ch <- answer{d, err}
	}()

	select {
	case a := <-ch:
		if a.err != nil {
			return DecisionDeny, a.err
		}
		if a.d != DecisionAllow {
			return DecisionDeny, nil
		}
		return DecisionAllow, nil
	case <-ctx.Done():
		return DecisionDeny, fmt.Errorf("permission check: %w", ctx.Err())
	}
}

// PolicyFromConfig builds the mutation policy for a host config.
func PolicyFromConfig(h config.HostConfig, pm PermissionManager) Policy {
	if pm == nil && len(h.PermissionRules) > 0 {
		pm = &RulesPermissionManager{Rules: h.PermissionRules}
	}
	return Policy{Mutation: Decision(h.MutationPolicy), Permissions: pm, Timeout: PermissionTimeout}
}
