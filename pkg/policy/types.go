package policy

import (
	"fmt"
	"strings"
	"time"
)

// Effect is the outcome a rule contributes.
type Effect string

const (
	EffectAllow Effect = "allow"
	EffectDeny  Effect = "deny"
)

// PatternKind tags the matching strategy of a pattern. Rules are a tagged
// variant over pattern kinds with an explicit specificity comparator; no
// runtime type inspection is involved.
type PatternKind string

const (
	// PatternExact matches the value verbatim.
	PatternExact PatternKind = "exact"

	// PatternPrefix matches values sharing the pattern's prefix.
	PatternPrefix PatternKind = "prefix"

	// PatternWildcard matches everything.
	PatternWildcard PatternKind = "wildcard"
)

// Pattern is one field matcher inside a rule.
type Pattern struct {
	Kind  PatternKind `json:"kind"`
	Value string      `json:"value,omitempty"`
}

// ParsePattern derives the tagged variant from its string form: "*" is a
// wildcard, a trailing "*" is a prefix match, anything else is exact.
func ParsePattern(s string) Pattern {
	switch {
	case s == "*" || s == "":
		return Pattern{Kind: PatternWildcard}
	case strings.HasSuffix(s, "*"):
		return Pattern{Kind: PatternPrefix, Value: strings.TrimSuffix(s, "*")}
	default:
		return Pattern{Kind: PatternExact, Value: s}
	}
}

// Matches reports whether the pattern matches the value.
func (p Pattern) Matches(v string) bool {
	switch p.Kind {
	case PatternWildcard:
		return true
	case PatternPrefix:
		return strings.HasPrefix(v, p.Value)
	default:
		return v == p.Value
	}
}

// weight contributes to the default specificity of a rule. Exact beats
// prefix beats wildcard; longer prefixes beat shorter ones without ever
// reaching exact weight.
func (p Pattern) weight() int {
	switch p.Kind {
	case PatternExact:
		return 1000
	case PatternPrefix:
		w := 100 + len(p.Value)
		if w >= 1000 {
			w = 999
		}
		return w
	default:
		return 0
	}
}

// String renders the pattern back to its file form.
func (p Pattern) String() string {
	switch p.Kind {
	case PatternWildcard:
		return "*"
	case PatternPrefix:
		return p.Value + "*"
	default:
		return p.Value
	}
}

// Rule is one policy rule. Immutable once loaded into a snapshot.
type Rule struct {
	// Name identifies the rule in audit payloads and logs.
	Name string `json:"name"`

	Actor    Pattern `json:"actor"`
	Action   Pattern `json:"action"`
	Resource Pattern `json:"resource"`

	// Effect is allow or deny.
	Effect Effect `json:"effect"`

	// Specificity orders matching rules; higher wins. Zero means
	// "computed from the patterns". Ties between conflicting rules are
	// possible by construction and resolve deny-wins.
	Specificity int `json:"specificity,omitempty"`
}

// specificity returns the explicit score or the pattern-derived default.
func (r Rule) specificity() int {
	if r.Specificity != 0 {
		return r.Specificity
	}
	return r.Actor.weight() + r.Action.weight() + r.Resource.weight()
}

// Matches reports whether the rule applies to the triple.
func (r Rule) Matches(actor, action, resource string) bool {
	return r.Actor.Matches(actor) && r.Action.Matches(action) && r.Resource.Matches(resource)
}

// RuleSet is an immutable snapshot of loaded rules. In-flight evaluations
// each hold one consistent snapshot.
type RuleSet struct {
	Rules    []Rule    `json:"rules"`
	Source   string    `json:"source,omitempty"`
	LoadedAt time.Time `json:"loaded_at"`
}

// Decision is the result of one evaluation.
type Decision struct {
	// Effect is the resolved outcome.
	Effect Effect `json:"effect"`

	// Rule is the winning rule, nil for the fail-closed default.
	Rule *Rule `json:"rule,omitempty"`

	// Reason explains the resolution for audit payloads.
	Reason string `json:"reason"`
}

// Allowed reports whether the decision permits the operation.
func (d Decision) Allowed() bool { return d.Effect == EffectAllow }

// RuleName returns the winning rule's name, or the resolution reason when no
// rule matched.
func (d Decision) RuleName() string {
	if d.Rule != nil {
		return d.Rule.Name
	}
	return d.Reason
}

func (d Decision) String() string {
	if d.Rule != nil {
		return fmt.Sprintf("%s (rule=%s)", d.Effect, d.Rule.Name)
	}
	return fmt.Sprintf("%s (%s)", d.Effect, d.Reason)
}
