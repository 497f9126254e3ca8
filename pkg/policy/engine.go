package policy

import (
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Engine evaluates (actor, action, resource) triples against the current
// rule snapshot. Evaluation is a pure function of the snapshot and the
// triple; it consults no live state. A decision taken at time of request and
// one taken at time of effect can differ only if the snapshot was reloaded
// in between, so effect-side callers evaluate again before acting.
type Engine struct {
	snapshot atomic.Pointer[RuleSet]
	logger   zerolog.Logger
}

// NewEngine creates an engine preloaded with the built-in rules.
func NewEngine(logger zerolog.Logger) *Engine {
	e := &Engine{
		logger: logger.With().Str("component", "policy-engine").Logger(),
	}
	e.Replace(&RuleSet{
		Rules:    BuiltinRules(),
		Source:   "builtin",
		LoadedAt: time.Now(),
	})
	return e
}

// Evaluate resolves the triple against the current snapshot.
//
// Resolution order: collect matching rules, keep those with the highest
// specificity, and within that bucket let an explicit deny override any
// allow. No matching rule means deny.
func (e *Engine) Evaluate(actor, action, resource string) Decision {
	rs := e.snapshot.Load()
	return EvaluateRuleSet(rs, actor, action, resource)
}

// EvaluateRuleSet resolves a triple against a specific snapshot. Exposed so
// callers holding a snapshot (hot-reload races, dry-run CLI) evaluate
// against exactly the rules they inspected.
func EvaluateRuleSet(rs *RuleSet, actor, action, resource string) Decision {
	if rs == nil || len(rs.Rules) == 0 {
		return Decision{Effect: EffectDeny, Reason: "no rules loaded; fail-closed"}
	}

	var (
		best     []*Rule
		bestSpec int
	)
	for i := range rs.Rules {
		r := &rs.Rules[i]
		if !r.Matches(actor, action, resource) {
			continue
		}
		spec := r.specificity()
		switch {
		case best == nil || spec > bestSpec:
			best = append(best[:0], r)
			bestSpec = spec
		case spec == bestSpec:
			best = append(best, r)
		}
	}

	if best == nil {
		return Decision{Effect: EffectDeny, Reason: "no matching rule; fail-closed"}
	}

	// Deny wins within the winning specificity bucket.
	for _, r := range best {
		if r.Effect == EffectDeny {
			return Decision{Effect: EffectDeny, Rule: r, Reason: "matched deny rule"}
		}
	}
	return Decision{Effect: EffectAllow, Rule: best[0], Reason: "matched allow rule"}
}

// Snapshot returns the current rule set.
func (e *Engine) Snapshot() *RuleSet {
	return e.snapshot.Load()
}

// Replace atomically swaps in a new snapshot. In-flight evaluations keep the
// snapshot they loaded; new evaluations see the new one.
func (e *Engine) Replace(rs *RuleSet) {
	e.snapshot.Store(rs)
	e.logger.Info().
		Int("rules", len(rs.Rules)).
		Str("source", rs.Source).
		Msg("Policy snapshot replaced")
}
