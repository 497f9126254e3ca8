package policy

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rule(name, actor, action, resource string, effect Effect) Rule {
	return Rule{
		Name:     name,
		Actor:    ParsePattern(actor),
		Action:   ParsePattern(action),
		Resource: ParsePattern(resource),
		Effect:   effect,
	}
}

func TestEvaluateFailClosed(t *testing.T) {
	d := EvaluateRuleSet(nil, "user:alice", "run:create", "deploy")
	assert.Equal(t, EffectDeny, d.Effect)
	assert.Nil(t, d.Rule)

	d = EvaluateRuleSet(&RuleSet{}, "user:alice", "run:create", "deploy")
	assert.Equal(t, EffectDeny, d.Effect)

	// Rules that match nothing of the triple leave the default in place.
	rs := &RuleSet{Rules: []Rule{rule("other", "user:bob", "*", "*", EffectAllow)}}
	d = EvaluateRuleSet(rs, "user:alice", "run:create", "deploy")
	assert.Equal(t, EffectDeny, d.Effect)
	assert.Nil(t, d.Rule)
}

func TestEvaluateSpecificityOrdering(t *testing.T) {
	rs := &RuleSet{Rules: []Rule{
		rule("wildcard-deny", "*", "*", "*", EffectDeny),
		rule("prefix-allow", "user:*", "run:create", "*", EffectAllow),
		rule("exact-deny", "user:alice", "run:create", "prod", EffectDeny),
	}}

	// The exact rule outranks the prefix rule for its own triple.
	d := EvaluateRuleSet(rs, "user:alice", "run:create", "prod")
	require.NotNil(t, d.Rule)
	assert.Equal(t, "exact-deny", d.Rule.Name)
	assert.False(t, d.Allowed())

	// Off the exact triple, the prefix allow wins over the wildcard deny.
	d = EvaluateRuleSet(rs, "user:bob", "run:create", "staging")
	require.NotNil(t, d.Rule)
	assert.Equal(t, "prefix-allow", d.Rule.Name)
	assert.True(t, d.Allowed())

	// Nothing but the wildcard matches an unrelated action.
	d = EvaluateRuleSet(rs, "user:bob", "run:cancel", "staging")
	require.NotNil(t, d.Rule)
	assert.Equal(t, "wildcard-deny", d.Rule.Name)
}

func TestEvaluateDenyWinsOnTie(t *testing.T) {
	rs := &RuleSet{Rules: []Rule{
		rule("tie-allow", "user:alice", "run:create", "deploy", EffectAllow),
		rule("tie-deny", "user:alice", "run:create", "deploy", EffectDeny),
	}}
	d := EvaluateRuleSet(rs, "user:alice", "run:create", "deploy")
	require.NotNil(t, d.Rule)
	assert.Equal(t, "tie-deny", d.Rule.Name)
	assert.False(t, d.Allowed())
}

func TestEvaluateLongerPrefixWins(t *testing.T) {
	rs := &RuleSet{Rules: []Rule{
		rule("broad-deny", "user:*", "*", "*", EffectDeny),
		rule("team-allow", "user:platform-*", "*", "*", EffectAllow),
	}}
	d := EvaluateRuleSet(rs, "user:platform-alice", "run:create", "deploy")
	require.NotNil(t, d.Rule)
	assert.Equal(t, "team-allow", d.Rule.Name)

	d = EvaluateRuleSet(rs, "user:guest", "run:create", "deploy")
	assert.Equal(t, "broad-deny", d.Rule.Name)
}

func TestExplicitSpecificityOverride(t *testing.T) {
	override := rule("break-glass-deny", "*", "*", "*", EffectDeny)
	override.Specificity = 1 << 20
	rs := &RuleSet{Rules: []Rule{
		rule("exact-allow", "user:alice", "run:create", "deploy", EffectAllow),
		override,
	}}
	d := EvaluateRuleSet(rs, "user:alice", "run:create", "deploy")
	require.NotNil(t, d.Rule)
	assert.Equal(t, "break-glass-deny", d.Rule.Name)
}

func TestBuiltinRules(t *testing.T) {
	eng := NewEngine(zerolog.Nop())

	// System principals can drive the core.
	assert.True(t, eng.Evaluate("system:orchestrator", "run:create", "anything").Allowed())

	// Nobody, system included, may mutate the ledger.
	assert.False(t, eng.Evaluate("system:orchestrator", "audit:mutate", "entry-5").Allowed())
	assert.False(t, eng.Evaluate("user:alice", "audit:mutate", "entry-5").Allowed())

	// External principals stay fail-closed until operator rules load.
	assert.False(t, eng.Evaluate("user:alice", "run:create", "deploy").Allowed())
}

func TestReplaceSwapsSnapshot(t *testing.T) {
	eng := NewEngine(zerolog.Nop())
	assert.False(t, eng.Evaluate("user:alice", "run:create", "deploy").Allowed())

	old := eng.Snapshot()
	eng.Replace(&RuleSet{Rules: append(BuiltinRules(),
		rule("operators", "user:*", "run:create", "*", EffectAllow))})

	assert.True(t, eng.Evaluate("user:alice", "run:create", "deploy").Allowed())

	// A caller holding the old snapshot still evaluates the old rules.
	assert.False(t, EvaluateRuleSet(old, "user:alice", "run:create", "deploy").Allowed())
}

func TestParsePattern(t *testing.T) {
	assert.Equal(t, Pattern{Kind: PatternWildcard}, ParsePattern("*"))
	assert.Equal(t, Pattern{Kind: PatternWildcard}, ParsePattern(""))
	assert.Equal(t, Pattern{Kind: PatternPrefix, Value: "user:"}, ParsePattern("user:*"))
	assert.Equal(t, Pattern{Kind: PatternExact, Value: "user:alice"}, ParsePattern("user:alice"))

	assert.Equal(t, "*", Pattern{Kind: PatternWildcard}.String())
	assert.Equal(t, "user:*", ParsePattern("user:*").String())
	assert.Equal(t, "user:alice", ParsePattern("user:alice").String())
}
