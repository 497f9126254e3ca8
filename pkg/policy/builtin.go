package policy

// BuiltinRules returns the bootstrap rule set loaded before any rule files.
// It grants the harness's own system principals the operations the core
// needs to make progress, and nothing else; everything external stays under
// the fail-closed default until operator rules are loaded.
func BuiltinRules() []Rule {
	return []Rule{
		{
			Name:     "system-core",
			Actor:    ParsePattern("system:*"),
			Action:   ParsePattern("*"),
			Resource: ParsePattern("*"),
			Effect:   EffectAllow,
		},
		{
			Name:     "ledger-immutable",
			Actor:    ParsePattern("*"),
			Action:   ParsePattern("audit:mutate"),
			Resource: ParsePattern("*"),
			Effect:   EffectDeny,
			// Outranks every allow, including system-core.
			Specificity: 1 << 20,
		},
	}
}
