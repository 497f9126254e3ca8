package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/openharness/openharness/pkg/audit"
	"github.com/openharness/openharness/pkg/engine"
	"github.com/openharness/openharness/pkg/policy"
)

// ActionInvokeStep is the policy action evaluated before every provider
// invocation.
const ActionInvokeStep = "step:invoke"

// Gate is the single choke point every provider invocation passes
// through, primary and fallback alike. Policy is evaluated here, at the
// moment of effect, against the current snapshot, and every refusal is
// written to the ledger.
type Gate struct {
	policies *policy.Engine
	ledger   *audit.Ledger
	redactor *Redactor
}

// NewGate creates a gate over the policy engine, ledger, and redactor.
func NewGate(policies *policy.Engine, ledger *audit.Ledger, redactor *Redactor) *Gate {
	return &Gate{policies: policies, ledger: ledger, redactor: redactor}
}

// Invoke checks policy and calls the provider, scrubbing the response.
func (g *Gate) Invoke(ctx context.Context, provider engine.Provider, req *engine.ProviderRequest) (*engine.ProviderResponse, error) {
	decision := g.policies.Evaluate(req.Actor.Subject, ActionInvokeStep, req.Target)
	if !decision.Allowed() {
		g.ledger.RecordDenial(ctx, req.Actor.Subject, ActionInvokeStep, req.Target,
			req.RunID, req.StepID, decision.RuleName())
		return nil, engine.NewPermanentError(
			fmt.Sprintf("policy denied %s on %s: %s", ActionInvokeStep, req.Target, decision), nil).
			WithCode(engine.ErrCodePolicyDenied).
			WithRun(req.RunID).
			WithStep(req.StepID)
	}

	resp, err := provider.Invoke(ctx, req)
	if err != nil {
		return nil, err
	}
	if resp != nil && g.redactor != nil {
		resp.Output = g.redactor.Redact(resp.Output)
	}
	return resp, nil
}

// Redactor scrubs secret-shaped values from step output before it is
// persisted or logged.
type Redactor struct {
	patterns []*regexp.Regexp
}

const redactedPlaceholder = "[REDACTED]"

var defaultPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(bearer\s+)[a-z0-9._~+/-]+=*`),
	regexp.MustCompile(`(?i)("(?:password|passwd|secret|token|api_key|access_key|private_key)"\s*:\s*")[^"]*(")`),
	regexp.MustCompile(`-----BEGIN [A-Z ]*PRIVATE KEY-----[\s\S]*?-----END [A-Z ]*PRIVATE KEY-----`),
	regexp.MustCompile(`(?i)\baws_secret_access_key\s*=\s*\S+`),
}

// NewRedactor creates a redactor with the default patterns plus any
// extra expressions from configuration.
func NewRedactor(extra []string) (*Redactor, error) {
	patterns := make([]*regexp.Regexp, 0, len(defaultPatterns)+len(extra))
	patterns = append(patterns, defaultPatterns...)
	for _, expr := range extra {
		re, err := regexp.Compile(expr)
		if err != nil {
			return nil, fmt.Errorf("invalid redaction pattern %q: %w", expr, err)
		}
		patterns = append(patterns, re)
	}
	return &Redactor{patterns: patterns}, nil
}

// Redact replaces secret-shaped substrings in raw JSON output.
func (r *Redactor) Redact(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return raw
	}
	out := []byte(raw)
	for _, re := range r.patterns {
		out = re.ReplaceAllFunc(out, func(match []byte) []byte {
			groups := re.FindSubmatch(match)
			// Keep the key prefix and suffix when the pattern captures them.
			if len(groups) == 3 {
				return append(append([]byte{}, groups[1]...), append([]byte(redactedPlaceholder), groups[2]...)...)
			}
			if len(groups) == 2 {
				return append(append([]byte{}, groups[1]...), []byte(redactedPlaceholder)...)
			}
			return []byte(redactedPlaceholder)
		})
	}
	return out
}
