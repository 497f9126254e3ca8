package config

import (
	"fmt"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"

	"github.com/openharness/openharness/pkg/engine"
)

// payloadSchema is the CUE schema every submitted task payload must unify
// with. Step payloads and compensation bodies stay opaque; only the envelope
// is constrained here.
const payloadSchema = `
#Step: {
	name:   string & =~"^[a-zA-Z0-9._-]+$"
	target: string & =~"^[a-z0-9]+([:.][a-z0-9_-]+)*$"
	payload: _
	requires_approval?: bool
	compensation?: _
}

#Payload: {
	task: string & !=""
	steps: [#Step, ...#Step]
	metadata?: {[string]: string}
}
`

// PayloadValidator validates task payloads by CUE schema unification. It is
// consulted before any run state is created; a failure is a validation error
// and leaves no trace in the store or the ledger.
type PayloadValidator struct {
	ctx    *cue.Context
	schema cue.Value
}

// NewPayloadValidator compiles the payload schema.
func NewPayloadValidator() (*PayloadValidator, error) {
	ctx := cuecontext.New()
	schema := ctx.CompileString(payloadSchema)
	if err := schema.Err(); err != nil {
		return nil, fmt.Errorf("failed to compile payload schema: %w", err)
	}
	return &PayloadValidator{
		ctx:    ctx,
		schema: schema.LookupPath(cue.ParsePath("#Payload")),
	}, nil
}

// Validate implements the orchestrator's payload check.
func (v *PayloadValidator) Validate(payload engine.TaskPayload) error {
	val := v.ctx.Encode(payload)
	if err := val.Err(); err != nil {
		return engine.NewPermanentError("failed to encode payload", err).
			WithCode(engine.ErrCodeValidation)
	}

	unified := v.schema.Unify(val)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return engine.NewPermanentError(fmt.Sprintf("payload rejected: %v", err), nil).
			WithCode(engine.ErrCodeValidation)
	}

	// Unification cannot see cross-step constraints.
	seen := make(map[string]struct{}, len(payload.Steps))
	for _, step := range payload.Steps {
		if _, dup := seen[step.Name]; dup {
			return engine.NewPermanentError(
				fmt.Sprintf("duplicate step name %q", step.Name), nil).
				WithCode(engine.ErrCodeValidation)
		}
		seen[step.Name] = struct{}{}
	}
	return nil
}
