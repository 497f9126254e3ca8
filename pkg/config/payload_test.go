package config

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openharness/openharness/pkg/engine"
)

func validPayload() engine.TaskPayload {
	return engine.TaskPayload{
		Task: "build",
		Steps: []engine.StepSpec{
			{Name: "compile", Target: "tool:sandbox", Payload: json.RawMessage(`{"cmd":"make"}`)},
			{Name: "upload", Target: "provider:anthropic", Payload: json.RawMessage(`{"dest":"s3"}`), RequiresApproval: true},
		},
		Metadata: map[string]string{"team": "runtime"},
	}
}

func TestPayloadValidatorAccepts(t *testing.T) {
	v, err := NewPayloadValidator()
	require.NoError(t, err)
	require.NoError(t, v.Validate(validPayload()))
}

func TestPayloadValidatorRejects(t *testing.T) {
	v, err := NewPayloadValidator()
	require.NoError(t, err)

	cases := map[string]func(*engine.TaskPayload){
		"empty-task":       func(p *engine.TaskPayload) { p.Task = "" },
		"no-steps":         func(p *engine.TaskPayload) { p.Steps = nil },
		"empty-step-name":  func(p *engine.TaskPayload) { p.Steps[0].Name = "" },
		"bad-step-name":    func(p *engine.TaskPayload) { p.Steps[0].Name = "has spaces" },
		"bad-target":       func(p *engine.TaskPayload) { p.Steps[0].Target = "Not A Target" },
		"duplicate-names":  func(p *engine.TaskPayload) { p.Steps[1].Name = p.Steps[0].Name },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			p := validPayload()
			mutate(&p)
			err := v.Validate(p)
			require.Error(t, err)
			assert.True(t, engine.IsValidation(err), "expected validation error, got %v", err)
		})
	}
}
