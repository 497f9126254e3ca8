// Package providers ships the built-in step providers: local shell commands
// and HTTP webhooks. Both classify their failures so the executor can decide
// between retry, dead-letter, and immediate failure.
package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"time"

	"github.com/rs/zerolog"

	"github.com/openharness/openharness/pkg/engine"
)

// shellParams is the payload accepted by the shell provider.
type shellParams struct {
	Command string            `json:"cmd"`
	Args    []string          `json:"args,omitempty"`
	Shell   string            `json:"shell,omitempty"`
	WorkDir string            `json:"dir,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
}

// shellResult is the recorded outcome of a shell invocation.
type shellResult struct {
	ExitCode int     `json:"exit_code"`
	Stdout   string  `json:"stdout,omitempty"`
	Stderr   string  `json:"stderr,omitempty"`
	Duration float64 `json:"duration_seconds"`
}

// ShellProvider executes step payloads as local commands. Compensation
// payloads run through the same path.
type ShellProvider struct {
	logger zerolog.Logger
}

// NewShellProvider creates a shell provider.
func NewShellProvider(logger zerolog.Logger) *ShellProvider {
	return &ShellProvider{
		logger: logger.With().Str("component", "shell-provider").Logger(),
	}
}

// Invoke implements engine.Provider.
func (p *ShellProvider) Invoke(ctx context.Context, req *engine.ProviderRequest) (*engine.ProviderResponse, error) {
	result, effect, err := p.run(ctx, req.Payload)
	if err != nil {
		return nil, err
	}

	output, err := json.Marshal(result)
	if err != nil {
		return nil, engine.NewPermanentError("failed to encode shell result", err)
	}
	return &engine.ProviderResponse{Output: output, Effect: effect}, nil
}

// Compensate implements engine.Compensator.
func (p *ShellProvider) Compensate(ctx context.Context, req *engine.ProviderRequest) error {
	_, _, err := p.run(ctx, req.Payload)
	return err
}

func (p *ShellProvider) run(ctx context.Context, payload json.RawMessage) (*shellResult, string, error) {
	var params shellParams
	if err := json.Unmarshal(payload, &params); err != nil {
		return nil, "", engine.NewPermanentError("invalid shell payload", err).
			WithCode(engine.ErrCodeValidation)
	}
	if params.Command == "" {
		return nil, "", engine.NewPermanentError("cmd is required", nil).
			WithCode(engine.ErrCodeValidation)
	}

	shell := params.Shell
	if shell == "" {
		shell = "/bin/sh"
	}

	var cmd *exec.Cmd
	if len(params.Args) > 0 {
		cmd = exec.CommandContext(ctx, params.Command, params.Args...)
	} else {
		cmd = exec.CommandContext(ctx, shell, "-c", params.Command)
	}
	if params.WorkDir != "" {
		cmd.Dir = params.WorkDir
	}
	if len(params.Env) > 0 {
		env := make([]string, 0, len(params.Env))
		for k, v := range params.Env {
			env = append(env, fmt.Sprintf("%s=%s", k, v))
		}
		cmd.Env = env
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	runErr := cmd.Run()
	result := &shellResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start).Seconds(),
	}
	effect := fmt.Sprintf("exec %s", params.Command)

	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			p.logger.Debug().
				Int("exit_code", result.ExitCode).
				Str("cmd", params.Command).
				Msg("Command exited non-zero")
			return nil, "", engine.NewPermanentError(
				fmt.Sprintf("command exited %d: %s", result.ExitCode, truncate(result.Stderr, 512)), nil).
				WithCode(engine.ErrCodeProviderFailure)
		}
		if ctx.Err() != nil {
			return nil, "", engine.NewTransientError("command timed out", ctx.Err()).
				WithCode(engine.ErrCodeTimeout)
		}
		return nil, "", engine.NewTransientError("failed to start command", runErr).
			WithCode(engine.ErrCodeProviderFailure)
	}

	return result, effect, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
