package providers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/openharness/openharness/pkg/engine"
)

func httpRequest(t *testing.T, params httpParams) *engine.ProviderRequest {
	t.Helper()
	payload, err := json.Marshal(params)
	if err != nil {
		t.Fatalf("failed to marshal params: %v", err)
	}
	return &engine.ProviderRequest{
		Target:  "webhook",
		RunID:   "run-1",
		StepID:  "step-1",
		Payload: payload,
	}
}

func TestHTTPProviderSuccess(t *testing.T) {
	var gotRun, gotStep string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotRun = r.Header.Get("X-Harness-Run")
		gotStep = r.Header.Get("X-Harness-Step")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"accepted":true}`))
	}))
	defer srv.Close()

	p := NewHTTPProvider(srv.URL, time.Second, zerolog.Nop())
	resp, err := p.Invoke(context.Background(),
		httpRequest(t, httpParams{Path: "/deploy", Body: json.RawMessage(`{"v":1}`)}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var result httpResult
	if err := json.Unmarshal(resp.Output, &result); err != nil {
		t.Fatalf("failed to decode output: %v", err)
	}
	if result.Status != http.StatusOK {
		t.Errorf("status %d", result.Status)
	}
	if gotRun != "run-1" || gotStep != "step-1" {
		t.Errorf("correlation headers missing: run=%q step=%q", gotRun, gotStep)
	}
}

func TestHTTPProviderStatusClassification(t *testing.T) {
	cases := []struct {
		status    int
		retryable bool
		throttled bool
	}{
		{http.StatusTooManyRequests, true, true},
		{http.StatusBadGateway, true, false},
		{http.StatusInternalServerError, true, false},
		{http.StatusBadRequest, false, false},
		{http.StatusNotFound, false, false},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
		}))

		p := NewHTTPProvider(srv.URL, time.Second, zerolog.Nop())
		_, err := p.Invoke(context.Background(), httpRequest(t, httpParams{}))
		srv.Close()

		if err == nil {
			t.Errorf("status %d: expected an error", tc.status)
			continue
		}
		if engine.IsRetryable(err) != tc.retryable {
			t.Errorf("status %d: retryable=%v, want %v", tc.status, engine.IsRetryable(err), tc.retryable)
		}
		if engine.IsThrottled(err) != tc.throttled {
			t.Errorf("status %d: throttled=%v, want %v", tc.status, engine.IsThrottled(err), tc.throttled)
		}
	}
}

func TestHTTPProviderConnectionErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	p := NewHTTPProvider(srv.URL, time.Second, zerolog.Nop())
	_, err := p.Invoke(context.Background(), httpRequest(t, httpParams{}))
	if !engine.IsTransient(err) {
		t.Errorf("expected transient error, got %v", err)
	}
}

func TestHTTPProviderNonJSONBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("plain text"))
	}))
	defer srv.Close()

	p := NewHTTPProvider(srv.URL, time.Second, zerolog.Nop())
	resp, err := p.Invoke(context.Background(), httpRequest(t, httpParams{}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !json.Valid(resp.Output) {
		t.Error("output must always be valid JSON")
	}
}

func TestBuildRegistry(t *testing.T) {
	reg, err := Build(map[string]TargetConfig{
		"shell":   {Type: TypeShell},
		"webhook": {Type: TypeHTTP, Endpoint: "http://127.0.0.1:9", Fallback: "shell"},
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(reg.Providers()) != 2 {
		t.Errorf("expected 2 providers, got %d", len(reg.Providers()))
	}
	if _, ok := reg.Fallbacks()["webhook"]; !ok {
		t.Error("expected webhook fallback to resolve")
	}
	if _, ok := reg.Compensators()["shell"]; !ok {
		t.Error("expected shell compensator")
	}

	// Default table.
	reg, err = Build(nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := reg.Providers()["shell"]; !ok {
		t.Error("expected default shell target")
	}

	// Dangling fallback.
	_, err = Build(map[string]TargetConfig{
		"webhook": {Type: TypeHTTP, Endpoint: "http://127.0.0.1:9", Fallback: "missing"},
	}, zerolog.Nop())
	if err == nil {
		t.Error("expected error for dangling fallback")
	}
}
