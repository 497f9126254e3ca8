package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/openharness/openharness/pkg/engine"
)

const maxResponseBody = 1 << 20

// httpParams is the payload accepted by the HTTP provider. The endpoint is
// fixed per provider instance; the payload only shapes the request.
type httpParams struct {
	Method  string            `json:"method,omitempty"`
	Path    string            `json:"path,omitempty"`
	Body    json.RawMessage   `json:"body,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
}

// httpResult is the recorded outcome of an HTTP invocation.
type httpResult struct {
	Status int             `json:"status"`
	Body   json.RawMessage `json:"body,omitempty"`
}

// HTTPProvider delivers step payloads to a webhook endpoint. Responses are
// classified for the executor: 429 throttles, 5xx and transport errors retry,
// other non-2xx statuses fail permanently.
type HTTPProvider struct {
	endpoint string
	client   *http.Client
	logger   zerolog.Logger
}

// NewHTTPProvider creates a webhook provider for one endpoint.
func NewHTTPProvider(endpoint string, timeout time.Duration, logger zerolog.Logger) *HTTPProvider {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPProvider{
		endpoint: endpoint,
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout:   10 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				MaxIdleConns:        16,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
		logger: logger.With().Str("component", "http-provider").Logger(),
	}
}

// Invoke implements engine.Provider.
func (p *HTTPProvider) Invoke(ctx context.Context, req *engine.ProviderRequest) (*engine.ProviderResponse, error) {
	var params httpParams
	if err := json.Unmarshal(req.Payload, &params); err != nil {
		return nil, engine.NewPermanentError("invalid http payload", err).
			WithCode(engine.ErrCodeValidation)
	}

	method := params.Method
	if method == "" {
		method = http.MethodPost
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, p.endpoint+params.Path,
		bytes.NewReader(params.Body))
	if err != nil {
		return nil, engine.NewPermanentError("failed to build request", err).
			WithCode(engine.ErrCodeValidation)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Harness-Run", req.RunID)
	httpReq.Header.Set("X-Harness-Step", req.StepID)
	for k, v := range params.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, engine.NewTransientError("request timed out", err).
				WithCode(engine.ErrCodeTimeout)
		}
		return nil, engine.NewTransientError("request failed", err).
			WithCode(engine.ErrCodeProviderFailure)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, engine.NewTransientError("failed to read response", err).
			WithCode(engine.ErrCodeProviderFailure)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, engine.NewThrottledError("endpoint throttled the request", nil).
			WithCode(engine.ErrCodeProviderFailure)
	case resp.StatusCode >= 500:
		return nil, engine.NewTransientError(
			fmt.Sprintf("endpoint returned %d", resp.StatusCode), nil).
			WithCode(engine.ErrCodeProviderFailure)
	case resp.StatusCode >= 300:
		return nil, engine.NewPermanentError(
			fmt.Sprintf("endpoint rejected the request with %d", resp.StatusCode), nil).
			WithCode(engine.ErrCodeProviderFailure)
	}

	output, err := json.Marshal(httpResult{Status: resp.StatusCode, Body: jsonBody(body)})
	if err != nil {
		return nil, engine.NewPermanentError("failed to encode response", err)
	}
	return &engine.ProviderResponse{
		Output: output,
		Effect: fmt.Sprintf("%s %s", method, p.endpoint+params.Path),
	}, nil
}

// Compensate implements engine.Compensator.
func (p *HTTPProvider) Compensate(ctx context.Context, req *engine.ProviderRequest) error {
	_, err := p.Invoke(ctx, req)
	return err
}

// jsonBody wraps non-JSON response bodies so the result always marshals.
func jsonBody(body []byte) json.RawMessage {
	if len(body) == 0 {
		return nil
	}
	if json.Valid(body) {
		return body
	}
	quoted, _ := json.Marshal(string(body))
	return quoted
}
