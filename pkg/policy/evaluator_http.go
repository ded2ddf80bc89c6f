package policy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// HTTPEvaluator calls a remote policy evaluator over JSON/HTTP. It
// returns an error on any transport failure or malformed response; the
// Gate turns those into denials.
type HTTPEvaluator struct {
	endpoint string
	client   *http.Client
}

// NewHTTPEvaluator creates a client for the evaluator at endpoint. The
// gate applies its own per-call timeout via context; the client timeout
// here is a backstop.
func NewHTTPEvaluator(endpoint string) *HTTPEvaluator {
	return &HTTPEvaluator{
		endpoint: endpoint,
		client:   &http.Client{Timeout: 2 * time.Second},
	}
}

func (e *HTTPEvaluator) Evaluate(ctx context.Context, req Request) (*Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("policy request marshal: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("policy request build: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := e.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("policy evaluator call: %w", err)
	}
	defer func() { _ = httpResp.Body.Close() }()

	if httpResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("policy evaluator status %d", httpResp.StatusCode)
	}

	var resp Response
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return nil, fmt.Errorf("policy response decode: %w", err)
	}
	if resp.Reason == "" && !resp.Allowed {
		resp.Reason = "denied by policy"
	}
	return &resp, nil
}
