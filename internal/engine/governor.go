package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ppiankov/opwarden/internal/model"
)

// Verdict is a governance hook's answer.
type Verdict struct {
	Veto          bool   `json:"veto"`
	RequiresHuman bool   `json:"requires_human"`
	Reason        string `json:"reason,omitempty"`
}

// Governor is an external policy hook consulted after the hard-block
// set. It may veto outright or demand a human.
type Governor interface {
	Review(ctx context.Context, req model.OperationRequest, sc model.SecurityContext) (Verdict, error)
}

// GovernorFunc adapts a function to Governor.
type GovernorFunc func(ctx context.Context, req model.OperationRequest, sc model.SecurityContext) (Verdict, error)

// Review calls f.
func (f GovernorFunc) Review(ctx context.Context, req model.OperationRequest, sc model.SecurityContext) (Verdict, error) {
	return f(ctx, req, sc)
}

// HTTPGovernor posts each operation to an external endpoint and reads
// back a Verdict.
type HTTPGovernor struct {
	URL     string
	Headers map[string]string
	Timeout time.Duration
	client  *http.Client
}

// NewHTTPGovernor returns a governor for url. Default timeout is 3s.
func NewHTTPGovernor(url string, headers map[string]string, timeout time.Duration) *HTTPGovernor {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &HTTPGovernor{URL: url, Headers: headers, Timeout: timeout, client: &http.Client{Timeout: timeout}}
}

type governorRequest struct {
	Operation model.OperationRequest `json:"operation"`
	Context   model.SecurityContext  `json:"context"`
}

// Review implements Governor.
func (g *HTTPGovernor) Review(ctx context.Context, req model.OperationRequest, sc model.SecurityContext) (Verdict, error) {
	ctx, cancel := context.WithTimeout(ctx, g.Timeout)
	defer cancel()

	body, err := json.Marshal(governorRequest{Operation: req, Context: sc})
	if err != nil {
		return Verdict{}, fmt.Errorf("governor: marshal: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.URL, bytes.NewReader(body))
	if err != nil {
		return Verdict{}, fmt.Errorf("governor: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range g.Headers {
		httpReq.Header.Set(k, v)
	}
	resp, err := g.client.Do(httpReq)
	if err != nil {
		return Verdict{}, fmt.Errorf("governor: request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return Verdict{}, fmt.Errorf("governor: HTTP %d", resp.StatusCode)
	}
	var v Verdict
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&v); err != nil {
		return Verdict{}, fmt.Errorf("governor: decode: %w", err)
	}
	return v, nil
}
