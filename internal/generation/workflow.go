// Workflow webhook gateway.
//
// This file implements Gateway over an n8n-style RAG workflow exposed as an
// HTTP webhook. The workflow receives the user's query plus session and
// location hints, performs retrieval over the agronomy knowledge base, and
// responds with a JSON array of outputs.
package generation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// WorkflowModelName is recorded in message metadata for answers produced by
// the RAG workflow.
const WorkflowModelName = "n8n-rag-workflow"

// workflowRequest is the webhook payload. The workflow keeps its own
// conversational memory keyed by session ID, so only the latest query is sent.
type workflowRequest struct {
	Query     string `json:"query"`
	SessionID string `json:"sessionId"`
	City      string `json:"city,omitempty"`
}

// workflowOutput is one element of the webhook's JSON array response.
type workflowOutput struct {
	Output string `json:"output"`
}

// WorkflowGateway calls an n8n RAG workflow webhook.
//
// The zero value is not usable; construct with NewWorkflowGateway.
type WorkflowGateway struct {
	webhookURL string
	apiKey     string
	timeout    time.Duration
	client     *http.Client
}

// NewWorkflowGateway builds a gateway for the webhook at url. apiKey may be
// empty; timeout bounds each Generate call independently of the caller's own
// request deadline (values <= 0 default to 30s).
func NewWorkflowGateway(url, apiKey string, timeout time.Duration) *WorkflowGateway {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &WorkflowGateway{
		webhookURL: url,
		apiKey:     apiKey,
		timeout:    timeout,
		// Transport-level timeout stays 0: the per-call context carries the
		// deadline so cancellation also propagates from the caller.
		client: &http.Client{},
	}
}

// Generate posts the latest user query to the workflow webhook and returns
// the first non-empty output. Transport failures, non-2xx statuses, malformed
// bodies, and empty outputs are all reported as errors; the caller decides
// how to surface them.
func (g *WorkflowGateway) Generate(ctx context.Context, req Request) (*Result, error) {
	query := LastUserQuery(req.Transcript)
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("workflow gateway: transcript has no user turn")
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	body, err := json.Marshal(workflowRequest{
		Query:     query,
		SessionID: req.SessionID,
		City:      req.LocationHint,
	})
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.webhookURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if g.apiKey != "" {
		httpReq.Header.Set("X-N8N-API-KEY", g.apiKey)
	}

	start := time.Now()
	resp, err := g.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("workflow gateway: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// Drain a little of the body for the error detail; workflows return
		// short JSON error envelopes.
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return nil, fmt.Errorf("workflow gateway: status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var outputs []workflowOutput
	if err := json.NewDecoder(resp.Body).Decode(&outputs); err != nil {
		return nil, fmt.Errorf("workflow gateway: decode response: %w", err)
	}
	if len(outputs) == 0 || strings.TrimSpace(outputs[0].Output) == "" {
		return nil, ErrEmptyOutput
	}

	return &Result{
		Text:    outputs[0].Output,
		Model:   WorkflowModelName,
		Elapsed: time.Since(start),
	}, nil
}
