// Package backend talks to the remote ComfyUI-compatible generation
// service: submit a prompt, poll its history, fetch a produced artifact.
// Adapted from the teacher's plugins.go HTTPPlugin (pooled http.Client,
// span-per-call, context-carried timeouts).
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/HengLine/ai-diffusion-aigc-sub001/internal/resilience"
	"github.com/HengLine/ai-diffusion-aigc-sub001/internal/workflow"
)

// Descriptor identifies one artifact the backend produced.
type Descriptor struct {
	Filename  string `json:"filename"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"`
}

// Outputs is one history record's node-id -> produced artifacts map.
type Outputs map[string]NodeOutput

// NodeOutput carries the image/video descriptors one output node produced.
type NodeOutput struct {
	Images []Descriptor `json:"images,omitempty"`
	Videos []Descriptor `json:"videos,omitempty"`
}

// Client is a ComfyUI-compatible backend client. Safe for concurrent use:
// every call opens its own HTTP request, and the client holds no
// per-call state beyond the breaker's internal lock.
type Client struct {
	baseURL string
	http    *http.Client
	tracer  trace.Tracer
	breaker *resilience.CircuitBreaker
}

// New constructs a Client against baseURL (e.g. http://127.0.0.1:8188).
func New(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		tracer: otel.Tracer("orchestrator-backend"),
		breaker: resilience.NewCircuitBreaker(
			30*time.Second, 6, 3, 0.5, 10*time.Second, 1,
		),
	}
}

// Submit POSTs the normalized payload to /prompt and returns the
// backend-assigned correlation id.
func (c *Client) Submit(ctx context.Context, payload workflow.Document, clientID string) (string, error) {
	ctx, span := c.tracer.Start(ctx, "backend.submit")
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	body, err := json.Marshal(map[string]any{
		"prompt":    payload,
		"client_id": clientID,
	})
	if err != nil {
		return "", fmt.Errorf("backend: marshal prompt: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/prompt", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("backend: build prompt request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("backend: submit prompt: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("backend: read submit response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("backend: submit returned %d: %s", resp.StatusCode, raw)
	}

	var parsed struct {
		PromptID string `json:"prompt_id"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil || parsed.PromptID == "" {
		return "", fmt.Errorf("backend: submit response missing prompt_id")
	}

	span.SetAttributes(attribute.String("backend.handle", parsed.PromptID))
	return parsed.PromptID, nil
}

// IsAlive performs a bounded health check against /system_stats, tracked
// by the circuit breaker so a dead backend stops being hammered.
func (c *Client) IsAlive(ctx context.Context) bool {
	if !c.breaker.Allow() {
		return false
	}
	ctx, span := c.tracer.Start(ctx, "backend.is_alive")
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/system_stats", nil)
	if err != nil {
		c.breaker.RecordResult(false)
		return false
	}
	resp, err := c.http.Do(req)
	if err != nil {
		c.breaker.RecordResult(false)
		return false
	}
	defer resp.Body.Close()

	alive := resp.StatusCode == http.StatusOK
	c.breaker.RecordResult(alive)
	return alive
}

// WaitForOutputs polls /history/<backendHandle> once per second until the
// history record contains a non-empty outputs map, or ctx is cancelled.
func (c *Client) WaitForOutputs(ctx context.Context, backendHandle string) (Outputs, error) {
	ctx, span := c.tracer.Start(ctx, "backend.wait_for_outputs",
		trace.WithAttributes(attribute.String("backend.handle", backendHandle)),
	)
	defer span.End()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		outputs, found, err := c.pollHistory(ctx, backendHandle)
		if err != nil {
			return nil, err
		}
		if found {
			return outputs, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) pollHistory(ctx context.Context, backendHandle string) (Outputs, bool, error) {
	reqCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, c.baseURL+"/history/"+url.PathEscape(backendHandle), nil)
	if err != nil {
		return nil, false, fmt.Errorf("backend: build history request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, false, fmt.Errorf("backend: poll history: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, false, fmt.Errorf("backend: read history response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, false, fmt.Errorf("backend: history returned %d: %s", resp.StatusCode, raw)
	}

	var history map[string]struct {
		Outputs Outputs `json:"outputs"`
	}
	if err := json.Unmarshal(raw, &history); err != nil {
		return nil, false, fmt.Errorf("backend: parse history response: %w", err)
	}

	entry, ok := history[backendHandle]
	if !ok || len(entry.Outputs) == 0 {
		return nil, false, nil
	}
	return entry.Outputs, true, nil
}

// FetchArtifact GETs the view URL for descriptor and returns the raw body.
func (c *Client) FetchArtifact(ctx context.Context, d Descriptor) ([]byte, error) {
	ctx, span := c.tracer.Start(ctx, "backend.fetch_artifact",
		trace.WithAttributes(attribute.String("filename", d.Filename)),
	)
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	q := url.Values{}
	q.Set("filename", d.Filename)
	q.Set("subfolder", d.Subfolder)
	q.Set("type", d.Type)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/view?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("backend: build view request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("backend: fetch artifact: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("backend: view returned %d for %s", resp.StatusCode, d.Filename)
	}
	return io.ReadAll(io.LimitReader(resp.Body, 200<<20))
}

// FirstArtifact looks through every output node's images, in document
// order, and only then through every node's videos, returning the first
// descriptor that exists. Used by the executor
// to pick which artifact to fetch and save.
func FirstArtifact(outputs Outputs, order []string) (Descriptor, bool) {
	for _, id := range order {
		node, ok := outputs[id]
		if !ok {
			continue
		}
		if len(node.Images) > 0 {
			return node.Images[0], true
		}
	}
	for _, id := range order {
		node, ok := outputs[id]
		if !ok {
			continue
		}
		if len(node.Videos) > 0 {
			return node.Videos[0], true
		}
	}
	return Descriptor{}, false
}

// RetrySubmit wraps Submit with the shared exponential-backoff retry
// helper: up to 3 attempts, backing off from 500ms. Every error is
// retried, including non-200 responses such as a 4xx; transient and
// permanent backend errors are not told apart.
func RetrySubmit(ctx context.Context, c *Client, payload workflow.Document, clientID string) (string, error) {
	return resilience.Retry(ctx, 3, 500*time.Millisecond, func() (string, error) {
		return c.Submit(ctx, payload, clientID)
	})
}
