// Package suggest asks the AI collaborator for highlight-worthy passages
// and filters out ones the reader already has.
package suggest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultTimeout   = 60 * time.Second
	defaultPerMinute = 30

	// requestBurst lets a reader trigger a few suggestions back to back
	// before the per-minute budget applies.
	requestBurst = 3
)

// Candidate is one passage the collaborator proposes highlighting.
type Candidate struct {
	Text   string `json:"text"`
	Reason string `json:"reason"`
}

// Request carries the document context sent to the collaborator.
type Request struct {
	DocumentID string `json:"documentId"`
	Title      string `json:"title"`
	Text       string `json:"text"`
	Limit      int    `json:"limit,omitempty"`
}

// suggestResponse is the collaborator's reply format.
type suggestResponse struct {
	Suggestions []Candidate `json:"suggestions"`
}

// ClientConfig holds configuration for the collaborator client.
type ClientConfig struct {
	BaseURL   string
	APIKey    string
	PerMinute int
	Timeout   time.Duration
}

// Client talks to the suggestion collaborator over HTTP, rate limited so a
// busy reading session cannot flood it.
type Client struct {
	http    *http.Client
	baseURL string
	apiKey  string
	limiter *rate.Limiter
}

// NewClient creates a collaborator client.
func NewClient(cfg ClientConfig) *Client {
	if cfg.PerMinute <= 0 {
		cfg.PerMinute = defaultPerMinute
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeout
	}

	return &Client{
		http:    &http.Client{Timeout: cfg.Timeout},
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		limiter: rate.NewLimiter(rate.Limit(float64(cfg.PerMinute)/60.0), requestBurst),
	}
}

// Suggest posts the document text and returns the collaborator's raw
// candidates. Blocks until the rate limiter grants a slot or ctx expires.
func (c *Client) Suggest(ctx context.Context, req Request) ([]Candidate, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	jsonBody, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/suggest", bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("collaborator error (status %d): %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var out suggestResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return out.Suggestions, nil
}
