// Package memoryclient implements internal/memory.PrimaryClient as an
// HTTP client against an external memory service — the deployment target
// being either a self-hosted Mem0 REST server or the Mem0 Platform API,
// the same two backends original_source/app/services/mem0_client.py
// distinguishes as "Open Source" vs "Platform" mode. Rather than carry
// that SDK-selection branch into Go, this client always speaks the
// Platform-shaped REST surface (POST /v1/memories/, POST
// /v1/memories/search/) and lets the deployment put a compatible shim in
// front of a self-hosted instance if one is used instead.
//
// Styled after pkg/bookowl.Client (bare *http.Client, one method per
// call, context.Context first argument, sentinel wrapping with
// fmt.Errorf) rather than a generic retrying transport — the retry and
// degrade-to-fallback behavior this spec needs already lives one layer
// up in internal/memory.Coordinator, so this client stays a thin,
// single-attempt HTTP mapping.
package memoryclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/lanternforge/ragcore/internal/memory"
)

// Client calls the external memory service's REST API.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// New creates a memory service Client. timeout bounds every Add/Search
// call (SPEC_FULL.md §1.1's MEMORY_SERVICE_TIMEOUT); apiKey may be empty
// when talking to a self-hosted instance with no auth in front of it.
func New(baseURL, apiKey string, timeout time.Duration) *Client {
	return &Client{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type addRequest struct {
	Messages []memory.Message `json:"messages"`
	UserID   string           `json:"user_id"`
	Metadata map[string]any   `json:"metadata,omitempty"`
}

type addResponse struct {
	ID      string `json:"id"`
	Results []struct {
		ID string `json:"id"`
	} `json:"results,omitempty"`
}

// Add stores a memory, matching mem0_client.py's add_memory Platform
// call shape (messages + user_id + metadata).
func (c *Client) Add(ctx context.Context, userID uuid.UUID, messages []memory.Message, metadata map[string]any) (string, error) {
	body, err := json.Marshal(addRequest{
		Messages: messages,
		UserID:   userID.String(),
		Metadata: metadata,
	})
	if err != nil {
		return "", fmt.Errorf("marshalling add request: %w", err)
	}

	req, err := c.newRequest(ctx, http.MethodPost, "/v1/memories/", body)
	if err != nil {
		return "", err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("calling memory service: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("memory service returned HTTP %d", resp.StatusCode)
	}

	var out addResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decoding add response: %w", err)
	}
	if out.ID != "" {
		return out.ID, nil
	}
	if len(out.Results) > 0 {
		return out.Results[0].ID, nil
	}
	return "", nil
}

type searchRequest struct {
	Query   string         `json:"query"`
	Filters map[string]any `json:"filters,omitempty"`
	TopK    int            `json:"top_k"`
}

type searchResult struct {
	ID        string         `json:"id"`
	Memory    string         `json:"memory"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Score     float64        `json:"score"`
	CreatedAt time.Time      `json:"created_at"`
}

type searchResponse struct {
	Results []searchResult `json:"results"`
}

// Search queries memories, matching mem0_client.py's Platform search call
// shape (filters dict carrying user_id, top_k in place of limit).
func (c *Client) Search(ctx context.Context, userID uuid.UUID, query string, limit int, filters map[string]any) ([]memory.Record, error) {
	searchFilters := make(map[string]any, len(filters)+1)
	for k, v := range filters {
		searchFilters[k] = v
	}
	if _, ok := searchFilters["user_id"]; !ok {
		searchFilters["user_id"] = userID.String()
	}

	body, err := json.Marshal(searchRequest{
		Query:   query,
		Filters: searchFilters,
		TopK:    limit,
	})
	if err != nil {
		return nil, fmt.Errorf("marshalling search request: %w", err)
	}

	req, err := c.newRequest(ctx, http.MethodPost, "/v1/memories/search/", body)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling memory service: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("memory service returned HTTP %d", resp.StatusCode)
	}

	var out searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decoding search response: %w", err)
	}

	records := make([]memory.Record, len(out.Results))
	for i, r := range out.Results {
		records[i] = memory.Record{
			MemoryID:       r.ID,
			Content:        r.Memory,
			Metadata:       r.Metadata,
			RelevanceScore: r.Score,
			Source:         "primary",
			CreatedAt:      r.CreatedAt,
		}
	}
	return records, nil
}

// Probe performs a lightweight health check, matching
// mem0_client.py's check_connection ("if client, consider it healthy" —
// here, a GET that must come back 200).
func (c *Client) Probe(ctx context.Context) error {
	req, err := c.newRequest(ctx, http.MethodGet, "/v1/ping/", nil)
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("probing memory service: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("memory service probe returned HTTP %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body []byte) (*http.Request, error) {
	var reader *bytes.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Token "+c.apiKey)
	}
	return req, nil
}
