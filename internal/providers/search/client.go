package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"server/internal/infra"
)

// Options controls how the Serper client is configured.
type Options struct {
	APIKey        string
	BaseURL       string
	ScrapeBaseURL string
	HTTPClient    *http.Client
	Logger        infra.Logger
	MaxConcurrent int
}

// Client wraps the Serper search and scrape endpoints. Multiple queries fan
// out in parallel with bounded concurrency; a single failing query degrades to
// an empty result set instead of failing the whole batch.
type Client struct {
	apiKey        string
	baseURL       string
	scrapeBaseURL string
	httpClient    *http.Client
	logger        infra.Logger
	maxConcurrent int
}

// Result is one organic search hit.
type Result struct {
	Title   string `json:"title"`
	Link    string `json:"link"`
	Snippet string `json:"snippet,omitempty"`
	Source  string `json:"source,omitempty"`
	Price   string `json:"price,omitempty"`
}

// QueryResults pairs a query with its hits, preserving submission order.
type QueryResults struct {
	Query   string   `json:"query"`
	Results []Result `json:"results"`
}

type searchResponse struct {
	Organic []Result `json:"organic"`
}

type scrapeResponse struct {
	Text string `json:"text"`
}

// NewClient constructs a Serper client. The API key is mandatory.
func NewClient(opts Options) (*Client, error) {
	if strings.TrimSpace(opts.APIKey) == "" {
		return nil, fmt.Errorf("search: api key is required")
	}

	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 20 * time.Second}
	}

	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://google.serper.dev"
	}
	scrapeBaseURL := strings.TrimRight(opts.ScrapeBaseURL, "/")
	if scrapeBaseURL == "" {
		scrapeBaseURL = "https://scrape.serper.dev"
	}

	maxConcurrent := opts.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 5
	}

	return &Client{
		apiKey:        strings.TrimSpace(opts.APIKey),
		baseURL:       baseURL,
		scrapeBaseURL: scrapeBaseURL,
		httpClient:    client,
		logger:        opts.Logger,
		maxConcurrent: maxConcurrent,
	}, nil
}

// Search runs every query in parallel and aggregates the results in query
// order. Individual query failures yield empty result sets; the call errors
// only when no query succeeded.
func (c *Client) Search(ctx context.Context, queries []string) ([]QueryResults, error) {
	if len(queries) == 0 {
		return nil, nil
	}

	results := make([]QueryResults, len(queries))
	var mu sync.Mutex
	failures := 0

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.maxConcurrent)
	for i, query := range queries {
		g.Go(func() error {
			hits, err := c.searchOne(gctx, query)
			if err != nil {
				c.logger.Warn().Err(err).Str("query", query).Msg("search: query failed")
				mu.Lock()
				failures++
				mu.Unlock()
				hits = nil
			}
			results[i] = QueryResults{Query: query, Results: hits}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if failures == len(queries) {
		return nil, fmt.Errorf("search: all %d queries failed", len(queries))
	}
	return results, nil
}

func (c *Client) searchOne(ctx context.Context, query string) ([]Result, error) {
	var parsed searchResponse
	if err := c.post(ctx, c.baseURL+"/search", map[string]any{"q": query}, &parsed); err != nil {
		return nil, err
	}
	return parsed.Organic, nil
}

// Scrape fetches the readable text of a single URL.
func (c *Client) Scrape(ctx context.Context, target string) (string, error) {
	var parsed scrapeResponse
	if err := c.post(ctx, c.scrapeBaseURL+"/", map[string]any{"url": target}, &parsed); err != nil {
		return "", err
	}
	return parsed.Text, nil
}

func (c *Client) post(ctx context.Context, endpoint string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("X-API-KEY", c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("invoke serper: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		data, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("serper status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode serper response: %w", err)
	}
	return nil
}

// MarshalResults renders aggregated results as the JSON string handed back to
// the model as the web_search tool response.
func MarshalResults(results []QueryResults) string {
	data, err := json.Marshal(results)
	if err != nil {
		return "[]"
	}
	return string(data)
}
