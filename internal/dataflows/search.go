package dataflows

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/xinzhuwang-wxz/HolisticaQuant/config"
)

// SearchResult is one hit from a web search backend.
type SearchResult struct {
	Title   string
	URL     string
	Snippet string
}

// WebSearcher finds pages for a free-text query.
type WebSearcher interface {
	Discover(ctx context.Context, q string, k int) ([]SearchResult, error)
}

// NewWebSearcher picks a backend by which API key is configured.
// Serper wins when both are set.
func NewWebSearcher(cfg config.WebSearchConfig) (WebSearcher, error) {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 20 * time.Second
	}
	client := &http.Client{Timeout: timeout}
	switch {
	case cfg.SerperAPIKey != "":
		return serperSearch{apiKey: cfg.SerperAPIKey, client: client}, nil
	case cfg.BraveAPIKey != "":
		return braveSearch{apiKey: cfg.BraveAPIKey, client: client}, nil
	default:
		return nil, fmt.Errorf("no web search api key configured")
	}
}

type serperSearch struct {
	apiKey string
	client *http.Client
}

func (s serperSearch) Discover(ctx context.Context, q string, k int) ([]SearchResult, error) {
	// https://serper.dev/ docs
	body, _ := json.Marshal(map[string]any{"q": q, "num": k})
	req, err := http.NewRequestWithContext(ctx, "POST", "https://google.serper.dev/search", strings.NewReader(string(body)))
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-API-KEY", s.apiKey)
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	var raw struct {
		Organic []struct {
			Title   string `json:"title"`
			Link    string `json:"link"`
			Snippet string `json:"snippet"`
		} `json:"organic"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, err
	}
	var out []SearchResult
	for i, r := range raw.Organic {
		if i >= k {
			break
		}
		out = append(out, SearchResult{Title: r.Title, URL: r.Link, Snippet: r.Snippet})
	}
	return out, nil
}

type braveSearch struct {
	apiKey string
	client *http.Client
}

func (s braveSearch) Discover(ctx context.Context, q string, k int) ([]SearchResult, error) {
	// https://api.search.brave.com/app/documentation/web-search
	endpoint := fmt.Sprintf("https://api.search.brave.com/res/v1/web/search?q=%s&count=%d", url.QueryEscape(q), k)
	req, err := http.NewRequestWithContext(ctx, "GET", endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Subscription-Token", s.apiKey)
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	var raw struct {
		Web struct {
			Results []struct {
				Title   string `json:"title"`
				URL     string `json:"url"`
				Snippet string `json:"description"`
			} `json:"results"`
		} `json:"web"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, err
	}
	var out []SearchResult
	for i, r := range raw.Web.Results {
		if i >= k {
			break
		}
		out = append(out, SearchResult{Title: r.Title, URL: r.URL, Snippet: r.Snippet})
	}
	return out, nil
}

// WebSearch runs a query against the configured backend and formats the
// hits as numbered text for the oracle.
func WebSearch(ctx context.Context, searcher WebSearcher, maxResults int, args map[string]interface{}) (string, error) {
	query := stringArg(args, "query")
	if query == "" {
		return "", fmt.Errorf("query is required")
	}
	if maxResults <= 0 {
		maxResults = 5
	}
	results, err := searcher.Discover(ctx, query, maxResults)
	if err != nil {
		return "", fmt.Errorf("web search: %w", err)
	}
	if len(results) == 0 {
		return fmt.Sprintf("No results found for %q.", query), nil
	}
	var b strings.Builder
	b.WriteString(fmt.Sprintf("Search results for %q:\n", query))
	for i, r := range results {
		b.WriteString(fmt.Sprintf("%d. %s\n   %s\n", i+1, r.Title, r.URL))
		if r.Snippet != "" {
			b.WriteString("   " + r.Snippet + "\n")
		}
	}
	return strings.TrimRight(b.String(), "\n"), nil
}
