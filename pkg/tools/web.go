package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"html"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/sagekb/sage/pkg/httpclient"
)

const (
	maxSearchResults = 5
	maxPageRunes     = 4000
	maxPageBytes     = 1 << 20
)

// WebSearch queries an external search gateway. When no gateway is
// configured the tool stays registered but answers with a typed disabled
// notice, so the agent learns the capability is unavailable instead of
// erroring.
type WebSearch struct {
	gatewayURL string
	client     *httpclient.Client
}

func NewWebSearch(gatewayURL string, timeout time.Duration) *WebSearch {
	return &WebSearch{
		gatewayURL: gatewayURL,
		client:     httpclient.New(httpclient.WithTimeout(timeout)),
	}
}

func (t *WebSearch) Name() string { return "web_search" }

func (t *WebSearch) Description() string {
	return "Search the web for current information. Input: the search query."
}

type searchResponse struct {
	Results []struct {
		Title   string `json:"title"`
		URL     string `json:"url"`
		Snippet string `json:"snippet"`
	} `json:"results"`
}

func (t *WebSearch) Execute(ctx context.Context, input string) (*Result, error) {
	if t.gatewayURL == "" {
		return &Result{Content: "web_search is disabled: no search gateway is configured."}, nil
	}

	query := queryFromInput(input)
	if query == "" {
		return nil, fmt.Errorf("web_search requires a non-empty query")
	}

	reqURL := fmt.Sprintf("%s?q=%s&max_results=%d", t.gatewayURL, url.QueryEscape(query), maxSearchResults)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, err
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search gateway unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("search gateway returned status %d", resp.StatusCode)
	}

	var parsed searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("invalid search gateway response: %w", err)
	}
	if len(parsed.Results) == 0 {
		return &Result{Content: "No web results found."}, nil
	}

	var sb strings.Builder
	data := make([]map[string]any, 0, len(parsed.Results))
	for i, r := range parsed.Results {
		fmt.Fprintf(&sb, "%d. %s\n%s\n%s\n\n", i+1, r.Title, r.URL, r.Snippet)
		data = append(data, map[string]any{"title": r.Title, "url": r.URL, "rank": i + 1})
	}
	return &Result{Content: strings.TrimSpace(sb.String()), Data: data}, nil
}

// FetchWebpage downloads a page and reduces it to readable text.
type FetchWebpage struct {
	client *httpclient.Client
}

func NewFetchWebpage(timeout time.Duration) *FetchWebpage {
	return &FetchWebpage{client: httpclient.New(httpclient.WithTimeout(timeout))}
}

func (t *FetchWebpage) Name() string { return "fetch_webpage" }

func (t *FetchWebpage) Description() string {
	return "Fetch a web page and return its text content. Input: the page URL."
}

var (
	scriptBlocks = regexp.MustCompile(`(?is)<(script|style)[^>]*>.*?</(script|style)>`)
	htmlTags     = regexp.MustCompile(`<[^>]*>`)
	blankRuns    = regexp.MustCompile(`[\t ]*\n[\s]*\n+`)
)

func (t *FetchWebpage) Execute(ctx context.Context, input string) (*Result, error) {
	raw := strings.TrimSpace(input)
	parsed, err := url.Parse(raw)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return nil, fmt.Errorf("fetch_webpage requires an http(s) URL, got %q", raw)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, raw, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/html,application/xhtml+xml,text/plain")

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", raw, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch of %s returned status %d", raw, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPageBytes))
	if err != nil {
		return nil, err
	}

	text := scriptBlocks.ReplaceAllString(string(body), " ")
	text = htmlTags.ReplaceAllString(text, " ")
	text = html.UnescapeString(text)
	text = blankRuns.ReplaceAllString(text, "\n")
	text = strings.TrimSpace(text)

	if runes := []rune(text); len(runes) > maxPageRunes {
		text = string(runes[:maxPageRunes]) + "\n[truncated]"
	}
	if text == "" {
		return &Result{Content: "The page contained no extractable text."}, nil
	}
	return &Result{Content: text}, nil
}
