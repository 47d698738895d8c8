package agenttools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sacenox/symb-engine/internal/store"
	"github.com/sacenox/symb-engine/internal/tools"
	"golang.org/x/net/html"
)

// noSearchResults is the message returned when no search results are found.
const noSearchResults = "No results found."

// --- WebFetch ---

// WebFetchArgs represents arguments for the WebFetch tool.
type WebFetchArgs struct {
	URL      string `json:"url"`
	MaxChars int    `json:"max_chars,omitempty"`
}

// WebFetchDefinition is the WebFetch tool's static shape.
var WebFetchDefinition = tools.Definition{
	ID:          "web.fetch",
	Name:        "web.fetch",
	Description: "Fetch a URL and return its content as cleaned text (HTML tags, scripts, and styles stripped). Results are cached.",
	Parameters: json.RawMessage(`{
		"type": "object",
		"properties": {
			"url":       {"type": "string", "description": "The URL to fetch."},
			"max_chars": {"type": "integer", "description": "Maximum characters to return. Default: 10000"}
		},
		"required": ["url"]
	}`),
	Meta: tools.Metadata{Category: "web", ReadOnly: true, RequiresApproval: true},
}

// MakeWebFetchHandler creates a handler for the WebFetch tool.
func MakeWebFetchHandler(cache *store.Cache, timeout time.Duration) tools.Handler {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	client := &http.Client{Timeout: timeout}

	return func(ctx context.Context, _ tools.ToolContext, arguments json.RawMessage) (tools.Result, error) {
		var args WebFetchArgs
		if err := json.Unmarshal(arguments, &args); err != nil {
			return fail("invalid_arguments", "invalid arguments: %v", err), nil
		}
		if args.URL == "" {
			return fail("invalid_arguments", "url is required"), nil
		}
		if args.MaxChars <= 0 {
			args.MaxChars = 10000
		}

		if cached, hit := cache.GetFetch(args.URL); hit {
			log.Debug().Str("url", args.URL).Msg("WebFetch cache hit")
			return ok(truncate(cached, args.MaxChars), map[string]any{"cached": true}), nil
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, args.URL, nil)
		if err != nil {
			return fail("bad_url", "bad URL: %v", err), nil
		}
		req.Header.Set("User-Agent", "Symb/0.1")
		req.Header.Set("Accept", "text/html, text/plain;q=0.9, */*;q=0.5")

		resp, err := client.Do(req)
		if err != nil {
			return fail("fetch_failed", "fetch failed: %v", err), nil
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 400 {
			return fail("http_error", "HTTP %d: %s", resp.StatusCode, resp.Status), nil
		}

		body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return fail("read_failed", "read failed: %v", err), nil
		}

		contentType := resp.Header.Get("Content-Type")
		var text string
		if strings.Contains(contentType, "text/html") {
			text = extractText(body)
		} else {
			text = string(body)
		}

		cache.SetFetch(args.URL, text)
		return ok(truncate(text, args.MaxChars), nil), nil
	}
}

// --- WebSearch ---

// WebSearchArgs represents arguments for the WebSearch tool.
type WebSearchArgs struct {
	Query          string   `json:"query"`
	NumResults     int      `json:"num_results,omitempty"`
	Type           string   `json:"type,omitempty"`
	IncludeDomains []string `json:"include_domains,omitempty"`
}

type exaSearchRequest struct {
	Query          string            `json:"query"`
	Type           string            `json:"type"`
	NumResults     int               `json:"numResults"`
	Contents       exaSearchContents `json:"contents"`
	IncludeDomains []string          `json:"includeDomains,omitempty"`
}

type exaSearchContents struct {
	Text exaTextOptions `json:"text"`
}

type exaTextOptions struct {
	MaxCharacters int `json:"maxCharacters"`
}

type exaSearchResponse struct {
	Results []exaResult `json:"results"`
}

type exaResult struct {
	Title         string `json:"title"`
	URL           string `json:"url"`
	Text          string `json:"text"`
	PublishedDate string `json:"publishedDate,omitempty"`
}

// WebSearchDefinition is the WebSearch tool's static shape.
var WebSearchDefinition = tools.Definition{
	ID:          "web.search",
	Name:        "web.search",
	Description: "Search the web using Exa AI. Use this to look up documentation, APIs, libraries, or current information. Results are cached.",
	Parameters: json.RawMessage(`{
		"type": "object",
		"properties": {
			"query":           {"type": "string", "description": "Search query."},
			"num_results":     {"type": "integer", "description": "Number of results to return. Default: 5"},
			"type":            {"type": "string", "description": "Search type: \"auto\" (default), \"fast\", or \"deep\".", "enum": ["auto", "fast", "deep"]},
			"include_domains": {"type": "array", "items": {"type": "string"}, "description": "Only include results from these domains."}
		},
		"required": ["query"]
	}`),
	Meta: tools.Metadata{Category: "web", ReadOnly: true, RequiresApproval: true},
}

const exaDefaultEndpoint = "https://api.exa.ai/search"

// MakeWebSearchHandler creates a handler for the WebSearch tool.
// endpoint is the Exa API URL; pass "" to use the default.
func MakeWebSearchHandler(cache *store.Cache, apiKey, endpoint string, timeout time.Duration) tools.Handler {
	if endpoint == "" {
		endpoint = exaDefaultEndpoint
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	client := &http.Client{Timeout: timeout}

	return func(ctx context.Context, _ tools.ToolContext, arguments json.RawMessage) (tools.Result, error) {
		var args WebSearchArgs
		if err := json.Unmarshal(arguments, &args); err != nil {
			return fail("invalid_arguments", "invalid arguments: %v", err), nil
		}
		if args.Query == "" {
			return fail("invalid_arguments", "query is required"), nil
		}
		if apiKey == "" {
			return fail("missing_credential", "Exa AI API key not configured"), nil
		}
		if args.NumResults <= 0 {
			args.NumResults = 5
		}
		if args.Type == "" {
			args.Type = "auto"
		}

		exactKey := fmt.Sprintf("%s|n=%d|t=%s|d=%s",
			args.Query, args.NumResults, args.Type,
			strings.Join(args.IncludeDomains, ","))

		if cached, hit := cache.GetSearch(exactKey); hit {
			log.Debug().Str("query", args.Query).Msg("WebSearch exact cache hit")
			return ok(cached, map[string]any{"cached": true}), nil
		}

		if cached, hit := cache.SearchCachedContent(args.Query); hit {
			log.Debug().Str("query", args.Query).Msg("WebSearch content cache hit")
			return ok(cached, map[string]any{"cached": true}), nil
		}

		body := exaSearchRequest{
			Query:      args.Query,
			Type:       args.Type,
			NumResults: args.NumResults,
			Contents:   exaSearchContents{Text: exaTextOptions{MaxCharacters: 2000}},
			IncludeDomains: args.IncludeDomains,
		}
		bodyJSON, err := json.Marshal(body)
		if err != nil {
			return fail("marshal_failed", "marshal failed: %v", err), nil
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(bodyJSON))
		if err != nil {
			return fail("request_failed", "request failed: %v", err), nil
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("x-api-key", apiKey)

		resp, err := client.Do(req)
		if err != nil {
			return fail("search_failed", "search failed: %v", err), nil
		}
		defer resp.Body.Close()

		respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return fail("read_failed", "read response failed: %v", err), nil
		}
		if resp.StatusCode >= 400 {
			return fail("http_error", "Exa API error %d: %s", resp.StatusCode, string(respBody)), nil
		}

		var exaResp exaSearchResponse
		if err := json.Unmarshal(respBody, &exaResp); err != nil {
			return fail("parse_failed", "parse response failed: %v", err), nil
		}

		result := formatSearchResults(exaResp.Results)
		cache.SetSearch(exactKey, result)
		return ok(result, nil), nil
	}
}

// --- Helpers ---

func formatSearchResults(results []exaResult) string {
	if len(results) == 0 {
		return noSearchResults
	}
	var b strings.Builder
	b.WriteString(fmt.Sprintf("Found %d result(s):\n", len(results)))
	for i, r := range results {
		b.WriteString(fmt.Sprintf("\n--- %d. %s ---\n", i+1, r.Title))
		b.WriteString(fmt.Sprintf("URL: %s\n", r.URL))
		if r.PublishedDate != "" {
			b.WriteString(fmt.Sprintf("Published: %s\n", r.PublishedDate))
		}
		if r.Text != "" {
			b.WriteString(r.Text)
			b.WriteByte('\n')
		}
	}
	return b.String()
}

func isSkipTag(tag string) bool {
	return tag == "script" || tag == "style" || tag == "noscript"
}

func extractText(data []byte) string {
	tokenizer := html.NewTokenizer(bytes.NewReader(data))
	var b strings.Builder
	skip := 0

	for {
		tt := tokenizer.Next()
		if tt == html.ErrorToken {
			return collapseWhitespace(b.String())
		}
		tn, _ := tokenizer.TagName()
		tag := string(tn)

		switch tt {
		case html.StartTagToken, html.SelfClosingTagToken:
			if isSkipTag(tag) {
				skip++
			}
			if isBlockElement(tag) && b.Len() > 0 {
				b.WriteByte('\n')
			}
		case html.EndTagToken:
			if isSkipTag(tag) && skip > 0 {
				skip--
			}
		case html.TextToken:
			if skip == 0 {
				b.Write(tokenizer.Text())
			}
		}
	}
}

func isBlockElement(tag string) bool {
	switch tag {
	case "p", "div", "br", "h1", "h2", "h3", "h4", "h5", "h6",
		"li", "tr", "td", "th", "blockquote", "pre", "hr",
		"header", "footer", "section", "article", "nav", "main":
		return true
	}
	return false
}

func collapseWhitespace(s string) string {
	lines := strings.Split(s, "\n")
	var out []string
	blanks := 0
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			blanks++
			if blanks <= 1 {
				out = append(out, "")
			}
			continue
		}
		blanks = 0
		out = append(out, trimmed)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}

func truncate(s string, maxChars int) string {
	runes := []rune(s)
	if len(runes) <= maxChars {
		return s
	}
	return string(runes[:maxChars]) + "\n\n[Truncated]"
}
