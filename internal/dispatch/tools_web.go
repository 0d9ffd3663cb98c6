package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cortexlabs/cortex-core/internal/infra"
	"github.com/cortexlabs/cortex-core/internal/tools/websearch"
)

// fetchCacheTTL bounds how long an extracted page stays cached. Pages
// change, but a turn that fetches the same URL twice a minute apart
// almost always wants the same answer, not a fresh round trip.
const fetchCacheTTL = 2 * time.Minute

// FetchURLTool implements "fetch_url" by delegating to an SSRF-guarded
// content extractor, caching extracted content per URL so repeated
// fetches of the same page within a session don't re-hit the network.
type FetchURLTool struct {
	extractor *websearch.ContentExtractor
	maxChars  int
	cache     *infra.TTLCache[string, string]
}

// NewFetchURLTool builds a fetch_url tool with the given character cap
// (0 uses the extractor's own default).
func NewFetchURLTool(maxChars int) *FetchURLTool {
	if maxChars <= 0 {
		maxChars = 10000
	}
	return &FetchURLTool{
		extractor: websearch.NewContentExtractor(),
		maxChars:  maxChars,
		cache:     infra.NewTTLCache[string, string](infra.CacheConfig{DefaultTTL: fetchCacheTTL, MaxSize: 256}),
	}
}

func (t *FetchURLTool) Name() string { return "fetch_url" }

func (t *FetchURLTool) Description() string {
	return "Fetch a URL and extract its readable text content, truncated to max_chars."
}

func (t *FetchURLTool) Schema() json.RawMessage {
	return schemaOf(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"url":       map[string]any{"type": "string"},
			"max_chars": map[string]any{"type": "integer", "minimum": 0},
		},
		"required": []string{"url"},
	})
}

func (t *FetchURLTool) MaxDuration() time.Duration { return 30 * time.Second }

func (t *FetchURLTool) Execute(ctx context.Context, ws Workspace, args json.RawMessage) (Result, error) {
	var in struct {
		URL      string `json:"url"`
		MaxChars int    `json:"max_chars"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return Result{}, fmt.Errorf("decode arguments: %w", err)
	}
	content, ok := t.cache.Get(in.URL)
	if !ok {
		extracted, err := t.extractor.Extract(ctx, in.URL)
		if err != nil {
			return Result{}, err
		}
		content = extracted
		t.cache.Set(in.URL, content)
	}
	limit := t.maxChars
	if in.MaxChars > 0 && in.MaxChars < limit {
		limit = in.MaxChars
	}
	truncated := false
	if limit > 0 && len(content) > limit {
		content = content[:limit]
		truncated = true
	}
	structured, _ := json.Marshal(map[string]any{"truncated": truncated})
	return Result{Output: content, Structured: structured}, nil
}

// WebSearchTool implements "web_search" by delegating to a multi-backend
// search tool and re-flattening its response for the dispatch pipeline's
// plain-text Result.Output.
type WebSearchTool struct {
	inner *websearch.WebSearchTool
}

// NewWebSearchTool wraps a configured search backend.
func NewWebSearchTool(cfg *websearch.Config) *WebSearchTool {
	return &WebSearchTool{inner: websearch.NewWebSearchTool(cfg)}
}

func (t *WebSearchTool) Name() string { return "web_search" }

func (t *WebSearchTool) Description() string {
	return "Search the web and return a summary of the top results."
}

func (t *WebSearchTool) Schema() json.RawMessage { return t.inner.Schema() }

func (t *WebSearchTool) MaxDuration() time.Duration { return 20 * time.Second }

func (t *WebSearchTool) Execute(ctx context.Context, ws Workspace, args json.RawMessage) (Result, error) {
	res, err := t.inner.Execute(ctx, args)
	if err != nil {
		return Result{}, err
	}
	if res.IsError {
		return Result{}, fmt.Errorf("%s", res.Content)
	}
	return Result{Output: res.Content}, nil
}
