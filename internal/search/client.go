package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"shopbot/internal/cache"
	"shopbot/internal/metrics"
)

const defaultEmbedCacheTTL = 30 * time.Minute

// Client provides typed access to the retrieval backend: embedding endpoints
// plus hybrid (keyword+vector) and pure-vector product search.
type Client struct {
	logger   *slog.Logger
	baseURL  string
	apiKey   string
	http     *http.Client
	metrics  *metrics.Metrics
	cache    *cache.Redis
	embedTTL time.Duration

	defaultCount  int
	minSimilarity float64
}

// Config holds retrieval backend configuration.
type Config struct {
	BaseURL       string
	APIKey        string
	Timeout       time.Duration
	EmbedCacheTTL time.Duration
	MatchCount    int
	MinSimilarity float64
}

// New creates a retrieval client.
func New(cfg Config, logger *slog.Logger, metrics *metrics.Metrics, redis *cache.Redis) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 8 * time.Second
	}
	embedTTL := cfg.EmbedCacheTTL
	if embedTTL <= 0 {
		embedTTL = defaultEmbedCacheTTL
	}
	count := cfg.MatchCount
	if count <= 0 {
		count = 5
	}
	return &Client{
		logger:        logger.With("component", "search"),
		baseURL:       strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:        cfg.APIKey,
		http:          &http.Client{Timeout: timeout},
		metrics:       metrics,
		cache:         redis,
		embedTTL:      embedTTL,
		defaultCount:  count,
		minSimilarity: cfg.MinSimilarity,
	}
}

// Retrieve runs the full merge/rank pipeline: embed the query (and image when
// present), issue the independent searches in parallel, merge by identity
// keeping the highest score, re-rank by detected category, and truncate.
//
// A failed branch contributes zero candidates and is logged, never fatal; an
// empty result from every branch yields an empty list.
func (c *Client) Retrieve(ctx context.Context, query, imageRef string, opts Options) ([]Product, error) {
	count := opts.MatchCount
	if count <= 0 {
		count = c.defaultCount
	}
	if IsBroadQuery(query) && count < broadMatchCount {
		count = broadMatchCount
	}
	threshold := opts.MinSimilarity
	if threshold <= 0 {
		threshold = c.minSimilarity
	}

	var textVec, imageVec []float32
	if strings.TrimSpace(query) != "" {
		vec, err := c.EmbedText(ctx, query)
		if err != nil {
			c.logger.Warn("text embedding failed", "error", err)
		} else {
			textVec = vec
		}
	}
	if imageRef != "" {
		vec, err := c.EmbedImage(ctx, imageRef)
		if err != nil {
			c.logger.Warn("image embedding failed", "error", err)
		} else {
			imageVec = vec
		}
	}

	type branch struct {
		name string
		run  func(context.Context) ([]Product, error)
	}
	branches := make([]branch, 0, 3)
	if textVec != nil {
		branches = append(branches,
			branch{"hybrid", func(ctx context.Context) ([]Product, error) {
				return c.HybridSearch(ctx, query, textVec, threshold*0.8, count)
			}},
			branch{"vector", func(ctx context.Context) ([]Product, error) {
				return c.VectorSearch(ctx, textVec, threshold, count)
			}},
		)
	}
	if imageVec != nil {
		branches = append(branches, branch{"image", func(ctx context.Context) ([]Product, error) {
			return c.VectorSearch(ctx, imageVec, threshold, count)
		}})
	}
	if len(branches) == 0 {
		return nil, nil
	}

	results := make([][]Product, len(branches))
	done := make(chan int, len(branches))
	for i, b := range branches {
		go func(i int, b branch) {
			defer func() { done <- i }()
			items, err := b.run(ctx)
			if err != nil {
				c.logger.Warn("search branch failed", "branch", b.name, "error", err)
				c.metrics.Errors.WithLabelValues("search_" + b.name).Inc()
				return
			}
			results[i] = items
		}(i, b)
	}
	for range branches {
		<-done
	}

	merged := mergeByRef(results...)
	merged = rerankByCategory(merged, detectCategory(query), opts.StrictCategory)
	return truncate(merged, count), nil
}

// EmbedText returns the embedding vector for text, consulting the Redis
// cache first so repeated phrasings skip the backend.
func (c *Client) EmbedText(ctx context.Context, text string) ([]float32, error) {
	cacheKey := "search:embed:" + cache.HashKey(text)
	if c.cache != nil {
		var cached []float32
		ok, err := c.cache.GetJSON(ctx, cacheKey, &cached)
		if err != nil {
			c.logger.Warn("read embed cache failed", "error", err)
		} else if ok {
			return cached, nil
		}
	}

	vec, err := c.embed(ctx, "/embed/text", map[string]any{"input": text})
	if err != nil {
		return nil, err
	}

	if c.cache != nil {
		if err := c.cache.SetJSON(ctx, cacheKey, vec, c.embedTTL); err != nil {
			c.logger.Warn("set embed cache failed", "error", err)
		}
	}
	return vec, nil
}

// EmbedImage returns the embedding vector for the referenced image. Image
// references are transient media URLs, so no caching.
func (c *Client) EmbedImage(ctx context.Context, imageRef string) ([]float32, error) {
	return c.embed(ctx, "/embed/image", map[string]any{"image_url": imageRef})
}

// HybridSearch runs the lenient keyword+vector search.
func (c *Client) HybridSearch(ctx context.Context, query string, vec []float32, threshold float64, count int) ([]Product, error) {
	return c.searchCall(ctx, "hybrid", "/rpc/hybrid_search", map[string]any{
		"query":     query,
		"embedding": vec,
		"threshold": threshold,
		"count":     count,
	})
}

// VectorSearch runs the stricter pure-vector search.
func (c *Client) VectorSearch(ctx context.Context, vec []float32, threshold float64, count int) ([]Product, error) {
	return c.searchCall(ctx, "vector", "/rpc/vector_search", map[string]any{
		"embedding": vec,
		"threshold": threshold,
		"count":     count,
	})
}

func (c *Client) embed(ctx context.Context, path string, payload map[string]any) ([]float32, error) {
	started := time.Now()
	body, err := c.postJSON(ctx, path, payload)
	status := "ok"
	if err != nil {
		status = "error"
	}
	c.metrics.SearchRequests.WithLabelValues("embed", status).Inc()
	c.metrics.SearchLatency.WithLabelValues("embed", status).Observe(time.Since(started).Seconds())
	if err != nil {
		return nil, err
	}

	var out struct {
		Embedding []float32 `json:"embedding"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decode embedding: %w", err)
	}
	if len(out.Embedding) == 0 {
		return nil, fmt.Errorf("empty embedding from %s", path)
	}
	return out.Embedding, nil
}

func (c *Client) searchCall(ctx context.Context, kind, path string, payload map[string]any) ([]Product, error) {
	started := time.Now()
	body, err := c.postJSON(ctx, path, payload)
	status := "ok"
	if err != nil {
		status = "error"
	}
	c.metrics.SearchRequests.WithLabelValues(kind, status).Inc()
	c.metrics.SearchLatency.WithLabelValues(kind, status).Observe(time.Since(started).Seconds())
	if err != nil {
		return nil, err
	}

	var out struct {
		Items []Product `json:"items"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decode %s results: %w", kind, err)
	}
	return out.Items, nil
}

func (c *Client) postJSON(ctx context.Context, path string, payload map[string]any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("apikey", c.apiKey)
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("post %s: %w", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("read %s response: %w", path, err)
	}
	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("%s returned %d: %s", path, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return body, nil
}
