package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"feedcron/internal/core"
)

const maxResponseBytes = 4 << 20

// Processing service endpoints, one per task type.
const (
	EndpointCrawl          = "/api/crawl"
	EndpointLabels         = "/api/llm/labels-only"
	EndpointSummarize      = "/api/llm/summarize-only"
	EndpointCategorize     = "/api/categorize"
	EndpointBatchSummarize = "/api/summarize/batch"
)

// ArticleResolver turns an article filter into a bounded list of article ids.
type ArticleResolver interface {
	ResolveArticleIDs(ctx context.Context, filter core.ArticleFilter) ([]string, error)
}

// Options configures the processing service client.
type Options struct {
	BaseURL string
	// Timeout bounds a single dispatch, including reading the response.
	Timeout time.Duration
	// RatePerSec limits outbound calls; zero disables limiting.
	RatePerSec float64
	// DefaultLimit is sent as limit/batch size when the task config leaves it unset.
	DefaultLimit int
}

// Client dispatches tasks to the processing service over HTTP. It makes exactly
// one request per dispatch and never retries.
type Client struct {
	baseURL      string
	defaultLimit int
	client       *http.Client
	limiter      *rate.Limiter
	articles     ArticleResolver
	logger       *slog.Logger
}

var _ core.Dispatcher = (*Client)(nil)

// New constructs a Client.
func New(opts Options, articles ArticleResolver, logger *slog.Logger) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if base == "" {
		return nil, fmt.Errorf("processing service url is empty")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Minute
	}
	if opts.DefaultLimit <= 0 {
		opts.DefaultLimit = 50
	}
	c := &Client{
		baseURL:      base,
		defaultLimit: opts.DefaultLimit,
		client:       &http.Client{Timeout: opts.Timeout},
		articles:     articles,
		logger:       logger,
	}
	if opts.RatePerSec > 0 {
		burst := int(opts.RatePerSec)
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(opts.RatePerSec), burst)
	}
	return c, nil
}

// Dispatch builds the request for taskType from cfg, calls its endpoint and
// normalizes the response. Every failure is returned as *Error.
func (c *Client) Dispatch(ctx context.Context, taskType core.TaskType, cfg core.TaskConfig) (*core.TaskResult, error) {
	if cfg == nil {
		cfg, _ = core.DecodeTaskConfig(taskType, nil)
	}
	if cfg == nil || cfg.TaskType() != taskType {
		return nil, &Error{TaskType: taskType, Err: fmt.Errorf("configuration does not match task type")}
	}
	switch cfg := cfg.(type) {
	case core.RSSCollectionConfig:
		days := cfg.DaysToCollect
		if days <= 0 {
			days = 1
		}
		body := crawlRequest{Days: days, Sources: cfg.Sources}
		return c.call(ctx, taskType, EndpointCrawl, body, map[string]any{
			"sources":       cfg.Sources,
			"daysToCollect": days,
		})
	case core.LabelingConfig:
		return c.articleTask(ctx, taskType, EndpointLabels, cfg.ArticleTaskConfig)
	case core.SummarizationConfig:
		return c.articleTask(ctx, taskType, EndpointSummarize, cfg.ArticleTaskConfig)
	case core.CategorizationConfig:
		ids, err := c.resolve(ctx, taskType, cfg.ArticleFilter)
		if err != nil {
			return nil, err
		}
		body := categorizeRequest{ArticleIDs: ids, Categories: cfg.Categories, ModelName: cfg.ModelName}
		return c.call(ctx, taskType, EndpointCategorize, body, map[string]any{
			"targetArticles": len(ids),
			"categories":     cfg.Categories,
		})
	case core.BatchProcessConfig:
		size := cfg.BatchSize
		if size <= 0 {
			size = c.defaultLimit
		}
		body := batchRequest{
			Limit:                 size,
			IncludeLabeling:       cfg.IncludeLabeling,
			IncludeSummarization:  cfg.IncludeSummarization,
			IncludeCategorization: cfg.IncludeCategorization,
		}
		return c.call(ctx, taskType, EndpointBatchSummarize, body, map[string]any{
			"batchSize":             size,
			"includeLabeling":       cfg.IncludeLabeling,
			"includeSummarization":  cfg.IncludeSummarization,
			"includeCategorization": cfg.IncludeCategorization,
		})
	default:
		return nil, &Error{TaskType: taskType, Err: fmt.Errorf("unsupported task configuration %T", cfg)}
	}
}

func (c *Client) articleTask(ctx context.Context, taskType core.TaskType, endpoint string, cfg core.ArticleTaskConfig) (*core.TaskResult, error) {
	ids, err := c.resolve(ctx, taskType, cfg.ArticleFilter)
	if err != nil {
		return nil, err
	}
	limit := cfg.Limit
	if limit <= 0 {
		limit = c.defaultLimit
	}
	body := articleRequest{ArticleIDs: ids, Limit: limit}
	return c.call(ctx, taskType, endpoint, body, map[string]any{"targetArticles": len(ids)})
}

// resolve returns nil when no filter is configured or nothing matched; the
// processing service then selects its own candidates.
func (c *Client) resolve(ctx context.Context, taskType core.TaskType, filter *core.ArticleFilter) ([]string, error) {
	if filter == nil {
		return nil, nil
	}
	if c.articles == nil {
		return nil, &Error{TaskType: taskType, Err: fmt.Errorf("article filter configured but no article resolver available")}
	}
	ids, err := c.articles.ResolveArticleIDs(ctx, *filter)
	if err != nil {
		return nil, &Error{TaskType: taskType, Err: fmt.Errorf("resolve articles: %w", err)}
	}
	if len(ids) == 0 {
		return nil, nil
	}
	return ids, nil
}

func (c *Client) call(ctx context.Context, taskType core.TaskType, endpoint string, payload any, details map[string]any) (*core.TaskResult, error) {
	fail := func(status int, err error) error {
		return &Error{TaskType: taskType, Endpoint: endpoint, StatusCode: status, Timeout: isTimeout(err), Err: err}
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fail(0, fmt.Errorf("rate limit: %w", err))
		}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fail(0, fmt.Errorf("encode request: %w", err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, bytes.NewReader(data))
	if err != nil {
		return nil, fail(0, fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	c.logger.Debug("dispatching task", "task_type", taskType, "endpoint", endpoint)
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fail(0, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fail(resp.StatusCode, fmt.Errorf("read response: %w", err))
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fail(resp.StatusCode, fmt.Errorf("processing service returned status %d: %s", resp.StatusCode, snippet(raw)))
	}
	return normalize(taskType, raw, details), nil
}

func normalize(taskType core.TaskType, raw []byte, details map[string]any) *core.TaskResult {
	result := &core.TaskResult{
		Task:       taskType,
		Details:    details,
		ExecutedAt: time.Now().UTC(),
	}
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return result
	}
	if !json.Valid(trimmed) {
		quoted, _ := json.Marshal(string(trimmed))
		result.RawResponse = quoted
		return result
	}
	result.RawResponse = json.RawMessage(trimmed)
	var fields map[string]any
	if err := json.Unmarshal(trimmed, &fields); err == nil {
		result.ProcessedCount = processedCount(fields)
	}
	return result
}

func processedCount(fields map[string]any) int {
	for _, key := range []string{"processed_count", "articlesCollected", "articles_collected"} {
		if v, ok := fields[key].(float64); ok {
			return int(v)
		}
	}
	return 0
}

func snippet(raw []byte) string {
	const limit = 256
	s := strings.TrimSpace(string(raw))
	if len(s) > limit {
		s = s[:limit] + "..."
	}
	return s
}

func isTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

type crawlRequest struct {
	Days    int      `json:"days"`
	Sources []string `json:"sources,omitempty"`
}

type articleRequest struct {
	ArticleIDs []string `json:"article_ids,omitempty"`
	Limit      int      `json:"limit"`
}

type categorizeRequest struct {
	ArticleIDs []string `json:"article_ids,omitempty"`
	Categories []string `json:"categories,omitempty"`
	ModelName  string   `json:"model_name,omitempty"`
}

type batchRequest struct {
	Limit                 int  `json:"limit"`
	IncludeLabeling       bool `json:"include_labeling"`
	IncludeSummarization  bool `json:"include_summarization"`
	IncludeCategorization bool `json:"include_categorization"`
}
