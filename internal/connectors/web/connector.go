// Package web implements the generic web scraper connector.
package web

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/signalhouse/ingest/internal/pipeline"
)

// Config controls the shared HTTP client behavior.
type Config struct {
	UserAgent      string
	RequestTimeout time.Duration
	Concurrency    int
}

// Connector fetches pages through a pooled, timeout-bounded, redirect-following
// Colly collector and extracts page metadata with goquery. One RawData per
// successful fetch.
type Connector struct {
	baseCollector *colly.Collector
	transport     *http.Transport
	logger        *zap.Logger

	limiterMu sync.Mutex
	limiters  map[string]*rate.Limiter
}

// New constructs a configured web connector.
func New(cfg Config, logger *zap.Logger) (*Connector, error) {
	if cfg.UserAgent == "" {
		cfg.UserAgent = "signalhouse-ingest/1.0 (+https://github.com/signalhouse/ingest)"
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 15 * time.Second
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	base := colly.NewCollector(
		colly.Async(true),
		colly.UserAgent(cfg.UserAgent),
	)
	base.AllowURLRevisit = true
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		MaxIdleConns:          128,
		MaxIdleConnsPerHost:   32,
		MaxConnsPerHost:       cfg.Concurrency * 2,
		IdleConnTimeout:       30 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: cfg.RequestTimeout,
		ForceAttemptHTTP2:     true,
	}
	base.WithTransport(transport)
	base.SetRequestTimeout(cfg.RequestTimeout)

	return &Connector{
		baseCollector: base,
		transport:     transport,
		logger:        logger,
		limiters:      make(map[string]*rate.Limiter),
	}, nil
}

// CanHandle reports whether this connector serves the source type.
func (c *Connector) CanHandle(t pipeline.SourceType) bool {
	return t == pipeline.SourceTypeWeb
}

// limiter returns the per-source rate limiter, creating it on first use.
// A source rate_limit of N means at most N requests per second.
func (c *Connector) limiter(source pipeline.DataSource) *rate.Limiter {
	c.limiterMu.Lock()
	defer c.limiterMu.Unlock()
	lim, ok := c.limiters[source.ID]
	if !ok {
		limit := rate.Inf
		if source.RateLimit > 0 {
			limit = rate.Limit(source.RateLimit)
		}
		lim = rate.NewLimiter(limit, 1)
		c.limiters[source.ID] = lim
	}
	return lim
}

// Fetch retrieves one page and returns a single RawData carrying the page
// body plus extracted metadata. Extracted outbound links land in
// metadata["links"] for optional re-seeding.
func (c *Connector) Fetch(ctx context.Context, rawURL string, source pipeline.DataSource) ([]pipeline.RawData, error) {
	if err := c.limiter(source).Wait(ctx); err != nil {
		return nil, &pipeline.FetchError{URL: rawURL, Timeout: isTimeout(ctx, err), Err: err}
	}

	page, err := c.fetchPage(ctx, rawURL)
	if err != nil {
		return nil, &pipeline.FetchError{URL: rawURL, Timeout: isTimeout(ctx, err), Err: err}
	}

	meta := extractMetadata(page.Body, page.FinalURL)
	contentType := page.Headers.Get("Content-Type")
	if contentType == "" {
		contentType = "text/html"
	}

	raw := pipeline.RawData{
		SourceID:    source.ID,
		IndustryID:  source.IndustryID,
		URL:         rawURL,
		ContentType: contentType,
		RawContent:  string(page.Body),
		Headers:     page.Headers,
		Metadata:    meta,
	}
	c.logger.Debug("page fetched",
		zap.String("url", rawURL),
		zap.Int("status", page.StatusCode),
		zap.Int("bytes", len(page.Body)),
	)
	return []pipeline.RawData{raw}, nil
}

// Close releases the pooled HTTP transport's idle connections.
func (c *Connector) Close() error {
	c.transport.CloseIdleConnections()
	return nil
}

type fetchedPage struct {
	FinalURL   string
	StatusCode int
	Headers    http.Header
	Body       []byte
}

type fetchResult struct {
	page fetchedPage
	err  error
}

// fetchPage runs one request on a cloned collector so per-call handlers never
// leak into the shared base.
func (c *Connector) fetchPage(ctx context.Context, rawURL string) (fetchedPage, error) {
	collector := c.baseCollector.Clone()
	resultCh := make(chan fetchResult, 1)
	var once sync.Once
	send := func(res fetchResult) {
		once.Do(func() {
			resultCh <- res
		})
	}

	collector.OnResponse(func(r *colly.Response) {
		headers := http.Header{}
		if r.Headers != nil {
			for k, v := range *r.Headers {
				cp := make([]string, len(v))
				copy(cp, v)
				headers[k] = cp
			}
		}
		send(fetchResult{page: fetchedPage{
			FinalURL:   r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Headers:    headers,
			Body:       append([]byte{}, r.Body...),
		}})
	})

	collector.OnError(func(_ *colly.Response, err error) {
		if err == nil {
			err = errors.New("unknown colly error")
		}
		send(fetchResult{err: err})
	})

	if err := collector.Visit(rawURL); err != nil {
		return fetchedPage{}, err
	}
	collector.Wait()

	select {
	case res := <-resultCh:
		if err := ctx.Err(); err != nil {
			return fetchedPage{}, err
		}
		return res.page, res.err
	default:
		return fetchedPage{}, errors.New("fetch produced no result")
	}
}

func isTimeout(ctx context.Context, err error) bool {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
