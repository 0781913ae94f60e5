// Package github implements the repository-metadata connector backed by the
// GitHub REST API.
package github

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	gh "github.com/google/go-github/v80/github"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"github.com/signalhouse/ingest/internal/pipeline"
)

const (
	// defaultTimeout bounds each API request.
	defaultTimeout = 30 * time.Second

	// proactiveRate throttles below the authenticated API quota.
	proactiveRate = 1.2

	// maxEvents caps how many recent activity items one fetch emits.
	maxEvents = 10
)

// RawData metadata.type discriminators, one per logical unit.
const (
	TypeRepositoryMetadata = "repository_metadata"
	TypeRepositoryReadme   = "repository_readme"
	TypeRepositoryEvent    = "repository_event"
)

// Connector issues typed API calls against a repository: repository info, the
// README, and recent activity. Each logical unit becomes its own RawData.
type Connector struct {
	client  *gh.Client
	limiter *rate.Limiter
	logger  *zap.Logger
}

// New builds a connector. An empty token yields unauthenticated access with
// its lower rate limits.
func New(token string, logger *zap.Logger) *Connector {
	if logger == nil {
		logger = zap.NewNop()
	}
	var httpClient *http.Client
	if token != "" {
		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
		httpClient = oauth2.NewClient(context.Background(), ts)
	} else {
		httpClient = &http.Client{}
	}
	httpClient.Timeout = defaultTimeout

	return &Connector{
		client:  gh.NewClient(httpClient),
		limiter: rate.NewLimiter(rate.Limit(proactiveRate), 1),
		logger:  logger,
	}
}

// NewWithClient wires an explicit API client. Used by tests to point at a
// stub server.
func NewWithClient(client *gh.Client, logger *zap.Logger) *Connector {
	c := New("", logger)
	c.client = client
	return c
}

// CanHandle reports whether this connector serves the source type.
func (c *Connector) CanHandle(t pipeline.SourceType) bool {
	return t == pipeline.SourceTypeGitHub
}

// Fetch resolves a repository URL into raw records: one for the repository
// metadata, one for the README when it exists, and one per recent event.
func (c *Connector) Fetch(ctx context.Context, rawURL string, source pipeline.DataSource) ([]pipeline.RawData, error) {
	owner, repo, err := splitRepoURL(rawURL)
	if err != nil {
		return nil, &pipeline.FetchError{URL: rawURL, Err: err}
	}

	var records []pipeline.RawData

	repoRecord, err := c.fetchRepository(ctx, rawURL, owner, repo, source)
	if err != nil {
		return nil, err
	}
	records = append(records, repoRecord)

	readmeRecord, ok, err := c.fetchReadme(ctx, rawURL, owner, repo, source)
	if err != nil {
		return nil, err
	}
	if ok {
		records = append(records, readmeRecord)
	}

	eventRecords, err := c.fetchEvents(ctx, rawURL, owner, repo, source)
	if err != nil {
		return nil, err
	}
	records = append(records, eventRecords...)

	c.logger.Debug("repository fetched",
		zap.String("owner", owner),
		zap.String("repo", repo),
		zap.Int("records", len(records)),
	)
	return records, nil
}

// Close releases the underlying HTTP client's idle connections.
func (c *Connector) Close() error {
	c.client.Client().CloseIdleConnections()
	return nil
}

func (c *Connector) wait(ctx context.Context, rawURL string) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return &pipeline.FetchError{URL: rawURL, Timeout: errors.Is(err, context.DeadlineExceeded), Err: err}
	}
	return nil
}

func (c *Connector) fetchRepository(
	ctx context.Context,
	rawURL, owner, repo string,
	source pipeline.DataSource,
) (pipeline.RawData, error) {
	if err := c.wait(ctx, rawURL); err != nil {
		return pipeline.RawData{}, err
	}
	repository, _, err := c.client.Repositories.Get(ctx, owner, repo)
	if err != nil {
		return pipeline.RawData{}, wrapAPIError(ctx, rawURL, err)
	}

	payload, err := json.Marshal(repository)
	if err != nil {
		return pipeline.RawData{}, &pipeline.FetchError{URL: rawURL, Err: fmt.Errorf("encode repository: %w", err)}
	}

	meta := map[string]any{
		"type":     TypeRepositoryMetadata,
		"owner":    owner,
		"repo":     repo,
		"stars":    repository.GetStargazersCount(),
		"forks":    repository.GetForksCount(),
		"language": repository.GetLanguage(),
		"topics":   repository.Topics,
	}
	if desc := repository.GetDescription(); desc != "" {
		meta["description"] = desc
	}
	return pipeline.RawData{
		SourceID:    source.ID,
		IndustryID:  source.IndustryID,
		URL:         rawURL,
		ContentType: "application/json",
		RawContent:  string(payload),
		Metadata:    meta,
	}, nil
}

// fetchReadme returns ok=false when the repository has no README; that is not
// an error, the unit simply yields no RawData.
func (c *Connector) fetchReadme(
	ctx context.Context,
	rawURL, owner, repo string,
	source pipeline.DataSource,
) (pipeline.RawData, bool, error) {
	if err := c.wait(ctx, rawURL); err != nil {
		return pipeline.RawData{}, false, err
	}
	readme, resp, err := c.client.Repositories.GetReadme(ctx, owner, repo, nil)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusNotFound {
			return pipeline.RawData{}, false, nil
		}
		return pipeline.RawData{}, false, wrapAPIError(ctx, rawURL, err)
	}

	content, err := readme.GetContent()
	if err != nil {
		return pipeline.RawData{}, false, &pipeline.FetchError{URL: rawURL, Err: fmt.Errorf("decode readme: %w", err)}
	}
	return pipeline.RawData{
		SourceID:    source.ID,
		IndustryID:  source.IndustryID,
		URL:         rawURL,
		ContentType: "text/markdown",
		RawContent:  content,
		Metadata: map[string]any{
			"type":  TypeRepositoryReadme,
			"owner": owner,
			"repo":  repo,
			"path":  readme.GetPath(),
		},
	}, true, nil
}

func (c *Connector) fetchEvents(
	ctx context.Context,
	rawURL, owner, repo string,
	source pipeline.DataSource,
) ([]pipeline.RawData, error) {
	if err := c.wait(ctx, rawURL); err != nil {
		return nil, err
	}
	events, resp, err := c.client.Activity.ListRepositoryEvents(ctx, owner, repo, &gh.ListOptions{PerPage: maxEvents})
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusNotFound {
			return nil, nil
		}
		return nil, wrapAPIError(ctx, rawURL, err)
	}

	records := make([]pipeline.RawData, 0, len(events))
	for _, event := range events {
		payload, err := json.Marshal(event)
		if err != nil {
			continue
		}
		records = append(records, pipeline.RawData{
			SourceID:    source.ID,
			IndustryID:  source.IndustryID,
			URL:         rawURL,
			ContentType: "application/json",
			RawContent:  string(payload),
			Metadata: map[string]any{
				"type":       TypeRepositoryEvent,
				"owner":      owner,
				"repo":       repo,
				"event_type": event.GetType(),
				"event_id":   event.GetID(),
			},
		})
	}
	return records, nil
}

// splitRepoURL extracts owner and repository from a github.com URL.
func splitRepoURL(rawURL string) (owner, repo string, err error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", "", fmt.Errorf("parse repository url: %w", err)
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("url %q does not name an owner/repository", rawURL)
	}
	return parts[0], strings.TrimSuffix(parts[1], ".git"), nil
}

func wrapAPIError(ctx context.Context, rawURL string, err error) error {
	timeout := errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded)
	return &pipeline.FetchError{URL: rawURL, Timeout: timeout, Err: err}
}
