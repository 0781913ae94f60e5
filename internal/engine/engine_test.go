package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/signalhouse/ingest/internal/pipeline"
)

// --- fixtures -------------------------------------------------------------

type fakeCatalog struct {
	industries []pipeline.Industry
	sources    []pipeline.DataSource
	seeds      []pipeline.SeedURL
}

func (f *fakeCatalog) Industry(id string) (pipeline.Industry, error) {
	for _, ind := range f.industries {
		if ind.ID == id {
			return ind, nil
		}
	}
	return pipeline.Industry{}, fmt.Errorf("industry %q: %w", id, pipeline.ErrNotFound)
}

func (f *fakeCatalog) AllIndustries() []pipeline.Industry { return f.industries }

func (f *fakeCatalog) EnabledIndustries() []pipeline.Industry {
	out := make([]pipeline.Industry, 0, len(f.industries))
	for _, ind := range f.industries {
		if ind.Enabled {
			out = append(out, ind)
		}
	}
	return out
}

func (f *fakeCatalog) Source(id string) (pipeline.DataSource, error) {
	for _, src := range f.sources {
		if src.ID == id {
			return src, nil
		}
	}
	return pipeline.DataSource{}, fmt.Errorf("source %q: %w", id, pipeline.ErrNotFound)
}

func (f *fakeCatalog) SourcesByIndustry(industryID string) []pipeline.DataSource {
	out := make([]pipeline.DataSource, 0, len(f.sources))
	for _, src := range f.sources {
		if src.IndustryID == industryID {
			out = append(out, src)
		}
	}
	return out
}

func (f *fakeCatalog) SeedsByIndustry(industryID string) []pipeline.SeedURL {
	out := make([]pipeline.SeedURL, 0, len(f.seeds))
	for _, seed := range f.seeds {
		if seed.IndustryID == industryID {
			out = append(out, seed)
		}
	}
	return out
}

func (f *fakeCatalog) AllSeeds() []pipeline.SeedURL { return f.seeds }
func (f *fakeCatalog) AddSeed(seed pipeline.SeedURL) error {
	f.seeds = append(f.seeds, seed)
	return nil
}

// memStore is an in-memory StateStore. onUpdate, when set, observes every
// task write.
type memStore struct {
	mu         sync.Mutex
	tasks      map[string]pipeline.CrawlTask
	raw        map[string]pipeline.RawData
	normalized map[string]pipeline.NormalizedData
	analyzed   map[string]pipeline.AnalysisResult
	onUpdate   func(task pipeline.CrawlTask)
}

func newMemStore() *memStore {
	return &memStore{
		tasks:      make(map[string]pipeline.CrawlTask),
		raw:        make(map[string]pipeline.RawData),
		normalized: make(map[string]pipeline.NormalizedData),
		analyzed:   make(map[string]pipeline.AnalysisResult),
	}
}

func (m *memStore) SaveTask(_ context.Context, task pipeline.CrawlTask) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks[task.ID] = task
	if m.onUpdate != nil {
		m.onUpdate(task)
	}
	return nil
}

func (m *memStore) UpdateTask(ctx context.Context, task pipeline.CrawlTask) error {
	return m.SaveTask(ctx, task)
}

func (m *memStore) Task(_ context.Context, id string) (pipeline.CrawlTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok {
		return pipeline.CrawlTask{}, pipeline.ErrNotFound
	}
	return task, nil
}

func (m *memStore) AllTasks(context.Context) ([]pipeline.CrawlTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]pipeline.CrawlTask, 0, len(m.tasks))
	for _, task := range m.tasks {
		out = append(out, task)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memStore) TasksByStatus(ctx context.Context, status pipeline.TaskStatus) ([]pipeline.CrawlTask, error) {
	all, _ := m.AllTasks(ctx)
	out := make([]pipeline.CrawlTask, 0, len(all))
	for _, task := range all {
		if task.Status == status {
			out = append(out, task)
		}
	}
	return out, nil
}

func (m *memStore) SaveRawData(_ context.Context, raw pipeline.RawData) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.raw[raw.ID] = raw
	return nil
}

func (m *memStore) RawData(_ context.Context, id, _, _ string) (pipeline.RawData, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	raw, ok := m.raw[id]
	if !ok {
		return pipeline.RawData{}, pipeline.ErrNotFound
	}
	return raw, nil
}

func (m *memStore) ListRawData(_ context.Context, industryID, sourceID string) ([]pipeline.RawData, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]pipeline.RawData, 0, len(m.raw))
	for _, raw := range m.raw {
		if raw.IndustryID == industryID && raw.SourceID == sourceID {
			out = append(out, raw)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memStore) SaveNormalizedData(_ context.Context, norm pipeline.NormalizedData) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.normalized[norm.ID] = norm
	return nil
}

func (m *memStore) NormalizedData(_ context.Context, id, _, _ string) (pipeline.NormalizedData, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	norm, ok := m.normalized[id]
	if !ok {
		return pipeline.NormalizedData{}, pipeline.ErrNotFound
	}
	return norm, nil
}

func (m *memStore) SaveAnalysisResult(_ context.Context, result pipeline.AnalysisResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.analyzed[result.ID] = result
	return nil
}

func (m *memStore) AnalysisResult(_ context.Context, id string) (pipeline.AnalysisResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	result, ok := m.analyzed[id]
	if !ok {
		return pipeline.AnalysisResult{}, pipeline.ErrNotFound
	}
	return result, nil
}

func (m *memStore) CleanupOldTasks(context.Context, time.Duration) (int, error) {
	return 0, nil
}

// fakeConnector executes the injected fetch func for every call.
type fakeConnector struct {
	fetch func(ctx context.Context, url string, source pipeline.DataSource) ([]pipeline.RawData, error)
}

func (f *fakeConnector) CanHandle(pipeline.SourceType) bool { return true }

func (f *fakeConnector) Fetch(ctx context.Context, url string, source pipeline.DataSource) ([]pipeline.RawData, error) {
	return f.fetch(ctx, url, source)
}

func (f *fakeConnector) Close() error { return nil }

type fakeProvider struct {
	connector pipeline.Connector
	err       error
}

func (f *fakeProvider) Connector(pipeline.SourceType) (pipeline.Connector, error) {
	return f.connector, f.err
}

type fixedClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Millisecond)
	return c.now
}

type seqIDs struct {
	n atomic.Int64
}

func (s *seqIDs) NewID() (string, error) {
	return fmt.Sprintf("id-%04d", s.n.Add(1)), nil
}

func testCatalog(seedCount int) *fakeCatalog {
	catalog := &fakeCatalog{
		industries: []pipeline.Industry{{ID: "technology", Name: "Technology", Enabled: true}},
		sources: []pipeline.DataSource{
			{ID: "web-technews", Type: pipeline.SourceTypeWeb, IndustryID: "technology", Enabled: true},
		},
	}
	for i := 0; i < seedCount; i++ {
		catalog.seeds = append(catalog.seeds, pipeline.SeedURL{
			URL:        fmt.Sprintf("https://example.com/page-%d", i),
			SourceID:   "web-technews",
			IndustryID: "technology",
		})
	}
	return catalog
}

func newTestEngine(catalog *fakeCatalog, store *memStore, provider *fakeProvider, cfg Config) *Engine {
	clock := &fixedClock{now: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
	return New(catalog, store, provider, clock, &seqIDs{}, cfg, zap.NewNop())
}

// --- tests ----------------------------------------------------------------

func TestStartIngestionHappyPath(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	connector := &fakeConnector{
		fetch: func(_ context.Context, url string, source pipeline.DataSource) ([]pipeline.RawData, error) {
			return []pipeline.RawData{
				{URL: url, ContentType: "text/html", RawContent: "<html></html>"},
				{URL: url, ContentType: "text/html", RawContent: "<html></html>"},
			}, nil
		},
	}
	eng := newTestEngine(testCatalog(3), store, &fakeProvider{connector: connector}, Config{MaxConcurrent: 2})

	stats, err := eng.StartIngestion(context.Background(), "", "")
	require.NoError(t, err)
	require.Equal(t, 3, stats.TotalTasks)
	require.Equal(t, 3, stats.Completed)
	require.Zero(t, stats.Failed)
	require.Zero(t, stats.Retried)
	require.Equal(t, 6, stats.RawRecords)
	require.False(t, stats.FinishedAt.Before(stats.StartedAt))

	ind, ok := stats.Industries["technology"]
	require.True(t, ok)
	require.Equal(t, 3, ind.Completed)
	require.Equal(t, 6, ind.RawRecords)

	tasks, err := store.AllTasks(context.Background())
	require.NoError(t, err)
	require.Len(t, tasks, 3)
	for _, task := range tasks {
		require.Equal(t, pipeline.TaskStatusCompleted, task.Status)
		require.Equal(t, 1, task.Attempts)
		require.Equal(t, 2, task.ResultCount)
		require.Empty(t, task.LastError)
		require.NotNil(t, task.StartedAt)
		require.NotNil(t, task.CompletedAt)
	}

	records, err := store.ListRawData(context.Background(), "technology", "web-technews")
	require.NoError(t, err)
	require.Len(t, records, 6)
	for _, raw := range records {
		require.NotEmpty(t, raw.ID)
		require.NotEmpty(t, raw.TaskID)
		require.Equal(t, "technology", raw.IndustryID)
		require.Equal(t, "web-technews", raw.SourceID)
		require.False(t, raw.CollectedAt.IsZero())
	}

	require.False(t, eng.IsRunning())
}

func TestStartIngestionExhaustsRetriesThenFails(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	var attemptsOverflowed atomic.Bool
	store.onUpdate = func(task pipeline.CrawlTask) {
		if task.Attempts > task.MaxAttempts {
			attemptsOverflowed.Store(true)
		}
	}
	var calls atomic.Int64
	connector := &fakeConnector{
		fetch: func(_ context.Context, url string, _ pipeline.DataSource) ([]pipeline.RawData, error) {
			calls.Add(1)
			return nil, &pipeline.FetchError{URL: url, Err: errors.New("connection refused")}
		},
	}
	eng := newTestEngine(testCatalog(1), store, &fakeProvider{connector: connector}, Config{MaxConcurrent: 2, MaxAttempts: 3})

	stats, err := eng.StartIngestion(context.Background(), "", "")
	require.NoError(t, err, "task failures never abort the run")
	require.Equal(t, 1, stats.TotalTasks)
	require.Zero(t, stats.Completed)
	require.Equal(t, 1, stats.Failed)
	require.Equal(t, 2, stats.Retried)
	require.EqualValues(t, 3, calls.Load())
	require.False(t, attemptsOverflowed.Load(), "attempts never exceed the cap at any observed write")

	tasks, err := store.AllTasks(context.Background())
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	task := tasks[0]
	require.Equal(t, pipeline.TaskStatusFailed, task.Status)
	require.Equal(t, 3, task.Attempts)
	require.Zero(t, task.ResultCount)
	require.Contains(t, task.LastError, "connection refused")
	require.NotNil(t, task.CompletedAt)
}

func TestStartIngestionTransientFailureRecovers(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	var calls atomic.Int64
	connector := &fakeConnector{
		fetch: func(_ context.Context, url string, _ pipeline.DataSource) ([]pipeline.RawData, error) {
			if calls.Add(1) == 1 {
				return nil, &pipeline.FetchError{URL: url, Timeout: true, Err: context.DeadlineExceeded}
			}
			return []pipeline.RawData{{URL: url, ContentType: "text/html"}}, nil
		},
	}
	eng := newTestEngine(testCatalog(1), store, &fakeProvider{connector: connector}, Config{MaxConcurrent: 1, MaxAttempts: 3})

	stats, err := eng.StartIngestion(context.Background(), "", "")
	require.NoError(t, err)
	require.Equal(t, 1, stats.Completed)
	require.Equal(t, 1, stats.Retried)
	require.Zero(t, stats.Failed)

	tasks, err := store.AllTasks(context.Background())
	require.NoError(t, err)
	require.Equal(t, pipeline.TaskStatusCompleted, tasks[0].Status)
	require.Equal(t, 2, tasks[0].Attempts)
}

func TestStartIngestionBoundsConcurrency(t *testing.T) {
	t.Parallel()

	const maxConcurrent = 3

	var inFlight, peak atomic.Int64
	connector := &fakeConnector{
		fetch: func(_ context.Context, url string, _ pipeline.DataSource) ([]pipeline.RawData, error) {
			n := inFlight.Add(1)
			defer inFlight.Add(-1)
			for {
				old := peak.Load()
				if n <= old || peak.CompareAndSwap(old, n) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			return []pipeline.RawData{{URL: url}}, nil
		},
	}
	eng := newTestEngine(testCatalog(12), newMemStore(), &fakeProvider{connector: connector}, Config{MaxConcurrent: maxConcurrent})

	stats, err := eng.StartIngestion(context.Background(), "", "")
	require.NoError(t, err)
	require.Equal(t, 12, stats.Completed)
	require.LessOrEqual(t, peak.Load(), int64(maxConcurrent))
}

func TestStartIngestionUnsupportedSourceFailsWithoutRetry(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	provider := &fakeProvider{err: fmt.Errorf("source type %q: %w", "rss", pipeline.ErrConnectorUnsupported)}
	eng := newTestEngine(testCatalog(2), store, provider, Config{MaxConcurrent: 2, MaxAttempts: 3})

	stats, err := eng.StartIngestion(context.Background(), "", "")
	require.NoError(t, err)
	require.Equal(t, 2, stats.Failed)
	require.Zero(t, stats.Retried, "unsupported source types are not retryable")

	tasks, err := store.AllTasks(context.Background())
	require.NoError(t, err)
	for _, task := range tasks {
		require.Equal(t, pipeline.TaskStatusFailed, task.Status)
		require.Equal(t, 1, task.Attempts)
	}
}

func TestStartIngestionUnknownSourceFailsWithoutRetry(t *testing.T) {
	t.Parallel()

	catalog := testCatalog(0)
	catalog.seeds = append(catalog.seeds, pipeline.SeedURL{
		URL:        "https://example.com/orphan",
		SourceID:   "web-missing",
		IndustryID: "technology",
	})
	store := newMemStore()
	eng := newTestEngine(catalog, store, &fakeProvider{connector: &fakeConnector{}}, Config{MaxAttempts: 3})

	stats, err := eng.StartIngestion(context.Background(), "", "")
	require.NoError(t, err)
	require.Equal(t, 1, stats.Failed)
	require.Zero(t, stats.Retried, "a dangling source_id is a config error, not a transient failure")

	tasks, err := store.AllTasks(context.Background())
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	require.Equal(t, pipeline.TaskStatusFailed, tasks[0].Status)
	require.Equal(t, 1, tasks[0].Attempts)
}

func TestStartIngestionUnknownIndustry(t *testing.T) {
	t.Parallel()

	eng := newTestEngine(testCatalog(2), newMemStore(), &fakeProvider{connector: &fakeConnector{}}, Config{})

	stats, err := eng.StartIngestion(context.Background(), "aviation", "")
	require.ErrorIs(t, err, pipeline.ErrNotFound)
	require.Zero(t, stats.TotalTasks)
	require.False(t, stats.FinishedAt.IsZero(), "stats carry timestamps even on failure")
}

func TestStartIngestionSourceFilter(t *testing.T) {
	t.Parallel()

	catalog := testCatalog(2)
	catalog.sources = append(catalog.sources, pipeline.DataSource{
		ID: "gh-platform", Type: pipeline.SourceTypeGitHub, IndustryID: "technology", Enabled: true,
	})
	catalog.seeds = append(catalog.seeds, pipeline.SeedURL{
		URL: "https://github.com/example/platform", SourceID: "gh-platform", IndustryID: "technology",
	})

	connector := &fakeConnector{
		fetch: func(_ context.Context, url string, _ pipeline.DataSource) ([]pipeline.RawData, error) {
			return []pipeline.RawData{{URL: url}}, nil
		},
	}
	eng := newTestEngine(catalog, newMemStore(), &fakeProvider{connector: connector}, Config{})

	stats, err := eng.StartIngestion(context.Background(), "technology", "gh-platform")
	require.NoError(t, err)
	require.Equal(t, 1, stats.TotalTasks)
	require.Equal(t, 1, stats.Completed)
}

func TestStartIngestionRejectsOverlappingRuns(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	started := make(chan struct{})
	var once sync.Once
	connector := &fakeConnector{
		fetch: func(_ context.Context, url string, _ pipeline.DataSource) ([]pipeline.RawData, error) {
			once.Do(func() { close(started) })
			<-release
			return []pipeline.RawData{{URL: url}}, nil
		},
	}
	eng := newTestEngine(testCatalog(1), newMemStore(), &fakeProvider{connector: connector}, Config{MaxConcurrent: 1})

	done := make(chan error, 1)
	go func() {
		_, err := eng.StartIngestion(context.Background(), "", "")
		done <- err
	}()

	<-started
	require.True(t, eng.IsRunning())
	_, err := eng.StartIngestion(context.Background(), "", "")
	require.ErrorIs(t, err, pipeline.ErrAlreadyRunning)

	close(release)
	require.NoError(t, <-done)
	require.False(t, eng.IsRunning())
}

func TestStopIngestionIsCooperative(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	started := make(chan struct{})
	var once sync.Once
	connector := &fakeConnector{
		fetch: func(_ context.Context, url string, _ pipeline.DataSource) ([]pipeline.RawData, error) {
			once.Do(func() { close(started) })
			// Give StopIngestion time to land before this fetch finishes.
			time.Sleep(50 * time.Millisecond)
			return []pipeline.RawData{{URL: url}}, nil
		},
	}
	eng := newTestEngine(testCatalog(6), store, &fakeProvider{connector: connector}, Config{MaxConcurrent: 1})

	type result struct {
		stats pipeline.IngestionStats
		err   error
	}
	resultCh := make(chan result, 1)
	go func() {
		stats, err := eng.StartIngestion(context.Background(), "", "")
		resultCh <- result{stats, err}
	}()

	<-started
	eng.StopIngestion()

	res := <-resultCh
	require.NoError(t, res.err)
	require.Equal(t, 6, res.stats.TotalTasks)
	require.GreaterOrEqual(t, res.stats.Completed, 1, "the in-flight fetch runs to completion")
	require.Less(t, res.stats.Completed, 6, "queued tasks are not dispatched after stop")

	// Undispatched tasks keep their pending state.
	pending, err := store.TasksByStatus(context.Background(), pipeline.TaskStatusPending)
	require.NoError(t, err)
	require.NotEmpty(t, pending)
}

func TestStartIngestionNoSeeds(t *testing.T) {
	t.Parallel()

	catalog := &fakeCatalog{
		industries: []pipeline.Industry{{ID: "technology", Enabled: true}},
	}
	eng := newTestEngine(catalog, newMemStore(), &fakeProvider{connector: &fakeConnector{}}, Config{})

	stats, err := eng.StartIngestion(context.Background(), "", "")
	require.NoError(t, err)
	require.Zero(t, stats.TotalTasks)
}
