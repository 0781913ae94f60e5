// Package engine orchestrates seed-driven ingestion: it turns seeds into
// crawl tasks and drives them through connectors under a bounded worker pool.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/signalhouse/ingest/internal/metrics"
	"github.com/signalhouse/ingest/internal/pipeline"
)

// Config controls engine behavior.
type Config struct {
	// MaxConcurrent bounds simultaneous fetches. Workers are long-lived and
	// pull from a shared queue, so at most MaxConcurrent fetches are ever in
	// flight.
	MaxConcurrent int
	// FetchTimeout bounds each connector call. A timeout is a retryable
	// fetch error.
	FetchTimeout time.Duration
	// MaxAttempts caps attempts per task.
	MaxAttempts int
}

func (c *Config) applyDefaults() {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 4
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = 30 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
}

// Engine owns crawl tasks from creation to terminal state. All collaborators
// are injected; the engine holds no hidden globals.
type Engine struct {
	catalog    pipeline.SeedCatalog
	store      pipeline.StateStore
	connectors pipeline.ConnectorProvider
	policy     *pipeline.ExponentialRetryPolicy
	clock      pipeline.Clock
	ids        pipeline.IDGenerator
	cfg        Config
	logger     *zap.Logger

	running atomic.Bool
	stopped atomic.Bool
}

// New constructs an Engine.
func New(
	catalog pipeline.SeedCatalog,
	store pipeline.StateStore,
	connectors pipeline.ConnectorProvider,
	clock pipeline.Clock,
	ids pipeline.IDGenerator,
	cfg Config,
	logger *zap.Logger,
) *Engine {
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		catalog:    catalog,
		store:      store,
		connectors: connectors,
		policy:     pipeline.NewExponentialRetryPolicy(),
		clock:      clock,
		ids:        ids,
		cfg:        cfg,
		logger:     logger,
	}
}

// run carries the mutable state of one ingestion run.
type run struct {
	queue       chan *pipeline.CrawlTask
	outstanding sync.WaitGroup

	mu    sync.Mutex
	stats pipeline.IngestionStats
}

func (r *run) industry(id string) *pipeline.IndustryStats {
	ind, ok := r.stats.Industries[id]
	if !ok {
		ind = &pipeline.IndustryStats{}
		r.stats.Industries[id] = ind
	}
	return ind
}

func (r *run) recordCompleted(industryID string, rawRecords int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stats.Completed++
	r.stats.RawRecords += rawRecords
	ind := r.industry(industryID)
	ind.Completed++
	ind.RawRecords += rawRecords
}

func (r *run) recordFailed(industryID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stats.Failed++
	r.industry(industryID).Failed++
}

func (r *run) recordRetry(industryID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stats.Retried++
	r.industry(industryID).Retried++
}

// StartIngestion resolves the seed set (optionally filtered by industry
// and/or source, empty meaning all), creates one task per seed, and processes
// them under the concurrency bound. Individual task failures never abort the
// run; only seed/state layer failures propagate. Stats are returned even
// under partial failure.
func (e *Engine) StartIngestion(ctx context.Context, industryID, sourceID string) (pipeline.IngestionStats, error) {
	if !e.running.CompareAndSwap(false, true) {
		return pipeline.IngestionStats{}, pipeline.ErrAlreadyRunning
	}
	defer e.running.Store(false)
	e.stopped.Store(false)

	r := &run{
		stats: pipeline.IngestionStats{
			Industries: make(map[string]*pipeline.IndustryStats),
			StartedAt:  e.clock.Now(),
		},
	}

	seeds, err := e.resolveSeeds(industryID, sourceID)
	if err != nil {
		r.stats.FinishedAt = e.clock.Now()
		return r.stats, err
	}

	tasks, err := e.createTasks(ctx, seeds)
	if err != nil {
		r.stats.FinishedAt = e.clock.Now()
		return r.stats, err
	}
	r.stats.TotalTasks = len(tasks)

	e.logger.Info("ingestion started",
		zap.Int("tasks", len(tasks)),
		zap.Int("max_concurrent", e.cfg.MaxConcurrent),
		zap.String("industry_id", industryID),
		zap.String("source_id", sourceID),
	)

	// The queue is buffered to the task count: every task exists at most
	// once (queued, in flight, or awaiting requeue), so sends never block.
	r.queue = make(chan *pipeline.CrawlTask, len(tasks))
	r.outstanding.Add(len(tasks))
	for _, task := range tasks {
		r.queue <- task
	}

	var workers sync.WaitGroup
	for i := 0; i < e.cfg.MaxConcurrent; i++ {
		workers.Add(1)
		go func() {
			defer workers.Done()
			for task := range r.queue {
				e.processTask(ctx, r, task)
			}
		}()
	}

	go func() {
		r.outstanding.Wait()
		close(r.queue)
	}()
	workers.Wait()

	r.stats.FinishedAt = e.clock.Now()
	e.logger.Info("ingestion finished",
		zap.Int("completed", r.stats.Completed),
		zap.Int("failed", r.stats.Failed),
		zap.Int("retried", r.stats.Retried),
		zap.Int("raw_records", r.stats.RawRecords),
	)
	return r.stats, nil
}

// StopIngestion requests a cooperative stop: no new tasks are dequeued, but
// fetches already dispatched run to completion.
func (e *Engine) StopIngestion() {
	e.stopped.Store(true)
}

// IsRunning reports whether an ingestion run is in progress.
func (e *Engine) IsRunning() bool {
	return e.running.Load()
}

func (e *Engine) resolveSeeds(industryID, sourceID string) ([]pipeline.SeedURL, error) {
	var seeds []pipeline.SeedURL
	if industryID != "" {
		if _, err := e.catalog.Industry(industryID); err != nil {
			return nil, fmt.Errorf("resolve industry: %w", err)
		}
		seeds = e.catalog.SeedsByIndustry(industryID)
	} else {
		for _, ind := range e.catalog.EnabledIndustries() {
			seeds = append(seeds, e.catalog.SeedsByIndustry(ind.ID)...)
		}
	}
	if sourceID == "" {
		return seeds, nil
	}
	filtered := make([]pipeline.SeedURL, 0, len(seeds))
	for _, seed := range seeds {
		if seed.SourceID == sourceID {
			filtered = append(filtered, seed)
		}
	}
	return filtered, nil
}

// createTasks persists one pending task per seed, in seed order. A state
// layer failure here is fatal to the run.
func (e *Engine) createTasks(ctx context.Context, seeds []pipeline.SeedURL) ([]*pipeline.CrawlTask, error) {
	tasks := make([]*pipeline.CrawlTask, 0, len(seeds))
	for _, seed := range seeds {
		id, err := e.ids.NewID()
		if err != nil {
			return nil, fmt.Errorf("generate task id: %w", err)
		}
		task := &pipeline.CrawlTask{
			ID:          id,
			URL:         seed.URL,
			SourceID:    seed.SourceID,
			IndustryID:  seed.IndustryID,
			Status:      pipeline.TaskStatusPending,
			MaxAttempts: e.cfg.MaxAttempts,
			CreatedAt:   e.clock.Now(),
		}
		if err := e.store.SaveTask(ctx, *task); err != nil {
			return nil, fmt.Errorf("persist task for %s: %w", seed.URL, err)
		}
		tasks = append(tasks, task)
	}
	return tasks, nil
}

// processTask drives one attempt. The calling worker exclusively owns the
// task until it reaches a terminal or retrying state, so no lock guards the
// task itself.
func (e *Engine) processTask(ctx context.Context, r *run, task *pipeline.CrawlTask) {
	if e.stopped.Load() || ctx.Err() != nil {
		// Stop is cooperative: the task keeps its persisted state and the
		// run winds down.
		r.outstanding.Done()
		return
	}
	if task.Status == pipeline.TaskStatusPaused {
		r.outstanding.Done()
		return
	}

	task.Attempts++
	task.Status = pipeline.TaskStatusInProgress
	now := e.clock.Now()
	task.StartedAt = &now
	if err := e.store.UpdateTask(ctx, *task); err != nil {
		e.failTask(ctx, r, task, err)
		return
	}

	records, err := e.fetch(ctx, task)
	if err != nil {
		metrics.FetchErrors.Inc()
		if e.policy.ShouldRetry(err, task.Attempts, task.MaxAttempts) {
			e.retryTask(ctx, r, task, err)
			return
		}
		e.failTask(ctx, r, task, err)
		return
	}

	persisted := 0
	for i := range records {
		if err := e.persistRawData(ctx, task, &records[i]); err != nil {
			e.failTask(ctx, r, task, err)
			return
		}
		persisted++
	}

	task.Status = pipeline.TaskStatusCompleted
	task.ResultCount = persisted
	task.LastError = ""
	done := e.clock.Now()
	task.CompletedAt = &done
	if err := e.store.UpdateTask(ctx, *task); err != nil {
		e.logger.Error("final task update failed", zap.String("task_id", task.ID), zap.Error(err))
	}

	metrics.TasksCompleted.Inc()
	metrics.RawRecords.Add(float64(persisted))
	r.recordCompleted(task.IndustryID, persisted)
	r.outstanding.Done()
	e.logger.Debug("task completed",
		zap.String("task_id", task.ID),
		zap.String("url", task.URL),
		zap.Int("records", persisted),
	)
}

// fetch resolves the connector and executes one timeout-bounded fetch.
func (e *Engine) fetch(ctx context.Context, task *pipeline.CrawlTask) ([]pipeline.RawData, error) {
	source, err := e.catalog.Source(task.SourceID)
	if err != nil {
		return nil, fmt.Errorf("resolve source %q: %w", task.SourceID, err)
	}
	connector, err := e.connectors.Connector(source.Type)
	if err != nil {
		return nil, err
	}

	fetchCtx, cancel := context.WithTimeout(ctx, e.cfg.FetchTimeout)
	defer cancel()

	records, err := connector.Fetch(fetchCtx, task.URL, source)
	if err != nil {
		var fetchErr *pipeline.FetchError
		if errors.Is(fetchCtx.Err(), context.DeadlineExceeded) && !errors.As(err, &fetchErr) {
			return nil, &pipeline.FetchError{URL: task.URL, Timeout: true, Err: err}
		}
		return nil, err
	}
	return records, nil
}

func (e *Engine) persistRawData(ctx context.Context, task *pipeline.CrawlTask, raw *pipeline.RawData) error {
	if raw.ID == "" {
		id, err := e.ids.NewID()
		if err != nil {
			return fmt.Errorf("generate raw data id: %w", err)
		}
		raw.ID = id
	}
	raw.TaskID = task.ID
	if raw.SourceID == "" {
		raw.SourceID = task.SourceID
	}
	if raw.IndustryID == "" {
		raw.IndustryID = task.IndustryID
	}
	raw.CollectedAt = e.clock.Now()
	if err := e.store.SaveRawData(ctx, *raw); err != nil {
		return err
	}
	return nil
}

// retryTask marks the task retrying and requeues it after a backoff. The
// task stays outstanding, so the run cannot finish under it.
func (e *Engine) retryTask(ctx context.Context, r *run, task *pipeline.CrawlTask, cause error) {
	task.Status = pipeline.TaskStatusRetrying
	task.LastError = cause.Error()
	if err := e.store.UpdateTask(ctx, *task); err != nil {
		e.logger.Error("retry task update failed", zap.String("task_id", task.ID), zap.Error(err))
	}

	metrics.TaskRetries.Inc()
	r.recordRetry(task.IndustryID)
	backoff := e.policy.Backoff(task.Attempts)
	e.logger.Warn("task attempt failed, retrying",
		zap.String("task_id", task.ID),
		zap.String("url", task.URL),
		zap.Int("attempts", task.Attempts),
		zap.Duration("backoff", backoff),
		zap.Error(cause),
	)

	go func() {
		timer := time.NewTimer(backoff)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			r.outstanding.Done()
		case <-timer.C:
			if e.stopped.Load() {
				r.outstanding.Done()
				return
			}
			r.queue <- task
		}
	}()
}

// failTask moves the task to its terminal failed state.
func (e *Engine) failTask(ctx context.Context, r *run, task *pipeline.CrawlTask, cause error) {
	task.Status = pipeline.TaskStatusFailed
	task.LastError = cause.Error()
	done := e.clock.Now()
	task.CompletedAt = &done
	if err := e.store.UpdateTask(ctx, *task); err != nil {
		e.logger.Error("failed task update failed", zap.String("task_id", task.ID), zap.Error(err))
	}

	metrics.TasksFailed.Inc()
	r.recordFailed(task.IndustryID)
	r.outstanding.Done()
	e.logger.Error("task failed",
		zap.String("task_id", task.ID),
		zap.String("url", task.URL),
		zap.Int("attempts", task.Attempts),
		zap.Error(cause),
	)
}
