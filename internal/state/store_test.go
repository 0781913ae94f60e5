package state

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/signalhouse/ingest/internal/pipeline"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	store, err := New(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	return store
}

func TestNewRequiresBaseDir(t *testing.T) {
	t.Parallel()

	_, err := New("  ", zap.NewNop())
	require.Error(t, err)
}

func TestTaskRoundTrip(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()

	started := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	task := pipeline.CrawlTask{
		ID:          "task-001",
		URL:         "https://example.com/tech-news",
		SourceID:    "web-technews",
		IndustryID:  "technology",
		Status:      pipeline.TaskStatusInProgress,
		Attempts:    1,
		MaxAttempts: 3,
		CreatedAt:   started.Add(-time.Minute),
		StartedAt:   &started,
		LastError:   "temporary glitch",
		ResultCount: 0,
	}
	require.NoError(t, store.SaveTask(ctx, task))

	got, err := store.Task(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, task, got)

	task.Status = pipeline.TaskStatusCompleted
	task.ResultCount = 2
	task.LastError = ""
	require.NoError(t, store.UpdateTask(ctx, task))

	got, err = store.Task(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, pipeline.TaskStatusCompleted, got.Status)
	require.Equal(t, 2, got.ResultCount)
	require.Empty(t, got.LastError)
}

func TestTaskNotFound(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	_, err := store.Task(context.Background(), "missing")
	require.ErrorIs(t, err, pipeline.ErrNotFound)
}

func TestTasksByStatus(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()

	statuses := []pipeline.TaskStatus{
		pipeline.TaskStatusCompleted,
		pipeline.TaskStatusFailed,
		pipeline.TaskStatusCompleted,
		pipeline.TaskStatusPending,
	}
	for i, status := range statuses {
		require.NoError(t, store.SaveTask(ctx, pipeline.CrawlTask{
			ID:     fmt.Sprintf("task-%03d", i),
			Status: status,
		}))
	}

	completed, err := store.TasksByStatus(ctx, pipeline.TaskStatusCompleted)
	require.NoError(t, err)
	require.Len(t, completed, 2)
	require.Equal(t, "task-000", completed[0].ID)
	require.Equal(t, "task-002", completed[1].ID)

	all, err := store.AllTasks(ctx)
	require.NoError(t, err)
	require.Len(t, all, 4)
}

func TestRawDataRoundTrip(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()

	raw := pipeline.RawData{
		ID:          "raw-001",
		TaskID:      "task-001",
		SourceID:    "web-technews",
		IndustryID:  "technology",
		URL:         "https://example.com/tech-news",
		ContentType: "text/html",
		RawContent:  "<html><title>Hello</title></html>",
		Headers:     http.Header{"Content-Type": []string{"text/html; charset=utf-8"}},
		Metadata:    map[string]any{"title": "Hello"},
		CollectedAt: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
	}
	require.NoError(t, store.SaveRawData(ctx, raw))

	got, err := store.RawData(ctx, raw.ID, raw.IndustryID, raw.SourceID)
	require.NoError(t, err)
	require.Equal(t, raw, got)

	list, err := store.ListRawData(ctx, "technology", "web-technews")
	require.NoError(t, err)
	require.Len(t, list, 1)

	// Unknown partition lists empty rather than erroring.
	list, err = store.ListRawData(ctx, "technology", "nope")
	require.NoError(t, err)
	require.Empty(t, list)
}

func TestNormalizedDataRoundTrip(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()

	norm := pipeline.NormalizedData{
		ID:             "norm-001",
		RawDataID:      "raw-001",
		SourceID:       "web-technews",
		IndustryID:     "technology",
		Title:          "Hello",
		Content:        "body text",
		Entities:       []string{"example"},
		Keywords:       []string{"software"},
		StructuredData: map[string]any{"type": "web"},
		QualityScore:   0.65,
	}
	require.NoError(t, store.SaveNormalizedData(ctx, norm))

	got, err := store.NormalizedData(ctx, norm.ID, norm.IndustryID, norm.SourceID)
	require.NoError(t, err)
	require.Equal(t, norm, got)

	_, err = store.NormalizedData(ctx, "missing", "technology", "web-technews")
	require.ErrorIs(t, err, pipeline.ErrNotFound)
}

func TestAnalysisResultRoundTrip(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()

	result := pipeline.AnalysisResult{
		ID:               "analysis-001",
		NormalizedDataID: "norm-001",
		Summary:          "one repo, active development",
		AnalyzedAt:       time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC),
	}
	require.NoError(t, store.SaveAnalysisResult(ctx, result))

	got, err := store.AnalysisResult(ctx, result.ID)
	require.NoError(t, err)
	require.Equal(t, result, got)
}

func TestDocPathRejectsTraversal(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()

	// Traversal characters are sanitized into the partition name instead of
	// escaping the store root.
	raw := pipeline.RawData{ID: "x", IndustryID: "../../etc", SourceID: "passwd"}
	require.NoError(t, store.SaveRawData(ctx, raw))

	got, err := store.RawData(ctx, "x", "../../etc", "passwd")
	require.NoError(t, err)
	require.Equal(t, "x", got.ID)
}

func TestCleanupOldTasks(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, store.SaveTask(ctx, pipeline.CrawlTask{
			ID:     fmt.Sprintf("task-%03d", i),
			Status: pipeline.TaskStatusCompleted,
		}))
	}

	// Age two of the documents past the retention window.
	old := time.Now().Add(-48 * time.Hour)
	for _, id := range []string{"task-001", "task-003"} {
		path := filepath.Join(store.baseDir, tasksDir, id+".json")
		require.NoError(t, os.Chtimes(path, old, old))
	}

	removed, err := store.CleanupOldTasks(ctx, 24*time.Hour)
	require.NoError(t, err)
	require.Equal(t, 2, removed)

	remaining, err := store.AllTasks(ctx)
	require.NoError(t, err)
	require.Len(t, remaining, 3)
	for _, task := range remaining {
		require.NotContains(t, []string{"task-001", "task-003"}, task.ID)
	}
}

func TestConcurrentWritesSamePartition(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			task := pipeline.CrawlTask{
				ID:     fmt.Sprintf("task-%03d", n),
				Status: pipeline.TaskStatusCompleted,
			}
			require.NoError(t, store.SaveTask(ctx, task))
		}(i)
	}
	wg.Wait()

	all, err := store.AllTasks(ctx)
	require.NoError(t, err)
	require.Len(t, all, 20, "every concurrent write lands intact")
	for _, task := range all {
		require.Equal(t, pipeline.TaskStatusCompleted, task.Status)
	}
}

func TestWriteDocCancelledContext(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := store.SaveTask(ctx, pipeline.CrawlTask{ID: "task-001"})
	var perr *pipeline.PersistenceError
	require.ErrorAs(t, err, &perr)
}
