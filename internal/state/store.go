// Package state implements the durable filesystem document store for crawl
// tasks, raw data, normalized data, and analysis results.
package state

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/signalhouse/ingest/internal/pipeline"
)

// Directory names under the store root. Raw and normalized documents are
// further partitioned as {industry_id}/{source_id}.
const (
	tasksDir      = "tasks"
	rawDir        = "raw"
	normalizedDir = "normalized"
	analyzedDir   = "analyzed"
)

var invalidPathChars = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

// Store persists one JSON document per entity under a base directory.
// Writes are atomic (temp file then rename) and serialized per partition, so
// concurrent task completions can never interleave inside one document.
type Store struct {
	baseDir string
	logger  *zap.Logger

	mu         sync.Mutex
	partitions map[string]*sync.Mutex
}

// New creates a Store rooted at baseDir, creating it if needed.
func New(baseDir string, logger *zap.Logger) (*Store, error) {
	if strings.TrimSpace(baseDir) == "" {
		return nil, fmt.Errorf("base directory is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(baseDir, 0o750); err != nil {
		return nil, fmt.Errorf("create state dir %s: %w", baseDir, err)
	}

	// Fail fast if the directory is not writable.
	probe := filepath.Join(baseDir, ".writable_test")
	if err := os.WriteFile(probe, []byte("test"), 0o600); err != nil {
		return nil, fmt.Errorf("state dir is not writable: %w", err)
	}
	if err := os.Remove(probe); err != nil {
		return nil, fmt.Errorf("clean up writability probe: %w", err)
	}

	return &Store{
		baseDir:    baseDir,
		logger:     logger,
		partitions: make(map[string]*sync.Mutex),
	}, nil
}

// partitionLock returns the mutex serializing writes under one directory.
func (s *Store) partitionLock(partition string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.partitions[partition]
	if !ok {
		lock = &sync.Mutex{}
		s.partitions[partition] = lock
	}
	return lock
}

func sanitize(component string) string {
	return invalidPathChars.ReplaceAllString(component, "_")
}

// docPath joins sanitized components under the base directory and rejects
// anything that would escape it.
func (s *Store) docPath(parts ...string) (string, error) {
	clean := make([]string, 0, len(parts)+1)
	clean = append(clean, s.baseDir)
	for _, p := range parts {
		if strings.TrimSpace(p) == "" {
			return "", fmt.Errorf("empty path component")
		}
		clean = append(clean, sanitize(p))
	}
	full := filepath.Join(clean...)
	base := filepath.Clean(s.baseDir)
	if !strings.HasPrefix(filepath.Clean(full), base+string(filepath.Separator)) {
		return "", fmt.Errorf("path traversal detected")
	}
	return full, nil
}

// writeDoc marshals v and atomically replaces the document at path.
func (s *Store) writeDoc(ctx context.Context, path string, v any) error {
	if err := ctx.Err(); err != nil {
		return &pipeline.PersistenceError{Op: "write", Path: path, Err: err}
	}
	partition := filepath.Dir(path)
	lock := s.partitionLock(partition)
	lock.Lock()
	defer lock.Unlock()

	if err := os.MkdirAll(partition, 0o750); err != nil {
		return &pipeline.PersistenceError{Op: "mkdir", Path: partition, Err: err}
	}
	payload, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return &pipeline.PersistenceError{Op: "marshal", Path: path, Err: err}
	}

	tmp, err := os.CreateTemp(partition, ".doc-*.tmp")
	if err != nil {
		return &pipeline.PersistenceError{Op: "create temp", Path: partition, Err: err}
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return &pipeline.PersistenceError{Op: "write temp", Path: tmpName, Err: err}
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return &pipeline.PersistenceError{Op: "close temp", Path: tmpName, Err: err}
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return &pipeline.PersistenceError{Op: "rename", Path: path, Err: err}
	}
	return nil
}

func (s *Store) readDoc(ctx context.Context, path string, v any) error {
	if err := ctx.Err(); err != nil {
		return &pipeline.PersistenceError{Op: "read", Path: path, Err: err}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%s: %w", path, pipeline.ErrNotFound)
		}
		return &pipeline.PersistenceError{Op: "read", Path: path, Err: err}
	}
	if err := json.Unmarshal(data, v); err != nil {
		return &pipeline.PersistenceError{Op: "unmarshal", Path: path, Err: err}
	}
	return nil
}

// SaveTask persists a task document. Save and update are the same full-document
// upsert; both names exist to keep call sites self-describing.
func (s *Store) SaveTask(ctx context.Context, task pipeline.CrawlTask) error {
	path, err := s.docPath(tasksDir, task.ID+".json")
	if err != nil {
		return &pipeline.PersistenceError{Op: "resolve", Path: task.ID, Err: err}
	}
	return s.writeDoc(ctx, path, task)
}

// UpdateTask overwrites the stored task document.
func (s *Store) UpdateTask(ctx context.Context, task pipeline.CrawlTask) error {
	return s.SaveTask(ctx, task)
}

// Task loads one task by id.
func (s *Store) Task(ctx context.Context, id string) (pipeline.CrawlTask, error) {
	path, err := s.docPath(tasksDir, id+".json")
	if err != nil {
		return pipeline.CrawlTask{}, &pipeline.PersistenceError{Op: "resolve", Path: id, Err: err}
	}
	var task pipeline.CrawlTask
	if err := s.readDoc(ctx, path, &task); err != nil {
		return pipeline.CrawlTask{}, err
	}
	return task, nil
}

// AllTasks loads every stored task, sorted by id.
func (s *Store) AllTasks(ctx context.Context) ([]pipeline.CrawlTask, error) {
	dir := filepath.Join(s.baseDir, tasksDir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, &pipeline.PersistenceError{Op: "list", Path: dir, Err: err}
	}
	tasks := make([]pipeline.CrawlTask, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		var task pipeline.CrawlTask
		if err := s.readDoc(ctx, filepath.Join(dir, entry.Name()), &task); err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].ID < tasks[j].ID })
	return tasks, nil
}

// TasksByStatus filters AllTasks by status.
func (s *Store) TasksByStatus(ctx context.Context, status pipeline.TaskStatus) ([]pipeline.CrawlTask, error) {
	all, err := s.AllTasks(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]pipeline.CrawlTask, 0, len(all))
	for _, task := range all {
		if task.Status == status {
			out = append(out, task)
		}
	}
	return out, nil
}

// SaveRawData persists one raw record under raw/{industry}/{source}.
func (s *Store) SaveRawData(ctx context.Context, raw pipeline.RawData) error {
	path, err := s.docPath(rawDir, raw.IndustryID, raw.SourceID, raw.ID+".json")
	if err != nil {
		return &pipeline.PersistenceError{Op: "resolve", Path: raw.ID, Err: err}
	}
	return s.writeDoc(ctx, path, raw)
}

// RawData loads one raw record by id and partition.
func (s *Store) RawData(ctx context.Context, id, industryID, sourceID string) (pipeline.RawData, error) {
	path, err := s.docPath(rawDir, industryID, sourceID, id+".json")
	if err != nil {
		return pipeline.RawData{}, &pipeline.PersistenceError{Op: "resolve", Path: id, Err: err}
	}
	var raw pipeline.RawData
	if err := s.readDoc(ctx, path, &raw); err != nil {
		return pipeline.RawData{}, err
	}
	return raw, nil
}

// ListRawData loads every raw record in one industry/source partition,
// sorted by id.
func (s *Store) ListRawData(ctx context.Context, industryID, sourceID string) ([]pipeline.RawData, error) {
	dir := filepath.Join(s.baseDir, rawDir, sanitize(industryID), sanitize(sourceID))
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, &pipeline.PersistenceError{Op: "list", Path: dir, Err: err}
	}
	records := make([]pipeline.RawData, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		var raw pipeline.RawData
		if err := s.readDoc(ctx, filepath.Join(dir, entry.Name()), &raw); err != nil {
			return nil, err
		}
		records = append(records, raw)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].ID < records[j].ID })
	return records, nil
}

// SaveNormalizedData persists one normalized record under
// normalized/{industry}/{source}.
func (s *Store) SaveNormalizedData(ctx context.Context, norm pipeline.NormalizedData) error {
	path, err := s.docPath(normalizedDir, norm.IndustryID, norm.SourceID, norm.ID+".json")
	if err != nil {
		return &pipeline.PersistenceError{Op: "resolve", Path: norm.ID, Err: err}
	}
	return s.writeDoc(ctx, path, norm)
}

// NormalizedData loads one normalized record by id and partition.
func (s *Store) NormalizedData(ctx context.Context, id, industryID, sourceID string) (pipeline.NormalizedData, error) {
	path, err := s.docPath(normalizedDir, industryID, sourceID, id+".json")
	if err != nil {
		return pipeline.NormalizedData{}, &pipeline.PersistenceError{Op: "resolve", Path: id, Err: err}
	}
	var norm pipeline.NormalizedData
	if err := s.readDoc(ctx, path, &norm); err != nil {
		return pipeline.NormalizedData{}, err
	}
	return norm, nil
}

// SaveAnalysisResult persists a result produced by the downstream analysis
// component.
func (s *Store) SaveAnalysisResult(ctx context.Context, result pipeline.AnalysisResult) error {
	path, err := s.docPath(analyzedDir, result.ID+".json")
	if err != nil {
		return &pipeline.PersistenceError{Op: "resolve", Path: result.ID, Err: err}
	}
	return s.writeDoc(ctx, path, result)
}

// AnalysisResult loads one analysis result by id.
func (s *Store) AnalysisResult(ctx context.Context, id string) (pipeline.AnalysisResult, error) {
	path, err := s.docPath(analyzedDir, id+".json")
	if err != nil {
		return pipeline.AnalysisResult{}, &pipeline.PersistenceError{Op: "resolve", Path: id, Err: err}
	}
	var result pipeline.AnalysisResult
	if err := s.readDoc(ctx, path, &result); err != nil {
		return pipeline.AnalysisResult{}, err
	}
	return result, nil
}

// CleanupOldTasks removes task documents whose last-modified time exceeds the
// retention window. Raw and normalized data are never touched.
func (s *Store) CleanupOldTasks(ctx context.Context, olderThan time.Duration) (int, error) {
	dir := filepath.Join(s.baseDir, tasksDir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, &pipeline.PersistenceError{Op: "list", Path: dir, Err: err}
	}

	cutoff := time.Now().Add(-olderThan)
	lock := s.partitionLock(dir)
	lock.Lock()
	defer lock.Unlock()

	removed := 0
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return removed, &pipeline.PersistenceError{Op: "cleanup", Path: dir, Err: err}
		}
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			return removed, &pipeline.PersistenceError{Op: "stat", Path: entry.Name(), Err: err}
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		if err := os.Remove(path); err != nil {
			return removed, &pipeline.PersistenceError{Op: "remove", Path: path, Err: err}
		}
		removed++
	}
	if removed > 0 {
		s.logger.Info("old task documents removed", zap.Int("count", removed), zap.Duration("older_than", olderThan))
	}
	return removed, nil
}
