// Package pipeline defines core types shared across the ingestion subsystems.
package pipeline

import (
	"net/http"
	"time"
)

// SourceType selects which Connector handles a data source.
type SourceType string

// Known source types. Connectors for these are registered at startup.
const (
	SourceTypeWeb    SourceType = "web"
	SourceTypeGitHub SourceType = "github"
)

// TaskStatus represents the lifecycle state of a crawl task.
type TaskStatus string

// Task status values persisted in the state store.
const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
	TaskStatusRetrying   TaskStatus = "retrying"
	TaskStatusPaused     TaskStatus = "paused"
	TaskStatusCancelled  TaskStatus = "cancelled"
)

// Terminal reports whether a task in this status will never run again.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	default:
		return false
	}
}

// Industry is a static industry definition loaded once at startup.
type Industry struct {
	ID          string   `json:"id" yaml:"id"`
	Name        string   `json:"name" yaml:"name"`
	Type        string   `json:"type" yaml:"type"`
	Description string   `json:"description" yaml:"description"`
	Keywords    []string `json:"keywords" yaml:"keywords"`
	Priority    int      `json:"priority" yaml:"priority"`
	Enabled     bool     `json:"enabled" yaml:"enabled"`
}

// DataSource describes one place data is collected from. The Type field
// determines which Connector handles it.
type DataSource struct {
	ID             string         `json:"id" yaml:"id"`
	Name           string         `json:"name" yaml:"name"`
	Type           SourceType     `json:"type" yaml:"type"`
	BaseURL        string         `json:"base_url" yaml:"base_url"`
	IndustryID     string         `json:"industry_id" yaml:"industry_id"`
	Enabled        bool           `json:"enabled" yaml:"enabled"`
	RateLimit      float64        `json:"rate_limit" yaml:"rate_limit"`
	AuthRequired   bool           `json:"authentication_required" yaml:"authentication_required"`
	CredentialsKey string         `json:"credentials_key" yaml:"credentials_key"`
	Metadata       map[string]any `json:"metadata" yaml:"metadata"`
}

// SeedURL is a queued URL awaiting a fetch, tagged with its industry and source.
type SeedURL struct {
	URL        string         `json:"url" yaml:"url"`
	SourceID   string         `json:"source_id" yaml:"source_id"`
	IndustryID string         `json:"industry_id" yaml:"industry_id"`
	Priority   int            `json:"priority" yaml:"priority"`
	Depth      int            `json:"depth" yaml:"depth"`
	Metadata   map[string]any `json:"metadata" yaml:"metadata"`
}

// CrawlTask tracks one seed through the fetch pipeline. Created once per seed
// per ingestion run and mutated in place by the engine until a terminal state.
type CrawlTask struct {
	ID          string     `json:"id"`
	URL         string     `json:"url"`
	SourceID    string     `json:"source_id"`
	IndustryID  string     `json:"industry_id"`
	Status      TaskStatus `json:"status"`
	Attempts    int        `json:"attempts"`
	MaxAttempts int        `json:"max_attempts"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	LastError   string     `json:"last_error,omitempty"`
	ResultCount int        `json:"result_count"`
}

// RawData is an unprocessed payload captured by a single successful connector
// fetch. Immutable once written.
type RawData struct {
	ID          string         `json:"id"`
	TaskID      string         `json:"task_id"`
	SourceID    string         `json:"source_id"`
	IndustryID  string         `json:"industry_id"`
	URL         string         `json:"url"`
	ContentType string         `json:"content_type"`
	RawContent  string         `json:"raw_content"`
	Headers     http.Header    `json:"headers,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CollectedAt time.Time      `json:"collected_at"`
}

// NormalizedData is a structured, quality-scored record derived from exactly
// one RawData.
type NormalizedData struct {
	ID             string         `json:"id"`
	RawDataID      string         `json:"raw_data_id"`
	SourceID       string         `json:"source_id"`
	IndustryID     string         `json:"industry_id"`
	Title          string         `json:"title,omitempty"`
	Description    string         `json:"description,omitempty"`
	Content        string         `json:"content"`
	Entities       []string       `json:"entities"`
	Keywords       []string       `json:"keywords"`
	StructuredData map[string]any `json:"structured_data"`
	QualityScore   float64        `json:"quality_score"`
}

// AnalysisResult is produced by a downstream analysis component and persisted
// through the same state store. The pipeline never writes one itself.
type AnalysisResult struct {
	ID               string    `json:"id"`
	NormalizedDataID string    `json:"normalized_data_id"`
	Summary          string    `json:"summary"`
	Insights         []string  `json:"insights,omitempty"`
	Model            string    `json:"model,omitempty"`
	AnalyzedAt       time.Time `json:"analyzed_at"`
}

// IndustryStats aggregates per-industry outcomes of one ingestion run.
type IndustryStats struct {
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Retried    int `json:"retried"`
	RawRecords int `json:"raw_records"`
}

// IngestionStats summarizes one ingestion run. It is always returned, even
// when individual tasks fail.
type IngestionStats struct {
	TotalTasks int                       `json:"total_tasks"`
	Completed  int                       `json:"completed"`
	Failed     int                       `json:"failed"`
	Retried    int                       `json:"retried"`
	RawRecords int                       `json:"raw_records"`
	Industries map[string]*IndustryStats `json:"industries"`
	StartedAt  time.Time                 `json:"started_at"`
	FinishedAt time.Time                 `json:"finished_at"`
}
