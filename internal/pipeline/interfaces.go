package pipeline

import (
	"context"
	"time"
)

// Connector is a pluggable fetch strategy for one or more source types.
// Implementations own their pooled resources (HTTP clients, API sessions) and
// release them in Close.
type Connector interface {
	CanHandle(t SourceType) bool
	Fetch(ctx context.Context, url string, source DataSource) ([]RawData, error)
	Close() error
}

// ConnectorProvider resolves the connector for a source type. Returns
// ErrConnectorUnsupported when none is registered.
type ConnectorProvider interface {
	Connector(t SourceType) (Connector, error)
}

// SeedCatalog answers queries against the loaded seed configuration.
type SeedCatalog interface {
	Industry(id string) (Industry, error)
	AllIndustries() []Industry
	EnabledIndustries() []Industry
	Source(id string) (DataSource, error)
	SourcesByIndustry(industryID string) []DataSource
	SeedsByIndustry(industryID string) []SeedURL
	AllSeeds() []SeedURL
	AddSeed(seed SeedURL) error
}

// StateStore is the durable store for tasks, raw data, normalized data, and
// externally produced analysis results. Each save is a full-document upsert.
type StateStore interface {
	SaveTask(ctx context.Context, task CrawlTask) error
	UpdateTask(ctx context.Context, task CrawlTask) error
	Task(ctx context.Context, id string) (CrawlTask, error)
	AllTasks(ctx context.Context) ([]CrawlTask, error)
	TasksByStatus(ctx context.Context, status TaskStatus) ([]CrawlTask, error)

	SaveRawData(ctx context.Context, raw RawData) error
	RawData(ctx context.Context, id, industryID, sourceID string) (RawData, error)
	ListRawData(ctx context.Context, industryID, sourceID string) ([]RawData, error)

	SaveNormalizedData(ctx context.Context, norm NormalizedData) error
	NormalizedData(ctx context.Context, id, industryID, sourceID string) (NormalizedData, error)

	SaveAnalysisResult(ctx context.Context, result AnalysisResult) error
	AnalysisResult(ctx context.Context, id string) (AnalysisResult, error)

	CleanupOldTasks(ctx context.Context, olderThan time.Duration) (int, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces entity IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
