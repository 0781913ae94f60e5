// Package metrics exposes Prometheus counters for the ingestion pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TasksCompleted tracks tasks that reached the completed state.
	TasksCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ingest_tasks_completed_total",
		Help: "The total number of crawl tasks completed successfully.",
	})
	// TasksFailed tracks tasks that exhausted their attempts.
	TasksFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ingest_tasks_failed_total",
		Help: "The total number of crawl tasks that failed terminally.",
	})
	// TaskRetries tracks attempts that were requeued for retry.
	TaskRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ingest_task_retries_total",
		Help: "The total number of crawl task retry attempts.",
	})
	// RawRecords tracks raw records persisted across all connectors.
	RawRecords = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ingest_raw_records_total",
		Help: "The total number of raw records collected and persisted.",
	})
	// FetchErrors tracks connector fetch failures, retryable or not.
	FetchErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ingest_fetch_errors_total",
		Help: "The total number of connector fetch errors.",
	})
)
