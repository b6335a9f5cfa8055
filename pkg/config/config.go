package config

import "time"

// Server defaults
const (
	DefaultPort        = "8080"
	DefaultMaxMemoryMB = 48
	DefaultMode        = "dev"
	DefaultLogLevel    = "info"
)

// Periodic triggers
const (
	ForecastInterval   = 1 * time.Hour
	MigrationInterval  = 5 * time.Minute
	PredictionInterval = 1 * time.Minute
	BadgerGCInterval   = 10 * time.Minute

	// Failed cycles are retried with exponential backoff: 30s, 60s, 120s
	CycleMaxRetries     = 3
	CycleRetryBaseDelay = 30 * time.Second
)

// ArtifactsDir sits under the system key in the bucket and holds every
// asset's outbox.
const ArtifactsDir = "ia-forecasting"

// Migration Batcher budgets and limits
const (
	MigrationBudget                 = 15 * time.Minute
	MigrationPageSize               = 1000
	MigrationPageDelay              = 50 * time.Millisecond
	MigrationMaxConsecutiveFailures = 5
	MigrationTopic                  = "asset-history/raw"
	BusStreamMaxLen                 = 1_000_000
)

// Scheduler gating
const (
	DefaultSyncFreshness = 1 * time.Hour
	TrainRetryHorizon    = 6 * time.Hour
)

// Forecast ingestion
const (
	IngestBatchSize   = 50
	IngestOverlapSkew = 1 * time.Minute
)

// Analytical store loading
const (
	AnalyticsTargetBatchKB = 500
	AnalyticsMaxRetries    = 3
	AnalyticsRetryDelay    = 1 * time.Second
)

// Pipeline Metadata Store
const (
	PipelineLockName    = "forecast_ml_pipelines_update"
	LockTTL             = 30 * time.Second
	LockWait            = 10 * time.Second
	CommitMaxRetries    = 3
	MetadataReadTimeout = 10 * time.Second
)

// HTTP handlers
const (
	RequestTimeout        = 10 * time.Second
	ForecastDefaultWindow = 24 * time.Hour
	ForecastMaxWindow     = 90 * 24 * time.Hour
	ForecastMaxRows       = 10000
)

// WebSocket configuration
const (
	WSReadBufferSize  = 1024
	WSWriteBufferSize = 1024
	WSBroadcastBuffer = 256
	WSChannelBuffer   = 10
	WSWriteDeadline   = 10 * time.Second
	WSReadDeadline    = 60 * time.Second
	WSPingInterval    = 30 * time.Second
)
