// Package analytics bulk-loads resampled history into the analytical
// store used as training data by the remote ML service.
package analytics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/nicktill/tinyforecast/pkg/logger"
	"github.com/nicktill/tinyforecast/pkg/metrics"
)

// ErrFirstBatch is returned when the first batch of a load fails. That
// points at credentials or the table itself, so it is not retried.
var ErrFirstBatch = errors.New("first batch rejected")

// Row is one record of the training table.
type Row struct {
	DateTime    time.Time              `json:"date_time"`
	AssetTypeID string                 `json:"asset_type_id"`
	AssetID     string                 `json:"asset_id"`
	Data        map[string]interface{} `json:"data"`
}

// Inserter writes one batch of rows.
type Inserter interface {
	InsertRows(ctx context.Context, rows []Row) error
}

// LoaderConfig tunes batching and retries
type LoaderConfig struct {
	TargetBatchKB int
	MaxRetries    int
	RetryDelay    time.Duration
}

// Loader splits rows into size-bounded batches and inserts them in order.
type Loader struct {
	inserter Inserter
	cfg      LoaderConfig
	log      *logger.Logger
	metrics  *metrics.Metrics

	// sleep is replaced in tests
	sleep func(ctx context.Context, d time.Duration) error
}

// NewLoader creates a loader
func NewLoader(inserter Inserter, cfg LoaderConfig, log *logger.Logger, m *metrics.Metrics) *Loader {
	if cfg.TargetBatchKB <= 0 {
		cfg.TargetBatchKB = 500
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	return &Loader{
		inserter: inserter,
		cfg:      cfg,
		log:      log.With("component", "analytics"),
		metrics:  m,
		sleep:    sleepCtx,
	}
}

// RowsPerBatch derives the batch length from the serialized size of a
// sample row, rounded up to the next 0.1 KB.
func RowsPerBatch(sample Row, targetKB int) int {
	data, err := json.Marshal(map[string]interface{}{"json": sample})
	if err != nil || len(data) == 0 {
		return 1
	}
	kb := math.Ceil(float64(len(data))/100) / 10
	n := int(math.Floor(float64(targetKB) / kb))
	if n < 1 {
		return 1
	}
	return n
}

// Load inserts rows batch by batch and returns how many were stored.
// A later batch that keeps failing stops the load.
func (l *Loader) Load(ctx context.Context, rows []Row) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}

	size := RowsPerBatch(rows[0], l.cfg.TargetBatchKB)
	batches := (len(rows) + size - 1) / size
	l.log.Debug("loading rows", "rows", len(rows), "batch_size", size, "batches", batches)

	loaded := 0
	for i := 0; i < batches; i++ {
		start := i * size
		end := start + size
		if end > len(rows) {
			end = len(rows)
		}
		batch := rows[start:end]

		var err error
		if i == 0 {
			err = l.inserter.InsertRows(ctx, batch)
			if err != nil {
				err = fmt.Errorf("%w: %v", ErrFirstBatch, err)
			}
		} else {
			err = l.insertWithRetry(ctx, batch, i)
		}
		l.metrics.BatchLoaded(len(batch), err)
		if err != nil {
			return loaded, fmt.Errorf("batch %d/%d: %w", i+1, batches, err)
		}
		loaded += len(batch)
	}
	return loaded, nil
}

// insertWithRetry retries with exponential backoff
func (l *Loader) insertWithRetry(ctx context.Context, batch []Row, index int) error {
	var lastErr error
	for attempt := 1; attempt <= l.cfg.MaxRetries; attempt++ {
		if attempt > 1 {
			delay := l.cfg.RetryDelay * time.Duration(1<<(attempt-2))
			l.log.Warn("retrying batch", "batch", index+1, "attempt", attempt, "delay", delay, "error", lastErr)
			if err := l.sleep(ctx, delay); err != nil {
				return err
			}
		}
		lastErr = l.inserter.InsertRows(ctx, batch)
		if lastErr == nil {
			return nil
		}
	}
	return fmt.Errorf("failed after %d attempts: %w", l.cfg.MaxRetries, lastErr)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
