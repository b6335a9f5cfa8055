// Package ingest folds forecast files produced by the inference service
// back into asset history as synthetic predicted_* rows, and serves the
// current predicted values to live subscribers.
package ingest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nicktill/tinyforecast/pkg/artifacts"
	"github.com/nicktill/tinyforecast/pkg/config"
	"github.com/nicktill/tinyforecast/pkg/forecast"
	"github.com/nicktill/tinyforecast/pkg/logger"
	"github.com/nicktill/tinyforecast/pkg/metrics"
	"github.com/nicktill/tinyforecast/pkg/pipeline"
	"github.com/nicktill/tinyforecast/pkg/storage"
)

// ErrNothingWritten is returned when every insert of a forecast failed.
// The file is left unprocessed so the next cycle retries it.
var ErrNothingWritten = errors.New("no forecast rows written")

// ErrEmptyForecast is returned for a forecast with no usable rows or no
// column matching a predicted attribute. The file is left in place and
// not read again by the same Ingestor.
var ErrEmptyForecast = errors.New("forecast has no usable rows")

// Source finds and marks forecast files.
type Source interface {
	LatestForecast(ctx context.Context, assetID string) (artifacts.Forecast, error)
	ReadForecast(ctx context.Context, fc artifacts.Forecast) ([]byte, error)
	MarkProcessed(ctx context.Context, fc artifacts.Forecast) error
}

// Result describes one ingested forecast.
type Result struct {
	Forecast string `json:"forecast"`
	Parsed   int    `json:"parsed"`
	Skipped  int    `json:"skipped"`
	Rows     int    `json:"rows"`
	Replaced int    `json:"replaced"`
	Written  int    `json:"written"`
	Failed   int    `json:"failed"`
}

// Ingestor writes forecasts into asset history.
type Ingestor struct {
	history   storage.HistoryStore
	source    Source
	batchSize int
	skew      time.Duration
	log       *logger.Logger
	metrics   *metrics.Metrics

	mu    sync.Mutex
	empty map[string]struct{}
}

// NewIngestor creates an ingestor
func NewIngestor(history storage.HistoryStore, source Source, log *logger.Logger, m *metrics.Metrics) *Ingestor {
	return &Ingestor{
		history:   history,
		source:    source,
		batchSize: config.IngestBatchSize,
		skew:      config.IngestOverlapSkew,
		log:       log.With("component", "ingest"),
		metrics:   m,
		empty:     make(map[string]struct{}),
	}
}

// Ingest picks the newest unprocessed forecast of the asset and writes it
// as per-minute synthetic history. It returns artifacts.ErrNoForecast
// when there is nothing to do.
func (in *Ingestor) Ingest(ctx context.Context, p *pipeline.Pipeline, asset pipeline.Asset) (Result, error) {
	var res Result

	fc, err := in.source.LatestForecast(ctx, asset.ID)
	if err != nil {
		return res, err
	}
	res.Forecast = fc.Path
	if in.knownEmpty(fc.Path) {
		return res, fmt.Errorf("%s: %w", fc.Path, ErrEmptyForecast)
	}

	raw, err := in.source.ReadForecast(ctx, fc)
	if err != nil {
		return res, fmt.Errorf("failed to read %s: %w", fc.Path, err)
	}

	points, stats, err := forecast.Parse(bytes.NewReader(raw))
	if err != nil {
		return res, fmt.Errorf("failed to parse %s: %w", fc.Path, err)
	}
	res.Parsed, res.Skipped = stats.Rows, stats.Skipped
	if len(points) == 0 {
		in.log.Warn("Forecast has no usable rows", "asset_id", asset.ID, "forecast", fc.Path)
		return res, in.markEmpty(fc.Path)
	}

	if asset.LastInferenceTime != nil {
		points = forecast.Align(points, *asset.LastInferenceTime)
	}
	points = forecast.RestoreBooleans(points, p)
	points = forecast.Interpolate(points)

	rows := forecast.ToHistory(points, p, asset.ID)
	res.Rows = len(rows)
	if len(rows) == 0 {
		in.log.Warn("Forecast matches no predicted attribute", "asset_id", asset.ID, "forecast", fc.Path)
		return res, in.markEmpty(fc.Path)
	}

	// Replace the curve written by an earlier forecast for the same window.
	from := rows[0].ChangeDate.Add(-in.skew)
	res.Replaced, err = in.history.DeleteHistory(ctx, storage.HistoryQuery{
		AssetID:   asset.ID,
		AtOrAfter: &from,
		Synthetic: storage.OnlySynthetic,
	})
	if err != nil {
		return res, fmt.Errorf("failed to remove stale forecast: %w", err)
	}

	res.Written, res.Failed = in.insert(ctx, asset.ID, rows)
	in.metrics.ForecastIngested(res.Written, res.Failed)
	if res.Written == 0 {
		return res, fmt.Errorf("%s: %w", fc.Path, ErrNothingWritten)
	}

	if err := in.source.MarkProcessed(ctx, fc); err != nil {
		return res, err
	}

	in.log.Info("Ingested forecast",
		"asset_type_id", p.AssetTypeID,
		"asset_id", asset.ID,
		"forecast", fc.Path,
		"written", res.Written,
		"failed", res.Failed,
		"replaced", res.Replaced)
	return res, nil
}

func (in *Ingestor) knownEmpty(path string) bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	_, ok := in.empty[path]
	return ok
}

func (in *Ingestor) markEmpty(path string) error {
	in.mu.Lock()
	in.empty[path] = struct{}{}
	in.mu.Unlock()
	return fmt.Errorf("%s: %w", path, ErrEmptyForecast)
}

// insert writes rows in fixed-size batches, the rows of one batch
// concurrently. Individual failures are counted, not fatal.
func (in *Ingestor) insert(ctx context.Context, assetID string, rows []pipeline.HistoryRow) (written, failed int) {
	var ok, bad atomic.Int64
	for start := 0; start < len(rows); start += in.batchSize {
		end := start + in.batchSize
		if end > len(rows) {
			end = len(rows)
		}

		var g errgroup.Group
		for _, row := range rows[start:end] {
			row := row
			g.Go(func() error {
				if err := in.history.AppendHistory(ctx, row); err != nil {
					bad.Add(1)
					in.log.Warn("Failed to insert forecast row",
						"asset_id", assetID, "change_date", row.ChangeDate, "error", err)
					return nil
				}
				ok.Add(1)
				return nil
			})
		}
		_ = g.Wait()
	}
	return int(ok.Load()), int(bad.Load())
}
