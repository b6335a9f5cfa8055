// Package historysync pushes an asset's raw history into the analytical
// store as a fixed-timestep series and tracks the per-asset watermark.
package historysync

import (
	"context"
	"fmt"
	"time"

	"github.com/nicktill/tinyforecast/pkg/analytics"
	"github.com/nicktill/tinyforecast/pkg/config"
	"github.com/nicktill/tinyforecast/pkg/logger"
	"github.com/nicktill/tinyforecast/pkg/metastore"
	"github.com/nicktill/tinyforecast/pkg/pipeline"
	"github.com/nicktill/tinyforecast/pkg/resample"
	"github.com/nicktill/tinyforecast/pkg/storage"
)

// Loader is the analytical store bulk loader.
type Loader interface {
	Load(ctx context.Context, rows []analytics.Row) (int, error)
}

// Result summarizes one asset sync.
type Result struct {
	Fetched   int `json:"fetched"`
	Relevant  int `json:"relevant"`
	Resampled int `json:"resampled"`
	Loaded    int `json:"loaded"`

	// Watermark is the change_date of the newest raw row consumed, nil
	// when nothing new was found.
	Watermark *time.Time `json:"watermark,omitempty"`
}

// Syncer runs the History Sync Pipeline.
type Syncer struct {
	history  storage.HistoryStore
	loader   Loader
	meta     *metastore.Store
	pageSize int
	log      *logger.Logger
	now      func() time.Time
}

// New creates a syncer. meta may be nil when callers persist the
// returned watermark themselves.
func New(history storage.HistoryStore, loader Loader, meta *metastore.Store, pageSize int, log *logger.Logger) *Syncer {
	if pageSize <= 0 {
		pageSize = config.MigrationPageSize
	}
	return &Syncer{
		history:  history,
		loader:   loader,
		meta:     meta,
		pageSize: pageSize,
		log:      log.With("component", "historysync"),
		now:      time.Now,
	}
}

// SyncAsset loads the asset's raw history newer than its watermark and
// older than now. It does not persist the watermark.
func (s *Syncer) SyncAsset(ctx context.Context, p *pipeline.Pipeline, assetID string, now time.Time) (Result, error) {
	var res Result

	asset := p.Asset(assetID)
	if asset == nil {
		return res, fmt.Errorf("asset %s not in pipeline %s: %w", assetID, p.AssetTypeID, storage.ErrNotFound)
	}

	relevant := p.RelevantAttributes()
	var raw []pipeline.HistoryRow

	q := storage.HistoryQuery{
		AssetID:   assetID,
		After:     asset.LastSyncTime,
		Before:    &now,
		Synthetic: storage.ExcludeSynthetic,
		Order:     storage.Ascending,
		Limit:     s.pageSize,
	}
	for {
		page, err := s.history.QueryHistory(ctx, q)
		if err != nil {
			return res, fmt.Errorf("failed to read history page at %d: %w", q.Offset, err)
		}
		res.Fetched += len(page)
		for _, row := range page {
			if res.Watermark == nil || row.ChangeDate.After(*res.Watermark) {
				t := row.ChangeDate
				res.Watermark = &t
			}
			if pipeline.TrainingRow(row, relevant) {
				row.Data = pipeline.FilterRelevant(row.Data, relevant)
				raw = append(raw, row)
			}
		}
		if len(page) < s.pageSize {
			break
		}
		q.Offset += len(page)
	}
	res.Relevant = len(raw)

	if len(raw) == 0 {
		return res, nil
	}

	series := resample.Resample(raw, p.Timestep, resample.MethodsFor(p))
	res.Resampled = len(series)

	rows := make([]analytics.Row, 0, len(series))
	for _, r := range series {
		rows = append(rows, analytics.Row{
			DateTime:    r.ChangeDate,
			AssetTypeID: p.AssetTypeID,
			AssetID:     assetID,
			Data:        r.Data,
		})
	}

	loaded, err := s.loader.Load(ctx, rows)
	res.Loaded = loaded
	if err != nil {
		// nothing advances unless the whole series landed
		res.Watermark = nil
		return res, fmt.Errorf("failed to load history for %s: %w", assetID, err)
	}

	s.log.Info("Synced asset history",
		"asset_type_id", p.AssetTypeID, "asset_id", assetID,
		"fetched", res.Fetched, "loaded", res.Loaded)
	return res, nil
}

// Run syncs one asset and commits its new watermark under the metadata lock.
func (s *Syncer) Run(ctx context.Context, assetTypeID, assetID string) (Result, error) {
	if s.meta == nil {
		return Result{}, fmt.Errorf("history sync has no metadata store")
	}
	p, err := s.meta.Get(ctx, assetTypeID)
	if err != nil {
		return Result{}, err
	}

	res, err := s.SyncAsset(ctx, p, assetID, s.now())
	if err != nil || res.Watermark == nil {
		return res, err
	}

	if _, err := s.meta.CommitWatermarks(ctx, map[string]time.Time{assetID: *res.Watermark}); err != nil {
		return res, fmt.Errorf("failed to commit watermark: %w", err)
	}
	return res, nil
}
