// Package migrate streams raw asset history onto the message bus in
// bounded cycles. Each cycle runs under a wall-clock budget and resumes
// from the per-asset watermark left by the previous one.
package migrate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"

	"github.com/nicktill/tinyforecast/pkg/bus"
	"github.com/nicktill/tinyforecast/pkg/config"
	"github.com/nicktill/tinyforecast/pkg/logger"
	"github.com/nicktill/tinyforecast/pkg/metastore"
	"github.com/nicktill/tinyforecast/pkg/metrics"
	"github.com/nicktill/tinyforecast/pkg/pipeline"
	"github.com/nicktill/tinyforecast/pkg/storage"
)

// ErrCycleInProgress is returned when a cycle is triggered while the
// previous one is still running.
var ErrCycleInProgress = errors.New("migration cycle already running")

// Config bounds one migration cycle.
type Config struct {
	Topic                  string
	Budget                 time.Duration
	PageSize               int
	PageDelay              time.Duration
	MaxConsecutiveFailures int
}

// DefaultConfig returns the production limits
func DefaultConfig() Config {
	return Config{
		Topic:                  config.MigrationTopic,
		Budget:                 config.MigrationBudget,
		PageSize:               config.MigrationPageSize,
		PageDelay:              config.MigrationPageDelay,
		MaxConsecutiveFailures: config.MigrationMaxConsecutiveFailures,
	}
}

// Report summarizes one cycle.
type Report struct {
	CycleID   string        `json:"cycle_id"`
	Assets    int           `json:"assets"`
	Processed int           `json:"processed"`
	Deferred  int           `json:"deferred"`
	Failed    int           `json:"failed"`
	Pages     int           `json:"pages"`
	Published int           `json:"published"`
	Committed int           `json:"committed"`
	Duration  time.Duration `json:"duration"`
}

// Migrator is the Migration Batcher.
type Migrator struct {
	history   storage.HistoryStore
	meta      *metastore.Store
	publisher bus.Publisher
	cfg       Config
	log       *logger.Logger
	metrics   *metrics.Metrics

	running atomic.Bool

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a migrator
func New(history storage.HistoryStore, meta *metastore.Store, publisher bus.Publisher, cfg Config, log *logger.Logger, m *metrics.Metrics) *Migrator {
	def := DefaultConfig()
	if cfg.Topic == "" {
		cfg.Topic = def.Topic
	}
	if cfg.Budget <= 0 {
		cfg.Budget = def.Budget
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = def.PageSize
	}
	if cfg.MaxConsecutiveFailures <= 0 {
		cfg.MaxConsecutiveFailures = def.MaxConsecutiveFailures
	}
	return &Migrator{
		history:   history,
		meta:      meta,
		publisher: publisher,
		cfg:       cfg,
		log:       log.With("component", "migrator"),
		metrics:   m,
		now:       time.Now,
		sleep:     sleepCtx,
	}
}

// Running reports whether a cycle is in progress
func (m *Migrator) Running() bool {
	return m.running.Load()
}

type target struct {
	pipeline *pipeline.Pipeline
	asset    pipeline.Asset
}

// tracker holds the watermarks reached during one cycle. It is only
// written to the metadata store once, at the end of the cycle.
type tracker map[string]time.Time

// RunCycle migrates as many assets as fit in the budget and commits the
// watermarks reached. Overlapping calls return ErrCycleInProgress.
func (m *Migrator) RunCycle(ctx context.Context) (Report, error) {
	if !m.running.CompareAndSwap(false, true) {
		m.metrics.CycleSkipped(metrics.CycleMigration)
		return Report{}, ErrCycleInProgress
	}
	defer m.running.Store(false)

	start := m.now()
	report := Report{CycleID: uuid.NewString()}
	log := m.log.With("cycle_id", report.CycleID)

	marks := make(tracker)
	err := m.migrate(ctx, log, start, marks, &report)

	// progress made before a failure is still committed
	committed, commitErr := m.meta.CommitWatermarks(context.WithoutCancel(ctx), marks)
	report.Committed = committed
	if commitErr != nil {
		err = multierror.Append(err, fmt.Errorf("failed to commit watermarks: %w", commitErr)).ErrorOrNil()
	}

	report.Duration = m.now().Sub(start)
	m.metrics.CycleFinished(metrics.CycleMigration, report.Duration, err)
	m.metrics.AssetsDeferred(report.Deferred)

	if err != nil {
		log.Error("Migration cycle failed", "error", err, "processed", report.Processed)
		return report, err
	}
	log.Info("Migration cycle complete",
		"assets", report.Assets,
		"processed", report.Processed,
		"deferred", report.Deferred,
		"failed", report.Failed,
		"published", report.Published,
		"committed", report.Committed,
		"duration", report.Duration)
	return report, nil
}

func (m *Migrator) migrate(ctx context.Context, log *logger.Logger, start time.Time, marks tracker, report *Report) error {
	pipelines, err := m.meta.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to read pipelines: %w", err)
	}

	targets := orderTargets(pipelines)
	report.Assets = len(targets)

	for i, t := range targets {
		if m.now().Sub(start) >= m.cfg.Budget {
			report.Deferred = len(targets) - i
			log.Info("Migration budget spent, resuming next cycle", "deferred", report.Deferred)
			break
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		if err := m.migrateAsset(ctx, t, start, marks, report); err != nil {
			report.Failed++
			log.Error("Asset migration failed",
				"asset_type_id", t.pipeline.AssetTypeID,
				"asset_id", t.asset.ID,
				"error", err)
			continue
		}
		report.Processed++
	}
	return nil
}

// orderTargets lists every asset, most recently synced first and
// never-synced assets last, so a large backlog cannot starve assets
// whose history is already flowing. This is deliberately not stalest
// first: it keeps the ordering the migrator has always used
// (last_bq_sync_time descending, nulls last).
func orderTargets(pipelines []pipeline.Pipeline) []target {
	var targets []target
	for i := range pipelines {
		for _, a := range pipelines[i].Assets {
			targets = append(targets, target{pipeline: &pipelines[i], asset: a})
		}
	}
	sort.SliceStable(targets, func(i, j int) bool {
		a, b := targets[i].asset.LastSyncTime, targets[j].asset.LastSyncTime
		switch {
		case a == nil:
			return false
		case b == nil:
			return true
		default:
			return a.After(*b)
		}
	})
	return targets
}

func (m *Migrator) migrateAsset(ctx context.Context, t target, start time.Time, marks tracker, report *Report) error {
	now := m.now()
	if t.asset.LastSyncTime != nil && !t.asset.LastSyncTime.Before(now) {
		return nil
	}

	relevant := t.pipeline.RelevantAttributes()
	guard := bus.Guard{Max: m.cfg.MaxConsecutiveFailures}

	q := storage.HistoryQuery{
		AssetID:   t.asset.ID,
		After:     t.asset.LastSyncTime,
		Before:    &now,
		Synthetic: storage.ExcludeSynthetic,
		Order:     storage.Ascending,
		Limit:     m.cfg.PageSize,
	}

	pages := 0
	exhausted := false
	for {
		if m.now().Sub(start) >= m.cfg.Budget {
			break
		}

		page, err := m.history.QueryHistory(ctx, q)
		if err != nil {
			return fmt.Errorf("failed to read history page %d: %w", pages+1, err)
		}
		if len(page) == 0 {
			exhausted = true
			break
		}
		pages++
		report.Pages++

		for _, row := range page {
			if !pipeline.TrainingRow(row, relevant) {
				continue
			}
			err := m.publish(ctx, t.pipeline.AssetTypeID, row, relevant)
			m.metrics.Published(err)
			if err == nil {
				report.Published++
			}
			if abort := guard.Record(err); abort != nil {
				return abort
			}
		}

		marks.advance(t.asset.ID, page[len(page)-1].ChangeDate)
		q.Offset += len(page)

		if len(page) < m.cfg.PageSize {
			exhausted = true
			break
		}
		if err := m.sleep(ctx, m.cfg.PageDelay); err != nil {
			return err
		}
	}

	// Mass catch-up: seed the watermark from the newest record so the
	// next cycle does not page through the backlog again.
	if exhausted && pages > 1 {
		latest, err := m.history.QueryHistory(ctx, storage.HistoryQuery{
			AssetID: t.asset.ID,
			Order:   storage.Descending,
			Limit:   1,
		})
		if err != nil {
			return fmt.Errorf("failed to read latest history: %w", err)
		}
		if len(latest) > 0 {
			mark := latest[0].ChangeDate
			if mark.After(now) {
				mark = now
			}
			marks.advance(t.asset.ID, mark)
		}
	}
	return nil
}

func (m *Migrator) publish(ctx context.Context, assetTypeID string, row pipeline.HistoryRow, relevant map[string]struct{}) error {
	payload, err := json.Marshal(pipeline.FilterRelevant(row.Data, relevant))
	if err != nil {
		return fmt.Errorf("failed to encode row: %w", err)
	}
	return m.publisher.Publish(ctx, bus.Message{
		Topic:   m.cfg.Topic,
		Payload: payload,
		Properties: map[string]string{
			"asset_type_id": assetTypeID,
			"asset_id":      row.AssetID,
			"change_date":   row.ChangeDate.UTC().Format(time.RFC3339Nano),
		},
	})
}

func (t tracker) advance(assetID string, ts time.Time) {
	if cur, ok := t[assetID]; !ok || ts.After(cur) {
		t[assetID] = ts
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
