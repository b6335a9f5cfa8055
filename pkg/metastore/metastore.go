// Package metastore serializes every write to the shared pipeline
// metadata behind one named lock. Writers re-read fresh state under the
// lock, merge only their own per-asset changes and write back with the
// pipeline's version token.
package metastore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/nicktill/tinyforecast/pkg/config"
	"github.com/nicktill/tinyforecast/pkg/lock"
	"github.com/nicktill/tinyforecast/pkg/logger"
	"github.com/nicktill/tinyforecast/pkg/pipeline"
	"github.com/nicktill/tinyforecast/pkg/storage"
)

// Mutator applies a change to a freshly read pipeline and reports whether
// anything changed. It may be called more than once per pipeline when a
// write conflicts, so it must be idempotent.
type Mutator func(p *pipeline.Pipeline) bool

// Config controls locking and conflict retries.
type Config struct {
	LockName   string
	MaxRetries int
}

// Store is the Pipeline Metadata Store.
type Store struct {
	pipelines storage.PipelineStore
	locker    lock.Locker
	cfg       Config
	log       *logger.Logger
}

// New wraps a pipeline store with locked writes
func New(pipelines storage.PipelineStore, locker lock.Locker, cfg Config, log *logger.Logger) *Store {
	if cfg.LockName == "" {
		cfg.LockName = config.PipelineLockName
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = config.CommitMaxRetries
	}
	return &Store{
		pipelines: pipelines,
		locker:    locker,
		cfg:       cfg,
		log:       log.With("component", "metastore"),
	}
}

// List reads all pipelines without locking
func (s *Store) List(ctx context.Context) ([]pipeline.Pipeline, error) {
	return s.pipelines.ListPipelines(ctx)
}

// Get reads one pipeline without locking
func (s *Store) Get(ctx context.Context, assetTypeID string) (*pipeline.Pipeline, error) {
	return s.pipelines.GetPipeline(ctx, assetTypeID)
}

// Create stores a new pipeline under the lock
func (s *Store) Create(ctx context.Context, p *pipeline.Pipeline) error {
	return lock.WithLock(ctx, s.locker, s.cfg.LockName, func(ctx context.Context) error {
		return s.pipelines.CreatePipeline(ctx, p)
	})
}

// Delete removes a pipeline under the lock
func (s *Store) Delete(ctx context.Context, assetTypeID string) error {
	return lock.WithLock(ctx, s.locker, s.cfg.LockName, func(ctx context.Context) error {
		return s.pipelines.DeletePipeline(ctx, assetTypeID)
	})
}

// Update applies fn to one pipeline under the lock and returns the
// stored result. fn errors abort the update.
func (s *Store) Update(ctx context.Context, assetTypeID string, fn func(p *pipeline.Pipeline) error) (*pipeline.Pipeline, error) {
	var out *pipeline.Pipeline
	err := lock.WithLock(ctx, s.locker, s.cfg.LockName, func(ctx context.Context) error {
		p, err := s.pipelines.GetPipeline(ctx, assetTypeID)
		if err != nil {
			return err
		}
		var fnErr error
		_, err = s.write(ctx, p, func(p *pipeline.Pipeline) bool {
			fnErr = fn(p)
			return fnErr == nil
		})
		if fnErr != nil {
			return fnErr
		}
		if err != nil {
			return err
		}
		out = p
		return nil
	})
	return out, err
}

// Commit applies mutate to every pipeline under the lock and writes back
// those that changed. It returns the number of pipelines written.
// Failures on individual pipelines are collected; the rest still commit.
func (s *Store) Commit(ctx context.Context, mutate Mutator) (int, error) {
	written := 0
	err := lock.WithLock(ctx, s.locker, s.cfg.LockName, func(ctx context.Context) error {
		fresh, err := s.pipelines.ListPipelines(ctx)
		if err != nil {
			return fmt.Errorf("failed to read pipelines: %w", err)
		}

		var errs *multierror.Error
		for i := range fresh {
			ok, err := s.write(ctx, &fresh[i], mutate)
			if err != nil {
				errs = multierror.Append(errs, fmt.Errorf("pipeline %s: %w", fresh[i].AssetTypeID, err))
				continue
			}
			if ok {
				written++
			}
		}
		return errs.ErrorOrNil()
	})
	return written, err
}

// write applies mutate and updates p, re-reading and re-applying on
// version conflicts.
func (s *Store) write(ctx context.Context, p *pipeline.Pipeline, mutate Mutator) (bool, error) {
	for attempt := 0; ; attempt++ {
		if !mutate(p) {
			return false, nil
		}
		err := s.pipelines.UpdatePipeline(ctx, p)
		if err == nil {
			return true, nil
		}
		if !errors.Is(err, storage.ErrConflict) || attempt >= s.cfg.MaxRetries {
			return false, err
		}

		s.log.Warn("Pipeline changed underneath commit, retrying",
			"asset_type_id", p.AssetTypeID, "attempt", attempt+1)
		fresh, err := s.pipelines.GetPipeline(ctx, p.AssetTypeID)
		if errors.Is(err, storage.ErrNotFound) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		*p = *fresh
	}
}

// CommitAssets applies per-asset deltas, keyed by asset type id, onto
// fresh state. Only the fields recorded in each delta are written.
func (s *Store) CommitAssets(ctx context.Context, deltas map[string][]pipeline.AssetDelta) (int, error) {
	byType := make(map[string]map[string]pipeline.AssetDelta, len(deltas))
	for typeID, ds := range deltas {
		assets := make(map[string]pipeline.AssetDelta, len(ds))
		for _, d := range ds {
			if !d.Empty() {
				assets[d.AssetID] = d
			}
		}
		if len(assets) > 0 {
			byType[typeID] = assets
		}
	}
	if len(byType) == 0 {
		return 0, nil
	}

	return s.Commit(ctx, func(p *pipeline.Pipeline) bool {
		assets, ok := byType[p.AssetTypeID]
		if !ok {
			return false
		}
		dirty := false
		for i := range p.Assets {
			if d, ok := assets[p.Assets[i].ID]; ok && p.Assets[i].ApplyDelta(d) {
				dirty = true
			}
		}
		return dirty
	})
}

// CommitWatermarks advances last_bq_sync_time of the tracked assets.
// Watermarks never move backwards.
func (s *Store) CommitWatermarks(ctx context.Context, marks map[string]time.Time) (int, error) {
	if len(marks) == 0 {
		return 0, nil
	}
	return s.Commit(ctx, func(p *pipeline.Pipeline) bool {
		dirty := false
		for i := range p.Assets {
			if t, ok := marks[p.Assets[i].ID]; ok && p.Assets[i].AdvanceSync(t) {
				dirty = true
			}
		}
		return dirty
	})
}
