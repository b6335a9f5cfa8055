// Package scheduler runs the forecast cycle: for every asset of every
// pipeline it refreshes the model reference, decides whether training or
// inference is due, launches the remote jobs and ingests new forecasts.
// Asset changes are written back in one locked commit per cycle.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/nicktill/tinyforecast/pkg/artifacts"
	"github.com/nicktill/tinyforecast/pkg/config"
	"github.com/nicktill/tinyforecast/pkg/historysync"
	"github.com/nicktill/tinyforecast/pkg/ingest"
	"github.com/nicktill/tinyforecast/pkg/jobs"
	"github.com/nicktill/tinyforecast/pkg/logger"
	"github.com/nicktill/tinyforecast/pkg/metastore"
	"github.com/nicktill/tinyforecast/pkg/metrics"
	"github.com/nicktill/tinyforecast/pkg/pipeline"
	"github.com/nicktill/tinyforecast/pkg/storage"
)

// ErrCycleInProgress is returned when a cycle is triggered while the
// previous one is still running.
var ErrCycleInProgress = errors.New("forecast cycle already running")

// Models locates trained checkpoints and prunes artifacts.
type Models interface {
	LatestModel(ctx context.Context, assetID string) (string, error)
	CleanupOrphans(ctx context.Context, pipelines []pipeline.Pipeline) ([]string, error)
}

// Ingestor folds forecast files into history.
type Ingestor interface {
	Ingest(ctx context.Context, p *pipeline.Pipeline, asset pipeline.Asset) (ingest.Result, error)
}

// Syncer pushes history to the analytical store.
type Syncer interface {
	SyncAsset(ctx context.Context, p *pipeline.Pipeline, assetID string, now time.Time) (historysync.Result, error)
}

// Config tunes scheduling decisions.
type Config struct {
	// SyncFreshness is how far the newest raw record may run ahead of the
	// sync watermark before jobs are held back. 0 disables the check.
	SyncFreshness time.Duration

	// TrainRetryHorizon delays the next attempt after a failed launch.
	TrainRetryHorizon time.Duration
}

// Deps are the collaborators of a Scheduler. Syncer is optional; when
// set, each asset's history is synced before its decisions are made.
type Deps struct {
	Meta     *metastore.Store
	History  storage.HistoryStore
	Models   Models
	Launcher jobs.Launcher
	Ingestor Ingestor
	Syncer   Syncer
	Metrics  *metrics.Metrics
}

// Report summarizes one cycle.
type Report struct {
	CycleID   string        `json:"cycle_id"`
	Pipelines int           `json:"pipelines"`
	Assets    int           `json:"assets"`
	Trained   int           `json:"trained"`
	Inferred  int           `json:"inferred"`
	Ingested  int           `json:"ingested"`
	Failed    int           `json:"failed"`
	Committed int           `json:"committed"`
	Duration  time.Duration `json:"duration"`
}

// Scheduler is the Forecast Scheduler.
type Scheduler struct {
	Deps
	cfg Config
	log *logger.Logger

	running atomic.Bool
	now     func() time.Time
}

// New creates a scheduler
func New(deps Deps, cfg Config, log *logger.Logger) *Scheduler {
	if cfg.TrainRetryHorizon <= 0 {
		cfg.TrainRetryHorizon = config.TrainRetryHorizon
	}
	if deps.Launcher == nil {
		deps.Launcher = jobs.Disabled{}
	}
	return &Scheduler{
		Deps: deps,
		cfg:  cfg,
		log:  log.With("component", "scheduler"),
		now:  time.Now,
	}
}

// Running reports whether a cycle is in progress
func (s *Scheduler) Running() bool {
	return s.running.Load()
}

// RunCycle walks every asset once. Per-asset failures are logged and
// counted; only reading or committing pipeline metadata fails the cycle.
func (s *Scheduler) RunCycle(ctx context.Context) (Report, error) {
	if !s.running.CompareAndSwap(false, true) {
		s.Metrics.CycleSkipped(metrics.CycleForecast)
		return Report{}, ErrCycleInProgress
	}
	defer s.running.Store(false)

	start := s.now()
	report := Report{CycleID: uuid.NewString()}
	log := s.log.With("cycle_id", report.CycleID)

	err := s.run(ctx, log, start, &report)

	report.Duration = s.now().Sub(start)
	s.Metrics.CycleFinished(metrics.CycleForecast, report.Duration, err)
	if err != nil {
		log.Error("Forecast cycle failed", "error", err)
		return report, err
	}
	log.Info("Forecast cycle complete",
		"assets", report.Assets,
		"trained", report.Trained,
		"inferred", report.Inferred,
		"ingested", report.Ingested,
		"failed", report.Failed,
		"committed", report.Committed,
		"duration", report.Duration)
	return report, nil
}

func (s *Scheduler) run(ctx context.Context, log *logger.Logger, now time.Time, report *Report) error {
	pipelines, err := s.Meta.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to read pipelines: %w", err)
	}
	report.Pipelines = len(pipelines)

	if _, err := s.Models.CleanupOrphans(ctx, pipelines); err != nil {
		log.Warn("Artifact cleanup failed", "error", err)
	}

	changed := make(map[string][]pipeline.AssetDelta)
	for i := range pipelines {
		p := &pipelines[i]
		for j := range p.Assets {
			if err := ctx.Err(); err != nil {
				return err
			}
			report.Assets++
			a := &p.Assets[j]
			before := a.Clone()
			assetLog := log.With("asset_type_id", p.AssetTypeID, "asset_id", a.ID)

			if err := s.processAsset(ctx, assetLog, p, a, now, report); err != nil {
				report.Failed++
				assetLog.Error("Asset processing failed", "error", err)
			}
			if d := pipeline.Diff(before, *a); !d.Empty() {
				changed[p.AssetTypeID] = append(changed[p.AssetTypeID], d)
			}
		}
	}

	if len(changed) == 0 {
		return nil
	}
	report.Committed, err = s.Meta.CommitAssets(ctx, changed)
	if err != nil {
		return fmt.Errorf("failed to commit asset state: %w", err)
	}
	return nil
}

// processAsset runs the per-asset steps in order, updating a in place.
// The caller diffs a against its earlier state to find what to commit.
func (s *Scheduler) processAsset(ctx context.Context, log *logger.Logger, p *pipeline.Pipeline, a *pipeline.Asset, now time.Time, report *Report) error {
	if s.Syncer != nil {
		res, err := s.Syncer.SyncAsset(ctx, p, a.ID, now)
		if err != nil {
			log.Warn("History sync failed", "error", err)
		} else if res.Watermark != nil {
			a.AdvanceSync(*res.Watermark)
		}
	}

	// 1. model refresh
	if err := s.refreshModel(ctx, log, p, a, now); err != nil {
		return err
	}

	fresh, err := s.syncFresh(ctx, a, now)
	if err != nil {
		return err
	}

	// 2. training
	due, err := s.trainingDue(ctx, p, a, now)
	if err != nil {
		return err
	}
	if due {
		if !fresh {
			log.Info("Training due but history sync is behind, waiting")
		} else if s.train(ctx, log, p, a, now) {
			report.Trained++
			return nil
		}
	}

	// 3. inference
	if a.ShouldRunInference(now) {
		switch {
		case !fresh:
			log.Info("Inference due but history sync is behind, waiting")
		case s.jobActive(ctx, log, a.InferenceJob):
			log.Debug("Inference job still running", "job", a.InferenceJob)
		default:
			if s.infer(ctx, log, p, a, now) {
				report.Inferred++
			}
		}
	}

	// 4. ingestion
	ingested, err := s.ingest(ctx, log, p, a)
	if ingested {
		report.Ingested++
	}
	return err
}

// refreshModel picks up a newer checkpoint. With a recorded training job
// its status decides whether to look; without one the bucket is scanned.
func (s *Scheduler) refreshModel(ctx context.Context, log *logger.Logger, p *pipeline.Pipeline, a *pipeline.Asset, now time.Time) error {
	if a.TrainJob != "" {
		state, err := s.Launcher.State(ctx, a.TrainJob)
		switch {
		case err != nil:
			log.Warn("Training job status unavailable, scanning bucket", "job", a.TrainJob, "error", err)
		case !state.Done():
			return nil
		case state == jobs.StateSucceeded:
			a.TrainJob = ""
		default:
			log.Warn("Training job did not succeed", "job", a.TrainJob, "state", state)
			a.TrainJob = ""
			if a.Model == "" {
				// let a first training that never produced a model run again
				a.LastTrainTime = nil
				a.NextTrainTime = pipeline.TimePtr(now.Add(s.cfg.TrainRetryHorizon))
			}
			return nil
		}
	}

	uri, err := s.Models.LatestModel(ctx, a.ID)
	if errors.Is(err, artifacts.ErrNoModel) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("model lookup: %w", err)
	}
	if uri == a.Model {
		return nil
	}

	a.Model = uri
	base := now
	if a.LastTrainTime != nil {
		base = *a.LastTrainTime
	}
	a.NextTrainTime = p.NextTrainAfter(base)
	log.Info("Picked up new model", "model", uri, "next_train_time", a.NextTrainTime)
	return nil
}

func (s *Scheduler) syncFresh(ctx context.Context, a *pipeline.Asset, now time.Time) (bool, error) {
	if s.cfg.SyncFreshness <= 0 {
		return true, nil
	}
	latest, err := storage.Latest(ctx, s.History, a.ID, now)
	if err != nil {
		return false, fmt.Errorf("latest history: %w", err)
	}
	return a.SyncFresh(latest, s.cfg.SyncFreshness), nil
}

func (s *Scheduler) trainingDue(ctx context.Context, p *pipeline.Pipeline, a *pipeline.Asset, now time.Time) (bool, error) {
	if a.TrainJob != "" || !a.ShouldRunTraining(now) || !p.RetrainAllowed(a) {
		return false, nil
	}
	oldest, err := storage.Oldest(ctx, s.History, a.ID)
	if err != nil {
		return false, fmt.Errorf("oldest history: %w", err)
	}
	return pipeline.ThresholdMet(oldest, p.Timestep, now), nil
}

// train launches a training job. A failed launch pushes the next attempt
// out by the retry horizon.
func (s *Scheduler) train(ctx context.Context, log *logger.Logger, p *pipeline.Pipeline, a *pipeline.Asset, now time.Time) bool {
	name, err := s.Launcher.Launch(ctx, jobs.Request{
		Kind:        jobs.KindTrain,
		AssetTypeID: p.AssetTypeID,
		AssetID:     a.ID,
		Timestep:    p.Timestep,
		Now:         now,
	})
	s.Metrics.JobLaunched(string(jobs.KindTrain), err)
	if err != nil {
		a.NextTrainTime = pipeline.TimePtr(now.Add(s.cfg.TrainRetryHorizon))
		if errors.Is(err, jobs.ErrDisabled) {
			log.Debug("Training due but job launching is disabled", "next_train_time", a.NextTrainTime)
			return false
		}
		log.Error("Training launch failed", "error", err, "next_train_time", a.NextTrainTime)
		return false
	}

	a.LastTrainTime = pipeline.TimePtr(now)
	a.NextTrainTime = p.NextTrainAfter(now)
	a.TrainJob = name
	log.Info("Started training", "job", name, "next_train_time", a.NextTrainTime)
	return true
}

func (s *Scheduler) infer(ctx context.Context, log *logger.Logger, p *pipeline.Pipeline, a *pipeline.Asset, now time.Time) bool {
	name, err := s.Launcher.Launch(ctx, jobs.Request{
		Kind:        jobs.KindInference,
		AssetTypeID: p.AssetTypeID,
		AssetID:     a.ID,
		Timestep:    p.Timestep,
		ModelURI:    a.Model,
		Now:         now,
	})
	s.Metrics.JobLaunched(string(jobs.KindInference), err)
	if err != nil {
		if !errors.Is(err, jobs.ErrDisabled) {
			log.Error("Inference launch failed", "error", err)
		}
		return false
	}

	a.LastInferenceTime = pipeline.TimePtr(now)
	a.NextInferenceTime = p.NextInferenceAfter(now)
	a.InferenceJob = name
	log.Info("Started inference", "job", name, "next_inference_time", a.NextInferenceTime)
	return true
}

// jobActive reports whether a recorded job is known to still run. An
// unknown status counts as not running.
func (s *Scheduler) jobActive(ctx context.Context, log *logger.Logger, name string) bool {
	if name == "" {
		return false
	}
	state, err := s.Launcher.State(ctx, name)
	if err != nil {
		log.Warn("Job status unavailable", "job", name, "error", err)
		return false
	}
	return !state.Done()
}

// ingest writes the newest forecast unless the inference job producing
// it is still running. It reports whether a forecast was ingested.
func (s *Scheduler) ingest(ctx context.Context, log *logger.Logger, p *pipeline.Pipeline, a *pipeline.Asset) (bool, error) {
	if a.InferenceJob != "" {
		if s.jobActive(ctx, log, a.InferenceJob) {
			return false, nil
		}
		a.InferenceJob = ""
	}

	if _, err := s.Ingestor.Ingest(ctx, p, *a); err != nil {
		switch {
		case errors.Is(err, artifacts.ErrNoForecast):
			return false, nil
		case errors.Is(err, ingest.ErrEmptyForecast):
			log.Debug("Skipping empty forecast", "error", err)
			return false, nil
		}
		return false, fmt.Errorf("forecast ingestion: %w", err)
	}
	return true, nil
}
