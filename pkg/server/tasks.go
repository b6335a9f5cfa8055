package server

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/nicktill/tinyforecast/pkg/config"
	"github.com/nicktill/tinyforecast/pkg/ingest"
	"github.com/nicktill/tinyforecast/pkg/metrics"
	"github.com/nicktill/tinyforecast/pkg/migrate"
	"github.com/nicktill/tinyforecast/pkg/scheduler"
	"github.com/nicktill/tinyforecast/pkg/server/monitor"
)

// CycleEvent is broadcast on the live stream after every cycle.
type CycleEvent struct {
	Kind   string      `json:"kind"`
	Error  string      `json:"error,omitempty"`
	Report interface{} `json:"report,omitempty"`
}

// RunForecastCycle runs one scheduler cycle and records its outcome.
func (a *App) RunForecastCycle(ctx context.Context) (scheduler.Report, error) {
	report, err := a.Scheduler.RunCycle(ctx)
	a.recordCycle(metrics.CycleForecast, a.ForecastMonitor, report, report.Duration, err, scheduler.ErrCycleInProgress)
	return report, err
}

// RunMigrationCycle runs one migration cycle and records its outcome.
func (a *App) RunMigrationCycle(ctx context.Context) (migrate.Report, error) {
	if a.Migrator == nil {
		return migrate.Report{}, errMigrationDisabled
	}
	report, err := a.Migrator.RunCycle(ctx)
	a.recordCycle(metrics.CycleMigration, a.MigrationMonitor, report, report.Duration, err, migrate.ErrCycleInProgress)
	return report, err
}

func (a *App) recordCycle(kind string, mon *monitor.CycleMonitor, report interface{}, d time.Duration, err, inProgress error) {
	if errors.Is(err, inProgress) {
		mon.RecordSkipped()
		return
	}

	event := CycleEvent{Kind: kind, Report: report}
	if err != nil {
		mon.RecordFailure(err)
		event.Error = err.Error()
	} else {
		mon.RecordSuccess(d)
	}
	if a.Hub.HasClients() {
		_ = a.Hub.Publish(ingest.EventCycle, event)
	}
}

// runWithRetry runs fn and retries failures with exponential backoff.
// Overlapping triggers are not retried.
func (a *App) runWithRetry(ctx context.Context, kind string, fn func(ctx context.Context) error) {
	log := a.Log.With("cycle", kind)

	for attempt := 0; attempt <= config.CycleMaxRetries; attempt++ {
		if attempt > 0 {
			delay := config.CycleRetryBaseDelay * time.Duration(1<<(attempt-1))
			log.Info("Retrying cycle", "delay", delay, "attempt", attempt+1)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return
			}
		}

		err := fn(ctx)
		switch {
		case err == nil:
			return
		case errors.Is(err, scheduler.ErrCycleInProgress), errors.Is(err, migrate.ErrCycleInProgress):
			log.Warn("Previous cycle still running, skipping trigger")
			return
		case ctx.Err() != nil:
			return
		}
		log.Error("Cycle failed", "error", err, "attempt", attempt+1)
	}
	log.Error("Cycle failed after retries, waiting for next schedule", "attempts", config.CycleMaxRetries+1)
}

// runPeriodic calls fn once at start and then on every tick until ctx is
// done.
func runPeriodic(ctx context.Context, wg *sync.WaitGroup, interval time.Duration, fn func(ctx context.Context)) {
	defer wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	fn(ctx)
	for {
		select {
		case <-ticker.C:
			fn(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// StartTasks launches every periodic task. They stop when ctx is
// cancelled; wg tracks them.
func (a *App) StartTasks(ctx context.Context, wg *sync.WaitGroup) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		a.Hub.Run(ctx)
	}()

	wg.Add(1)
	go runPeriodic(ctx, wg, a.Config.Scheduler.Interval, func(ctx context.Context) {
		a.runWithRetry(ctx, metrics.CycleForecast, func(ctx context.Context) error {
			_, err := a.RunForecastCycle(ctx)
			return err
		})
	})
	a.Log.Info("Forecast scheduler started", "interval", a.Config.Scheduler.Interval)

	if a.Migrator != nil {
		wg.Add(1)
		go runPeriodic(ctx, wg, a.Config.Migration.Interval, func(ctx context.Context) {
			a.runWithRetry(ctx, metrics.CycleMigration, func(ctx context.Context) error {
				_, err := a.RunMigrationCycle(ctx)
				return err
			})
		})
		a.Log.Info("Migration batcher started", "interval", a.Config.Migration.Interval, "budget", a.Config.Migration.Budget)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		a.BroadcastPredictions(ctx, config.PredictionInterval)
	}()

	if a.badger != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.RunBadgerGC(ctx, config.BadgerGCInterval)
		}()
	}
}

// BroadcastPredictions periodically sends each asset's current
// predicted values to WebSocket clients.
// Uses exponential backoff on errors to prevent log spam during outages.
func (a *App) BroadcastPredictions(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var consecutiveErrors int
	var lastErrorTime time.Time
	const maxBackoff = 5 * time.Minute

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !a.Hub.HasClients() {
				continue
			}

			preds, err := a.currentPredictions(ctx, interval)
			if err != nil {
				consecutiveErrors++
				now := time.Now()

				backoff := time.Duration(1<<uint(min(consecutiveErrors-1, 8))) * time.Second
				if backoff > maxBackoff {
					backoff = maxBackoff
				}
				if lastErrorTime.IsZero() || now.Sub(lastErrorTime) >= backoff {
					a.Log.Warn("Failed to read current predictions", "error", err, "consecutive_errors", consecutiveErrors, "backoff", backoff)
					lastErrorTime = now
				}
				continue
			}

			if consecutiveErrors > 0 {
				a.Log.Info("Prediction broadcast recovered", "errors", consecutiveErrors)
				consecutiveErrors = 0
			}
			if len(preds) == 0 {
				continue
			}
			if err := a.Hub.Publish(ingest.EventPredictions, preds); err != nil {
				a.Log.Warn("Failed to broadcast predictions", "error", err)
			}
		}
	}
}

func (a *App) currentPredictions(ctx context.Context, window time.Duration) ([]ingest.Prediction, error) {
	pipelines, err := a.Meta.List(ctx)
	if err != nil {
		return nil, err
	}
	return ingest.CurrentPredictions(ctx, a.History, ingest.AssetIDs(pipelines), time.Now(), window)
}

// RunBadgerGC runs BadgerDB value log garbage collection periodically.
// Forecast ingestion deletes and rewrites synthetic rows on every run, so
// the value log accumulates garbage steadily.
func (a *App) RunBadgerGC(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	a.Log.Info("BadgerDB GC scheduler started", "interval", interval)
	for {
		select {
		case <-ticker.C:
			start := time.Now()
			// an error means nothing was rewritten
			if err := a.badger.RunGC(0.5); err != nil {
				a.Log.Debug("BadgerDB GC found nothing to reclaim", "duration", time.Since(start).Round(time.Millisecond))
			} else {
				a.Log.Info("BadgerDB GC reclaimed space", "duration", time.Since(start).Round(time.Millisecond))
			}
		case <-ctx.Done():
			return
		}
	}
}
