package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicktill/tinyforecast/pkg/artifacts"
	"github.com/nicktill/tinyforecast/pkg/historysync"
	"github.com/nicktill/tinyforecast/pkg/ingest"
	"github.com/nicktill/tinyforecast/pkg/jobs"
	"github.com/nicktill/tinyforecast/pkg/lock"
	"github.com/nicktill/tinyforecast/pkg/logger"
	"github.com/nicktill/tinyforecast/pkg/metastore"
	"github.com/nicktill/tinyforecast/pkg/pipeline"
	"github.com/nicktill/tinyforecast/pkg/storage/memory"
)

var now = time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)

type fakeModels struct {
	mu    sync.Mutex
	uris  map[string]string
	errs  map[string]error
	calls int
}

func (m *fakeModels) LatestModel(_ context.Context, assetID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if err := m.errs[assetID]; err != nil {
		return "", err
	}
	if uri, ok := m.uris[assetID]; ok {
		return uri, nil
	}
	return "", artifacts.ErrNoModel
}

func (m *fakeModels) CleanupOrphans(context.Context, []pipeline.Pipeline) ([]string, error) {
	return nil, nil
}

type fakeLauncher struct {
	mu       sync.Mutex
	launched []jobs.Request
	states   map[string]jobs.State
	err      error
}

func (l *fakeLauncher) Launch(_ context.Context, req jobs.Request) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return "", l.err
	}
	l.launched = append(l.launched, req)
	return fmt.Sprintf("jobs/%s-%d", req.Kind, len(l.launched)), nil
}

// State reports unknown jobs as running.
func (l *fakeLauncher) State(_ context.Context, name string) (jobs.State, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if s, ok := l.states[name]; ok {
		return s, nil
	}
	return jobs.StateRunning, nil
}

func (l *fakeLauncher) Cancel(context.Context, string) error { return nil }

type fakeIngestor struct {
	calls []string
	err   error
	hook  func(assetID string)
}

func (f *fakeIngestor) Ingest(_ context.Context, _ *pipeline.Pipeline, a pipeline.Asset) (ingest.Result, error) {
	f.calls = append(f.calls, a.ID)
	if f.hook != nil {
		f.hook(a.ID)
	}
	if f.err != nil {
		return ingest.Result{}, f.err
	}
	return ingest.Result{Written: 1}, nil
}

type fakeSyncer struct{ watermark time.Time }

func (f *fakeSyncer) SyncAsset(context.Context, *pipeline.Pipeline, string, time.Time) (historysync.Result, error) {
	w := f.watermark
	return historysync.Result{Watermark: &w}, nil
}

type fixture struct {
	pipelines *memory.Pipelines
	history   *memory.History
	models    *fakeModels
	launcher  *fakeLauncher
	ingestor  *fakeIngestor
	deps      Deps
}

func newFixture(t *testing.T, p *pipeline.Pipeline) *fixture {
	t.Helper()
	f := &fixture{
		pipelines: memory.NewPipelines(),
		history:   memory.NewHistory(),
		models:    &fakeModels{uris: map[string]string{}, errs: map[string]error{}},
		launcher:  &fakeLauncher{states: map[string]jobs.State{}},
		ingestor:  &fakeIngestor{err: artifacts.ErrNoForecast},
	}
	require.NoError(t, f.pipelines.CreatePipeline(context.Background(), p))
	f.deps = Deps{
		Meta:     metastore.New(f.pipelines, lock.NewLocal(time.Second), metastore.Config{}, logger.Nop()),
		History:  f.history,
		Models:   f.models,
		Launcher: f.launcher,
		Ingestor: f.ingestor,
	}
	return f
}

func (f *fixture) scheduler(cfg Config) *Scheduler {
	s := New(f.deps, cfg, logger.Nop())
	s.now = func() time.Time { return now }
	return s
}

func (f *fixture) raw(t *testing.T, assetID string, at time.Time) {
	t.Helper()
	require.NoError(t, f.history.AppendHistory(context.Background(), pipeline.HistoryRow{
		AssetID:    assetID,
		ChangeDate: at,
		Data:       map[string]interface{}{"temp": 1.0},
	}))
}

func (f *fixture) asset(t *testing.T, id string) pipeline.Asset {
	t.Helper()
	p, err := f.pipelines.GetPipeline(context.Background(), "pump")
	require.NoError(t, err)
	a := p.Asset(id)
	require.NotNil(t, a)
	return *a
}

func pumpPipeline(retrain int, assets ...pipeline.Asset) *pipeline.Pipeline {
	return &pipeline.Pipeline{
		AssetTypeID:         "pump",
		AttributesToPredict: []pipeline.Feature{{Name: "temp", Type: pipeline.TypeNumber}},
		Assets:              assets,
		ForecastRefreshRate: 1,
		RetrainFrequency:    retrain,
		ForecastLength:      7,
		Timestep:            15,
	}
}

func TestRunCycle_FirstTrainingWithoutRetrain(t *testing.T) {
	f := newFixture(t, pumpPipeline(0, pipeline.Asset{
		ID:                "a1",
		NextTrainTime:     pipeline.TimePtr(now.Add(-time.Hour)),
		NextInferenceTime: pipeline.TimePtr(now.Add(-time.Hour)),
	}))
	f.raw(t, "a1", now.Add(-40*pipeline.Day))

	report, err := f.scheduler(Config{}).RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Trained)
	assert.Equal(t, 0, report.Inferred)
	assert.Equal(t, 1, report.Committed)

	require.Len(t, f.launcher.launched, 1)
	req := f.launcher.launched[0]
	assert.Equal(t, jobs.KindTrain, req.Kind)
	assert.Equal(t, "a1", req.AssetID)
	assert.Equal(t, 15, req.Timestep)

	a := f.asset(t, "a1")
	require.NotNil(t, a.LastTrainTime)
	assert.True(t, a.LastTrainTime.Equal(now))
	assert.Nil(t, a.NextTrainTime, "retraining disabled")
	assert.Equal(t, "jobs/train-1", a.TrainJob)
	assert.Empty(t, f.ingestor.calls, "a cycle that trains skips the rest of the asset")
}

func TestRunCycle_ThresholdNotMet(t *testing.T) {
	f := newFixture(t, pumpPipeline(7, pipeline.Asset{
		ID:            "a1",
		NextTrainTime: pipeline.TimePtr(now.Add(-time.Hour)),
	}))
	f.raw(t, "a1", now.Add(-10*pipeline.Day))

	report, err := f.scheduler(Config{}).RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, report.Trained)
	assert.Empty(t, f.launcher.launched)
	assert.Equal(t, []string{"a1"}, f.ingestor.calls)
	assert.Equal(t, 0, report.Committed)
}

func TestRunCycle_ModelRefreshThenInference(t *testing.T) {
	trainedAt := now.Add(-2 * time.Hour)
	f := newFixture(t, pumpPipeline(7, pipeline.Asset{
		ID:                "a1",
		LastTrainTime:     pipeline.TimePtr(trainedAt),
		NextInferenceTime: pipeline.TimePtr(now.Add(-time.Minute)),
		TrainJob:          "jobs/t",
	}))
	f.launcher.states["jobs/t"] = jobs.StateSucceeded
	uri := "gs://bucket/sys/ia-forecasting/outbox/a1/models/run_20260309220000/output_trained_model/checkpoint.pth"
	f.models.uris["a1"] = uri

	report, err := f.scheduler(Config{}).RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Inferred)

	require.Len(t, f.launcher.launched, 1)
	assert.Equal(t, jobs.KindInference, f.launcher.launched[0].Kind)
	assert.Equal(t, uri, f.launcher.launched[0].ModelURI)

	a := f.asset(t, "a1")
	assert.Equal(t, uri, a.Model)
	assert.Empty(t, a.TrainJob)
	require.NotNil(t, a.NextTrainTime)
	assert.True(t, a.NextTrainTime.Equal(trainedAt.Add(7*pipeline.Day)))
	require.NotNil(t, a.LastInferenceTime)
	assert.True(t, a.LastInferenceTime.Equal(now))
	assert.True(t, a.NextInferenceTime.Equal(now.Add(pipeline.Day)))
	assert.Equal(t, "jobs/inference-1", a.InferenceJob)
	assert.Empty(t, f.ingestor.calls, "inference job still running")
}

func TestRunCycle_RunningTrainingJobSkipsScan(t *testing.T) {
	f := newFixture(t, pumpPipeline(7, pipeline.Asset{
		ID:            "a1",
		LastTrainTime: pipeline.TimePtr(now.Add(-time.Hour)),
		TrainJob:      "jobs/t",
	}))
	f.models.uris["a1"] = "gs://bucket/model.pth"

	_, err := f.scheduler(Config{}).RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, f.models.calls)
	assert.Empty(t, f.asset(t, "a1").Model)
}

func TestRunCycle_FailedFirstTrainingIsRescheduled(t *testing.T) {
	f := newFixture(t, pumpPipeline(0, pipeline.Asset{
		ID:            "a1",
		LastTrainTime: pipeline.TimePtr(now.Add(-pipeline.Day)),
		TrainJob:      "jobs/t",
	}))
	f.launcher.states["jobs/t"] = jobs.StateFailed

	_, err := f.scheduler(Config{}).RunCycle(context.Background())
	require.NoError(t, err)

	a := f.asset(t, "a1")
	assert.Empty(t, a.TrainJob)
	assert.Nil(t, a.LastTrainTime)
	require.NotNil(t, a.NextTrainTime)
	assert.True(t, a.NextTrainTime.Equal(now.Add(6*time.Hour)))
}

func TestRunCycle_LaunchFailureSetsRetryHorizon(t *testing.T) {
	f := newFixture(t, pumpPipeline(7, pipeline.Asset{
		ID:            "a1",
		NextTrainTime: pipeline.TimePtr(now.Add(-time.Hour)),
	}))
	f.raw(t, "a1", now.Add(-40*pipeline.Day))
	f.launcher.err = fmt.Errorf("%w: quota", jobs.ErrLaunch)

	report, err := f.scheduler(Config{TrainRetryHorizon: 2 * time.Hour}).RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, report.Trained)
	assert.Equal(t, 0, report.Failed)

	a := f.asset(t, "a1")
	assert.Nil(t, a.LastTrainTime)
	require.NotNil(t, a.NextTrainTime)
	assert.True(t, a.NextTrainTime.Equal(now.Add(2*time.Hour)))
}

func TestRunCycle_SyncFreshnessGate(t *testing.T) {
	tests := []struct {
		name     string
		lastSync *time.Time
		launched int
	}{
		{"never synced", nil, 0},
		{"sync behind", pipeline.TimePtr(now.Add(-3 * time.Hour)), 0},
		{"sync fresh", pipeline.TimePtr(now.Add(-30 * time.Minute)), 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, pumpPipeline(7, pipeline.Asset{
				ID:            "a1",
				NextTrainTime: pipeline.TimePtr(now.Add(-time.Hour)),
				LastSyncTime:  tt.lastSync,
			}))
			f.raw(t, "a1", now.Add(-40*pipeline.Day))
			f.raw(t, "a1", now.Add(-10*time.Minute))

			_, err := f.scheduler(Config{SyncFreshness: time.Hour}).RunCycle(context.Background())
			require.NoError(t, err)
			assert.Len(t, f.launcher.launched, tt.launched)
		})
	}
}

func TestRunCycle_AssetFailureDoesNotStopCycle(t *testing.T) {
	due := pipeline.TimePtr(now.Add(-time.Hour))
	f := newFixture(t, pumpPipeline(7,
		pipeline.Asset{ID: "a1", NextTrainTime: due},
		pipeline.Asset{ID: "a2", NextTrainTime: due},
	))
	f.raw(t, "a1", now.Add(-40*pipeline.Day))
	f.raw(t, "a2", now.Add(-40*pipeline.Day))
	f.models.errs["a1"] = errors.New("bucket unavailable")

	report, err := f.scheduler(Config{}).RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, 1, report.Trained)
	require.Len(t, f.launcher.launched, 1)
	assert.Equal(t, "a2", f.launcher.launched[0].AssetID)
}

func TestRunCycle_IngestsAfterInferenceFinished(t *testing.T) {
	f := newFixture(t, pumpPipeline(7, pipeline.Asset{
		ID:                "a1",
		Model:             "gs://bucket/model.pth",
		NextInferenceTime: pipeline.TimePtr(now.Add(time.Hour)),
		InferenceJob:      "jobs/i",
	}))
	f.models.uris["a1"] = "gs://bucket/model.pth"
	f.launcher.states["jobs/i"] = jobs.StateSucceeded
	f.ingestor.err = nil

	report, err := f.scheduler(Config{}).RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Ingested)
	assert.Equal(t, []string{"a1"}, f.ingestor.calls)
	assert.Empty(t, f.asset(t, "a1").InferenceJob)
}

func TestRunCycle_DirectSyncAdvancesWatermark(t *testing.T) {
	f := newFixture(t, pumpPipeline(7, pipeline.Asset{ID: "a1"}))
	f.deps.Syncer = &fakeSyncer{watermark: now.Add(-5 * time.Minute)}

	_, err := f.scheduler(Config{}).RunCycle(context.Background())
	require.NoError(t, err)

	a := f.asset(t, "a1")
	require.NotNil(t, a.LastSyncTime)
	assert.True(t, a.LastSyncTime.Equal(now.Add(-5*time.Minute)))
}

func TestRunCycle_SingleFlight(t *testing.T) {
	f := newFixture(t, pumpPipeline(7, pipeline.Asset{ID: "a1"}))
	s := f.scheduler(Config{})
	s.running.Store(true)

	_, err := s.RunCycle(context.Background())
	assert.ErrorIs(t, err, ErrCycleInProgress)
}

func TestRunCycle_CommitKeepsConcurrentSettingsChange(t *testing.T) {
	trained := now.Add(-5 * pipeline.Day)
	f := newFixture(t, pumpPipeline(0,
		pipeline.Asset{
			ID:                "a1",
			Model:             "m-old",
			LastTrainTime:     pipeline.TimePtr(trained),
			NextInferenceTime: pipeline.TimePtr(now.Add(-time.Hour)),
		},
		pipeline.Asset{
			ID:            "a2",
			Model:         "m-old",
			LastTrainTime: pipeline.TimePtr(trained),
		},
	))
	f.models.uris["a1"] = "m-old"
	f.models.uris["a2"] = "m-old"

	// the predicted attributes change while the cycle is still running
	f.ingestor.hook = func(assetID string) {
		if assetID != "a2" {
			return
		}
		_, err := f.deps.Meta.Update(context.Background(), "pump", func(p *pipeline.Pipeline) error {
			for i := range p.Assets {
				p.Assets[i].Model = ""
				p.Assets[i].LastTrainTime = nil
			}
			return nil
		})
		require.NoError(t, err)
	}

	report, err := f.scheduler(Config{}).RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Inferred)
	assert.Equal(t, 1, report.Committed)

	a1 := f.asset(t, "a1")
	assert.Empty(t, a1.Model, "stale model written back")
	assert.Nil(t, a1.LastTrainTime)
	require.NotNil(t, a1.LastInferenceTime)
	assert.True(t, a1.LastInferenceTime.Equal(now))
	assert.Equal(t, "jobs/inference-1", a1.InferenceJob)

	a2 := f.asset(t, "a2")
	assert.Empty(t, a2.Model, "untouched asset reverted")
	assert.Nil(t, a2.LastTrainTime)
}

func TestRunCycle_EmptyForecastNotCounted(t *testing.T) {
	f := newFixture(t, pumpPipeline(0, pipeline.Asset{
		ID:            "a1",
		Model:         "m",
		LastTrainTime: pipeline.TimePtr(now.Add(-pipeline.Day)),
	}))
	f.models.uris["a1"] = "m"
	f.ingestor.err = fmt.Errorf("outbox/a1/forecasts/x.csv: %w", ingest.ErrEmptyForecast)

	report, err := f.scheduler(Config{}).RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, report.Ingested)
	assert.Equal(t, 0, report.Failed)
	assert.Equal(t, []string{"a1"}, f.ingestor.calls)
}
