package migrate

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicktill/tinyforecast/pkg/bus"
	"github.com/nicktill/tinyforecast/pkg/lock"
	"github.com/nicktill/tinyforecast/pkg/logger"
	"github.com/nicktill/tinyforecast/pkg/metastore"
	"github.com/nicktill/tinyforecast/pkg/pipeline"
	"github.com/nicktill/tinyforecast/pkg/storage/memory"
)

var base = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

type recordingPublisher struct {
	mu       sync.Mutex
	messages []bus.Message
	fail     map[string]bool // asset ids whose publishes fail
	block    chan struct{}
	started  chan struct{}
}

func (p *recordingPublisher) Publish(_ context.Context, msg bus.Message) error {
	if p.block != nil {
		close(p.started)
		<-p.block
		p.block = nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail[msg.Properties["asset_id"]] {
		return errors.New("broker unavailable")
	}
	p.messages = append(p.messages, msg)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) forAsset(id string) []bus.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []bus.Message
	for _, m := range p.messages {
		if m.Properties["asset_id"] == id {
			out = append(out, m)
		}
	}
	return out
}

type fixture struct {
	history   *memory.History
	pipelines *memory.Pipelines
	publisher *recordingPublisher
	migrator  *Migrator
}

func newFixture(t *testing.T, cfg Config, assets ...pipeline.Asset) *fixture {
	t.Helper()
	ctx := context.Background()

	f := &fixture{
		history:   memory.NewHistory(),
		pipelines: memory.NewPipelines(),
		publisher: &recordingPublisher{fail: map[string]bool{}},
	}
	require.NoError(t, f.pipelines.CreatePipeline(ctx, &pipeline.Pipeline{
		AssetTypeID:         "pump",
		AttributesToPredict: []pipeline.Feature{{Name: "temp", Type: pipeline.TypeNumber}},
		Timestep:            15,
		Assets:              assets,
	}))

	meta := metastore.New(f.pipelines, lock.NewLocal(time.Second), metastore.Config{}, logger.Nop())
	f.migrator = New(f.history, meta, f.publisher, cfg, logger.Nop(), nil)
	f.migrator.now = func() time.Time { return base.Add(24 * time.Hour) }
	f.migrator.sleep = func(context.Context, time.Duration) error { return nil }
	return f
}

func (f *fixture) add(t *testing.T, assetID string, at time.Duration, data map[string]interface{}) {
	t.Helper()
	require.NoError(t, f.history.AppendHistory(context.Background(), pipeline.HistoryRow{
		AssetID: assetID, ChangeDate: base.Add(at), Data: data,
	}))
}

func (f *fixture) watermark(t *testing.T, assetID string) *time.Time {
	t.Helper()
	p, err := f.pipelines.GetPipeline(context.Background(), "pump")
	require.NoError(t, err)
	return p.Asset(assetID).LastSyncTime
}

func TestRunCycle_PublishesFilteredRows(t *testing.T) {
	f := newFixture(t, Config{PageSize: 10}, pipeline.Asset{ID: "a1"})
	f.add(t, "a1", time.Minute, map[string]interface{}{"temp": 1.0, "color": "red"})
	f.add(t, "a1", 2*time.Minute, map[string]interface{}{"color": "blue"})
	f.add(t, "a1", 3*time.Minute, map[string]interface{}{"temp": 1.0, "predicted_temp": 2.0})
	f.add(t, "a1", 4*time.Minute, map[string]interface{}{"temp": 3.0})

	report, err := f.migrator.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Processed)
	assert.Equal(t, 2, report.Published)
	assert.Equal(t, 1, report.Committed)
	assert.NotEmpty(t, report.CycleID)

	msgs := f.publisher.forAsset("a1")
	require.Len(t, msgs, 2)
	assert.Equal(t, "asset-history/raw", msgs[0].Topic)
	assert.Equal(t, "pump", msgs[0].Properties["asset_type_id"])
	assert.Equal(t, "2026-03-01T00:01:00Z", msgs[0].Properties["change_date"])

	var payload map[string]interface{}
	require.NoError(t, json.Unmarshal(msgs[0].Payload, &payload))
	assert.Equal(t, map[string]interface{}{"temp": 1.0}, payload)

	mark := f.watermark(t, "a1")
	require.NotNil(t, mark)
	assert.True(t, mark.Equal(base.Add(4*time.Minute)), "watermark = %v", mark)

	// a second cycle finds nothing new
	report, err = f.migrator.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, report.Published)
	assert.Equal(t, 0, report.Committed)
}

func TestOrderTargets_RecentFirstNeverSyncedLast(t *testing.T) {
	older := base
	newer := base.Add(time.Hour)
	targets := orderTargets([]pipeline.Pipeline{{
		AssetTypeID: "pump",
		Assets: []pipeline.Asset{
			{ID: "never"},
			{ID: "older", LastSyncTime: &older},
			{ID: "newer", LastSyncTime: &newer},
		},
	}})

	var ids []string
	for _, t := range targets {
		ids = append(ids, t.asset.ID)
	}
	assert.Equal(t, []string{"newer", "older", "never"}, ids)
}

func TestRunCycle_BudgetDefersRemainingAssets(t *testing.T) {
	synced := base
	f := newFixture(t, Config{PageSize: 10, Budget: 15 * time.Minute},
		pipeline.Asset{ID: "a1", LastSyncTime: &synced},
		pipeline.Asset{ID: "a2"},
	)
	f.add(t, "a1", time.Minute, map[string]interface{}{"temp": 1.0})
	f.add(t, "a2", time.Minute, map[string]interface{}{"temp": 1.0})

	// every clock read advances four minutes
	clock := base.Add(24 * time.Hour)
	f.migrator.now = func() time.Time {
		clock = clock.Add(4 * time.Minute)
		return clock
	}

	report, err := f.migrator.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Processed)
	assert.Equal(t, 1, report.Deferred)

	assert.NotNil(t, f.watermark(t, "a1"))
	assert.Nil(t, f.watermark(t, "a2"), "deferred asset must keep its watermark")
}

func TestRunCycle_ConsecutiveFailuresAbortAsset(t *testing.T) {
	f := newFixture(t, Config{PageSize: 10, MaxConsecutiveFailures: 5},
		pipeline.Asset{ID: "bad"},
		pipeline.Asset{ID: "good"},
	)
	for i := 0; i < 6; i++ {
		f.add(t, "bad", time.Duration(i)*time.Minute, map[string]interface{}{"temp": float64(i)})
	}
	f.add(t, "good", time.Minute, map[string]interface{}{"temp": 1.0})
	f.publisher.fail["bad"] = true

	report, err := f.migrator.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, 1, report.Processed)

	assert.Nil(t, f.watermark(t, "bad"), "aborted page must not advance")
	assert.NotNil(t, f.watermark(t, "good"))
}

func TestRunCycle_MassCatchUpSeedsFromLatest(t *testing.T) {
	f := newFixture(t, Config{PageSize: 2}, pipeline.Asset{ID: "a1"})
	for i := 0; i < 5; i++ {
		f.add(t, "a1", time.Duration(i)*time.Minute, map[string]interface{}{"temp": float64(i)})
	}
	// a forecast written past "now"
	f.add(t, "a1", 48*time.Hour, map[string]interface{}{"predicted_temp": 1.0})

	report, err := f.migrator.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, report.Pages)
	assert.Equal(t, 5, report.Published)

	mark := f.watermark(t, "a1")
	require.NotNil(t, mark)
	assert.True(t, mark.Equal(base.Add(24*time.Hour)), "watermark clamped to now, got %v", mark)
}

func TestRunCycle_SingleFlight(t *testing.T) {
	f := newFixture(t, Config{PageSize: 10}, pipeline.Asset{ID: "a1"})
	f.add(t, "a1", time.Minute, map[string]interface{}{"temp": 1.0})
	f.publisher.block = make(chan struct{})
	f.publisher.started = make(chan struct{})

	done := make(chan error, 1)
	go func() {
		_, err := f.migrator.RunCycle(context.Background())
		done <- err
	}()

	<-f.publisher.started
	assert.True(t, f.migrator.Running())

	_, err := f.migrator.RunCycle(context.Background())
	assert.True(t, errors.Is(err, ErrCycleInProgress))

	close(f.publisher.block)
	require.NoError(t, <-done)
	assert.False(t, f.migrator.Running())
}
