package pipeline

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func intPtr(v int) *int { return &v }

func TestTimestepFor(t *testing.T) {
	tests := []struct {
		days, want int
	}{
		{7, 15},
		{1, 2},
		{14, 30},
		{21, 45},
	}
	for _, tt := range tests {
		if got := TimestepFor(tt.days); got != tt.want {
			t.Errorf("TimestepFor(%d) = %d, want %d", tt.days, got, tt.want)
		}
	}
}

func TestNew_Defaults(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	p, err := New("pump", Settings{
		AttributesToPredict: []Feature{{Name: "temp", Type: TypeNumber}},
		AssetIDs:            []string{"a1", "a2"},
	}, now)
	require.NoError(t, err)

	assert.Equal(t, DefaultForecastRefreshRate, p.ForecastRefreshRate)
	assert.Equal(t, DefaultRetrainFrequency, p.RetrainFrequency)
	assert.Equal(t, DefaultForecastLength, p.ForecastLength)
	assert.Equal(t, 15, p.Timestep)
	require.Len(t, p.Assets, 2)

	a := p.Assets[0]
	assert.Empty(t, a.Model)
	assert.Nil(t, a.LastTrainTime)
	assert.Nil(t, a.LastInferenceTime)
	assert.Nil(t, a.LastSyncTime)
	require.NotNil(t, a.NextTrainTime)
	assert.True(t, a.NextTrainTime.Equal(now))
	require.NotNil(t, a.NextInferenceTime)
	assert.True(t, a.NextInferenceTime.Equal(now))
}

func TestNew_FutureStartTrainsADayAhead(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	start := now.Add(5 * Day)

	p, err := New("pump", Settings{
		AttributesToPredict: []Feature{{Name: "temp"}},
		AssetIDs:            []string{"a1"},
		ForecastStartDate:   &start,
	}, now)
	require.NoError(t, err)

	a := p.Assets[0]
	assert.True(t, a.NextInferenceTime.Equal(start))
	assert.True(t, a.NextTrainTime.Equal(start.Add(-Day)))
}

func TestNew_NearStartTrainsNow(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	start := now.Add(6 * time.Hour)

	p, err := New("pump", Settings{
		AttributesToPredict: []Feature{{Name: "temp"}},
		AssetIDs:            []string{"a1"},
		ForecastStartDate:   &start,
	}, now)
	require.NoError(t, err)

	assert.True(t, p.Assets[0].NextTrainTime.Equal(now))
}

func TestNew_Validation(t *testing.T) {
	now := time.Now()

	_, err := New("pump", Settings{}, now)
	assert.True(t, errors.Is(err, ErrInvalidSettings))

	_, err = New("pump", Settings{AttributesToPredict: []Feature{{Name: "predicted_temp"}}}, now)
	assert.True(t, errors.Is(err, ErrInvalidSettings))

	_, err = New("", Settings{AttributesToPredict: []Feature{{Name: "temp"}}}, now)
	assert.True(t, errors.Is(err, ErrInvalidSettings))
}

func TestApply_PreservesAssetHistory(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	p, err := New("pump", Settings{
		AttributesToPredict: []Feature{{Name: "temp"}},
		AssetIDs:            []string{"a1"},
		RetrainFrequency:    intPtr(2),
	}, t0)
	require.NoError(t, err)

	a := &p.Assets[0]
	a.Model = "gs://m"
	a.LastTrainTime = TimePtr(t0.Add(time.Hour))
	a.LastInferenceTime = TimePtr(t0.Add(2 * time.Hour))
	a.LastSyncTime = TimePtr(t0.Add(3 * time.Hour))

	now := t0.Add(Day)
	added, removed, err := p.Apply(Settings{
		ForecastRefreshRate: 3,
		AssetIDs:            []string{"a1", "a2"},
	}, now)
	require.NoError(t, err)
	assert.Empty(t, added)
	assert.Empty(t, removed)

	require.Len(t, p.Assets, 2)
	kept := p.Assets[0]
	assert.Equal(t, "gs://m", kept.Model)
	assert.True(t, kept.LastSyncTime.Equal(t0.Add(3*time.Hour)))
	assert.True(t, kept.NextInferenceTime.Equal(t0.Add(2*time.Hour+3*Day)))
	assert.True(t, kept.NextTrainTime.Equal(t0.Add(time.Hour+2*Day)))

	fresh := p.Assets[1]
	assert.Equal(t, "a2", fresh.ID)
	assert.True(t, fresh.NextTrainTime.Equal(now))
	assert.Nil(t, fresh.NextInferenceTime)
}

func TestApply_PredictChangeResetsModels(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	p, err := New("pump", Settings{
		AttributesToPredict: []Feature{{Name: "temp"}},
		AssetIDs:            []string{"a1"},
	}, t0)
	require.NoError(t, err)
	p.Assets[0].Model = "gs://m"
	p.Assets[0].LastTrainTime = TimePtr(t0)

	now := t0.Add(Day)
	added, removed, err := p.Apply(Settings{
		AttributesToPredict: []Feature{{Name: "flow"}},
	}, now)
	require.NoError(t, err)

	assert.Len(t, added, 3)
	assert.Len(t, removed, 3)
	a := p.Assets[0]
	assert.Empty(t, a.Model)
	assert.Nil(t, a.LastTrainTime)
	assert.True(t, a.NextTrainTime.Equal(now))
	assert.True(t, a.NextInferenceTime.Equal(now))
}

func TestApply_RetrainZero(t *testing.T) {
	p, err := New("pump", Settings{
		AttributesToPredict: []Feature{{Name: "temp"}},
		RetrainFrequency:    intPtr(5),
	}, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 5, p.RetrainFrequency)

	_, _, err = p.Apply(Settings{RetrainFrequency: intPtr(0)}, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 0, p.RetrainFrequency)
}

func TestApply_RetrainZeroKeepsTrainedAssetUnscheduled(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	p, err := New("pump", Settings{
		AttributesToPredict: []Feature{{Name: "temp"}},
		AssetIDs:            []string{"a1", "a2"},
	}, t0)
	require.NoError(t, err)
	p.Assets[0].Model = "gs://m"
	p.Assets[0].LastTrainTime = TimePtr(t0)
	p.Assets[0].NextTrainTime = nil

	start := t0.Add(10 * Day)
	_, _, err = p.Apply(Settings{
		AssetIDs:          []string{"a1", "a2"},
		ForecastStartDate: &start,
	}, t0.Add(Day))
	require.NoError(t, err)

	assert.Nil(t, p.Assets[0].NextTrainTime, "trained asset must not be rescheduled")
	require.NotNil(t, p.Assets[1].NextTrainTime, "untrained asset still gets its first run")
	assert.True(t, p.Assets[1].NextTrainTime.Equal(start.Add(-2*time.Hour)))
}
