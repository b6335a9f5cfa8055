package forecast

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicktill/tinyforecast/pkg/pipeline"
)

var t0 = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

func TestParse(t *testing.T) {
	csv := strings.Join([]string{
		"date,temp,temp_upper,temp_lower",
		"2026-03-01 00:15:00,2,3,1",
		"2026-03-01 00:00:00,1,2,0",
		"2026-03-01 00:30:00,3,4",   // column count mismatch
		"2026-03-01 00:45:00,x,4,2", // non-numeric
		"not-a-date,1,1,1",          // bad timestamp
		"2026-03-01T01:00:00Z,5,6,4",
	}, "\n")

	points, stats, err := Parse(strings.NewReader(csv))
	require.NoError(t, err)

	require.Len(t, points, 3)
	assert.Equal(t, 6, stats.Rows)
	assert.Equal(t, 3, stats.Skipped)
	assert.True(t, points[0].Time.Equal(t0))
	assert.True(t, points[2].Time.Equal(t0.Add(time.Hour)))
	assert.Equal(t, map[string]float64{"temp": 1, "temp_upper": 2, "temp_lower": 0}, points[0].Values)
}

func TestParse_Empty(t *testing.T) {
	_, _, err := Parse(strings.NewReader(""))
	assert.ErrorIs(t, err, ErrNoHeader)
}

func TestAlign(t *testing.T) {
	points := []Point{
		{Time: t0, Values: map[string]float64{"temp": 1}},
		{Time: t0.Add(15 * time.Minute), Values: map[string]float64{"temp": 2}},
	}
	anchor := time.Date(2026, 3, 5, 8, 3, 12, 0, time.UTC)

	got := Align(points, anchor)

	assert.True(t, got[0].Time.Equal(anchor))
	assert.True(t, got[1].Time.Equal(anchor.Add(15*time.Minute)))
}

func TestInterpolate_Linear(t *testing.T) {
	points := []Point{
		{Time: t0, Values: map[string]float64{"temp": 0}},
		{Time: t0.Add(time.Hour), Values: map[string]float64{"temp": 10}},
	}

	got := Interpolate(points)

	require.Len(t, got, 61)
	assert.Equal(t, 5.0, got[30].Values["temp"])
	assert.True(t, got[30].Time.Equal(t0.Add(30*time.Minute)))
	assert.Equal(t, 10.0, got[60].Values["temp"])
}

func TestInterpolate_BooleanHoldsEarlierValue(t *testing.T) {
	points := []Point{
		{Time: t0, Values: map[string]float64{"open": 0}},
		{Time: t0.Add(time.Hour), Values: map[string]float64{"open": 1}},
	}

	got := Interpolate(points)

	for i := 0; i < 60; i++ {
		if got[i].Values["open"] != 0 {
			t.Fatalf("minute %d open = %v, want 0", i, got[i].Values["open"])
		}
	}
	assert.Equal(t, 1.0, got[60].Values["open"])
}

func TestInterpolate_EdgeFill(t *testing.T) {
	points := []Point{
		{Time: t0, Values: map[string]float64{"temp": 4}},
		{Time: t0.Add(10 * time.Minute), Values: map[string]float64{"flow": 7}},
	}

	got := Interpolate(points)

	require.Len(t, got, 11)
	assert.Equal(t, map[string]float64{"temp": 4, "flow": 7}, got[5].Values)
}

func TestRestoreBooleans(t *testing.T) {
	p := &pipeline.Pipeline{AttributesToPredict: []pipeline.Feature{
		{Name: "open", Type: pipeline.TypeBoolean},
		{Name: "temp", Type: pipeline.TypeNumber},
	}}
	points := []Point{
		{Time: t0, Values: map[string]float64{"open": 0.5, "temp": 0.7}},
		{Time: t0.Add(time.Minute), Values: map[string]float64{"open": 0.49, "open_upper": 0.8}},
	}

	got := RestoreBooleans(points, p)

	assert.Equal(t, 1.0, got[0].Values["open"])
	assert.Equal(t, 0.7, got[0].Values["temp"])
	assert.Equal(t, 0.0, got[1].Values["open"])
	assert.Equal(t, 1.0, got[1].Values["open_upper"])
}

func TestToHistory(t *testing.T) {
	p := &pipeline.Pipeline{AttributesToPredict: []pipeline.Feature{{Name: "temp"}}}
	points := []Point{
		{Time: t0, Values: map[string]float64{"temp": 1, "temp_upper": 2, "temp_lower": 0, "noise": 9}},
		{Time: t0.Add(time.Minute), Values: map[string]float64{"noise": 9}},
	}

	rows := ToHistory(points, p, "a1")

	require.Len(t, rows, 1)
	assert.Equal(t, "a1", rows[0].AssetID)
	assert.Equal(t, map[string]interface{}{
		"predicted_temp":             1.0,
		"predicted_temp_upper_bound": 2.0,
		"predicted_temp_lower_bound": 0.0,
	}, rows[0].Data)
}

func TestParseTimestamp(t *testing.T) {
	for _, s := range []string{
		"2026-03-01T00:00:00Z",
		"2026-03-01 00:00:00",
		"2026-03-01T00:00:00",
		"2026-03-01 00:00:00+00:00",
	} {
		ts, err := ParseTimestamp(s)
		require.NoError(t, err, s)
		assert.True(t, ts.Equal(t0), s)
	}
}
