package pipeline

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSyntheticNames(t *testing.T) {
	p := &Pipeline{AttributesToPredict: []Feature{{Name: "temp"}}}

	require.Equal(t, []string{
		"predicted_temp",
		"predicted_temp_upper_bound",
		"predicted_temp_lower_bound",
	}, p.SyntheticAttributes())
}

func TestSyntheticDiff(t *testing.T) {
	before := []Feature{{Name: "temp"}, {Name: "pressure"}}
	after := []Feature{{Name: "pressure"}, {Name: "flow"}}

	added, removed := SyntheticDiff(before, after)
	sort.Strings(added)
	sort.Strings(removed)

	assert.Equal(t, []string{"predicted_flow", "predicted_flow_lower_bound", "predicted_flow_upper_bound"}, added)
	assert.Equal(t, []string{"predicted_temp", "predicted_temp_lower_bound", "predicted_temp_upper_bound"}, removed)
}

func TestSyntheticDiff_RemoveAll(t *testing.T) {
	_, removed := SyntheticDiff([]Feature{{Name: "temp"}}, nil)
	sort.Strings(removed)
	assert.Equal(t, []string{"predicted_temp", "predicted_temp_lower_bound", "predicted_temp_upper_bound"}, removed)
}

func TestFilterRelevant(t *testing.T) {
	p := &Pipeline{
		AttributesToPredict:  []Feature{{Name: "temp"}},
		SupportingAttributes: []Feature{{Name: "door_open", Type: TypeBoolean}},
	}
	data := map[string]interface{}{
		"temp":           21.5,
		"door_open":      true,
		"humidity":       40.0,
		"predicted_temp": 22.0,
	}

	got := FilterRelevant(data, p.RelevantAttributes())

	assert.Equal(t, map[string]interface{}{"temp": 21.5, "door_open": true}, got)
}

func TestTrainingRow(t *testing.T) {
	relevant := map[string]struct{}{"temp": {}}

	tests := []struct {
		name     string
		data     map[string]interface{}
		expected bool
	}{
		{"relevant attribute", map[string]interface{}{"temp": 1.0}, true},
		{"no relevant attribute", map[string]interface{}{"humidity": 1.0}, false},
		{"carries a forecast", map[string]interface{}{"temp": 1.0, "predicted_temp": 2.0}, false},
		{"empty", map[string]interface{}{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, TrainingRow(HistoryRow{Data: tt.data}, relevant))
		})
	}
}

func TestSyntheticFor(t *testing.T) {
	p := &Pipeline{AttributesToPredict: []Feature{{Name: "temp"}, {Name: "temp_max"}}}

	tests := []struct {
		column string
		want   string
		ok     bool
	}{
		{"temp", "predicted_temp", true},
		{"predicted_temp", "predicted_temp", true},
		{"temp_upper", "predicted_temp_upper_bound", true},
		{"predicted_temp_lower_bound", "predicted_temp_lower_bound", true},
		{"temp_max", "predicted_temp_max", true},
		{"temp_max_upper_bound", "predicted_temp_max_upper_bound", true},
		{"tempo", "", false},
		{"pressure", "", false},
		{"temp_median", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.column, func(t *testing.T) {
			got, ok := p.SyntheticFor(tt.column)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestIsSynthetic(t *testing.T) {
	assert.True(t, IsSynthetic("predicted_temp"))
	assert.False(t, IsSynthetic("temp_predicted"))
}
