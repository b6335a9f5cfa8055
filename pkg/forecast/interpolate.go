package forecast

import (
	"sort"
	"time"

	"github.com/nicktill/tinyforecast/pkg/pipeline"
)

// Align shifts every point by the same offset so the earliest one lands
// exactly on anchor. The inference job stamps rows with its own clock;
// the asset's last inference time is the reference.
func Align(points []Point, anchor time.Time) []Point {
	if len(points) == 0 {
		return points
	}
	offset := anchor.Sub(points[0].Time)
	out := make([]Point, len(points))
	for i, p := range points {
		out[i] = Point{Time: p.Time.Add(offset), Values: p.Values}
	}
	return out
}

// RestoreBooleans snaps columns that belong to a boolean predicted
// feature back to 0 or 1 using a 0.5 threshold.
func RestoreBooleans(points []Point, p *pipeline.Pipeline) []Point {
	boolColumns := make(map[string]bool)
	for _, pt := range points {
		for col := range pt.Values {
			if _, seen := boolColumns[col]; seen {
				continue
			}
			name, ok := p.SyntheticFor(col)
			if !ok {
				boolColumns[col] = false
				continue
			}
			f, _ := p.FeatureFor(name)
			boolColumns[col] = f.IsBoolean()
		}
	}

	for _, pt := range points {
		for col, v := range pt.Values {
			if !boolColumns[col] {
				continue
			}
			if v >= 0.5 {
				pt.Values[col] = 1
			} else {
				pt.Values[col] = 0
			}
		}
	}
	return points
}

// Interpolate produces one point per minute from the first to the last
// sample. Exact samples are kept as-is. Between samples numeric values
// are linearly interpolated, while a column whose neighbours are both 0
// or 1 holds the earlier value. A column present on only one side is
// filled from that side.
func Interpolate(points []Point) []Point {
	if len(points) == 0 {
		return nil
	}

	sorted := append([]Point(nil), points...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Time.Before(sorted[j].Time) })

	exact := make(map[int64]Point, len(sorted))
	for _, p := range sorted {
		exact[p.Time.UnixNano()] = p
	}

	start := sorted[0].Time
	end := sorted[len(sorted)-1].Time

	var out []Point
	// before is the index of the last sample at or before the current minute.
	before := 0
	for current := start; !current.After(end); current = current.Add(time.Minute) {
		if p, ok := exact[current.UnixNano()]; ok {
			out = append(out, Point{Time: current, Values: copyValues(p.Values)})
			continue
		}

		for before+1 < len(sorted) && !sorted[before+1].Time.After(current) {
			before++
		}
		var prev, next *Point
		if !sorted[before].Time.After(current) {
			prev = &sorted[before]
		}
		if before+1 < len(sorted) {
			next = &sorted[before+1]
		}

		values := blend(prev, next, current)
		if len(values) > 0 {
			out = append(out, Point{Time: current, Values: values})
		}
	}
	return out
}

func blend(prev, next *Point, at time.Time) map[string]float64 {
	values := make(map[string]float64)
	if prev != nil {
		for col, bv := range prev.Values {
			var av float64
			hasAfter := false
			if next != nil {
				av, hasAfter = next.Values[col]
			}
			switch {
			case !hasAfter:
				values[col] = bv
			case isDiscrete(bv) && isDiscrete(av):
				values[col] = bv
			default:
				span := next.Time.Sub(prev.Time)
				progress := float64(at.Sub(prev.Time)) / float64(span)
				values[col] = bv + (av-bv)*progress
			}
		}
	}
	if next != nil {
		for col, av := range next.Values {
			if _, done := values[col]; !done {
				values[col] = av
			}
		}
	}
	return values
}

func isDiscrete(v float64) bool {
	return v == 0 || v == 1
}

func copyValues(in map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// ToHistory maps forecast columns to the pipeline's synthetic attributes
// and returns history rows for the asset. Columns that match no predicted
// feature are dropped, as are points left with no values.
func ToHistory(points []Point, p *pipeline.Pipeline, assetID string) []pipeline.HistoryRow {
	names := make(map[string]string)
	rows := make([]pipeline.HistoryRow, 0, len(points))
	for _, pt := range points {
		data := make(map[string]interface{})
		for col, v := range pt.Values {
			name, cached := names[col]
			if !cached {
				name, _ = p.SyntheticFor(col)
				names[col] = name
			}
			if name == "" {
				continue
			}
			data[name] = v
		}
		if len(data) == 0 {
			continue
		}
		rows = append(rows, pipeline.HistoryRow{
			AssetID:    assetID,
			ChangeDate: pt.Time,
			Data:       data,
		})
	}
	return rows
}
