package resample

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/nicktill/tinyforecast/pkg/pipeline"
)

// Resample converts irregular change events into a fixed-timestep series.
//
// Buckets are [start, start+timestep) windows walked from the aligned
// first event up to the last one. Each bucket aggregates the raw values
// that fall inside it; an attribute with no value in a bucket carries the
// last raw value seen for it in any earlier bucket. Buckets where no
// attribute has ever been seen are omitted.
//
// Only attributes listed in methods are kept. Booleans become 1/0.
// The output depends only on the set of input rows, not their order.
func Resample(rows []pipeline.HistoryRow, timestepMinutes int, methods map[string]Method) []pipeline.HistoryRow {
	if len(rows) == 0 || timestepMinutes <= 0 {
		return nil
	}

	sorted := sortRows(rows)
	step := time.Duration(timestepMinutes) * time.Minute
	start := alignStart(sorted[0].ChangeDate, timestepMinutes)
	end := sorted[len(sorted)-1].ChangeDate
	assetID := sorted[0].AssetID

	// Track last known values for forward filling
	lastKnown := make(map[string]float64)
	attrs := sortedAttributes(methods)

	var out []pipeline.HistoryRow
	idx := 0

	for current := start; !current.After(end); current = current.Add(step) {
		next := current.Add(step)
		buckets := make(map[string]*bucket)

		for idx < len(sorted) && sorted[idx].ChangeDate.Before(next) {
			for attr, raw := range sorted[idx].Data {
				if _, ok := methods[attr]; !ok {
					continue
				}
				v, ok := pipeline.Float(raw)
				if !ok {
					continue
				}
				b, exists := buckets[attr]
				if !exists {
					b = &bucket{}
					buckets[attr] = b
				}
				b.add(v)
				lastKnown[attr] = v
			}
			idx++
		}

		data := make(map[string]interface{})
		for _, attr := range attrs {
			if b, ok := buckets[attr]; ok && !b.empty() {
				data[attr] = b.aggregate(methods[attr])
			} else if v, ok := lastKnown[attr]; ok {
				data[attr] = v
			}
		}

		if len(data) == 0 {
			continue
		}
		out = append(out, pipeline.HistoryRow{
			AssetID:    assetID,
			ChangeDate: current,
			Data:       data,
		})
	}

	return out
}

// alignStart rounds t down to the nearest multiple of timestep minutes
// within its hour.
func alignStart(t time.Time, timestepMinutes int) time.Time {
	t = t.UTC()
	minute := (t.Minute() / timestepMinutes) * timestepMinutes
	return t.Truncate(time.Hour).Add(time.Duration(minute) * time.Minute)
}

// sortRows returns a copy of rows ordered by time. Rows sharing a
// timestamp are ordered by content so forward-fill is deterministic.
func sortRows(rows []pipeline.HistoryRow) []pipeline.HistoryRow {
	type keyed struct {
		row pipeline.HistoryRow
		key string
	}
	items := make([]keyed, len(rows))
	for i, r := range rows {
		items[i] = keyed{row: r, key: contentKey(r)}
	}
	sort.Slice(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if !a.row.ChangeDate.Equal(b.row.ChangeDate) {
			return a.row.ChangeDate.Before(b.row.ChangeDate)
		}
		return a.key < b.key
	})

	out := make([]pipeline.HistoryRow, len(items))
	for i, it := range items {
		out[i] = it.row
	}
	return out
}

func contentKey(r pipeline.HistoryRow) string {
	keys := make([]string, 0, len(r.Data))
	for k := range r.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	sb.WriteString(r.AssetID)
	for _, k := range keys {
		fmt.Fprintf(&sb, "|%s=%v", k, r.Data[k])
	}
	return sb.String()
}

func sortedAttributes(methods map[string]Method) []string {
	attrs := make([]string, 0, len(methods))
	for a := range methods {
		attrs = append(attrs, a)
	}
	sort.Strings(attrs)
	return attrs
}
