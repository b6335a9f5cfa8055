package resample

import (
	"sort"

	"gonum.org/v1/gonum/stat"

	"github.com/nicktill/tinyforecast/pkg/pipeline"
)

// Method selects how the raw values inside one bucket are combined.
type Method string

const (
	Mean Method = "mean" // numeric attributes
	Mode Method = "mode" // boolean attributes, stored as 1/0
)

// MethodsFor returns the aggregation method of every relevant feature of p.
func MethodsFor(p *pipeline.Pipeline) map[string]Method {
	methods := make(map[string]Method)
	for _, f := range p.Features() {
		if f.IsBoolean() {
			methods[f.Name] = Mode
		} else {
			methods[f.Name] = Mean
		}
	}
	return methods
}

// bucket collects raw values for one attribute within one timestep.
type bucket struct {
	values []float64
}

func (b *bucket) add(v float64) {
	b.values = append(b.values, v)
}

func (b *bucket) empty() bool {
	return len(b.values) == 0
}

// aggregate reduces the bucket. Values are sorted first so the result
// does not depend on arrival order.
func (b *bucket) aggregate(m Method) float64 {
	sort.Float64s(b.values)
	if m == Mode {
		return mode(b.values)
	}
	return stat.Mean(b.values, nil)
}

// mode returns the most frequent value of sorted input. Ties go to the
// larger value.
func mode(sorted []float64) float64 {
	best, bestCount := sorted[0], 0
	for i := 0; i < len(sorted); {
		j := i
		for j < len(sorted) && sorted[j] == sorted[i] {
			j++
		}
		if count := j - i; count >= bestCount {
			best, bestCount = sorted[i], count
		}
		i = j
	}
	return best
}
