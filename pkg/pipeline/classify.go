package pipeline

import (
	"sort"
	"strings"
)

// Synthetic attribute naming.
const (
	PredictedPrefix  = "predicted_"
	UpperBoundSuffix = "_upper_bound"
	LowerBoundSuffix = "_lower_bound"
)

// IsSynthetic reports whether name is a forecast attribute written by
// this service. Such attributes never feed training.
func IsSynthetic(name string) bool {
	return strings.HasPrefix(name, PredictedPrefix)
}

// HasSynthetic reports whether any key of data is synthetic.
func HasSynthetic(data map[string]interface{}) bool {
	for k := range data {
		if IsSynthetic(k) {
			return true
		}
	}
	return false
}

// SyntheticNames returns the three attributes created for a predicted feature.
func SyntheticNames(feature string) []string {
	base := PredictedPrefix + feature
	return []string{base, base + UpperBoundSuffix, base + LowerBoundSuffix}
}

// RelevantAttributes returns the set of raw attribute names used as
// model inputs: predicted plus supporting features.
func (p *Pipeline) RelevantAttributes() map[string]struct{} {
	set := make(map[string]struct{}, len(p.AttributesToPredict)+len(p.SupportingAttributes))
	for _, f := range p.AttributesToPredict {
		set[f.Name] = struct{}{}
	}
	for _, f := range p.SupportingAttributes {
		set[f.Name] = struct{}{}
	}
	return set
}

// Features returns predicted and supporting features, predicted first.
// A name present in both lists is returned once.
func (p *Pipeline) Features() []Feature {
	out := make([]Feature, 0, len(p.AttributesToPredict)+len(p.SupportingAttributes))
	seen := make(map[string]bool)
	for _, list := range [][]Feature{p.AttributesToPredict, p.SupportingAttributes} {
		for _, f := range list {
			if seen[f.Name] {
				continue
			}
			seen[f.Name] = true
			out = append(out, f)
		}
	}
	return out
}

// SyntheticAttributes lists every synthetic attribute owned by the pipeline.
func (p *Pipeline) SyntheticAttributes() []string {
	var out []string
	for _, f := range p.AttributesToPredict {
		out = append(out, SyntheticNames(f.Name)...)
	}
	return out
}

// FilterRelevant returns the subset of data whose keys are relevant and
// not synthetic. The result is empty when nothing qualifies.
func FilterRelevant(data map[string]interface{}, relevant map[string]struct{}) map[string]interface{} {
	out := make(map[string]interface{})
	for k, v := range data {
		if IsSynthetic(k) {
			continue
		}
		if _, ok := relevant[k]; ok {
			out[k] = v
		}
	}
	return out
}

// TrainingRow reports whether a raw history row may be used as training
// input: it carries no synthetic key and at least one relevant attribute.
func TrainingRow(row HistoryRow, relevant map[string]struct{}) bool {
	if HasSynthetic(row.Data) {
		return false
	}
	for k := range row.Data {
		if _, ok := relevant[k]; ok {
			return true
		}
	}
	return false
}

// SyntheticFor maps a forecast output column to the synthetic attribute
// it feeds. Columns may carry the predicted_ prefix; a remainder after the
// feature name containing "upper" or "lower" selects the bound variant.
func (p *Pipeline) SyntheticFor(column string) (string, bool) {
	base := strings.TrimPrefix(strings.TrimSpace(column), PredictedPrefix)

	// Longest feature name first so "temp_max" wins over "temp".
	features := make([]string, 0, len(p.AttributesToPredict))
	for _, f := range p.AttributesToPredict {
		features = append(features, f.Name)
	}
	sort.Slice(features, func(i, j int) bool { return len(features[i]) > len(features[j]) })

	for _, name := range features {
		if !strings.HasPrefix(base, name) {
			continue
		}
		rest := strings.ToLower(base[len(name):])
		switch {
		case rest == "":
			return PredictedPrefix + name, true
		case !strings.HasPrefix(rest, "_") && !strings.HasPrefix(rest, "-"):
			continue
		case strings.Contains(rest, "upper"):
			return PredictedPrefix + name + UpperBoundSuffix, true
		case strings.Contains(rest, "lower"):
			return PredictedPrefix + name + LowerBoundSuffix, true
		}
	}
	return "", false
}

// FeatureFor returns the predicted feature a synthetic attribute belongs to.
func (p *Pipeline) FeatureFor(synthetic string) (Feature, bool) {
	for _, f := range p.AttributesToPredict {
		for _, n := range SyntheticNames(f.Name) {
			if n == synthetic {
				return f, true
			}
		}
	}
	return Feature{}, false
}

// SyntheticDiff compares the synthetic attribute sets of two predict lists.
func SyntheticDiff(before, after []Feature) (added, removed []string) {
	old := make(map[string]bool)
	for _, f := range before {
		for _, n := range SyntheticNames(f.Name) {
			old[n] = true
		}
	}
	cur := make(map[string]bool)
	for _, f := range after {
		for _, n := range SyntheticNames(f.Name) {
			cur[n] = true
			if !old[n] {
				added = append(added, n)
			}
		}
	}
	for _, f := range before {
		for _, n := range SyntheticNames(f.Name) {
			if !cur[n] {
				removed = append(removed, n)
			}
		}
	}
	return added, removed
}
