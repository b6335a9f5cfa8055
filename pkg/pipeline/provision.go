package pipeline

import (
	"errors"
	"fmt"
	"math"
	"reflect"
	"time"
)

// Defaults applied when a setting is omitted at install time.
const (
	DefaultForecastRefreshRate = 7
	DefaultRetrainFrequency    = 0
	DefaultForecastLength      = 7
)

// ErrInvalidSettings is returned when settings fail validation.
var ErrInvalidSettings = errors.New("invalid pipeline settings")

// Settings is the user-supplied part of a pipeline. Zero or nil fields
// keep their current (or default) values.
type Settings struct {
	AttributesToPredict  []Feature  `json:"attributes_to_predict,omitempty"`
	SupportingAttributes []Feature  `json:"supporting_attributes,omitempty"`
	AssetIDs             []string   `json:"asset_ids,omitempty"`
	ForecastRefreshRate  int        `json:"forecast_refresh_rate,omitempty"`
	RetrainFrequency     *int       `json:"retrain_frequency,omitempty"`
	ForecastLength       int        `json:"forecast_length,omitempty"`
	ForecastStartDate    *time.Time `json:"forecast_start_date,omitempty"`
}

// TimestepFor derives the resampling timestep so that one training
// sequence spans the forecast length.
func TimestepFor(forecastLengthDays int) int {
	return int(math.Round(float64(forecastLengthDays) * 1440 / SequenceSteps))
}

// Validate checks settings for a new pipeline or an update.
func (s Settings) Validate() error {
	if s.ForecastRefreshRate < 0 {
		return fmt.Errorf("%w: forecast_refresh_rate must not be negative", ErrInvalidSettings)
	}
	if s.ForecastLength < 0 {
		return fmt.Errorf("%w: forecast_length must not be negative", ErrInvalidSettings)
	}
	seen := make(map[string]bool)
	for _, f := range s.AttributesToPredict {
		if f.Name == "" {
			return fmt.Errorf("%w: attribute_name is required", ErrInvalidSettings)
		}
		if IsSynthetic(f.Name) {
			return fmt.Errorf("%w: %q cannot be predicted", ErrInvalidSettings, f.Name)
		}
		if seen[f.Name] {
			return fmt.Errorf("%w: duplicate attribute %q", ErrInvalidSettings, f.Name)
		}
		seen[f.Name] = true
	}
	for _, f := range s.SupportingAttributes {
		if f.Name == "" || IsSynthetic(f.Name) {
			return fmt.Errorf("%w: invalid supporting attribute %q", ErrInvalidSettings, f.Name)
		}
	}
	return nil
}

// New builds a pipeline for an asset type, seeding every asset's schedule.
func New(assetTypeID string, s Settings, now time.Time) (*Pipeline, error) {
	if assetTypeID == "" {
		return nil, fmt.Errorf("%w: asset_type_id is required", ErrInvalidSettings)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	if len(s.AttributesToPredict) == 0 {
		return nil, fmt.Errorf("%w: at least one attribute to predict is required", ErrInvalidSettings)
	}

	p := &Pipeline{
		AssetTypeID:          assetTypeID,
		AttributesToPredict:  s.AttributesToPredict,
		SupportingAttributes: s.SupportingAttributes,
		ForecastRefreshRate:  DefaultForecastRefreshRate,
		RetrainFrequency:     DefaultRetrainFrequency,
		ForecastLength:       DefaultForecastLength,
		ForecastStartDate:    s.ForecastStartDate,
		LatestSettingsUpdate: TimePtr(now),
	}
	if s.ForecastRefreshRate > 0 {
		p.ForecastRefreshRate = s.ForecastRefreshRate
	}
	if s.RetrainFrequency != nil && *s.RetrainFrequency > 0 {
		p.RetrainFrequency = *s.RetrainFrequency
	}
	if s.ForecastLength > 0 {
		p.ForecastLength = s.ForecastLength
	}
	p.Timestep = TimestepFor(p.ForecastLength)

	for _, id := range s.AssetIDs {
		p.Assets = append(p.Assets, p.seedAsset(id, now))
	}
	return p, nil
}

// seedAsset returns a fresh asset entry. Inference starts at the forecast
// start date (or now); training runs a day ahead of it, or immediately
// when that is less than a day away.
func (p *Pipeline) seedAsset(id string, now time.Time) Asset {
	a := Asset{ID: id}
	p.reseed(&a, now)
	return a
}

func (p *Pipeline) reseed(a *Asset, now time.Time) {
	nextInference := now
	if p.ForecastStartDate != nil {
		nextInference = *p.ForecastStartDate
	}
	nextTrain := now
	if !nextInference.Before(now.Add(Day)) {
		nextTrain = nextInference.Add(-Day)
	}
	a.NextInferenceTime = TimePtr(nextInference)
	a.NextTrainTime = TimePtr(nextTrain)
}

// Apply updates the pipeline with new settings. Existing assets keep
// their history and have their schedule recomputed; new assets are seeded.
// When the predicted attributes change every model is discarded. The
// returned lists name the synthetic attributes to create and remove.
func (p *Pipeline) Apply(s Settings, now time.Time) (added, removed []string, err error) {
	if err := s.Validate(); err != nil {
		return nil, nil, err
	}

	if s.ForecastRefreshRate > 0 {
		p.ForecastRefreshRate = s.ForecastRefreshRate
	}
	if s.RetrainFrequency != nil {
		p.RetrainFrequency = 0
		if *s.RetrainFrequency > 0 {
			p.RetrainFrequency = *s.RetrainFrequency
		}
	}
	if s.ForecastLength > 0 {
		p.ForecastLength = s.ForecastLength
		p.Timestep = TimestepFor(s.ForecastLength)
	}
	if s.SupportingAttributes != nil {
		p.SupportingAttributes = s.SupportingAttributes
	}
	if s.ForecastStartDate != nil {
		p.ForecastStartDate = s.ForecastStartDate
	}
	p.LatestSettingsUpdate = TimePtr(now)

	if s.AssetIDs != nil {
		existing := make(map[string]Asset, len(p.Assets))
		for _, a := range p.Assets {
			existing[a.ID] = a
		}
		assets := make([]Asset, 0, len(s.AssetIDs))
		for _, id := range s.AssetIDs {
			a, ok := existing[id]
			if !ok {
				assets = append(assets, Asset{ID: id, NextTrainTime: TimePtr(now)})
				continue
			}
			p.reschedule(&a, s, now)
			assets = append(assets, a)
		}
		p.Assets = assets
	}

	if s.AttributesToPredict != nil && !reflect.DeepEqual(s.AttributesToPredict, p.AttributesToPredict) {
		added, removed = SyntheticDiff(p.AttributesToPredict, s.AttributesToPredict)
		p.AttributesToPredict = s.AttributesToPredict
		for i := range p.Assets {
			a := &p.Assets[i]
			a.Model = ""
			a.LastTrainTime = nil
			a.TrainJob = ""
			p.reseed(a, now)
		}
	}
	return added, removed, nil
}

// reschedule recomputes the next run times of an existing asset after a
// settings change.
func (p *Pipeline) reschedule(a *Asset, s Settings, now time.Time) {
	if a.LastInferenceTime != nil && s.ForecastRefreshRate > 0 {
		a.NextInferenceTime = p.NextInferenceAfter(*a.LastInferenceTime)
	}
	if s.ForecastStartDate != nil && a.NextInferenceTime != nil && a.NextInferenceTime.Before(*s.ForecastStartDate) {
		a.NextInferenceTime = TimePtr(s.ForecastStartDate.Add(-10 * time.Minute))
	}
	if a.LastTrainTime != nil && p.RetrainFrequency < 1 {
		// trained once and never retrained
		a.NextTrainTime = nil
		return
	}
	if a.LastTrainTime != nil {
		a.NextTrainTime = p.NextTrainAfter(*a.LastTrainTime)
	}
	if s.ForecastStartDate != nil {
		a.NextTrainTime = TimePtr(s.ForecastStartDate.Add(-2 * time.Hour))
	}
	if a.NextTrainTime == nil {
		a.NextTrainTime = TimePtr(now)
	}
}
