package pipeline

import "time"

// Attribute types understood by the forecasting service.
const (
	TypeNumber  = "number"
	TypeBoolean = "boolean"
)

// Feature describes one attribute used by a pipeline, either as a
// forecast target or as a supporting input.
type Feature struct {
	Name        string `json:"attribute_name" yaml:"attribute_name"`
	Label       string `json:"attribute_label,omitempty" yaml:"attribute_label,omitempty"`
	Type        string `json:"attribute_type" yaml:"attribute_type"`
	KeepHistory bool   `json:"keep_history" yaml:"keep_history"`
}

// IsBoolean reports whether the feature holds discrete 0/1 values.
func (f Feature) IsBoolean() bool {
	return f.Type == TypeBoolean
}

// Asset holds the lifecycle state of one asset inside a pipeline.
// A nil timestamp means "never" (last_*) or "not scheduled" (next_*).
type Asset struct {
	ID string `json:"id"`

	// Model is the URI of the most recent trained checkpoint, empty until
	// the first training completes.
	Model string `json:"asset_model,omitempty"`

	LastTrainTime     *time.Time `json:"last_train_time,omitempty"`
	NextTrainTime     *time.Time `json:"next_train_time,omitempty"`
	LastInferenceTime *time.Time `json:"last_inference_time,omitempty"`
	NextInferenceTime *time.Time `json:"next_inference_time,omitempty"`

	// LastSyncTime is the watermark of the newest raw history record
	// pushed to the analytical store.
	LastSyncTime *time.Time `json:"last_bq_sync_time,omitempty"`

	// Remote job names returned by the launcher, cleared once the job's
	// artifact has been picked up.
	TrainJob     string `json:"train_job,omitempty"`
	InferenceJob string `json:"inference_job,omitempty"`
}

// Pipeline is the forecasting configuration of one asset type.
type Pipeline struct {
	AssetTypeID          string    `json:"asset_type_id"`
	AttributesToPredict  []Feature `json:"attributes_to_predict"`
	SupportingAttributes []Feature `json:"supporting_attributes"`
	Assets               []Asset   `json:"asset_management_data"`

	// All durations are in days except Timestep (minutes).
	ForecastRefreshRate int `json:"forecast_refresh_rate"`
	RetrainFrequency    int `json:"retrain_frequency"`
	ForecastLength      int `json:"forecast_length"`
	Timestep            int `json:"timestep"`

	ForecastStartDate    *time.Time `json:"forecast_start_date,omitempty"`
	LatestSettingsUpdate *time.Time `json:"latest_settings_update,omitempty"`

	// Version is the optimistic concurrency token maintained by the store.
	Version int64 `json:"version"`
}

// Asset returns a pointer to the asset entry with the given id.
func (p *Pipeline) Asset(id string) *Asset {
	for i := range p.Assets {
		if p.Assets[i].ID == id {
			return &p.Assets[i]
		}
	}
	return nil
}

// Clone returns a deep copy of the pipeline.
func (p *Pipeline) Clone() *Pipeline {
	c := *p
	c.AttributesToPredict = append([]Feature(nil), p.AttributesToPredict...)
	c.SupportingAttributes = append([]Feature(nil), p.SupportingAttributes...)
	c.Assets = make([]Asset, len(p.Assets))
	for i, a := range p.Assets {
		c.Assets[i] = a.Clone()
	}
	c.ForecastStartDate = cloneTime(p.ForecastStartDate)
	c.LatestSettingsUpdate = cloneTime(p.LatestSettingsUpdate)
	return &c
}

// Clone returns a copy of the asset that shares no timestamp pointers.
func (a Asset) Clone() Asset {
	a.LastTrainTime = cloneTime(a.LastTrainTime)
	a.NextTrainTime = cloneTime(a.NextTrainTime)
	a.LastInferenceTime = cloneTime(a.LastInferenceTime)
	a.NextInferenceTime = cloneTime(a.NextInferenceTime)
	a.LastSyncTime = cloneTime(a.LastSyncTime)
	return a
}

// HistoryRow is one time-stamped change record of an asset.
// Values are float64 or bool.
type HistoryRow struct {
	ID         string                 `json:"id,omitempty"`
	AssetID    string                 `json:"asset_id"`
	ChangeDate time.Time              `json:"change_date"`
	Data       map[string]interface{} `json:"custom_data"`
}

// Float converts a history value to a float, mapping booleans to 1/0.
func Float(v interface{}) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case bool:
		if x {
			return 1, true
		}
		return 0, true
	default:
		return 0, false
	}
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

// TimePtr returns a pointer to t.
func TimePtr(t time.Time) *time.Time {
	return &t
}
