package pipeline

import "time"

// Day is the unit of refresh, retrain and forecast-length settings.
const Day = 24 * time.Hour

// Training windows are sized in sequences of 672 timesteps, with a
// further 96 steps of look-ahead.
const (
	SequenceSteps  = 672
	HorizonSteps   = 96
	TrainSequences = 5
)

// ThresholdMinutes is how old an asset's oldest history record must be
// before there is enough data to train at the given timestep.
func ThresholdMinutes(timestep int) int {
	return TrainSequences*timestep*SequenceSteps + timestep*HorizonSteps
}

// ThresholdMet reports whether oldest is further in the past than the
// training threshold. A nil oldest means no history.
func ThresholdMet(oldest *time.Time, timestep int, now time.Time) bool {
	if oldest == nil || timestep <= 0 {
		return false
	}
	cutoff := now.Add(-time.Duration(ThresholdMinutes(timestep)) * time.Minute)
	return oldest.Before(cutoff)
}

// ShouldRunTraining reports whether next_train_time is set and strictly
// in the past.
func (a *Asset) ShouldRunTraining(now time.Time) bool {
	if a.NextTrainTime == nil {
		return false
	}
	return now.After(*a.NextTrainTime)
}

// ShouldRunInference reports whether next_inference_time is strictly in
// the past and a trained model exists.
func (a *Asset) ShouldRunInference(now time.Time) bool {
	if a.NextInferenceTime == nil || a.Model == "" {
		return false
	}
	return now.After(*a.NextInferenceTime)
}

// RetrainAllowed reports whether the retrain policy permits another
// training run: either retraining is enabled or the asset never trained.
func (p *Pipeline) RetrainAllowed(a *Asset) bool {
	return p.RetrainFrequency > 0 || a.LastTrainTime == nil
}

// NextTrainAfter returns base plus the retrain frequency, or nil when
// retraining is disabled.
func (p *Pipeline) NextTrainAfter(base time.Time) *time.Time {
	if p.RetrainFrequency < 1 {
		return nil
	}
	return TimePtr(base.Add(time.Duration(p.RetrainFrequency) * Day))
}

// NextInferenceAfter returns base plus the forecast refresh rate.
func (p *Pipeline) NextInferenceAfter(base time.Time) *time.Time {
	return TimePtr(base.Add(time.Duration(p.ForecastRefreshRate) * Day))
}

// SyncFresh reports whether the analytical store has caught up with the
// asset's raw history: the newest raw record is no more than maxLag past
// the sync watermark. A zero maxLag disables the check.
func (a *Asset) SyncFresh(latest *time.Time, maxLag time.Duration) bool {
	if maxLag <= 0 || latest == nil {
		return true
	}
	if a.LastSyncTime == nil {
		return false
	}
	return !latest.After(a.LastSyncTime.Add(maxLag))
}

// AdvanceSync moves the sync watermark forward to t. Watermarks never
// move backwards; the return value reports whether anything changed.
func (a *Asset) AdvanceSync(t time.Time) bool {
	if a.LastSyncTime != nil && !t.After(*a.LastSyncTime) {
		return false
	}
	a.LastSyncTime = TimePtr(t)
	return true
}
