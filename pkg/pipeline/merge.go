package pipeline

import "time"

// Field names one scheduler-owned asset field.
type Field uint8

const (
	FieldModel Field = 1 << iota
	FieldLastTrainTime
	FieldNextTrainTime
	FieldLastInferenceTime
	FieldNextInferenceTime
	FieldTrainJob
	FieldInferenceJob
	FieldLastSyncTime
)

// AssetDelta is the set of scheduler-owned fields that changed on one
// asset during a cycle, with their new values taken from Value.
type AssetDelta struct {
	AssetID string
	Fields  Field
	Value   Asset
}

// Has reports whether f is part of the delta.
func (d AssetDelta) Has(f Field) bool {
	return d.Fields&f != 0
}

// Empty reports whether nothing changed.
func (d AssetDelta) Empty() bool {
	return d.Fields == 0
}

// Diff returns the scheduler-owned fields that differ between before and
// after.
func Diff(before, after Asset) AssetDelta {
	d := AssetDelta{AssetID: after.ID, Value: after.Clone()}
	if before.Model != after.Model {
		d.Fields |= FieldModel
	}
	if !sameTime(before.LastTrainTime, after.LastTrainTime) {
		d.Fields |= FieldLastTrainTime
	}
	if !sameTime(before.NextTrainTime, after.NextTrainTime) {
		d.Fields |= FieldNextTrainTime
	}
	if !sameTime(before.LastInferenceTime, after.LastInferenceTime) {
		d.Fields |= FieldLastInferenceTime
	}
	if !sameTime(before.NextInferenceTime, after.NextInferenceTime) {
		d.Fields |= FieldNextInferenceTime
	}
	if before.TrainJob != after.TrainJob {
		d.Fields |= FieldTrainJob
	}
	if before.InferenceJob != after.InferenceJob {
		d.Fields |= FieldInferenceJob
	}
	if !sameTime(before.LastSyncTime, after.LastSyncTime) {
		d.Fields |= FieldLastSyncTime
	}
	return d
}

// ApplyDelta copies only the changed fields of d onto dst and reports
// whether dst was modified. The sync watermark only ever advances.
func (dst *Asset) ApplyDelta(d AssetDelta) bool {
	before := dst.Clone()
	src := d.Value.Clone()
	if d.Has(FieldModel) {
		dst.Model = src.Model
	}
	if d.Has(FieldLastTrainTime) {
		dst.LastTrainTime = src.LastTrainTime
	}
	if d.Has(FieldNextTrainTime) {
		dst.NextTrainTime = src.NextTrainTime
	}
	if d.Has(FieldLastInferenceTime) {
		dst.LastInferenceTime = src.LastInferenceTime
	}
	if d.Has(FieldNextInferenceTime) {
		dst.NextInferenceTime = src.NextInferenceTime
	}
	if d.Has(FieldTrainJob) {
		dst.TrainJob = src.TrainJob
	}
	if d.Has(FieldInferenceJob) {
		dst.InferenceJob = src.InferenceJob
	}
	if d.Has(FieldLastSyncTime) && src.LastSyncTime != nil {
		dst.AdvanceSync(*src.LastSyncTime)
	}
	return !Diff(before, *dst).Empty()
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}
