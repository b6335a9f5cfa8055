// Package pipeline defines the forecasting data model and the pure logic
// around it.
//
// A Pipeline is the forecasting configuration of one asset type. It names
// the attributes to predict, the supporting attributes used as extra
// model inputs, and the per-asset lifecycle state (Asset) the scheduler
// mutates: model location, train/inference times and the sync watermark.
//
// # Synthetic attributes
//
// Every predicted feature f owns three synthetic attributes:
//
//	predicted_f
//	predicted_f_upper_bound
//	predicted_f_lower_bound
//
// They are written only by forecast ingestion and never used as training
// input. IsSynthetic, FilterRelevant and TrainingRow enforce that.
//
// # Scheduling math
//
// The helpers in schedule.go are total: a nil timestamp means "not due"
// rather than an error, so a malformed record cannot stall a scan.
//
//	ShouldRunTraining   next_train_time set and strictly in the past
//	ShouldRunInference  next_inference_time strictly in the past, model set
//	ThresholdMet        oldest record older than 5*ts*672 + ts*96 minutes
package pipeline
