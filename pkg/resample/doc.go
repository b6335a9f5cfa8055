// Package resample turns an asset's irregular change events into the
// fixed-timestep grid the training job expects.
//
// # Why a grid
//
// Sensors report on change, not on a clock. A pump may send ten readings
// in one minute and nothing for an hour. The forecasting model consumes
// sequences of 672 equally spaced steps, so history is bucketed first:
//
//	raw events:  |x  x x      x                    x   |
//	buckets:     [ 15m ][ 15m ][ 15m ][ 15m ][ 15m ]...
//	values:       mean   mean   fill   fill   mean
//
// # Aggregation
//
//   - numeric attributes use the mean of the bucket (Mean)
//   - boolean attributes use the most frequent value (Mode), as 1/0
//
// A bucket without samples for an attribute repeats the last raw value
// seen for it. Buckets before any attribute has been seen are dropped.
//
// # Alignment
//
// The first bucket starts at the first event's minute rounded down to a
// multiple of the timestep within its hour, with seconds cleared. For a
// 15 minute timestep an event at 10:07:36 opens the 10:00 bucket.
package resample
