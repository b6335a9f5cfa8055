// Package artifacts locates model checkpoints and forecast files that the
// remote ML service writes under outbox/<asset>/ in the bucket.
package artifacts

import (
	"context"
	"errors"
	"fmt"
	"path"
	"regexp"
	"strings"

	"github.com/hashicorp/go-multierror"

	"github.com/nicktill/tinyforecast/pkg/logger"
	"github.com/nicktill/tinyforecast/pkg/objectstore"
	"github.com/nicktill/tinyforecast/pkg/pipeline"
)

var (
	// ErrNoModel is returned when an asset has no trained checkpoint yet.
	ErrNoModel = errors.New("no trained model")

	// ErrNoForecast is returned when an asset has no unprocessed forecast.
	ErrNoForecast = errors.New("no unprocessed forecast")
)

const (
	outboxDir      = "outbox"
	modelsDir      = "models"
	forecastsDir   = "forecasts"
	checkpointPath = "output_trained_model/checkpoint.pth"
	processedExt   = ".processed.csv"
)

var stampPattern = regexp.MustCompile(`\d{14}`)

// Stamp returns the first 14-digit yyyymmddhhmmss run in name.
func Stamp(name string) (string, bool) {
	s := stampPattern.FindString(name)
	return s, s != ""
}

// Forecast is one forecast file found in the bucket.
type Forecast struct {
	Path  string
	Stamp string
}

// Finder reads the outbox layout:
//
//	<root>/outbox/<asset>/models/<run with stamp>/[<sub>/]output_trained_model/checkpoint.pth
//	<root>/outbox/<asset>/forecasts/<stamp>.csv
type Finder struct {
	bucket objectstore.Bucket
	root   string
	log    *logger.Logger
}

// NewFinder creates a Finder rooted at root inside bucket
func NewFinder(bucket objectstore.Bucket, root string, log *logger.Logger) *Finder {
	return &Finder{
		bucket: bucket,
		root:   objectstore.Clean(root),
		log:    log.With("component", "artifacts"),
	}
}

// OutputBase is the URI jobs should write their outbox under
func (f *Finder) OutputBase() string {
	return f.bucket.URI(f.root)
}

func (f *Finder) assetDir(assetID string, sub ...string) string {
	return objectstore.Join(append([]string{f.root, outboxDir, assetID}, sub...)...)
}

// LatestModel returns the URI of the checkpoint in the asset's newest
// training run.
func (f *Finder) LatestModel(ctx context.Context, assetID string) (string, error) {
	dir := f.assetDir(assetID, modelsDir)
	entries, err := f.bucket.ReadDir(ctx, dir)
	if err != nil {
		return "", fmt.Errorf("failed to list models for %s: %w", assetID, err)
	}

	var bestStamp, bestRun string
	for _, e := range entries {
		if !e.IsDir {
			continue
		}
		stamp, ok := Stamp(e.Name)
		if ok && stamp > bestStamp {
			bestStamp, bestRun = stamp, e.Name
		}
	}
	if bestRun == "" {
		return "", fmt.Errorf("asset %s: %w", assetID, ErrNoModel)
	}

	run := path.Join(dir, bestRun)
	if name, ok := f.checkpointIn(ctx, run); ok {
		return f.bucket.URI(name), nil
	}

	children, err := f.bucket.ReadDir(ctx, run)
	if err != nil {
		return "", fmt.Errorf("failed to list run %s: %w", run, err)
	}
	for _, c := range children {
		if !c.IsDir {
			continue
		}
		if name, ok := f.checkpointIn(ctx, path.Join(run, c.Name)); ok {
			return f.bucket.URI(name), nil
		}
	}
	return "", fmt.Errorf("asset %s run %s has no checkpoint: %w", assetID, bestStamp, ErrNoModel)
}

func (f *Finder) checkpointIn(ctx context.Context, dir string) (string, bool) {
	entries, err := f.bucket.ReadDir(ctx, path.Join(dir, path.Dir(checkpointPath)))
	if err != nil {
		return "", false
	}
	for _, e := range entries {
		if !e.IsDir && e.Name == path.Base(checkpointPath) {
			return path.Join(dir, checkpointPath), true
		}
	}
	return "", false
}

// LatestForecast returns the unprocessed forecast with the greatest stamp
func (f *Finder) LatestForecast(ctx context.Context, assetID string) (Forecast, error) {
	dir := f.assetDir(assetID, forecastsDir)
	entries, err := f.bucket.ReadDir(ctx, dir)
	if err != nil {
		return Forecast{}, fmt.Errorf("failed to list forecasts for %s: %w", assetID, err)
	}

	var best Forecast
	for _, e := range entries {
		if e.IsDir || !strings.HasSuffix(e.Name, ".csv") || strings.HasSuffix(e.Name, processedExt) {
			continue
		}
		stamp, ok := Stamp(e.Name)
		if ok && stamp > best.Stamp {
			best = Forecast{Path: path.Join(dir, e.Name), Stamp: stamp}
		}
	}
	if best.Path == "" {
		return Forecast{}, fmt.Errorf("asset %s: %w", assetID, ErrNoForecast)
	}
	return best, nil
}

// ReadForecast returns the raw CSV bytes of fc
func (f *Finder) ReadForecast(ctx context.Context, fc Forecast) ([]byte, error) {
	return f.bucket.ReadFile(ctx, fc.Path)
}

// ProcessedName is where a forecast is moved once ingested
func ProcessedName(name string) string {
	return strings.TrimSuffix(name, ".csv") + processedExt
}

// MarkProcessed renames fc so it is not picked up again
func (f *Finder) MarkProcessed(ctx context.Context, fc Forecast) error {
	if err := f.bucket.Rename(ctx, fc.Path, ProcessedName(fc.Path)); err != nil {
		return fmt.Errorf("failed to mark %s processed: %w", fc.Path, err)
	}
	return nil
}

// CleanupOrphans deletes outbox directories of assets that belong to no
// pipeline, or that never started a training run. It returns the asset
// directories removed.
func (f *Finder) CleanupOrphans(ctx context.Context, pipelines []pipeline.Pipeline) ([]string, error) {
	trained := make(map[string]bool)
	for _, p := range pipelines {
		for _, a := range p.Assets {
			trained[a.ID] = trained[a.ID] || a.LastTrainTime != nil || a.TrainJob != ""
		}
	}

	entries, err := f.bucket.ReadDir(ctx, objectstore.Join(f.root, outboxDir))
	if err != nil {
		return nil, fmt.Errorf("failed to list outbox: %w", err)
	}

	var removed []string
	var errs *multierror.Error
	for _, e := range entries {
		if !e.IsDir || trained[e.Name] {
			continue
		}
		if err := f.bucket.DeleteAll(ctx, f.assetDir(e.Name)); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("asset %s: %w", e.Name, err))
			continue
		}
		removed = append(removed, e.Name)
	}
	if len(removed) > 0 {
		f.log.Info("Removed orphaned artifacts", "assets", removed)
	}
	return removed, errs.ErrorOrNil()
}
