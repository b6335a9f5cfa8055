package ingest

import (
	"context"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nicktill/tinyforecast/pkg/pipeline"
	"github.com/nicktill/tinyforecast/pkg/storage"
)

// lookupConcurrency bounds parallel history reads per refresh
const lookupConcurrency = 8

// Prediction is the predicted value set in effect for an asset.
type Prediction struct {
	AssetID string             `json:"asset_id"`
	At      time.Time          `json:"change_date"`
	Values  map[string]float64 `json:"values"`
}

// CurrentPredictions returns, per asset, the newest synthetic row within
// window before now. Assets without one are omitted.
func CurrentPredictions(ctx context.Context, history storage.HistoryStore, assetIDs []string, now time.Time, window time.Duration) ([]Prediction, error) {
	from := now.Add(-window)
	to := now.Add(time.Nanosecond)

	found := make([]*Prediction, len(assetIDs))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(lookupConcurrency)
	for i, id := range assetIDs {
		i, id := i, id
		g.Go(func() error {
			rows, err := history.QueryHistory(ctx, storage.HistoryQuery{
				AssetID:   id,
				AtOrAfter: &from,
				Before:    &to,
				Synthetic: storage.OnlySynthetic,
				Order:     storage.Descending,
				Limit:     1,
			})
			if err != nil || len(rows) == 0 {
				return err
			}
			values := make(map[string]float64)
			for k, v := range rows[0].Data {
				if !pipeline.IsSynthetic(k) {
					continue
				}
				if f, ok := pipeline.Float(v); ok {
					values[k] = f
				}
			}
			if len(values) > 0 {
				found[i] = &Prediction{AssetID: id, At: rows[0].ChangeDate, Values: values}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var out []Prediction
	for _, p := range found {
		if p != nil {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AssetID < out[j].AssetID })
	return out, nil
}

// AssetIDs lists every asset of every pipeline
func AssetIDs(pipelines []pipeline.Pipeline) []string {
	var ids []string
	for _, p := range pipelines {
		for _, a := range p.Assets {
			ids = append(ids, a.ID)
		}
	}
	return ids
}
