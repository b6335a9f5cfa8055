package storage

import (
	"context"
	"errors"
	"time"

	"github.com/nicktill/tinyforecast/pkg/pipeline"
)

var (
	// ErrNotFound is returned when a pipeline does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when a pipeline already exists on create,
	// or its version changed since it was read on update.
	ErrConflict = errors.New("version conflict")
)

// HistoryStore holds raw and synthetic asset history.
// Implementations: memory (testing), badger (single node), postgres (production)
type HistoryStore interface {
	// QueryHistory returns rows matching q
	QueryHistory(ctx context.Context, q HistoryQuery) ([]pipeline.HistoryRow, error)

	// AppendHistory stores one row
	AppendHistory(ctx context.Context, row pipeline.HistoryRow) error

	// DeleteHistory removes rows matching q and reports how many went.
	// Offset and Limit are ignored.
	DeleteHistory(ctx context.Context, q HistoryQuery) (int, error)

	// Close cleanly shuts down the store
	Close() error
}

// PipelineStore holds the forecasting pipelines, one per asset type.
type PipelineStore interface {
	ListPipelines(ctx context.Context) ([]pipeline.Pipeline, error)
	GetPipeline(ctx context.Context, assetTypeID string) (*pipeline.Pipeline, error)

	// CreatePipeline stores a new pipeline at version 1
	CreatePipeline(ctx context.Context, p *pipeline.Pipeline) error

	// UpdatePipeline replaces a pipeline if its stored version still equals
	// p.Version, then bumps p.Version
	UpdatePipeline(ctx context.Context, p *pipeline.Pipeline) error

	DeletePipeline(ctx context.Context, assetTypeID string) error

	Close() error
}

// Order is the sort direction on change_date.
type Order int

const (
	Ascending Order = iota
	Descending
)

// Synthetic filters rows by whether they carry predicted_* keys.
type Synthetic int

const (
	AnyRows Synthetic = iota
	OnlySynthetic
	ExcludeSynthetic
)

// HistoryQuery selects history rows for one asset.
type HistoryQuery struct {
	AssetID string

	// Time bounds (optional)
	After     *time.Time // change_date > After
	AtOrAfter *time.Time // change_date >= AtOrAfter
	Before    *time.Time // change_date < Before

	Synthetic Synthetic
	Order     Order

	// Pagination (Limit 0 = no limit)
	Offset int
	Limit  int
}

// Matches reports whether row satisfies the filters of q.
func (q HistoryQuery) Matches(row pipeline.HistoryRow) bool {
	if row.AssetID != q.AssetID {
		return false
	}
	if q.After != nil && !row.ChangeDate.After(*q.After) {
		return false
	}
	if q.AtOrAfter != nil && row.ChangeDate.Before(*q.AtOrAfter) {
		return false
	}
	if q.Before != nil && !row.ChangeDate.Before(*q.Before) {
		return false
	}
	switch q.Synthetic {
	case OnlySynthetic:
		return pipeline.HasSynthetic(row.Data)
	case ExcludeSynthetic:
		return !pipeline.HasSynthetic(row.Data)
	}
	return true
}

// Oldest returns the earliest non-synthetic change_date of an asset, or
// nil when it has no history.
func Oldest(ctx context.Context, s HistoryStore, assetID string) (*time.Time, error) {
	return edge(ctx, s, HistoryQuery{AssetID: assetID, Synthetic: ExcludeSynthetic, Order: Ascending, Limit: 1})
}

// Latest returns the newest non-synthetic change_date before the given
// time, or nil when there is none.
func Latest(ctx context.Context, s HistoryStore, assetID string, before time.Time) (*time.Time, error) {
	return edge(ctx, s, HistoryQuery{AssetID: assetID, Before: &before, Synthetic: ExcludeSynthetic, Order: Descending, Limit: 1})
}

func edge(ctx context.Context, s HistoryStore, q HistoryQuery) (*time.Time, error) {
	rows, err := s.QueryHistory(ctx, q)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	t := rows[0].ChangeDate
	return &t, nil
}
