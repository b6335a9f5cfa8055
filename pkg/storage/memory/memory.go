package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/nicktill/tinyforecast/pkg/pipeline"
	"github.com/nicktill/tinyforecast/pkg/storage"
)

// History stores asset history in memory. Data is lost on restart.
// Useful for testing and development.
type History struct {
	rows   []pipeline.HistoryRow
	nextID uint64
	mu     sync.RWMutex
}

// NewHistory creates an in-memory history store
func NewHistory() *History {
	return &History{
		rows: make([]pipeline.HistoryRow, 0, 1024),
	}
}

// AppendHistory stores a row, assigning an id when it has none
func (s *History) AppendHistory(ctx context.Context, row pipeline.HistoryRow) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	if row.ID == "" {
		row.ID = fmt.Sprintf("%d", s.nextID)
	}
	row.Data = copyData(row.Data)
	s.rows = append(s.rows, row)
	return nil
}

// QueryHistory retrieves rows matching the query
func (s *History) QueryHistory(ctx context.Context, q storage.HistoryQuery) ([]pipeline.HistoryRow, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []pipeline.HistoryRow
	for _, r := range s.rows {
		if q.Matches(r) {
			matched = append(matched, r)
		}
	}

	sort.SliceStable(matched, func(i, j int) bool {
		if q.Order == storage.Descending {
			return matched[i].ChangeDate.After(matched[j].ChangeDate)
		}
		return matched[i].ChangeDate.Before(matched[j].ChangeDate)
	})

	if q.Offset > 0 {
		if q.Offset >= len(matched) {
			return nil, nil
		}
		matched = matched[q.Offset:]
	}
	if q.Limit > 0 && len(matched) > q.Limit {
		matched = matched[:q.Limit]
	}

	results := make([]pipeline.HistoryRow, len(matched))
	for i, r := range matched {
		r.Data = copyData(r.Data)
		results[i] = r
	}
	return results, nil
}

// DeleteHistory removes rows matching the query
func (s *History) DeleteHistory(ctx context.Context, q storage.HistoryQuery) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := make([]pipeline.HistoryRow, 0, len(s.rows))
	for _, r := range s.rows {
		if !q.Matches(r) {
			kept = append(kept, r)
		}
	}
	deleted := len(s.rows) - len(kept)
	s.rows = kept
	return deleted, nil
}

// Len returns the number of stored rows
func (s *History) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rows)
}

// Close is a no-op for memory storage
func (s *History) Close() error {
	return nil
}

// Pipelines stores pipelines in memory.
type Pipelines struct {
	items map[string]*pipeline.Pipeline
	mu    sync.RWMutex
}

// NewPipelines creates an in-memory pipeline store
func NewPipelines() *Pipelines {
	return &Pipelines{items: make(map[string]*pipeline.Pipeline)}
}

// ListPipelines returns every pipeline ordered by asset type
func (s *Pipelines) ListPipelines(ctx context.Context) ([]pipeline.Pipeline, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]pipeline.Pipeline, 0, len(s.items))
	for _, p := range s.items {
		out = append(out, *p.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AssetTypeID < out[j].AssetTypeID })
	return out, nil
}

// GetPipeline returns one pipeline
func (s *Pipelines) GetPipeline(ctx context.Context, assetTypeID string) (*pipeline.Pipeline, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.items[assetTypeID]
	if !ok {
		return nil, fmt.Errorf("pipeline %q: %w", assetTypeID, storage.ErrNotFound)
	}
	return p.Clone(), nil
}

// CreatePipeline stores a new pipeline
func (s *Pipelines) CreatePipeline(ctx context.Context, p *pipeline.Pipeline) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.items[p.AssetTypeID]; exists {
		return fmt.Errorf("pipeline %q already exists: %w", p.AssetTypeID, storage.ErrConflict)
	}
	p.Version = 1
	s.items[p.AssetTypeID] = p.Clone()
	return nil
}

// UpdatePipeline replaces a pipeline when the version matches
func (s *Pipelines) UpdatePipeline(ctx context.Context, p *pipeline.Pipeline) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.items[p.AssetTypeID]
	if !ok {
		return fmt.Errorf("pipeline %q: %w", p.AssetTypeID, storage.ErrNotFound)
	}
	if cur.Version != p.Version {
		return fmt.Errorf("pipeline %q at version %d, have %d: %w", p.AssetTypeID, cur.Version, p.Version, storage.ErrConflict)
	}
	p.Version++
	s.items[p.AssetTypeID] = p.Clone()
	return nil
}

// DeletePipeline removes a pipeline
func (s *Pipelines) DeletePipeline(ctx context.Context, assetTypeID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.items[assetTypeID]; !ok {
		return fmt.Errorf("pipeline %q: %w", assetTypeID, storage.ErrNotFound)
	}
	delete(s.items, assetTypeID)
	return nil
}

// Close is a no-op for memory storage
func (s *Pipelines) Close() error {
	return nil
}

func copyData(in map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
