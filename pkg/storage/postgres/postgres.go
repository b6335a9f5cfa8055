package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nicktill/tinyforecast/pkg/pipeline"
	"github.com/nicktill/tinyforecast/pkg/storage"
)

const schema = `
CREATE TABLE IF NOT EXISTS forecast_pipelines (
	asset_type_id TEXT PRIMARY KEY,
	data          JSONB NOT NULL,
	version       BIGINT NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS asset_history (
	id          BIGSERIAL PRIMARY KEY,
	asset_id    TEXT NOT NULL,
	change_date TIMESTAMPTZ NOT NULL,
	changes     JSONB NOT NULL
);

CREATE INDEX IF NOT EXISTS asset_history_asset_date_idx
	ON asset_history (asset_id, change_date);
`

// Storage implements storage.HistoryStore and storage.PipelineStore on
// PostgreSQL
type Storage struct {
	pool *pgxpool.Pool
}

// New connects to PostgreSQL and ensures the schema exists
func New(ctx context.Context, dsn string) (*Storage, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to reach postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return &Storage{pool: pool}, nil
}

// AppendHistory stores one history row
func (s *Storage) AppendHistory(ctx context.Context, row pipeline.HistoryRow) error {
	changes, err := json.Marshal(row.Data)
	if err != nil {
		return fmt.Errorf("failed to encode row: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO asset_history (asset_id, change_date, changes) VALUES ($1, $2, $3)`,
		row.AssetID, row.ChangeDate.UTC(), string(changes))
	if err != nil {
		return fmt.Errorf("failed to insert row: %w", err)
	}
	return nil
}

// QueryHistory retrieves rows matching q
func (s *Storage) QueryHistory(ctx context.Context, q storage.HistoryQuery) ([]pipeline.HistoryRow, error) {
	sql, args := buildSelect(q)
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var results []pipeline.HistoryRow
	for rows.Next() {
		var (
			id      int64
			assetID string
			date    time.Time
			changes []byte
		)
		if err := rows.Scan(&id, &assetID, &date, &changes); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		row := pipeline.HistoryRow{
			ID:         strconv.FormatInt(id, 10),
			AssetID:    assetID,
			ChangeDate: date.UTC(),
		}
		if err := json.Unmarshal(changes, &row.Data); err != nil {
			return nil, fmt.Errorf("failed to decode row %d: %w", id, err)
		}
		results = append(results, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}
	return results, nil
}

// DeleteHistory removes rows matching q
func (s *Storage) DeleteHistory(ctx context.Context, q storage.HistoryQuery) (int, error) {
	sql, args := buildDelete(q)
	tag, err := s.pool.Exec(ctx, sql, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to delete history: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// ListPipelines returns every pipeline ordered by asset type
func (s *Storage) ListPipelines(ctx context.Context) ([]pipeline.Pipeline, error) {
	rows, err := s.pool.Query(ctx, `SELECT data, version FROM forecast_pipelines ORDER BY asset_type_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list pipelines: %w", err)
	}
	defer rows.Close()

	var out []pipeline.Pipeline
	for rows.Next() {
		p, err := scanPipeline(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}
	return out, nil
}

// GetPipeline returns one pipeline
func (s *Storage) GetPipeline(ctx context.Context, assetTypeID string) (*pipeline.Pipeline, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT data, version FROM forecast_pipelines WHERE asset_type_id = $1`, assetTypeID)
	p, err := scanPipeline(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("pipeline %q: %w", assetTypeID, storage.ErrNotFound)
	}
	return p, err
}

// CreatePipeline stores a new pipeline at version 1
func (s *Storage) CreatePipeline(ctx context.Context, p *pipeline.Pipeline) error {
	stored := *p
	stored.Version = 1
	data, err := json.Marshal(&stored)
	if err != nil {
		return fmt.Errorf("failed to encode pipeline: %w", err)
	}
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO forecast_pipelines (asset_type_id, data, version) VALUES ($1, $2, 1)
		 ON CONFLICT (asset_type_id) DO NOTHING`,
		p.AssetTypeID, string(data))
	if err != nil {
		return fmt.Errorf("failed to insert pipeline: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("pipeline %q already exists: %w", p.AssetTypeID, storage.ErrConflict)
	}
	p.Version = 1
	return nil
}

// UpdatePipeline replaces a pipeline when its stored version matches
func (s *Storage) UpdatePipeline(ctx context.Context, p *pipeline.Pipeline) error {
	stored := *p
	stored.Version = p.Version + 1
	data, err := json.Marshal(&stored)
	if err != nil {
		return fmt.Errorf("failed to encode pipeline: %w", err)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE forecast_pipelines SET data = $1, version = version + 1
		 WHERE asset_type_id = $2 AND version = $3`,
		string(data), p.AssetTypeID, p.Version)
	if err != nil {
		return fmt.Errorf("failed to update pipeline: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetPipeline(ctx, p.AssetTypeID); err != nil {
			return err
		}
		return fmt.Errorf("pipeline %q changed since version %d: %w", p.AssetTypeID, p.Version, storage.ErrConflict)
	}
	p.Version++
	return nil
}

// DeletePipeline removes a pipeline
func (s *Storage) DeletePipeline(ctx context.Context, assetTypeID string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM forecast_pipelines WHERE asset_type_id = $1`, assetTypeID)
	if err != nil {
		return fmt.Errorf("failed to delete pipeline: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("pipeline %q: %w", assetTypeID, storage.ErrNotFound)
	}
	return nil
}

// Close releases the connection pool
func (s *Storage) Close() error {
	s.pool.Close()
	return nil
}

func scanPipeline(row pgx.Row) (*pipeline.Pipeline, error) {
	var (
		data    []byte
		version int64
	)
	if err := row.Scan(&data, &version); err != nil {
		return nil, err
	}
	var p pipeline.Pipeline
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to decode pipeline: %w", err)
	}
	p.Version = version
	return &p, nil
}

// buildWhere renders the filters of q as a WHERE clause with positional
// arguments.
func buildWhere(q storage.HistoryQuery) (string, []interface{}) {
	args := []interface{}{q.AssetID}
	conds := []string{"asset_id = $1"}

	add := func(format string, v interface{}) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(format, len(args)))
	}
	if q.After != nil {
		add("change_date > $%d", q.After.UTC())
	}
	if q.AtOrAfter != nil {
		add("change_date >= $%d", q.AtOrAfter.UTC())
	}
	if q.Before != nil {
		add("change_date < $%d", q.Before.UTC())
	}

	const synthetic = "EXISTS (SELECT 1 FROM jsonb_object_keys(changes) k WHERE starts_with(k, '" + pipeline.PredictedPrefix + "'))"
	switch q.Synthetic {
	case storage.OnlySynthetic:
		conds = append(conds, synthetic)
	case storage.ExcludeSynthetic:
		conds = append(conds, "NOT "+synthetic)
	}

	return "WHERE " + strings.Join(conds, " AND "), args
}

func buildSelect(q storage.HistoryQuery) (string, []interface{}) {
	where, args := buildWhere(q)

	dir := "ASC"
	if q.Order == storage.Descending {
		dir = "DESC"
	}

	var b strings.Builder
	b.WriteString("SELECT id, asset_id, change_date, changes FROM asset_history ")
	b.WriteString(where)
	fmt.Fprintf(&b, " ORDER BY change_date %s, id %s", dir, dir)
	if q.Limit > 0 {
		args = append(args, q.Limit)
		fmt.Fprintf(&b, " LIMIT $%d", len(args))
	}
	if q.Offset > 0 {
		args = append(args, q.Offset)
		fmt.Fprintf(&b, " OFFSET $%d", len(args))
	}
	return b.String(), args
}

func buildDelete(q storage.HistoryQuery) (string, []interface{}) {
	where, args := buildWhere(q)
	return "DELETE FROM asset_history " + where, args
}
