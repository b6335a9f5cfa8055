package analytics

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	bigquery "google.golang.org/api/bigquery/v2"
	"google.golang.org/api/option"
)

// BigQuery inserts rows through the tabledata.insertAll streaming API.
type BigQuery struct {
	svc     *bigquery.Service
	project string
	dataset string
	table   string
}

// NewBigQuery creates a streaming inserter. opts are passed to the API
// client, e.g. option.WithCredentialsFile or option.WithEndpoint.
func NewBigQuery(ctx context.Context, project, dataset, table string, opts ...option.ClientOption) (*BigQuery, error) {
	svc, err := bigquery.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create bigquery client: %w", err)
	}
	return &BigQuery{svc: svc, project: project, dataset: dataset, table: table}, nil
}

// InsertRows streams one batch. Any per-row insert error fails the batch.
func (b *BigQuery) InsertRows(ctx context.Context, rows []Row) error {
	req := &bigquery.TableDataInsertAllRequest{
		Rows: make([]*bigquery.TableDataInsertAllRequestRows, 0, len(rows)),
	}
	for _, r := range rows {
		req.Rows = append(req.Rows, &bigquery.TableDataInsertAllRequestRows{
			InsertId: insertID(r),
			Json: map[string]bigquery.JsonValue{
				"date_time":     r.DateTime.UTC().Format(time.RFC3339),
				"asset_type_id": r.AssetTypeID,
				"asset_id":      r.AssetID,
				"data":          r.Data,
			},
		})
	}

	resp, err := b.svc.Tabledata.InsertAll(b.project, b.dataset, b.table, req).Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("insertAll: %w", err)
	}
	if len(resp.InsertErrors) > 0 {
		var msgs []string
		for _, ie := range resp.InsertErrors {
			for _, e := range ie.Errors {
				msgs = append(msgs, fmt.Sprintf("row %d: %s", ie.Index, e.Message))
			}
		}
		return fmt.Errorf("insertAll rejected %d rows: %s", len(resp.InsertErrors), strings.Join(msgs, "; "))
	}
	return nil
}

// insertID lets BigQuery drop duplicates of a retried row.
func insertID(r Row) string {
	return r.AssetID + "-" + strconv.FormatInt(r.DateTime.UnixNano(), 10)
}
