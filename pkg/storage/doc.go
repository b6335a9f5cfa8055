/*
Package storage defines the persistence contracts of the forecasting service.

# Stores

Two interfaces cover everything the service keeps:

  - HistoryStore: time-stamped change records per asset, both raw readings
    and synthetic predicted_* rows written back from forecasts
  - PipelineStore: one forecasting pipeline per asset type, including the
    per-asset schedule state

Backends:

  - memory: in-process maps for tests and development
  - badger: BadgerDB for a single node
  - postgres: JSONB tables via pgx for shared deployments

# Optimistic Versioning

Pipelines carry a Version token. CreatePipeline stores version 1 and
UpdatePipeline only succeeds when the stored version still equals the
caller's, then bumps it. A mismatch returns ErrConflict; callers re-read
and re-apply their change. Package metastore wraps this with a lock and
a bounded retry.

# Queries

HistoryQuery selects rows of one asset:

	after := asset.LastSyncTime
	rows, err := store.QueryHistory(ctx, storage.HistoryQuery{
	    AssetID:   "asset-1",
	    After:     after,
	    Synthetic: storage.ExcludeSynthetic,
	    Order:     storage.Ascending,
	    Limit:     1000,
	})

Oldest and Latest are shorthands for the first and last raw record.
*/
package storage
