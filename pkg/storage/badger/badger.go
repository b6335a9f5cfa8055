package badger

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"

	"github.com/nicktill/tinyforecast/pkg/pipeline"
	"github.com/nicktill/tinyforecast/pkg/storage"
)

// Key prefixes
const (
	historyPrefix  byte = 0x01
	pipelinePrefix byte = 0x02
)

// historyKeyLen is prefix + asset hash + timestamp + sequence
const historyKeyLen = 1 + 8 + 8 + 8

// Storage implements storage.HistoryStore and storage.PipelineStore on
// BadgerDB (LSM tree)
type Storage struct {
	db  *badger.DB
	seq *badger.Sequence
}

// Config holds BadgerDB configuration
type Config struct {
	// Path to store database files
	Path string

	// InMemory mode (for testing)
	InMemory bool

	// MaxMemoryMB limits BadgerDB memory usage in MB (0 = use defaults based on environment)
	MaxMemoryMB int64
}

// New creates a BadgerDB storage backend
func New(cfg Config) (*Storage, error) {
	opts := badger.DefaultOptions(cfg.Path)

	if cfg.InMemory {
		opts = opts.WithInMemory(true)
	}
	opts = opts.WithLogger(nil)

	// 16 MB memtable is the floor for decent write performance
	memTableSize := int64(16 * 1024 * 1024)
	if cfg.MaxMemoryMB > 0 {
		memTableSize = cfg.MaxMemoryMB * 1024 * 1024 / 3
	}

	// Block and index caches are unbounded by default
	blockCacheSize := memTableSize / 2
	indexCacheSize := memTableSize / 4

	opts = opts.
		WithCompression(options.Snappy).
		WithNumVersionsToKeep(1).
		WithMemTableSize(memTableSize).
		WithNumMemtables(3).
		WithBlockCacheSize(blockCacheSize).
		WithIndexCacheSize(indexCacheSize).
		WithMaxLevels(4).
		WithNumLevelZeroTables(2).
		WithNumLevelZeroTablesStall(4).
		WithValueThreshold(1024).
		WithNumCompactors(1).
		WithValueLogMaxEntries(5000).
		WithValueLogFileSize(64 << 20) // 64 MB value log files instead of default 2GB

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger: %w", err)
	}

	seq, err := db.GetSequence([]byte("seq/history"), 1000)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to allocate history sequence: %w", err)
	}

	return &Storage{db: db, seq: seq}, nil
}

// AppendHistory stores one history row
func (s *Storage) AppendHistory(ctx context.Context, row pipeline.HistoryRow) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	id, err := s.seq.Next()
	if err != nil {
		return fmt.Errorf("failed to allocate row id: %w", err)
	}
	if row.ID == "" {
		row.ID = strconv.FormatUint(id, 10)
	}

	value, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("failed to encode row: %w", err)
	}
	key := makeHistoryKey(row.AssetID, row.ChangeDate, id)

	return s.run(ctx, "append", func() error {
		return s.db.Update(func(txn *badger.Txn) error {
			return txn.Set(key, value)
		})
	})
}

// QueryHistory retrieves rows matching q in change_date order
func (s *Storage) QueryHistory(ctx context.Context, q storage.HistoryQuery) ([]pipeline.HistoryRow, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var results []pipeline.HistoryRow
	err := s.run(ctx, "query", func() error {
		return s.db.View(func(txn *badger.Txn) error {
			skipped := 0
			return s.scan(ctx, txn, q, func(_ []byte, row pipeline.HistoryRow) bool {
				if skipped < q.Offset {
					skipped++
					return true
				}
				results = append(results, row)
				return q.Limit <= 0 || len(results) < q.Limit
			})
		})
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

// DeleteHistory removes rows matching q
func (s *Storage) DeleteHistory(ctx context.Context, q storage.HistoryQuery) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	var keysToDelete [][]byte
	err := s.run(ctx, "delete", func() error {
		if err := s.db.View(func(txn *badger.Txn) error {
			return s.scan(ctx, txn, q, func(key []byte, _ pipeline.HistoryRow) bool {
				keysToDelete = append(keysToDelete, key)
				return true
			})
		}); err != nil {
			return err
		}

		wb := s.db.NewWriteBatch()
		defer wb.Cancel()
		for _, key := range keysToDelete {
			if err := wb.Delete(key); err != nil {
				return err
			}
		}
		return wb.Flush()
	})
	if err != nil {
		return 0, err
	}
	return len(keysToDelete), nil
}

// scan walks the rows of one asset in key order, stopping when fn
// returns false.
func (s *Storage) scan(ctx context.Context, txn *badger.Txn, q storage.HistoryQuery, fn func(key []byte, row pipeline.HistoryRow) bool) error {
	prefix := assetPrefix(q.AssetID)

	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	opts.PrefetchSize = 100
	opts.Reverse = q.Order == storage.Descending

	it := txn.NewIterator(opts)
	defer it.Close()

	seek := prefix
	if opts.Reverse {
		seek = append(append([]byte(nil), prefix...), 0xFF)
	}

	var iterCount int
	for it.Seek(seek); it.ValidForPrefix(prefix); it.Next() {
		iterCount++
		if iterCount%1000 == 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
		}

		item := it.Item()
		key := item.Key()
		if len(key) != historyKeyLen {
			continue
		}
		ts := keyTime(key)
		if !inBounds(ts, q) {
			continue
		}

		// Values are always decoded to rule out hash collisions on the asset id.
		var row pipeline.HistoryRow
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &row)
		}); err != nil {
			return fmt.Errorf("failed to decode row: %w", err)
		}
		if !q.Matches(row) {
			continue
		}
		if !fn(item.KeyCopy(nil), row) {
			return nil
		}
	}
	return nil
}

func inBounds(ts time.Time, q storage.HistoryQuery) bool {
	if q.After != nil && !ts.After(*q.After) {
		return false
	}
	if q.AtOrAfter != nil && ts.Before(*q.AtOrAfter) {
		return false
	}
	if q.Before != nil && !ts.Before(*q.Before) {
		return false
	}
	return true
}

// ListPipelines returns every stored pipeline ordered by asset type
func (s *Storage) ListPipelines(ctx context.Context) ([]pipeline.Pipeline, error) {
	var out []pipeline.Pipeline
	err := s.run(ctx, "list pipelines", func() error {
		return s.db.View(func(txn *badger.Txn) error {
			opts := badger.DefaultIteratorOptions
			opts.Prefix = []byte{pipelinePrefix}
			it := txn.NewIterator(opts)
			defer it.Close()

			for it.Rewind(); it.Valid(); it.Next() {
				var p pipeline.Pipeline
				if err := it.Item().Value(func(val []byte) error {
					return json.Unmarshal(val, &p)
				}); err != nil {
					return fmt.Errorf("failed to decode pipeline: %w", err)
				}
				out = append(out, p)
			}
			return nil
		})
	})
	return out, err
}

// GetPipeline returns one pipeline
func (s *Storage) GetPipeline(ctx context.Context, assetTypeID string) (*pipeline.Pipeline, error) {
	var p *pipeline.Pipeline
	err := s.run(ctx, "get pipeline", func() error {
		return s.db.View(func(txn *badger.Txn) error {
			var err error
			p, err = readPipeline(txn, assetTypeID)
			return err
		})
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

// CreatePipeline stores a new pipeline at version 1
func (s *Storage) CreatePipeline(ctx context.Context, p *pipeline.Pipeline) error {
	return s.run(ctx, "create pipeline", func() error {
		err := s.db.Update(func(txn *badger.Txn) error {
			if _, err := txn.Get(pipelineKey(p.AssetTypeID)); err == nil {
				return fmt.Errorf("pipeline %q already exists: %w", p.AssetTypeID, storage.ErrConflict)
			} else if !errors.Is(err, badger.ErrKeyNotFound) {
				return err
			}
			stored := *p
			stored.Version = 1
			if err := writePipeline(txn, &stored); err != nil {
				return err
			}
			p.Version = 1
			return nil
		})
		return mapTxnErr(err)
	})
}

// UpdatePipeline replaces a pipeline when its stored version matches
func (s *Storage) UpdatePipeline(ctx context.Context, p *pipeline.Pipeline) error {
	return s.run(ctx, "update pipeline", func() error {
		err := s.db.Update(func(txn *badger.Txn) error {
			cur, err := readPipeline(txn, p.AssetTypeID)
			if err != nil {
				return err
			}
			if cur.Version != p.Version {
				return fmt.Errorf("pipeline %q at version %d, have %d: %w", p.AssetTypeID, cur.Version, p.Version, storage.ErrConflict)
			}
			stored := *p
			stored.Version = p.Version + 1
			return writePipeline(txn, &stored)
		})
		if err := mapTxnErr(err); err != nil {
			return err
		}
		p.Version++
		return nil
	})
}

// DeletePipeline removes a pipeline
func (s *Storage) DeletePipeline(ctx context.Context, assetTypeID string) error {
	return s.run(ctx, "delete pipeline", func() error {
		return s.db.Update(func(txn *badger.Txn) error {
			if _, err := readPipeline(txn, assetTypeID); err != nil {
				return err
			}
			return txn.Delete(pipelineKey(assetTypeID))
		})
	})
}

func readPipeline(txn *badger.Txn, assetTypeID string) (*pipeline.Pipeline, error) {
	item, err := txn.Get(pipelineKey(assetTypeID))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("pipeline %q: %w", assetTypeID, storage.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	var p pipeline.Pipeline
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &p)
	}); err != nil {
		return nil, fmt.Errorf("failed to decode pipeline: %w", err)
	}
	return &p, nil
}

func writePipeline(txn *badger.Txn, p *pipeline.Pipeline) error {
	value, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to encode pipeline: %w", err)
	}
	return txn.Set(pipelineKey(p.AssetTypeID), value)
}

// mapTxnErr turns badger's optimistic transaction conflict into the
// store's conflict error.
func mapTxnErr(err error) error {
	if errors.Is(err, badger.ErrConflict) {
		return fmt.Errorf("concurrent pipeline write: %w", storage.ErrConflict)
	}
	return err
}

// run executes op off the caller's goroutine so a cancelled context
// returns promptly even while badger is blocked.
func (s *Storage) run(ctx context.Context, name string, op func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	done := make(chan error, 1)
	go func() {
		done <- op()
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("%s operation cancelled: %w", name, ctx.Err())
	}
}

// Close shuts down BadgerDB cleanly
func (s *Storage) Close() error {
	if err := s.seq.Release(); err != nil {
		s.db.Close()
		return err
	}
	return s.db.Close()
}

// RunGC runs BadgerDB's value log garbage collection.
// discardRatio: run GC if this fraction of a file can be discarded (0.5 = 50%).
// Returns badger.ErrNoRewrite when there was nothing to collect.
func (s *Storage) RunGC(discardRatio float64) error {
	return s.db.RunValueLogGC(discardRatio)
}

// Size returns the on-disk size of the LSM tree and value log in bytes
func (s *Storage) Size() uint64 {
	lsm, vlog := s.db.Size()
	return uint64(lsm + vlog)
}

// assetPrefix is [prefix (1 byte)][asset hash (8 bytes)]
func assetPrefix(assetID string) []byte {
	key := make([]byte, 9)
	key[0] = historyPrefix
	binary.BigEndian.PutUint64(key[1:9], xxhash.Sum64String(assetID))
	return key
}

// makeHistoryKey creates a sortable key: asset hash + timestamp + sequence
// Format: [prefix (1)][asset hash (8)][timestamp (8)][sequence (8)]
func makeHistoryKey(assetID string, ts time.Time, seq uint64) []byte {
	key := make([]byte, historyKeyLen)
	copy(key, assetPrefix(assetID))
	binary.BigEndian.PutUint64(key[9:17], uint64(ts.UnixNano()))
	binary.BigEndian.PutUint64(key[17:25], seq)
	return key
}

// keyTime extracts the timestamp from a history key
func keyTime(key []byte) time.Time {
	return time.Unix(0, int64(binary.BigEndian.Uint64(key[9:17]))).UTC()
}

func pipelineKey(assetTypeID string) []byte {
	return append([]byte{pipelinePrefix}, assetTypeID...)
}
