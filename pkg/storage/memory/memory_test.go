package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nicktill/tinyforecast/pkg/pipeline"
	"github.com/nicktill/tinyforecast/pkg/storage"
)

var base = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

func seed(t *testing.T, s *History) {
	t.Helper()
	ctx := context.Background()
	rows := []pipeline.HistoryRow{
		{AssetID: "a1", ChangeDate: base.Add(2 * time.Minute), Data: map[string]interface{}{"temp": 2.0}},
		{AssetID: "a1", ChangeDate: base, Data: map[string]interface{}{"temp": 0.0}},
		{AssetID: "a1", ChangeDate: base.Add(time.Minute), Data: map[string]interface{}{"temp": 1.0}},
		{AssetID: "a1", ChangeDate: base.Add(time.Hour), Data: map[string]interface{}{"predicted_temp": 9.0}},
		{AssetID: "a2", ChangeDate: base, Data: map[string]interface{}{"temp": 5.0}},
	}
	for _, r := range rows {
		if err := s.AppendHistory(ctx, r); err != nil {
			t.Fatalf("AppendHistory failed: %v", err)
		}
	}
}

func TestHistory_QueryOrderAndBounds(t *testing.T) {
	s := NewHistory()
	seed(t, s)
	ctx := context.Background()

	after := base
	results, err := s.QueryHistory(ctx, storage.HistoryQuery{
		AssetID:   "a1",
		After:     &after,
		Synthetic: storage.ExcludeSynthetic,
	})
	if err != nil {
		t.Fatalf("QueryHistory failed: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("Expected 2 rows, got %d", len(results))
	}
	if !results[0].ChangeDate.Equal(base.Add(time.Minute)) {
		t.Errorf("first row = %v, want ascending order", results[0].ChangeDate)
	}

	desc, err := s.QueryHistory(ctx, storage.HistoryQuery{AssetID: "a1", Order: storage.Descending, Limit: 1})
	if err != nil {
		t.Fatalf("QueryHistory failed: %v", err)
	}
	if len(desc) != 1 || !desc[0].ChangeDate.Equal(base.Add(time.Hour)) {
		t.Errorf("descending first = %v, want newest row", desc)
	}
}

func TestHistory_Pagination(t *testing.T) {
	s := NewHistory()
	seed(t, s)
	ctx := context.Background()

	page, err := s.QueryHistory(ctx, storage.HistoryQuery{AssetID: "a1", Offset: 1, Limit: 2})
	if err != nil {
		t.Fatalf("QueryHistory failed: %v", err)
	}
	if len(page) != 2 {
		t.Fatalf("Expected 2 rows, got %d", len(page))
	}
	if page[0].Data["temp"] != 1.0 {
		t.Errorf("page[0] = %v, want temp 1", page[0].Data)
	}

	empty, err := s.QueryHistory(ctx, storage.HistoryQuery{AssetID: "a1", Offset: 10, Limit: 2})
	if err != nil {
		t.Fatalf("QueryHistory failed: %v", err)
	}
	if len(empty) != 0 {
		t.Errorf("Expected empty page, got %d rows", len(empty))
	}
}

func TestHistory_DeleteSynthetic(t *testing.T) {
	s := NewHistory()
	seed(t, s)
	ctx := context.Background()

	from := base
	n, err := s.DeleteHistory(ctx, storage.HistoryQuery{AssetID: "a1", AtOrAfter: &from, Synthetic: storage.OnlySynthetic})
	if err != nil {
		t.Fatalf("DeleteHistory failed: %v", err)
	}
	if n != 1 {
		t.Errorf("deleted %d rows, want 1", n)
	}
	if s.Len() != 4 {
		t.Errorf("Len() = %d, want 4", s.Len())
	}
}

func TestOldestAndLatest(t *testing.T) {
	s := NewHistory()
	seed(t, s)
	ctx := context.Background()

	oldest, err := storage.Oldest(ctx, s, "a1")
	if err != nil {
		t.Fatalf("Oldest failed: %v", err)
	}
	if oldest == nil || !oldest.Equal(base) {
		t.Errorf("Oldest = %v, want %v", oldest, base)
	}

	latest, err := storage.Latest(ctx, s, "a1", base.Add(24*time.Hour))
	if err != nil {
		t.Fatalf("Latest failed: %v", err)
	}
	if latest == nil || !latest.Equal(base.Add(2*time.Minute)) {
		t.Errorf("Latest = %v, want last raw row", latest)
	}

	none, err := storage.Oldest(ctx, s, "missing")
	if err != nil {
		t.Fatalf("Oldest failed: %v", err)
	}
	if none != nil {
		t.Errorf("Oldest for unknown asset = %v, want nil", none)
	}
}

func TestPipelines_VersionConflict(t *testing.T) {
	s := NewPipelines()
	ctx := context.Background()

	p := &pipeline.Pipeline{AssetTypeID: "pump", Assets: []pipeline.Asset{{ID: "a1"}}}
	if err := s.CreatePipeline(ctx, p); err != nil {
		t.Fatalf("CreatePipeline failed: %v", err)
	}
	if err := s.CreatePipeline(ctx, p); !errors.Is(err, storage.ErrConflict) {
		t.Errorf("duplicate create error = %v, want ErrConflict", err)
	}

	first, _ := s.GetPipeline(ctx, "pump")
	second, _ := s.GetPipeline(ctx, "pump")

	first.Assets[0].Model = "gs://m1"
	if err := s.UpdatePipeline(ctx, first); err != nil {
		t.Fatalf("UpdatePipeline failed: %v", err)
	}
	if first.Version != 2 {
		t.Errorf("Version = %d, want 2", first.Version)
	}

	second.Assets[0].Model = "gs://m2"
	if err := s.UpdatePipeline(ctx, second); !errors.Is(err, storage.ErrConflict) {
		t.Errorf("stale update error = %v, want ErrConflict", err)
	}

	got, _ := s.GetPipeline(ctx, "pump")
	if got.Assets[0].Model != "gs://m1" {
		t.Errorf("Model = %q, want gs://m1", got.Assets[0].Model)
	}
}

func TestPipelines_ReturnsCopies(t *testing.T) {
	s := NewPipelines()
	ctx := context.Background()
	_ = s.CreatePipeline(ctx, &pipeline.Pipeline{AssetTypeID: "pump", Assets: []pipeline.Asset{{ID: "a1"}}})

	list, _ := s.ListPipelines(ctx)
	list[0].Assets[0].Model = "mutated"

	got, _ := s.GetPipeline(ctx, "pump")
	if got.Assets[0].Model != "" {
		t.Error("caller mutation leaked into the store")
	}
}

func TestPipelines_Delete(t *testing.T) {
	s := NewPipelines()
	ctx := context.Background()
	_ = s.CreatePipeline(ctx, &pipeline.Pipeline{AssetTypeID: "pump"})

	if err := s.DeletePipeline(ctx, "pump"); err != nil {
		t.Fatalf("DeletePipeline failed: %v", err)
	}
	if _, err := s.GetPipeline(ctx, "pump"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("GetPipeline after delete = %v, want ErrNotFound", err)
	}
}
