package memory

import (
	"context"
	"testing"

	"github.com/JakeFAU/catalog-crawler/internal/crawler"
)

func TestProductSinkIdempotentUpsert(t *testing.T) {
	t.Parallel()

	sink := NewProductSink()
	ctx := context.Background()
	batch := []crawler.Record{
		{ProductCode: "C1", ContentHash: "a"},
		{ProductCode: "C2", ContentHash: "b"},
		{ProductCode: ""},
	}
	saved, err := sink.UpsertBatch(ctx, batch)
	if err != nil || saved != 2 {
		t.Fatalf("UpsertBatch() = %d, %v", saved, err)
	}
	saved, err = sink.UpsertBatch(ctx, batch)
	if err != nil || saved != 2 {
		t.Fatalf("replayed UpsertBatch() = %d, %v", saved, err)
	}
	if sink.Len() != 2 || sink.Writes() != 2 {
		t.Fatalf("expected replay to be a no-op, len=%d writes=%d", sink.Len(), sink.Writes())
	}

	if _, err := sink.UpsertBatch(ctx, []crawler.Record{{ProductCode: "C1", ContentHash: "c", Stock: 9}}); err != nil {
		t.Fatalf("UpsertBatch() error = %v", err)
	}
	rec, ok := sink.Get("C1")
	if !ok || rec.Stock != 9 || sink.Writes() != 3 {
		t.Fatalf("expected changed hash to overwrite, got %+v writes=%d", rec, sink.Writes())
	}
}

func TestProductSinkHonorsCanceledContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := NewProductSink().UpsertBatch(ctx, []crawler.Record{{ProductCode: "C1"}}); err == nil {
		t.Fatal("expected canceled context error")
	}
}
