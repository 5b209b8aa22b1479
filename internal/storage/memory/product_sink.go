package memory

import (
	"context"
	"sync"

	"github.com/JakeFAU/catalog-crawler/internal/crawler"
)

// ProductSink keeps the latest record per product code.
type ProductSink struct {
	mu      sync.RWMutex
	records map[string]crawler.Record
	writes  int
}

var _ crawler.Sink = (*ProductSink)(nil)

// NewProductSink constructs an empty sink.
func NewProductSink() *ProductSink {
	return &ProductSink{records: make(map[string]crawler.Record)}
}

// UpsertBatch stores records with a product code; an unchanged content hash
// is not counted as a write.
func (s *ProductSink) UpsertBatch(ctx context.Context, records []crawler.Record) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	saved := 0
	for _, rec := range records {
		if rec.ProductCode == "" {
			continue
		}
		saved++
		if prev, ok := s.records[rec.ProductCode]; ok && prev.ContentHash == rec.ContentHash && rec.ContentHash != "" {
			continue
		}
		s.records[rec.ProductCode] = rec
		s.writes++
	}
	return saved, nil
}

// Get returns the stored record for code.
func (s *ProductSink) Get(code string) (crawler.Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[code]
	return rec, ok
}

// Len reports the number of distinct products stored.
func (s *ProductSink) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Writes reports how many upserts changed stored content.
func (s *ProductSink) Writes() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.writes
}
