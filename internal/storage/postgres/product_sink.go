// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/catalog-crawler/internal/crawler"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

const defaultProductTable = "products"

// productColumns is the insert column order; productArgs must match it.
var productColumns = []string{
	"product_code",
	"product_id",
	"catalog_id",
	"brand_id",
	"brand_name",
	"model",
	"package",
	"description",
	"stock",
	"prices",
	"attributes",
	"content_hash",
	"fetched_at",
}

// PoolConfig controls the pgx connection pool shared by the Postgres stores.
type PoolConfig struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// NewPool opens a pgx pool using cfg.
func NewPool(ctx context.Context, cfg PoolConfig) (*pgxpool.Pool, error) {
	if cfg.DSN == "" {
		return nil, errors.New("storage.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return pool, nil
}

type execCloser interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Close()
}

// ProductSink upserts product records keyed by product_code. Rows whose
// content hash is unchanged are left untouched.
type ProductSink struct {
	pool  execCloser
	table string
}

var _ crawler.Sink = (*ProductSink)(nil)

// NewProductSink constructs a sink over an existing pool.
func NewProductSink(pool execCloser, table string) (*ProductSink, error) {
	if pool == nil {
		return nil, errors.New("pool is required")
	}
	if table == "" {
		table = defaultProductTable
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &ProductSink{pool: pool, table: table}, nil
}

// Close releases the underlying pool resources.
func (s *ProductSink) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// UpsertBatch writes records in one statement and returns how many distinct
// product codes are now current in the table.
func (s *ProductSink) UpsertBatch(ctx context.Context, records []crawler.Record) (int, error) {
	if s == nil || s.pool == nil {
		return 0, errors.New("product sink is not configured")
	}
	batch := dedupeByCode(records)
	if len(batch) == 0 {
		return 0, nil
	}
	args := make([]any, 0, len(batch)*len(productColumns))
	for _, rec := range batch {
		recArgs, err := productArgs(rec)
		if err != nil {
			return 0, err
		}
		args = append(args, recArgs...)
	}
	if _, err := s.pool.Exec(ctx, s.upsertSQL(len(batch)), args...); err != nil {
		return 0, fmt.Errorf("upsert products: %w", err)
	}
	return len(batch), nil
}

func (s *ProductSink) upsertSQL(rows int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "INSERT INTO %s (%s) VALUES ", s.table, strings.Join(productColumns, ", "))
	n := 1
	for i := 0; i < rows; i++ {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteByte('(')
		for j := range productColumns {
			if j > 0 {
				b.WriteByte(',')
			}
			fmt.Fprintf(&b, "$%d", n)
			n++
		}
		b.WriteByte(')')
	}
	b.WriteString(" ON CONFLICT (product_code) DO UPDATE SET ")
	for i, col := range productColumns[1:] {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%s = EXCLUDED.%s", col, col)
	}
	fmt.Fprintf(&b, " WHERE %s.content_hash IS DISTINCT FROM EXCLUDED.content_hash", s.table)
	return b.String()
}

func productArgs(rec crawler.Record) ([]any, error) {
	prices := rec.Prices
	if prices == nil {
		prices = []crawler.PriceBreak{}
	}
	pricesJSON, err := json.Marshal(prices)
	if err != nil {
		return nil, fmt.Errorf("marshal prices for %s: %w", rec.ProductCode, err)
	}
	attrs := rec.Attributes
	if attrs == nil {
		attrs = map[string]string{}
	}
	attrsJSON, err := json.Marshal(attrs)
	if err != nil {
		return nil, fmt.Errorf("marshal attributes for %s: %w", rec.ProductCode, err)
	}
	return []any{
		rec.ProductCode,
		rec.ProductID,
		rec.CatalogID,
		rec.BrandID,
		rec.BrandName,
		rec.Model,
		rec.Package,
		rec.Description,
		rec.Stock,
		pricesJSON,
		attrsJSON,
		rec.ContentHash,
		rec.FetchedAt,
	}, nil
}

// dedupeByCode keeps the last record per product code in first-seen order.
// A single INSERT may not touch the same conflict key twice.
func dedupeByCode(records []crawler.Record) []crawler.Record {
	index := make(map[string]int, len(records))
	out := make([]crawler.Record, 0, len(records))
	for _, rec := range records {
		if rec.ProductCode == "" {
			continue
		}
		if i, ok := index[rec.ProductCode]; ok {
			out[i] = rec
			continue
		}
		index[rec.ProductCode] = len(out)
		out = append(out, rec)
	}
	return out
}
