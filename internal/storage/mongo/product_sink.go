// Package mongo stores product records in a MongoDB collection.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/JakeFAU/catalog-crawler/internal/crawler"
)

// Config names the deployment and collection that hold products.
type Config struct {
	URI        string        `mapstructure:"uri"`
	Database   string        `mapstructure:"database"`
	Collection string        `mapstructure:"collection"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

const (
	defaultCollection = "products"
	defaultTimeout    = 10 * time.Second
)

// ProductSink upserts records keyed by product_code with unordered bulk writes.
type ProductSink struct {
	client *mongo.Client
	coll   *mongo.Collection
}

var _ crawler.Sink = (*ProductSink)(nil)

// Connect dials cfg.URI, pings the deployment and ensures the unique
// product_code index exists.
func Connect(ctx context.Context, cfg Config) (*ProductSink, error) {
	if cfg.URI == "" || cfg.Database == "" {
		return nil, errors.New("mongo uri and database are required")
	}
	if cfg.Collection == "" {
		cfg.Collection = defaultCollection
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	dialCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	client, err := mongo.Connect(dialCtx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(dialCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongo: %w", err)
	}
	sink := &ProductSink{
		client: client,
		coll:   client.Database(cfg.Database).Collection(cfg.Collection),
	}
	if err := sink.EnsureIndexes(dialCtx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	return sink, nil
}

// NewProductSink wraps an existing collection; Close becomes a no-op.
func NewProductSink(coll *mongo.Collection) (*ProductSink, error) {
	if coll == nil {
		return nil, errors.New("collection is required")
	}
	return &ProductSink{coll: coll}, nil
}

// EnsureIndexes creates the unique product_code and catalog_id indexes.
func (s *ProductSink) EnsureIndexes(ctx context.Context) error {
	_, err := s.coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "product_code", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{{Key: "catalog_id", Value: 1}},
		},
	})
	if err != nil {
		return fmt.Errorf("create product indexes: %w", err)
	}
	return nil
}

// UpsertBatch writes every record with a product code and returns how many
// were written.
func (s *ProductSink) UpsertBatch(ctx context.Context, records []crawler.Record) (int, error) {
	models := upsertModels(records)
	if len(models) == 0 {
		return 0, nil
	}
	_, err := s.coll.BulkWrite(ctx, models, options.BulkWrite().SetOrdered(false))
	if err != nil {
		return 0, fmt.Errorf("bulk upsert products: %w", err)
	}
	return len(models), nil
}

// Close disconnects a client opened by Connect.
func (s *ProductSink) Close(ctx context.Context) error {
	if s == nil || s.client == nil {
		return nil
	}
	if err := s.client.Disconnect(ctx); err != nil {
		return fmt.Errorf("disconnect mongo: %w", err)
	}
	return nil
}

func upsertModels(records []crawler.Record) []mongo.WriteModel {
	models := make([]mongo.WriteModel, 0, len(records))
	for _, rec := range records {
		if rec.ProductCode == "" {
			continue
		}
		models = append(models, mongo.NewUpdateOneModel().
			SetFilter(bson.D{{Key: "product_code", Value: rec.ProductCode}}).
			SetUpdate(bson.D{
				{Key: "$set", Value: rec},
				{Key: "$setOnInsert", Value: bson.D{{Key: "first_seen_at", Value: rec.FetchedAt}}},
			}).
			SetUpsert(true))
	}
	return models
}
