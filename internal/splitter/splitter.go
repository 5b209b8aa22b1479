// Package splitter breaks catalog nodes that exceed the upstream pagination
// ceiling into filtered sub-targets, one per facet value.
package splitter

import (
	"context"
	"fmt"
	"sort"
	"strconv"

	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-crawler/internal/crawler"
)

// Dimension names.
const (
	DimensionBrand   = "brand"
	DimensionPackage = "package"
)

// Config bounds when and how far a node is split.
type Config struct {
	Threshold int
	HardLimit int
	MaxUnits  int
}

// DefaultConfig leaves a buffer below the 5000-row upstream ceiling.
func DefaultConfig() Config {
	return Config{Threshold: 4800, HardLimit: 5000, MaxUnits: 500}
}

type dimension struct {
	name       string
	groupKeys  []string
	idKeys     []string
	nameKeys   []string
	filterName string
}

var dimensions = []dimension{
	{
		name:       DimensionBrand,
		groupKeys:  []string{"Manufacturer", "manufacturer", "Brand", "brand", "brandList", "brands"},
		idKeys:     []string{"brandId", "id", "catalogId"},
		nameKeys:   []string{"brandName", "name", "catalogName"},
		filterName: "brandIdList",
	},
	{
		name:       DimensionPackage,
		groupKeys:  []string{"Package", "package", "Encap", "encap", "encapStandard", "packageList"},
		idKeys:     []string{"paramValue", "value", "encapValue", "name"},
		nameKeys:   []string{"paramValue", "value", "encapValue", "name"},
		filterName: "encapValueList",
	},
}

var countKeys = []string{"productNum", "count", "num"}

// Splitter turns facet groups into split units.
type Splitter struct {
	cfg    Config
	api    crawler.APIClient
	logger *zap.Logger
}

// New constructs a Splitter. Zero config fields take defaults.
func New(cfg Config, api crawler.APIClient, logger *zap.Logger) *Splitter {
	d := DefaultConfig()
	if cfg.Threshold <= 0 {
		cfg.Threshold = d.Threshold
	}
	if cfg.HardLimit <= 0 {
		cfg.HardLimit = d.HardLimit
	}
	if cfg.MaxUnits <= 0 {
		cfg.MaxUnits = d.MaxUnits
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Splitter{cfg: cfg, api: api, logger: logger}
}

// NeedsSplit reports whether a node with total rows cannot be paged fully.
// Hitting the hard limit exactly means the real count is probably higher.
func (s *Splitter) NeedsSplit(total int) bool {
	return total > s.cfg.Threshold || total >= s.cfg.HardLimit
}

// SplitByDimension splits target by brand.
func (s *Splitter) SplitByDimension(ctx context.Context, target crawler.TargetRef) ([]crawler.SplitUnit, error) {
	return s.split(ctx, target, dimensions[:1])
}

// Split picks the dimension for target's split level, falling through to the
// next dimension when one yields nothing. An empty result means the node is
// unsplittable.
func (s *Splitter) Split(ctx context.Context, target crawler.TargetRef) ([]crawler.SplitUnit, error) {
	if target.SplitLevel >= len(dimensions) {
		return nil, nil
	}
	return s.split(ctx, target, dimensions[target.SplitLevel:])
}

func (s *Splitter) split(ctx context.Context, target crawler.TargetRef, dims []dimension) ([]crawler.SplitUnit, error) {
	groups, err := s.api.FetchFacetGroups(ctx, target)
	if err != nil {
		return nil, fmt.Errorf("fetch facet groups for %s: %w", target.Label(), err)
	}
	for _, dim := range dims {
		units := extract(dim, groups, target)
		if len(units) > 0 {
			return s.finish(target, units), nil
		}
		s.logger.Debug("dimension yielded no units",
			zap.String("target", target.Label()),
			zap.String("dimension", dim.name),
		)
	}
	return nil, nil
}

func (s *Splitter) finish(target crawler.TargetRef, units []crawler.SplitUnit) []crawler.SplitUnit {
	sort.SliceStable(units, func(i, j int) bool {
		return units[i].EstimatedCount > units[j].EstimatedCount
	})
	if len(units) > s.cfg.MaxUnits {
		dropped := 0
		for _, u := range units[s.cfg.MaxUnits:] {
			dropped += u.EstimatedCount
		}
		s.logger.Warn("split fan-out truncated",
			zap.String("target", target.Label()),
			zap.Int("units", len(units)),
			zap.Int("kept", s.cfg.MaxUnits),
			zap.Int("dropped_rows", dropped),
		)
		units = units[:s.cfg.MaxUnits]
	}
	if len(units) > 0 {
		s.logger.Info("split computed",
			zap.String("target", target.Label()),
			zap.String("dimension", units[0].DimensionName),
			zap.Int("units", len(units)),
		)
	}
	return units
}

func extract(dim dimension, groups map[string]any, parent crawler.TargetRef) []crawler.SplitUnit {
	var items []any
	for _, key := range dim.groupKeys {
		if list, ok := groups[key].([]any); ok {
			items = list
			break
		}
	}
	units := make([]crawler.SplitUnit, 0, len(items))
	for _, raw := range items {
		item, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		id := stringField(item, dim.idKeys...)
		if id == "" {
			continue
		}
		name := stringField(item, dim.nameKeys...)
		if name == "" {
			name = id
		}
		params := parent.CloneParams()
		params[dim.filterName] = []string{id}
		units = append(units, crawler.SplitUnit{
			DimensionName:  dim.name,
			FilterID:       id,
			FilterValue:    name,
			EstimatedCount: intField(item, countKeys...),
			Parent:         parent,
			FilterParams:   params,
		})
	}
	return units
}

func stringField(m map[string]any, keys ...string) string {
	for _, k := range keys {
		switch v := m[k].(type) {
		case string:
			if v != "" {
				return v
			}
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64)
		case int:
			return strconv.Itoa(v)
		case int64:
			return strconv.FormatInt(v, 10)
		}
	}
	return ""
}

func intField(m map[string]any, keys ...string) int {
	for _, k := range keys {
		switch v := m[k].(type) {
		case float64:
			return int(v)
		case int:
			return v
		case int64:
			return int(v)
		case string:
			if n, err := strconv.Atoi(v); err == nil {
				return n
			}
		}
	}
	return 0
}
