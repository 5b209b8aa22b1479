package catalog

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/JakeFAU/catalog-crawler/internal/crawler"
	"github.com/JakeFAU/catalog-crawler/internal/errkind"
	"github.com/JakeFAU/catalog-crawler/internal/hash/sha256"
)

const defaultCurrency = "USD"

// Parser maps marketplace product rows onto crawler.Record.
type Parser struct {
	hasher   crawler.Hasher
	clock    crawler.Clock
	currency string
}

var _ crawler.Parser = (*Parser)(nil)

// NewParser builds a Parser. A nil hasher uses SHA-256; an empty currency
// defaults to USD.
func NewParser(hasher crawler.Hasher, clock crawler.Clock, currency string) *Parser {
	if hasher == nil {
		hasher = sha256.New()
	}
	if currency == "" {
		currency = defaultCurrency
	}
	return &Parser{hasher: hasher, clock: clock, currency: currency}
}

// ToDomainRecord converts one row. Rows without a product code are rejected
// with *errkind.ValidationError.
func (p *Parser) ToDomainRecord(row crawler.RawRow) (crawler.Record, error) {
	code := str(row, "productCode")
	if code == "" {
		return crawler.Record{}, &errkind.ValidationError{Field: "productCode", Reason: "is required"}
	}
	rec := crawler.Record{
		ProductCode: code,
		ProductID:   str(row, "productId"),
		CatalogID:   str(row, "catalogId"),
		BrandID:     str(row, "brandId"),
		BrandName:   str(row, "brandNameEn", "brandName"),
		Model:       str(row, "productModel"),
		Package:     str(row, "encapStandard"),
		Description: str(row, "productIntroEn", "productDescEn"),
		Stock:       num(row, "stockNumber"),
		Prices:      p.prices(row["productPriceList"]),
		Attributes:  attributes(row["paramVOList"]),
	}

	canonical, err := json.Marshal(rec)
	if err != nil {
		return crawler.Record{}, fmt.Errorf("encode record %s: %w", code, err)
	}
	sum, err := p.hasher.Hash(canonical)
	if err != nil {
		return crawler.Record{}, fmt.Errorf("hash record %s: %w", code, err)
	}
	rec.ContentHash = sum
	if p.clock != nil {
		rec.FetchedAt = p.clock.Now()
	} else {
		rec.FetchedAt = time.Now().UTC()
	}
	return rec, nil
}

func (p *Parser) prices(v any) []crawler.PriceBreak {
	list, ok := v.([]any)
	if !ok || len(list) == 0 {
		return nil
	}
	out := make([]crawler.PriceBreak, 0, len(list))
	for _, item := range list {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		qty := num(m, "ladder", "startNumber")
		price, ok := float(m, "usdPrice", "productPrice", "currencyPrice")
		if qty <= 0 || !ok {
			continue
		}
		out = append(out, crawler.PriceBreak{Quantity: qty, Price: price, Currency: p.currency})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Quantity < out[j].Quantity })
	return out
}

func attributes(v any) map[string]string {
	list, ok := v.([]any)
	if !ok || len(list) == 0 {
		return nil
	}
	out := make(map[string]string, len(list))
	for _, item := range list {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		name := str(m, "paramNameEn", "paramName")
		if name == "" {
			continue
		}
		value := str(m, "paramValueEn", "paramValue")
		if value == "" || value == "-" {
			continue
		}
		out[name] = value
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func str(m map[string]any, keys ...string) string {
	for _, k := range keys {
		switch v := m[k].(type) {
		case string:
			if s := strings.TrimSpace(v); s != "" {
				return s
			}
		case float64:
			if v == math.Trunc(v) {
				return strconv.FormatInt(int64(v), 10)
			}
			return strconv.FormatFloat(v, 'f', -1, 64)
		case json.Number:
			return v.String()
		}
	}
	return ""
}

func num(m map[string]any, keys ...string) int {
	for _, k := range keys {
		switch v := m[k].(type) {
		case float64:
			return int(v)
		case int:
			return v
		case string:
			if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
				return n
			}
		}
	}
	return 0
}

func float(m map[string]any, keys ...string) (float64, bool) {
	for _, k := range keys {
		switch v := m[k].(type) {
		case float64:
			return v, true
		case int:
			return float64(v), true
		case string:
			if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
				return f, true
			}
		}
	}
	return 0, false
}
