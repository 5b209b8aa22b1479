// Package catalog talks to the marketplace catalog API: a Colly-backed JSON
// client, a pacing/retry decorator around it, and the row parser.
package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/catalog-crawler/internal/crawler"
	"github.com/JakeFAU/catalog-crawler/internal/metrics"
)

// Marketplace endpoints, relative to Config.BaseURL.
const (
	EndpointCatalogList = "/catalog/list"
	EndpointParamGroup  = "/query/param/group"
	EndpointQueryList   = "/query/list"
)

const (
	defaultPageSize    = 25
	defaultTimeout     = 30 * time.Second
	defaultMaxBodySize = 32 << 20
)

// Config controls the marketplace client.
type Config struct {
	BaseURL   string
	Timeout   time.Duration
	UserAgent string
	PageSize  int
	// Headers are added to every request, e.g. Referer or Origin.
	Headers map[string]string
}

// Client implements crawler.APIClient over JSON POST requests.
type Client struct {
	cfg  Config
	base *colly.Collector
}

var _ crawler.APIClient = (*Client)(nil)

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// NewClient builds a Client. BaseURL is required.
func NewClient(cfg Config) (*Client, error) {
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if cfg.BaseURL == "" {
		return nil, errors.New("api base url is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = defaultPageSize
	}
	c := colly.NewCollector(colly.Async(false))
	c.AllowURLRevisit = true
	c.IgnoreRobotsTxt = true
	c.ParseHTTPErrorResponse = true
	c.MaxBodySize = defaultMaxBodySize
	c.WithTransport(newHTTPTransport())
	if cfg.UserAgent != "" {
		c.UserAgent = cfg.UserAgent
	}
	return &Client{cfg: cfg, base: c}, nil
}

// PageSize reports the rows requested per list page.
func (c *Client) PageSize() int {
	return c.cfg.PageSize
}

// FetchPage requests one page of the target's product list.
func (c *Client) FetchPage(ctx context.Context, target crawler.TargetRef, page int) (crawler.Page, error) {
	if page < 1 {
		page = 1
	}
	body := c.listBody(target)
	body["currentPage"] = page
	body["pageSize"] = c.cfg.PageSize

	raw, result, err := c.post(ctx, EndpointQueryList, body)
	if err != nil {
		return crawler.Page{}, err
	}
	var list struct {
		DataList []crawler.RawRow `json:"dataList"`
	}
	if len(result) > 0 {
		if err := json.Unmarshal(result, &list); err != nil {
			return crawler.Page{}, fmt.Errorf("decode %s rows: %w", EndpointQueryList, err)
		}
	}
	var fields map[string]any
	if len(result) > 0 {
		if err := json.Unmarshal(result, &fields); err != nil {
			return crawler.Page{}, fmt.Errorf("decode %s paging: %w", EndpointQueryList, err)
		}
	}
	out := crawler.Page{
		Rows:        list.DataList,
		CurrentPage: firstInt(fields, "currPage", "currentPage"),
		TotalPages:  firstInt(fields, "totalPage", "totalPages"),
		TotalRows:   firstInt(fields, "totalRow", "totalRows", "totalCount"),
		Body:        raw,
	}
	if out.CurrentPage == 0 {
		out.CurrentPage = page
	}
	if out.TotalPages == 0 && out.TotalRows > 0 {
		out.TotalPages = int(math.Ceil(float64(out.TotalRows) / float64(c.cfg.PageSize)))
	}
	return out, nil
}

// FetchFacetGroups returns the facet groups available for the target.
func (c *Client) FetchFacetGroups(ctx context.Context, target crawler.TargetRef) (map[string]any, error) {
	_, result, err := c.post(ctx, EndpointParamGroup, c.listBody(target))
	if err != nil {
		return nil, err
	}
	groups := map[string]any{}
	if len(result) > 0 {
		if err := json.Unmarshal(result, &groups); err != nil {
			return nil, fmt.Errorf("decode %s: %w", EndpointParamGroup, err)
		}
	}
	return groups, nil
}

type catalogEntry struct {
	CatalogID     json.Number    `json:"catalogId"`
	CatalogName   string         `json:"catalogName"`
	CatalogNameEn string         `json:"catalogNameEn"`
	ProductNum    int            `json:"productNum"`
	Children      []catalogEntry `json:"childCatelogs"`
	ChildrenAlt   []catalogEntry `json:"childCatalogs"`
}

// FetchCatalogTree returns the category tree with product counts.
func (c *Client) FetchCatalogTree(ctx context.Context) ([]crawler.CatalogNode, error) {
	_, result, err := c.post(ctx, EndpointCatalogList, map[string]any{})
	if err != nil {
		return nil, err
	}
	var tree struct {
		CatalogList []catalogEntry `json:"catalogList"`
	}
	if len(result) > 0 {
		if err := json.Unmarshal(result, &tree); err != nil {
			return nil, fmt.Errorf("decode %s: %w", EndpointCatalogList, err)
		}
	}
	return toNodes(tree.CatalogList, crawler.LevelTop), nil
}

func toNodes(entries []catalogEntry, level crawler.Level) []crawler.CatalogNode {
	if len(entries) == 0 {
		return nil
	}
	out := make([]crawler.CatalogNode, 0, len(entries))
	for _, e := range entries {
		name := e.CatalogNameEn
		if name == "" {
			name = e.CatalogName
		}
		children := e.Children
		if len(children) == 0 {
			children = e.ChildrenAlt
		}
		out = append(out, crawler.CatalogNode{
			CatalogID:    e.CatalogID.String(),
			Name:         name,
			Level:        level,
			ProductCount: e.ProductNum,
			Children:     toNodes(children, level+1),
		})
	}
	return out
}

// listBody builds the query filter for target; accumulated filter params win
// over the defaults.
func (c *Client) listBody(target crawler.TargetRef) map[string]any {
	body := map[string]any{
		"keyword":          "",
		"catalogIdList":    []any{catalogIDValue(target.CatalogID)},
		"isStock":          false,
		"isOtherSuppliers": false,
		"isAsianBrand":     false,
		"isDeals":          false,
		"isEnvironment":    false,
	}
	for k, v := range target.FilterParams {
		body[k] = v
	}
	return body
}

func catalogIDValue(id string) any {
	if n, err := strconv.Atoi(id); err == nil {
		return n
	}
	return id
}

type envelope struct {
	Code   *int            `json:"code"`
	Msg    string          `json:"msg"`
	Result json.RawMessage `json:"result"`
}

// post sends body to endpoint and returns the raw response and its result field.
func (c *Client) post(ctx context.Context, endpoint string, body any) ([]byte, json.RawMessage, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, nil, fmt.Errorf("encode %s request: %w", endpoint, err)
	}

	var (
		status   int
		respBody []byte
		fetchErr error
	)
	collector := c.base.Clone()
	collector.SetRequestTimeout(c.cfg.Timeout)
	c.configureHooks(collector, &status, &respBody, &fetchErr)

	if err := c.run(ctx, collector, c.cfg.BaseURL+endpoint, payload, &fetchErr); err != nil {
		metrics.ObservePage(endpoint, "error", 0)
		return nil, nil, err
	}
	metrics.ObservePage(endpoint, strconv.Itoa(status), len(respBody))
	if status < 200 || status >= 300 {
		return nil, nil, &crawler.StatusError{Endpoint: endpoint, Code: status}
	}

	var env envelope
	if err := json.Unmarshal(respBody, &env); err != nil {
		return nil, nil, fmt.Errorf("decode %s response: %w", endpoint, err)
	}
	if env.Code != nil && *env.Code != 0 && *env.Code != http.StatusOK {
		if *env.Code >= 400 && *env.Code < 600 {
			return nil, nil, &crawler.StatusError{Endpoint: endpoint, Code: *env.Code}
		}
		return nil, nil, fmt.Errorf("%s: api code %d: %s", endpoint, *env.Code, env.Msg)
	}
	return respBody, env.Result, nil
}

func (c *Client) configureHooks(hooks collectorHooks, status *int, body *[]byte, fetchErr *error) {
	hooks.OnRequest(func(r *colly.Request) {
		r.Headers.Set("Content-Type", "application/json")
		r.Headers.Set("Accept", "application/json, text/plain, */*")
		for k, v := range c.cfg.Headers {
			r.Headers.Set(k, v)
		}
	})
	hooks.OnResponse(func(r *colly.Response) {
		*status = r.StatusCode
		*body = append([]byte(nil), r.Body...)
	})
	hooks.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode != 0 {
			*status = r.StatusCode
			*body = append([]byte(nil), r.Body...)
			return
		}
		*fetchErr = err
	})
}

func (c *Client) run(ctx context.Context, collector *colly.Collector, url string, payload []byte, fetchErr *error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("catalog request canceled: %w", err)
	}
	done := make(chan error, 1)
	go func() {
		done <- collector.PostRaw(url, payload)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("catalog request canceled: %w", ctx.Err())
	case err := <-done:
		if *fetchErr != nil {
			return fmt.Errorf("catalog request failed: %w", *fetchErr)
		}
		if err != nil {
			return fmt.Errorf("catalog request failed: %w", err)
		}
		return nil
	}
}

func firstInt(fields map[string]any, keys ...string) int {
	for _, k := range keys {
		switch v := fields[k].(type) {
		case float64:
			return int(v)
		case string:
			if n, err := strconv.Atoi(v); err == nil {
				return n
			}
		}
	}
	return 0
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          20,
		IdleConnTimeout:       90 * time.Second,
	}
}
