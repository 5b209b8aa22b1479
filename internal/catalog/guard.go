package catalog

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/JakeFAU/catalog-crawler/internal/crawler"
	"github.com/JakeFAU/catalog-crawler/internal/errkind"
	"github.com/JakeFAU/catalog-crawler/internal/policy/ratelimit"
)

// Pacer spaces calls per endpoint and learns from their outcomes.
type Pacer interface {
	Acquire(ctx context.Context, endpoint string) error
	Report(endpoint string, out ratelimit.Outcome)
}

// Retrier repeats a single outbound call.
type Retrier interface {
	Do(ctx context.Context, op func(ctx context.Context) error) error
}

// Guard wraps an APIClient so every attempt waits for the limiter and
// reports back to it, with transport retries around the whole exchange.
type Guard struct {
	next      crawler.APIClient
	pacer     Pacer
	transport Retrier
	clock     crawler.Clock
	tracer    trace.Tracer
}

// GuardOption customizes a Guard.
type GuardOption func(*Guard)

// WithTracer records one span per logical call on t instead of the global provider.
func WithTracer(t trace.Tracer) GuardOption {
	return func(g *Guard) {
		g.tracer = t
	}
}

var _ crawler.APIClient = (*Guard)(nil)

// NewGuard builds a Guard. A nil transport runs each call once.
func NewGuard(next crawler.APIClient, pacer Pacer, transport Retrier, clock crawler.Clock, opts ...GuardOption) *Guard {
	g := &Guard{
		next:      next,
		pacer:     pacer,
		transport: transport,
		clock:     clock,
		tracer:    otel.Tracer("github.com/JakeFAU/catalog-crawler/internal/catalog"),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *Guard) now() time.Time {
	if g.clock == nil {
		return time.Now()
	}
	return g.clock.Now()
}

func (g *Guard) call(ctx context.Context, endpoint string, op func(ctx context.Context) error) (err error) {
	ctx, span := g.tracer.Start(ctx, "catalog "+endpoint, trace.WithSpanKind(trace.SpanKindClient))
	attempts := 0
	defer func() {
		span.SetAttributes(
			attribute.String("catalog.endpoint", endpoint),
			attribute.Int("catalog.attempts", attempts),
		)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			if status := errkind.StatusOf(err); status > 0 {
				span.SetAttributes(attribute.Int("http.response.status_code", status))
			}
		}
		span.End()
	}()

	attempt := func(ctx context.Context) error {
		attempts++
		if g.pacer != nil {
			if err := g.pacer.Acquire(ctx, endpoint); err != nil {
				return err
			}
		}
		start := g.now()
		err := op(ctx)
		// An attempt cut short by the caller says nothing about the endpoint.
		if g.pacer != nil && ctx.Err() == nil {
			g.pacer.Report(endpoint, ratelimit.Outcome{
				Success: err == nil,
				Status:  errkind.StatusOf(err),
				Latency: g.now().Sub(start),
			})
		}
		return err
	}
	if g.transport == nil {
		return attempt(ctx)
	}
	return g.transport.Do(ctx, attempt)
}

// FetchPage implements crawler.APIClient.
func (g *Guard) FetchPage(ctx context.Context, target crawler.TargetRef, page int) (crawler.Page, error) {
	var out crawler.Page
	err := g.call(ctx, EndpointQueryList, func(ctx context.Context) error {
		p, err := g.next.FetchPage(ctx, target, page)
		if err != nil {
			return err
		}
		out = p
		return nil
	})
	return out, err
}

// FetchFacetGroups implements crawler.APIClient.
func (g *Guard) FetchFacetGroups(ctx context.Context, target crawler.TargetRef) (map[string]any, error) {
	var out map[string]any
	err := g.call(ctx, EndpointParamGroup, func(ctx context.Context) error {
		groups, err := g.next.FetchFacetGroups(ctx, target)
		if err != nil {
			return err
		}
		out = groups
		return nil
	})
	return out, err
}

// FetchCatalogTree implements crawler.APIClient.
func (g *Guard) FetchCatalogTree(ctx context.Context) ([]crawler.CatalogNode, error) {
	var out []crawler.CatalogNode
	err := g.call(ctx, EndpointCatalogList, func(ctx context.Context) error {
		nodes, err := g.next.FetchCatalogTree(ctx)
		if err != nil {
			return err
		}
		out = nodes
		return nil
	})
	return out, err
}
