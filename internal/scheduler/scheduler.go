// Package scheduler keeps the queue stocked with one AUTO task per leaf
// catalog node.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-crawler/internal/crawler"
)

// Submitter schedules targets; dispatcher.Pool satisfies it.
type Submitter interface {
	Enqueue(ctx context.Context, req crawler.SubmitRequest) (string, error)
}

// SyncResult summarises one full sync.
type SyncResult struct {
	Leaves    int           `json:"leaves"`
	Submitted int           `json:"submitted"`
	Busy      int           `json:"busy"`
	Queued    int           `json:"queued"`
	Failed    int           `json:"failed"`
	Duration  time.Duration `json:"duration"`
}

// Scheduler submits the catalog tree on demand or on an interval.
type Scheduler struct {
	api      crawler.APIClient
	submit   Submitter
	interval time.Duration
	logger   *zap.Logger
}

// New builds a Scheduler. A zero interval disables Run's loop.
func New(api crawler.APIClient, submit Submitter, interval time.Duration, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{api: api, submit: submit, interval: interval, logger: logger}
}

// FullSync fetches the catalog tree and submits every leaf at AUTO priority.
// Targets being processed count as busy; targets already pending at an equal
// or higher priority are left alone and count as queued.
func (s *Scheduler) FullSync(ctx context.Context) (SyncResult, error) {
	start := time.Now()
	tree, err := s.api.FetchCatalogTree(ctx)
	if err != nil {
		return SyncResult{}, fmt.Errorf("fetch catalog tree: %w", err)
	}

	var res SyncResult
	var firstErr error
	for _, leaf := range Leaves(tree) {
		res.Leaves++
		target := crawler.TargetRef{CatalogID: leaf.CatalogID, Level: leaf.Level, ExpectedCount: leaf.ProductCount}
		_, err := s.submit.Enqueue(ctx, crawler.SubmitRequest{
			Target:     target,
			Priority:   crawler.PriorityAuto,
			KeepQueued: true,
		})
		switch {
		case err == nil:
			res.Submitted++
		case errors.Is(err, crawler.ErrTaskBusy):
			res.Busy++
		case errors.Is(err, crawler.ErrTaskQueued):
			res.Queued++
		default:
			res.Failed++
			if firstErr == nil {
				firstErr = err
			}
			if ctx.Err() != nil {
				return res, fmt.Errorf("full sync interrupted: %w", ctx.Err())
			}
		}
	}
	res.Duration = time.Since(start)
	s.logger.Info("full sync finished",
		zap.Int("leaves", res.Leaves),
		zap.Int("submitted", res.Submitted),
		zap.Int("busy", res.Busy),
		zap.Int("queued", res.Queued),
		zap.Int("failed", res.Failed),
		zap.Duration("duration", res.Duration),
	)
	if firstErr != nil {
		return res, fmt.Errorf("submit %d leaf targets: %w", res.Failed, firstErr)
	}
	return res, nil
}

// Run performs a full sync every interval until ctx is done.
func (s *Scheduler) Run(ctx context.Context) {
	if s.interval <= 0 {
		return
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.FullSync(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("scheduled full sync failed", zap.Error(err))
			}
		}
	}
}

// Leaves flattens tree into the nodes that have no children.
func Leaves(tree []crawler.CatalogNode) []crawler.CatalogNode {
	var out []crawler.CatalogNode
	var walk func([]crawler.CatalogNode)
	walk = func(nodes []crawler.CatalogNode) {
		for _, n := range nodes {
			if len(n.Children) == 0 {
				out = append(out, n)
				continue
			}
			walk(n.Children)
		}
	}
	walk(tree)
	return out
}
