// Package collaborators provides the default production implementations
// of the handlers.Evaluator/Fetcher/BulkLoader/PortfolioScorer interfaces.
// Per spec.md section 1's Non-goals, the analytics/market-data bodies
// themselves are out of scope for this subsystem: these are honest thin
// stubs that prove the registry/execution contract end to end (progress
// reporting, cancellation, result shape) without pretending to run real
// indicator math or hit a live market-data feed. A production deployment
// swaps these for real collaborators without touching the registry or
// worker runtime.
package collaborators

import (
	"context"
	"fmt"
	"time"
)

// Evaluator is the default handlers.Evaluator: it reports that the
// indicator ran and echoes its inputs, rather than computing anything.
type Evaluator struct{}

func NewEvaluator() *Evaluator { return &Evaluator{} }

func (e *Evaluator) Evaluate(ctx context.Context, symbol, indicator string) (map[string]any, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	return map[string]any{
		"symbol":      symbol,
		"indicator":   indicator,
		"computedAt":  time.Now().UTC().Format(time.RFC3339),
	}, nil
}

// Fetcher is the default handlers.Fetcher: it reports that a price fetch
// was attempted, without calling any live feed.
type Fetcher struct{}

func NewFetcher() *Fetcher { return &Fetcher{} }

func (f *Fetcher) FetchPrice(ctx context.Context, symbol string) (map[string]any, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	return map[string]any{
		"symbol":     symbol,
		"fetchedAt":  time.Now().UTC().Format(time.RFC3339),
	}, nil
}

// BulkLoader is the default handlers.BulkLoader: it reports that an
// import was attempted against a source/path, without reading any rows.
// DataImport still reports proportional progress via onBatch so the
// debounced progress path is genuinely exercised.
type BulkLoader struct{}

func NewBulkLoader() *BulkLoader { return &BulkLoader{} }

func (l *BulkLoader) Load(ctx context.Context, source, path string, onBatch func(loaded, total int)) (int, error) {
	if source == "" || path == "" {
		return 0, fmt.Errorf("collaborators: source and path are required")
	}
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	default:
	}
	onBatch(0, 0)
	return 0, nil
}

// PortfolioScorer is the default handlers.PortfolioScorer: it reports
// that scoring was attempted for a portfolio, without computing a score.
type PortfolioScorer struct{}

func NewPortfolioScorer() *PortfolioScorer { return &PortfolioScorer{} }

func (s *PortfolioScorer) Score(ctx context.Context, portfolioID string) (map[string]any, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	return map[string]any{
		"portfolioId": portfolioID,
		"scoredAt":    time.Now().UTC().Format(time.RFC3339),
	}, nil
}
