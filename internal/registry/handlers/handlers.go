// Package handlers implements the four required built-in job kinds named
// in spec.md section 1: technical_analysis, price_update, data_import,
// portfolio_analysis. Each is a thin, honest stub that validates its
// parameters and drives the execution contract (progress reporting,
// context cancellation, result shape) without re-implementing the
// analytics math itself — that is explicitly out of scope per spec.md
// section 1's Non-goals. Production wiring supplies real collaborator
// implementations; tests use fakes.
package handlers

import (
	"context"
	"fmt"

	"github.com/quantdesk/marketjobs/internal/execctx"
)

// Evaluator runs a technical indicator over a symbol and returns an
// opaque, JSON-serializable result fragment.
type Evaluator interface {
	Evaluate(ctx context.Context, symbol, indicator string) (map[string]any, error)
}

// Fetcher retrieves the latest price for a symbol.
type Fetcher interface {
	FetchPrice(ctx context.Context, symbol string) (map[string]any, error)
}

// BulkLoader imports rows from a source path, returning a per-batch row
// count so the handler can report progress proportionally.
type BulkLoader interface {
	Load(ctx context.Context, source, path string, onBatch func(rowsLoaded, rowsTotal int)) (int, error)
}

// PortfolioScorer scores a portfolio and returns an opaque result.
type PortfolioScorer interface {
	Score(ctx context.Context, portfolioID string) (map[string]any, error)
}

func stringSlice(v any) ([]string, bool) {
	switch t := v.(type) {
	case []string:
		return t, true
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			s, ok := e.(string)
			if !ok {
				return nil, false
			}
			out = append(out, s)
		}
		return out, true
	default:
		return nil, false
	}
}

// TechnicalAnalysis validates params["symbols"] ([]string) and
// params["indicator"] (string), then runs the indicator against every
// symbol in turn, reporting progress per symbol.
type TechnicalAnalysis struct {
	Evaluator Evaluator
}

func (h *TechnicalAnalysis) Kind() string { return "technical_analysis" }

func (h *TechnicalAnalysis) DeclaredCapabilities() []string { return nil }

func (h *TechnicalAnalysis) Execute(ec *execctx.Context) (map[string]any, error) {
	rawSymbols, ok := ec.Param("symbols")
	if !ok {
		return nil, fmt.Errorf("technical_analysis: params.symbols is required")
	}
	symbols, ok := stringSlice(rawSymbols)
	if !ok || len(symbols) == 0 {
		return nil, fmt.Errorf("technical_analysis: params.symbols must be a non-empty string array")
	}
	indicator, ok := ec.ParamString("indicator")
	if !ok || indicator == "" {
		return nil, fmt.Errorf("technical_analysis: params.indicator is required")
	}

	results := make(map[string]any, len(symbols))
	for i, symbol := range symbols {
		select {
		case <-ec.Ctx.Done():
			return nil, ec.Ctx.Err()
		default:
		}
		res, err := h.Evaluator.Evaluate(ec.Ctx, symbol, indicator)
		if err != nil {
			return nil, fmt.Errorf("technical_analysis: evaluate %s: %w", symbol, err)
		}
		results[symbol] = res
		pct := ((i + 1) * 100) / len(symbols)
		ec.Progress(pct, fmt.Sprintf("evaluated %s (%d/%d)", symbol, i+1, len(symbols)))
	}
	return map[string]any{"indicator": indicator, "results": results}, nil
}

// PriceUpdate validates params["symbols"] ([]string) and fetches the
// latest price for each.
type PriceUpdate struct {
	Fetcher Fetcher
}

func (h *PriceUpdate) Kind() string { return "price_update" }

func (h *PriceUpdate) DeclaredCapabilities() []string { return nil }

func (h *PriceUpdate) Execute(ec *execctx.Context) (map[string]any, error) {
	rawSymbols, ok := ec.Param("symbols")
	if !ok {
		return nil, fmt.Errorf("price_update: params.symbols is required")
	}
	symbols, ok := stringSlice(rawSymbols)
	if !ok || len(symbols) == 0 {
		return nil, fmt.Errorf("price_update: params.symbols must be a non-empty string array")
	}

	prices := make(map[string]any, len(symbols))
	for i, symbol := range symbols {
		select {
		case <-ec.Ctx.Done():
			return nil, ec.Ctx.Err()
		default:
		}
		p, err := h.Fetcher.FetchPrice(ec.Ctx, symbol)
		if err != nil {
			return nil, fmt.Errorf("price_update: fetch %s: %w", symbol, err)
		}
		prices[symbol] = p
		pct := ((i + 1) * 100) / len(symbols)
		ec.Progress(pct, fmt.Sprintf("fetched %s (%d/%d)", symbol, i+1, len(symbols)))
	}
	return map[string]any{"prices": prices}, nil
}

// DataImport validates params["source"] and params["path"] (both
// strings) and streams rows through an injected BulkLoader, reporting
// progress by row-batch.
type DataImport struct {
	Loader BulkLoader
}

func (h *DataImport) Kind() string { return "data_import" }

func (h *DataImport) DeclaredCapabilities() []string { return []string{"bulk_import"} }

func (h *DataImport) Execute(ec *execctx.Context) (map[string]any, error) {
	source, ok := ec.ParamString("source")
	if !ok || source == "" {
		return nil, fmt.Errorf("data_import: params.source is required")
	}
	path, ok := ec.ParamString("path")
	if !ok || path == "" {
		return nil, fmt.Errorf("data_import: params.path is required")
	}

	rowsLoaded, err := h.Loader.Load(ec.Ctx, source, path, func(loaded, total int) {
		pct := 0
		if total > 0 {
			pct = (loaded * 100) / total
		}
		ec.Progress(pct, fmt.Sprintf("imported %d/%d rows", loaded, total))
	})
	if err != nil {
		return nil, fmt.Errorf("data_import: load %s from %s: %w", path, source, err)
	}
	return map[string]any{"source": source, "path": path, "rowsLoaded": rowsLoaded}, nil
}

// PortfolioAnalysis validates params["portfolioId"] (string) and scores
// the portfolio via an injected PortfolioScorer.
type PortfolioAnalysis struct {
	Scorer PortfolioScorer
}

func (h *PortfolioAnalysis) Kind() string { return "portfolio_analysis" }

func (h *PortfolioAnalysis) DeclaredCapabilities() []string { return []string{"portfolio_scoring"} }

func (h *PortfolioAnalysis) Execute(ec *execctx.Context) (map[string]any, error) {
	portfolioID, ok := ec.ParamString("portfolioId")
	if !ok || portfolioID == "" {
		return nil, fmt.Errorf("portfolio_analysis: params.portfolioId is required")
	}
	ec.Progress(10, "scoring portfolio")
	score, err := h.Scorer.Score(ec.Ctx, portfolioID)
	if err != nil {
		return nil, fmt.Errorf("portfolio_analysis: score %s: %w", portfolioID, err)
	}
	ec.Progress(100, "scoring complete")
	return map[string]any{"portfolioId": portfolioID, "score": score}, nil
}
