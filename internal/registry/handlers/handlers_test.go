package handlers

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/quantdesk/marketjobs/internal/execctx"
	"github.com/quantdesk/marketjobs/internal/job"
	"github.com/quantdesk/marketjobs/internal/platform/logger"
	"github.com/quantdesk/marketjobs/internal/queue"
)

// noopBackend satisfies queue.Backend with no-ops, just enough for
// execctx.Context to have somewhere to send debounced progress updates
// during a handler test.
type noopBackend struct{}

func (noopBackend) RegisterWorker(context.Context, *job.WorkerRecord) error      { return nil }
func (noopBackend) UpdateWorkerStatus(context.Context, string, job.WorkerStatus) error {
	return nil
}
func (noopBackend) Heartbeat(context.Context, string, time.Time) error     { return nil }
func (noopBackend) UnregisterWorker(context.Context, string) error         { return nil }
func (noopBackend) Enqueue(context.Context, *job.Job) (string, error)      { return "", nil }
func (noopBackend) Claim(context.Context, string, queue.ClaimFilter, time.Time) ([]*job.Job, error) {
	return nil, nil
}
func (noopBackend) Start(context.Context, string, string, time.Time) error { return nil }
func (noopBackend) Progress(context.Context, string, string, int, string) error {
	return nil
}
func (noopBackend) Complete(context.Context, string, string, map[string]any, time.Time) error {
	return nil
}
func (noopBackend) Fail(context.Context, string, string, string, time.Time) error { return nil }
func (noopBackend) Timeout(context.Context, string, string, time.Time) error      { return nil }
func (noopBackend) ReapStale(context.Context, time.Time, time.Duration) (int, error) {
	return 0, nil
}
func (noopBackend) QueryStats(context.Context, queue.StatsWindow) (*queue.Stats, error) {
	return &queue.Stats{}, nil
}
func (noopBackend) Close() error { return nil }

type fakeEvaluator struct {
	calls []string
	err   error
}

func (f *fakeEvaluator) Evaluate(_ context.Context, symbol, indicator string) (map[string]any, error) {
	f.calls = append(f.calls, symbol+":"+indicator)
	if f.err != nil {
		return nil, f.err
	}
	return map[string]any{"symbol": symbol, "indicator": indicator, "value": 1.23}, nil
}

type fakeFetcher struct{ err error }

func (f *fakeFetcher) FetchPrice(_ context.Context, symbol string) (map[string]any, error) {
	if f.err != nil {
		return nil, f.err
	}
	return map[string]any{"symbol": symbol, "price": 42.0}, nil
}

type fakeLoader struct {
	rows  int
	err   error
	batches []int
}

func (f *fakeLoader) Load(_ context.Context, source, path string, onBatch func(loaded, total int)) (int, error) {
	if f.err != nil {
		return 0, f.err
	}
	onBatch(f.rows/2, f.rows)
	f.batches = append(f.batches, f.rows/2)
	onBatch(f.rows, f.rows)
	f.batches = append(f.batches, f.rows)
	return f.rows, nil
}

type fakeScorer struct{ err error }

func (f *fakeScorer) Score(_ context.Context, portfolioID string) (map[string]any, error) {
	if f.err != nil {
		return nil, f.err
	}
	return map[string]any{"portfolioId": portfolioID, "score": 0.87}, nil
}

func testExecCtx(t *testing.T, params map[string]any) *execctx.Context {
	t.Helper()
	log, err := logger.New(logger.Config{Mode: "development", Level: "debug"})
	require.NoError(t, err)
	j := &job.Job{ID: "job-1", Kind: "test", Parameters: params}
	return execctx.New(context.Background(), noopBackend{}, "worker-1", j, log, 0)
}

func TestTechnicalAnalysisExecute(t *testing.T) {
	ev := &fakeEvaluator{}
	h := &TechnicalAnalysis{Evaluator: ev}
	ec := testExecCtx(t, map[string]any{"symbols": []any{"AAPL", "MSFT"}, "indicator": "rsi"})
	defer ec.Stop()

	out, err := h.Execute(ec)
	require.NoError(t, err)
	require.Equal(t, "rsi", out["indicator"])
	require.Len(t, ev.calls, 2)
}

func TestTechnicalAnalysisRequiresSymbols(t *testing.T) {
	h := &TechnicalAnalysis{Evaluator: &fakeEvaluator{}}
	ec := testExecCtx(t, map[string]any{"indicator": "rsi"})
	defer ec.Stop()

	_, err := h.Execute(ec)
	require.Error(t, err)
}

func TestTechnicalAnalysisPropagatesEvaluatorError(t *testing.T) {
	h := &TechnicalAnalysis{Evaluator: &fakeEvaluator{err: errors.New("boom")}}
	ec := testExecCtx(t, map[string]any{"symbols": []any{"AAPL"}, "indicator": "rsi"})
	defer ec.Stop()

	_, err := h.Execute(ec)
	require.ErrorContains(t, err, "boom")
}

func TestPriceUpdateExecute(t *testing.T) {
	h := &PriceUpdate{Fetcher: &fakeFetcher{}}
	ec := testExecCtx(t, map[string]any{"symbols": []any{"AAPL"}})
	defer ec.Stop()

	out, err := h.Execute(ec)
	require.NoError(t, err)
	prices := out["prices"].(map[string]any)
	require.Contains(t, prices, "AAPL")
}

func TestDataImportExecute(t *testing.T) {
	loader := &fakeLoader{rows: 100}
	h := &DataImport{Loader: loader}
	ec := testExecCtx(t, map[string]any{"source": "s3", "path": "bucket/file.csv"})
	defer ec.Stop()

	out, err := h.Execute(ec)
	require.NoError(t, err)
	require.Equal(t, 100, out["rowsLoaded"])
	require.Equal(t, []int{50, 100}, loader.batches)
}

func TestDataImportRequiresPath(t *testing.T) {
	h := &DataImport{Loader: &fakeLoader{rows: 10}}
	ec := testExecCtx(t, map[string]any{"source": "s3"})
	defer ec.Stop()

	_, err := h.Execute(ec)
	require.Error(t, err)
}

func TestPortfolioAnalysisExecute(t *testing.T) {
	h := &PortfolioAnalysis{Scorer: &fakeScorer{}}
	ec := testExecCtx(t, map[string]any{"portfolioId": "pf-1"})
	defer ec.Stop()

	out, err := h.Execute(ec)
	require.NoError(t, err)
	require.Equal(t, "pf-1", out["portfolioId"])
	require.Equal(t, []string{"portfolio_scoring"}, h.DeclaredCapabilities())
}
