package aggregator

import (
	"context"
	"errors"
	"testing"
	"time"

	"fundingflow/internal/cache"
	"fundingflow/internal/exchange"
	"fundingflow/internal/model"
)

type stubFetcher struct {
	exch  model.Exchange
	snaps []model.MarketSnapshot
	src   string
	err   error
	calls int
}

func (s *stubFetcher) Exchange() model.Exchange { return s.exch }

func (s *stubFetcher) Fetch(ctx context.Context) ([]model.MarketSnapshot, error) {
	snaps, _, err := s.FetchWithSource(ctx)
	return snaps, err
}

func (s *stubFetcher) FetchWithSource(ctx context.Context) ([]model.MarketSnapshot, string, error) {
	s.calls++
	return s.snaps, s.src, s.err
}

func snap(exch model.Exchange, symbol string, rate float64) model.MarketSnapshot {
	return model.MarketSnapshot{
		Exchange:       exch,
		Symbol:         symbol,
		FundingRateRaw: model.Float(rate),
		UpdatedAt:      time.Now().UTC(),
	}
}

func newTestAggregator(opts Options, fetchers ...exchange.Fetcher) *Aggregator {
	// empty addr disables redis; only local + LKG layers are active
	return New(fetchers, cache.New("", "", 0), opts)
}

func TestFetchSnapshotsMergesSortedAndRecordsSources(t *testing.T) {
	agg := newTestAggregator(Options{},
		&stubFetcher{exch: model.ExchangeOkx, src: model.SourceLegacyRest, snaps: []model.MarketSnapshot{
			snap(model.ExchangeOkx, "ETHUSDT", 0.0002),
			snap(model.ExchangeOkx, "BTCUSDT", 0.0001),
		}},
		&stubFetcher{exch: model.ExchangeBinance, src: model.SourceSDK, snaps: []model.MarketSnapshot{
			snap(model.ExchangeBinance, "BTCUSDT", 0.0003),
		}},
	)

	batch := agg.FetchSnapshots(context.Background(), false)
	if len(batch.Errors) != 0 {
		t.Fatalf("unexpected errors: %v", batch.Errors)
	}
	if len(batch.Snapshots) != 3 {
		t.Fatalf("expected 3 snapshots, got %d", len(batch.Snapshots))
	}

	wantOrder := []struct {
		symbol string
		exch   model.Exchange
	}{
		{"BTCUSDT", model.ExchangeBinance},
		{"BTCUSDT", model.ExchangeOkx},
		{"ETHUSDT", model.ExchangeOkx},
	}
	for i, want := range wantOrder {
		got := batch.Snapshots[i]
		if got.Symbol != want.symbol || got.Exchange != want.exch {
			t.Errorf("position %d: got %s/%s, want %s/%s", i, got.Symbol, got.Exchange, want.symbol, want.exch)
		}
	}

	sources, _ := batch.Meta["exchange_sources"].(map[string]string)
	if sources["binance"] != model.SourceSDK || sources["okx"] != model.SourceLegacyRest {
		t.Errorf("unexpected sources: %v", sources)
	}
	if hit, _ := batch.Meta["cache_hit"].(bool); hit {
		t.Error("live fetch must report cache_hit=false")
	}
}

func TestFetchSnapshotsDeduplicatesWithinExchange(t *testing.T) {
	first := snap(model.ExchangeBinance, "BTCUSDT", 0.0001)
	second := snap(model.ExchangeBinance, "BTCUSDT", 0.0009)
	agg := newTestAggregator(Options{},
		&stubFetcher{exch: model.ExchangeBinance, src: model.SourceSDK, snaps: []model.MarketSnapshot{first, second}},
	)

	batch := agg.FetchSnapshots(context.Background(), false)
	if len(batch.Snapshots) != 1 {
		t.Fatalf("expected 1 snapshot after dedupe, got %d", len(batch.Snapshots))
	}
	if got := batch.Snapshots[0].FundingRateRaw; got == nil || *got != 0.0009 {
		t.Errorf("last duplicate should win, got rate %v", got)
	}
}

func TestFetchSnapshotsLocalSlotAvoidsRefetch(t *testing.T) {
	fetcher := &stubFetcher{exch: model.ExchangeBinance, src: model.SourceSDK, snaps: []model.MarketSnapshot{
		snap(model.ExchangeBinance, "BTCUSDT", 0.0001),
	}}
	agg := newTestAggregator(Options{SnapshotTTL: time.Minute}, fetcher)

	agg.FetchSnapshots(context.Background(), false)
	cached := agg.FetchSnapshots(context.Background(), false)

	if fetcher.calls != 1 {
		t.Fatalf("expected a single live fetch, got %d", fetcher.calls)
	}
	if hit, _ := cached.Meta["cache_hit"].(bool); !hit {
		t.Error("second read should hit the local slot")
	}
	if layer, _ := cached.Meta["cache_layer"].(string); layer != "local" {
		t.Errorf("expected local layer, got %q", layer)
	}
}

func TestFetchSnapshotsForceRefreshBypassesCache(t *testing.T) {
	fetcher := &stubFetcher{exch: model.ExchangeBinance, src: model.SourceSDK, snaps: []model.MarketSnapshot{
		snap(model.ExchangeBinance, "BTCUSDT", 0.0001),
	}}
	agg := newTestAggregator(Options{SnapshotTTL: time.Minute}, fetcher)

	agg.FetchSnapshots(context.Background(), false)
	batch := agg.FetchSnapshots(context.Background(), true)

	if fetcher.calls != 2 {
		t.Fatalf("force refresh should refetch, got %d calls", fetcher.calls)
	}
	if hit, _ := batch.Meta["cache_hit"].(bool); hit {
		t.Error("forced batch must report cache_hit=false")
	}
}

func TestFetchSnapshotsEmptySuccessCountsAsFailure(t *testing.T) {
	agg := newTestAggregator(Options{},
		&stubFetcher{exch: model.ExchangeBinance, err: errors.New("binance: all fetch tiers failed: sdk=empty")},
	)

	batch := agg.FetchSnapshots(context.Background(), false)
	if len(batch.Snapshots) != 0 {
		t.Fatalf("expected no snapshots, got %d", len(batch.Snapshots))
	}
	if len(batch.Errors) != 1 || batch.Errors[0].Exchange != model.ExchangeBinance {
		t.Fatalf("expected one binance error, got %v", batch.Errors)
	}
	sources, _ := batch.Meta["exchange_sources"].(map[string]string)
	if sources["binance"] != model.SourceFailed {
		t.Errorf("expected failed source tag, got %v", sources)
	}
}

func TestFetchSnapshotsServesStaleWithinHorizon(t *testing.T) {
	fetcher := &stubFetcher{exch: model.ExchangeBinance, src: model.SourceSDK, snaps: []model.MarketSnapshot{
		snap(model.ExchangeBinance, "BTCUSDT", 0.0001),
	}}
	agg := newTestAggregator(Options{SnapshotTTL: 10 * time.Millisecond, StaleFactor: 1000}, fetcher)

	agg.FetchSnapshots(context.Background(), false)

	fetcher.snaps = nil
	fetcher.err = errors.New("boom")
	time.Sleep(20 * time.Millisecond)

	batch := agg.FetchSnapshots(context.Background(), false)
	if len(batch.Snapshots) != 1 {
		t.Fatalf("expected stale snapshot to be served, got %d rows", len(batch.Snapshots))
	}
	sources, _ := batch.Meta["exchange_sources"].(map[string]string)
	if sources["binance"] != model.SourceStale {
		t.Errorf("expected stale source tag, got %v", sources)
	}
	if len(batch.Errors) != 1 || !batch.Errors[0].Stale {
		t.Errorf("stale substitution should still surface the error, got %v", batch.Errors)
	}
}

func TestFetchSnapshotsStaleExpiresBeyondHorizon(t *testing.T) {
	fetcher := &stubFetcher{exch: model.ExchangeBinance, src: model.SourceSDK, snaps: []model.MarketSnapshot{
		snap(model.ExchangeBinance, "BTCUSDT", 0.0001),
	}}
	agg := newTestAggregator(Options{SnapshotTTL: time.Millisecond, StaleFactor: 1}, fetcher)

	agg.FetchSnapshots(context.Background(), false)

	fetcher.snaps = nil
	fetcher.err = errors.New("boom")
	time.Sleep(20 * time.Millisecond)

	batch := agg.FetchSnapshots(context.Background(), false)
	if len(batch.Snapshots) != 0 {
		t.Fatalf("stale data beyond horizon must not be served, got %d rows", len(batch.Snapshots))
	}
	sources, _ := batch.Meta["exchange_sources"].(map[string]string)
	if sources["binance"] != model.SourceFailed {
		t.Errorf("expected failed source tag, got %v", sources)
	}
}
