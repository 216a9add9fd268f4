// Package aggregator fans out to every exchange fetcher and merges the
// results into one snapshot batch, layering a process-local slot, the shared
// Redis cache, and last-known-good fallback so callers always get a batch.
package aggregator

import (
	"context"
	"sort"
	"sync"
	"time"

	"fundingflow/internal/cache"
	"fundingflow/internal/exchange"
	"fundingflow/internal/model"
	"fundingflow/logger"
)

const snapshotCacheKey = "fundingflow:market_snapshots"

// Options tunes the caching and staleness behavior.
type Options struct {
	// SnapshotTTL bounds both the local slot and the shared cache entry.
	SnapshotTTL time.Duration
	// ExchangeTimeout caps one exchange's whole fallback chain.
	ExchangeTimeout time.Duration
	// StaleFactor scales SnapshotTTL into the last-known-good horizon: a
	// failed exchange may be served from a previous fetch no older than
	// SnapshotTTL * StaleFactor.
	StaleFactor float64
}

func (o Options) snapshotTTL() time.Duration {
	if o.SnapshotTTL <= 0 {
		return 60 * time.Second
	}
	return o.SnapshotTTL
}

func (o Options) exchangeTimeout() time.Duration {
	if o.ExchangeTimeout <= 0 {
		return 25 * time.Second
	}
	return o.ExchangeTimeout
}

func (o Options) staleHorizon() time.Duration {
	factor := o.StaleFactor
	if factor <= 0 {
		factor = 30
	}
	return time.Duration(float64(o.snapshotTTL()) * factor)
}

type fetchOutcome struct {
	snapshots []model.MarketSnapshot
	source    string
	err       error
}

type lastKnownGood struct {
	snapshots []model.MarketSnapshot
	fetchedAt time.Time
}

// Aggregator owns the fetcher set and the cache layers.
type Aggregator struct {
	fetchers []exchange.Fetcher
	shared   *cache.Cache
	opts     Options
	log      *logger.Entry

	mu        sync.Mutex
	local     *model.SnapshotBatch
	localGood time.Time
	lkg       map[model.Exchange]lastKnownGood
}

func New(fetchers []exchange.Fetcher, shared *cache.Cache, opts Options) *Aggregator {
	return &Aggregator{
		fetchers: fetchers,
		shared:   shared,
		opts:     opts,
		log:      logger.GetLogger().WithComponent("aggregator"),
		lkg:      make(map[model.Exchange]lastKnownGood),
	}
}

// FetchSnapshots returns the current batch. It never returns an error: a
// fully failed fan-out still yields a batch whose Errors explain each miss.
// forceRefresh bypasses both cache layers and overwrites them on completion.
func (a *Aggregator) FetchSnapshots(ctx context.Context, forceRefresh bool) model.SnapshotBatch {
	if !forceRefresh {
		if batch, ok := a.fromLocal(); ok {
			return batch
		}
		if batch, ok := a.fromShared(ctx); ok {
			return batch
		}
	}
	return a.fetchLive(ctx)
}

func (a *Aggregator) fromLocal() (model.SnapshotBatch, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.local == nil || time.Now().After(a.localGood) {
		return model.SnapshotBatch{}, false
	}
	batch := *a.local
	batch.Meta = cloneMeta(batch.Meta)
	batch.Meta["cache_hit"] = true
	batch.Meta["cache_layer"] = "local"
	logger.RecordCacheHit("local")
	return batch, true
}

func (a *Aggregator) fromShared(ctx context.Context) (model.SnapshotBatch, bool) {
	var batch model.SnapshotBatch
	if !a.shared.GetJSON(ctx, snapshotCacheKey, &batch) {
		return model.SnapshotBatch{}, false
	}
	if len(batch.Snapshots) == 0 {
		return model.SnapshotBatch{}, false
	}

	a.mu.Lock()
	stored := batch
	a.local = &stored
	a.localGood = time.Now().Add(a.opts.snapshotTTL())
	a.rememberLocked(batch)
	a.mu.Unlock()

	batch.Meta = cloneMeta(batch.Meta)
	batch.Meta["cache_hit"] = true
	batch.Meta["cache_layer"] = "shared"
	logger.RecordCacheHit("shared")
	return batch, true
}

func (a *Aggregator) fetchLive(ctx context.Context) model.SnapshotBatch {
	start := time.Now()
	outcomes := make(map[model.Exchange]fetchOutcome, len(a.fetchers))

	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	for _, fetcher := range a.fetchers {
		wg.Add(1)
		go func(fetcher exchange.Fetcher) {
			defer wg.Done()
			fetchCtx, cancel := context.WithTimeout(ctx, a.opts.exchangeTimeout())
			defer cancel()

			snaps, source, err := fetcher.FetchWithSource(fetchCtx)
			if err == nil {
				logger.RecordFetch(string(fetcher.Exchange()), len(snaps))
			}
			mu.Lock()
			outcomes[fetcher.Exchange()] = fetchOutcome{snapshots: snaps, source: source, err: err}
			mu.Unlock()
		}(fetcher)
	}
	wg.Wait()

	batch := a.assemble(outcomes)
	fetchMS := time.Since(start).Milliseconds()
	batch.Meta["fetch_ms"] = fetchMS
	batch.Meta["cache_hit"] = false
	a.log.LogMetric("aggregator", "fetch_ms", fetchMS, "gauge", nil)

	a.store(ctx, batch, outcomes)
	return batch
}

// assemble merges per-exchange outcomes, substituting bounded-age
// last-known-good data for failed exchanges.
func (a *Aggregator) assemble(outcomes map[model.Exchange]fetchOutcome) model.SnapshotBatch {
	now := time.Now().UTC()
	horizon := a.opts.staleHorizon()

	batch := model.SnapshotBatch{
		AsOf: now,
		Meta: map[string]interface{}{},
	}
	sources := make(map[string]string, len(outcomes))
	var okExchanges, failedExchanges []string

	a.mu.Lock()
	defer a.mu.Unlock()

	merged := make(map[model.Exchange]map[string]model.MarketSnapshot)
	for _, exch := range model.Exchanges {
		outcome, polled := outcomes[exch]
		if !polled {
			continue
		}

		if outcome.err == nil {
			sources[string(exch)] = outcome.source
			okExchanges = append(okExchanges, string(exch))
			merged[exch] = dedupe(outcome.snapshots)
			continue
		}

		if previous, ok := a.lkg[exch]; ok && now.Sub(previous.fetchedAt) <= horizon {
			a.log.WithFields(logger.Fields{
				"exchange": exch,
				"age":      now.Sub(previous.fetchedAt).String(),
			}).Warn("serving stale snapshots after fetch failure")
			sources[string(exch)] = model.SourceStale
			okExchanges = append(okExchanges, string(exch))
			merged[exch] = dedupe(previous.snapshots)
			batch.Errors = append(batch.Errors, model.FetchError{
				Exchange: exch,
				Message:  outcome.err.Error(),
				Stale:    true,
			})
			continue
		}

		sources[string(exch)] = model.SourceFailed
		failedExchanges = append(failedExchanges, string(exch))
		batch.Errors = append(batch.Errors, model.FetchError{
			Exchange: exch,
			Message:  outcome.err.Error(),
		})
	}

	for _, exch := range model.Exchanges {
		bySymbol, ok := merged[exch]
		if !ok {
			continue
		}
		for _, snap := range bySymbol {
			batch.Snapshots = append(batch.Snapshots, snap)
		}
	}
	sort.Slice(batch.Snapshots, func(i, j int) bool {
		if batch.Snapshots[i].Symbol != batch.Snapshots[j].Symbol {
			return batch.Snapshots[i].Symbol < batch.Snapshots[j].Symbol
		}
		return batch.Snapshots[i].Exchange < batch.Snapshots[j].Exchange
	})

	batch.Meta["exchange_sources"] = sources
	batch.Meta["exchanges_ok"] = okExchanges
	batch.Meta["exchanges_failed"] = failedExchanges
	return batch
}

// store refreshes the local slot, the shared cache, and per-exchange
// last-known-good entries. Only genuinely fresh results update LKG; stale
// substitutions must not renew their own lease.
func (a *Aggregator) store(ctx context.Context, batch model.SnapshotBatch, outcomes map[model.Exchange]fetchOutcome) {
	ttl := a.opts.snapshotTTL()

	a.mu.Lock()
	if len(batch.Snapshots) > 0 {
		stored := batch
		a.local = &stored
		a.localGood = time.Now().Add(ttl)
	}
	for exch, outcome := range outcomes {
		if outcome.err == nil && len(outcome.snapshots) > 0 {
			a.lkg[exch] = lastKnownGood{
				snapshots: outcome.snapshots,
				fetchedAt: time.Now().UTC(),
			}
		}
	}
	a.mu.Unlock()

	if len(batch.Snapshots) > 0 {
		a.shared.SetJSON(ctx, snapshotCacheKey, batch, ttl)
	}
}

// rememberLocked seeds last-known-good from a shared-cache batch so a process
// restart does not lose staleness coverage. Caller holds a.mu.
func (a *Aggregator) rememberLocked(batch model.SnapshotBatch) {
	grouped := make(map[model.Exchange][]model.MarketSnapshot)
	for _, snap := range batch.Snapshots {
		grouped[snap.Exchange] = append(grouped[snap.Exchange], snap)
	}
	for exch, snaps := range grouped {
		if _, ok := a.lkg[exch]; !ok {
			a.lkg[exch] = lastKnownGood{snapshots: snaps, fetchedAt: batch.AsOf}
		}
	}
}

// dedupe collapses duplicate symbols within one exchange, last row wins.
func dedupe(snapshots []model.MarketSnapshot) map[string]model.MarketSnapshot {
	out := make(map[string]model.MarketSnapshot, len(snapshots))
	for _, snap := range snapshots {
		out[snap.Symbol] = snap
	}
	return out
}

func cloneMeta(meta map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(meta)+2)
	for k, v := range meta {
		out[k] = v
	}
	return out
}
