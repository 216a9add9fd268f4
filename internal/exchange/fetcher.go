// Package exchange implements one funding-snapshot fetcher per supported
// venue. Every fetcher exposes the same contract: a list of fallback tiers
// tried in order, short-circuiting on the first tier that yields rows.
package exchange

import (
	"context"
	"fmt"
	"strings"
	"time"

	"fundingflow/internal/model"
	"fundingflow/internal/rates"
	"fundingflow/internal/symbols"
	"fundingflow/logger"
)

// Fetcher is the uniform contract the aggregator consumes.
type Fetcher interface {
	Exchange() model.Exchange
	// Fetch returns current funding snapshots, or an error when the whole
	// fallback chain failed or produced nothing.
	Fetch(ctx context.Context) ([]model.MarketSnapshot, error)
	// FetchWithSource additionally reports which tier produced the rows.
	FetchWithSource(ctx context.Context) ([]model.MarketSnapshot, string, error)
}

// Options carries the shared fetch tuning knobs.
type Options struct {
	RequestTimeout time.Duration
	// FanoutBudget bounds per-instrument request fan-outs (binance open
	// interest, okx funding rates). Once exhausted, in-flight work is
	// abandoned and partial results are returned.
	FanoutBudget   time.Duration
	MaxConcurrency int
}

func (o Options) requestTimeout() time.Duration {
	if o.RequestTimeout <= 0 {
		return 10 * time.Second
	}
	return o.RequestTimeout
}

func (o Options) fanoutBudget() time.Duration {
	if o.FanoutBudget <= 0 {
		return 12 * time.Second
	}
	return o.FanoutBudget
}

func (o Options) maxConcurrency() int {
	if o.MaxConcurrency < 4 {
		return 4
	}
	return o.MaxConcurrency
}

// tier is one step of a fetcher's fallback chain, kept as data so chains can
// differ per exchange without conditional sprawl.
type tier struct {
	source string
	fn     func(ctx context.Context) ([]model.MarketSnapshot, error)
}

// runTiers attempts tiers in order and returns the first non-empty result.
// When every tier errors or comes back empty it returns a single error
// concatenating each tier's failure.
func runTiers(ctx context.Context, exch model.Exchange, tiers []tier) ([]model.MarketSnapshot, string, error) {
	log := logger.GetLogger().WithComponent(string(exch) + "_fetcher")

	var failures []string
	for _, t := range tiers {
		snaps, err := t.fn(ctx)
		if err != nil {
			failures = append(failures, fmt.Sprintf("%s=%v", t.source, err))
			log.WithError(err).WithFields(logger.Fields{"tier": t.source}).Warn("fetch tier failed")
			continue
		}
		if len(snaps) == 0 {
			failures = append(failures, fmt.Sprintf("%s=empty", t.source))
			continue
		}
		return snaps, t.source, nil
	}

	detail := strings.Join(failures, ", ")
	if detail == "" {
		detail = "no tiers configured"
	}
	return nil, "", fmt.Errorf("%s: all fetch tiers failed: %s", exch, detail)
}

// snapshotInput gathers the per-row fields a tier resolved before
// normalization and rate derivation.
type snapshotInput struct {
	symbol               string
	fundingRateRaw       *float64
	fundingIntervalHours *float64
	nextFundingTime      *time.Time
	openInterestUSD      *float64
	volume24hUSD         *float64
	maxLeverage          *float64
	markPrice            *float64
}

// buildSnapshot normalizes the symbol and derives the rate set. It returns
// nil for instruments that do not map onto the canonical USDT key; callers
// drop those rows silently.
func buildSnapshot(exch model.Exchange, in snapshotInput) *model.MarketSnapshot {
	canonical := symbols.Normalize(in.symbol)
	if canonical == "" {
		return nil
	}

	derived := rates.Convert(in.fundingRateRaw, in.fundingIntervalHours)
	return &model.MarketSnapshot{
		Exchange:             exch,
		Symbol:               canonical,
		OpenInterestUSD:      in.openInterestUSD,
		Volume24hUSD:         in.volume24hUSD,
		FundingRateRaw:       in.fundingRateRaw,
		FundingIntervalHours: in.fundingIntervalHours,
		NextFundingTime:      in.nextFundingTime,
		MaxLeverage:          in.maxLeverage,
		Rate1h:               derived.Rate1h,
		Rate8h:               derived.Rate8h,
		Rate1y:               derived.Rate1y,
		NominalRate1y:        derived.NominalRate1y,
		MarkPrice:            in.markPrice,
		UpdatedAt:            time.Now().UTC(),
	}
}
