// Package scanner derives cross-exchange funding arbitrage opportunities
// from a snapshot batch.
package scanner

import (
	"math"
	"sort"

	"fundingflow/internal/model"
)

// Options controls which pairings qualify.
type Options struct {
	// MinSpreadRate1yNominal drops pairings whose nominal annualized spread
	// is below this threshold. Zero keeps everything non-negative.
	MinSpreadRate1yNominal float64
}

// Scan groups snapshots by symbol and emits every exchange pairing whose
// nominal annualized spread clears the threshold. The long leg is always the
// one with the lower nominal rate; rows missing a nominal rate on either side
// are skipped.
func Scan(batch model.SnapshotBatch, opts Options) []model.Opportunity {
	bySymbol := make(map[string][]model.MarketSnapshot)
	for _, snap := range batch.Snapshots {
		if snap.NominalRate1y == nil {
			continue
		}
		bySymbol[snap.Symbol] = append(bySymbol[snap.Symbol], snap)
	}

	var opportunities []model.Opportunity
	for symbol, snaps := range bySymbol {
		for i := 0; i < len(snaps); i++ {
			for j := i + 1; j < len(snaps); j++ {
				if opp := pair(symbol, snaps[i], snaps[j], opts); opp != nil {
					opportunities = append(opportunities, *opp)
				}
			}
		}
	}

	sort.Slice(opportunities, func(i, j int) bool {
		a, b := opportunities[i], opportunities[j]
		if a.SpreadRate1yNominal != b.SpreadRate1yNominal {
			return a.SpreadRate1yNominal > b.SpreadRate1yNominal
		}
		if a.Symbol != b.Symbol {
			return a.Symbol < b.Symbol
		}
		if a.LongExchange != b.LongExchange {
			return a.LongExchange < b.LongExchange
		}
		return a.ShortExchange < b.ShortExchange
	})
	return opportunities
}

func pair(symbol string, a, b model.MarketSnapshot, opts Options) *model.Opportunity {
	if a.Exchange == b.Exchange {
		return nil
	}

	long, short := a, b
	if *short.NominalRate1y < *long.NominalRate1y {
		long, short = short, long
	}

	spread := *short.NominalRate1y - *long.NominalRate1y
	if spread < opts.MinSpreadRate1yNominal {
		return nil
	}

	opp := &model.Opportunity{
		Symbol:               symbol,
		LongExchange:         long.Exchange,
		ShortExchange:        short.Exchange,
		LongNominalRate1y:    *long.NominalRate1y,
		ShortNominalRate1y:   *short.NominalRate1y,
		SpreadRate1yNominal:  spread,
		LongRate8h:           long.Rate8h,
		ShortRate8h:          short.Rate8h,
		LongFundingRateRaw:   long.FundingRateRaw,
		ShortFundingRateRaw:  short.FundingRateRaw,
		LongNextFundingTime:  long.NextFundingTime,
		ShortNextFundingTime: short.NextFundingTime,
	}

	if lev := MaxUsableLeverage(long.MaxLeverage, short.MaxLeverage); lev != nil {
		opp.MaxUsableLeverage = lev
		opp.LeveragedSpreadRate1yNominal = model.Float(spread * *lev)
	}
	return opp
}

// MaxUsableLeverage is the leverage both legs can actually run: the minimum
// of the two caps, nil when either side's cap is unknown or non-positive.
func MaxUsableLeverage(long, short *float64) *float64 {
	if long == nil || short == nil {
		return nil
	}
	lev := math.Min(*long, *short)
	if lev <= 0 {
		return nil
	}
	return &lev
}
