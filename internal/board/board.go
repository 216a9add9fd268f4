// Package board assembles the ranked opportunity board: scanner pairings
// enriched with both legs' snapshot detail and settlement-cycle scoring.
package board

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"fundingflow/internal/model"
	"fundingflow/internal/scanner"
)

const (
	sortNextCycleScore = "next_cycle_score_desc_nulls_last"
	sortLegacyFallback = "next_cycle_score_desc_nulls_last_fallback_to_" +
		"leveraged_spread_rate_1y_nominal_desc_then_spread_rate_1y_nominal_desc"
)

// Params filters and bounds one board build.
type Params struct {
	Limit                  int
	MinSpreadRate1yNominal float64
	MinNextCycleScore      float64
	// Exchanges filters rows: one selected exchange keeps rows where either
	// leg matches, several keep rows where both legs are selected.
	Exchanges []model.Exchange
	Symbol    string
}

func (p Params) limit() int {
	if p.Limit == 0 {
		return 500
	}
	return p.Limit
}

type snapshotKey struct {
	symbol   string
	exchange model.Exchange
}

func indexSnapshots(snapshots []model.MarketSnapshot) map[snapshotKey]model.MarketSnapshot {
	index := make(map[snapshotKey]model.MarketSnapshot, len(snapshots))
	for _, snap := range snapshots {
		index[snapshotKey{snap.Symbol, snap.Exchange}] = snap
	}
	return index
}

func formatInterval(hours *float64) string {
	if hours == nil || *hours <= 0 {
		return "-"
	}
	if *hours == math.Trunc(*hours) {
		return fmt.Sprintf("%dh", int(*hours))
	}
	return fmt.Sprintf("%gh", *hours)
}

func toBoardLeg(snap model.MarketSnapshot) model.BoardLeg {
	return model.BoardLeg{
		Exchange:                snap.Exchange,
		FundingRateRaw:          snap.FundingRateRaw,
		Rate1h:                  snap.Rate1h,
		Rate8h:                  snap.Rate8h,
		Rate1y:                  snap.Rate1y,
		NextFundingTime:         snap.NextFundingTime,
		MaxLeverage:             snap.MaxLeverage,
		OpenInterestUSD:         snap.OpenInterestUSD,
		Volume24hUSD:            snap.Volume24hUSD,
		SettlementInterval:      formatInterval(snap.FundingIntervalHours),
		SettlementIntervalHours: snap.FundingIntervalHours,
	}
}

func calcSpread(short, long *float64) *float64 {
	if short == nil || long == nil {
		return nil
	}
	return model.Float(*short - *long)
}

func matchesExchangeFilter(long, short model.Exchange, filter map[model.Exchange]bool) bool {
	if len(filter) == 0 {
		return true
	}
	if len(filter) == 1 {
		return filter[long] || filter[short]
	}
	return filter[long] && filter[short]
}

// resolveIntervalRelation reports whether the legs settle on different
// cadences and, if so, which side runs the shorter one.
func resolveIntervalRelation(longHours, shortHours *float64) (bool, string) {
	if longHours == nil || shortHours == nil {
		return false, ""
	}
	if *longHours <= 0 || *shortHours <= 0 {
		return false, ""
	}
	diff := *longHours - *shortHours
	if math.Abs(diff) < 1e-9 {
		return false, ""
	}
	if diff < 0 {
		return true, "long"
	}
	return true, "short"
}

type legacySortKey struct {
	hasLeveraged int
	primary      float64
	secondary    float64
}

func legacyKey(row model.BoardRow) legacySortKey {
	if row.LeveragedSpreadRate1yNominal != nil {
		return legacySortKey{1, *row.LeveragedSpreadRate1yNominal, row.SpreadRate1yNominal}
	}
	return legacySortKey{0, row.SpreadRate1yNominal, row.SpreadRate1yNominal}
}

// lessDesc orders rows for a descending sort: scored rows before unscored,
// then by score, then by the legacy key.
func lessDesc(a, b model.BoardRow) bool {
	aScored, bScored := a.NextCycleScore != nil, b.NextCycleScore != nil
	if aScored != bScored {
		return aScored
	}
	if aScored && *a.NextCycleScore != *b.NextCycleScore {
		return *a.NextCycleScore > *b.NextCycleScore
	}
	ka, kb := legacyKey(a), legacyKey(b)
	if ka.hasLeveraged != kb.hasLeveraged {
		return ka.hasLeveraged > kb.hasLeveraged
	}
	if ka.primary != kb.primary {
		return ka.primary > kb.primary
	}
	return ka.secondary > kb.secondary
}

func lessLegacyDesc(a, b model.BoardRow) bool {
	ka, kb := legacyKey(a), legacyKey(b)
	if ka.hasLeveraged != kb.hasLeveraged {
		return ka.hasLeveraged > kb.hasLeveraged
	}
	if ka.primary != kb.primary {
		return ka.primary > kb.primary
	}
	return ka.secondary > kb.secondary
}

// BuildRows turns a snapshot set into sorted, filtered board rows and reports
// which sort applied.
func BuildRows(snapshots []model.MarketSnapshot, now time.Time, params Params) ([]model.BoardRow, string) {
	if params.limit() <= 0 {
		return []model.BoardRow{}, sortLegacyFallback
	}

	symbolFilter := strings.ToUpper(strings.TrimSpace(params.Symbol))
	index := indexSnapshots(snapshots)
	filter := make(map[model.Exchange]bool, len(params.Exchanges))
	for _, exch := range params.Exchanges {
		filter[exch] = true
	}

	opportunities := scanner.Scan(
		model.SnapshotBatch{Snapshots: snapshots},
		scanner.Options{MinSpreadRate1yNominal: params.MinSpreadRate1yNominal},
	)

	rows := []model.BoardRow{}
	for _, opp := range opportunities {
		if symbolFilter != "" && opp.Symbol != symbolFilter {
			continue
		}
		if !matchesExchangeFilter(opp.LongExchange, opp.ShortExchange, filter) {
			continue
		}

		longSnap, longOK := index[snapshotKey{opp.Symbol, opp.LongExchange}]
		shortSnap, shortOK := index[snapshotKey{opp.Symbol, opp.ShortExchange}]
		if !longOK || !shortOK {
			continue
		}

		mismatch, shorterSide := resolveIntervalRelation(longSnap.FundingIntervalHours, shortSnap.FundingIntervalHours)
		metrics := calculateNextCycleMetrics(longSnap, shortSnap, opp.MaxUsableLeverage, now)

		row := model.BoardRow{
			ID:                           fmt.Sprintf("%s-%s-%s", opp.Symbol, opp.LongExchange, opp.ShortExchange),
			Symbol:                       opp.Symbol,
			LongExchange:                 opp.LongExchange,
			ShortExchange:                opp.ShortExchange,
			LongLeg:                      toBoardLeg(longSnap),
			ShortLeg:                     toBoardLeg(shortSnap),
			IntervalMismatch:             mismatch,
			ShorterIntervalSide:          shorterSide,
			SpreadRate1h:                 calcSpread(shortSnap.Rate1h, longSnap.Rate1h),
			SpreadRate8h:                 calcSpread(shortSnap.Rate8h, longSnap.Rate8h),
			SpreadRate1yNominal:          opp.SpreadRate1yNominal,
			LeveragedSpreadRate1yNominal: opp.LeveragedSpreadRate1yNominal,
			MaxUsableLeverage:            opp.MaxUsableLeverage,
			NextSyncSettlementTime:       metrics.nextSyncSettlementTime,
			WindowHoursToSync:            metrics.windowHoursToSync,
			NextCycleScore:               metrics.nextCycleScore,
			NextCycleScoreUnlevered:      metrics.nextCycleScoreUnlevered,
			SettlementEventsPreview:      metrics.eventsPreview,
			SingleSideEventCount:         metrics.singleSideEventCount,
			SingleSideTotalRate:          metrics.singleSideTotalRate,
			CalcStatus:                   metrics.calcStatus,
		}

		if params.MinNextCycleScore > 0 {
			if row.NextCycleScore == nil || *row.NextCycleScore < params.MinNextCycleScore {
				continue
			}
		}
		rows = append(rows, row)
	}

	applied := applySort(rows)
	if len(rows) > params.limit() {
		rows = rows[:params.limit()]
	}
	return rows, applied
}

func applySort(rows []model.BoardRow) string {
	anyScored := false
	for _, row := range rows {
		if row.NextCycleScore != nil {
			anyScored = true
			break
		}
	}
	if anyScored {
		sort.SliceStable(rows, func(i, j int) bool { return lessDesc(rows[i], rows[j]) })
		return sortNextCycleScore
	}
	sort.SliceStable(rows, func(i, j int) bool { return lessLegacyDesc(rows[i], rows[j]) })
	return sortLegacyFallback
}

// BuildResponse wraps BuildRows with the batch's provenance and echoes the
// effective board parameters into meta.
func BuildResponse(batch model.SnapshotBatch, params Params) model.BoardResponse {
	rows, applied := BuildRows(batch.Snapshots, time.Now().UTC(), params)

	meta := make(map[string]interface{}, len(batch.Meta)+6)
	for k, v := range batch.Meta {
		meta[k] = v
	}
	meta["board_sort"] = applied
	meta["board_limit"] = params.limit()
	meta["board_min_spread_rate_1y_nominal"] = params.MinSpreadRate1yNominal
	meta["board_min_next_cycle_score"] = params.MinNextCycleScore
	if len(params.Exchanges) > 0 {
		selected := make([]string, 0, len(params.Exchanges))
		for _, exch := range params.Exchanges {
			selected = append(selected, string(exch))
		}
		sort.Strings(selected)
		meta["board_exchanges_filter"] = selected
		meta["board_exchanges_filter_mode"] = "single_include_or_multi_both"
	}
	if symbol := strings.ToUpper(strings.TrimSpace(params.Symbol)); symbol != "" {
		meta["board_symbol_filter"] = symbol
	}

	return model.BoardResponse{
		AsOf:   batch.AsOf,
		Total:  len(rows),
		Rows:   rows,
		Errors: batch.Errors,
		Meta:   meta,
	}
}
