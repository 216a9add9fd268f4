package board

import (
	"math"
	"testing"
	"time"

	"fundingflow/internal/model"
)

func testSnapshot(exch model.Exchange, symbol string, nominal float64, rateRaw *float64, next *time.Time, intervalHours *float64, maxLev *float64) model.MarketSnapshot {
	return model.MarketSnapshot{
		Exchange:             exch,
		Symbol:               symbol,
		NominalRate1y:        model.Float(nominal),
		FundingRateRaw:       rateRaw,
		NextFundingTime:      next,
		FundingIntervalHours: intervalHours,
		MaxLeverage:          maxLev,
		Rate1h:               rateRaw,
		OpenInterestUSD:      model.Float(1_000_000),
		Volume24hUSD:         model.Float(2_000_000),
		UpdatedAt:            time.Now().UTC(),
	}
}

func timePtr(t time.Time) *time.Time { return &t }

func approx(t *testing.T, name string, got *float64, want float64) {
	t.Helper()
	if got == nil {
		t.Fatalf("%s: got nil, want %v", name, want)
	}
	if math.Abs(*got-want) > 1e-9 {
		t.Errorf("%s: got %v, want %v", name, *got, want)
	}
}

func TestSameIntervalProducesOnlyBothEvents(t *testing.T) {
	base := time.Now().UTC()
	snapshots := []model.MarketSnapshot{
		testSnapshot(model.ExchangeBinance, "BTCUSDT", -0.10, model.Float(-0.0001), timePtr(base.Add(time.Hour)), model.Float(8), model.Float(10)),
		testSnapshot(model.ExchangeOkx, "BTCUSDT", 0.20, model.Float(0.0002), timePtr(base.Add(time.Hour)), model.Float(8), model.Float(20)),
	}

	rows, _ := BuildRows(snapshots, base, Params{Limit: 10})
	if len(rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(rows))
	}
	row := rows[0]
	if row.CalcStatus != model.CalcStatusOK {
		t.Fatalf("calc status: got %s", row.CalcStatus)
	}
	approx(t, "unlevered score", row.NextCycleScoreUnlevered, 0.0003)
	approx(t, "levered score", row.NextCycleScore, 0.003)
	if row.SingleSideEventCount != 0 {
		t.Errorf("single side events: got %d, want 0", row.SingleSideEventCount)
	}
	approx(t, "single side total", row.SingleSideTotalRate, 0)
	if row.NextSyncSettlementTime == nil || row.WindowHoursToSync == nil {
		t.Fatal("sync time and window must be set")
	}
	if *row.WindowHoursToSync < 0 || *row.WindowHoursToSync > 1.05 {
		t.Errorf("window hours: got %v", *row.WindowHoursToSync)
	}
	if len(row.SettlementEventsPreview) != 1 {
		t.Fatalf("expected 1 preview event, got %d", len(row.SettlementEventsPreview))
	}
	event := row.SettlementEventsPreview[0]
	if event.Kind != model.EventBoth {
		t.Errorf("event kind: got %s", event.Kind)
	}
	if math.Abs(event.Rate-0.0003) > 1e-9 || math.Abs(event.LeveragedRate-0.003) > 1e-9 {
		t.Errorf("event rates: %v / %v", event.Rate, event.LeveragedRate)
	}
}

func TestIntervalMismatchIncludesSingleSideEvents(t *testing.T) {
	base := time.Now().UTC()
	snapshots := []model.MarketSnapshot{
		testSnapshot(model.ExchangeBinance, "BTCUSDT", -0.10, model.Float(-0.0001), timePtr(base.Add(time.Hour)), model.Float(4), model.Float(5)),
		testSnapshot(model.ExchangeOkx, "BTCUSDT", 0.20, model.Float(0.0002), timePtr(base.Add(5*time.Hour)), model.Float(8), model.Float(8)),
	}

	rows, _ := BuildRows(snapshots, base, Params{Limit: 10})
	if len(rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(rows))
	}
	row := rows[0]
	if row.CalcStatus != model.CalcStatusOK {
		t.Fatalf("calc status: got %s", row.CalcStatus)
	}
	if !row.IntervalMismatch || row.ShorterIntervalSide != "long" {
		t.Errorf("interval relation: mismatch=%v side=%q", row.IntervalMismatch, row.ShorterIntervalSide)
	}

	kinds := make([]string, len(row.SettlementEventsPreview))
	for i, event := range row.SettlementEventsPreview {
		kinds[i] = event.Kind
	}
	if len(kinds) != 2 || kinds[0] != model.EventLongOnly || kinds[1] != model.EventBoth {
		t.Fatalf("event kinds: got %v", kinds)
	}
	if row.SingleSideEventCount != 1 {
		t.Errorf("single side events: got %d", row.SingleSideEventCount)
	}
	approx(t, "single side total", row.SingleSideTotalRate, 0.0001)
	approx(t, "unlevered score", row.NextCycleScoreUnlevered, 0.0004)
	approx(t, "levered score", row.NextCycleScore, 0.002)
}

func TestRowsSortedByNextCycleScoreNotSpread(t *testing.T) {
	base := time.Now().UTC()
	next := timePtr(base.Add(time.Hour))
	snapshots := []model.MarketSnapshot{
		testSnapshot(model.ExchangeBinance, "BTCUSDT", -0.50, model.Float(-0.00005), next, model.Float(8), model.Float(5)),
		testSnapshot(model.ExchangeOkx, "BTCUSDT", 0.80, model.Float(0.00005), next, model.Float(8), model.Float(5)),
		testSnapshot(model.ExchangeGateio, "ETHUSDT", 0.00, model.Float(-0.0002), next, model.Float(8), model.Float(3)),
		testSnapshot(model.ExchangeBybit, "ETHUSDT", 0.20, model.Float(0.0002), next, model.Float(8), model.Float(3)),
	}

	rows, applied := BuildRows(snapshots, base, Params{Limit: 10})
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows))
	}
	if applied != sortNextCycleScore {
		t.Errorf("applied sort: got %s", applied)
	}
	if rows[0].Symbol != "ETHUSDT" || rows[1].Symbol != "BTCUSDT" {
		t.Fatalf("order: got %s, %s", rows[0].Symbol, rows[1].Symbol)
	}
	approx(t, "first score", rows[0].NextCycleScore, 0.0012)
	approx(t, "second score", rows[1].NextCycleScore, 0.0005)
	// the cycle winner has the narrower nominal spread
	if rows[0].SpreadRate1yNominal >= rows[1].SpreadRate1yNominal {
		t.Errorf("expected narrower spread to win by score: %v vs %v",
			rows[0].SpreadRate1yNominal, rows[1].SpreadRate1yNominal)
	}
}

func TestMinNextCycleScoreDropsUnscoredRows(t *testing.T) {
	base := time.Now().UTC()
	next := timePtr(base.Add(time.Hour))
	snapshots := []model.MarketSnapshot{
		testSnapshot(model.ExchangeBinance, "BTCUSDT", -0.10, model.Float(-0.0001), next, model.Float(8), model.Float(5)),
		testSnapshot(model.ExchangeOkx, "BTCUSDT", 0.30, model.Float(0.0003), next, model.Float(8), model.Float(10)),
		testSnapshot(model.ExchangeGateio, "ETHUSDT", -0.10, model.Float(-0.00005), next, model.Float(8), model.Float(5)),
		testSnapshot(model.ExchangeBybit, "ETHUSDT", 0.10, model.Float(0.00005), next, model.Float(8), model.Float(5)),
		testSnapshot(model.ExchangeBitget, "SOLUSDT", -0.10, model.Float(-0.0001), nil, model.Float(8), model.Float(5)),
		testSnapshot(model.ExchangeOkx, "SOLUSDT", 0.20, model.Float(0.0002), next, model.Float(8), model.Float(5)),
	}

	unfiltered, _ := BuildRows(snapshots, base, Params{Limit: 10})
	if len(unfiltered) != 3 {
		t.Fatalf("expected 3 unfiltered rows, got %d", len(unfiltered))
	}
	for _, row := range unfiltered {
		if row.Symbol == "SOLUSDT" && row.NextCycleScore != nil {
			t.Error("SOLUSDT lacks a funding time and must stay unscored")
		}
	}

	filtered, _ := BuildRows(snapshots, base, Params{Limit: 10, MinNextCycleScore: 0.001})
	if len(filtered) != 1 || filtered[0].Symbol != "BTCUSDT" {
		t.Fatalf("score filter should keep only BTCUSDT, got %v rows", len(filtered))
	}
	approx(t, "filtered score", filtered[0].NextCycleScore, 0.002)
}

func TestMissingInputsMarkMissingData(t *testing.T) {
	base := time.Now().UTC()
	next := timePtr(base.Add(time.Hour))
	snapshots := []model.MarketSnapshot{
		testSnapshot(model.ExchangeBinance, "BTCUSDT", -0.10, model.Float(-0.0001), nil, model.Float(8), model.Float(5)),
		testSnapshot(model.ExchangeOkx, "BTCUSDT", 0.20, model.Float(0.0002), next, model.Float(8), model.Float(5)),
		testSnapshot(model.ExchangeGateio, "ETHUSDT", -0.10, model.Float(-0.0001), next, model.Float(8), model.Float(5)),
		testSnapshot(model.ExchangeBybit, "ETHUSDT", 0.20, model.Float(0.0002), next, nil, model.Float(5)),
	}

	rows, _ := BuildRows(snapshots, base, Params{Limit: 10})
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows))
	}
	for _, row := range rows {
		if row.CalcStatus != model.CalcStatusMissingData {
			t.Errorf("%s: calc status %s, want missing_data", row.Symbol, row.CalcStatus)
		}
		if row.NextCycleScore != nil {
			t.Errorf("%s: score should be nil", row.Symbol)
		}
		if len(row.SettlementEventsPreview) != 0 {
			t.Errorf("%s: preview should be empty", row.Symbol)
		}
	}
}

func TestNoSyncFoundWhenSchedulesNeverAlign(t *testing.T) {
	base := time.Now().UTC()
	snapshots := []model.MarketSnapshot{
		testSnapshot(model.ExchangeBinance, "XRPUSDT", -0.10, model.Float(-0.0001), timePtr(base.Add(time.Hour)), model.Float(4), model.Float(5)),
		testSnapshot(model.ExchangeOkx, "XRPUSDT", 0.20, model.Float(0.0002), timePtr(base.Add(3*time.Hour)), model.Float(8), model.Float(5)),
	}

	rows, _ := BuildRows(snapshots, base, Params{Limit: 10})
	if len(rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(rows))
	}
	row := rows[0]
	if row.CalcStatus != model.CalcStatusNoSyncFound {
		t.Fatalf("calc status: got %s", row.CalcStatus)
	}
	if row.NextCycleScore != nil || len(row.SettlementEventsPreview) != 0 {
		t.Error("unsynced row must carry no score or preview")
	}
}

func TestExchangeFilterSingleVersusMulti(t *testing.T) {
	base := time.Now().UTC()
	next := timePtr(base.Add(time.Hour))
	snapshots := []model.MarketSnapshot{
		testSnapshot(model.ExchangeBinance, "BTCUSDT", -0.10, model.Float(-0.0001), next, model.Float(8), nil),
		testSnapshot(model.ExchangeOkx, "BTCUSDT", 0.20, model.Float(0.0002), next, model.Float(8), nil),
		testSnapshot(model.ExchangeBybit, "BTCUSDT", 0.30, model.Float(0.0003), next, model.Float(8), nil),
	}

	single, _ := BuildRows(snapshots, base, Params{Limit: 10, Exchanges: []model.Exchange{model.ExchangeBinance}})
	if len(single) != 2 {
		t.Fatalf("single filter keeps rows touching binance, got %d", len(single))
	}

	multi, _ := BuildRows(snapshots, base, Params{Limit: 10, Exchanges: []model.Exchange{model.ExchangeOkx, model.ExchangeBybit}})
	if len(multi) != 1 {
		t.Fatalf("multi filter requires both legs selected, got %d", len(multi))
	}
	if multi[0].LongExchange != model.ExchangeOkx || multi[0].ShortExchange != model.ExchangeBybit {
		t.Errorf("unexpected legs: %s/%s", multi[0].LongExchange, multi[0].ShortExchange)
	}
}

func TestSymbolFilterAndLimit(t *testing.T) {
	base := time.Now().UTC()
	next := timePtr(base.Add(time.Hour))
	snapshots := []model.MarketSnapshot{
		testSnapshot(model.ExchangeBinance, "BTCUSDT", -0.10, model.Float(-0.0001), next, model.Float(8), nil),
		testSnapshot(model.ExchangeOkx, "BTCUSDT", 0.20, model.Float(0.0002), next, model.Float(8), nil),
		testSnapshot(model.ExchangeBinance, "ETHUSDT", -0.10, model.Float(-0.0001), next, model.Float(8), nil),
		testSnapshot(model.ExchangeOkx, "ETHUSDT", 0.20, model.Float(0.0002), next, model.Float(8), nil),
	}

	filtered, _ := BuildRows(snapshots, base, Params{Limit: 10, Symbol: " ethusdt "})
	if len(filtered) != 1 || filtered[0].Symbol != "ETHUSDT" {
		t.Fatalf("symbol filter failed: %v", filtered)
	}

	limited, _ := BuildRows(snapshots, base, Params{Limit: 1})
	if len(limited) != 1 {
		t.Fatalf("limit not applied, got %d rows", len(limited))
	}

	none, _ := BuildRows(snapshots, base, Params{Limit: -1})
	if len(none) != 0 {
		t.Fatalf("negative limit yields no rows, got %d", len(none))
	}
}

func TestBuildResponseEchoesBoardMeta(t *testing.T) {
	base := time.Now().UTC()
	next := timePtr(base.Add(time.Hour))
	batch := model.SnapshotBatch{
		AsOf: base,
		Snapshots: []model.MarketSnapshot{
			testSnapshot(model.ExchangeBinance, "BTCUSDT", -0.10, model.Float(-0.0001), next, model.Float(8), nil),
			testSnapshot(model.ExchangeOkx, "BTCUSDT", 0.20, model.Float(0.0002), next, model.Float(8), nil),
		},
		Meta: map[string]interface{}{"cache_hit": false},
	}

	resp := BuildResponse(batch, Params{
		Limit:     25,
		Exchanges: []model.Exchange{model.ExchangeOkx, model.ExchangeBinance},
		Symbol:    "btcusdt",
	})

	if resp.Total != 1 || len(resp.Rows) != 1 {
		t.Fatalf("unexpected rows: total=%d", resp.Total)
	}
	if resp.Meta["board_limit"] != 25 {
		t.Errorf("board_limit: got %v", resp.Meta["board_limit"])
	}
	if resp.Meta["board_symbol_filter"] != "BTCUSDT" {
		t.Errorf("board_symbol_filter: got %v", resp.Meta["board_symbol_filter"])
	}
	if resp.Meta["board_exchanges_filter_mode"] != "single_include_or_multi_both" {
		t.Errorf("filter mode: got %v", resp.Meta["board_exchanges_filter_mode"])
	}
	selected, _ := resp.Meta["board_exchanges_filter"].([]string)
	if len(selected) != 2 || selected[0] != "binance" || selected[1] != "okx" {
		t.Errorf("filter echo should be sorted: %v", selected)
	}
	if resp.Meta["cache_hit"] != false {
		t.Error("batch meta must be preserved")
	}
}
