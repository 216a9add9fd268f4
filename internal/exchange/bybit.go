package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	bybit "github.com/bybit-exchange/bybit.go.api"

	"fundingflow/internal/model"
)

// BybitFetcher resolves Bybit linear-perpetual snapshots. Tier one uses the
// official bybit.go.api client, tier two the v5 REST endpoints directly.
type BybitFetcher struct {
	opts     Options
	leverage *LeverageResolver
	client   *bybit.Client
	rest     *restClient

	restBaseURL string
}

func NewBybitFetcher(opts Options, leverage *LeverageResolver) *BybitFetcher {
	return &BybitFetcher{
		opts:        opts,
		leverage:    leverage,
		client:      bybit.NewBybitHttpClient("", "", bybit.WithBaseURL(bybit.MAINNET)),
		rest:        newRestClient(opts.requestTimeout(), 20),
		restBaseURL: "https://api.bybit.com",
	}
}

func (f *BybitFetcher) Exchange() model.Exchange { return model.ExchangeBybit }

func (f *BybitFetcher) Fetch(ctx context.Context) ([]model.MarketSnapshot, error) {
	snaps, _, err := f.FetchWithSource(ctx)
	return snaps, err
}

func (f *BybitFetcher) FetchWithSource(ctx context.Context) ([]model.MarketSnapshot, string, error) {
	return runTiers(ctx, f.Exchange(), []tier{
		{source: model.SourceSDK, fn: f.fetchSDK},
		{source: model.SourceLegacyRest, fn: f.fetchLegacyRest},
	})
}

type bybitListResult struct {
	List           []map[string]interface{} `json:"list"`
	NextPageCursor string                   `json:"nextPageCursor"`
}

func (f *BybitFetcher) fetchSDK(ctx context.Context) ([]model.MarketSnapshot, error) {
	tickersResp, err := f.client.NewUtaBybitServiceWithParams(map[string]interface{}{
		"category": "linear",
	}).GetMarketTickers(ctx)
	if err != nil {
		return nil, err
	}
	tickers, err := decodeBybitResult(tickersResp.Result)
	if err != nil {
		return nil, err
	}

	instrumentsResp, err := f.client.NewUtaBybitServiceWithParams(map[string]interface{}{
		"category": "linear",
		"limit":    1000,
	}).GetInstrumentInfo(ctx)
	if err != nil {
		return nil, err
	}
	instruments, err := decodeBybitResult(instrumentsResp.Result)
	if err != nil {
		return nil, err
	}

	return f.assemble(ctx, tickers.List, instruments.List), nil
}

// decodeBybitResult remarshals the SDK's untyped Result into the list shape
// shared by tickers and instruments-info.
func decodeBybitResult(result interface{}) (bybitListResult, error) {
	var out bybitListResult
	raw, err := json.Marshal(result)
	if err != nil {
		return out, fmt.Errorf("unexpected bybit result payload: %w", err)
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("unexpected bybit result payload: %w", err)
	}
	return out, nil
}

func (f *BybitFetcher) fetchLegacyRest(ctx context.Context) ([]model.MarketSnapshot, error) {
	var tickersPayload struct {
		Result bybitListResult `json:"result"`
	}
	err := f.rest.getJSON(ctx, f.restBaseURL+"/v5/market/tickers", url.Values{"category": {"linear"}}, &tickersPayload)
	if err != nil {
		return nil, err
	}

	var instruments []map[string]interface{}
	cursor := ""
	for {
		params := url.Values{"category": {"linear"}, "limit": {"1000"}}
		if cursor != "" {
			params.Set("cursor", cursor)
		}
		var page struct {
			Result bybitListResult `json:"result"`
		}
		if err := f.rest.getJSON(ctx, f.restBaseURL+"/v5/market/instruments-info", params, &page); err != nil {
			return nil, err
		}
		if len(page.Result.List) == 0 {
			break
		}
		instruments = append(instruments, page.Result.List...)
		cursor = page.Result.NextPageCursor
		if cursor == "" {
			break
		}
	}

	return f.assemble(ctx, tickersPayload.Result.List, instruments), nil
}

func (f *BybitFetcher) assemble(ctx context.Context, tickers, instruments []map[string]interface{}) []model.MarketSnapshot {
	instrumentMap := make(map[string]row, len(instruments))
	for _, item := range instruments {
		if symbol, _ := item["symbol"].(string); symbol != "" {
			instrumentMap[symbol] = row(item)
		}
	}
	leverageMap := f.leverage.Get(ctx, f.Exchange())

	snapshots := make([]model.MarketSnapshot, 0, len(tickers))
	for _, item := range tickers {
		ticker := row(item)
		symbol, _ := item["symbol"].(string)
		if !strings.HasSuffix(symbol, "USDT") {
			continue
		}
		instrument := instrumentMap[symbol]

		interval := scanIntervalHours(ticker)
		if interval == nil {
			interval = scanIntervalHours(instrument)
		}
		if interval == nil {
			interval = model.Float(8.0)
		}

		in := snapshotInput{
			symbol:               symbol,
			fundingRateRaw:       safeFloat(ticker["fundingRate"]),
			fundingIntervalHours: interval,
			nextFundingTime:      scanTime(ticker, []string{"nextFundingTime"}),
			openInterestUSD:      safeFloat(ticker["openInterestValue"]),
			volume24hUSD:         safeFloat(ticker["turnover24h"]),
			markPrice:            safeFloat(ticker["markPrice"]),
		}
		if filter, ok := instrument["leverageFilter"].(map[string]interface{}); ok {
			in.maxLeverage = safeFloat(filter["maxLeverage"])
		}
		if in.maxLeverage == nil {
			if lev, ok := leverageMap[symbol]; ok {
				in.maxLeverage = model.Float(lev)
			}
		}

		if snap := buildSnapshot(f.Exchange(), in); snap != nil {
			snapshots = append(snapshots, *snap)
		}
	}
	return snapshots
}
