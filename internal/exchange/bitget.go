package exchange

import (
	"context"
	"net/url"
	"strings"
	"sync"

	"fundingflow/internal/model"
)

// BitgetFetcher joins Bitget USDT-FUTURES tickers with contract metadata.
// Bitget has no unified client in our stack, so the REST tier is the only one.
type BitgetFetcher struct {
	opts     Options
	leverage *LeverageResolver
	rest     *restClient

	baseURL string
}

func NewBitgetFetcher(opts Options, leverage *LeverageResolver) *BitgetFetcher {
	return &BitgetFetcher{
		opts:     opts,
		leverage: leverage,
		rest:     newRestClient(opts.requestTimeout(), 20),
		baseURL:  "https://api.bitget.com",
	}
}

func (f *BitgetFetcher) Exchange() model.Exchange { return model.ExchangeBitget }

func (f *BitgetFetcher) Fetch(ctx context.Context) ([]model.MarketSnapshot, error) {
	snaps, _, err := f.FetchWithSource(ctx)
	return snaps, err
}

func (f *BitgetFetcher) FetchWithSource(ctx context.Context) ([]model.MarketSnapshot, string, error) {
	return runTiers(ctx, f.Exchange(), []tier{
		{source: model.SourceLegacyRest, fn: f.fetchRest},
	})
}

type bitgetListResponse struct {
	Data []map[string]interface{} `json:"data"`
}

func (f *BitgetFetcher) fetchRest(ctx context.Context) ([]model.MarketSnapshot, error) {
	var (
		tickers   bitgetListResponse
		contracts bitgetListResponse

		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
	)

	record := func(err error) {
		mu.Lock()
		if err != nil && firstErr == nil {
			firstErr = err
		}
		mu.Unlock()
	}

	params := url.Values{"productType": {"USDT-FUTURES"}}
	wg.Add(2)
	go func() {
		defer wg.Done()
		record(f.rest.getJSON(ctx, f.baseURL+"/api/v2/mix/market/tickers", params, &tickers))
	}()
	go func() {
		defer wg.Done()
		record(f.rest.getJSON(ctx, f.baseURL+"/api/v2/mix/market/contracts", params, &contracts))
	}()
	wg.Wait()
	if firstErr != nil {
		return nil, firstErr
	}

	contractMap := make(map[string]row, len(contracts.Data))
	for _, item := range contracts.Data {
		if symbol, _ := item["symbol"].(string); symbol != "" {
			contractMap[symbol] = row(item)
		}
	}
	leverageMap := f.leverage.Get(ctx, f.Exchange())

	snapshots := make([]model.MarketSnapshot, 0, len(tickers.Data))
	for _, item := range tickers.Data {
		ticker := row(item)
		symbol, _ := item["symbol"].(string)
		if !strings.HasSuffix(symbol, "USDT") {
			continue
		}
		contract := contractMap[symbol]

		markPrice := scanFloat(ticker, markPriceKeys)
		var oiUSD *float64
		if holding := safeFloat(ticker["holdingAmount"]); holding != nil && markPrice != nil {
			oiUSD = model.Float(*holding * *markPrice)
		}
		vol24h := safeFloat(ticker["usdtVolume"])
		if vol24h == nil {
			vol24h = safeFloat(ticker["quoteVolume"])
		}

		interval := scanIntervalHours(contract)
		if interval == nil {
			interval = model.Float(8.0)
		}

		in := snapshotInput{
			symbol:               symbol,
			fundingRateRaw:       safeFloat(ticker["fundingRate"]),
			fundingIntervalHours: interval,
			nextFundingTime:      scanTime(ticker, nextFundingTimeKeys),
			openInterestUSD:      oiUSD,
			volume24hUSD:         vol24h,
			markPrice:            markPrice,
		}
		in.maxLeverage = scanPositiveFloat(contract, leverageKeys)
		if in.maxLeverage == nil {
			if lev, ok := leverageMap[symbol]; ok {
				in.maxLeverage = model.Float(lev)
			}
		}

		if snap := buildSnapshot(f.Exchange(), in); snap != nil {
			snapshots = append(snapshots, *snap)
		}
	}
	return snapshots, nil
}
