package exchange

import (
	"context"
	"net/url"
	"strings"
	"sync"
	"time"

	futures "github.com/adshao/go-binance/v2/futures"

	"fundingflow/internal/model"
)

const binanceDefaultIntervalHours = 8.0

// BinanceFetcher resolves Binance USDT perpetual funding snapshots. Tier one
// goes through the go-binance futures client, tier two hits the fapi REST
// endpoints directly.
type BinanceFetcher struct {
	opts     Options
	leverage *LeverageResolver
	client   *futures.Client
	rest     *restClient

	restBaseURL string
}

func NewBinanceFetcher(opts Options, leverage *LeverageResolver) *BinanceFetcher {
	return &BinanceFetcher{
		opts:        opts,
		leverage:    leverage,
		client:      futures.NewClient("", ""),
		rest:        newRestClient(opts.requestTimeout(), 20),
		restBaseURL: "https://fapi.binance.com",
	}
}

func (f *BinanceFetcher) Exchange() model.Exchange { return model.ExchangeBinance }

func (f *BinanceFetcher) Fetch(ctx context.Context) ([]model.MarketSnapshot, error) {
	snaps, _, err := f.FetchWithSource(ctx)
	return snaps, err
}

func (f *BinanceFetcher) FetchWithSource(ctx context.Context) ([]model.MarketSnapshot, string, error) {
	return runTiers(ctx, f.Exchange(), []tier{
		{source: model.SourceSDK, fn: f.fetchSDK},
		{source: model.SourceLegacyRest, fn: f.fetchLegacyRest},
	})
}

func (f *BinanceFetcher) fetchSDK(ctx context.Context) ([]model.MarketSnapshot, error) {
	var (
		premiums []*futures.PremiumIndex
		stats    []*futures.PriceChangeStats
		info     *futures.ExchangeInfo

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

	wg.Add(3)
	go func() {
		defer wg.Done()
		p, err := f.client.NewPremiumIndexService().Do(ctx)
		record(err)
		premiums = p
	}()
	go func() {
		defer wg.Done()
		s, err := f.client.NewListPriceChangeStatsService().Do(ctx)
		record(err)
		stats = s
	}()
	go func() {
		defer wg.Done()
		i, err := f.client.NewExchangeInfoService().Do(ctx)
		record(err)
		info = i
	}()
	wg.Wait()
	if firstErr != nil {
		return nil, firstErr
	}

	tradingSymbols := make([]string, 0, len(info.Symbols))
	for _, s := range info.Symbols {
		if s.QuoteAsset == "USDT" && s.ContractType == "PERPETUAL" && s.Status == "TRADING" {
			tradingSymbols = append(tradingSymbols, s.Symbol)
		}
	}

	premiumMap := make(map[string]*futures.PremiumIndex, len(premiums))
	for _, p := range premiums {
		premiumMap[p.Symbol] = p
	}
	volumeMap := make(map[string]*float64, len(stats))
	for _, s := range stats {
		volumeMap[s.Symbol] = safeFloat(s.QuoteVolume)
	}

	oiMap := f.fetchOpenInterestMap(ctx, tradingSymbols)
	leverageMap := f.leverage.Get(ctx, f.Exchange())

	snapshots := make([]model.MarketSnapshot, 0, len(tradingSymbols))
	for _, symbol := range tradingSymbols {
		in := snapshotInput{symbol: symbol}
		if premium, ok := premiumMap[symbol]; ok {
			in.markPrice = safeFloat(premium.MarkPrice)
			in.fundingRateRaw = safeFloat(premium.LastFundingRate)
			in.nextFundingTime = msToTime(premium.NextFundingTime)
		}
		in.fundingIntervalHours = model.Float(binanceDefaultIntervalHours)
		in.volume24hUSD = volumeMap[symbol]
		if qty, ok := oiMap[symbol]; ok && in.markPrice != nil {
			in.openInterestUSD = model.Float(qty * *in.markPrice)
		}
		if lev, ok := leverageMap[symbol]; ok {
			in.maxLeverage = model.Float(lev)
		}

		if snap := buildSnapshot(f.Exchange(), in); snap != nil {
			snapshots = append(snapshots, *snap)
		}
	}
	return snapshots, nil
}

// fetchOpenInterestMap fans out one request per symbol under a concurrency
// gate and a wall-clock budget. The deadline is checked both before dispatch
// and after acquiring a slot so no new work starts once the budget is spent;
// whatever resolved in time is returned as a partial result.
func (f *BinanceFetcher) fetchOpenInterestMap(ctx context.Context, symbols []string) map[string]float64 {
	deadline := time.Now().Add(f.opts.fanoutBudget())
	sem := make(chan struct{}, f.opts.maxConcurrency())

	var (
		mu    sync.Mutex
		wg    sync.WaitGroup
		oiMap = make(map[string]float64, len(symbols))
	)

	for _, symbol := range symbols {
		if time.Now().After(deadline) {
			break
		}
		wg.Add(1)
		go func(symbol string) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				return
			}
			defer func() { <-sem }()

			if time.Now().After(deadline) {
				return
			}
			oi, err := f.client.NewGetOpenInterestService().Symbol(symbol).Do(ctx)
			if err != nil {
				return
			}
			if qty := safeFloat(oi.OpenInterest); qty != nil {
				mu.Lock()
				oiMap[symbol] = *qty
				mu.Unlock()
			}
		}(symbol)
	}
	wg.Wait()
	return oiMap
}

func (f *BinanceFetcher) fetchLegacyRest(ctx context.Context) ([]model.MarketSnapshot, error) {
	var premiums []map[string]interface{}
	if err := f.rest.getJSON(ctx, f.restBaseURL+"/fapi/v1/premiumIndex", nil, &premiums); err != nil {
		return nil, err
	}
	var tickers []map[string]interface{}
	if err := f.rest.getJSON(ctx, f.restBaseURL+"/fapi/v1/ticker/24hr", nil, &tickers); err != nil {
		return nil, err
	}
	var info struct {
		Symbols []map[string]interface{} `json:"symbols"`
	}
	if err := f.rest.getJSON(ctx, f.restBaseURL+"/fapi/v1/exchangeInfo", url.Values{}, &info); err != nil {
		return nil, err
	}

	volumeMap := make(map[string]*float64, len(tickers))
	for _, t := range tickers {
		if symbol, _ := t["symbol"].(string); symbol != "" {
			volumeMap[symbol] = safeFloat(t["quoteVolume"])
		}
	}
	premiumMap := make(map[string]row, len(premiums))
	for _, p := range premiums {
		if symbol, _ := p["symbol"].(string); symbol != "" {
			premiumMap[symbol] = row(p)
		}
	}
	leverageMap := f.leverage.Get(ctx, f.Exchange())

	var snapshots []model.MarketSnapshot
	for _, s := range info.Symbols {
		symbol, _ := s["symbol"].(string)
		quote, _ := s["quoteAsset"].(string)
		contractType, _ := s["contractType"].(string)
		status, _ := s["status"].(string)
		if symbol == "" || quote != "USDT" || contractType != "PERPETUAL" || !strings.EqualFold(status, "TRADING") {
			continue
		}

		premium := premiumMap[symbol]
		in := snapshotInput{
			symbol:               symbol,
			fundingRateRaw:       safeFloat(premium["lastFundingRate"]),
			fundingIntervalHours: model.Float(binanceDefaultIntervalHours),
			nextFundingTime:      scanTime(premium, nextFundingTimeKeys),
			volume24hUSD:         volumeMap[symbol],
			markPrice:            safeFloat(premium["markPrice"]),
		}
		if lev, ok := leverageMap[symbol]; ok {
			in.maxLeverage = model.Float(lev)
		}
		if snap := buildSnapshot(f.Exchange(), in); snap != nil {
			snapshots = append(snapshots, *snap)
		}
	}
	return snapshots, nil
}
