package exchange

import (
	"context"
	"net/url"
	"sync"
	"time"

	"fundingflow/internal/model"
	"fundingflow/internal/symbols"
)

// OkxFetcher joins OKX SWAP instruments, tickers and open interest, then
// resolves funding per instrument. OKX only exposes funding rates one
// contract at a time, so that fan-out runs under the shared budget gate.
type OkxFetcher struct {
	opts     Options
	leverage *LeverageResolver
	rest     *restClient

	baseURL string
}

func NewOkxFetcher(opts Options, leverage *LeverageResolver) *OkxFetcher {
	return &OkxFetcher{
		opts:     opts,
		leverage: leverage,
		rest:     newRestClient(opts.requestTimeout(), 20),
		baseURL:  "https://www.okx.com",
	}
}

func (f *OkxFetcher) Exchange() model.Exchange { return model.ExchangeOkx }

func (f *OkxFetcher) Fetch(ctx context.Context) ([]model.MarketSnapshot, error) {
	snaps, _, err := f.FetchWithSource(ctx)
	return snaps, err
}

func (f *OkxFetcher) FetchWithSource(ctx context.Context) ([]model.MarketSnapshot, string, error) {
	return runTiers(ctx, f.Exchange(), []tier{
		{source: model.SourceLegacyRest, fn: f.fetchRest},
	})
}

type okxListResponse struct {
	Data []map[string]interface{} `json:"data"`
}

func (f *OkxFetcher) fetchRest(ctx context.Context) ([]model.MarketSnapshot, error) {
	var (
		instruments  okxListResponse
		tickers      okxListResponse
		openInterest okxListResponse

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
		record(f.rest.getJSON(ctx, f.baseURL+"/api/v5/public/instruments", url.Values{"instType": {"SWAP"}}, &instruments))
	}()
	go func() {
		defer wg.Done()
		record(f.rest.getJSON(ctx, f.baseURL+"/api/v5/market/tickers", url.Values{"instType": {"SWAP"}}, &tickers))
	}()
	go func() {
		defer wg.Done()
		record(f.rest.getJSON(ctx, f.baseURL+"/api/v5/public/open-interest", url.Values{"instType": {"SWAP"}}, &openInterest))
	}()
	wg.Wait()
	if firstErr != nil {
		return nil, firstErr
	}

	usdtSwaps := make([]map[string]interface{}, 0, len(instruments.Data))
	instIDs := make([]string, 0, len(instruments.Data))
	for _, item := range instruments.Data {
		settle, _ := item["settleCcy"].(string)
		state, _ := item["state"].(string)
		instID, _ := item["instId"].(string)
		if settle != "USDT" || state != "live" || instID == "" {
			continue
		}
		usdtSwaps = append(usdtSwaps, item)
		instIDs = append(instIDs, instID)
	}

	fundingMap := f.fetchFundingRates(ctx, instIDs)
	leverageMap := f.leverage.Get(ctx, f.Exchange())

	tickerMap := make(map[string]row, len(tickers.Data))
	for _, item := range tickers.Data {
		if instID, _ := item["instId"].(string); instID != "" {
			tickerMap[instID] = row(item)
		}
	}
	oiMap := make(map[string]row, len(openInterest.Data))
	for _, item := range openInterest.Data {
		if instID, _ := item["instId"].(string); instID != "" {
			oiMap[instID] = row(item)
		}
	}

	snapshots := make([]model.MarketSnapshot, 0, len(usdtSwaps))
	for _, item := range usdtSwaps {
		instID, _ := item["instId"].(string)
		funding := fundingMap[instID]
		ticker := tickerMap[instID]
		oi := oiMap[instID]

		lastPrice := safeFloat(ticker["last"])
		var vol24h *float64
		if volCcy := safeFloat(ticker["volCcy24h"]); volCcy != nil && lastPrice != nil {
			vol24h = model.Float(*volCcy * *lastPrice)
		}

		in := snapshotInput{
			symbol:          instID,
			fundingRateRaw:  safeFloat(funding["fundingRate"]),
			nextFundingTime: scanTime(funding, []string{"nextFundingTime"}),
			openInterestUSD: safeFloat(oi["oiUsd"]),
			volume24hUSD:    vol24h,
			markPrice:       lastPrice,
		}
		in.fundingIntervalHours = inferOkxInterval(
			scanTime(funding, []string{"fundingTime"}),
			in.nextFundingTime,
		)
		in.maxLeverage = safeFloat(item["lever"])
		if in.maxLeverage == nil {
			if canonical := symbols.Normalize(instID); canonical != "" {
				if lev, ok := leverageMap[canonical]; ok {
					in.maxLeverage = model.Float(lev)
				}
			}
		}

		if snap := buildSnapshot(f.Exchange(), in); snap != nil {
			snapshots = append(snapshots, *snap)
		}
	}
	return snapshots, nil
}

// fetchFundingRates resolves funding one contract at a time under the
// fan-out budget. Contracts that miss the budget simply lack funding fields;
// the snapshot still carries price and open-interest data.
func (f *OkxFetcher) fetchFundingRates(ctx context.Context, instIDs []string) map[string]row {
	deadline := time.Now().Add(f.opts.fanoutBudget())
	sem := make(chan struct{}, f.opts.maxConcurrency())

	var (
		mu     sync.Mutex
		wg     sync.WaitGroup
		result = make(map[string]row, len(instIDs))
	)

	for _, instID := range instIDs {
		if time.Now().After(deadline) {
			break
		}
		wg.Add(1)
		go func(instID string) {
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
			var payload okxListResponse
			err := f.rest.getJSON(ctx, f.baseURL+"/api/v5/public/funding-rate", url.Values{"instId": {instID}}, &payload)
			if err != nil || len(payload.Data) == 0 {
				return
			}
			mu.Lock()
			result[instID] = row(payload.Data[0])
			mu.Unlock()
		}(instID)
	}
	wg.Wait()
	return result
}

// inferOkxInterval derives the funding interval from the gap between the
// current and next funding timestamps, defaulting to 8h.
func inferOkxInterval(fundingTime, nextFundingTime *time.Time) *float64 {
	if fundingTime != nil && nextFundingTime != nil {
		diffHours := nextFundingTime.Sub(*fundingTime).Hours()
		if diffHours > 0 {
			return model.Float(diffHours)
		}
	}
	return model.Float(8.0)
}
