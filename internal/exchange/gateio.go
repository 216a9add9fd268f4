package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"fundingflow/internal/model"
	"fundingflow/internal/symbols"
)

// GateioFetcher resolves Gate.io USDT perpetual snapshots. Tier one joins the
// REST contracts and tickers endpoints; tier two streams the futures.tickers
// websocket channel and assembles snapshots from live pushes, which survives
// the occasional REST-side throttling of the tickers endpoint.
type GateioFetcher struct {
	opts     Options
	leverage *LeverageResolver
	rest     *restClient

	baseURL string
	wsURL   string
}

func NewGateioFetcher(opts Options, leverage *LeverageResolver) *GateioFetcher {
	return &GateioFetcher{
		opts:     opts,
		leverage: leverage,
		rest:     newRestClient(opts.requestTimeout(), 20),
		baseURL:  "https://api.gateio.ws",
		wsURL:    "wss://fx-ws.gateio.ws/v4/ws/usdt",
	}
}

func (f *GateioFetcher) Exchange() model.Exchange { return model.ExchangeGateio }

func (f *GateioFetcher) Fetch(ctx context.Context) ([]model.MarketSnapshot, error) {
	snaps, _, err := f.FetchWithSource(ctx)
	return snaps, err
}

func (f *GateioFetcher) FetchWithSource(ctx context.Context) ([]model.MarketSnapshot, string, error) {
	return runTiers(ctx, f.Exchange(), []tier{
		{source: model.SourceLegacyRest, fn: f.fetchRest},
		{source: model.SourceWSFallback, fn: f.fetchWs},
	})
}

func (f *GateioFetcher) fetchContracts(ctx context.Context) ([]map[string]interface{}, error) {
	var contracts []map[string]interface{}
	err := f.rest.getJSON(ctx, f.baseURL+"/api/v4/futures/usdt/contracts", nil, &contracts)
	if err != nil {
		return nil, err
	}
	return contracts, nil
}

func (f *GateioFetcher) fetchRest(ctx context.Context) ([]model.MarketSnapshot, error) {
	var (
		contracts []map[string]interface{}
		tickers   []map[string]interface{}

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

	wg.Add(2)
	go func() {
		defer wg.Done()
		c, err := f.fetchContracts(ctx)
		record(err)
		contracts = c
	}()
	go func() {
		defer wg.Done()
		record(f.rest.getJSON(ctx, f.baseURL+"/api/v4/futures/usdt/tickers", nil, &tickers))
	}()
	wg.Wait()
	if firstErr != nil {
		return nil, firstErr
	}

	tickerMap := make(map[string]row, len(tickers))
	for _, item := range tickers {
		if contract, _ := item["contract"].(string); contract != "" {
			tickerMap[contract] = row(item)
		}
	}

	snapshots := make([]model.MarketSnapshot, 0, len(contracts))
	for _, item := range contracts {
		contract := row(item)
		if snap := f.buildFromContract(ctx, contract, tickerMap[contractName(contract)]); snap != nil {
			snapshots = append(snapshots, *snap)
		}
	}
	return snapshots, nil
}

func contractName(contract row) string {
	name, _ := contract["name"].(string)
	return name
}

// buildFromContract merges contract metadata with whatever ticker fields are
// available. ticker may be nil when the source only provided contracts.
func (f *GateioFetcher) buildFromContract(ctx context.Context, contract, ticker row) *model.MarketSnapshot {
	name := contractName(contract)
	if !strings.HasSuffix(name, "_USDT") {
		return nil
	}
	if status, ok := contract["status"].(string); ok && status != "" && status != "trading" {
		return nil
	}
	if inDelisting, ok := contract["in_delisting"].(bool); ok && inDelisting {
		return nil
	}

	markPrice := scanFloat(ticker, markPriceKeys)
	if markPrice == nil {
		markPrice = scanFloat(contract, markPriceKeys)
	}

	var oiUSD *float64
	totalSize := safeFloat(ticker["total_size"])
	multiplier := safeFloat(contract["quanto_multiplier"])
	if totalSize != nil && markPrice != nil && multiplier != nil {
		oiUSD = model.Float(*totalSize * *markPrice * *multiplier)
	}

	vol24h := safeFloat(ticker["volume_24h_quote"])
	if vol24h == nil {
		vol24h = safeFloat(ticker["volume_24h_settle"])
	}

	rate := safeFloat(ticker["funding_rate"])
	if rate == nil {
		rate = safeFloat(contract["funding_rate"])
	}

	var interval *float64
	if seconds := safeFloat(contract["funding_interval"]); seconds != nil && *seconds > 0 {
		interval = model.Float(*seconds / 3600.0)
	}
	if interval == nil {
		interval = model.Float(8.0)
	}

	in := snapshotInput{
		symbol:               name,
		fundingRateRaw:       rate,
		fundingIntervalHours: interval,
		nextFundingTime:      scanTime(contract, []string{"funding_next_apply"}),
		openInterestUSD:      oiUSD,
		volume24hUSD:         vol24h,
		markPrice:            markPrice,
	}
	in.maxLeverage = safeFloat(contract["leverage_max"])
	if in.maxLeverage == nil {
		leverageMap := f.leverage.Get(ctx, f.Exchange())
		if canonical := symbols.Normalize(name); canonical != "" {
			if lev, ok := leverageMap[canonical]; ok {
				in.maxLeverage = model.Float(lev)
			}
		}
	}

	return buildSnapshot(f.Exchange(), in)
}

type gateioWsEnvelope struct {
	Channel string          `json:"channel"`
	Event   string          `json:"event"`
	Result  json.RawMessage `json:"result"`
}

// fetchWs streams the futures.tickers channel until enough distinct contracts
// were seen or the fan-out budget expires. Contract metadata still comes from
// REST; only ticker data moves over the socket.
func (f *GateioFetcher) fetchWs(ctx context.Context) ([]model.MarketSnapshot, error) {
	contracts, err := f.fetchContracts(ctx)
	if err != nil {
		return nil, err
	}
	contractMap := make(map[string]row, len(contracts))
	for _, item := range contracts {
		if name, _ := item["name"].(string); strings.HasSuffix(name, "_USDT") {
			contractMap[name] = row(item)
		}
	}
	if len(contractMap) == 0 {
		return nil, fmt.Errorf("no usdt contracts listed")
	}

	target := wsCoverageTarget(len(contractMap))
	budget := f.opts.fanoutBudget()
	dialCtx, cancel := context.WithTimeout(ctx, f.opts.requestTimeout())
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, f.wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("websocket dial failed: %w", err)
	}
	defer conn.Close()

	subscribe := map[string]interface{}{
		"time":    time.Now().Unix(),
		"channel": "futures.tickers",
		"event":   "subscribe",
		"payload": []string{"!all"},
	}
	if err := conn.WriteJSON(subscribe); err != nil {
		return nil, fmt.Errorf("websocket subscribe failed: %w", err)
	}

	deadline := time.Now().Add(budget)
	seen := make(map[string]row, target)
	for len(seen) < target {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}
		if err := conn.SetReadDeadline(time.Now().Add(remaining)); err != nil {
			break
		}
		_, message, err := conn.ReadMessage()
		if err != nil {
			break
		}

		var envelope gateioWsEnvelope
		if err := json.Unmarshal(message, &envelope); err != nil {
			continue
		}
		if envelope.Channel != "futures.tickers" || envelope.Event != "update" {
			continue
		}
		var updates []map[string]interface{}
		if err := json.Unmarshal(envelope.Result, &updates); err != nil {
			continue
		}
		for _, update := range updates {
			if contract, _ := update["contract"].(string); contract != "" {
				if _, listed := contractMap[contract]; listed {
					seen[contract] = row(update)
				}
			}
		}
	}

	unsubscribe := map[string]interface{}{
		"time":    time.Now().Unix(),
		"channel": "futures.tickers",
		"event":   "unsubscribe",
		"payload": []string{"!all"},
	}
	_ = conn.WriteJSON(unsubscribe)

	snapshots := make([]model.MarketSnapshot, 0, len(seen))
	for name, ticker := range seen {
		if snap := f.buildFromContract(ctx, contractMap[name], ticker); snap != nil {
			snapshots = append(snapshots, *snap)
		}
	}
	return snapshots, nil
}

// wsCoverageTarget decides how many distinct contracts count as a usable
// streaming pass: at least 80, at least half the listed book, never more than
// the book itself.
func wsCoverageTarget(listed int) int {
	target := listed / 2
	if target < 80 {
		target = 80
	}
	if target > listed {
		target = listed
	}
	return target
}
