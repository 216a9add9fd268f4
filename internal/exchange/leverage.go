package exchange

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"fundingflow/internal/model"
	"fundingflow/internal/symbols"
	"fundingflow/logger"
)

const defaultLeverageTTL = time.Hour

// LeverageResolver caches per-symbol maximum leverage per exchange. Entries
// refresh on a long TTL; concurrent refreshes for the same exchange collapse
// into one via a per-exchange lock with a re-check after acquisition.
// Leverage enrichment is optional: a disabled resolver returns empty maps
// without touching the network.
type LeverageResolver struct {
	enabled bool
	ttl     time.Duration
	rest    *restClient
	log     *logger.Log

	mu     sync.Mutex
	states map[model.Exchange]*leverageState

	// endpoint overrides for tests
	binanceBracketsURL  string
	okxInstrumentsURL   string
	bybitInstrumentsURL string
	bitgetContractsURL  string
	gateioContractsURL  string
}

type leverageState struct {
	mu        sync.Mutex
	expiresAt time.Time
	data      map[string]float64
}

// NewLeverageResolver builds a resolver. A non-positive TTL falls back to
// one hour.
func NewLeverageResolver(enabled bool, ttl time.Duration, requestTimeout time.Duration) *LeverageResolver {
	if ttl <= 0 {
		ttl = defaultLeverageTTL
	}
	return &LeverageResolver{
		enabled: enabled,
		ttl:     ttl,
		rest:    newRestClient(requestTimeout, 10),
		log:     logger.GetLogger(),
		states:  make(map[model.Exchange]*leverageState),

		binanceBracketsURL:  "https://www.binance.com/bapi/futures/v1/friendly/future/common/brackets",
		okxInstrumentsURL:   "https://www.okx.com/api/v5/public/instruments",
		bybitInstrumentsURL: "https://api.bybit.com/v5/market/instruments-info",
		bitgetContractsURL:  "https://api.bitget.com/api/v2/mix/market/contracts",
		gateioContractsURL:  "https://api.gateio.ws/api/v4/futures/usdt/contracts",
	}
}

// Get returns the symbol→max-leverage map for an exchange, refreshing it
// when expired. Failures leave the previous map in place when one exists and
// otherwise yield an empty map; leverage is best-effort enrichment.
func (r *LeverageResolver) Get(ctx context.Context, exch model.Exchange) map[string]float64 {
	if r == nil || !r.enabled {
		return map[string]float64{}
	}

	state := r.state(exch)

	state.mu.Lock()
	defer state.mu.Unlock()
	if time.Now().Before(state.expiresAt) {
		return state.data
	}

	data, err := r.load(ctx, exch)
	if err != nil {
		r.log.WithComponent("leverage_resolver").WithError(err).WithFields(logger.Fields{
			"exchange": exch,
		}).Warn("leverage refresh failed")
		if state.data != nil {
			return state.data
		}
		return map[string]float64{}
	}

	state.data = data
	state.expiresAt = time.Now().Add(r.ttl)
	return state.data
}

func (r *LeverageResolver) state(exch model.Exchange) *leverageState {
	r.mu.Lock()
	defer r.mu.Unlock()
	state, ok := r.states[exch]
	if !ok {
		state = &leverageState{}
		r.states[exch] = state
	}
	return state
}

func (r *LeverageResolver) load(ctx context.Context, exch model.Exchange) (map[string]float64, error) {
	switch exch {
	case model.ExchangeBinance:
		return r.loadBinance(ctx)
	case model.ExchangeOkx:
		return r.loadOkx(ctx)
	case model.ExchangeBybit:
		return r.loadBybit(ctx)
	case model.ExchangeBitget:
		return r.loadBitget(ctx)
	case model.ExchangeGateio:
		return r.loadGateio(ctx)
	default:
		return nil, fmt.Errorf("unsupported exchange: %s", exch)
	}
}

// loadBinance uses the public bracket endpoint; the authenticated leverage
// bracket API is not required for read-only enrichment.
func (r *LeverageResolver) loadBinance(ctx context.Context) (map[string]float64, error) {
	var payload map[string]interface{}
	if err := r.rest.getJSON(ctx, r.binanceBracketsURL, nil, &payload); err != nil {
		return nil, err
	}
	return parseBinanceBrackets(payload), nil
}

// parseBinanceBrackets extracts the maximum leverage per USDT symbol from
// the public bracket payload, taking the maximum across risk tiers rather
// than the first tier found.
func parseBinanceBrackets(payload map[string]interface{}) map[string]float64 {
	out := make(map[string]float64)

	data, _ := payload["data"].(map[string]interface{})
	brackets, _ := data["brackets"].([]interface{})
	for _, item := range brackets {
		entry, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		symbol, _ := entry["symbol"].(string)
		if !strings.HasSuffix(symbol, "USDT") {
			continue
		}

		var best float64
		if tiers, ok := entry["riskBrackets"].([]interface{}); ok {
			for _, tierItem := range tiers {
				tierRow, ok := tierItem.(map[string]interface{})
				if !ok {
					continue
				}
				if lev := safeFloat(tierRow["maxOpenPosLeverage"]); lev != nil && *lev > best {
					best = *lev
				}
			}
		}
		if best <= 0 {
			if lev := safeFloat(entry["maxLeverage"]); lev != nil {
				best = *lev
			}
		}
		if best > 0 {
			out[symbol] = best
		}
	}
	return out
}

func (r *LeverageResolver) loadOkx(ctx context.Context) (map[string]float64, error) {
	var payload struct {
		Data []map[string]interface{} `json:"data"`
	}
	params := url.Values{"instType": {"SWAP"}}
	if err := r.rest.getJSON(ctx, r.okxInstrumentsURL, params, &payload); err != nil {
		return nil, err
	}

	out := make(map[string]float64)
	for _, item := range payload.Data {
		settle, _ := item["settleCcy"].(string)
		if settle != "USDT" {
			continue
		}
		instID, _ := item["instId"].(string)
		canonical := symbols.Normalize(instID)
		if canonical == "" {
			continue
		}
		if lev := scanPositiveFloat(row(item), leverageKeys); lev != nil {
			out[canonical] = *lev
		}
	}
	return out, nil
}

func (r *LeverageResolver) loadBybit(ctx context.Context) (map[string]float64, error) {
	var payload struct {
		Result struct {
			List []map[string]interface{} `json:"list"`
		} `json:"result"`
	}
	params := url.Values{"category": {"linear"}, "limit": {"1000"}}
	if err := r.rest.getJSON(ctx, r.bybitInstrumentsURL, params, &payload); err != nil {
		return nil, err
	}

	out := make(map[string]float64)
	for _, item := range payload.Result.List {
		symbol, _ := item["symbol"].(string)
		canonical := symbols.Normalize(symbol)
		if canonical == "" {
			continue
		}
		filter, _ := item["leverageFilter"].(map[string]interface{})
		if lev := safeFloat(filter["maxLeverage"]); lev != nil && *lev > 0 {
			out[canonical] = *lev
		}
	}
	return out, nil
}

func (r *LeverageResolver) loadBitget(ctx context.Context) (map[string]float64, error) {
	var payload struct {
		Data []map[string]interface{} `json:"data"`
	}
	params := url.Values{"productType": {"USDT-FUTURES"}}
	if err := r.rest.getJSON(ctx, r.bitgetContractsURL, params, &payload); err != nil {
		return nil, err
	}

	out := make(map[string]float64)
	for _, item := range payload.Data {
		symbol, _ := item["symbol"].(string)
		canonical := symbols.Normalize(symbol)
		if canonical == "" {
			continue
		}
		if lev := scanPositiveFloat(row(item), leverageKeys); lev != nil {
			out[canonical] = *lev
		}
	}
	return out, nil
}

func (r *LeverageResolver) loadGateio(ctx context.Context) (map[string]float64, error) {
	var payload []map[string]interface{}
	if err := r.rest.getJSON(ctx, r.gateioContractsURL, nil, &payload); err != nil {
		return nil, err
	}

	out := make(map[string]float64)
	for _, item := range payload {
		name, _ := item["name"].(string)
		canonical := symbols.Normalize(name)
		if canonical == "" {
			continue
		}
		if lev := scanPositiveFloat(row(item), leverageKeys); lev != nil {
			out[canonical] = *lev
		}
	}
	return out, nil
}
