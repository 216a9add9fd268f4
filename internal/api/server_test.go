package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"fundingflow/internal/model"
)

type stubProvider struct {
	batch      model.SnapshotBatch
	forceCalls int
}

func (s *stubProvider) FetchSnapshots(ctx context.Context, forceRefresh bool) model.SnapshotBatch {
	if forceRefresh {
		s.forceCalls++
	}
	return s.batch
}

func testBatch() model.SnapshotBatch {
	now := time.Now().UTC()
	next := now.Add(time.Hour)
	return model.SnapshotBatch{
		AsOf: now,
		Snapshots: []model.MarketSnapshot{
			{
				Exchange:             model.ExchangeBinance,
				Symbol:               "BTCUSDT",
				NominalRate1y:        model.Float(-0.10),
				FundingRateRaw:       model.Float(-0.0001),
				FundingIntervalHours: model.Float(8),
				NextFundingTime:      &next,
				UpdatedAt:            now,
			},
			{
				Exchange:             model.ExchangeOkx,
				Symbol:               "BTCUSDT",
				NominalRate1y:        model.Float(0.20),
				FundingRateRaw:       model.Float(0.0002),
				FundingIntervalHours: model.Float(8),
				NextFundingTime:      &next,
				UpdatedAt:            now,
			},
		},
		Meta: map[string]interface{}{"cache_hit": true},
	}
}

func newTestRouter(t *testing.T, provider SnapshotProvider) http.Handler {
	t.Helper()
	server := NewServer(":0", provider, nil, nil, nil, nil)
	router, err := server.buildRouter()
	if err != nil {
		t.Fatalf("buildRouter: %v", err)
	}
	return router
}

func TestHealthz(t *testing.T) {
	router := newTestRouter(t, &stubProvider{batch: testBatch()})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status: %d", rec.Code)
	}
}

func TestSnapshotsEndpointReturnsBatch(t *testing.T) {
	provider := &stubProvider{batch: testBatch()}
	router := newTestRouter(t, provider)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/market/snapshots", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status: %d, body %s", rec.Code, rec.Body.String())
	}

	var batch model.SnapshotBatch
	if err := json.Unmarshal(rec.Body.Bytes(), &batch); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(batch.Snapshots) != 2 {
		t.Errorf("expected 2 snapshots, got %d", len(batch.Snapshots))
	}
	if provider.forceCalls != 0 {
		t.Error("plain read must not force refresh")
	}
}

func TestSnapshotsForceRefreshFlag(t *testing.T) {
	provider := &stubProvider{batch: testBatch()}
	router := newTestRouter(t, provider)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/market/snapshots?force_refresh=true", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status: %d", rec.Code)
	}
	if provider.forceCalls != 1 {
		t.Errorf("force_refresh should propagate, got %d force calls", provider.forceCalls)
	}
}

func TestBoardEndpointBuildsRows(t *testing.T) {
	router := newTestRouter(t, &stubProvider{batch: testBatch()})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/market/board?limit=10&symbol=btcusdt", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status: %d, body %s", rec.Code, rec.Body.String())
	}

	var resp model.BoardResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Total != 1 || len(resp.Rows) != 1 {
		t.Fatalf("expected 1 board row, got %d", resp.Total)
	}
	row := resp.Rows[0]
	if row.LongExchange != model.ExchangeBinance || row.ShortExchange != model.ExchangeOkx {
		t.Errorf("legs: %s/%s", row.LongExchange, row.ShortExchange)
	}
	if resp.Meta["board_symbol_filter"] != "BTCUSDT" {
		t.Errorf("symbol filter echo: %v", resp.Meta["board_symbol_filter"])
	}
}

func TestOpportunitiesEndpointAppliesThreshold(t *testing.T) {
	router := newTestRouter(t, &stubProvider{batch: testBatch()})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/opportunities?min_spread_rate_1y_nominal=0.5", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status: %d", rec.Code)
	}

	var resp struct {
		Total int `json:"total"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Total != 0 {
		t.Errorf("0.30 spread must not clear a 0.5 threshold, got %d", resp.Total)
	}
}

func TestRecordsRoutesAbsentWithoutStore(t *testing.T) {
	router := newTestRouter(t, &stubProvider{batch: testBatch()})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/positions", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("records routes should be absent without a store, got %d", rec.Code)
	}
}

func TestQueryExchangesParsing(t *testing.T) {
	router := newTestRouter(t, &stubProvider{batch: testBatch()})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet,
		"/api/market/board?exchanges=binance,okx&exchanges=nope&exchanges=OKX", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status: %d", rec.Code)
	}

	var resp model.BoardResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	filter, _ := resp.Meta["board_exchanges_filter"].([]interface{})
	if len(filter) != 2 {
		t.Errorf("expected binance and okx in filter echo, got %v", resp.Meta["board_exchanges_filter"])
	}
}
