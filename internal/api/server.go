// Package api exposes the HTTP surface: market snapshots, the opportunity
// board, and trading records.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"fundingflow/internal/archive"
	"fundingflow/internal/board"
	"fundingflow/internal/execution"
	"fundingflow/internal/model"
	"fundingflow/internal/scanner"
	"fundingflow/internal/store"
	"fundingflow/logger"
)

// SnapshotProvider yields the current snapshot batch; satisfied by the
// aggregator.
type SnapshotProvider interface {
	FetchSnapshots(ctx context.Context, forceRefresh bool) model.SnapshotBatch
}

// Server hosts the Gin-powered API for FundingFlow.
type Server struct {
	addr       string
	agg        SnapshotProvider
	records    *store.Store
	vault      *store.Vault
	gateways   execution.Registry
	archiver   *archive.Archiver
	log        *logger.Log
	httpServer *http.Server
}

func NewServer(addr string, agg SnapshotProvider, records *store.Store, vault *store.Vault, gateways execution.Registry, archiver *archive.Archiver) *Server {
	return &Server{
		addr:     addr,
		agg:      agg,
		records:  records,
		vault:    vault,
		gateways: gateways,
		archiver: archiver,
		log:      logger.GetLogger(),
	}
}

// Run starts the API server and blocks until the context is cancelled or the
// listener fails.
func (s *Server) Run(ctx context.Context) error {
	router, err := s.buildRouter()
	if err != nil {
		return err
	}

	s.httpServer = &http.Server{
		Addr:    s.addr,
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	s.log.WithComponent("api").WithFields(logger.Fields{"address": s.addr}).Info("api server listening")

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		<-errCh
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) buildRouter() (*gin.Engine, error) {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if err := router.SetTrustedProxies(nil); err != nil {
		return nil, err
	}

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	market := router.Group("/api/market")
	{
		market.GET("/snapshots", s.handleSnapshots)
		market.GET("/board", s.handleBoard)
	}
	router.GET("/api/opportunities", s.handleOpportunities)

	if s.records != nil {
		records := router.Group("/api")
		{
			records.POST("/positions", s.handleCreatePosition)
			records.GET("/positions", s.handleListPositions)
			records.GET("/positions/:id", s.handleGetPosition)
			records.POST("/positions/:id/close", s.handleClosePosition)
			records.GET("/orders", s.handleListOrders)
			records.POST("/orders", s.handlePlaceOrder)
			records.GET("/risk-events", s.handleListRiskEvents)
			records.POST("/risk-events", s.handleCreateRiskEvent)
			records.POST("/risk-events/:id/resolve", s.handleResolveRiskEvent)
			records.GET("/strategy-templates", s.handleListTemplates)
			records.POST("/strategy-templates", s.handleSaveTemplate)
			if s.vault.Enabled() {
				records.GET("/credentials", s.handleListCredentials)
				records.PUT("/credentials", s.handleSaveCredential)
				records.DELETE("/credentials/:exchange", s.handleDeleteCredential)
			}
		}
	}

	return router, nil
}

func (s *Server) fetch(c *gin.Context) model.SnapshotBatch {
	logger.IncrementAPIRequest()
	force := queryBool(c, "force_refresh")
	batch := s.agg.FetchSnapshots(c.Request.Context(), force)
	if s.archiver != nil {
		if hit, _ := batch.Meta["cache_hit"].(bool); !hit {
			s.archiver.Submit(batch)
		}
	}
	return batch
}

func (s *Server) handleSnapshots(c *gin.Context) {
	batch := s.fetch(c)
	c.JSON(http.StatusOK, batch)
}

func (s *Server) handleBoard(c *gin.Context) {
	batch := s.fetch(c)
	params := board.Params{
		Limit:                  queryInt(c, "limit", 500),
		MinSpreadRate1yNominal: queryFloat(c, "min_spread_rate_1y_nominal", 0),
		MinNextCycleScore:      queryFloat(c, "min_next_cycle_score", 0),
		Exchanges:              queryExchanges(c),
		Symbol:                 c.Query("symbol"),
	}
	c.JSON(http.StatusOK, board.BuildResponse(batch, params))
}

func (s *Server) handleOpportunities(c *gin.Context) {
	batch := s.fetch(c)
	opps := scanner.Scan(batch, scanner.Options{
		MinSpreadRate1yNominal: queryFloat(c, "min_spread_rate_1y_nominal", 0),
	})
	c.JSON(http.StatusOK, gin.H{
		"as_of":         batch.AsOf,
		"total":         len(opps),
		"opportunities": opps,
		"errors":        batch.Errors,
		"meta":          batch.Meta,
	})
}

func (s *Server) handleCreatePosition(c *gin.Context) {
	var req model.Position
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Symbol == "" || req.LongExchange == "" || req.ShortExchange == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "symbol, long_exchange and short_exchange are required"})
		return
	}
	created, err := s.records.CreatePosition(c.Request.Context(), req)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, created)
}

func (s *Server) handleListPositions(c *gin.Context) {
	positions, err := s.records.ListPositions(c.Request.Context(), c.Query("status"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"positions": positions})
}

func (s *Server) handleGetPosition(c *gin.Context) {
	position, err := s.records.GetPosition(c.Request.Context(), c.Param("id"))
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "position not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, position)
}

func (s *Server) handleClosePosition(c *gin.Context) {
	position, err := s.records.ClosePosition(c.Request.Context(), c.Param("id"))
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "position not found or already closed"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, position)
}

func (s *Server) handleListOrders(c *gin.Context) {
	orders, err := s.records.ListOrders(c.Request.Context(), c.Query("position_id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": orders})
}

// handlePlaceOrder executes one leg through the venue gateway, then appends
// the immutable order record. Without a gateway for the venue the request is
// rejected; records of external fills can still be appended via a request
// with record_only set.
func (s *Server) handlePlaceOrder(c *gin.Context) {
	var req struct {
		execution.OrderRequest
		PositionID *string `json:"position_id,omitempty"`
		RecordOnly bool    `json:"record_only"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Symbol == "" || req.Exchange == "" || req.Qty <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "exchange, symbol and a positive qty are required"})
		return
	}

	record := model.Order{
		PositionID: req.PositionID,
		Exchange:   req.Exchange,
		Symbol:     req.Symbol,
		Side:       req.Side,
		Qty:        req.Qty,
	}

	if req.RecordOnly {
		record.Status = "recorded"
	} else {
		gateway, ok := s.gateways.Get(req.Exchange)
		if !ok {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "execution disabled for " + string(req.Exchange)})
			return
		}
		result, err := gateway.PlaceOrder(c.Request.Context(), req.OrderRequest)
		if err != nil {
			record.Status = "failed"
			record.Message = err.Error()
		} else {
			record.Status = result.Status
			record.AvgPrice = result.AvgPrice
			record.Message = result.Message
		}
	}

	saved, err := s.records.AppendOrder(c.Request.Context(), record)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	status := http.StatusCreated
	if saved.Status == "failed" {
		status = http.StatusBadGateway
	}
	c.JSON(status, saved)
}

func (s *Server) handleListRiskEvents(c *gin.Context) {
	events, err := s.records.ListRiskEvents(c.Request.Context(), queryBool(c, "include_resolved"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"risk_events": events})
}

func (s *Server) handleCreateRiskEvent(c *gin.Context) {
	var req model.RiskEvent
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Kind == "" || req.Detail == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "kind and detail are required"})
		return
	}
	created, err := s.records.AppendRiskEvent(c.Request.Context(), req)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, created)
}

func (s *Server) handleResolveRiskEvent(c *gin.Context) {
	err := s.records.ResolveRiskEvent(c.Request.Context(), c.Param("id"))
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "risk event not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"resolved": true})
}

func (s *Server) handleListTemplates(c *gin.Context) {
	templates, err := s.records.ListStrategyTemplates(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"strategy_templates": templates})
}

func (s *Server) handleSaveTemplate(c *gin.Context) {
	var req model.StrategyTemplate
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Name == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "name is required"})
		return
	}
	saved, err := s.records.SaveStrategyTemplate(c.Request.Context(), req)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, saved)
}

// handleSaveCredential seals the submitted credential set and upserts the
// opaque token. Plaintext secrets never touch the database or the logs.
func (s *Server) handleSaveCredential(c *gin.Context) {
	var req model.Credential
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Exchange == "" || req.APIKey == "" || req.APISecret == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "exchange, api_key and api_secret are required"})
		return
	}

	token, err := s.vault.Seal(req)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if err := s.records.SaveCredentialToken(c.Request.Context(), req.Exchange, token); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"exchange": req.Exchange, "stored": true})
}

func (s *Server) handleListCredentials(c *gin.Context) {
	stored, err := s.records.ListCredentialExchanges(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"credentials": stored})
}

func (s *Server) handleDeleteCredential(c *gin.Context) {
	exch := model.Exchange(strings.ToLower(c.Param("exchange")))
	err := s.records.DeleteCredential(c.Request.Context(), exch)
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "no credential stored for " + string(exch)})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

func queryBool(c *gin.Context, name string) bool {
	switch strings.ToLower(c.Query(name)) {
	case "1", "true", "yes":
		return true
	}
	return false
}

func queryInt(c *gin.Context, name string, fallback int) int {
	raw := c.Query(name)
	if raw == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return parsed
}

func queryFloat(c *gin.Context, name string, fallback float64) float64 {
	raw := c.Query(name)
	if raw == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

// queryExchanges accepts either repeated exchanges= params or one
// comma-separated list, dropping unknown names.
func queryExchanges(c *gin.Context) []model.Exchange {
	known := make(map[model.Exchange]bool, len(model.Exchanges))
	for _, exch := range model.Exchanges {
		known[exch] = true
	}

	var selected []model.Exchange
	seen := map[model.Exchange]bool{}
	for _, raw := range c.QueryArray("exchanges") {
		for _, part := range strings.Split(raw, ",") {
			exch := model.Exchange(strings.ToLower(strings.TrimSpace(part)))
			if known[exch] && !seen[exch] {
				selected = append(selected, exch)
				seen[exch] = true
			}
		}
	}
	return selected
}
