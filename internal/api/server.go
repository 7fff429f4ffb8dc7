// Package api is the HTTP/WebSocket transport: CRUD and
// control routes over strategies, read-side projections (events, orders,
// trade instructions/logs), and a WebSocket event stream. Grounded on
// internal/api/server.go's gorilla/mux router, rs/cors, and graceful
// shutdown, plus websocket.go's Hub/Client broadcast pattern, both
// generalized from backtest/OHLCV concerns to the strategy engine's own
// read model.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/atlas-desktop/trading-engine/internal/chain"
	"github.com/atlas-desktop/trading-engine/internal/condition"
	"github.com/atlas-desktop/trading-engine/internal/engineerrors"
	"github.com/atlas-desktop/trading-engine/internal/metrics"
	"github.com/atlas-desktop/trading-engine/internal/store"
	"github.com/atlas-desktop/trading-engine/pkg/model"
)

// Server is the HTTP/WebSocket API server.
type Server struct {
	logger     *zap.Logger
	cfg        model.ServerConfig
	rules      model.ConditionRulesConfig
	store      *store.Store
	metrics    *metrics.Registry
	hub        *Hub
	router     *mux.Router
	httpServer *http.Server
	upgrader   websocket.Upgrader
}

func New(logger *zap.Logger, cfg model.ServerConfig, rules model.ConditionRulesConfig, st *store.Store, reg *metrics.Registry) *Server {
	s := &Server{
		logger:  logger.Named("api"),
		cfg:     cfg,
		rules:   rules,
		store:   st,
		metrics: reg,
		hub:     NewHub(logger.Named("api.hub")),
		router:  mux.NewRouter(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	s.setupRoutes()
	go s.hub.Run()
	return s
}

// Hub exposes the event hub so code outside the HTTP handlers (cmd/server's
// gateway order-update loop) can publish to WebSocket clients.
func (s *Server) Hub() *Hub { return s.hub }

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/api/v1/health", s.handleHealth).Methods("GET")
	if s.metrics != nil {
		s.router.Handle("/metrics", s.metrics.Handler()).Methods("GET")
	}

	s.router.HandleFunc("/api/v1/strategies", s.handleCreateStrategy).Methods("POST")
	s.router.HandleFunc("/api/v1/strategies", s.handleListStrategies).Methods("GET")
	s.router.HandleFunc("/api/v1/strategies/{id}", s.handleGetStrategy).Methods("GET")
	s.router.HandleFunc("/api/v1/strategies/{id}", s.handlePatchStrategy).Methods("PATCH")
	s.router.HandleFunc("/api/v1/strategies/{id}", s.handleDeleteStrategy).Methods("DELETE")
	s.router.HandleFunc("/api/v1/strategies/{id}/conditions", s.handlePutConditions).Methods("PUT")
	s.router.HandleFunc("/api/v1/strategies/{id}/actions", s.handlePutActions).Methods("PUT")

	s.router.HandleFunc("/api/v1/strategies/{id}/activate", s.handleActivate).Methods("POST")
	s.router.HandleFunc("/api/v1/strategies/{id}/pause", s.handlePause).Methods("POST")
	s.router.HandleFunc("/api/v1/strategies/{id}/resume", s.handleResume).Methods("POST")
	s.router.HandleFunc("/api/v1/strategies/{id}/cancel", s.handleCancel).Methods("POST")

	s.router.HandleFunc("/api/v1/strategies/{id}/events", s.handleStrategyEvents).Methods("GET")
	s.router.HandleFunc("/api/v1/strategies/{id}/orders", s.handleStrategyOrders).Methods("GET")
	s.router.HandleFunc("/api/v1/strategies/{id}/trade-logs/{tradeId}", s.handleTradeLogs).Methods("GET")
	s.router.HandleFunc("/api/v1/strategies/{id}/verification/{tradeId}", s.handleVerificationEvents).Methods("GET")

	s.router.HandleFunc("/api/v1/events", s.handleGlobalEvents).Methods("GET")
	s.router.HandleFunc("/api/v1/trade-instructions", s.handleActiveTradeInstructions).Methods("GET")

	s.router.HandleFunc(s.cfg.WebSocketPath, s.handleWebSocket)
}

// Start runs the HTTP server until Stop is called or it errors out.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	handler := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	}).Handler(s.router)

	readTimeout, writeTimeout := s.cfg.ReadTimeout, s.cfg.WriteTimeout
	if readTimeout == 0 {
		readTimeout = 15 * time.Second
	}
	if writeTimeout == 0 {
		writeTimeout = 15 * time.Second
	}

	s.httpServer = &http.Server{Addr: addr, Handler: handler, ReadTimeout: readTimeout, WriteTimeout: writeTimeout}
	s.logger.Info("starting API server", zap.String("addr", addr))
	return s.httpServer.ListenAndServe()
}

// Stop gracefully shuts down the HTTP server and closes every WebSocket
// client.
func (s *Server) Stop(ctx context.Context) error {
	s.hub.CloseAll()
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "healthy", "time": time.Now().UTC()})
}

type createStrategyRequest struct {
	IdempotencyKey         string                 `json:"idempotencyKey,omitempty"`
	Market                 string                 `json:"market"`
	SecType                model.SecType          `json:"secType"`
	Exchange               string                 `json:"exchange"`
	Currency               string                 `json:"currency"`
	TradeType              model.TradeType        `json:"tradeType"`
	ConditionLogic         model.ConditionLogic   `json:"conditionLogic"`
	Conditions             []model.Condition      `json:"conditions"`
	Symbols                []model.StrategySymbol `json:"symbols"`
	TradeAction            *model.TradeAction      `json:"tradeAction,omitempty"`
	NextStrategyID         string                  `json:"nextStrategyId,omitempty"`
	UpstreamOnlyActivation bool                    `json:"upstreamOnlyActivation"`
	UpstreamStrategyID     string                  `json:"upstreamStrategyId,omitempty"`
	ExpireMode             model.ExpireMode        `json:"expireMode"`
	ExpireInSeconds        int                     `json:"expireInSeconds,omitempty"`
	ExpireAt               *time.Time              `json:"expireAt,omitempty"`
}

func (s *Server) handleCreateStrategy(w http.ResponseWriter, r *http.Request) {
	var req createStrategyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, engineerrors.Validation("invalid request body: %v", err))
		return
	}

	st := &model.Strategy{
		IdempotencyKey:         req.IdempotencyKey,
		Market:                 req.Market,
		SecType:                req.SecType,
		Exchange:               req.Exchange,
		Currency:               req.Currency,
		TradeType:              req.TradeType,
		ConditionLogic:         req.ConditionLogic,
		Conditions:             req.Conditions,
		Symbols:                req.Symbols,
		TradeAction:            req.TradeAction,
		NextStrategyID:         req.NextStrategyID,
		UpstreamOnlyActivation: req.UpstreamOnlyActivation,
		UpstreamStrategyID:     req.UpstreamStrategyID,
		ExpireMode:             req.ExpireMode,
		ExpireInSeconds:        req.ExpireInSeconds,
		ExpireAt:               req.ExpireAt,
		Status:                 model.StatusPendingActivation,
	}

	if err := s.validateConditions(st.Conditions); err != nil {
		writeError(w, err)
		return
	}
	if st.NextStrategyID != "" {
		if err := chain.ValidateNoCycle(r.Context(), s.store, "", st.NextStrategyID); err != nil {
			writeError(w, err)
			return
		}
	}

	created, err := s.store.Create(r.Context(), st)
	if err != nil {
		writeError(w, err)
		return
	}
	s.hub.PublishToChannel("global", MsgTypeStrategyEvent, map[string]any{"event": "created", "strategyId": created.ID})
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) validateConditions(conditions []model.Condition) error {
	if len(conditions) == 0 {
		return engineerrors.Validation("at least one condition is required")
	}
	for _, c := range conditions {
		if _, err := condition.Prepare(c, s.rules); err != nil {
			return err
		}
	}
	return nil
}

func (s *Server) handleListStrategies(w http.ResponseWriter, r *http.Request) {
	filter := store.ListFilter{
		Status: model.Status(r.URL.Query().Get("status")),
		Market: r.URL.Query().Get("market"),
	}
	list, err := s.store.List(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"strategies": list, "count": len(list)})
}

func (s *Server) handleGetStrategy(w http.ResponseWriter, r *http.Request) {
	st, err := s.store.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

type patchStrategyRequest struct {
	Market          *string           `json:"market,omitempty"`
	Exchange        *string           `json:"exchange,omitempty"`
	ExpireMode      *model.ExpireMode `json:"expireMode,omitempty"`
	ExpireInSeconds *int              `json:"expireInSeconds,omitempty"`
	ExpireAt        *time.Time        `json:"expireAt,omitempty"`
}

func (s *Server) handlePatchStrategy(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req patchStrategyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, engineerrors.Validation("invalid request body: %v", err))
		return
	}
	updated, err := s.store.PatchBasic(r.Context(), id, func(st *model.Strategy) error {
		if req.Market != nil {
			st.Market = *req.Market
		}
		if req.Exchange != nil {
			st.Exchange = *req.Exchange
		}
		if req.ExpireMode != nil {
			st.ExpireMode = *req.ExpireMode
		}
		if req.ExpireInSeconds != nil {
			st.ExpireInSeconds = *req.ExpireInSeconds
		}
		if req.ExpireAt != nil {
			st.ExpireAt = req.ExpireAt
		}
		return nil
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handlePutConditions(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req struct {
		ConditionLogic model.ConditionLogic `json:"conditionLogic"`
		Conditions     []model.Condition    `json:"conditions"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, engineerrors.Validation("invalid request body: %v", err))
		return
	}
	if err := s.validateConditions(req.Conditions); err != nil {
		writeError(w, err)
		return
	}
	updated, err := s.store.PatchBasic(r.Context(), id, func(st *model.Strategy) error {
		st.ConditionLogic = req.ConditionLogic
		st.Conditions = req.Conditions
		return nil
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handlePutActions(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req struct {
		Symbols        []model.StrategySymbol `json:"symbols"`
		TradeAction    *model.TradeAction      `json:"tradeAction,omitempty"`
		NextStrategyID string                  `json:"nextStrategyId,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, engineerrors.Validation("invalid request body: %v", err))
		return
	}
	if req.NextStrategyID != "" {
		if err := chain.ValidateNoCycle(r.Context(), s.store, id, req.NextStrategyID); err != nil {
			writeError(w, err)
			return
		}
	}
	updated, err := s.store.PatchBasic(r.Context(), id, func(st *model.Strategy) error {
		st.Symbols = req.Symbols
		st.TradeAction = req.TradeAction
		st.NextStrategyID = req.NextStrategyID
		return nil
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleDeleteStrategy(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.store.SoftDelete(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleActivate performs manual activation of an eligible, non-upstream-only
// strategy: PENDING_ACTIVATION -> VERIFYING -> ACTIVE, with
// activated_at == logical_activated_at since there is no upstream trigger.
func (s *Server) handleActivate(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	st, err := s.store.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if st.UpstreamOnlyActivation {
		writeError(w, engineerrors.New(engineerrors.CodeUpstreamOnly, "strategy only activates via upstream trigger"))
		return
	}
	if !st.EligibleForActivation() {
		writeError(w, engineerrors.Validation("strategy is not eligible for activation"))
		return
	}
	verifying, err := s.store.Transition(r.Context(), id, model.StatusPendingActivation, model.StatusVerifying, st.Version, nil)
	if err != nil {
		writeError(w, err)
		return
	}
	now := time.Now().UTC()
	active, err := s.store.Transition(r.Context(), id, model.StatusVerifying, model.StatusActive, verifying.Version, func(s *model.Strategy) error {
		s.ActivatedAt = &now
		s.LogicalActivatedAt = &now
		if s.ExpireMode == model.ExpireRelative {
			expireAt := now.Add(time.Duration(s.ExpireInSeconds) * time.Second)
			s.ExpireAt = &expireAt
		}
		return nil
	})
	if err != nil {
		writeError(w, err)
		return
	}
	s.hub.PublishToChannel("strategy:"+id, MsgTypeStrategyEvent, map[string]any{"event": "activated", "strategyId": id})
	writeJSON(w, http.StatusOK, active)
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	s.simpleTransition(w, r, model.StatusActive, model.StatusPaused, "paused")
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.simpleTransition(w, r, model.StatusPaused, model.StatusActive, "resumed")
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	st, err := s.store.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if !store.Admissible(st.Status, model.StatusCancelled) {
		writeError(w, engineerrors.Inadmissible(string(st.Status), string(model.StatusCancelled)))
		return
	}
	s.simpleTransitionFrom(w, r, st, model.StatusCancelled, "cancelled")
}

func (s *Server) simpleTransition(w http.ResponseWriter, r *http.Request, from, to model.Status, eventName string) {
	id := mux.Vars(r)["id"]
	st, err := s.store.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if st.Status != from {
		writeError(w, engineerrors.Inadmissible(string(st.Status), string(to)))
		return
	}
	s.simpleTransitionFrom(w, r, st, to, eventName)
}

func (s *Server) simpleTransitionFrom(w http.ResponseWriter, r *http.Request, st *model.Strategy, to model.Status, eventName string) {
	updated, err := s.store.Transition(r.Context(), st.ID, st.Status, to, st.Version, nil)
	if err != nil {
		writeError(w, err)
		return
	}
	s.hub.PublishToChannel("strategy:"+st.ID, MsgTypeStrategyEvent, map[string]any{"event": eventName, "strategyId": st.ID})
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleStrategyEvents(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	limit := queryInt(r, "limit", 100)
	events, err := s.store.ListEvents(r.Context(), id, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *Server) handleStrategyOrders(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	orders, err := s.store.ListOrders(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"orders": orders})
}

func (s *Server) handleTradeLogs(w http.ResponseWriter, r *http.Request) {
	tradeID := mux.Vars(r)["tradeId"]
	logs, err := s.store.ListTradeLogs(r.Context(), tradeID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tradeLogs": logs})
}

func (s *Server) handleVerificationEvents(w http.ResponseWriter, r *http.Request) {
	tradeID := mux.Vars(r)["tradeId"]
	events, err := s.store.ListVerification(r.Context(), tradeID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"verificationEvents": events})
}

func (s *Server) handleGlobalEvents(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 200)
	var since time.Time
	if sinceStr := r.URL.Query().Get("since"); sinceStr != "" {
		if t, err := time.Parse(time.RFC3339, sinceStr); err == nil {
			since = t
		}
	}
	events, err := s.store.GlobalEvents(r.Context(), since, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *Server) handleActiveTradeInstructions(w http.ResponseWriter, r *http.Request) {
	instructions, err := s.store.ActiveTradeInstructions(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tradeInstructions": instructions})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	client := NewClient(uuid.NewString(), s.hub, conn)
	s.hub.register <- client
	go client.WritePump()
	go client.ReadPump()
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, err error) {
	code := engineerrors.CodeOf(err)
	status := http.StatusBadRequest
	switch code {
	case engineerrors.CodeNotFound:
		status = http.StatusNotFound
	case engineerrors.CodeStrategyLocked:
		status = http.StatusConflict
	case engineerrors.CodeInadmissible, engineerrors.CodeIntegrity, engineerrors.CodeCycleDetected, engineerrors.CodeUpstreamOnly:
		status = http.StatusConflict
	case "":
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, map[string]any{"error": err.Error(), "code": string(code)})
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
