// Package api provides the operator HTTP server: regime status and
// override control, deployment lifecycle actions, promotion evaluation,
// allocation previews, and the Prometheus scrape endpoint.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/quantfolio/advisor-backend/internal/allocation"
	"github.com/quantfolio/advisor-backend/internal/lifecycle"
	"github.com/quantfolio/advisor-backend/internal/promotion"
	"github.com/quantfolio/advisor-backend/internal/regime"
	"github.com/quantfolio/advisor-backend/internal/risk"
	"github.com/quantfolio/advisor-backend/internal/store"
	"github.com/quantfolio/advisor-backend/pkg/types"
)

// Deps are the services the server fronts. MetricsHandler may be nil to
// disable the scrape endpoint.
type Deps struct {
	Regime         *regime.Service
	Gate           *regime.Gate
	Allocator      *allocation.Allocator
	Promotion      *promotion.Service
	Risk           *risk.Monitor
	Lifecycle      *lifecycle.Service
	Deployments    store.DeploymentRepo
	Scores         store.ScoreReader
	Backtests      store.BacktestReader
	MetricsHandler http.Handler
}

// Server is the operator HTTP server
type Server struct {
	logger     *zap.Logger
	config     *types.ServerConfig
	router     *mux.Router
	httpServer *http.Server
	deps       Deps
}

// NewServer creates the operator API server
func NewServer(logger *zap.Logger, config *types.ServerConfig, deps Deps) *Server {
	server := &Server{
		logger: logger.Named("api"),
		config: config,
		router: mux.NewRouter(),
		deps:   deps,
	}
	server.setupRoutes()
	return server
}

// Router exposes the mux for tests.
func (s *Server) Router() *mux.Router {
	return s.router
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/api/v1/health", s.handleHealth).Methods("GET")

	s.router.HandleFunc("/api/v1/regime", s.handleRegimeStatus).Methods("GET")
	s.router.HandleFunc("/api/v1/regime/override", s.handleEnableOverride).Methods("POST")
	s.router.HandleFunc("/api/v1/regime/override", s.handleDisableOverride).Methods("DELETE")
	s.router.HandleFunc("/api/v1/signals/filter", s.handleFilterSignal).Methods("POST")

	s.router.HandleFunc("/api/v1/deployments", s.handleListDeployments).Methods("GET")
	s.router.HandleFunc("/api/v1/deployments/{id}", s.handleGetDeployment).Methods("GET")
	s.router.HandleFunc("/api/v1/deployments/{id}/activate", s.handleActivate).Methods("POST")
	s.router.HandleFunc("/api/v1/deployments/{id}/pause", s.handlePause).Methods("POST")
	s.router.HandleFunc("/api/v1/deployments/{id}/terminate", s.handleTerminate).Methods("POST")
	s.router.HandleFunc("/api/v1/deployments/{id}/risk", s.handleRiskEvaluation).Methods("POST")

	s.router.HandleFunc("/api/v1/promotion/evaluate", s.handlePromotionEvaluate).Methods("POST")
	s.router.HandleFunc("/api/v1/allocation/preview", s.handleAllocationPreview).Methods("POST")

	if s.deps.MetricsHandler != nil {
		s.router.Handle("/metrics", s.deps.MetricsHandler).Methods("GET")
	}
}

// Start runs the HTTP server until Stop.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	handler := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"*"},
	}).Handler(s.router)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	s.logger.Info("Starting API server", zap.String("addr", addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("Failed to encode response", zap.Error(err))
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

func (s *Server) handleRegimeStatus(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.deps.Regime.GetStatus())
}

func (s *Server) handleEnableOverride(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID     string `json:"userId"`
		Reason     string `json:"reason"`
		ForceAllow bool   `json:"forceAllow"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.UserID == "" || req.Reason == "" {
		http.Error(w, "userId and reason are required", http.StatusBadRequest)
		return
	}
	if err := s.deps.Regime.EnableOverride(req.UserID, req.Reason, req.ForceAllow); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, s.deps.Regime.GetStatus())
}

func (s *Server) handleDisableOverride(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")
	if userID == "" {
		http.Error(w, "userId is required", http.StatusBadRequest)
		return
	}
	s.deps.Regime.DisableOverride(userID)
	s.writeJSON(w, http.StatusOK, s.deps.Regime.GetStatus())
}

func (s *Server) handleFilterSignal(w http.ResponseWriter, r *http.Request) {
	var sig types.Signal
	if err := json.NewDecoder(r.Body).Decode(&sig); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	s.writeJSON(w, http.StatusOK, s.deps.Gate.FilterLiveSignal(&sig))
}

func (s *Server) handleListDeployments(w http.ResponseWriter, r *http.Request) {
	status := types.DeploymentStatus(r.URL.Query().Get("status"))
	if status == "" {
		status = types.DeploymentStatusActive
	}
	deps, err := s.deps.Deployments.ListByStatus(r.Context(), status)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"deployments": deps,
		"count":       len(deps),
	})
}

func (s *Server) handleGetDeployment(w http.ResponseWriter, r *http.Request) {
	dep, err := s.deps.Deployments.Get(r.Context(), mux.Vars(r)["id"])
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "Deployment not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, dep)
}

func (s *Server) handleActivate(w http.ResponseWriter, r *http.Request) {
	s.lifecycleAction(w, r, func(ctx context.Context, id, userID, _ string) (*types.Deployment, error) {
		return s.deps.Lifecycle.ActivateDeployment(ctx, id, userID)
	})
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	s.lifecycleAction(w, r, func(ctx context.Context, id, userID, _ string) (*types.Deployment, error) {
		return s.deps.Lifecycle.PauseDeployment(ctx, id, userID)
	})
}

func (s *Server) handleTerminate(w http.ResponseWriter, r *http.Request) {
	s.lifecycleAction(w, r, func(ctx context.Context, id, userID, reason string) (*types.Deployment, error) {
		return s.deps.Lifecycle.TerminateDeployment(ctx, id, userID, reason)
	})
}

func (s *Server) lifecycleAction(w http.ResponseWriter, r *http.Request, action func(ctx context.Context, id, userID, reason string) (*types.Deployment, error)) {
	var req struct {
		UserID string `json:"userId"`
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	dep, err := action(r.Context(), mux.Vars(r)["id"], req.UserID, req.Reason)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "Deployment not found", http.StatusNotFound)
		return
	}
	if errors.Is(err, lifecycle.ErrInvalidTransition) ||
		errors.Is(err, lifecycle.ErrStrategyAlreadyDeployed) ||
		errors.Is(err, lifecycle.ErrPortfolioFull) {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, dep)
}

func (s *Server) handleRiskEvaluation(w http.ResponseWriter, r *http.Request) {
	dep, err := s.deps.Deployments.Get(r.Context(), mux.Vars(r)["id"])
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "Deployment not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	eval, err := s.deps.Risk.EvaluateDeployment(r.Context(), dep)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, eval)
}

func (s *Server) handlePromotionEvaluate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		StrategyConfigID string `json:"strategyConfigId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.StrategyConfigID == "" {
		http.Error(w, "strategyConfigId is required", http.StatusBadRequest)
		return
	}

	backtest, err := s.deps.Backtests.LatestCompleted(r.Context(), req.StrategyConfigID)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "No completed backtest for strategy", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	scores, err := s.deps.Scores.LatestScores(r.Context(), []string{req.StrategyConfigID})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	candidate := &promotion.Candidate{
		Strategy: &types.StrategyConfig{ID: req.StrategyConfigID},
		Backtest: backtest,
	}
	if score, ok := scores[req.StrategyConfigID]; ok {
		candidate.Score = &score
	}

	eval, err := s.deps.Promotion.Evaluate(r.Context(), candidate)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, eval)
}

func (s *Server) handleAllocationPreview(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TotalCapital      float64              `json:"totalCapital"`
		StrategyConfigIDs []string             `json:"strategyConfigIds"`
		RiskLevel         types.RiskLevel      `json:"riskLevel"`
		UseRegime         bool                 `json:"useRegime"`
		Regime            *types.RegimeContext `json:"regime,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.TotalCapital <= 0 || len(req.StrategyConfigIDs) == 0 {
		http.Error(w, "totalCapital and strategyConfigIds are required", http.StatusBadRequest)
		return
	}

	regimeCtx := req.Regime
	if regimeCtx == nil && req.UseRegime {
		regimeCtx = &types.RegimeContext{
			CompositeRegime: s.deps.Regime.GetCompositeRegime(),
			RiskLevel:       req.RiskLevel,
		}
	}
	strategies := make([]types.StrategyConfig, len(req.StrategyConfigIDs))
	for i, id := range req.StrategyConfigIDs {
		strategies[i] = types.StrategyConfig{ID: id}
	}

	allocations, err := s.deps.Allocator.Allocate(r.Context(), req.TotalCapital, strategies, regimeCtx)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"allocations": allocations,
		"regime":      regimeCtx,
	})
}
