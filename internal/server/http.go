package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"SynthPool/internal/observability"
	"SynthPool/internal/projection"
	"SynthPool/internal/query"
)

// Server is the HTTP surface: command submission, projections-backed
// queries, and admin operations. Writes are accepted asynchronously:
// the handler validates the payload, publishes it to JetStream, and
// returns 202. The engine applies (or rejects) the command later.
type Server struct {
	query         *query.Service
	js            jetstream.JetStream
	projections   *projection.Worker
	healthChecker *observability.HealthChecker
	metrics       *observability.Metrics
	log           zerolog.Logger

	httpServer *http.Server
}

type Deps struct {
	Query         *query.Service
	JetStream     jetstream.JetStream
	Projections   *projection.Worker
	HealthChecker *observability.HealthChecker
	Metrics       *observability.Metrics
	Log           zerolog.Logger
}

func New(addr string, deps Deps) *Server {
	s := &Server{
		query:         deps.Query,
		js:            deps.JetStream,
		projections:   deps.Projections,
		healthChecker: deps.HealthChecker,
		metrics:       deps.Metrics,
		log:           deps.Log,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.instrument)

	r.Get("/healthz", s.healthChecker.LivenessHandler)
	r.Get("/readyz", s.healthChecker.ReadinessHandler)

	r.Route("/v1", func(r chi.Router) {
		r.Post("/assets", s.handleRegisterAsset)
		r.Get("/assets", s.handleListAssets)
		r.Get("/debt", s.handleGlobalDebt)
		r.Get("/prices/{asset}", s.handleGetPrice)

		r.Route("/users/{userID}", func(r chi.Router) {
			r.Post("/stake", s.handleStake)
			r.Post("/unstake", s.handleUnstake)
			r.Post("/mint", s.handleMint)
			r.Post("/burn", s.handleBurn)
			r.Get("/summary", s.handleUserSummary)
			r.Get("/history", s.handleIssuanceHistory)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Get("/integrity", s.handleVerifyIntegrity)
			r.Post("/rebuild", s.handleRebuildProjections)
		})
	})

	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: r,
	}

	return s
}

// Run starts the HTTP server, shutting down gracefully on ctx cancel.
func (s *Server) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	s.log.Info().Str("addr", s.httpServer.Addr).Msg("HTTP server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// --- write handlers ---
// Each write handler validates the body shape, fills the user ID from
// the URL, stamps a command ID when the caller omitted one, and
// publishes the canonical wire JSON to JetStream.

type stakeRequest struct {
	CommandID string `json:"command_id,omitempty"`
	Amount    int64  `json:"amount"`
	Sequence  int64  `json:"sequence"`
}

func (s *Server) handleStake(w http.ResponseWriter, r *http.Request) {
	s.submitStakeLike(w, r, "stake")
}

func (s *Server) handleUnstake(w http.ResponseWriter, r *http.Request) {
	s.submitStakeLike(w, r, "unstake")
}

func (s *Server) submitStakeLike(w http.ResponseWriter, r *http.Request, verb string) {
	userID, ok := s.userID(w, r)
	if !ok {
		return
	}

	var req stakeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid body: %v", err))
		return
	}
	if req.Amount <= 0 {
		writeError(w, http.StatusBadRequest, "amount must be positive")
		return
	}

	commandID := s.commandID(req.CommandID)
	payload := map[string]interface{}{
		"command_id":   commandID,
		"user_id":      userID.String(),
		"amount":       req.Amount,
		"sequence":     req.Sequence,
		"timestamp_us": time.Now().UnixMicro(),
	}

	subject := fmt.Sprintf("synth.commands.%s.%s", verb, userID)
	s.publishAccepted(w, r, subject, commandID, payload)
}

type mintRequest struct {
	CommandID string `json:"command_id,omitempty"`
	Symbol    string `json:"symbol"`
	Amount    int64  `json:"amount"`
	Sequence  int64  `json:"sequence"`
}

func (s *Server) handleMint(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userID(w, r)
	if !ok {
		return
	}

	var req mintRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid body: %v", err))
		return
	}
	if req.Symbol == "" {
		writeError(w, http.StatusBadRequest, "symbol is required")
		return
	}
	if req.Amount <= 0 {
		writeError(w, http.StatusBadRequest, "amount must be positive")
		return
	}

	commandID := s.commandID(req.CommandID)
	payload := map[string]interface{}{
		"command_id":   commandID,
		"user_id":      userID.String(),
		"symbol":       req.Symbol,
		"amount":       req.Amount,
		"sequence":     req.Sequence,
		"timestamp_us": time.Now().UnixMicro(),
	}

	subject := fmt.Sprintf("synth.commands.mint.%s", userID)
	s.publishAccepted(w, r, subject, commandID, payload)
}

type burnRequest struct {
	CommandID string `json:"command_id,omitempty"`
	TokenID   uint32 `json:"token_id"`
	Amount    int64  `json:"amount"`
	Sequence  int64  `json:"sequence"`
}

func (s *Server) handleBurn(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userID(w, r)
	if !ok {
		return
	}

	var req burnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid body: %v", err))
		return
	}
	if req.TokenID == 0 {
		writeError(w, http.StatusBadRequest, "token_id is required")
		return
	}
	if req.Amount <= 0 {
		writeError(w, http.StatusBadRequest, "amount must be positive")
		return
	}

	commandID := s.commandID(req.CommandID)
	payload := map[string]interface{}{
		"command_id":   commandID,
		"user_id":      userID.String(),
		"token_id":     req.TokenID,
		"amount":       req.Amount,
		"sequence":     req.Sequence,
		"timestamp_us": time.Now().UnixMicro(),
	}

	subject := fmt.Sprintf("synth.commands.burn.%s", userID)
	s.publishAccepted(w, r, subject, commandID, payload)
}

type registerAssetRequest struct {
	CommandID  string `json:"command_id,omitempty"`
	Symbol     string `json:"symbol"`
	Underlying string `json:"underlying"`
	Sequence   int64  `json:"sequence"`
}

func (s *Server) handleRegisterAsset(w http.ResponseWriter, r *http.Request) {
	var req registerAssetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid body: %v", err))
		return
	}
	if req.Symbol == "" || req.Underlying == "" {
		writeError(w, http.StatusBadRequest, "symbol and underlying are required")
		return
	}

	commandID := s.commandID(req.CommandID)
	payload := map[string]interface{}{
		"command_id":   commandID,
		"symbol":       req.Symbol,
		"underlying":   req.Underlying,
		"sequence":     req.Sequence,
		"timestamp_us": time.Now().UnixMicro(),
	}

	subject := fmt.Sprintf("synth.commands.register.%s", req.Symbol)
	s.publishAccepted(w, r, subject, commandID, payload)
}

// --- query handlers ---

func (s *Server) handleUserSummary(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userID(w, r)
	if !ok {
		return
	}

	summary, err := s.query.GetUserSummary(r.Context(), userID)
	if err != nil {
		s.writeQueryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleGlobalDebt(w http.ResponseWriter, r *http.Request) {
	debt, err := s.query.GetGlobalDebt(r.Context())
	if err != nil {
		s.writeQueryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, debt)
}

func (s *Server) handleListAssets(w http.ResponseWriter, r *http.Request) {
	assets, err := s.query.ListAssets(r.Context())
	if err != nil {
		s.writeQueryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"assets": assets})
}

func (s *Server) handleGetPrice(w http.ResponseWriter, r *http.Request) {
	asset := chi.URLParam(r, "asset")
	price, err := s.query.GetPrice(r.Context(), asset)
	if err != nil {
		s.writeQueryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, price)
}

func (s *Server) handleIssuanceHistory(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userID(w, r)
	if !ok {
		return
	}

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 500 {
			writeError(w, http.StatusBadRequest, "limit must be in [1, 500]")
			return
		}
		limit = n
	}

	var before *int64
	if v := r.URL.Query().Get("before"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "before must be a sequence number")
			return
		}
		before = &n
	}

	entries, err := s.query.GetIssuanceHistory(r.Context(), userID, limit, before)
	if err != nil {
		s.writeQueryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"history": entries})
}

// --- admin handlers ---

func (s *Server) handleVerifyIntegrity(w http.ResponseWriter, r *http.Request) {
	report, err := s.query.VerifyIntegrity(r.Context())
	if err != nil {
		s.writeQueryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleRebuildProjections(w http.ResponseWriter, r *http.Request) {
	if err := s.projections.Rebuild(r.Context(), 1000); err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("rebuild failed: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"rebuilt": true})
}

// --- helpers ---

func (s *Server) userID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	userID, err := uuid.Parse(chi.URLParam(r, "userID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid user id")
		return uuid.Nil, false
	}
	return userID, true
}

func (s *Server) commandID(provided string) string {
	if provided != "" {
		return provided
	}
	return uuid.New().String()
}

func (s *Server) publishAccepted(w http.ResponseWriter, r *http.Request, subject, commandID string, payload map[string]interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "encode command")
		return
	}

	if _, err := s.js.Publish(r.Context(), subject, data); err != nil {
		s.log.Error().Err(err).Str("subject", subject).Msg("command publish failed")
		writeError(w, http.StatusServiceUnavailable, "command broker unavailable")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"accepted":   true,
		"command_id": commandID,
	})
}

func (s *Server) writeQueryError(w http.ResponseWriter, err error) {
	if errors.Is(err, query.ErrNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}

func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		if s.metrics == nil {
			return
		}
		endpoint := chi.RouteContext(r.Context()).RoutePattern()
		status := strconv.Itoa(ww.Status())
		s.metrics.QueryRequests.WithLabelValues(endpoint, status).Inc()
		s.metrics.QueryDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
		if ww.Status() >= 500 {
			s.metrics.QueryErrors.WithLabelValues(endpoint, status).Inc()
		}
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
