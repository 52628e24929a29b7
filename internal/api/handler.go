package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/damocles-platform/settlementd/internal/domain"
	"github.com/damocles-platform/settlementd/internal/executor"
	"github.com/damocles-platform/settlementd/internal/leverage"
	"github.com/damocles-platform/settlementd/internal/negotiation"
	"github.com/damocles-platform/settlementd/internal/repository"
)

// Handler holds dependencies for API handlers.
type Handler struct {
	repo         domain.Repository
	cache        domain.Cache
	bus          domain.EventBus
	leverages    *leverage.Service
	orchestrator *negotiation.Orchestrator
	executor     *executor.Executor
	version      string
}

// NewHandler creates a new API handler.
func NewHandler(repo domain.Repository, cache domain.Cache, bus domain.EventBus, leverages *leverage.Service, orch *negotiation.Orchestrator, exec *executor.Executor, version string) *Handler {
	return &Handler{
		repo:         repo,
		cache:        cache,
		bus:          bus,
		leverages:    leverages,
		orchestrator: orch,
		executor:     exec,
		version:      version,
	}
}

// CreateSettlement handles POST /settlements.
func (h *Handler) CreateSettlement(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateSettlementRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	prop, err := h.orchestrator.Propose(r.Context(), &req)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, prop)
}

// GetSettlement handles GET /settlements/{id}.
func (h *Handler) GetSettlement(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "settlement id is required",
		})
		return
	}

	s, err := h.repo.GetSettlement(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, s)
}

// ListNegotiationRounds handles GET /settlements/{id}/rounds.
func (h *Handler) ListNegotiationRounds(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	// 404 for an unknown settlement rather than an empty history.
	if _, err := h.repo.GetSettlement(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}

	rounds, err := h.repo.ListNegotiationRounds(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"settlementId": id,
		"rounds":       rounds,
		"count":        len(rounds),
	})
}

// AcceptSettlement handles POST /settlements/{id}/accept.
func (h *Handler) AcceptSettlement(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	s, err := h.orchestrator.Accept(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, s)
}

// RejectSettlement handles POST /settlements/{id}/reject.
func (h *Handler) RejectSettlement(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	s, err := h.orchestrator.Reject(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, s)
}

// CounterSettlement handles POST /settlements/{id}/counter.
func (h *Handler) CounterSettlement(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req domain.CounterOfferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	result, err := h.orchestrator.Counter(r.Context(), id, &req)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// ExecuteSettlement handles POST /settlements/{id}/execute. The
// confirmation wait can outlast the server write timeout, so the
// connection deadline is lifted for this route; a client that hangs up
// instead cancels the request context and releases the wait.
func (h *Handler) ExecuteSettlement(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	result, err := h.executor.Execute(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// AutoNegotiate handles POST /settlements/negotiate.
func (h *Handler) AutoNegotiate(w http.ResponseWriter, r *http.Request) {
	var req domain.AutoNegotiateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	prop, err := h.orchestrator.AutoNegotiate(r.Context(), &req)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, prop)
}

// LeverageScoreRequest is the request body for POST /leverage/score.
// Exactly one of debtId or violationIds selects the violation set.
type LeverageScoreRequest struct {
	DebtID       string   `json:"debtId,omitempty"`
	ViolationIDs []string `json:"violationIds,omitempty"`
}

// ScoreLeverage handles POST /leverage/score.
func (h *Handler) ScoreLeverage(w http.ResponseWriter, r *http.Request) {
	var req LeverageScoreRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	var (
		analysis *domain.LeverageAnalysis
		err      error
	)
	switch {
	case len(req.ViolationIDs) > 0:
		analysis, err = h.leverages.ForViolations(r.Context(), req.ViolationIDs)
	case req.DebtID != "":
		analysis, err = h.leverages.ForDebt(r.Context(), req.DebtID)
	default:
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "debtId or violationIds is required",
		})
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, analysis)
}

// GetCreditorLeverage handles GET /creditors/{id}/leverage.
func (h *Handler) GetCreditorLeverage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "creditor id is required",
		})
		return
	}

	analysis, err := h.leverages.ForCreditor(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, analysis)
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"

	if h.repo != nil {
		if err := h.repo.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	if h.cache != nil {
		if err := h.cache.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	if h.bus != nil {
		if err := h.bus.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  status,
		"version": h.version,
	})
}

// Ready returns whether the server is ready to accept traffic.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

// writeError maps domain errors onto HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	var (
		validationErr *domain.ValidationError
		transitionErr *domain.InvalidTransitionError
		conflictErr   *domain.ConcurrencyConflictError
		timeoutErr    *domain.CollaboratorTimeoutError
		revertedErr   *domain.ExecutionRevertedError
	)

	switch {
	case errors.As(err, &validationErr):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	case errors.Is(err, repository.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
	case errors.Is(err, repository.ErrActiveSettlement):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	case errors.As(err, &transitionErr), errors.As(err, &conflictErr):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	case errors.As(err, &timeoutErr):
		writeJSON(w, http.StatusGatewayTimeout, map[string]string{"error": err.Error()})
	case errors.As(err, &revertedErr):
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
	default:
		slog.Error("request failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
	}
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}
