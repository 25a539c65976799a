package handlers

import (
	"errors"
	"net/http"

	"github.com/BaSui01/tenantflow/scope"
	"github.com/BaSui01/tenantflow/types"
	"github.com/BaSui01/tenantflow/usage"
	"go.uber.org/zap"
)

// UsageHandler exposes usage recording and quota queries. The request
// scope comes from the context, populated by the scope middleware from
// the propagation headers.
type UsageHandler struct {
	tracker *usage.Tracker
	quota   *usage.QuotaChecker
	logger  *zap.Logger
}

// NewUsageHandler creates the handler. quota may be nil to disable
// pre-write quota checks.
func NewUsageHandler(tracker *usage.Tracker, quota *usage.QuotaChecker, logger *zap.Logger) *UsageHandler {
	return &UsageHandler{
		tracker: tracker,
		quota:   quota,
		logger:  logger.With(zap.String("component", "usage_handler")),
	}
}

// RecordRequest is the body of POST /api/v1/usage/records.
type RecordRequest struct {
	Tokens         int64          `json:"tokens"`
	TokenType      string         `json:"token_type"`
	Operation      string         `json:"operation"`
	Model          string         `json:"model,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
}

// HandleRecord accounts a batch of consumed tokens to the scope tenant.
func (h *UsageHandler) HandleRecord(w http.ResponseWriter, r *http.Request) {
	var req RecordRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}

	if req.Tokens <= 0 {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "tokens must be positive", h.logger)
		return
	}
	if req.TokenType == "" {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "token_type is required", h.logger)
		return
	}

	sc := scope.Current(r.Context())
	if h.quota != nil && sc.HasTenant() {
		if err := h.quota.CheckTokens(r.Context(), sc.Tenant, req.TokenType, req.Tokens); err != nil {
			h.writeUsageError(w, err)
			return
		}
	}

	err := h.tracker.Record(r.Context(), usage.RecordInput{
		Scope:          sc,
		Tokens:         req.Tokens,
		TokenType:      req.TokenType,
		Operation:      req.Operation,
		Model:          req.Model,
		Metadata:       req.Metadata,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		h.writeUsageError(w, err)
		return
	}

	WriteSuccess(w, map[string]any{
		"recorded":   true,
		"tenant_id":  sc.Tenant,
		"tokens":     req.Tokens,
		"token_type": req.TokenType,
	})
}

// HandleCurrentUsage reports today's fast-counter total for the scope
// tenant, GET /api/v1/usage/current?token_type=llm_tokens.
func (h *UsageHandler) HandleCurrentUsage(w http.ResponseWriter, r *http.Request) {
	sc := scope.Current(r.Context())
	if !sc.HasTenant() {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrScope, "tenant scope is required", h.logger)
		return
	}

	tokenType := r.URL.Query().Get("token_type")
	if tokenType == "" {
		tokenType = usage.TokenTypeLLM
	}

	used, err := h.tracker.CurrentUsage(r.Context(), sc.Tenant, tokenType)
	if err != nil {
		WriteErrorMessage(w, http.StatusServiceUnavailable, types.ErrCacheUnavailable, "usage counters unavailable", h.logger)
		return
	}

	WriteSuccess(w, map[string]any{
		"tenant_id":  sc.Tenant,
		"token_type": tokenType,
		"used":       used,
	})
}

// QuotaCheckRequest is the body of POST /api/v1/quota/check.
type QuotaCheckRequest struct {
	Tokens    int64  `json:"tokens"`
	TokenType string `json:"token_type"`
}

// HandleQuotaCheck reports whether the scope tenant could spend the
// requested tokens without exceeding its daily limit.
func (h *UsageHandler) HandleQuotaCheck(w http.ResponseWriter, r *http.Request) {
	if h.quota == nil {
		WriteErrorMessage(w, http.StatusServiceUnavailable, types.ErrServiceUnavailable, "quota checks disabled", h.logger)
		return
	}

	var req QuotaCheckRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}

	sc := scope.Current(r.Context())
	if !sc.HasTenant() {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrScope, "tenant scope is required", h.logger)
		return
	}
	if req.TokenType == "" {
		req.TokenType = usage.TokenTypeLLM
	}

	if err := h.quota.CheckTokens(r.Context(), sc.Tenant, req.TokenType, req.Tokens); err != nil {
		var terr *types.Error
		if errors.As(err, &terr) && terr.Code == types.ErrRateLimited {
			WriteSuccess(w, map[string]any{
				"allowed":  false,
				"metadata": terr.Metadata,
			})
			return
		}
		h.writeUsageError(w, err)
		return
	}

	WriteSuccess(w, map[string]any{"allowed": true})
}

func (h *UsageHandler) writeUsageError(w http.ResponseWriter, err error) {
	var terr *types.Error
	if errors.As(err, &terr) {
		WriteError(w, terr, h.logger)
		return
	}
	WriteErrorMessage(w, http.StatusInternalServerError, types.ErrInternalError, err.Error(), h.logger)
}
