package handlers

import (
	"net/http"

	"github.com/BaSui01/tenantflow/cache"
	"github.com/BaSui01/tenantflow/scope"
	"github.com/BaSui01/tenantflow/types"
	"go.uber.org/zap"
)

// CacheAdminHandler exposes cache invalidation to operators. Tenant
// deletion and model redeploys call these to drop stale entries across
// both tiers.
type CacheAdminHandler struct {
	cache  *cache.HierarchicalCache
	logger *zap.Logger
}

// NewCacheAdminHandler creates the handler.
func NewCacheAdminHandler(c *cache.HierarchicalCache, logger *zap.Logger) *CacheAdminHandler {
	return &CacheAdminHandler{
		cache:  c,
		logger: logger.With(zap.String("component", "cache_admin_handler")),
	}
}

// HandleInvalidateTenant serves
// DELETE /api/v1/cache/tenants/{tenant}, removing every cached entry
// belonging to the tenant. An optional data_type query narrows the
// sweep.
func (h *CacheAdminHandler) HandleInvalidateTenant(w http.ResponseWriter, r *http.Request) {
	tenant := r.PathValue("tenant")
	if tenant == "" {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "tenant is required", h.logger)
		return
	}

	dataType := r.URL.Query().Get("data_type")
	removed, err := h.cache.Invalidate(r.Context(), scope.Scope{Tenant: tenant}, dataType)
	if err != nil {
		WriteErrorMessage(w, http.StatusServiceUnavailable, types.ErrCacheUnavailable, "invalidation failed", h.logger)
		return
	}

	h.logger.Info("tenant cache invalidated",
		zap.String("tenant_id", tenant),
		zap.String("data_type", dataType),
		zap.Int("removed", removed),
	)

	WriteSuccess(w, map[string]any{
		"tenant_id": tenant,
		"data_type": dataType,
		"removed":   removed,
	})
}
