// Package httpapi adapts the edit-session service to HTTP. Handlers are thin:
// decode, call core, encode; every error funnels through one envelope.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"pkt.systems/editd/api"
	"pkt.systems/editd/internal/core"
	"pkt.systems/editd/internal/correlation"
	"pkt.systems/editd/internal/identity"
	"pkt.systems/editd/internal/uuidv7"
	"pkt.systems/pslog"
)

const headerCorrelationID = "X-Correlation-Id"

// jsonBodyLimit caps request bodies; mutation payloads are small.
const jsonBodyLimit = 1 << 20

// Handler wires HTTP endpoints to the edit-session service.
type Handler struct {
	core     *core.Service
	identity identity.Provider
	logger   pslog.Logger
}

// Config wires the handler's collaborators.
type Config struct {
	Core     *core.Service
	Identity identity.Provider
	Logger   pslog.Logger
}

// New constructs a Handler.
func New(cfg Config) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	provider := cfg.Identity
	if provider == nil {
		provider = identity.HeaderProvider{}
	}
	return &Handler{
		core:     cfg.Core,
		identity: provider,
		logger:   logger.With("sys", "http"),
	}
}

// Register mounts every route on mux using method-qualified patterns.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.Handle("POST /v1/datasets/{id}/lock", h.wrap("lock.acquire", h.handleLockAcquire))
	mux.Handle("DELETE /v1/datasets/{id}/lock", h.wrap("lock.release", h.handleLockRelease))
	mux.Handle("POST /v1/datasets/{id}/lock/renew", h.wrap("lock.renew", h.handleLockRenew))
	mux.Handle("GET /v1/datasets/{id}/lock-status", h.wrap("lock.status", h.handleLockStatus))
	mux.Handle("POST /v1/datasets/{id}/lock/force-unlock", h.wrap("lock.force_unlock", h.handleForceUnlock))
	mux.Handle("POST /v1/datasets/{id}/cells/update", h.wrap("cells.update", h.handleCellUpdate))
	mux.Handle("POST /v1/datasets/{id}/rows", h.wrap("rows.add", h.handleRowAdd))
	mux.Handle("DELETE /v1/datasets/{id}/rows", h.wrap("rows.delete", h.handleRowDelete))
	mux.Handle("POST /v1/datasets/{id}/columns", h.wrap("columns.add", h.handleColumnAdd))
	mux.Handle("DELETE /v1/datasets/{id}/columns/{name}", h.wrap("columns.delete", h.handleColumnDelete))
	mux.Handle("POST /v1/datasets/{id}/columns/{name}/rename", h.wrap("columns.rename", h.handleColumnRename))
	mux.Handle("POST /v1/datasets/{id}/changes/commit", h.wrap("changes.commit", h.handleCommit))
	mux.Handle("POST /v1/datasets/{id}/changes/discard", h.wrap("changes.discard", h.handleDiscard))
	mux.Handle("GET /v1/datasets/{id}/changes/history", h.wrap("changes.history", h.handleHistory))
	mux.Handle("GET /v1/datasets/{id}/changes/uncommitted", h.wrap("changes.uncommitted", h.handleUncommitted))
	mux.Handle("GET /healthz", h.wrap("healthz", h.handleHealth))
	mux.Handle("GET /readyz", h.wrap("readyz", h.handleReady))
}

type handlerFunc func(http.ResponseWriter, *http.Request) error

func (h *Handler) wrap(operation string, fn handlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx := r.Context()

		if corr := strings.TrimSpace(r.Header.Get(headerCorrelationID)); corr != "" {
			if normalized, ok := correlation.Normalize(corr); ok {
				ctx = correlation.Set(ctx, normalized)
			}
		}
		ctx = correlation.Ensure(ctx)

		logger := h.logger.With(
			"req_id", uuidv7.NewString(),
			"op", operation,
			"method", r.Method,
			"path", r.URL.Path,
			"correlation", correlation.ID(ctx),
		)
		ctx = pslog.ContextWithLogger(ctx, logger)
		r = r.WithContext(ctx)

		logger.Trace("http.request.start", "remote_addr", r.RemoteAddr)
		w.Header().Set(headerCorrelationID, correlation.ID(ctx))

		if err := fn(w, r); err != nil {
			logger.Debug("http.request.error", "elapsed", time.Since(start), "error", err)
			h.handleError(ctx, w, err)
			return
		}
		logger.Trace("http.request.complete", "elapsed", time.Since(start))
	})
}

type httpError struct {
	Status        int
	Code          string
	Detail        string
	LockOwner     string
	LockExpiresAt int64
	RetryAfter    int64
}

func (e httpError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Detail)
	}
	return e.Code
}

// convertCoreError maps transport-neutral core failures onto HTTP-aware errors.
func convertCoreError(err error) error {
	var failure core.Failure
	if errors.As(err, &failure) {
		status := failure.HTTPStatus
		if status == 0 {
			status = http.StatusInternalServerError
		}
		return httpError{
			Status:        status,
			Code:          failure.Code,
			Detail:        failure.Detail,
			LockOwner:     failure.Owner,
			LockExpiresAt: failure.ExpiresAtUnix,
			RetryAfter:    failure.RetryAfter,
		}
	}
	return err
}

func (h *Handler) handleError(ctx context.Context, w http.ResponseWriter, err error) {
	logger := pslog.LoggerFromContext(ctx)
	if logger == nil {
		logger = h.logger
	}
	var httpErr httpError
	if errors.As(err, &httpErr) {
		logger.Debug("http.request.failure",
			"status", httpErr.Status,
			"code", httpErr.Code,
			"detail", httpErr.Detail,
			"retry_after", httpErr.RetryAfter,
		)
		resp := api.ErrorResponse{
			ErrorCode:         httpErr.Code,
			Detail:            httpErr.Detail,
			LockOwner:         httpErr.LockOwner,
			LockExpiresAt:     httpErr.LockExpiresAt,
			RetryAfterSeconds: httpErr.RetryAfter,
		}
		headers := map[string]string{}
		if httpErr.RetryAfter > 0 {
			headers["Retry-After"] = strconv.FormatInt(httpErr.RetryAfter, 10)
		}
		h.writeJSON(w, httpErr.Status, resp, headers)
		return
	}
	logger.Error("http.request.internal", "error", err)
	h.writeJSON(w, http.StatusInternalServerError, api.ErrorResponse{
		ErrorCode: "internal_error",
		Detail:    "internal server error",
	}, nil)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, payload any, headers map[string]string) {
	w.Header().Set("Content-Type", "application/json")
	for k, v := range headers {
		w.Header().Set(k, v)
	}
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	enc := json.NewEncoder(w)
	_ = enc.Encode(payload)
}
