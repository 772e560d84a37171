// Package api exposes operator actions on alerts, shields and scopes.
package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/TencentBlueKing/bk-monitor-sub032/internal/alerting/model"
	"github.com/TencentBlueKing/bk-monitor-sub032/internal/alerting/service/receiver"
	"github.com/TencentBlueKing/bk-monitor-sub032/internal/alerting/store"
	"github.com/TencentBlueKing/bk-monitor-sub032/internal/middleware"
	"github.com/fox-gonic/fox"
	"github.com/rs/zerolog/log"
)

// Error codes returned in the error envelope.
const (
	ErrorCodeInvalidParameter   = "INVALID_PARAMETER"
	ErrorCodeNotFound           = "NOT_FOUND"
	ErrorCodeConflict           = "CONFLICT"
	ErrorCodeBackendUnavailable = "BACKEND_UNAVAILABLE"
	ErrorCodeInternalError      = "INTERNAL_ERROR"
)

// AlertOperator applies operator actions through the alert manager.
type AlertOperator interface {
	Ack(ctx context.Context, fp, operator string) (*model.Alert, error)
	Close(ctx context.Context, fp, operator, reason string) (*model.Alert, error)
}

type StrategyRefresher interface {
	Refresh(ctx context.Context) error
	FullRefresh(ctx context.Context) error
}

type ScopeValidator interface {
	Validate(s *model.Scope) error
}

type Deps struct {
	Store      store.Store
	Alerts     AlertOperator
	Strategies StrategyRefresher
	Scopes     ScopeValidator
	// Ingest serves the event receiver routes when set.
	Ingest *receiver.Handler
	// Bearer guards every route when set.
	Bearer string
}

type Api struct {
	deps Deps
}

func NewApi(router *fox.Engine, d Deps) *Api {
	api := &Api{deps: d}
	api.setupRouters(router)
	return api
}

func (api *Api) setupRouters(router *fox.Engine) {
	auth := middleware.Authentication(api.deps.Bearer)
	router.Use(func(c *fox.Context) { auth(c.Context) })

	api.setupAlertRouters(router)
	api.setupShieldRouters(router)
	api.setupScopeRouters(router)
	router.POST("/v1/strategies/refresh", api.RefreshStrategies)
	if api.deps.Ingest != nil {
		receiver.RegisterReceiverRoutes(router, api.deps.Ingest)
	}
}

type refreshRequest struct {
	Full bool `json:"full"`
}

// RefreshStrategies pulls strategies from the source now instead of waiting for the next tick.
func (api *Api) RefreshStrategies(c *fox.Context) {
	if api.deps.Strategies == nil {
		sendError(c, http.StatusServiceUnavailable, ErrorCodeBackendUnavailable, "strategy cache not configured")
		return
	}
	var req refreshRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			sendError(c, http.StatusBadRequest, ErrorCodeInvalidParameter, "Invalid request body: "+err.Error())
			return
		}
	}
	refresh := api.deps.Strategies.Refresh
	if req.Full {
		refresh = api.deps.Strategies.FullRefresh
	}
	if err := refresh(c.Request.Context()); err != nil {
		log.Error().Err(err).Bool("full", req.Full).Msg("manual strategy refresh failed")
		handleError(c, err)
		return
	}
	log.Info().Bool("full", req.Full).Str("operator", operator(c, "")).Msg("strategies refreshed")
	c.JSON(http.StatusOK, map[string]any{"status": "success", "full": req.Full})
}

func operator(c *fox.Context, fallback string) string {
	return middleware.Operator(c.Context, fallback)
}

func sendError(c *fox.Context, status int, code, message string) {
	c.JSON(status, map[string]any{"error": map[string]any{"code": code, "message": message}})
}

// handleError maps error kinds onto HTTP statuses.
func handleError(c *fox.Context, err error) {
	switch {
	case errors.Is(err, model.ErrNotFound):
		sendError(c, http.StatusNotFound, ErrorCodeNotFound, err.Error())
	case errors.Is(err, store.ErrLocked):
		sendError(c, http.StatusConflict, ErrorCodeConflict, err.Error())
	default:
		switch model.KindOf(err) {
		case model.KindValidation:
			sendError(c, http.StatusBadRequest, ErrorCodeInvalidParameter, err.Error())
		case model.KindStateViolation:
			sendError(c, http.StatusConflict, ErrorCodeConflict, err.Error())
		case model.KindTransient:
			sendError(c, http.StatusServiceUnavailable, ErrorCodeBackendUnavailable, err.Error())
		default:
			sendError(c, http.StatusInternalServerError, ErrorCodeInternalError, err.Error())
		}
	}
}
