package api

import (
	"net/http"
	"strconv"

	"github.com/TencentBlueKing/bk-monitor-sub032/internal/alerting/model"
	"github.com/fox-gonic/fox"
	"github.com/rs/zerolog/log"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

func (api *Api) setupAlertRouters(router *fox.Engine) {
	router.GET("/v1/alerts", api.ListAlerts)
	router.GET("/v1/alerts/:fingerprint", api.GetAlert)
	router.POST("/v1/alerts/:fingerprint/ack", api.AckAlert)
	router.POST("/v1/alerts/:fingerprint/close", api.CloseAlert)
	router.GET("/v1/alert-history/:id", api.GetHistory)
}

type listResponse struct {
	Items []*model.Alert `json:"items"`
	Total int            `json:"total"`
}

// ListAlerts returns open alerts, oldest first. bk_biz_id narrows to one business.
func (api *Api) ListAlerts(c *fox.Context) {
	limit := defaultListLimit
	if s := c.Query("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			sendError(c, http.StatusBadRequest, ErrorCodeInvalidParameter, "limit must be a positive integer")
			return
		}
		limit = min(n, maxListLimit)
	}
	var bizID int64
	if s := c.Query("bk_biz_id"); s != "" {
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			sendError(c, http.StatusBadRequest, ErrorCodeInvalidParameter, "bk_biz_id must be an integer")
			return
		}
		bizID = n
	}

	alerts, err := api.deps.Store.ListOpen(c.Request.Context(), 0)
	if err != nil {
		log.Error().Err(err).Msg("list open alerts failed")
		handleError(c, err)
		return
	}
	items := make([]*model.Alert, 0, min(len(alerts), limit))
	for _, a := range alerts {
		if bizID != 0 && a.BkBizID != bizID {
			continue
		}
		if len(items) < limit {
			items = append(items, a)
		}
	}
	c.JSON(http.StatusOK, listResponse{Items: items, Total: len(items)})
}

func (api *Api) GetAlert(c *fox.Context) {
	fp := c.Param("fingerprint")
	a, err := api.deps.Store.GetOpen(c.Request.Context(), fp)
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, a)
}

// GetHistory returns every stored snapshot of an alert id.
func (api *Api) GetHistory(c *fox.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		sendError(c, http.StatusBadRequest, ErrorCodeInvalidParameter, "id must be a positive integer")
		return
	}
	snaps, err := api.deps.Store.GetHistory(c.Request.Context(), id)
	if err != nil {
		handleError(c, err)
		return
	}
	if len(snaps) == 0 {
		sendError(c, http.StatusNotFound, ErrorCodeNotFound, "no history for alert "+c.Param("id"))
		return
	}
	c.JSON(http.StatusOK, listResponse{Items: snaps, Total: len(snaps)})
}

type ackRequest struct {
	Operator string `json:"operator"`
}

type closeRequest struct {
	Operator string `json:"operator"`
	Reason   string `json:"reason"`
}

func (api *Api) AckAlert(c *fox.Context) {
	var req ackRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			sendError(c, http.StatusBadRequest, ErrorCodeInvalidParameter, "Invalid request body: "+err.Error())
			return
		}
	}
	op := operator(c, req.Operator)
	if op == "" {
		sendError(c, http.StatusBadRequest, ErrorCodeInvalidParameter, "operator is required")
		return
	}
	fp := c.Param("fingerprint")
	a, err := api.deps.Alerts.Ack(c.Request.Context(), fp, op)
	if err != nil {
		log.Error().Err(err).Str("fingerprint", fp).Str("operator", op).Msg("ack alert failed")
		handleError(c, err)
		return
	}
	log.Info().Str("fingerprint", fp).Int64("alert_id", a.ID).Str("operator", op).Msg("alert acknowledged")
	c.JSON(http.StatusOK, a)
}

func (api *Api) CloseAlert(c *fox.Context) {
	var req closeRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			sendError(c, http.StatusBadRequest, ErrorCodeInvalidParameter, "Invalid request body: "+err.Error())
			return
		}
	}
	op := operator(c, req.Operator)
	if op == "" {
		sendError(c, http.StatusBadRequest, ErrorCodeInvalidParameter, "operator is required")
		return
	}
	fp := c.Param("fingerprint")
	a, err := api.deps.Alerts.Close(c.Request.Context(), fp, op, req.Reason)
	if err != nil {
		log.Error().Err(err).Str("fingerprint", fp).Str("operator", op).Msg("close alert failed")
		handleError(c, err)
		return
	}
	log.Info().Str("fingerprint", fp).Int64("alert_id", a.ID).Str("status", string(a.Status)).
		Str("operator", op).Msg("alert closed by operator")
	c.JSON(http.StatusOK, a)
}
