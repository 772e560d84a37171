// Package receiver accepts third-party events over HTTP and queues them on events.raw.
package receiver

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/TencentBlueKing/bk-monitor-sub032/internal/alerting/broker"
	"github.com/TencentBlueKing/bk-monitor-sub032/internal/alerting/model"
	"github.com/TencentBlueKing/bk-monitor-sub032/internal/alerting/service/selfmon"
	"github.com/fox-gonic/fox"
	"github.com/rs/zerolog/log"
)

const stage = "ingest"

type Handler struct {
	pub        broker.Publisher
	defaultBiz int64
	metrics    *selfmon.Metrics
}

func NewHandler(pub broker.Publisher, defaultBiz int64, m *selfmon.Metrics) *Handler {
	return &Handler{pub: pub, defaultBiz: defaultBiz, metrics: m}
}

type ingestRequest struct {
	Events []*model.Event `json:"events" binding:"required,min=1"`
}

type ingestResponse struct {
	Accepted int      `json:"accepted"`
	Rejected []string `json:"rejected,omitempty"`
}

// IngestEvents queues a batch of raw events. Field validation runs in the enrich stage; only
// events without an id are refused here because they cannot be keyed.
func (h *Handler) IngestEvents(c *fox.Context) {
	var req ingestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody("INVALID_PARAMETER", "Invalid request body: "+err.Error()))
		return
	}
	resp := ingestResponse{}
	for i, e := range req.Events {
		if e == nil || strings.TrimSpace(e.EventID) == "" {
			h.metrics.Drop(stage, "missing_event_id")
			resp.Rejected = append(resp.Rejected, "#"+strconv.Itoa(i))
			continue
		}
		if err := h.publish(c, e); err != nil {
			log.Error().Err(err).Str("stage", stage).Str("event_id", e.EventID).Msg("queue event failed")
			c.JSON(http.StatusServiceUnavailable, errorBody("BACKEND_UNAVAILABLE", err.Error()))
			return
		}
		resp.Accepted++
	}
	c.JSON(http.StatusAccepted, resp)
}

// AlertmanagerWebhook turns each alert of a webhook into a third-party event. Resolved alerts
// become RECOVERED events that end the matching alert.
func (h *Handler) AlertmanagerWebhook(c *fox.Context) {
	var req AMWebhook
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody("INVALID_PARAMETER", "invalid JSON"))
		return
	}
	if err := ValidateAMWebhook(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody("INVALID_PARAMETER", err.Error()))
		return
	}

	resp := ingestResponse{}
	for i, a := range req.Alerts {
		e, err := ToEvent(a, h.defaultBiz)
		if err != nil {
			log.Warn().Err(err).Str("stage", stage).Str("alert_name", a.Labels["alertname"]).Msg("webhook alert skipped")
			h.metrics.Drop(stage, "invalid_webhook_alert")
			resp.Rejected = append(resp.Rejected, "#"+strconv.Itoa(i))
			continue
		}
		if err := h.publish(c, e); err != nil {
			log.Error().Err(err).Str("stage", stage).Str("event_id", e.EventID).Msg("queue webhook event failed")
			c.JSON(http.StatusServiceUnavailable, errorBody("BACKEND_UNAVAILABLE", err.Error()))
			return
		}
		resp.Accepted++
	}
	log.Debug().Str("stage", stage).Str("receiver", req.Receiver).Int("accepted", resp.Accepted).
		Msg("alertmanager webhook processed")
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) publish(c *fox.Context, e *model.Event) error {
	if err := broker.PublishJSON(c.Request.Context(), h.pub, model.TopicEventsRaw, e.EventID, e); err != nil {
		return err
	}
	h.metrics.Processed(stage)
	return nil
}

func errorBody(code, message string) map[string]any {
	return map[string]any{"error": map[string]any{"code": code, "message": message}}
}
