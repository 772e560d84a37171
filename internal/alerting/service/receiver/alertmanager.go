package receiver

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/TencentBlueKing/bk-monitor-sub032/internal/alerting/model"
	"github.com/cespare/xxhash/v2"
)

type KV map[string]string

// AMWebhook is the Alertmanager webhook payload (version 4).
type AMWebhook struct {
	Version           string    `json:"version"`
	GroupKey          string    `json:"groupKey"`
	Receiver          string    `json:"receiver"`
	Status            string    `json:"status"`
	Alerts            []AMAlert `json:"alerts"`
	GroupLabels       KV        `json:"groupLabels"`
	CommonLabels      KV        `json:"commonLabels"`
	CommonAnnotations KV        `json:"commonAnnotations"`
	ExternalURL       string    `json:"externalURL"`
}

type AMAlert struct {
	Status       string    `json:"status"`
	Labels       KV        `json:"labels"`
	Annotations  KV        `json:"annotations"`
	StartsAt     time.Time `json:"startsAt"`
	EndsAt       time.Time `json:"endsAt"`
	GeneratorURL string    `json:"generatorURL"`
	Fingerprint  string    `json:"fingerprint"`
}

// labels consumed by the mapping instead of becoming dimensions
var reservedLabels = map[string]bool{"alertname": true, "severity": true, "bk_biz_id": true}

func ValidateAMWebhook(w *AMWebhook) error {
	if len(w.Alerts) == 0 {
		return model.Invalidf("webhook carries no alerts")
	}
	for i, a := range w.Alerts {
		if strings.TrimSpace(a.Labels["alertname"]) == "" {
			return model.Invalidf("alert %d has no alertname label", i)
		}
		if a.StartsAt.IsZero() {
			return model.Invalidf("alert %d has no startsAt", i)
		}
	}
	return nil
}

// BuildIdempotencyKey identifies one state of one Alertmanager alert. Redelivered webhooks map
// to the same key, and so to the same event id.
func BuildIdempotencyKey(a AMAlert) string {
	id := a.Fingerprint
	if id == "" {
		id = model.CanonicalKey(a.Labels)
	}
	return fmt.Sprintf("%s|%s|%s", id, a.StartsAt.UTC().Format(time.RFC3339Nano), strings.ToLower(a.Status))
}

// severity maps the conventional Alertmanager severity label onto the three levels.
func severity(label string) model.Severity {
	switch strings.ToLower(strings.TrimSpace(label)) {
	case "critical", "fatal", "p0", "1":
		return model.SeverityFatal
	case "info", "remind", "notice", "p3", "3":
		return model.SeverityRemind
	default:
		return model.SeverityWarning
	}
}

// ToEvent maps one alert onto a third-party event. defaultBiz applies when the alert has no
// bk_biz_id label.
func ToEvent(a AMAlert, defaultBiz int64) (*model.Event, error) {
	biz := defaultBiz
	if raw := strings.TrimSpace(a.Labels["bk_biz_id"]); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, model.Invalidf("bad bk_biz_id label %q", raw)
		}
		biz = v
	}

	e := &model.Event{
		EventID:     strconv.FormatUint(xxhash.Sum64String(BuildIdempotencyKey(a)), 16),
		BkBizID:     biz,
		AlertName:   a.Labels["alertname"],
		Severity:    severity(a.Labels["severity"]),
		Time:        a.StartsAt.Unix(),
		Dimensions:  map[string]string{},
		Tags:        map[string]string{"source": "alertmanager"},
		Description: a.Annotations["description"],
	}
	if e.Description == "" {
		e.Description = a.Annotations["summary"]
	}
	if a.GeneratorURL != "" {
		e.Tags["generator_url"] = a.GeneratorURL
	}
	for k, v := range a.Labels {
		if !reservedLabels[k] {
			e.Dimensions[k] = v
		}
	}
	if strings.EqualFold(a.Status, "resolved") {
		e.Status = model.StatusRecovered
		if !a.EndsAt.IsZero() {
			e.Time = a.EndsAt.Unix()
		}
	}
	return e, nil
}
