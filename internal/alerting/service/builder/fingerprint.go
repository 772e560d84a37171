package builder

import (
	"fmt"
	"strconv"

	"github.com/TencentBlueKing/bk-monitor-sub032/internal/alerting/model"
	"github.com/cespare/xxhash/v2"
)

// anySeverity replaces the severity component when escalation merges severities into one alert.
const anySeverity = "*"

// Escalates reports whether alerts for the event merge severities and escalate.
func Escalates(e *model.Event, st *model.Strategy) bool {
	return !e.IsThirdParty() && st != nil && !st.DisableEscalation
}

// Fingerprint hashes the identity of the alert an event belongs to.
func Fingerprint(e *model.Event, escalate bool) string {
	strategy := model.ThirdPartyStrategy
	if e.StrategyID != nil {
		strategy = strconv.FormatInt(*e.StrategyID, 10)
	}
	severity := anySeverity
	if !escalate {
		severity = strconv.Itoa(int(e.Severity))
	}
	h := xxhash.New()
	_, _ = h.WriteString(strategy)
	_, _ = h.WriteString("\x00")
	_, _ = h.WriteString(model.CanonicalKey(model.NormalizeDimensions(e.Dimensions, nil)))
	_, _ = h.WriteString("\x00")
	_, _ = h.WriteString(severity)
	if e.IsNoData() {
		_, _ = h.WriteString("\x00nodata")
	}
	return fmt.Sprintf("%016x", h.Sum64())
}
