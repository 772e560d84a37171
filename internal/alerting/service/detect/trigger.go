package detect

import (
	"fmt"

	"github.com/TencentBlueKing/bk-monitor-sub032/internal/alerting/model"
	"github.com/cespare/xxhash/v2"
)

// checkTrigger decides whether the newest record of window fires. window holds the last
// check_window records, oldest first. It returns the earliest anomaly time in the window.
func checkTrigger(window []Record, t model.Trigger) (first int64, ok bool) {
	if len(window) == 0 || !window[len(window)-1].Anomaly {
		return 0, false
	}
	count := 0
	for _, r := range window {
		if !r.Anomaly {
			continue
		}
		if count == 0 {
			first = r.Timestamp
		}
		count++
	}
	return first, count >= t.Count
}

// eventID is stable for a (series, timestamp, level) so redelivered detections dedupe.
func eventID(ref model.ItemRef, dimKey string, ts int64, level model.Severity, kind string) string {
	h := xxhash.New()
	_, _ = h.WriteString(fmt.Sprintf("%s|%s|%d|%d|%s", ref, dimKey, ts, level, kind))
	return fmt.Sprintf("%s.%d.%016x", kind, ts, h.Sum64())
}
