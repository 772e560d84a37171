package detect

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/TencentBlueKing/bk-monitor-sub032/internal/alerting/model"
)

// Record is one detection result for a series.
type Record struct {
	Timestamp int64          `json:"timestamp"`
	Value     float64        `json:"value"`
	Anomaly   bool           `json:"anomaly"`
	Level     model.Severity `json:"level,omitempty"`
}

type ring struct {
	buf   []Record
	start int
	n     int
	dims  map[string]string
}

func (r *ring) push(rec Record) {
	if r.n < len(r.buf) {
		r.buf[(r.start+r.n)%len(r.buf)] = rec
		r.n++
		return
	}
	r.buf[r.start] = rec
	r.start = (r.start + 1) % len(r.buf)
}

func (r *ring) at(i int) Record { return r.buf[(r.start+i)%len(r.buf)] }

func (r *ring) last() (Record, bool) {
	if r.n == 0 {
		return Record{}, false
	}
	return r.at(r.n - 1), true
}

// dropBefore removes records older than ts from the head.
func (r *ring) dropBefore(ts int64) {
	for r.n > 0 && r.at(0).Timestamp < ts {
		r.start = (r.start + 1) % len(r.buf)
		r.n--
	}
}

// CheckResults keeps the recent detection history of every (strategy, item, dimension) series.
type CheckResults struct {
	mu        sync.RWMutex
	size      int
	retention time.Duration
	series    map[string]*ring
}

func NewCheckResults(size int, retention time.Duration) *CheckResults {
	if size <= 0 {
		size = 1440
	}
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	return &CheckResults{size: size, retention: retention, series: map[string]*ring{}}
}

// SeriesKey builds the key of a series from its item and canonical dimension key.
func SeriesKey(ref model.ItemRef, dimensionKey string) string {
	return ref.String() + "|" + dimensionKey
}

// Add appends a record. It returns false and keeps the buffer unchanged when the timestamp
// does not move the series forward.
func (c *CheckResults) Add(ref model.ItemRef, dims map[string]string, rec Record) bool {
	key := SeriesKey(ref, model.CanonicalKey(dims))
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.series[key]
	if !ok {
		cp := make(map[string]string, len(dims))
		for k, v := range dims {
			cp[k] = v
		}
		r = &ring{buf: make([]Record, c.size), dims: cp}
		c.series[key] = r
	}
	if last, ok := r.last(); ok && rec.Timestamp <= last.Timestamp {
		return false
	}
	r.push(rec)
	return true
}

// Last returns up to n most recent records, oldest first.
func (c *CheckResults) Last(key string, n int) []Record {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.series[key]
	if !ok {
		return nil
	}
	if n <= 0 || n > r.n {
		n = r.n
	}
	out := make([]Record, 0, n)
	for i := r.n - n; i < r.n; i++ {
		out = append(out, r.at(i))
	}
	return out
}

// LastTimestamp returns the newest timestamp of a series.
func (c *CheckResults) LastTimestamp(key string) (int64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.series[key]
	if !ok {
		return 0, false
	}
	rec, ok := r.last()
	return rec.Timestamp, ok
}

// ValueAt returns the value recorded exactly at ts.
func (c *CheckResults) ValueAt(key string, ts int64) (float64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.series[key]
	if !ok {
		return 0, false
	}
	i := sort.Search(r.n, func(i int) bool { return r.at(i).Timestamp >= ts })
	if i < r.n && r.at(i).Timestamp == ts {
		return r.at(i).Value, true
	}
	return 0, false
}

// SeriesOf lists the dimension sets seen for an item.
func (c *CheckResults) SeriesOf(ref model.ItemRef) []map[string]string {
	prefix := ref.String() + "|"
	c.mu.RLock()
	defer c.mu.RUnlock()
	keys := make([]string, 0)
	for k := range c.series {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	out := make([]map[string]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, c.series[k].dims)
	}
	return out
}

func (c *CheckResults) Retention() time.Duration { return c.retention }

// Cleanup drops records older than the retention and forgets empty series.
func (c *CheckResults) Cleanup(now time.Time) int {
	cutoff := now.Add(-c.retention).Unix()
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for k, r := range c.series {
		r.dropBefore(cutoff)
		if r.n == 0 {
			delete(c.series, k)
			removed++
		}
	}
	return removed
}

func (c *CheckResults) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.series)
}
