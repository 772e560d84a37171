package model

import "fmt"

// ItemRef points a DataPoint back at the strategy item that queried it.
type ItemRef struct {
	StrategyID int64 `json:"strategy_id"`
	ItemID     int64 `json:"item_id"`
}

func (r ItemRef) String() string { return fmt.Sprintf("%d.%d", r.StrategyID, r.ItemID) }

// DataPoint is one aggregated value produced by a data-source query. It is not stored.
type DataPoint struct {
	Value      float64           `json:"value"`
	Timestamp  int64             `json:"timestamp"`
	Unit       string            `json:"unit,omitempty"`
	ItemRef    ItemRef           `json:"item_ref"`
	RecordID   string            `json:"record_id"`
	Dimensions map[string]string `json:"dimensions,omitempty"`
}

// SeriesKey identifies the (strategy, item, dimension) series a point belongs to.
func (p DataPoint) SeriesKey() string {
	return p.ItemRef.String() + "|" + CanonicalKey(p.Dimensions)
}

// NewRecordID builds the record id used for duplicate filtering.
func NewRecordID(ref ItemRef, dims map[string]string, ts int64) string {
	return fmt.Sprintf("%s|%s.%d", ref, CanonicalKey(dims), ts)
}
