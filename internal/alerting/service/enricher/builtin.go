package enricher

import (
	"context"
	"strconv"
	"time"

	"github.com/TencentBlueKing/bk-monitor-sub032/internal/alerting/model"
	"github.com/TencentBlueKing/bk-monitor-sub032/internal/alerting/service/translator"
	"github.com/TencentBlueKing/bk-monitor-sub032/internal/alerting/store"
	"github.com/TencentBlueKing/bk-monitor-sub032/internal/config"
	"github.com/go-playground/validator/v10"
)

// Drop reasons.
const (
	ReasonValidation      = "validation"
	ReasonDuplicate       = "duplicate"
	ReasonBizWhitelist    = "biz_whitelist"
	ReasonUnknownStrategy = "unknown_strategy"
)

// BizEnricher fills bk_biz_id from the strategy when the event carries none.
type BizEnricher struct{ Strategies StrategyLookup }

func (BizEnricher) Name() string { return "biz" }

func (b BizEnricher) Enrich(_ context.Context, e *model.Event) error {
	if e.BkBizID != 0 {
		return nil
	}
	if st, ok := lookup(b.Strategies, e); ok {
		e.BkBizID = st.BkBizID
	}
	return nil
}

// ValidateEnricher checks ingest rules and normalizes dimensions.
type ValidateEnricher struct {
	v     *validator.Validate
	Alias map[string]string
}

func NewValidateEnricher(alias map[string]string) *ValidateEnricher {
	return &ValidateEnricher{v: validator.New(), Alias: alias}
}

func (*ValidateEnricher) Name() string { return "validate" }

func (en *ValidateEnricher) Enrich(_ context.Context, e *model.Event) error {
	if err := en.v.Struct(e); err != nil {
		e.Drop(ReasonValidation)
		return model.Invalid(err)
	}
	e.Dimensions = model.NormalizeDimensions(e.Dimensions, en.Alias)
	return nil
}

// DedupeEnricher drops events whose id was already handed downstream within TTL. The id is
// marked by Commit, after the hand-off, so an event cut short by a shutdown is seen again.
type DedupeEnricher struct {
	Store store.Store
	TTL   time.Duration
}

func (DedupeEnricher) Name() string { return "dedupe" }

func (d DedupeEnricher) Enrich(ctx context.Context, e *model.Event) error {
	if Redelivered(ctx) {
		return nil
	}
	seen, err := store.SeenEvent(ctx, d.Store, e.EventID)
	if err != nil {
		return err
	}
	if seen {
		e.Drop(ReasonDuplicate)
	}
	return nil
}

func (d DedupeEnricher) Commit(ctx context.Context, e *model.Event) error {
	return store.MarkEventSeen(ctx, d.Store, e.EventID, d.TTL)
}

// WhitelistEnricher drops third-party events from businesses outside the whitelist.
type WhitelistEnricher struct{ Dynamic *config.DynamicStore }

func (WhitelistEnricher) Name() string { return "whitelist" }

func (w WhitelistEnricher) Enrich(_ context.Context, e *model.Event) error {
	if e.IsThirdParty() && w.Dynamic != nil && !w.Dynamic.BizAllowed(e.BkBizID) {
		e.Drop(ReasonBizWhitelist)
	}
	return nil
}

// TranslateEnricher runs the translator chain over the event dimensions plus bk_biz_id.
type TranslateEnricher struct {
	Registry   *translator.Registry
	Strategies StrategyLookup
}

func (TranslateEnricher) Name() string { return "translate" }

func (t TranslateEnricher) Enrich(ctx context.Context, e *model.Event) error {
	dims := make(map[string]string, len(e.Dimensions)+1)
	for k, v := range e.Dimensions {
		dims[k] = v
	}
	if _, ok := dims["bk_biz_id"]; !ok && e.BkBizID != 0 {
		dims["bk_biz_id"] = strconv.FormatInt(e.BkBizID, 10)
	}
	st, _ := lookup(t.Strategies, e)
	in := translator.FromDimensions(dims, e.Translated)
	out := t.Registry.Run(ctx, st, in)
	e.Translated = make(map[string]model.TranslationField, len(out))
	for k, f := range out {
		e.Translated[k] = f
	}
	return nil
}

// DecorateEnricher copies metric and scenario from the strategy. Events that reference a
// strategy the cache does not know are dropped once the cache has loaded.
type DecorateEnricher struct{ Strategies StrategyLookup }

func (DecorateEnricher) Name() string { return "decorate" }

func (d DecorateEnricher) Enrich(_ context.Context, e *model.Event) error {
	if e.IsThirdParty() || d.Strategies == nil {
		return nil
	}
	st, ok := d.Strategies.Get(*e.StrategyID)
	if !ok {
		if d.Strategies.Ready() {
			e.Drop(ReasonUnknownStrategy)
			return model.Invalidf("event %s references unknown strategy %d", e.EventID, *e.StrategyID)
		}
		return nil
	}
	if e.Category == "" {
		e.Category = st.Scenario
	}
	if e.AlertName == "" {
		e.AlertName = st.Name
	}
	if e.MetricID == "" {
		if item, ok := st.ItemByID(e.ItemID); ok {
			e.MetricID = item.MetricID
			if e.MetricID == "" {
				if qc := item.PrimaryQuery(); qc != nil {
					e.MetricID = qc.MetricID
				}
			}
		}
	}
	return nil
}

// Options configures the default pipeline.
type Options struct {
	Strategies StrategyLookup
	Store      store.Store
	DedupeTTL  time.Duration
	Dynamic    *config.DynamicStore
	Registry   *translator.Registry
	Alias      map[string]string
}

// Default returns the enrichers in their fixed order.
func Default(o Options) []Enricher {
	out := []Enricher{
		BizEnricher{Strategies: o.Strategies},
		NewValidateEnricher(o.Alias),
	}
	if o.Store != nil {
		out = append(out, DedupeEnricher{Store: o.Store, TTL: o.DedupeTTL})
	}
	out = append(out, WhitelistEnricher{Dynamic: o.Dynamic})
	if o.Registry != nil {
		out = append(out, TranslateEnricher{Registry: o.Registry, Strategies: o.Strategies})
	}
	return append(out, DecorateEnricher{Strategies: o.Strategies})
}
