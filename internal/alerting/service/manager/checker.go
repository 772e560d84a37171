package manager

import (
	"context"
	"fmt"

	"github.com/TencentBlueKing/bk-monitor-sub032/internal/alerting/model"
)

// Checker is one step of the per-alert state machine pass.
type Checker interface {
	Name() string
	IsEnabled(a *model.Alert) bool
	Check(ctx context.Context, c *Check) error
}

// Check is the working state of one alert during a pass. Checkers mutate Alert in place.
type Check struct {
	Alert *model.Alert
	// Strategy is nil for third-party alerts and for strategies the cache does not know.
	Strategy *model.Strategy
	// StrategyDeleted is set when the cache is loaded and no longer holds the strategy.
	StrategyDeleted bool
	Now             int64
	Shields         []*model.Shield
	Failures        *model.FailureCollection

	reason  string
	signals []emit
}

type emit struct {
	signal model.ActionSignal
	// recipients override the strategy recipients when non-nil
	recipients []string
}

// End moves the alert to a terminal status and records why.
func (c *Check) End(to model.Status, at int64, reason, description string) {
	c.Alert.SetEnd(to, at)
	if description != "" {
		c.Alert.SetExtra(ExtraEndDescription, description)
	}
	c.reason = reason
}

// Emit queues an action signal, sent once the alert is persisted.
func (c *Check) Emit(signal model.ActionSignal, recipients []string) {
	c.signals = append(c.signals, emit{signal: signal, recipients: recipients})
}

// Registry keeps checkers in evaluation order.
type Registry struct {
	order  []Checker
	byName map[string]Checker
}

func NewRegistry(checkers ...Checker) (*Registry, error) {
	r := &Registry{byName: map[string]Checker{}}
	for _, c := range checkers {
		if err := r.Register(c); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register appends a checker. Names are unique.
func (r *Registry) Register(c Checker) error {
	if _, ok := r.byName[c.Name()]; ok {
		return model.FatalConfig(fmt.Errorf("checker %q registered twice", c.Name()))
	}
	r.byName[c.Name()] = c
	r.order = append(r.order, c)
	return nil
}

func (r *Registry) Get(name string) (Checker, bool) {
	c, ok := r.byName[name]
	return c, ok
}

func (r *Registry) Ordered() []Checker { return r.order }

func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.order))
	for _, c := range r.order {
		out = append(out, c.Name())
	}
	return out
}
