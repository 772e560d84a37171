package qos

import (
	"context"
	"fmt"
	"strconv"

	"github.com/TencentBlueKing/bk-monitor-sub032/internal/alerting/model"
)

// Matcher reports whether an alert falls inside a scope's influence.
type Matcher func(a *model.Alert, s *model.Scope) bool

// Registry maps (module, target) to the matcher of that scope strategy.
type Registry struct {
	matchers map[model.ScopeKey]Matcher
}

// NewRegistry returns the built-in scope strategies.
func NewRegistry() *Registry {
	r := &Registry{matchers: map[model.ScopeKey]Matcher{}}
	r.Register(model.ScopeKey{Module: "host", Target: "ip"}, dimensionIn("bk_target_ip", "ip", "bk_host_ip"))
	r.Register(model.ScopeKey{Module: "host", Target: "bk_host_id"}, dimensionIn("bk_host_id"))
	r.Register(model.ScopeKey{Module: "kubernetes", Target: "cluster"}, dimensionIn("bcs_cluster_id"))
	r.Register(model.ScopeKey{Module: "kubernetes", Target: "namespace"}, dimensionIn("namespace"))
	r.Register(model.ScopeKey{Module: "apm", Target: "service"}, dimensionIn("service_name"))
	r.Register(model.ScopeKey{Module: "biz", Target: "bk_biz_id"}, func(a *model.Alert, s *model.Scope) bool {
		return contains(s.Values, strconv.FormatInt(a.BkBizID, 10))
	})
	return r
}

func (r *Registry) Register(k model.ScopeKey, m Matcher) { r.matchers[k] = m }

func (r *Registry) Lookup(k model.ScopeKey) (Matcher, bool) {
	m, ok := r.matchers[k]
	return m, ok
}

// Validate rejects scopes without a registered strategy.
func (r *Registry) Validate(s *model.Scope) error {
	if _, ok := r.Lookup(s.Key()); !ok {
		return model.Invalidf("unknown scope %s", s.Key())
	}
	if s.Duration <= 0 {
		return model.Invalidf("scope %s: duration must be positive", s.Key())
	}
	if len(s.Values) == 0 {
		return model.Invalidf("scope %s: values are required", s.Key())
	}
	return nil
}

// Blocking returns the first active scope that covers the alert at t.
func (r *Registry) Blocking(fc *model.FailureCollection, a *model.Alert, t int64) (*model.Scope, bool) {
	for _, s := range fc.Active(t) {
		m, ok := r.Lookup(s.Key())
		if ok && m(a, s) {
			return s, true
		}
	}
	return nil, false
}

// ScopeLister is the store side of scopes.
type ScopeLister interface {
	ListScopes(ctx context.Context) ([]*model.Scope, error)
}

// Collect loads the scopes of one evaluation pass.
func Collect(ctx context.Context, l ScopeLister) (*model.FailureCollection, error) {
	scopes, err := l.ListScopes(ctx)
	if err != nil {
		return nil, fmt.Errorf("list scopes: %w", err)
	}
	return &model.FailureCollection{Scopes: scopes}, nil
}

func dimensionIn(keys ...string) Matcher {
	return func(a *model.Alert, s *model.Scope) bool {
		dims := a.DimensionMap()
		for _, k := range keys {
			if v, ok := dims[k]; ok && contains(s.Values, v) {
				return true
			}
		}
		return false
	}
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
