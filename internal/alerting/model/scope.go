package model

// ScopeKey names a scope strategy, e.g. {host, ip} or {kubernetes, cluster}.
type ScopeKey struct {
	Module string `json:"module"`
	Target string `json:"target"`
}

func (k ScopeKey) String() string { return k.Module + "/" + k.Target }

// Scope is a declared fault influence window feeding QoS decisions.
type Scope struct {
	Module    string   `json:"module"`
	Target    string   `json:"target"`
	Values    []string `json:"values"`
	BeginTime int64    `json:"begin_time"`
	Duration  int64    `json:"duration"`
	Reason    string   `json:"reason,omitempty"`
}

func (s *Scope) Key() ScopeKey { return ScopeKey{Module: s.Module, Target: s.Target} }

func (s *Scope) EndTime() int64 { return s.BeginTime + s.Duration }

func (s *Scope) ActiveAt(t int64) bool { return t >= s.BeginTime && t < s.EndTime() }

// FailureCollection groups the active scopes of one evaluation pass.
type FailureCollection struct {
	Scopes []*Scope
}

// Active returns scopes active at t.
func (fc *FailureCollection) Active(t int64) []*Scope {
	if fc == nil {
		return nil
	}
	out := make([]*Scope, 0, len(fc.Scopes))
	for _, s := range fc.Scopes {
		if s.ActiveAt(t) {
			out = append(out, s)
		}
	}
	return out
}
