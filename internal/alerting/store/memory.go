package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/TencentBlueKing/bk-monitor-sub032/internal/alerting/model"
)

// MemoryStore keeps everything in process. Values are copied on the way in and out so callers
// never share state with the store.
type MemoryStore struct {
	mu      sync.RWMutex
	open    map[string]*model.Alert
	hist    map[int64][]*model.Alert
	seq     int64
	shields map[string]*model.Shield
	scopes  map[model.ScopeKey]*model.Scope
	marks   map[string]time.Time
	blobs   map[string][]byte
	clock   func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		open:    map[string]*model.Alert{},
		hist:    map[int64][]*model.Alert{},
		shields: map[string]*model.Shield{},
		scopes:  map[model.ScopeKey]*model.Scope{},
		marks:   map[string]time.Time{},
		blobs:   map[string][]byte{},
		clock:   time.Now,
	}
}

// SetClock replaces the time source used for TTLs and scope expiry.
func (s *MemoryStore) SetClock(clock func() time.Time) {
	s.mu.Lock()
	s.clock = clock
	s.mu.Unlock()
}

func (s *MemoryStore) GetOpen(_ context.Context, fp string) (*model.Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.open[fp]
	if !ok {
		return nil, model.ErrNotFound
	}
	return a.Clone(), nil
}

func (s *MemoryStore) PutOpen(_ context.Context, a *model.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.open[a.Fingerprint] = a.Clone()
	return nil
}

func (s *MemoryStore) OpenFingerprints(_ context.Context, limit int) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sortedOpen(limit), nil
}

func (s *MemoryStore) sortedOpen(limit int) []string {
	fps := make([]string, 0, len(s.open))
	for fp := range s.open {
		fps = append(fps, fp)
	}
	sort.Slice(fps, func(i, j int) bool { return s.open[fps[i]].ID < s.open[fps[j]].ID })
	if limit > 0 && len(fps) > limit {
		fps = fps[:limit]
	}
	return fps
}

func (s *MemoryStore) ListOpen(_ context.Context, limit int) ([]*model.Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	fps := s.sortedOpen(limit)
	out := make([]*model.Alert, 0, len(fps))
	for _, fp := range fps {
		out = append(out, s.open[fp].Clone())
	}
	return out, nil
}

func (s *MemoryStore) Archive(_ context.Context, a *model.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.open[a.Fingerprint]; ok && cur.ID == a.ID {
		delete(s.open, a.Fingerprint)
	}
	s.hist[a.ID] = append(s.hist[a.ID], a.Clone())
	return nil
}

func (s *MemoryStore) AppendHistory(_ context.Context, a *model.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hist[a.ID] = append(s.hist[a.ID], a.Clone())
	return nil
}

func (s *MemoryStore) GetHistory(_ context.Context, id int64) ([]*model.Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*model.Alert, 0, len(s.hist[id]))
	for _, a := range s.hist[id] {
		out = append(out, a.Clone())
	}
	return out, nil
}

func (s *MemoryStore) NextAlertID(context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	return s.seq, nil
}

func (s *MemoryStore) PutShield(_ context.Context, sh *model.Shield) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *sh
	cp.DimensionConditions = append([]model.DimensionCondition(nil), sh.DimensionConditions...)
	s.shields[sh.ID] = &cp
	return nil
}

func (s *MemoryStore) DeleteShield(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.shields, id)
	return nil
}

func (s *MemoryStore) ListShields(context.Context) ([]*model.Shield, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := model.SortedKeys(s.shields)
	out := make([]*model.Shield, 0, len(ids))
	for _, id := range ids {
		cp := *s.shields[id]
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemoryStore) PutScope(_ context.Context, sc *model.Scope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *sc
	cp.Values = append([]string(nil), sc.Values...)
	s.scopes[sc.Key()] = &cp
	return nil
}

func (s *MemoryStore) DeleteScope(_ context.Context, k model.ScopeKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.scopes, k)
	return nil
}

func (s *MemoryStore) ListScopes(context.Context) ([]*model.Scope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock().Unix()
	out := []*model.Scope{}
	for k, sc := range s.scopes {
		if now >= sc.EndTime() {
			delete(s.scopes, k)
			continue
		}
		cp := *sc
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key().String() < out[j].Key().String() })
	return out, nil
}

func (s *MemoryStore) MarkOnce(_ context.Context, key string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock()
	if exp, ok := s.marks[key]; ok && (exp.IsZero() || now.Before(exp)) {
		return false, nil
	}
	var exp time.Time
	if ttl > 0 {
		exp = now.Add(ttl)
	}
	s.marks[key] = exp
	return true, nil
}

func (s *MemoryStore) Marked(_ context.Context, key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	exp, ok := s.marks[key]
	return ok && (exp.IsZero() || s.clock().Before(exp)), nil
}

func (s *MemoryStore) GetBlob(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.blobs[key]
	if !ok {
		return nil, model.ErrNotFound
	}
	return append([]byte(nil), data...), nil
}

func (s *MemoryStore) PutBlob(_ context.Context, key string, data []byte, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blobs[key] = append([]byte(nil), data...)
	return nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }
