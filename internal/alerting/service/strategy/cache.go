package strategy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/TencentBlueKing/bk-monitor-sub032/internal/alerting/model"
	"github.com/TencentBlueKing/bk-monitor-sub032/internal/alerting/store"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

const (
	refreshLeaseKey = "lease/strategy/refresh"
	snapshotKey     = "strategy/snapshot"
)

// snapshot is immutable once published.
type snapshot struct {
	ByID     map[int64]*model.Strategy `json:"strategies"`
	Cursor   int64                     `json:"cursor"`
	LoadedAt int64                     `json:"loaded_at"`

	byBiz map[int64][]*model.Strategy
}

func newSnapshot(byID map[int64]*model.Strategy, cursor, loadedAt int64) *snapshot {
	s := &snapshot{ByID: byID, Cursor: cursor, LoadedAt: loadedAt, byBiz: map[int64][]*model.Strategy{}}
	ids := make([]int64, 0, len(byID))
	for id := range byID {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		st := byID[id]
		s.byBiz[st.BkBizID] = append(s.byBiz[st.BkBizID], st)
	}
	return s
}

type Options struct {
	RefreshInterval time.Duration
	FullRefreshCron string
	MaxStaleness    time.Duration
	LeaseTTL        time.Duration
}

// Cache is the read-mostly strategy snapshot. Readers never block on a refresh.
type Cache struct {
	source Source
	store  store.Store
	locker store.Locker
	opts   Options
	now    func() time.Time

	cur   atomic.Pointer[snapshot]
	group singleflight.Group
}

func NewCache(src Source, st store.Store, locker store.Locker, opts Options) *Cache {
	if opts.RefreshInterval <= 0 {
		opts.RefreshInterval = 30 * time.Second
	}
	if opts.MaxStaleness <= 0 {
		opts.MaxStaleness = 24 * time.Hour
	}
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = 20 * time.Second
	}
	if opts.FullRefreshCron == "" {
		opts.FullRefreshCron = "@hourly"
	}
	return &Cache{source: src, store: st, locker: locker, opts: opts, now: time.Now}
}

func (c *Cache) Get(id int64) (*model.Strategy, bool) {
	s := c.cur.Load()
	if s == nil {
		return nil, false
	}
	st, ok := s.ByID[id]
	return st, ok
}

func (c *Cache) List(bizID int64) []*model.Strategy {
	s := c.cur.Load()
	if s == nil {
		return nil
	}
	return s.byBiz[bizID]
}

// All returns every strategy ordered by id.
func (c *Cache) All() []*model.Strategy {
	s := c.cur.Load()
	if s == nil {
		return nil
	}
	out := make([]*model.Strategy, 0, len(s.ByID))
	for _, st := range s.ByID {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Ready reports whether any snapshot has been loaded. Consumers that act on a strategy being
// absent must wait for it.
func (c *Cache) Ready() bool { return c.cur.Load() != nil }

// LoadedAt returns when the current snapshot was pulled from the source.
func (c *Cache) LoadedAt() time.Time {
	s := c.cur.Load()
	if s == nil {
		return time.Time{}
	}
	return time.Unix(s.LoadedAt, 0)
}

// Stale reports whether the snapshot is older than the staleness bound.
func (c *Cache) Stale() bool {
	s := c.cur.Load()
	return s == nil || c.now().Sub(time.Unix(s.LoadedAt, 0)) > c.opts.MaxStaleness
}

// Refresh pulls changes since the last cursor. Overlapping calls in one process collapse into
// one; across processes only the lease holder pulls and peers adopt the shared snapshot.
func (c *Cache) Refresh(ctx context.Context) error { return c.refresh(ctx, false) }

// FullRefresh reloads everything from the source.
func (c *Cache) FullRefresh(ctx context.Context) error { return c.refresh(ctx, true) }

func (c *Cache) refresh(ctx context.Context, full bool) error {
	key := "incremental"
	if full {
		key = "full"
	}
	_, err, _ := c.group.Do(key, func() (any, error) {
		return nil, c.doRefresh(ctx, full)
	})
	return err
}

func (c *Cache) doRefresh(ctx context.Context, full bool) error {
	if c.locker == nil {
		return c.pull(ctx, full)
	}
	lease, err := c.locker.Acquire(ctx, refreshLeaseKey, c.opts.LeaseTTL)
	if errors.Is(err, store.ErrLocked) {
		return c.adoptShared(ctx)
	}
	if err != nil {
		return err
	}
	defer func() { _ = lease.Release(context.WithoutCancel(ctx)) }()
	return c.pull(ctx, full)
}

func (c *Cache) pull(ctx context.Context, full bool) error {
	cur := c.cur.Load()
	since := int64(0)
	if cur != nil && !full {
		since = cur.Cursor
	}
	batch, err := c.source.Pull(ctx, since)
	if err != nil {
		return fmt.Errorf("pull strategies: %w", err)
	}

	var byID map[int64]*model.Strategy
	if batch.Full || cur == nil {
		byID = make(map[int64]*model.Strategy, len(batch.Strategies))
	} else {
		byID = make(map[int64]*model.Strategy, len(cur.ByID)+len(batch.Strategies))
		for id, st := range cur.ByID {
			byID[id] = st
		}
	}
	for _, id := range batch.Deleted {
		delete(byID, id)
	}
	for _, st := range batch.Strategies {
		byID[st.ID] = st
	}
	cursor := batch.Cursor
	if cur != nil && !batch.Full && cur.Cursor > cursor {
		cursor = cur.Cursor
	}
	next := newSnapshot(byID, cursor, c.now().Unix())
	c.cur.Store(next)
	log.Debug().Str("stage", "strategy").Int("count", len(byID)).Bool("full", batch.Full).
		Int64("cursor", cursor).Msg("strategy snapshot swapped")

	if c.store != nil {
		data, err := json.Marshal(next)
		if err == nil {
			if err := c.store.PutBlob(ctx, snapshotKey, data, 0); err != nil {
				log.Warn().Err(err).Msg("publish strategy snapshot failed")
			}
		}
	}
	return nil
}

// adoptShared loads the snapshot written by the lease holder when it is newer than ours.
func (c *Cache) adoptShared(ctx context.Context) error {
	if c.store == nil {
		return nil
	}
	data, err := c.store.GetBlob(ctx, snapshotKey)
	if errors.Is(err, model.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	var shared snapshot
	if err := json.Unmarshal(data, &shared); err != nil {
		return fmt.Errorf("decode strategy snapshot: %w", err)
	}
	if cur := c.cur.Load(); cur != nil && cur.LoadedAt >= shared.LoadedAt {
		return nil
	}
	if shared.ByID == nil {
		shared.ByID = map[int64]*model.Strategy{}
	}
	c.cur.Store(newSnapshot(shared.ByID, shared.Cursor, shared.LoadedAt))
	return nil
}

// StartScheduler runs incremental refreshes on a ticker and full refreshes on the cron spec
// until ctx ends.
func (c *Cache) StartScheduler(ctx context.Context) error {
	if err := c.FullRefresh(ctx); err != nil {
		log.Error().Err(err).Str("stage", "strategy").Msg("initial strategy load failed")
	}

	cr := cron.New()
	if _, err := cr.AddFunc(c.opts.FullRefreshCron, func() {
		if err := c.FullRefresh(ctx); err != nil {
			log.Error().Err(err).Str("stage", "strategy").Msg("full strategy refresh failed")
		}
	}); err != nil {
		return fmt.Errorf("invalid strategy full refresh cron %q: %w", c.opts.FullRefreshCron, err)
	}
	cr.Start()
	defer cr.Stop()

	t := time.NewTicker(c.opts.RefreshInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if err := c.Refresh(ctx); err != nil {
				log.Error().Err(err).Str("stage", "strategy").Msg("strategy refresh failed")
			}
		}
	}
}
