package store

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/TencentBlueKing/bk-monitor-sub032/internal/alerting/broker"
	"github.com/TencentBlueKing/bk-monitor-sub032/internal/alerting/model"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newAlert(id int64, fp string) *model.Alert {
	return &model.Alert{ID: id, Fingerprint: fp, BkBizID: 2, Severity: model.SeverityWarning,
		Status: model.StatusAbnormal, CreateTime: 100, BeginTime: 100, LatestTime: 160,
		Dimensions: []model.AlertDimension{{Key: "host", Value: "h1"}}}
}

func runStoreContract(t *testing.T, s Store) {
	ctx := context.Background()

	t.Run("OpenLifecycle", func(t *testing.T) {
		_, err := s.GetOpen(ctx, "fp-a")
		assert.ErrorIs(t, err, model.ErrNotFound)

		a := newAlert(11, "fp-a")
		require.NoError(t, s.PutOpen(ctx, a))
		require.NoError(t, s.PutOpen(ctx, newAlert(12, "fp-b")))

		got, err := s.GetOpen(ctx, "fp-a")
		require.NoError(t, err)
		assert.Equal(t, int64(11), got.ID)
		assert.Equal(t, "h1", got.DimensionMap()["host"])

		fps, err := s.OpenFingerprints(ctx, 0)
		require.NoError(t, err)
		assert.Equal(t, []string{"fp-a", "fp-b"}, fps)

		fps, err = s.OpenFingerprints(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, []string{"fp-a"}, fps)

		got.SetEnd(model.StatusRecovered, 200)
		require.NoError(t, s.Archive(ctx, got))
		_, err = s.GetOpen(ctx, "fp-a")
		assert.ErrorIs(t, err, model.ErrNotFound)

		hist, err := s.GetHistory(ctx, 11)
		require.NoError(t, err)
		require.Len(t, hist, 1)
		assert.Equal(t, model.StatusRecovered, hist[0].Status)

		list, err := s.ListOpen(ctx, 0)
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, "fp-b", list[0].Fingerprint)
	})

	t.Run("ArchiveKeepsNewerAlert", func(t *testing.T) {
		old := newAlert(21, "fp-c")
		require.NoError(t, s.PutOpen(ctx, newAlert(22, "fp-c")))
		old.SetEnd(model.StatusClosed, 300)
		require.NoError(t, s.Archive(ctx, old))
		got, err := s.GetOpen(ctx, "fp-c")
		require.NoError(t, err)
		assert.Equal(t, int64(22), got.ID)
	})

	t.Run("Shields", func(t *testing.T) {
		require.NoError(t, s.PutShield(ctx, &model.Shield{ID: "s1", Category: model.ShieldAlert, Fingerprint: "fp-b"}))
		list, err := s.ListShields(ctx)
		require.NoError(t, err)
		require.Len(t, list, 1)
		require.NoError(t, s.DeleteShield(ctx, "s1"))
		list, err = s.ListShields(ctx)
		require.NoError(t, err)
		assert.Empty(t, list)
	})

	t.Run("Scopes", func(t *testing.T) {
		sc := &model.Scope{Module: "host", Target: "ip", Values: []string{"10.0.0.1"},
			BeginTime: time.Now().Unix() - 10, Duration: 600}
		require.NoError(t, s.PutScope(ctx, sc))
		list, err := s.ListScopes(ctx)
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, []string{"10.0.0.1"}, list[0].Values)
		require.NoError(t, s.DeleteScope(ctx, sc.Key()))
		list, err = s.ListScopes(ctx)
		require.NoError(t, err)
		assert.Empty(t, list)
	})

	t.Run("SeenEvent", func(t *testing.T) {
		id := fmt.Sprintf("evt-%d", time.Now().UnixNano())
		seen, err := SeenEvent(ctx, s, id)
		require.NoError(t, err)
		assert.False(t, seen)
		seen, err = SeenEvent(ctx, s, id)
		require.NoError(t, err)
		assert.False(t, seen, "checking does not mark")
		require.NoError(t, MarkEventSeen(ctx, s, id, time.Minute))
		seen, err = SeenEvent(ctx, s, id)
		require.NoError(t, err)
		assert.True(t, seen)
	})

	t.Run("NextAlertIDMonotonic", func(t *testing.T) {
		a, err := s.NextAlertID(ctx)
		require.NoError(t, err)
		b, err := s.NextAlertID(ctx)
		require.NoError(t, err)
		assert.Greater(t, b, a)
	})
}

func TestMemoryStore(t *testing.T) {
	runStoreContract(t, NewMemoryStore())
}

func TestMemoryStoreScopeExpiry(t *testing.T) {
	s := NewMemoryStore()
	now := time.Unix(1000, 0)
	s.SetClock(func() time.Time { return now })
	ctx := context.Background()
	require.NoError(t, s.PutScope(ctx, &model.Scope{Module: "host", Target: "ip", BeginTime: 900, Duration: 200}))
	list, _ := s.ListScopes(ctx)
	assert.Len(t, list, 1)
	now = time.Unix(1100, 0)
	list, _ = s.ListScopes(ctx)
	assert.Empty(t, list)
}

func TestRedisStore(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	defer rdb.Close()
	ctx := context.Background()
	if err := rdb.Ping(ctx).Err(); err != nil {
		t.Skip("Redis not available, skipping test")
	}
	prefix := fmt.Sprintf("bkmonitor-test-%d:", time.Now().UnixNano())
	defer func() {
		keys, _ := rdb.Keys(ctx, prefix+"*").Result()
		if len(keys) > 0 {
			rdb.Del(ctx, keys...)
		}
	}()
	runStoreContract(t, NewRedisStore(rdb, prefix))

	t.Run("Lease", func(t *testing.T) {
		runLockerContract(t, NewRedisLocker(rdb, prefix))
	})
}

func runLockerContract(t *testing.T, l Locker) {
	ctx := context.Background()
	lease, err := l.Acquire(ctx, "lock/alert/fp", time.Second)
	require.NoError(t, err)

	_, err = l.Acquire(ctx, "lock/alert/fp", time.Second)
	assert.ErrorIs(t, err, ErrLocked)

	require.NoError(t, lease.Refresh(ctx))
	require.NoError(t, lease.Release(ctx))
	assert.ErrorIs(t, lease.Release(ctx), model.ErrLeaseNotHeld)

	again, err := l.Acquire(ctx, "lock/alert/fp", time.Second)
	require.NoError(t, err)
	assert.NotEqual(t, lease.Token(), again.Token())
	require.NoError(t, again.Release(ctx))
}

func TestMemoryLocker(t *testing.T) {
	runLockerContract(t, NewMemoryLocker())
}

func TestMemoryLockerExpiry(t *testing.T) {
	l := NewMemoryLocker()
	now := time.Unix(0, 0)
	l.clock = func() time.Time { return now }
	ctx := context.Background()
	first, err := l.Acquire(ctx, "k", 5*time.Second)
	require.NoError(t, err)
	now = now.Add(6 * time.Second)
	second, err := l.Acquire(ctx, "k", 5*time.Second)
	require.NoError(t, err, "expired lease is released to a peer")
	assert.ErrorIs(t, first.Refresh(ctx), model.ErrLeaseNotHeld)
	require.NoError(t, second.Release(ctx))
}

func TestWithLockSerializes(t *testing.T) {
	l := NewMemoryLocker()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	counter := 0
	done := make(chan struct{})
	for i := 0; i < 10; i++ {
		go func() {
			_ = WithLock(ctx, l, "k", time.Second, func(context.Context) error {
				v := counter
				time.Sleep(time.Millisecond)
				counter = v + 1
				return nil
			})
			done <- struct{}{}
		}()
	}
	for i := 0; i < 10; i++ {
		<-done
	}
	assert.Equal(t, 10, counter)
}

func TestWithLockHoldsPastTTL(t *testing.T) {
	l := NewMemoryLocker()
	var mu sync.Mutex
	holders, maxHolders := 0, 0
	deadlines := make(chan bool, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = WithLock(context.Background(), l, "k", 50*time.Millisecond, func(ctx context.Context) error {
				_, ok := ctx.Deadline()
				deadlines <- ok
				mu.Lock()
				holders++
				maxHolders = max(maxHolders, holders)
				mu.Unlock()
				time.Sleep(200 * time.Millisecond)
				mu.Lock()
				holders--
				mu.Unlock()
				return nil
			})
		}()
	}
	wg.Wait()
	close(deadlines)
	assert.Equal(t, 1, maxHolders, "lease renewed while the body runs")
	for ok := range deadlines {
		assert.True(t, ok, "locked body runs under a deadline")
	}
}

func TestWithLockCancelsOnLostLease(t *testing.T) {
	l := NewMemoryLocker()
	err := WithLock(context.Background(), l, "k", 30*time.Millisecond, func(ctx context.Context) error {
		l.mu.Lock()
		delete(l.held, "k")
		l.mu.Unlock()
		<-ctx.Done()
		assert.ErrorIs(t, context.Cause(ctx), model.ErrLeaseNotHeld)
		return ctx.Err()
	})
	require.Error(t, err)
	assert.Equal(t, model.KindTransient, model.KindOf(err))
}

func TestWithLockKeepsCallerDeadline(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	want, _ := ctx.Deadline()
	require.NoError(t, WithLock(ctx, NewMemoryLocker(), "k", time.Second, func(ctx context.Context) error {
		got, ok := ctx.Deadline()
		assert.True(t, ok)
		assert.Equal(t, want, got)
		return nil
	}))
}

type fakeArchiver struct{ got []*model.Alert }

func (f *fakeArchiver) UpsertAlert(_ context.Context, a *model.Alert) error {
	f.got = append(f.got, a)
	return nil
}

func TestArchiveSink(t *testing.T) {
	b := broker.NewMemoryBroker()
	ctx := context.Background()
	a := newAlert(5, "fp")
	require.NoError(t, broker.PublishJSON(ctx, b, model.TopicAlertsChanges, a.Fingerprint,
		model.ChangeRecord{AlertID: 5, Fingerprint: "fp", NewStatus: model.StatusAbnormal, Alert: a}))
	require.NoError(t, broker.PublishJSON(ctx, b, model.TopicAlertsChanges, "x", "not a record"))

	fa := &fakeArchiver{}
	sink := NewArchiveSink(fa)
	for {
		msg, ok := b.TryReceive(model.TopicAlertsChanges)
		if !ok {
			break
		}
		require.NoError(t, sink.Handle(ctx, msg))
	}
	require.Len(t, fa.got, 1)
	assert.Equal(t, int64(5), fa.got[0].ID)
}
