package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/TencentBlueKing/bk-monitor-sub032/internal/alerting/model"
)

// ErrLocked is returned by Locker.Acquire when another owner holds the key.
var ErrLocked = errors.New("store: key is locked")

// Store is the narrow key-value view of alert state.
//
// Layout:
//
//	alert/{fingerprint}         current open alert
//	alert/open                  index of open fingerprints
//	alert/hist/{id}             append-only snapshots
//	shield/{id}                 shield rule
//	qos/scope/{module}/{target} scope definition
type Store interface {
	// GetOpen returns model.ErrNotFound when no alert is open for the fingerprint.
	GetOpen(ctx context.Context, fingerprint string) (*model.Alert, error)
	PutOpen(ctx context.Context, a *model.Alert) error
	// OpenFingerprints lists open fingerprints, oldest alert first. limit <= 0 means all.
	OpenFingerprints(ctx context.Context, limit int) ([]string, error)
	ListOpen(ctx context.Context, limit int) ([]*model.Alert, error)
	// Archive appends the final snapshot to history and removes the open entry when it still
	// belongs to the same alert id.
	Archive(ctx context.Context, a *model.Alert) error
	AppendHistory(ctx context.Context, a *model.Alert) error
	GetHistory(ctx context.Context, id int64) ([]*model.Alert, error)
	NextAlertID(ctx context.Context) (int64, error)

	PutShield(ctx context.Context, s *model.Shield) error
	DeleteShield(ctx context.Context, id string) error
	ListShields(ctx context.Context) ([]*model.Shield, error)

	PutScope(ctx context.Context, s *model.Scope) error
	DeleteScope(ctx context.Context, key model.ScopeKey) error
	ListScopes(ctx context.Context) ([]*model.Scope, error)

	// MarkOnce sets key if absent and reports whether this call set it.
	MarkOnce(ctx context.Context, key string, ttl time.Duration) (bool, error)
	// Marked reports whether key was set by MarkOnce and has not expired.
	Marked(ctx context.Context, key string) (bool, error)
	GetBlob(ctx context.Context, key string) ([]byte, error)
	PutBlob(ctx context.Context, key string, data []byte, ttl time.Duration) error

	Ping(ctx context.Context) error
}

func seenKey(eventID string) string { return "event/seen/" + eventID }

// SeenEvent reports whether the event id was already handed downstream. It does not mark it.
func SeenEvent(ctx context.Context, s Store, eventID string) (bool, error) {
	return s.Marked(ctx, seenKey(eventID))
}

// MarkEventSeen records that the event id was handed downstream. Call it only after the hand-off
// succeeded, so a delivery cut short is processed again.
func MarkEventSeen(ctx context.Context, s Store, eventID string, ttl time.Duration) error {
	_, err := s.MarkOnce(ctx, seenKey(eventID), ttl)
	return err
}

// Lease is an owned, time-bounded claim on a key.
type Lease interface {
	Key() string
	Token() string
	Refresh(ctx context.Context) error
	Release(ctx context.Context) error
}

type Locker interface {
	// Acquire returns ErrLocked when the key is held by another owner.
	Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error)
}

// AcquireWait retries Acquire until it succeeds or ctx ends.
func AcquireWait(ctx context.Context, l Locker, key string, ttl, retry time.Duration) (Lease, error) {
	if retry <= 0 {
		retry = 20 * time.Millisecond
	}
	for {
		lease, err := l.Acquire(ctx, key, ttl)
		if err == nil {
			return lease, nil
		}
		if !errors.Is(err, ErrLocked) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, model.Transient(ctx.Err())
		case <-time.After(retry):
		}
	}
}

// WithLock runs fn while holding key. The lease is renewed every ttl/3 until fn returns, and
// fn's context is cancelled once the lease is lost. fn runs under the caller's deadline, or
// ttl when the caller has none. A lost lease or a spent budget comes back as a transient error.
func WithLock(ctx context.Context, l Locker, key string, ttl time.Duration, fn func(ctx context.Context) error) error {
	if ttl <= 0 {
		ttl = defaultLeaseTTL
	}
	lease, err := AcquireWait(ctx, l, key, ttl, 0)
	if err != nil {
		return err
	}
	defer func() { _ = lease.Release(context.WithoutCancel(ctx)) }()

	fctx, lost := context.WithCancelCause(ctx)
	defer lost(nil)
	if _, ok := fctx.Deadline(); !ok {
		var stop context.CancelFunc
		fctx, stop = context.WithTimeout(fctx, ttl)
		defer stop()
	}
	done := make(chan struct{})
	defer close(done)
	go keepAlive(context.WithoutCancel(ctx), lease, ttl, done, lost)

	err = fn(fctx)
	if err != nil && ctx.Err() == nil && fctx.Err() != nil {
		return model.Transient(fmt.Errorf("lock %s: %v: %w", key, err, context.Cause(fctx)))
	}
	return err
}

// keepAlive refreshes lease until done closes. It keeps renewing past fn's deadline so a
// body that ignores its context still holds the key exclusively.
func keepAlive(ctx context.Context, lease Lease, ttl time.Duration, done <-chan struct{}, lost context.CancelCauseFunc) {
	t := time.NewTicker(max(ttl/3, time.Millisecond))
	defer t.Stop()
	for {
		select {
		case <-done:
			return
		case <-t.C:
			if err := lease.Refresh(ctx); errors.Is(err, model.ErrLeaseNotHeld) {
				lost(err)
				return
			}
		}
	}
}

// AlertLockKey is the per-fingerprint mutation lock.
func AlertLockKey(fingerprint string) string { return "lock/alert/" + fingerprint }

func scopeKey(k model.ScopeKey) string { return "qos/scope/" + k.Module + "/" + k.Target }
