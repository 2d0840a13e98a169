// Package lock serializes cross-instance mutations of a room or user
// resource. Locks are named, TTL-bounded and fencable, built on the state
// store's atomic try-acquire primitive: a crashed holder never strands a
// resource because the next acquirer takes over once the TTL lapses.
package lock

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/vjoke/chat-service/internal/errs"
)

// Store is the slice of the state store the manager needs.
type Store interface {
	TryAcquireLock(ctx context.Context, key, token string, ttl time.Duration) (acquired bool, expiredToken string, err error)
	ReleaseLock(ctx context.Context, key, token string) (bool, error)
	ExtendLock(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
}

type Options struct {
	// TTL bounds how long a lock may be held before the next acquirer
	// may take it over.
	TTL time.Duration
	// WaitTimeout bounds how long Acquire blocks on a busy lock. Zero
	// fails fast.
	WaitTimeout time.Duration
	// RetryInterval is the poll interval while waiting.
	RetryInterval time.Duration
	// OnExpired is invoked once per evicted fencing token when an
	// acquirer takes over an expired holder.
	OnExpired func(token, key string)
}

const (
	DefaultTTL           = 10 * time.Second
	DefaultWaitTimeout   = 5 * time.Second
	DefaultRetryInterval = 20 * time.Millisecond
)

type Manager struct {
	store Store
	clock clock.Clock
	opts  Options
	log   *slog.Logger
}

func NewManager(store Store, clk clock.Clock, opts Options, log *slog.Logger) *Manager {
	if clk == nil {
		clk = clock.New()
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = DefaultRetryInterval
	}
	return &Manager{store: store, clock: clk, opts: opts, log: log}
}

// Acquire blocks until the lock for key is granted or WaitTimeout elapses,
// returning the fencing token that Release and Extend require. A busy lock
// past the wait timeout is a conflict error. Taking over an expired holder
// reports the evicted token through OnExpired exactly once: the store's
// takeover is atomic, so only one acquirer observes it.
func (m *Manager) Acquire(ctx context.Context, key string) (string, error) {
	token := uuid.NewString()
	deadline := m.clock.Now().Add(m.opts.WaitTimeout)

	for {
		acquired, evicted, err := m.store.TryAcquireLock(ctx, key, token, m.opts.TTL)
		if err != nil {
			return "", fmt.Errorf("acquire %q: %w", key, err)
		}
		if evicted != "" {
			m.log.Warn("lock TTL exceeded, taking over", "key", key)
			if m.opts.OnExpired != nil {
				m.opts.OnExpired(evicted, key)
			}
		}
		if acquired {
			return token, nil
		}
		if !m.clock.Now().Add(m.opts.RetryInterval).Before(deadline) {
			return "", errs.Conflictf("lock %q busy after %s", key, m.opts.WaitTimeout)
		}

		timer := m.clock.Timer(m.opts.RetryInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return "", ctx.Err()
		case <-timer.C:
		}
	}
}

// Release frees the lock if token is still its current tenure. A stale token
// (the lock expired and was reacquired) is a silent no-op so a slow holder
// never releases someone else's lock.
func (m *Manager) Release(ctx context.Context, key, token string) error {
	released, err := m.store.ReleaseLock(ctx, key, token)
	if err != nil {
		return fmt.Errorf("release %q: %w", key, err)
	}
	if !released {
		m.log.Debug("stale release ignored", "key", key)
	}
	return nil
}

// Extend renews the holder's TTL. A stale token is a conflict: the tenure is
// already over and the caller must not assume it still holds the resource.
func (m *Manager) Extend(ctx context.Context, key, token string) error {
	extended, err := m.store.ExtendLock(ctx, key, token, m.opts.TTL)
	if err != nil {
		return fmt.Errorf("extend %q: %w", key, err)
	}
	if !extended {
		return errs.Conflictf("lock %q tenure expired", key)
	}
	return nil
}

// WithLock runs fn while holding the lock for key. The release is guaranteed
// even when fn fails, and survives cancellation of the caller's context.
func (m *Manager) WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	token, err := m.Acquire(ctx, key)
	if err != nil {
		return err
	}
	defer func() {
		if err := m.Release(context.WithoutCancel(ctx), key, token); err != nil {
			m.log.Warn("lock release failed", "key", key, "err", err)
		}
	}()
	return fn(ctx)
}
