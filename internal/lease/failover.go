package lease

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"seminarhall/internal/domain"

	"github.com/rs/zerolog"
)

// FailoverLocker prefers the primary locker and switches to the fallback while
// the primary is unreachable, probing it again after recoveryInterval.
type FailoverLocker struct {
	primary          domain.KeyLocker
	fallback         domain.KeyLocker
	logger           *zerolog.Logger
	isDown           atomic.Bool
	mu               sync.Mutex
	lastCheck        time.Time
	recoveryInterval time.Duration
	now              func() time.Time
}

func NewFailoverLocker(primary, fallback domain.KeyLocker, logger *zerolog.Logger) *FailoverLocker {
	return &FailoverLocker{
		primary:          primary,
		fallback:         fallback,
		logger:           logger,
		recoveryInterval: time.Minute,
		now:              time.Now,
	}
}

func (l *FailoverLocker) Lock(ctx context.Context, key string) (func(), error) {
	if !l.isDown.Load() || l.shouldProbe() {
		unlock, err := l.primary.Lock(ctx, key)
		if err == nil {
			if l.isDown.CompareAndSwap(true, false) {
				l.logger.Info().Msg("Primary lease backend recovered")
			}
			return unlock, nil
		}
		if ctx.Err() != nil {
			return nil, err
		}
		if !l.isDown.Swap(true) {
			l.logger.Error().Err(err).Msg("Primary lease backend failed, falling back to in-process locks")
		}
		l.markChecked()
	}

	return l.fallback.Lock(ctx, key)
}

func (l *FailoverLocker) shouldProbe() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.now().Sub(l.lastCheck) > l.recoveryInterval {
		l.lastCheck = l.now()
		return true
	}
	return false
}

func (l *FailoverLocker) markChecked() {
	l.mu.Lock()
	l.lastCheck = l.now()
	l.mu.Unlock()
}
