package cache

import (
	"context"
	"fmt"
	"time"
)

// Sweep deletes every expired entry and returns how many were removed.
func (m *Manager) Sweep(ctx context.Context) (int, error) {
	now := m.now()
	expired := make([]string, 0)
	for e, err := range m.backend.List(ctx, Filter{WithoutContent: true}) {
		if err != nil {
			return 0, err
		}
		if e.Expired(now) {
			expired = append(expired, e.URI)
		}
	}
	for i, uri := range expired {
		if err := m.backend.Delete(ctx, uri); err != nil {
			m.metrics.Expired(i)
			return i, err
		}
	}
	m.metrics.Expired(len(expired))
	return len(expired), nil
}

// StartCleanup runs Sweep every interval until StopCleanup is called.
// Expiry is also enforced lazily on reads, so the sweep only reclaims space sooner.
func (m *Manager) StartCleanup(interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("cleanup interval must be positive")
	}
	m.cleanupMu.Lock()
	defer m.cleanupMu.Unlock()
	if m.stopCleanup != nil {
		return fmt.Errorf("cleanup already running")
	}
	stop := make(chan struct{})
	done := make(chan struct{})
	m.stopCleanup = stop
	m.cleanupDone = done

	go func() {
		defer close(done)
		m.log.Info().Msgf("Starting cache cleanup loop with interval %s", interval)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				n, err := m.Sweep(context.Background())
				if err != nil {
					m.log.Error().Err(err).Msg("Could not sweep expired entries")
				} else if n > 0 {
					m.log.Debug().Int("expired", n).Msg("Swept expired entries")
				} else {
					m.log.Trace().Msg("No expired entries, pausing cleanup")
				}
			}
		}
	}()
	return nil
}

// StopCleanup stops the cleanup loop and waits for it to exit.
// It is a no-op if the loop is not running.
func (m *Manager) StopCleanup() {
	m.cleanupMu.Lock()
	stop, done := m.stopCleanup, m.cleanupDone
	m.stopCleanup, m.cleanupDone = nil, nil
	m.cleanupMu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-done
}
