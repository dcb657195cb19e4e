package session

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DefaultJanitorInterval is how often the janitor sweeps for idle sessions.
const DefaultJanitorInterval = 1 * time.Minute

// Janitor periodically removes idle sessions from a Manager.
type Janitor struct {
	manager  *Manager
	interval time.Duration

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

// NewJanitor creates a Janitor sweeping at the given interval. A non-positive
// interval falls back to DefaultJanitorInterval.
func NewJanitor(manager *Manager, interval time.Duration) *Janitor {
	if interval <= 0 {
		interval = DefaultJanitorInterval
	}
	return &Janitor{
		manager:  manager,
		interval: interval,
	}
}

// Start begins sweeping in the background. Calling Start on a running Janitor
// is a no-op.
func (j *Janitor) Start(ctx context.Context) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.running {
		return
	}

	sweepCtx, cancel := context.WithCancel(ctx)
	j.cancel = cancel
	j.done = make(chan struct{})
	j.running = true

	go j.run(sweepCtx)
}

// Stop halts sweeping and waits for the background goroutine to exit.
func (j *Janitor) Stop() {
	j.mu.Lock()
	if !j.running {
		j.mu.Unlock()
		return
	}
	cancel := j.cancel
	done := j.done
	j.mu.Unlock()

	cancel()
	<-done
}

func (j *Janitor) run(ctx context.Context) {
	defer func() {
		j.mu.Lock()
		j.running = false
		close(j.done)
		j.mu.Unlock()
	}()

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed := j.manager.CloseIdle(); removed > 0 {
				slog.Info("removed idle sessions", "count", removed)
			}
		}
	}
}
