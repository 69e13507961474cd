package health

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// IntervalNotifier re-emits every server's current state on a timer through
// the monitor's resolver. It runs alongside transition alerts.
type IntervalNotifier struct {
	monitor  *Monitor
	interval time.Duration
	logger   *zap.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewIntervalNotifier creates a notifier for monitor.
func NewIntervalNotifier(monitor *Monitor, interval time.Duration) *IntervalNotifier {
	return &IntervalNotifier{
		monitor:  monitor,
		interval: interval,
		logger:   monitor.logger.Named("interval"),
	}
}

// Start begins emitting. Calling Start twice is a no-op.
func (n *IntervalNotifier) Start() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.cancel != nil || n.interval <= 0 {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	n.cancel = cancel
	n.done = make(chan struct{})
	go n.run(ctx, n.done)
}

// Stop ends the timer loop.
func (n *IntervalNotifier) Stop() {
	n.mu.Lock()
	cancel, done := n.cancel, n.done
	n.cancel, n.done = nil, nil
	n.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (n *IntervalNotifier) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(n.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			count := n.monitor.EmitStatus()
			n.logger.Debug("Status report emitted", zap.Int("servers", count))
		}
	}
}
