// internal/browser/nettracker.go
package browser

import (
	"context"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
)

// NetworkTracker listens to CDP network events for one session and keeps a
// count of in-flight requests so callers can wait for the page to go quiet.
type NetworkTracker struct {
	logger *zap.Logger

	// The context for the browser tab this tracker is attached to.
	sessionCtx context.Context
	// A separate context for the listener goroutine so it can be stopped cleanly.
	listenerCtx    context.Context
	cancelListener context.CancelFunc

	inflight map[network.RequestID]struct{}
	lock     sync.RWMutex

	isStarted bool
}

// NewNetworkTracker creates a tracker bound to the given session context.
func NewNetworkTracker(sessionCtx context.Context, logger *zap.Logger) *NetworkTracker {
	return &NetworkTracker{
		sessionCtx: sessionCtx,
		logger:     logger.Named("nettracker"),
		inflight:   make(map[network.RequestID]struct{}),
	}
}

// Start enables the network domain and begins listening for request lifecycle
// events. Calling Start twice is a no-op.
func (t *NetworkTracker) Start() error {
	t.lock.Lock()
	defer t.lock.Unlock()

	if t.isStarted {
		return nil
	}

	// Derived from the session context: if the session dies, the listener dies.
	t.listenerCtx, t.cancelListener = context.WithCancel(t.sessionCtx)

	go t.listen()

	if err := chromedp.Run(t.sessionCtx, network.Enable()); err != nil {
		t.cancelListener()
		return err
	}

	t.isStarted = true
	t.logger.Debug("Network tracker started.")
	return nil
}

// Stop halts event collection.
func (t *NetworkTracker) Stop() {
	t.lock.Lock()
	defer t.lock.Unlock()

	if !t.isStarted {
		return
	}
	if t.cancelListener != nil {
		t.cancelListener()
		t.cancelListener = nil
	}
	t.isStarted = false
}

// listen is the event loop that receives and dispatches CDP network events.
func (t *NetworkTracker) listen() {
	chromedp.ListenTarget(t.listenerCtx, func(ev interface{}) {
		switch e := ev.(type) {
		case *network.EventRequestWillBeSent:
			t.markStarted(e.RequestID)
		case *network.EventLoadingFinished:
			t.markDone(e.RequestID)
		case *network.EventLoadingFailed:
			t.markDone(e.RequestID)
		}
	})
}

func (t *NetworkTracker) markStarted(id network.RequestID) {
	t.lock.Lock()
	defer t.lock.Unlock()
	t.inflight[id] = struct{}{}
}

func (t *NetworkTracker) markDone(id network.RequestID) {
	t.lock.Lock()
	defer t.lock.Unlock()
	delete(t.inflight, id)
}

// InflightCount reports how many requests are currently outstanding.
func (t *NetworkTracker) InflightCount() int {
	t.lock.RLock()
	defer t.lock.RUnlock()
	return len(t.inflight)
}

// WaitIdle polls until no request has been in flight for the quiet period, or
// the context is done.
func (t *NetworkTracker) WaitIdle(ctx context.Context, quietPeriod time.Duration) error {
	ticker := time.NewTicker(quietPeriod / 2)
	defer ticker.Stop()

	lastActivity := time.Now()
	for {
		select {
		case <-ctx.Done():
			t.logger.Debug("WaitIdle aborted due to context cancellation.", zap.Error(ctx.Err()))
			return ctx.Err()
		case <-ticker.C:
			count := t.InflightCount()
			if count > 0 {
				lastActivity = time.Now()
				t.logger.Debug("Waiting for network idle...", zap.Int("inflight_requests", count))
			} else if time.Since(lastActivity) >= quietPeriod {
				return nil
			}
		}
	}
}
