// internal/browser/context_utils.go
package browser

import (
	"context"
	"time"
)

// CombineContext creates a new context derived from ctx1 (the session context)
// that is canceled when either ctx1 or ctx2 (the operational context) is
// canceled. Deriving from ctx1 preserves the CDP target values chromedp stores
// on the session context, while ctx2 contributes the per-call deadline.
func CombineContext(ctx1, ctx2 context.Context) (context.Context, context.CancelFunc) {
	combinedCtx, cancel := context.WithCancel(ctx1)

	go func() {
		select {
		case <-ctx2.Done():
			cancel()
		case <-combinedCtx.Done():
		}
	}()

	return combinedCtx, cancel
}

// valueOnlyContext wraps a parent context to create a "detached" context.
// It inherits all values (like CDP target information) from its parent, but
// ignores the parent's deadline and cancellation signal.
type valueOnlyContext struct {
	context.Context
}

// Deadline always returns false, removing any deadline from the parent.
func (valueOnlyContext) Deadline() (deadline time.Time, ok bool) { return }

// Done always returns nil, making the context un-cancellable from its parent.
func (valueOnlyContext) Done() <-chan struct{} { return nil }

// Err always returns nil.
func (valueOnlyContext) Err() error { return nil }

// Detach returns a context that inherits values from ctx but is not canceled
// when ctx is. Cleanup work that must outlive a canceled operation runs on a
// detached context so the CDP connection information stays reachable.
func Detach(ctx context.Context) context.Context {
	return valueOnlyContext{ctx}
}
