// internal/interaction/driver_test.go
package interaction

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/webpilot-ai/webpilot/api/schemas"
	"github.com/webpilot-ai/webpilot/internal/config"
	"github.com/webpilot-ai/webpilot/internal/resolver"
)

var callPattern = regexp.MustCompile(`return (\w+)\(`)

// fakeSession answers evaluated action scripts by helper name. Each helper
// has a sensible success default; tests queue overrides per helper.
type fakeSession struct {
	mu      sync.Mutex
	calls   []string
	replies map[string][]string
	errs    map[string]error

	clicks [][2]float64
	moves  [][2]float64
	typed  []string
	netErr error
}

var sessionDefaults = map[string]string{
	"waitDocumentComplete": `{"ok":true}`,
	"waitElementState":     `{"exists":true,"visible":true,"enabled":true,"x":100,"y":200,"width":100,"height":40,"centerX":150,"centerY":220,"tag":"button"}`,
	"scrollToElement":      `{"ok":true}`,
	"hitTest":              `{"stale":false,"intercepted":false}`,
	"clickElement":         `{"ok":true}`,
	"focusElement":         `{"ok":true}`,
	"clearValue":           `{"ok":true}`,
	"selectAllAndDelete":   `{"ok":true}`,
	"dispatchInputSignals": `{"ok":true}`,
}

func newFakeSession() *fakeSession {
	return &fakeSession{
		replies: make(map[string][]string),
		errs:    make(map[string]error),
	}
}

func (f *fakeSession) queue(fn string, reply string) {
	f.replies[fn] = append(f.replies[fn], reply)
}

func (f *fakeSession) Evaluate(_ context.Context, script string, out interface{}) error {
	m := callPattern.FindStringSubmatch(script)
	if m == nil {
		return errors.New("unrecognized script")
	}
	fn := m[1]

	f.mu.Lock()
	f.calls = append(f.calls, fn)
	reply, ok := sessionDefaults[fn]
	if queued := f.replies[fn]; len(queued) > 0 {
		reply, ok = queued[0], true
		f.replies[fn] = queued[1:]
	}
	err := f.errs[fn]
	f.mu.Unlock()

	if err != nil {
		return err
	}
	if !ok {
		return errors.New("no reply for " + fn)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal([]byte(reply), out)
}

func (f *fakeSession) DispatchMouseClick(_ context.Context, x, y float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clicks = append(f.clicks, [2]float64{x, y})
	return nil
}

func (f *fakeSession) DispatchMouseMove(_ context.Context, x, y float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.moves = append(f.moves, [2]float64{x, y})
	return nil
}

func (f *fakeSession) TypeKeys(_ context.Context, text string, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.typed = append(f.typed, text)
	return nil
}

func (f *fakeSession) WaitNetworkQuiet(context.Context, time.Duration) error {
	return f.netErr
}

func (f *fakeSession) callCount(fn string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == fn {
			n++
		}
	}
	return n
}

// fakeResolver hands out a fixed element, or queued errors first.
type fakeResolver struct {
	mu           sync.Mutex
	resolveCalls int
	resolveErrs  []error
	el           *resolver.ResolvedElement
	info         *resolver.ElementInfo
	describeErr  error
}

func newFakeResolver() *fakeResolver {
	return &fakeResolver{
		el: &resolver.ResolvedElement{Path: "#target", Strategy: "direct"},
		info: &resolver.ElementInfo{
			Exists: true, Visible: true, Enabled: true,
			CenterX: 150, CenterY: 220, Width: 100, Height: 40, Tag: "button",
		},
	}
}

func (f *fakeResolver) Resolve(context.Context, schemas.Locator) (*resolver.ResolvedElement, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resolveCalls++
	if len(f.resolveErrs) > 0 {
		err := f.resolveErrs[0]
		f.resolveErrs = f.resolveErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	return f.el, nil
}

func (f *fakeResolver) Describe(context.Context, *resolver.ResolvedElement) (*resolver.ElementInfo, error) {
	if f.describeErr != nil {
		return nil, f.describeErr
	}
	return f.info, nil
}

func (f *fakeResolver) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.resolveCalls
}

func testConfig() config.InteractionConfig {
	return config.InteractionConfig{
		MaxAttempts:      3,
		RetryBackoff:     time.Millisecond,
		ReadinessTimeout: 50 * time.Millisecond,
		TypeDelay:        0,
	}
}

func newTestDriver(session *fakeSession, res *fakeResolver) *Driver {
	return NewDriver(session, res, testConfig(), zap.NewNop())
}

func TestClick(t *testing.T) {
	loc := schemas.CSS("#target")

	t.Run("PointerClickOnCleanHit", func(t *testing.T) {
		session := newFakeSession()
		res := newFakeResolver()
		d := newTestDriver(session, res)

		require.NoError(t, d.Click(context.Background(), loc))
		require.Len(t, session.clicks, 1)
		assert.Equal(t, [2]float64{150, 220}, session.clicks[0])
		assert.Zero(t, session.callCount("clickElement"))
		assert.Equal(t, 1, res.calls())
	})

	t.Run("SyntheticClickWhenIntercepted", func(t *testing.T) {
		session := newFakeSession()
		session.queue("hitTest", `{"stale":false,"intercepted":true,"blocker":"div.overlay"}`)
		res := newFakeResolver()
		d := newTestDriver(session, res)

		require.NoError(t, d.Click(context.Background(), loc))
		assert.Empty(t, session.clicks)
		assert.Equal(t, 1, session.callCount("clickElement"))
	})

	t.Run("ReResolvesWhenStale", func(t *testing.T) {
		session := newFakeSession()
		session.queue("waitElementState", `{"exists":false}`)
		res := newFakeResolver()
		d := newTestDriver(session, res)

		require.NoError(t, d.Click(context.Background(), loc))
		assert.Equal(t, 2, res.calls())
		assert.Len(t, session.clicks, 1)
	})

	t.Run("NotFoundReturnsWithoutRetry", func(t *testing.T) {
		session := newFakeSession()
		res := newFakeResolver()
		res.resolveErrs = []error{resolver.ErrNotFound, resolver.ErrNotFound, resolver.ErrNotFound}
		d := newTestDriver(session, res)

		err := d.Click(context.Background(), loc)
		require.ErrorIs(t, err, resolver.ErrNotFound)
		assert.NotErrorIs(t, err, ErrExhausted)
		assert.Equal(t, 1, res.calls())
	})

	t.Run("ExhaustsAfterRepeatedStaleness", func(t *testing.T) {
		session := newFakeSession()
		for i := 0; i < 3; i++ {
			session.queue("waitElementState", `{"exists":false}`)
		}
		res := newFakeResolver()
		d := newTestDriver(session, res)

		err := d.Click(context.Background(), loc)
		require.ErrorIs(t, err, ErrExhausted)
		assert.ErrorIs(t, err, ErrStale)
		assert.Equal(t, 3, res.calls())
	})

	t.Run("SessionErrorFailsFast", func(t *testing.T) {
		session := newFakeSession()
		session.errs["scrollToElement"] = errors.New("devtools connection lost")
		res := newFakeResolver()
		d := newTestDriver(session, res)

		err := d.Click(context.Background(), loc)
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrExhausted)
		assert.Contains(t, err.Error(), "devtools connection lost")
		assert.Equal(t, 1, res.calls())
	})

	t.Run("ProceedsWhenReadinessChecksFail", func(t *testing.T) {
		session := newFakeSession()
		session.errs["waitDocumentComplete"] = errors.New("context deadline exceeded")
		session.netErr = errors.New("context deadline exceeded")
		res := newFakeResolver()
		d := newTestDriver(session, res)

		require.NoError(t, d.Click(context.Background(), loc))
		assert.Len(t, session.clicks, 1)
	})
}

func TestType(t *testing.T) {
	loc := schemas.CSS("#email")

	t.Run("FocusesClearsTypesAndSignals", func(t *testing.T) {
		session := newFakeSession()
		res := newFakeResolver()
		d := newTestDriver(session, res)

		require.NoError(t, d.Type(context.Background(), loc, "user@example.com"))
		assert.Equal(t, []string{"user@example.com"}, session.typed)
		assert.Len(t, session.clicks, 1)
		assert.Equal(t, 1, session.callCount("focusElement"))
		assert.Equal(t, 1, session.callCount("clearValue"))
		assert.Equal(t, 1, session.callCount("dispatchInputSignals"))
		assert.Zero(t, session.callCount("selectAllAndDelete"))
	})

	t.Run("FallsBackToSelectAllWhenClearFails", func(t *testing.T) {
		session := newFakeSession()
		session.queue("clearValue", `{"ok":false,"error":"element has no clearable value"}`)
		res := newFakeResolver()
		d := newTestDriver(session, res)

		require.NoError(t, d.Type(context.Background(), loc, "hello"))
		assert.Equal(t, 1, session.callCount("selectAllAndDelete"))
		assert.Equal(t, []string{"hello"}, session.typed)
	})

	t.Run("StaleDuringClearTriggersRetry", func(t *testing.T) {
		session := newFakeSession()
		session.queue("clearValue", `{"stale":true}`)
		res := newFakeResolver()
		d := newTestDriver(session, res)

		require.NoError(t, d.Type(context.Background(), loc, "hello"))
		assert.Equal(t, 2, res.calls())
		assert.Zero(t, session.callCount("selectAllAndDelete"))
		assert.Equal(t, []string{"hello"}, session.typed)
	})

	t.Run("SyntheticFocusClickWhenIntercepted", func(t *testing.T) {
		session := newFakeSession()
		session.queue("hitTest", `{"stale":false,"intercepted":true,"blocker":"div.toast"}`)
		res := newFakeResolver()
		d := newTestDriver(session, res)

		require.NoError(t, d.Type(context.Background(), loc, "hello"))
		assert.Empty(t, session.clicks)
		assert.Equal(t, 1, session.callCount("clickElement"))
	})
}

func TestHover(t *testing.T) {
	loc := schemas.Text("Products")

	t.Run("MovesPointerToCenter", func(t *testing.T) {
		session := newFakeSession()
		res := newFakeResolver()
		d := newTestDriver(session, res)

		require.NoError(t, d.Hover(context.Background(), loc))
		require.Len(t, session.moves, 1)
		assert.Equal(t, [2]float64{150, 220}, session.moves[0])
	})

	t.Run("DoesNotRetry", func(t *testing.T) {
		session := newFakeSession()
		session.queue("waitElementState", `{"exists":false}`)
		res := newFakeResolver()
		d := newTestDriver(session, res)

		err := d.Hover(context.Background(), loc)
		require.ErrorIs(t, err, ErrStale)
		assert.Equal(t, 1, res.calls())
		assert.Empty(t, session.moves)
	})
}

func TestScrollTo(t *testing.T) {
	session := newFakeSession()
	res := newFakeResolver()
	d := newTestDriver(session, res)

	require.NoError(t, d.ScrollTo(context.Background(), schemas.CSS("#footer")))
	assert.Equal(t, 1, session.callCount("scrollToElement"))
}

func TestWaitFor(t *testing.T) {
	loc := schemas.CSS("#modal")

	t.Run("ReturnsWhenStateReached", func(t *testing.T) {
		session := newFakeSession()
		res := newFakeResolver()
		d := newTestDriver(session, res)

		err := d.WaitFor(context.Background(), loc, schemas.ElementVisible, time.Second)
		require.NoError(t, err)
	})

	t.Run("PresentNeedsOnlyExistence", func(t *testing.T) {
		session := newFakeSession()
		session.queue("waitElementState", `{"exists":true,"visible":false,"enabled":false}`)
		res := newFakeResolver()
		d := newTestDriver(session, res)

		err := d.WaitFor(context.Background(), loc, schemas.ElementPresent, time.Second)
		require.NoError(t, err)
	})

	t.Run("TimesOutWhenNeverFound", func(t *testing.T) {
		session := newFakeSession()
		res := newFakeResolver()
		res.resolveErrs = []error{
			resolver.ErrNotFound, resolver.ErrNotFound, resolver.ErrNotFound,
			resolver.ErrNotFound, resolver.ErrNotFound, resolver.ErrNotFound,
		}
		d := newTestDriver(session, res)

		start := time.Now()
		err := d.WaitFor(context.Background(), loc, schemas.ElementVisible, 250*time.Millisecond)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "timed out")
		assert.GreaterOrEqual(t, time.Since(start), 250*time.Millisecond)
	})

	t.Run("SessionErrorSurfacesImmediately", func(t *testing.T) {
		session := newFakeSession()
		res := newFakeResolver()
		res.resolveErrs = []error{errors.New("devtools connection lost")}
		d := newTestDriver(session, res)

		err := d.WaitFor(context.Background(), loc, schemas.ElementVisible, time.Second)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "devtools connection lost")
	})
}

func TestStateSatisfied(t *testing.T) {
	cases := []struct {
		name  string
		info  *resolver.ElementInfo
		state schemas.ElementState
		want  bool
	}{
		{"NilInfo", nil, schemas.ElementPresent, false},
		{"MissingElement", &resolver.ElementInfo{}, schemas.ElementPresent, false},
		{"PresentOnlyNeedsExistence", &resolver.ElementInfo{Exists: true}, schemas.ElementPresent, true},
		{"VisibleNeedsGeometry", &resolver.ElementInfo{Exists: true}, schemas.ElementVisible, false},
		{"VisibleSatisfied", &resolver.ElementInfo{Exists: true, Visible: true}, schemas.ElementVisible, true},
		{"ClickableNeedsEnabled", &resolver.ElementInfo{Exists: true, Visible: true}, schemas.ElementClickable, false},
		{"ClickableSatisfied", &resolver.ElementInfo{Exists: true, Visible: true, Enabled: true}, schemas.ElementClickable, true},
		{"UnknownState", &resolver.ElementInfo{Exists: true, Visible: true, Enabled: true}, schemas.ElementState("hidden"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, stateSatisfied(tc.info, tc.state))
		})
	}
}

func TestRetryableClassification(t *testing.T) {
	assert.True(t, retryable(ErrStale))
	assert.True(t, retryable(ErrNotInteractable))
	assert.True(t, retryable(errors.Join(errors.New("wrapped"), ErrActionFailed)))
	assert.False(t, retryable(resolver.ErrNotFound))
	assert.False(t, retryable(errors.New("devtools connection lost")))
	assert.False(t, retryable(context.DeadlineExceeded))
}
