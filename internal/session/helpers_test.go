package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/netlogger/api/schemas"
	"github.com/xkilldash9x/netlogger/internal/browser"
	"github.com/xkilldash9x/netlogger/internal/config"
)

// fakePage is an in-memory browser.Page. Emit delivers events the way chromedp
// does: sequentially, and never after detach has returned.
type fakePage struct {
	mu          sync.Mutex
	listener    func(schemas.NetworkEvent)
	navigated   []string
	navigateErr error
	// navigateBlock makes Navigate wait for its context.
	navigateBlock bool
	closeErr      error
	// closeHang makes Close ignore its context until released.
	closeHang  chan struct{}
	closeCalls int

	done     chan struct{}
	doneOnce sync.Once
}

var _ browser.Page = (*fakePage)(nil)

func newFakePage() *fakePage {
	return &fakePage{done: make(chan struct{})}
}

func (p *fakePage) Navigate(ctx context.Context, url string) error {
	p.mu.Lock()
	p.navigated = append(p.navigated, url)
	block, err := p.navigateBlock, p.navigateErr
	p.mu.Unlock()

	if block {
		<-ctx.Done()
		return ctx.Err()
	}
	return err
}

func (p *fakePage) Listen(fn func(schemas.NetworkEvent)) func() {
	p.mu.Lock()
	p.listener = fn
	p.mu.Unlock()
	return func() {
		p.mu.Lock()
		p.listener = nil
		p.mu.Unlock()
	}
}

// Emit reports whether a listener received ev.
func (p *fakePage) Emit(ev schemas.NetworkEvent) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.listener == nil {
		return false
	}
	p.listener(ev)
	return true
}

func (p *fakePage) Close(ctx context.Context) error {
	p.mu.Lock()
	p.closeCalls++
	hang, err := p.closeHang, p.closeErr
	p.mu.Unlock()

	if hang != nil {
		<-hang
	}
	p.Crash()
	return err
}

func (p *fakePage) Done() <-chan struct{} { return p.done }

// Crash simulates the browser going away on its own.
func (p *fakePage) Crash() {
	p.doneOnce.Do(func() { close(p.done) })
}

func (p *fakePage) CloseCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closeCalls
}

func (p *fakePage) Navigated() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.navigated...)
}

type fakeEngine struct {
	mu        sync.Mutex
	launchErr error
	// launchBlock makes Launch wait for its context.
	launchBlock bool
	configure   func(*fakePage)
	pages       []*fakePage
	headless    []bool
	entered     chan struct{}
}

var _ browser.Engine = (*fakeEngine)(nil)

func newFakeEngine() *fakeEngine {
	return &fakeEngine{entered: make(chan struct{}, 16)}
}

func (e *fakeEngine) Launch(ctx context.Context, headless bool) (browser.Page, error) {
	e.mu.Lock()
	e.headless = append(e.headless, headless)
	block, err, configure := e.launchBlock, e.launchErr, e.configure
	e.mu.Unlock()

	e.entered <- struct{}{}
	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, err
	}

	p := newFakePage()
	if configure != nil {
		configure(p)
	}
	e.mu.Lock()
	e.pages = append(e.pages, p)
	e.mu.Unlock()
	return p, nil
}

func (e *fakeEngine) LastPage() *fakePage {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.pages) == 0 {
		return nil
	}
	return e.pages[len(e.pages)-1]
}

type recordingNotifier struct {
	mu    sync.Mutex
	notes []schemas.Notification
}

func (r *recordingNotifier) Publish(n schemas.Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notes = append(r.notes, n)
}

func (r *recordingNotifier) States() []schemas.SessionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	var states []schemas.SessionState
	for _, n := range r.notes {
		if n.Type == schemas.NotifySession {
			states = append(states, n.Session.State)
		}
	}
	return states
}

func (r *recordingNotifier) Sessions() []schemas.SessionStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []schemas.SessionStatus
	for _, n := range r.notes {
		if n.Type == schemas.NotifySession {
			out = append(out, *n.Session)
		}
	}
	return out
}

func (r *recordingNotifier) Count(typ schemas.NotificationType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int
	for _, note := range r.notes {
		if note.Type == typ {
			n++
		}
	}
	return n
}

type fixture struct {
	ctrl     *Controller
	engine   *fakeEngine
	notifier *recordingNotifier
	cfg      *config.Config
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	cfg := config.NewDefaultConfig()
	cfg.ExportCfg.ReportsDir = t.TempDir()

	f := &fixture{
		engine:   newFakeEngine(),
		notifier: &recordingNotifier{},
		cfg:      cfg,
	}
	opts = append([]Option{
		WithNotifier(f.notifier),
		WithTeardownTimeout(time.Second),
	}, opts...)
	f.ctrl = NewController(f.engine, cfg, zaptest.NewLogger(t), opts...)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		f.ctrl.Stop(ctx)
	})
	return f
}

// startRunning starts a session and returns its page.
func (f *fixture) startRunning(t *testing.T, duration time.Duration) *fakePage {
	t.Helper()
	require.NoError(t, f.ctrl.Start(context.Background(), "https://app.example.com", true, duration))
	require.Equal(t, schemas.SessionRunning, f.ctrl.Status().State)
	page := f.engine.LastPage()
	require.NotNil(t, page)
	return page
}

func waitDone(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatal("session did not return to idle")
	}
}

func reqStarted(id string) schemas.NetworkEvent {
	return schemas.NetworkEvent{
		Kind:         schemas.EventRequestStarted,
		RequestID:    id,
		Method:       "GET",
		URL:          "https://app.example.com/api/" + id,
		ResourceType: "Fetch",
		Headers:      map[string]string{"Accept": "application/json"},
	}
}

func respReceived(id string, status int) schemas.NetworkEvent {
	return schemas.NetworkEvent{
		Kind:            schemas.EventResponseReceived,
		RequestID:       id,
		Status:          status,
		StatusText:      "OK",
		ResponseHeaders: map[string]string{"Content-Type": "application/json"},
	}
}

var errBoom = errors.New("boom")
