// internal/session/controller.go
package session

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/netlogger/api/schemas"
	"github.com/xkilldash9x/netlogger/internal/browser"
	"github.com/xkilldash9x/netlogger/internal/config"
	"github.com/xkilldash9x/netlogger/internal/netlog"
)

// Stop reasons reported in SessionStatus.Reason.
const (
	ReasonStopped        = "stopped"
	ReasonTimeout        = "duration elapsed"
	ReasonBrowserClosed  = "browser closed"
	ReasonLaunchFailed   = "browser launch failed"
	ReasonNavigateFailed = "navigation failed"
	ReasonStartAborted   = "stopped during start"
)

// Notifier receives live updates. Implementations must not block.
type Notifier interface {
	Publish(schemas.Notification)
}

type nopNotifier struct{}

func (nopNotifier) Publish(schemas.Notification) {}

// Option customizes a Controller.
type Option func(*Controller)

// WithClock overrides the time source for session and entry timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// WithNotifier sets where state transitions and entry changes are published.
func WithNotifier(n Notifier) Option {
	return func(c *Controller) { c.notifier = n }
}

// WithTeardownTimeout overrides browser.teardown_timeout.
func WithTeardownTimeout(d time.Duration) Option {
	return func(c *Controller) { c.teardownTimeout = d }
}

// activeSession is everything owned by one start..idle cycle.
type activeSession struct {
	id        string
	url       string
	headless  bool
	duration  time.Duration
	startedAt time.Time

	page   browser.Page
	detach func()
	timer  *time.Timer

	cancelStart   context.CancelFunc
	stopRequested bool
	reason        string

	// live gates the event listener; it is cleared before detach.
	live     atomic.Bool
	stopOnce sync.Once
	done     chan struct{}
}

// Controller runs at most one capture session at a time and owns the log it fills.
type Controller struct {
	engine          browser.Engine
	cfg             config.Interface
	logger          *zap.Logger
	store           *netlog.Store
	recorder        *netlog.Recorder
	exporter        *netlog.Exporter
	notifier        Notifier
	now             func() time.Time
	teardownTimeout time.Duration

	mu         sync.Mutex
	state      schemas.SessionState
	active     *activeSession
	lastReason string
}

// NewController wires a controller around engine. The store, recorder and
// exporter are created here and live as long as the controller.
func NewController(engine browser.Engine, cfg config.Interface, logger *zap.Logger, opts ...Option) *Controller {
	c := &Controller{
		engine:          engine,
		cfg:             cfg,
		logger:          logger.Named("session"),
		store:           netlog.NewStore(),
		notifier:        nopNotifier{},
		now:             time.Now,
		teardownTimeout: cfg.Browser().TeardownTimeout,
		state:           schemas.SessionIdle,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.teardownTimeout <= 0 {
		c.teardownTimeout = 10 * time.Second
	}
	c.recorder = netlog.NewRecorder(c.store, logger, netlog.WithClock(c.now))
	c.exporter = netlog.NewExporter(logger)
	return c
}

// Start launches the engine, attaches the recorder and issues navigation to
// rawURL. It returns once navigation is issued. A duration of zero or less runs
// the session until Stop.
func (c *Controller) Start(ctx context.Context, rawURL string, headless bool, duration time.Duration) error {
	if err := ValidateURL(rawURL); err != nil {
		return err
	}
	target := strings.TrimSpace(rawURL)
	if duration < 0 {
		duration = 0
	}

	c.mu.Lock()
	if c.state != schemas.SessionIdle {
		state := c.state
		c.mu.Unlock()
		c.logger.Warn("Rejecting start; a session is already active.", zap.String("state", string(state)))
		return ErrSessionAlreadyActive
	}
	startCtx, cancelStart := context.WithCancel(ctx)
	s := &activeSession{
		id:          uuid.New().String(),
		url:         target,
		headless:    headless,
		duration:    duration,
		cancelStart: cancelStart,
		done:        make(chan struct{}),
	}
	c.active = s
	c.state = schemas.SessionStarting
	c.lastReason = ""
	c.mu.Unlock()
	defer cancelStart()

	log := c.logger.With(zap.String("session_id", s.id), zap.String("url", target))
	log.Info("Starting capture session.", zap.Bool("headless", headless), zap.Duration("duration", duration))
	c.store.Clear()
	c.publishStatus()

	page, err := c.engine.Launch(startCtx, headless)
	if err != nil {
		if c.aborted(s, startCtx) {
			c.teardown(s, ReasonStartAborted)
			return fmt.Errorf("session start aborted: %w", context.Canceled)
		}
		log.Error("Browser launch failed.", zap.Error(err))
		c.teardown(s, ReasonLaunchFailed)
		return fmt.Errorf("%w: %w", ErrBrowserLaunch, err)
	}

	c.mu.Lock()
	s.page = page
	c.mu.Unlock()

	if c.aborted(s, startCtx) {
		c.teardown(s, ReasonStartAborted)
		return fmt.Errorf("session start aborted: %w", context.Canceled)
	}

	s.live.Store(true)
	s.detach = page.Listen(func(ev schemas.NetworkEvent) {
		c.dispatch(s, ev)
	})

	if err := page.Navigate(startCtx, target); err != nil {
		if c.aborted(s, startCtx) {
			c.teardown(s, ReasonStartAborted)
			return fmt.Errorf("session start aborted: %w", context.Canceled)
		}
		log.Error("Initial navigation failed.", zap.Error(err))
		c.teardown(s, ReasonNavigateFailed)
		return fmt.Errorf("%w: %w", ErrNavigation, err)
	}

	c.mu.Lock()
	if s.stopRequested || startCtx.Err() != nil {
		c.mu.Unlock()
		c.teardown(s, ReasonStartAborted)
		return fmt.Errorf("session start aborted: %w", context.Canceled)
	}
	s.startedAt = c.now()
	c.state = schemas.SessionRunning
	if duration > 0 {
		s.timer = time.AfterFunc(duration, func() {
			c.teardown(s, ReasonTimeout)
		})
	}
	c.mu.Unlock()

	go c.watch(s, page)

	log.Info("Capture session running.")
	c.publishStatus()
	return nil
}

func (c *Controller) aborted(s *activeSession, startCtx context.Context) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return s.stopRequested || startCtx.Err() != nil
}

// watch ends the session when the browser goes away on its own.
func (c *Controller) watch(s *activeSession, page browser.Page) {
	select {
	case <-page.Done():
		c.teardown(s, ReasonBrowserClosed)
	case <-s.done:
	}
}

// Stop ends the active session and returns once it is idle again or ctx is done.
// It is a no-op when idle. A Stop during start cancels the launch or navigation.
func (c *Controller) Stop(ctx context.Context) {
	c.mu.Lock()
	s := c.active
	if s == nil {
		c.mu.Unlock()
		return
	}
	starting := c.state == schemas.SessionStarting
	if starting {
		s.stopRequested = true
		s.cancelStart()
	}
	c.mu.Unlock()

	if !starting {
		go c.teardown(s, ReasonStopped)
	}

	select {
	case <-s.done:
	case <-ctx.Done():
		c.logger.Warn("Stop returned before teardown finished.", zap.String("session_id", s.id), zap.Error(ctx.Err()))
	}
}

// teardown runs once per session no matter how many paths race to stop it.
func (c *Controller) teardown(s *activeSession, reason string) {
	s.stopOnce.Do(func() {
		c.mu.Lock()
		s.reason = reason
		if s.timer != nil {
			s.timer.Stop()
		}
		page := s.page
		if page != nil {
			c.state = schemas.SessionStopping
		}
		c.mu.Unlock()

		if page != nil {
			c.logger.Info("Stopping capture session.", zap.String("session_id", s.id), zap.String("reason", reason))
			c.publishStatus()

			s.live.Store(false)
			if s.detach != nil {
				s.detach()
			}
			c.closePage(s, page)
		}
		s.cancelStart()

		c.mu.Lock()
		if c.active == s {
			c.active = nil
			c.state = schemas.SessionIdle
		}
		c.lastReason = reason
		c.mu.Unlock()

		c.logger.Info("Capture session ended.",
			zap.String("session_id", s.id),
			zap.String("reason", reason),
			zap.Int("entries", c.store.Len()),
		)
		c.publishStatus()
		close(s.done)
	})
}

// closePage gives the engine teardownTimeout to shut down. Past that the
// session is released anyway and the close finishes in the background.
func (c *Controller) closePage(s *activeSession, page browser.Page) {
	ctx, cancel := context.WithTimeout(context.Background(), c.teardownTimeout)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- page.Close(ctx)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			c.logger.Warn("Error closing browser.", zap.String("session_id", s.id), zap.Error(err))
		}
	case <-ctx.Done():
		c.logger.Warn("Browser teardown exceeded its budget. Proceeding forcefully.",
			zap.String("session_id", s.id), zap.Duration("timeout", c.teardownTimeout))
	}
}

func (c *Controller) dispatch(s *activeSession, ev schemas.NetworkEvent) {
	if !s.live.Load() {
		return
	}
	change, ok := c.recorder.Handle(ev)
	if !ok {
		return
	}
	typ := schemas.NotifyEntryUpdated
	if change.Kind == netlog.ChangeCreated {
		typ = schemas.NotifyEntryCreated
	}
	entry := change.Entry
	c.notifier.Publish(schemas.Notification{Type: typ, Entry: &entry})
}

// Clear empties the log. It does not affect an active session.
func (c *Controller) Clear() {
	c.store.Clear()
	c.logger.Info("Network log cleared.")
	c.publishStatus()
}

// Export writes a snapshot of the log to path, adding ".csv" when missing. An
// empty path writes a generated report name into export.reports_dir instead.
// It returns the path written.
func (c *Controller) Export(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return c.ExportReport(c.cfg.Export().Prefix)
	}
	path = netlog.EnsureCSVExt(path)
	if err := c.exporter.Export(c.store.Snapshot(), path); err != nil {
		return "", err
	}
	return path, nil
}

// ExportReport writes a snapshot to export.reports_dir as [prefix_]NL_<timestamp>.csv.
func (c *Controller) ExportReport(prefix string) (string, error) {
	path := filepath.Join(c.cfg.Export().ReportsDir, netlog.DefaultFilename(prefix, c.now()))
	if err := c.exporter.Export(c.store.Snapshot(), path); err != nil {
		return "", err
	}
	return path, nil
}

// Snapshot returns a copy of the log in request-start order.
func (c *Controller) Snapshot() []schemas.LogEntry {
	return c.store.Snapshot()
}

// Done returns a channel closed when the current session returns to idle. When
// no session is active the channel is already closed.
func (c *Controller) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return c.active.done
}

// Status reports the controller state and, when active, the session's timing.
func (c *Controller) Status() schemas.SessionStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.statusLocked()
}

func (c *Controller) statusLocked() schemas.SessionStatus {
	st := schemas.SessionStatus{
		State:      c.state,
		EntryCount: c.store.Len(),
		Reason:     c.lastReason,
	}
	s := c.active
	if s == nil {
		return st
	}
	st.SessionID = s.id
	st.URL = s.url
	st.Headless = s.headless
	st.Duration = s.duration
	st.Reason = s.reason
	if !s.startedAt.IsZero() {
		st.StartedAt = s.startedAt
		st.Elapsed = c.now().Sub(s.startedAt)
		if s.duration > 0 {
			st.Remaining = s.duration - st.Elapsed
			if st.Remaining < 0 {
				st.Remaining = 0
			}
		}
	}
	return st
}

func (c *Controller) publishStatus() {
	st := c.Status()
	c.notifier.Publish(schemas.Notification{Type: schemas.NotifySession, Session: &st})
}
