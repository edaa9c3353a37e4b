// internal/browser/chrome.go
package browser

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/netlogger/api/schemas"
	"github.com/xkilldash9x/netlogger/internal/config"
)

const defaultTeardownTimeout = 10 * time.Second

// ChromeEngine launches Chrome through chromedp, one browser process per page.
type ChromeEngine struct {
	cfg    config.BrowserConfig
	logger *zap.Logger
}

var _ Engine = (*ChromeEngine)(nil)

// NewChromeEngine creates an engine using the given browser settings.
func NewChromeEngine(cfg config.BrowserConfig, logger *zap.Logger) *ChromeEngine {
	return &ChromeEngine{cfg: cfg, logger: logger.Named("chrome")}
}

// AllocatorOptions builds the exec allocator flags. Entries in cfg.Args may be
// "name" or "name=value", with or without leading dashes.
func AllocatorOptions(cfg config.BrowserConfig, headless bool) []chromedp.ExecAllocatorOption {
	opts := []chromedp.ExecAllocatorOption{
		chromedp.NoSandbox,
		chromedp.DisableGPU,
		chromedp.NoFirstRun,
		chromedp.NoDefaultBrowserCheck,
		chromedp.Flag("enable-automation", true),
	}
	if headless {
		opts = append(opts, chromedp.Headless)
	}
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}
	for _, arg := range cfg.Args {
		key, value, found := strings.Cut(strings.TrimLeft(arg, "-"), "=")
		if key == "" {
			continue
		}
		if found {
			opts = append(opts, chromedp.Flag(key, value))
		} else {
			opts = append(opts, chromedp.Flag(key, true))
		}
	}
	return opts
}

// Launch starts Chrome and enables the Network domain on its first tab. The process
// is not tied to ctx; ctx and browser.launch_timeout only bound the startup.
func (e *ChromeEngine) Launch(ctx context.Context, headless bool) (Page, error) {
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), AllocatorOptions(e.cfg, headless)...)
	sugar := e.logger.Sugar()
	tabCtx, tabCancel := chromedp.NewContext(allocCtx,
		chromedp.WithLogf(sugar.Debugf),
		chromedp.WithErrorf(sugar.Debugf),
	)

	p := &chromePage{
		logger:          e.logger,
		allocCtx:        allocCtx,
		allocCancel:     allocCancel,
		tabCtx:          tabCtx,
		tabCancel:       tabCancel,
		teardownTimeout: e.cfg.TeardownTimeout,
	}
	if p.teardownTimeout <= 0 {
		p.teardownTimeout = defaultTeardownTimeout
	}

	launchCtx, cancel := ctx, context.CancelFunc(func() {})
	if e.cfg.LaunchTimeout > 0 {
		launchCtx, cancel = context.WithTimeout(ctx, e.cfg.LaunchTimeout)
	}
	defer cancel()

	// The first Run on a fresh context is what spawns the process.
	errCh := make(chan error, 1)
	go func() {
		errCh <- chromedp.Run(tabCtx, network.Enable())
	}()

	select {
	case err := <-errCh:
		if err != nil {
			p.forceClose()
			return nil, fmt.Errorf("failed to start browser: %w", err)
		}
	case <-launchCtx.Done():
		p.forceClose()
		return nil, fmt.Errorf("failed to start browser: %w", launchCtx.Err())
	}

	e.logger.Info("Browser launched.", zap.Bool("headless", headless))
	return p, nil
}

// chromePage owns one allocator, and so one browser process.
type chromePage struct {
	logger          *zap.Logger
	allocCtx        context.Context
	allocCancel     context.CancelFunc
	tabCtx          context.Context
	tabCancel       context.CancelFunc
	teardownTimeout time.Duration

	closeOnce sync.Once
	closeErr  error
}

func (p *chromePage) Navigate(ctx context.Context, url string) error {
	navCtx, cancel := CombineContext(p.tabCtx, ctx)
	defer cancel()

	return chromedp.Run(navCtx, chromedp.ActionFunc(func(c context.Context) error {
		_, _, errorText, _, err := page.Navigate(url).Do(c)
		if err != nil {
			return err
		}
		if errorText != "" {
			return fmt.Errorf("page load error %s", errorText)
		}
		return nil
	}))
}

func (p *chromePage) Listen(fn func(schemas.NetworkEvent)) func() {
	listenCtx, cancel := context.WithCancel(p.tabCtx)

	var (
		mu       sync.Mutex
		detached bool
	)
	chromedp.ListenTarget(listenCtx, func(ev interface{}) {
		out, ok := p.translate(ev)
		if !ok {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		if detached {
			return
		}
		fn(out)
	})

	return func() {
		mu.Lock()
		detached = true
		mu.Unlock()
		cancel()
	}
}

func (p *chromePage) Done() <-chan struct{} {
	return p.tabCtx.Done()
}

// Close asks Chrome to exit and waits up to the teardown timeout. When that runs
// out the allocator is cancelled, which kills the process.
func (p *chromePage) Close(ctx context.Context) error {
	p.closeOnce.Do(func() {
		p.closeErr = p.shutdown(ctx)
	})
	return p.closeErr
}

func (p *chromePage) shutdown(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, p.teardownTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		// Cancelling the tab that allocated the browser closes the browser and
		// waits for the process to exit.
		done <- chromedp.Cancel(p.tabCtx)
	}()

	var err error
	select {
	case err = <-done:
		if errors.Is(err, context.Canceled) && p.tabCtx.Err() != nil {
			err = nil
		}
		if err != nil {
			p.logger.Warn("Error during graceful browser shutdown.", zap.Error(err))
		}
	case <-shutdownCtx.Done():
		p.logger.Warn("Browser shutdown timed out. Proceeding forcefully.", zap.Duration("timeout", p.teardownTimeout))
		err = fmt.Errorf("graceful browser shutdown: %w", shutdownCtx.Err())
	}

	p.forceClose()
	return err
}

// forceClose cancels both contexts. The allocator cancel waits for the process to
// be reaped, so it is bounded by the teardown timeout as well.
func (p *chromePage) forceClose() {
	p.tabCancel()
	reaped := make(chan struct{})
	go func() {
		p.allocCancel()
		close(reaped)
	}()
	select {
	case <-reaped:
	case <-time.After(p.teardownTimeout):
		p.logger.Error("Browser process did not exit after being killed.", zap.Duration("timeout", p.teardownTimeout))
	}
}

// translate maps the CDP events we care about onto engine-neutral events.
func (p *chromePage) translate(ev interface{}) (schemas.NetworkEvent, bool) {
	switch e := ev.(type) {
	case *network.EventRequestWillBeSent:
		if e.Request == nil {
			return schemas.NetworkEvent{}, false
		}
		out := schemas.NetworkEvent{
			Kind:         schemas.EventRequestStarted,
			RequestID:    string(e.RequestID),
			Method:       e.Request.Method,
			URL:          e.Request.URL + e.Request.URLFragment,
			ResourceType: string(e.Type),
			Headers:      flattenHeaders(e.Request.Headers),
		}
		if body, ok := p.postData(e); ok {
			out.PostData = &body
		}
		return out, true

	case *network.EventResponseReceived:
		if e.Response == nil {
			return schemas.NetworkEvent{}, false
		}
		status := int(e.Response.Status)
		statusText := e.Response.StatusText
		if statusText == "" {
			// HTTP/2 responses carry no reason phrase.
			statusText = http.StatusText(status)
		}
		return schemas.NetworkEvent{
			Kind:            schemas.EventResponseReceived,
			RequestID:       string(e.RequestID),
			Status:          status,
			StatusText:      statusText,
			ResponseHeaders: flattenHeaders(e.Response.Headers),
		}, true

	case *network.EventLoadingFailed:
		errorText := e.ErrorText
		if errorText == "" && e.Canceled {
			errorText = "canceled"
		}
		return schemas.NetworkEvent{
			Kind:      schemas.EventRequestFailed,
			RequestID: string(e.RequestID),
			ErrorText: errorText,
		}, true

	case *network.EventLoadingFinished:
		return schemas.NetworkEvent{
			Kind:              schemas.EventLoadingFinished,
			RequestID:         string(e.RequestID),
			EncodedDataLength: int64(e.EncodedDataLength),
		}, true
	}
	return schemas.NetworkEvent{}, false
}

// postData reassembles the request body from its base64 entries. Chrome omits
// the entries for large bodies; those requests are recorded without a body.
func (p *chromePage) postData(e *network.EventRequestWillBeSent) (string, bool) {
	if !e.Request.HasPostData || len(e.Request.PostDataEntries) == 0 {
		return "", false
	}
	var body bytes.Buffer
	for _, entry := range e.Request.PostDataEntries {
		if entry == nil {
			continue
		}
		decoded, err := base64.StdEncoding.DecodeString(entry.Bytes)
		if err != nil {
			p.logger.Debug("Post data entry is not base64; keeping raw bytes.",
				zap.String("request_id", string(e.RequestID)), zap.Error(err))
			body.WriteString(entry.Bytes)
			continue
		}
		body.Write(decoded)
	}
	return body.String(), true
}

func flattenHeaders(h network.Headers) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = fmt.Sprint(v)
	}
	return out
}
