// internal/browser/engine.go
package browser

import (
	"context"

	"github.com/xkilldash9x/netlogger/api/schemas"
)

// Engine launches an instrumented browser page.
type Engine interface {
	// Launch starts a browser process with one page and enables network
	// instrumentation on it. The returned Page owns the process.
	Launch(ctx context.Context, headless bool) (Page, error)
}

// Page is a single instrumented tab.
type Page interface {
	// Navigate issues a navigation to url and returns without waiting for the load.
	Navigate(ctx context.Context, url string) error
	// Listen registers fn for network events. Events are delivered sequentially.
	// The returned detach func stops delivery; after it returns fn is not called again.
	Listen(fn func(schemas.NetworkEvent)) (detach func())
	// Close shuts the page and its browser process down. Safe to call more than once.
	Close(ctx context.Context) error
	// Done is closed when the page goes away, whether by Close or because the
	// browser exited on its own.
	Done() <-chan struct{}
}
