// internal/netlog/recorder.go
package netlog

import (
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/netlogger/api/schemas"
)

// ChangeKind says what a handled event did to the store.
type ChangeKind int

const (
	ChangeCreated ChangeKind = iota + 1
	ChangeUpdated
)

// Change is the store mutation produced by one engine event.
type Change struct {
	Kind  ChangeKind
	Entry schemas.LogEntry
}

// Recorder turns raw engine events into Store operations. It keeps no per-request
// state of its own; everything lives in the Store.
type Recorder struct {
	store  *Store
	logger *zap.Logger
	now    func() time.Time
}

// RecorderOption customizes a Recorder.
type RecorderOption func(*Recorder)

// WithClock overrides the time source used for entry timestamps and durations.
func WithClock(now func() time.Time) RecorderOption {
	return func(r *Recorder) { r.now = now }
}

// NewRecorder creates a recorder writing into store.
func NewRecorder(store *Store, logger *zap.Logger, opts ...RecorderOption) *Recorder {
	r := &Recorder{
		store:  store,
		logger: logger.Named("recorder"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Captured reports whether a resource type reported by the engine is one we log.
// chromedp reports "Fetch" and "XHR"; the comparison ignores case.
func Captured(resourceType string) (schemas.ResourceType, bool) {
	switch strings.ToLower(resourceType) {
	case string(schemas.ResourceTypeFetch):
		return schemas.ResourceTypeFetch, true
	case string(schemas.ResourceTypeXHR):
		return schemas.ResourceTypeXHR, true
	}
	return "", false
}

// Handle applies one event. The boolean is false when the event was dropped:
// a filtered resource type, an unknown request ID, or an already resolved entry.
// A loading-finished event only updates a responded entry that has no size yet.
func (r *Recorder) Handle(ev schemas.NetworkEvent) (Change, bool) {
	switch ev.Kind {
	case schemas.EventRequestStarted:
		return r.requestStarted(ev)
	case schemas.EventResponseReceived:
		return r.resolve(ev.RequestID, Resolution{
			Status:     ev.Status,
			StatusText: ev.StatusText,
			Headers:    ev.ResponseHeaders,
			At:         r.now(),
		})
	case schemas.EventRequestFailed:
		return r.resolve(ev.RequestID, Resolution{
			Failed:  true,
			Failure: ev.ErrorText,
			At:      r.now(),
		})
	case schemas.EventLoadingFinished:
		entry, ok := r.store.SetSize(ev.RequestID, ev.EncodedDataLength)
		if !ok {
			return Change{}, false
		}
		return Change{Kind: ChangeUpdated, Entry: entry}, true
	default:
		r.logger.Debug("Ignoring unknown network event kind.", zap.String("kind", string(ev.Kind)))
		return Change{}, false
	}
}

func (r *Recorder) requestStarted(ev schemas.NetworkEvent) (Change, bool) {
	rt, ok := Captured(ev.ResourceType)
	if !ok {
		return Change{}, false
	}

	headers := make(map[string]string, len(ev.Headers))
	for k, v := range ev.Headers {
		headers[k] = v
	}

	entry := schemas.LogEntry{
		RequestID:      ev.RequestID,
		Timestamp:      r.now(),
		Method:         ev.Method,
		URL:            ev.URL,
		ResourceType:   rt,
		RequestHeaders: headers,
	}
	if ev.PostData != nil {
		body := *ev.PostData
		entry.PostData = &body
		entry.GraphQLQueryID, entry.GraphQLOperation = graphQLFields(body)
	}

	stored, created := r.store.Append(entry)
	if !created {
		// Chrome reuses the request ID across redirect hops.
		r.logger.Debug("Request ID already recorded; treating as update.", zap.String("request_id", ev.RequestID))
		return Change{Kind: ChangeUpdated, Entry: stored}, true
	}
	r.logger.Debug("Captured request.",
		zap.String("request_id", ev.RequestID),
		zap.String("type", string(rt)),
		zap.String("method", ev.Method),
		zap.String("url", ev.URL),
	)
	return Change{Kind: ChangeCreated, Entry: stored}, true
}

func (r *Recorder) resolve(id string, res Resolution) (Change, bool) {
	entry, ok := r.store.Resolve(id, res)
	if !ok {
		return Change{}, false
	}
	if res.Failed {
		r.logger.Debug("Request failed.", zap.String("request_id", id), zap.String("error", res.Failure))
	}
	return Change{Kind: ChangeUpdated, Entry: entry}, true
}
