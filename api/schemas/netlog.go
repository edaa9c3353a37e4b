// api/schemas/netlog.go
package schemas

import (
	"time"

	json "github.com/json-iterator/go"
)

// ResourceType is the category tag of a captured request.
type ResourceType string

const (
	ResourceTypeFetch ResourceType = "fetch"
	ResourceTypeXHR   ResourceType = "xhr"
)

// NetworkEventKind identifies which stage of a request an engine event describes.
type NetworkEventKind string

const (
	EventRequestStarted   NetworkEventKind = "request-started"
	EventResponseReceived NetworkEventKind = "response-received"
	EventRequestFailed    NetworkEventKind = "request-failed"
	EventLoadingFinished  NetworkEventKind = "loading-finished"
)

// NetworkEvent is the engine-neutral form of a browser network event. Which fields
// are populated depends on Kind.
type NetworkEvent struct {
	Kind      NetworkEventKind
	RequestID string

	// request-started
	Method       string
	URL          string
	ResourceType string // as reported by the engine, e.g. "Fetch", "XHR", "Image"
	Headers      map[string]string
	PostData     *string

	// response-received
	Status          int
	StatusText      string
	ResponseHeaders map[string]string

	// request-failed
	ErrorText string

	// loading-finished
	EncodedDataLength int64
}

// Outcome describes how far a LogEntry got.
type Outcome string

const (
	OutcomePending   Outcome = "pending"
	OutcomeResponded Outcome = "responded"
	OutcomeFailed    Outcome = "failed"
)

// LogEntry is one captured fetch/XHR exchange. Status and StatusText stay nil until
// a response arrives; an entry that never resolves keeps them nil.
type LogEntry struct {
	RequestID       string            `json:"request_id"`
	Timestamp       time.Time         `json:"timestamp"`
	Method          string            `json:"method"`
	URL             string            `json:"url"`
	ResourceType    ResourceType      `json:"resource_type"`
	Status          *int              `json:"status"`
	StatusText      *string           `json:"status_text"`
	RequestHeaders  map[string]string `json:"request_headers"`
	ResponseHeaders map[string]string `json:"response_headers"`
	PostData        *string           `json:"post_data,omitempty"`

	Failure          *string `json:"failure,omitempty"`
	DurationMS       float64 `json:"duration_ms"`
	GraphQLQueryID   string  `json:"graphql_query_id,omitempty"`
	GraphQLOperation string  `json:"graphql_operation,omitempty"`

	// SizeBytes is the encoded response size, known once loading finishes.
	// It is not part of the CSV export.
	SizeBytes *int64 `json:"size_bytes,omitempty"`
}

// Outcome reports whether the entry has been resolved, and how.
func (e LogEntry) Outcome() Outcome {
	switch {
	case e.Failure != nil:
		return OutcomeFailed
	case e.Status != nil:
		return OutcomeResponded
	default:
		return OutcomePending
	}
}

// Resolved is true once a response or a failure has been recorded.
func (e LogEntry) Resolved() bool {
	return e.Outcome() != OutcomePending
}

// Clone returns a deep copy so callers can hold entries without sharing maps or
// pointers with the store.
func (e LogEntry) Clone() LogEntry {
	out := e
	out.RequestHeaders = cloneHeaders(e.RequestHeaders)
	out.ResponseHeaders = cloneHeaders(e.ResponseHeaders)
	out.Status = clonePtr(e.Status)
	out.StatusText = clonePtr(e.StatusText)
	out.PostData = clonePtr(e.PostData)
	out.Failure = clonePtr(e.Failure)
	out.SizeBytes = clonePtr(e.SizeBytes)
	return out
}

func cloneHeaders(h map[string]string) map[string]string {
	if h == nil {
		return nil
	}
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// SessionState is the state of the session controller.
type SessionState string

const (
	SessionIdle     SessionState = "idle"
	SessionStarting SessionState = "starting"
	SessionRunning  SessionState = "running"
	SessionStopping SessionState = "stopping"
)

// SessionStatus is a point-in-time view of the controller and its active session.
// Session fields are zero when the controller is idle. On the wire durations are
// whole milliseconds and an unset StartedAt is omitted.
type SessionStatus struct {
	State      SessionState
	SessionID  string
	URL        string
	Headless   bool
	StartedAt  time.Time
	Duration   time.Duration
	Elapsed    time.Duration
	Remaining  time.Duration
	EntryCount int
	Reason     string
}

type sessionStatusJSON struct {
	State       SessionState `json:"state"`
	SessionID   string       `json:"session_id,omitempty"`
	URL         string       `json:"url,omitempty"`
	Headless    bool         `json:"headless"`
	StartedAt   *time.Time   `json:"started_at,omitempty"`
	DurationMS  int64        `json:"duration_ms"`
	ElapsedMS   int64        `json:"elapsed_ms"`
	RemainingMS int64        `json:"remaining_ms"`
	EntryCount  int          `json:"entry_count"`
	Reason      string       `json:"reason,omitempty"`
}

func (s SessionStatus) MarshalJSON() ([]byte, error) {
	out := sessionStatusJSON{
		State:       s.State,
		SessionID:   s.SessionID,
		URL:         s.URL,
		Headless:    s.Headless,
		DurationMS:  s.Duration.Milliseconds(),
		ElapsedMS:   s.Elapsed.Milliseconds(),
		RemainingMS: s.Remaining.Milliseconds(),
		EntryCount:  s.EntryCount,
		Reason:      s.Reason,
	}
	if !s.StartedAt.IsZero() {
		startedAt := s.StartedAt
		out.StartedAt = &startedAt
	}
	return json.ConfigCompatibleWithStandardLibrary.Marshal(out)
}

func (s *SessionStatus) UnmarshalJSON(data []byte) error {
	var in sessionStatusJSON
	if err := json.ConfigCompatibleWithStandardLibrary.Unmarshal(data, &in); err != nil {
		return err
	}
	*s = SessionStatus{
		State:      in.State,
		SessionID:  in.SessionID,
		URL:        in.URL,
		Headless:   in.Headless,
		Duration:   time.Duration(in.DurationMS) * time.Millisecond,
		Elapsed:    time.Duration(in.ElapsedMS) * time.Millisecond,
		Remaining:  time.Duration(in.RemainingMS) * time.Millisecond,
		EntryCount: in.EntryCount,
		Reason:     in.Reason,
	}
	if in.StartedAt != nil {
		s.StartedAt = *in.StartedAt
	}
	return nil
}

// NotificationType tags a live-update message.
type NotificationType string

const (
	NotifySession      NotificationType = "session"
	NotifyEntryCreated NotificationType = "entry_created"
	NotifyEntryUpdated NotificationType = "entry_updated"
)

// Notification is a best-effort live update for external observers.
type Notification struct {
	ID        string           `json:"id"`
	Type      NotificationType `json:"type"`
	Timestamp time.Time        `json:"timestamp"`
	Session   *SessionStatus   `json:"session,omitempty"`
	Entry     *LogEntry        `json:"entry,omitempty"`
}
