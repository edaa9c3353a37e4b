package netlog

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/netlogger/api/schemas"
)

// fakeClock hands out a fixed time that tests advance by hand.
type fakeClock struct {
	t time.Time
}

func (c *fakeClock) Now() time.Time { return c.t }

func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestRecorder(t *testing.T) (*Recorder, *Store, *fakeClock) {
	t.Helper()
	store := NewStore()
	clock := &fakeClock{t: baseTime}
	return NewRecorder(store, zaptest.NewLogger(t), WithClock(clock.Now)), store, clock
}

func started(id, resourceType string) schemas.NetworkEvent {
	return schemas.NetworkEvent{
		Kind:         schemas.EventRequestStarted,
		RequestID:    id,
		Method:       "GET",
		URL:          "https://app.example.com/api/" + id,
		ResourceType: resourceType,
		Headers:      map[string]string{"Accept": "*/*"},
	}
}

func responded(id string, status int, text string) schemas.NetworkEvent {
	return schemas.NetworkEvent{
		Kind:            schemas.EventResponseReceived,
		RequestID:       id,
		Status:          status,
		StatusText:      text,
		ResponseHeaders: map[string]string{"Content-Type": "application/json"},
	}
}

func TestRecorder_FiltersResourceTypes(t *testing.T) {
	for _, rt := range []string{"Image", "Stylesheet", "Document", "Script", "Font", "Other", ""} {
		t.Run(rt, func(t *testing.T) {
			rec, store, _ := newTestRecorder(t)
			_, ok := rec.Handle(started("1", rt))
			assert.False(t, ok)
			assert.Zero(t, store.Len())
		})
	}

	for _, rt := range []string{"Fetch", "XHR", "fetch", "xhr"} {
		t.Run(rt, func(t *testing.T) {
			rec, store, _ := newTestRecorder(t)
			change, ok := rec.Handle(started("1", rt))
			require.True(t, ok)
			assert.Equal(t, ChangeCreated, change.Kind)
			assert.Equal(t, 1, store.Len())
		})
	}
}

func TestRecorder_RequestStartedBuildsEntry(t *testing.T) {
	rec, _, _ := newTestRecorder(t)
	body := `{"query":"mutation Login($u: String!) { login(u: $u) { token } }"}`
	ev := started("42", "XHR")
	ev.Method = "POST"
	ev.PostData = &body

	change, ok := rec.Handle(ev)
	require.True(t, ok)

	e := change.Entry
	assert.Equal(t, "42", e.RequestID)
	assert.Equal(t, baseTime, e.Timestamp)
	assert.Equal(t, "POST", e.Method)
	assert.Equal(t, schemas.ResourceTypeXHR, e.ResourceType)
	assert.Equal(t, "*/*", e.RequestHeaders["Accept"])
	require.NotNil(t, e.PostData)
	assert.Equal(t, body, *e.PostData)
	assert.Equal(t, "Login", e.GraphQLOperation)
	assert.Equal(t, schemas.OutcomePending, e.Outcome())
}

func TestRecorder_PairsResponsesOutOfOrder(t *testing.T) {
	rec, store, clock := newTestRecorder(t)

	rec.Handle(started("A", "Fetch"))
	clock.Advance(10 * time.Millisecond)
	rec.Handle(started("B", "Fetch"))

	clock.Advance(40 * time.Millisecond)
	change, ok := rec.Handle(responded("B", 201, "Created"))
	require.True(t, ok)
	assert.Equal(t, ChangeUpdated, change.Kind)

	clock.Advance(50 * time.Millisecond)
	_, ok = rec.Handle(responded("A", 200, "OK"))
	require.True(t, ok)

	snap := store.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "A", snap[0].RequestID)
	assert.Equal(t, "B", snap[1].RequestID)
	for _, e := range snap {
		assert.Equal(t, schemas.OutcomeResponded, e.Outcome(), e.RequestID)
		assert.Equal(t, "application/json", e.ResponseHeaders["Content-Type"])
	}
	assert.Equal(t, 200, *snap[0].Status)
	assert.InDelta(t, 100.0, snap[0].DurationMS, 0.001)
	assert.Equal(t, 201, *snap[1].Status)
	assert.InDelta(t, 40.0, snap[1].DurationMS, 0.001)
}

func TestRecorder_ManyDistinctPairs(t *testing.T) {
	rec, store, _ := newTestRecorder(t)
	ids := []string{"1", "2", "3", "4", "5", "6", "7", "8"}
	for _, id := range ids {
		rec.Handle(started(id, "Fetch"))
	}
	// Resolve in reverse order.
	for i := len(ids) - 1; i >= 0; i-- {
		rec.Handle(responded(ids[i], 200, "OK"))
	}

	snap := store.Snapshot()
	require.Len(t, snap, len(ids))
	for i, e := range snap {
		assert.Equal(t, ids[i], e.RequestID)
		assert.True(t, e.Resolved())
	}
}

func TestRecorder_UnmatchedResponseIsNoop(t *testing.T) {
	rec, store, _ := newTestRecorder(t)

	_, ok := rec.Handle(responded("ghost", 200, "OK"))
	assert.False(t, ok)
	assert.Zero(t, store.Len())

	// A response for a filtered request is also dropped.
	rec.Handle(started("img", "Image"))
	_, ok = rec.Handle(responded("img", 200, "OK"))
	assert.False(t, ok)
	assert.Zero(t, store.Len())
}

func TestRecorder_RequestFailed(t *testing.T) {
	rec, store, _ := newTestRecorder(t)
	rec.Handle(started("A", "Fetch"))

	change, ok := rec.Handle(schemas.NetworkEvent{
		Kind:      schemas.EventRequestFailed,
		RequestID: "A",
		ErrorText: "net::ERR_NAME_NOT_RESOLVED",
	})
	require.True(t, ok)
	assert.Equal(t, schemas.OutcomeFailed, change.Entry.Outcome())

	// The first outcome wins.
	_, ok = rec.Handle(responded("A", 200, "OK"))
	assert.False(t, ok)

	e, _ := store.Get("A")
	assert.Nil(t, e.Status)
	assert.Equal(t, "net::ERR_NAME_NOT_RESOLVED", *e.Failure)

	_, ok = rec.Handle(schemas.NetworkEvent{Kind: schemas.EventRequestFailed, RequestID: "nope"})
	assert.False(t, ok)
}

func loadingFinished(id string, size int64) schemas.NetworkEvent {
	return schemas.NetworkEvent{Kind: schemas.EventLoadingFinished, RequestID: id, EncodedDataLength: size}
}

func TestRecorder_LoadingFinishedRecordsSize(t *testing.T) {
	rec, store, _ := newTestRecorder(t)
	rec.Handle(started("A", "Fetch"))

	// No response yet, so there is nothing to size.
	_, ok := rec.Handle(loadingFinished("A", 10))
	assert.False(t, ok)

	rec.Handle(responded("A", 200, "OK"))
	change, ok := rec.Handle(loadingFinished("A", 5120))
	require.True(t, ok)
	assert.Equal(t, ChangeUpdated, change.Kind)
	require.NotNil(t, change.Entry.SizeBytes)
	assert.Equal(t, int64(5120), *change.Entry.SizeBytes)

	// The first size sticks.
	_, ok = rec.Handle(loadingFinished("A", 1))
	assert.False(t, ok)

	e, _ := store.Get("A")
	require.NotNil(t, e.SizeBytes)
	assert.Equal(t, int64(5120), *e.SizeBytes)
	assert.Equal(t, 200, *e.Status)
}

func TestRecorder_LoadingFinishedIgnoresUnknownAndFailed(t *testing.T) {
	rec, store, _ := newTestRecorder(t)

	_, ok := rec.Handle(loadingFinished("ghost", 100))
	assert.False(t, ok)

	rec.Handle(started("F", "XHR"))
	rec.Handle(schemas.NetworkEvent{Kind: schemas.EventRequestFailed, RequestID: "F", ErrorText: "net::ERR_ABORTED"})
	_, ok = rec.Handle(loadingFinished("F", 100))
	assert.False(t, ok)

	e, _ := store.Get("F")
	assert.Nil(t, e.SizeBytes)
}

func TestRecorder_ClearMidFlight(t *testing.T) {
	rec, store, _ := newTestRecorder(t)
	rec.Handle(started("A", "Fetch"))
	store.Clear()

	_, ok := rec.Handle(responded("A", 200, "OK"))
	assert.False(t, ok)
	assert.Empty(t, store.Snapshot())
}

func TestGraphQLFields(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		wantID     string
		wantOpName string
	}{
		{"persisted id", `{"id":"abc123","variables":{}}`, "abc123", "abc123"},
		{"queryId", `{"queryId":"q-9"}`, "q-9", "q-9"},
		{"numeric id", `{"id":17}`, "17", "17"},
		{"large numeric id", `{"id": 12345678}`, "12345678", "12345678"},
		{"zero id falls through to query", `{"id":0,"query":"query Foo{a}"}`, "", "Foo"},
		{"empty id falls through to queryId", `{"id":"","queryId":"q"}`, "q", "q"},
		{"null id", `{"id":null,"query_id":"snake"}`, "snake", "snake"},
		{"object id ignored", `{"id":{"x":1},"query":"mutation Save { s }"}`, "", "Save"},
		{"named query", `{"query":"query GetUser { user { id } }"}`, "", "GetUser"},
		{"subscription", `{"query":"subscription OnEvent { e }"}`, "", "OnEvent"},
		{"anonymous query", `{"query":"{ user { id } }"}`, "", ""},
		{"not json", `a=1&b=2`, "", ""},
		{"json array", `[{"id":"x"}]`, "", ""},
		{"broken json", `{"id":`, "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, op := graphQLFields(tt.body)
			assert.Equal(t, tt.wantID, id)
			assert.Equal(t, tt.wantOpName, op)
		})
	}
}
