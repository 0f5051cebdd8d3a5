package workspace

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paperscope/backend/internal/domain/stream"
	"github.com/paperscope/backend/internal/storage"
)

func newTestManager(t *testing.T) (*Manager, *storage.Memory, *History) {
	t.Helper()
	store := storage.NewMemory()
	nav := NewHistory()
	m := NewManager(store, nav, nil)
	t.Cleanup(m.Close)
	return m, store, nav
}

func waitFor(t *testing.T, check func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if check() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", what)
}

func persistedList(t *testing.T, store *storage.Memory) []persistedSession {
	t.Helper()
	data, ok, err := store.Get(storage.SessionListKey)
	require.NoError(t, err)
	if !ok {
		return nil
	}
	var out []persistedSession
	require.NoError(t, json.Unmarshal(data, &out))
	return out
}

func TestRestoreEmptyStoreSynthesizesDefault(t *testing.T) {
	m, _, nav := newTestManager(t)
	m.Restore()

	sessions := m.Sessions()
	require.Len(t, sessions, 1)
	assert.Empty(t, sessions[0].Title)
	assert.Equal(t, sessions[0].ID, m.ActiveID())
	assert.Equal(t, SessionRoute(sessions[0].ID), nav.Current())
}

func TestRestoreFromStore(t *testing.T) {
	m, store, nav := newTestManager(t)
	list, _ := json.Marshal([]persistedSession{
		{ID: "sess_a", Title: "Attention"},
		{ID: "sess_b", Title: "Memory Networks"},
	})
	store.Set(storage.SessionListKey, list)
	store.Set(storage.ActiveSessionKey, []byte("sess_b"))

	m.Restore()

	sessions := m.Sessions()
	require.Len(t, sessions, 2)
	assert.Equal(t, "sess_b", m.ActiveID())
	assert.Equal(t, SessionRoute("sess_b"), nav.Current())
}

func TestRestoreUnknownActiveFallsBackToFirst(t *testing.T) {
	m, store, _ := newTestManager(t)
	list, _ := json.Marshal([]persistedSession{{ID: "sess_a", Title: "Attention"}})
	store.Set(storage.SessionListKey, list)
	store.Set(storage.ActiveSessionKey, []byte("sess_gone"))

	m.Restore()

	assert.Equal(t, "sess_a", m.ActiveID())
}

func TestRestoreCorruptListSynthesizesDefault(t *testing.T) {
	m, store, _ := newTestManager(t)
	store.Set(storage.SessionListKey, []byte("{not json"))

	m.Restore()

	assert.Len(t, m.Sessions(), 1)
}

func TestCreateSessionActivates(t *testing.T) {
	m, _, nav := newTestManager(t)
	m.Restore()

	id := m.CreateSession("transformer scaling laws")

	assert.Equal(t, id, m.ActiveID())
	assert.Equal(t, SessionRoute(id), nav.Current())
	s, ok := m.Get(id)
	require.True(t, ok)
	assert.Equal(t, "transformer scaling laws", s.SeedInput)
	assert.Empty(t, s.Title)
	assert.Len(t, m.Sessions(), 2)
}

func TestActivateSession(t *testing.T) {
	m, _, nav := newTestManager(t)
	m.Restore()
	first := m.ActiveID()
	second := m.CreateSession("")

	m.ActivateSession(first)
	assert.Equal(t, first, m.ActiveID())
	assert.Equal(t, SessionRoute(first), nav.Current())

	m.ActivateSession("sess_unknown")
	assert.Equal(t, first, m.ActiveID(), "unknown id must not change the active session")
	_ = second
}

func TestDeleteActivatesPredecessor(t *testing.T) {
	m, _, nav := newTestManager(t)
	m.Restore()
	a := m.ActiveID()
	b := m.CreateSession("")
	c := m.CreateSession("")

	m.DeleteSession(c)

	assert.Equal(t, b, m.ActiveID())
	assert.Equal(t, SessionRoute(b), nav.Current())
	_ = a
}

func TestDeleteFirstActivatesSuccessor(t *testing.T) {
	m, _, _ := newTestManager(t)
	m.Restore()
	a := m.ActiveID()
	b := m.CreateSession("")

	m.ActivateSession(a)
	m.DeleteSession(a)

	assert.Equal(t, b, m.ActiveID())
}

func TestDeleteNonActiveKeepsActive(t *testing.T) {
	m, _, nav := newTestManager(t)
	m.Restore()
	a := m.ActiveID()
	b := m.CreateSession("")

	before := len(nav.Entries())
	m.DeleteSession(a)

	assert.Equal(t, b, m.ActiveID())
	assert.Len(t, nav.Entries(), before, "deleting a background session must not navigate")
}

func TestDeleteLastSynthesizesDefault(t *testing.T) {
	m, _, nav := newTestManager(t)
	m.Restore()
	only := m.ActiveID()

	m.DeleteSession(only)

	sessions := m.Sessions()
	require.Len(t, sessions, 1)
	assert.NotEqual(t, only, sessions[0].ID)
	assert.Equal(t, sessions[0].ID, m.ActiveID())
	assert.Equal(t, DefaultRoute, nav.Current())
}

func TestDeletePurgesSnapshot(t *testing.T) {
	m, store, _ := newTestManager(t)
	m.Restore()
	id := m.CreateSession("")
	m.SaveSnapshot(id, []byte(`{"scroll":120}`))

	m.DeleteSession(id)

	_, ok, err := store.Get(storage.SnapshotKey(id))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDeleteUnknownIsNoOp(t *testing.T) {
	m, _, _ := newTestManager(t)
	m.Restore()

	m.DeleteSession("sess_unknown")

	assert.Len(t, m.Sessions(), 1)
}

func TestReportTitlePersists(t *testing.T) {
	m, store, _ := newTestManager(t)
	m.Restore()
	id := m.ActiveID()

	m.ReportTitle(id, "Paper A")

	s, _ := m.Get(id)
	assert.Equal(t, "Paper A", s.Title)

	list := persistedList(t, store)
	require.Len(t, list, 1)
	assert.Equal(t, "Paper A", list[0].Title)

	active, ok, _ := store.Get(storage.ActiveSessionKey)
	require.True(t, ok)
	assert.Equal(t, id, string(active))
}

func TestReportTitleEmptyIsNoOp(t *testing.T) {
	m, _, _ := newTestManager(t)
	m.Restore()
	id := m.ActiveID()
	m.ReportTitle(id, "Paper A")

	m.ReportTitle(id, "")

	s, _ := m.Get(id)
	assert.Equal(t, "Paper A", s.Title)
}

func TestReportTitleStaleIDIsNoOp(t *testing.T) {
	m, store, _ := newTestManager(t)
	m.Restore()
	id := m.CreateSession("")
	m.DeleteSession(id)

	m.ReportTitle(id, "Late Title")
	m.ReportLoading(id, true)

	for _, s := range m.Sessions() {
		assert.NotEqual(t, "Late Title", s.Title)
		assert.False(t, s.IsLoading)
	}
	assert.Empty(t, persistedList(t, store))
}

func TestPersistenceExcludesLoadingAndUntitled(t *testing.T) {
	m, store, _ := newTestManager(t)
	m.Restore()
	titled := m.ActiveID()
	m.ReportTitle(titled, "Paper A")
	loading := m.CreateSession("")
	m.ReportTitle(loading, "Paper B")
	m.ReportLoading(loading, true)
	m.CreateSession("") // untitled

	list := persistedList(t, store)
	require.Len(t, list, 1)
	assert.Equal(t, titled, list[0].ID)
}

func TestActiveNotPersistedWhileLoading(t *testing.T) {
	m, store, _ := newTestManager(t)
	m.Restore()
	stable := m.ActiveID()
	m.ReportTitle(stable, "Paper A")

	loading := m.CreateSession("")
	m.ReportLoading(loading, true)
	m.ReportTitle(loading, "Paper B")

	active, ok, _ := store.Get(storage.ActiveSessionKey)
	require.True(t, ok)
	assert.Equal(t, stable, string(active), "a loading active session must not be persisted as active")
}

func TestSnapshotRoundTrip(t *testing.T) {
	m, _, _ := newTestManager(t)
	m.Restore()
	id := m.ActiveID()

	m.SaveSnapshot(id, []byte(`{"scroll":42}`))

	data, ok := m.LoadSnapshot(id)
	require.True(t, ok)
	assert.JSONEq(t, `{"scroll":42}`, string(data))
}

func TestSaveSnapshotAfterDeleteIsNoOp(t *testing.T) {
	m, store, _ := newTestManager(t)
	m.Restore()
	id := m.CreateSession("")
	m.DeleteSession(id)

	m.SaveSnapshot(id, []byte(`{"scroll":42}`))

	_, ok, _ := store.Get(storage.SnapshotKey(id))
	assert.False(t, ok, "snapshot write must not land after deletion")
}

func TestPruneSnapshots(t *testing.T) {
	m, store, _ := newTestManager(t)
	m.Restore()
	live := m.ActiveID()
	m.SaveSnapshot(live, []byte("{}"))
	store.Set(storage.SnapshotKey("sess_gone"), []byte("{}"))

	pruned := m.PruneSnapshots()

	assert.Equal(t, 1, pruned)
	_, ok, _ := store.Get(storage.SnapshotKey(live))
	assert.True(t, ok)
	_, ok, _ = store.Get(storage.SnapshotKey("sess_gone"))
	assert.False(t, ok)
}

func TestSidebarRoundTrip(t *testing.T) {
	m, _, _ := newTestManager(t)

	assert.False(t, m.SidebarOpen())
	m.SetSidebarOpen(true)
	assert.True(t, m.SidebarOpen())
	m.SetSidebarOpen(false)
	assert.False(t, m.SidebarOpen())
}

func sseResearchServer(t *testing.T, events []string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, event := range events {
			fmt.Fprintf(w, "data: %s\n\n", event)
			flusher.Flush()
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestStartStreamEndToEnd(t *testing.T) {
	srv := sseResearchServer(t, []string{
		`{"type":"status","status":"starting","message":"Starting research"}`,
		`{"type":"content","content":"Scaling laws hold."}`,
		`{"type":"complete"}`,
	})

	m, _, _ := newTestManager(t)
	m.Restore()
	id := m.ActiveID()

	var mu sync.Mutex
	var sawLoading bool
	m.SetObserver(func(e Event) {
		if e.Kind != EventWorkspaceChanged {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		if s, ok := m.Get(id); ok && s.IsLoading {
			sawLoading = true
		}
	})

	ok := m.StartStream(id, stream.Target{
		Endpoint:   srv.URL + "/research",
		Parameters: url.Values{"query": {"scaling laws"}},
	})
	require.True(t, ok)

	waitFor(t, func() bool {
		s, ok := m.Get(id)
		return ok && !s.IsLoading && s.Title != ""
	}, "stream completion")

	mu.Lock()
	assert.True(t, sawLoading, "session should have gone loading while streaming")
	mu.Unlock()

	s, _ := m.Get(id)
	assert.Equal(t, "scaling laws", s.Title, "title derives from the query parameter")

	consumer, ok := m.StreamFor(id)
	require.True(t, ok)
	assert.Equal(t, stream.StatusComplete, consumer.Status())
	assert.Equal(t, "Scaling laws hold.", consumer.Content())
}

func TestStartStreamKeepsExistingTitle(t *testing.T) {
	srv := sseResearchServer(t, []string{`{"type":"complete"}`})

	m, _, _ := newTestManager(t)
	m.Restore()
	id := m.ActiveID()
	m.ReportTitle(id, "Paper A")

	require.True(t, m.StartStream(id, stream.Target{
		Endpoint:   srv.URL + "/research",
		Parameters: url.Values{"query": {"something else"}},
	}))

	waitFor(t, func() bool {
		consumer, ok := m.StreamFor(id)
		return ok && consumer.Status() == stream.StatusComplete
	}, "stream completion")

	s, _ := m.Get(id)
	assert.Equal(t, "Paper A", s.Title)
}

func TestStartStreamUnknownSession(t *testing.T) {
	m, _, _ := newTestManager(t)
	m.Restore()

	ok := m.StartStream("sess_unknown", stream.Target{Endpoint: "http://localhost:1/x"})
	assert.False(t, ok)
}

func TestStopStreamResetsConsumer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		fmt.Fprint(w, "data: {\"type\":\"status\",\"status\":\"browsing\",\"message\":\"Reading\"}\n\n")
		flusher.Flush()
		<-r.Context().Done()
	}))
	defer srv.Close()

	m, _, _ := newTestManager(t)
	m.Restore()
	id := m.ActiveID()

	require.True(t, m.StartStream(id, stream.Target{Endpoint: srv.URL + "/research"}))
	waitFor(t, func() bool {
		consumer, ok := m.StreamFor(id)
		return ok && consumer.Status() == stream.StatusStreaming
	}, "stream start")

	m.StopStream(id)

	consumer, ok := m.StreamFor(id)
	require.True(t, ok)
	waitFor(t, func() bool { return consumer.Status() == stream.StatusIdle }, "consumer reset")

	s, _ := m.Get(id)
	assert.False(t, s.IsLoading)
}

func TestObserverReceivesStreamMessages(t *testing.T) {
	srv := sseResearchServer(t, []string{
		`{"type":"source","url":"https://arxiv.org/abs/2001.08361","title":"Scaling Laws"}`,
		`{"type":"complete"}`,
	})

	m, _, _ := newTestManager(t)
	m.Restore()
	id := m.ActiveID()

	var mu sync.Mutex
	var sources []string
	m.SetObserver(func(e Event) {
		if e.Kind == EventStreamMessage && e.Message != nil && e.Message.Type == stream.TypeSource {
			mu.Lock()
			sources = append(sources, e.Message.URL)
			mu.Unlock()
		}
	})

	require.True(t, m.StartStream(id, stream.Target{Endpoint: srv.URL + "/research"}))

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(sources) == 1
	}, "source event")

	mu.Lock()
	assert.Equal(t, "https://arxiv.org/abs/2001.08361", sources[0])
	mu.Unlock()
}
