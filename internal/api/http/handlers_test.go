package http

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paperscope/backend/internal/domain/workspace"
	"github.com/paperscope/backend/internal/storage"
)

func newTestRouter(t *testing.T, upstreamBase string) (*gin.Engine, *workspace.Manager) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	manager := workspace.NewManager(storage.NewMemory(), workspace.NewHistory(), nil)
	t.Cleanup(manager.Close)
	manager.Restore()

	handlers := NewHandlers(manager, nil, nil, upstreamBase)

	router := gin.New()
	router.GET("/", handlers.Root)
	router.GET("/health", handlers.Health)
	router.GET("/workspace", handlers.GetWorkspace)
	router.PUT("/workspace/sidebar", handlers.SetSidebar)
	router.POST("/sessions", handlers.CreateSession)
	router.POST("/sessions/:id/activate", handlers.ActivateSession)
	router.DELETE("/sessions/:id", handlers.DeleteSession)
	router.GET("/sessions/:id/snapshot", handlers.GetSnapshot)
	router.PUT("/sessions/:id/snapshot", handlers.PutSnapshot)
	router.POST("/snapshots/prune", handlers.PruneSnapshots)
	router.POST("/sessions/:id/stream", handlers.BindStream)
	router.DELETE("/sessions/:id/stream", handlers.StopStream)
	router.GET("/sessions/:id/messages", handlers.GetMessages)
	return router, manager
}

func doJSON(router *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestRootAndHealth(t *testing.T) {
	router, _ := newTestRouter(t, "http://localhost:9000")

	w := doJSON(router, http.MethodGet, "/", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "online", decode(t, w)["status"])

	w = doJSON(router, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, "healthy", body["status"])
	assert.EqualValues(t, 1, body["sessions"])
}

func TestGetWorkspace(t *testing.T) {
	router, manager := newTestRouter(t, "http://localhost:9000")

	w := doJSON(router, http.MethodGet, "/workspace", nil)
	require.Equal(t, http.StatusOK, w.Code)

	body := decode(t, w)
	assert.Equal(t, manager.ActiveID(), body["active_id"])
	assert.Equal(t, workspace.SessionRoute(manager.ActiveID()), body["location"])
	assert.Equal(t, false, body["sidebar_open"])
	assert.Len(t, body["sessions"], 1)
}

func TestCreateSession(t *testing.T) {
	router, manager := newTestRouter(t, "http://localhost:9000")

	w := doJSON(router, http.MethodPost, "/sessions", map[string]string{"seed_input": "scaling laws"})
	require.Equal(t, http.StatusCreated, w.Code)

	body := decode(t, w)
	session := body["session"].(map[string]any)
	assert.Equal(t, manager.ActiveID(), session["id"])
	assert.Equal(t, "scaling laws", session["seed_input"])
	assert.Len(t, manager.Sessions(), 2)
}

func TestActivateSessionNotFound(t *testing.T) {
	router, _ := newTestRouter(t, "http://localhost:9000")

	w := doJSON(router, http.MethodPost, "/sessions/sess_unknown/activate", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestDeleteSession(t *testing.T) {
	router, manager := newTestRouter(t, "http://localhost:9000")
	id := manager.CreateSession("")

	w := doJSON(router, http.MethodDelete, "/sessions/"+id, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotEqual(t, id, decode(t, w)["active_id"])

	w = doJSON(router, http.MethodDelete, "/sessions/"+id, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSnapshotRoundTrip(t *testing.T) {
	router, manager := newTestRouter(t, "http://localhost:9000")
	id := manager.ActiveID()

	w := doJSON(router, http.MethodGet, "/sessions/"+id+"/snapshot", nil)
	assert.Equal(t, http.StatusNotFound, w.Code, "no snapshot saved yet")

	w = doJSON(router, http.MethodPut, "/sessions/"+id+"/snapshot", map[string]int{"scroll": 42})
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(router, http.MethodGet, "/sessions/"+id+"/snapshot", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"scroll":42}`, w.Body.String())
}

func TestBindStreamValidation(t *testing.T) {
	router, manager := newTestRouter(t, "http://localhost:9000")
	id := manager.ActiveID()

	w := doJSON(router, http.MethodPost, "/sessions/"+id+"/stream", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, w.Code, "path is required")

	w = doJSON(router, http.MethodPost, "/sessions/"+id+"/stream", map[string]any{"path": "research"})
	assert.Equal(t, http.StatusBadRequest, w.Code, "path must be absolute")

	w = doJSON(router, http.MethodPost, "/sessions/sess_unknown/stream", map[string]any{"path": "/research"})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestBindStreamAndReadMessages(t *testing.T) {
	upstreamSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/research/stream", r.URL.Path)
		assert.Equal(t, "scaling laws", r.URL.Query().Get("query"))
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		fmt.Fprint(w, "data: {\"type\":\"content\",\"content\":\"Loss falls as a power law.\"}\n\n")
		fmt.Fprint(w, "data: {\"type\":\"complete\"}\n\n")
		flusher.Flush()
	}))
	defer upstreamSrv.Close()

	router, manager := newTestRouter(t, upstreamSrv.URL)
	id := manager.ActiveID()

	w := doJSON(router, http.MethodPost, "/sessions/"+id+"/stream", map[string]any{
		"path":   "/research/stream",
		"params": map[string][]string{"query": {"scaling laws"}},
	})
	require.Equal(t, http.StatusAccepted, w.Code)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		w = doJSON(router, http.MethodGet, "/sessions/"+id+"/messages", nil)
		require.Equal(t, http.StatusOK, w.Code)
		if decode(t, w)["status"] == "complete" {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	body := decode(t, w)
	assert.Equal(t, "complete", body["status"])
	assert.Equal(t, "Loss falls as a power law.", body["content"])
	assert.Len(t, body["messages"], 2)
}

func TestStopStream(t *testing.T) {
	router, manager := newTestRouter(t, "http://localhost:9000")
	id := manager.ActiveID()

	w := doJSON(router, http.MethodDelete, "/sessions/"+id+"/stream", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = doJSON(router, http.MethodDelete, "/sessions/sess_unknown/stream", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestMessagesWithoutStream(t *testing.T) {
	router, manager := newTestRouter(t, "http://localhost:9000")
	id := manager.ActiveID()

	w := doJSON(router, http.MethodGet, "/sessions/"+id+"/messages", nil)
	require.Equal(t, http.StatusOK, w.Code)

	body := decode(t, w)
	assert.Equal(t, "idle", body["status"])
	assert.Empty(t, body["messages"])
}

func TestSidebar(t *testing.T) {
	router, manager := newTestRouter(t, "http://localhost:9000")

	w := doJSON(router, http.MethodPut, "/workspace/sidebar", map[string]bool{"open": true})
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, manager.SidebarOpen())
}

func TestPruneSnapshots(t *testing.T) {
	router, manager := newTestRouter(t, "http://localhost:9000")
	manager.SaveSnapshot(manager.ActiveID(), []byte("{}"))

	w := doJSON(router, http.MethodPost, "/snapshots/prune", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 0, decode(t, w)["pruned"])
}
