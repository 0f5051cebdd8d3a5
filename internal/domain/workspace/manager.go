package workspace

import (
	"encoding/json"
	"sync"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/paperscope/backend/internal/domain/stream"
	"github.com/paperscope/backend/internal/infrastructure/monitoring"
	"github.com/paperscope/backend/internal/shared/id"
	"github.com/paperscope/backend/internal/storage"
)

// Session is one independent unit of research work.
type Session struct {
	ID        string `json:"id"`
	Title     string `json:"title,omitempty"`
	IsLoading bool   `json:"is_loading"`
	SeedInput string `json:"seed_input,omitempty"`
}

// persistedSession is the durable shape: only sessions that have
// produced a title are written, so the restored workspace never contains
// a dangling, unstartable entry.
type persistedSession struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

// EventKind discriminates workspace events pushed to view adapters.
type EventKind string

const (
	EventWorkspaceChanged EventKind = "workspace_changed"
	EventStreamStatus     EventKind = "stream_status"
	EventStreamMessage    EventKind = "stream_message"
)

// Event is a read-only notification for view adapters.
type Event struct {
	Kind      EventKind       `json:"kind"`
	SessionID string          `json:"session_id,omitempty"`
	Status    stream.Status   `json:"status,omitempty"`
	Message   *stream.Message `json:"message,omitempty"`
}

// Manager orchestrates the set of sessions. It owns at most one
// StreamConsumer per session and is the only writer of the session-list,
// active-session, and snapshot keys in the store.
type Manager struct {
	mu           sync.RWMutex
	sessions     []*Session
	activeID     string
	consumers    map[string]*stream.Consumer
	targets      map[string]stream.Target
	store        storage.Store
	nav          Navigator
	logger       *zap.Logger
	metrics      *monitoring.Metrics
	streamClient *resty.Client
	observer     func(Event)
}

// NewManager creates a workspace manager. A nil navigator gets an
// in-memory history; a nil logger is replaced with a no-op one.
func NewManager(store storage.Store, nav Navigator, logger *zap.Logger) *Manager {
	if nav == nil {
		nav = NewHistory()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		consumers: make(map[string]*stream.Consumer),
		targets:   make(map[string]stream.Target),
		store:     store,
		nav:       nav,
		logger:    logger,
	}
}

// WithMetrics adds metrics tracking to the manager
func (m *Manager) WithMetrics(metrics *monitoring.Metrics) *Manager {
	m.metrics = metrics
	return m
}

// WithStreamClient sets the HTTP client handed to new StreamConsumers.
func (m *Manager) WithStreamClient(client *resty.Client) *Manager {
	m.streamClient = client
	return m
}

// SetObserver installs the view-adapter notification hook. Events are
// delivered without the manager lock held.
func (m *Manager) SetObserver(fn func(Event)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observer = fn
}

// Restore rebuilds the workspace from the store. When restoration yields
// zero sessions, exactly one default session is synthesized and
// activated.
func (m *Manager) Restore() {
	m.mu.Lock()

	if data, ok, err := m.store.Get(storage.SessionListKey); err == nil && ok {
		var persisted []persistedSession
		if err := json.Unmarshal(data, &persisted); err != nil {
			m.logger.Warn("discarding unreadable session list", zap.Error(err))
		} else {
			for _, p := range persisted {
				if p.ID == "" {
					continue
				}
				m.sessions = append(m.sessions, &Session{ID: p.ID, Title: p.Title})
			}
		}
	}

	if data, ok, err := m.store.Get(storage.ActiveSessionKey); err == nil && ok {
		if m.findLocked(string(data)) != nil {
			m.activeID = string(data)
		}
	}
	if m.activeID == "" && len(m.sessions) > 0 {
		m.activeID = m.sessions[0].ID
	}

	if len(m.sessions) == 0 {
		s := &Session{ID: string(id.NewSessionID())}
		m.sessions = append(m.sessions, s)
		m.activeID = s.ID
	}

	route := SessionRoute(m.activeID)
	count := len(m.sessions)
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.SetSessionsLive(count)
	}
	m.nav.Push(route)
	m.emit(Event{Kind: EventWorkspaceChanged})
	m.logger.Info("workspace restored", zap.Int("sessions", count))
}

// CreateSession allocates a fresh session, appends it, and activates it.
func (m *Manager) CreateSession(seedInput string) string {
	m.mu.Lock()
	s := &Session{ID: string(id.NewSessionID()), SeedInput: seedInput}
	m.sessions = append(m.sessions, s)
	m.activeID = s.ID
	m.persistSessionsLocked()
	m.persistActiveLocked()
	count := len(m.sessions)
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.IncSessionsCreated()
		m.metrics.SetSessionsLive(count)
	}
	m.nav.Push(SessionRoute(s.ID))
	m.emit(Event{Kind: EventWorkspaceChanged, SessionID: s.ID})
	m.logger.Info("session created", zap.String("session_id", s.ID))
	return s.ID
}

// ActivateSession makes id the active session and updates the location.
// A missing id still updates the location but changes nothing else;
// callers are expected to validate existence for UX.
func (m *Manager) ActivateSession(sessionID string) {
	m.mu.Lock()
	if m.findLocked(sessionID) != nil {
		m.activeID = sessionID
		m.persistActiveLocked()
	}
	m.mu.Unlock()

	m.nav.Push(SessionRoute(sessionID))
	m.emit(Event{Kind: EventWorkspaceChanged, SessionID: sessionID})
}

// DeleteSession removes a session, purges its persisted snapshot, and
// cancels its stream. If the deleted session was active, the immediately
// preceding session in list order is activated, then the following one;
// when the list empties, one default session is synthesized and the
// location falls back to the default view.
func (m *Manager) DeleteSession(sessionID string) {
	m.mu.Lock()
	idx := -1
	for i, s := range m.sessions {
		if s.ID == sessionID {
			idx = i
			break
		}
	}
	if idx < 0 {
		m.mu.Unlock()
		return
	}

	consumer := m.consumers[sessionID]
	delete(m.consumers, sessionID)
	delete(m.targets, sessionID)

	m.sessions = append(m.sessions[:idx], m.sessions[idx+1:]...)
	if err := m.store.Delete(storage.SnapshotKey(sessionID)); err != nil {
		m.logger.Warn("failed to purge session snapshot",
			zap.String("session_id", sessionID), zap.Error(err))
	}

	var nextRoute string
	if m.activeID == sessionID {
		switch {
		case len(m.sessions) == 0:
			s := &Session{ID: string(id.NewSessionID())}
			m.sessions = append(m.sessions, s)
			m.activeID = s.ID
			nextRoute = DefaultRoute
		case idx > 0:
			m.activeID = m.sessions[idx-1].ID
			nextRoute = SessionRoute(m.activeID)
		default:
			m.activeID = m.sessions[0].ID
			nextRoute = SessionRoute(m.activeID)
		}
	}

	m.persistSessionsLocked()
	m.persistActiveLocked()
	count := len(m.sessions)
	m.mu.Unlock()

	// Reset outside the lock: consumer callbacks re-enter the manager,
	// and their session id no longer resolves anyway.
	if consumer != nil {
		consumer.Reset()
	}
	if m.metrics != nil {
		m.metrics.IncSessionsDeleted()
		m.metrics.SetSessionsLive(count)
	}
	if nextRoute != "" {
		m.nav.Push(nextRoute)
	}
	m.emit(Event{Kind: EventWorkspaceChanged, SessionID: sessionID})
	m.logger.Info("session deleted", zap.String("session_id", sessionID))
}

// Location returns the current navigable location.
func (m *Manager) Location() string {
	return m.nav.Current()
}

// Sessions returns copies of all sessions in list order.
func (m *Manager) Sessions() []Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Session, len(m.sessions))
	for i, s := range m.sessions {
		out[i] = *s
	}
	return out
}

// ActiveID returns the active session id.
func (m *Manager) ActiveID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.activeID
}

// Get returns a copy of the session with the given id.
func (m *Manager) Get(sessionID string) (Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if s := m.findLocked(sessionID); s != nil {
		return *s, true
	}
	return Session{}, false
}

// ReportLoading propagates a stream-derived loading flag. Unknown ids
// are ignored; stale callbacks after deletion are expected.
func (m *Manager) ReportLoading(sessionID string, isLoading bool) {
	m.mu.Lock()
	s := m.findLocked(sessionID)
	if s == nil || s.IsLoading == isLoading {
		m.mu.Unlock()
		return
	}
	s.IsLoading = isLoading
	m.persistSessionsLocked()
	m.persistActiveLocked()
	loading := m.loadingCountLocked()
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.SetStreamsActive(loading)
	}
	m.emit(Event{Kind: EventWorkspaceChanged, SessionID: sessionID})
}

// ReportTitle propagates a stream-derived title. Empty titles never
// blank an existing one, and unknown ids are ignored.
func (m *Manager) ReportTitle(sessionID string, title string) {
	if title == "" {
		return
	}
	m.mu.Lock()
	s := m.findLocked(sessionID)
	if s == nil {
		m.mu.Unlock()
		return
	}
	s.Title = title
	m.persistSessionsLocked()
	m.persistActiveLocked()
	m.mu.Unlock()

	m.emit(Event{Kind: EventWorkspaceChanged, SessionID: sessionID})
}

// SaveSnapshot stores a session's opaque view snapshot. It is sequenced
// under the manager lock so a snapshot write can never land after
// DeleteSession purged the key.
func (m *Manager) SaveSnapshot(sessionID string, snapshot []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.findLocked(sessionID) == nil {
		return
	}
	if err := m.store.Set(storage.SnapshotKey(sessionID), snapshot); err != nil {
		m.logger.Warn("failed to persist session snapshot",
			zap.String("session_id", sessionID), zap.Error(err))
	}
}

// LoadSnapshot returns a session's persisted view snapshot.
func (m *Manager) LoadSnapshot(sessionID string) ([]byte, bool) {
	data, ok, err := m.store.Get(storage.SnapshotKey(sessionID))
	if err != nil {
		m.logger.Warn("failed to read session snapshot",
			zap.String("session_id", sessionID), zap.Error(err))
		return nil, false
	}
	return data, ok
}

// StartStream binds the session's consumer to a stream target, creating
// the consumer on first use. The session goes loading immediately.
func (m *Manager) StartStream(sessionID string, target stream.Target) bool {
	m.mu.Lock()
	s := m.findLocked(sessionID)
	if s == nil {
		m.mu.Unlock()
		return false
	}

	consumer, ok := m.consumers[sessionID]
	if !ok {
		consumer = stream.NewConsumer(m.streamClient, m.logger)
		sid := sessionID
		consumer.SetCallbacks(stream.Callbacks{
			OnStatus:   func(status stream.Status) { m.onStreamStatus(sid, status) },
			OnMessage:  func(msg stream.Message) { m.onStreamMessage(sid, msg) },
			OnComplete: func() { m.onStreamComplete(sid) },
		})
		m.consumers[sessionID] = consumer
	}
	m.targets[sessionID] = target
	m.mu.Unlock()

	// Bind outside the lock: it fires OnStatus, which re-enters the
	// manager through ReportLoading.
	consumer.Bind(target)
	return true
}

// StopStream resets the session's consumer, closing its connection.
func (m *Manager) StopStream(sessionID string) {
	m.mu.Lock()
	consumer := m.consumers[sessionID]
	delete(m.targets, sessionID)
	m.mu.Unlock()

	if consumer != nil {
		consumer.Reset()
	}
}

// StreamFor exposes the read-only consumer for view adapters.
func (m *Manager) StreamFor(sessionID string) (*stream.Consumer, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	consumer, ok := m.consumers[sessionID]
	return consumer, ok
}

// SetSidebarOpen persists the auxiliary panel toggle.
func (m *Manager) SetSidebarOpen(open bool) {
	value := "false"
	if open {
		value = "true"
	}
	if err := m.store.Set(storage.SidebarKey, []byte(value)); err != nil {
		m.logger.Warn("failed to persist sidebar state", zap.Error(err))
	}
}

// SidebarOpen reads the auxiliary panel toggle.
func (m *Manager) SidebarOpen() bool {
	data, ok, err := m.store.Get(storage.SidebarKey)
	if err != nil || !ok {
		return false
	}
	return string(data) == "true"
}

// PruneSnapshots deletes persisted snapshots whose session no longer
// exists and returns how many were removed.
func (m *Manager) PruneSnapshots() int {
	keys, err := m.store.Keys(storage.SnapshotPattern)
	if err != nil {
		m.logger.Warn("failed to scan snapshot keys", zap.Error(err))
		return 0
	}

	m.mu.RLock()
	live := make(map[string]bool, len(m.sessions))
	for _, s := range m.sessions {
		live[storage.SnapshotKey(s.ID)] = true
	}
	m.mu.RUnlock()

	pruned := 0
	for _, key := range keys {
		if live[key] {
			continue
		}
		if err := m.store.Delete(key); err != nil {
			m.logger.Warn("failed to prune snapshot", zap.String("key", key), zap.Error(err))
			continue
		}
		pruned++
	}
	if pruned > 0 {
		m.logger.Info("pruned orphaned snapshots", zap.Int("count", pruned))
	}
	return pruned
}

// Close tears down every stream as part of shutdown.
func (m *Manager) Close() {
	m.mu.Lock()
	consumers := make([]*stream.Consumer, 0, len(m.consumers))
	for _, c := range m.consumers {
		consumers = append(consumers, c)
	}
	m.mu.Unlock()

	for _, c := range consumers {
		c.Reset()
	}
}

// onStreamStatus maps consumer lifecycle transitions onto the session's
// loading flag.
func (m *Manager) onStreamStatus(sessionID string, status stream.Status) {
	loading := status == stream.StatusConnecting || status == stream.StatusStreaming
	m.ReportLoading(sessionID, loading)
	m.emit(Event{Kind: EventStreamStatus, SessionID: sessionID, Status: status})
}

func (m *Manager) onStreamMessage(sessionID string, msg stream.Message) {
	if m.metrics != nil {
		m.metrics.RecordStreamMessage(string(msg.Type))
	}
	m.emit(Event{Kind: EventStreamMessage, SessionID: sessionID, Message: &msg})
}

// onStreamComplete derives a title for still-untitled sessions from the
// stream target, making the session eligible for persistence.
func (m *Manager) onStreamComplete(sessionID string) {
	m.mu.RLock()
	s := m.findLocked(sessionID)
	target, hasTarget := m.targets[sessionID]
	untitled := s != nil && s.Title == ""
	m.mu.RUnlock()

	if !untitled || !hasTarget {
		return
	}
	m.ReportTitle(sessionID, deriveTitle(target))
}

// deriveTitle picks a human-readable label from the target parameters.
func deriveTitle(target stream.Target) string {
	for _, key := range []string{"query", "topic", "paper_url", "url"} {
		if value := target.Parameters.Get(key); value != "" {
			return value
		}
	}
	return "Research"
}

// findLocked returns the session pointer for id, or nil. Callers hold mu.
func (m *Manager) findLocked(sessionID string) *Session {
	for _, s := range m.sessions {
		if s.ID == sessionID {
			return s
		}
	}
	return nil
}

func (m *Manager) loadingCountLocked() int {
	count := 0
	for _, s := range m.sessions {
		if s.IsLoading {
			count++
		}
	}
	return count
}

// persistSessionsLocked writes the filtered session list. Sessions that
// are mid-load or untitled are excluded; they would restore as dangling,
// unstartable entries.
func (m *Manager) persistSessionsLocked() {
	persisted := make([]persistedSession, 0, len(m.sessions))
	for _, s := range m.sessions {
		if s.Title == "" || s.IsLoading {
			continue
		}
		persisted = append(persisted, persistedSession{ID: s.ID, Title: s.Title})
	}

	data, err := json.Marshal(persisted)
	if err != nil {
		m.logger.Error("failed to encode session list", zap.Error(err))
		return
	}
	if err := m.store.Set(storage.SessionListKey, data); err != nil {
		m.logger.Warn("failed to persist session list", zap.Error(err))
	}
}

// persistActiveLocked writes the active id only when its session is
// titled and not loading, so a reload never restores onto a
// half-initialized session.
func (m *Manager) persistActiveLocked() {
	s := m.findLocked(m.activeID)
	if s == nil || s.Title == "" || s.IsLoading {
		return
	}
	if err := m.store.Set(storage.ActiveSessionKey, []byte(m.activeID)); err != nil {
		m.logger.Warn("failed to persist active session", zap.Error(err))
	}
}

func (m *Manager) emit(event Event) {
	m.mu.RLock()
	observer := m.observer
	m.mu.RUnlock()
	if observer != nil {
		observer(event)
	}
}
