package workspace

import (
	"strings"
	"sync"
)

// Reserved non-session routes for the auxiliary views.
const (
	RouteLibrary  = "/library"
	RouteSettings = "/settings"

	// DefaultRoute is where the workspace lands when no session is
	// addressable.
	DefaultRoute = RouteLibrary

	sessionRoutePrefix = "/research/"
)

// SessionRoute returns the navigable path for a session, making it
// independently addressable and bookmarkable.
func SessionRoute(id string) string {
	return sessionRoutePrefix + id
}

// SessionIDFromRoute extracts the session id from a path. The second
// result is false for reserved and unknown paths.
func SessionIDFromRoute(path string) (string, bool) {
	if IsReservedRoute(path) {
		return "", false
	}
	id := strings.TrimPrefix(path, sessionRoutePrefix)
	if id == path || id == "" || strings.Contains(id, "/") {
		return "", false
	}
	return id, true
}

// IsReservedRoute reports whether path is one of the auxiliary views.
func IsReservedRoute(path string) bool {
	return path == RouteLibrary || path == RouteSettings
}

// Navigator keeps the navigable location in sync with the workspace.
// Pushing a location must never remount the active session's view; it is
// a history update, not a route transition.
type Navigator interface {
	Push(path string)
	Current() string
}

// History is an in-memory Navigator. It backs tests and headless runs,
// and mirrors what a browser history adapter would do.
type History struct {
	mu    sync.Mutex
	stack []string
}

// NewHistory creates a history positioned at the default route.
func NewHistory() *History {
	return &History{stack: []string{DefaultRoute}}
}

// Push appends a location. Pushing the current location is a no-op so
// repeated activations do not pile up history entries.
func (h *History) Push(path string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.stack) > 0 && h.stack[len(h.stack)-1] == path {
		return
	}
	h.stack = append(h.stack, path)
}

// Current returns the present location.
func (h *History) Current() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stack[len(h.stack)-1]
}

// Entries returns a copy of the full history, oldest first.
func (h *History) Entries() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, len(h.stack))
	copy(out, h.stack)
	return out
}
