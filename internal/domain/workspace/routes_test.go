package workspace

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSessionRouteRoundTrip(t *testing.T) {
	route := SessionRoute("sess_42")
	assert.Equal(t, "/research/sess_42", route)

	id, ok := SessionIDFromRoute(route)
	assert.True(t, ok)
	assert.Equal(t, "sess_42", id)
}

func TestSessionIDFromRouteRejections(t *testing.T) {
	cases := []string{
		RouteLibrary,
		RouteSettings,
		"/research/",
		"/research/a/b",
		"/other/sess_1",
		"",
	}
	for _, path := range cases {
		_, ok := SessionIDFromRoute(path)
		assert.False(t, ok, "path %q should not yield a session id", path)
	}
}

func TestIsReservedRoute(t *testing.T) {
	assert.True(t, IsReservedRoute(RouteLibrary))
	assert.True(t, IsReservedRoute(RouteSettings))
	assert.False(t, IsReservedRoute("/research/sess_1"))
}

func TestHistoryDedupesConsecutivePushes(t *testing.T) {
	h := NewHistory()
	h.Push("/research/sess_1")
	h.Push("/research/sess_1")
	h.Push(RouteLibrary)

	assert.Equal(t, RouteLibrary, h.Current())
	assert.Equal(t, []string{DefaultRoute, "/research/sess_1", RouteLibrary}, h.Entries())
}
