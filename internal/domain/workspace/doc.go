// Package workspace orchestrates the set of research sessions: creation,
// activation, deletion, metadata propagation from running streams, and
// synchronization with both the persistence store and the navigable
// location.
//
// The manager is the sole writer of the session-list and active-session
// keys, and the only component allowed to write a session's snapshot key,
// which lets it guarantee that no snapshot write lands after the
// session's deletion purged it. Operations on unknown session ids are
// silent no-ops; they are expected under stale-callback races, not
// programming errors.
package workspace
