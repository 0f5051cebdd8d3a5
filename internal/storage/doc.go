// Package storage provides the key-value persistence boundary for
// workspace state.
//
// The Store interface is deliberately small: the workspace manager is the
// only writer of the session-list and active-session keys, and each
// session's snapshot key is written only while that session exists.
// Two implementations are provided:
//   - Memory: process-local, for tests and ephemeral runs
//   - File: one file per key under a root directory, values
//     gzip-compressed on disk
//
// Keys are flat strings with dotted namespaces (workspace.sessions,
// session.<id>.snapshot). Keys never expire; pruning is the caller's
// responsibility.
package storage
