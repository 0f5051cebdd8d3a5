// Package stream turns a raw server-sent-event research stream into a
// typed, observable sequence of messages.
//
// The package has two halves:
//   - the codec: Decode parses one event payload into a Message and never
//     fails (malformed payloads become synthetic error messages)
//   - the Consumer: owns at most one physical connection, accumulates
//     messages in arrival order, and walks the lifecycle
//     idle → connecting → streaming → {complete | error}
//
// The Consumer never persists anything and never retries on its own;
// re-running a stream is a caller decision because the upstream agent
// work is expensive and partially stateful.
package stream
