// Package stream manages dictation sessions. A Session binds one client
// connection to its voice activity detector, turn orchestrator and transcript
// accumulator; the Manager tracks sessions, enforces limits and expires idle
// connections.
package stream
