// Package server exposes the dictation WebSocket endpoint and the HTTP
// monitoring API (health, sessions, stats, configuration, schema and
// Prometheus metrics).
package server
