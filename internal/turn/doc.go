// Package turn drives the per-connection speech turn lifecycle.
//
// An Orchestrator feeds incoming frames to a voice activity detector. A
// speech start opens a transcription session seeded with the detector's most
// recent frames; a speech end, or Stop, finalizes the turn: the session is
// drained, the transcript is macro-expanded and handed to the connection's
// accumulator, and the session is released. At most one turn is live at a
// time.
package turn
