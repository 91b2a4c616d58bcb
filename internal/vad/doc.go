// Package vad classifies PCM frames as speech or silence with an RMS energy
// detector. Hysteresis counters turn frame classifications into speech start
// and speech end edges, and a short rolling buffer keeps the most recent frames
// so a new turn can be seeded with the audio that preceded the detected start.
package vad
