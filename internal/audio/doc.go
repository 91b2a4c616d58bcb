// Package audio handles PCM frame helpers, WAV encoding and the background
// writer that persists finished turns to disk.
package audio
