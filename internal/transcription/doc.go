// Package transcription connects dictation turns to speech-to-text services.
// A Client opens one Session per turn; audio is streamed into the session and,
// after end of input is signalled, transcript events are read until the
// service reports completion. Deepgram is used for live streaming and OpenAI
// for per-turn uploads. Both bound concurrent sessions and keep request
// statistics.
package transcription
