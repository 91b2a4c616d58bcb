// Package refine polishes combined dictation transcripts with a chat
// completion model.
package refine
