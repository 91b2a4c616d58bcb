// Package prompt builds the instruction texts sent to the transcription and
// refinement collaborators.
package prompt
