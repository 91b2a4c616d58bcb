// Package transcript accumulates per-turn transcripts over a recording
// session. The Append policy concatenates turns and publishes the running
// text after every turn; the Refine policy buffers turns and, when recording
// stops, removes repeated sentences and hands the result to a refiner.
package transcript
