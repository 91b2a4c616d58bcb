// Package protocol defines the dictation control channel: JSON control
// messages sent by the client, the events sent back to it, and the Sender
// abstraction each transport implements to deliver those events.
package protocol
