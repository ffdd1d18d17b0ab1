// Package session implements the per-connection governance state machine.
//
// A Governor sits between one client stream and one destination stream.
// Inbound chunks are parsed and classified: safe-listed commands are
// forwarded in pass-through mode, and the first command that is not safe
// switches the session to batch audit mode. In batch audit mode commands are
// queued until the submit keyword hands them to the analyzer and the ticket
// registry. The ticket's resolution either replays the queued raw bytes in
// order or discards them, and returns the session to pass-through mode.
//
// The exit keywords close the session from either mode. Non-command input
// such as control keys is always forwarded untouched.
package session
