// Package command turns raw terminal input into command strings.
//
// Parse extracts the unit used for classification from one inbound chunk.
// Flatten splits a queued line into its statements for ticket display, and
// IsKeyword and Suggest recognise the governance keywords (SUBMIT, EXIT,
// QUIT) typed at the prompt.
package command
