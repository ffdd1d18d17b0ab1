// Package permission classifies commands and identities for the session
// governor.
//
// A command is safe-listed when, after trimming, it starts with a configured
// prefix followed by whitespace or the end of the string. Matching is
// case-sensitive: with "ls" configured, "ls -la" passes while "lsx" and "LS"
// do not.
//
// Usernames matching any NHI glob pattern (doublestar syntax, case
// insensitive) are flagged as non-human identities. The flag is recorded for
// audit and has no effect on governance.
//
// The Classifier swaps its rules atomically, so the Watcher can reload the
// configuration file while sessions keep classifying.
package permission
