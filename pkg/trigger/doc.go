// Package trigger implements the rule-matching side-effect mechanism: a
// compiled table of (regex, shell command) pairs is evaluated against every
// outgoing GCode line, and matching rules spawn detached subprocesses
// tracked for graceful shutdown draining.
package trigger
