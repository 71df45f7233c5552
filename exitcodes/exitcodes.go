// Package exitcodes defines the standard exit codes used by cell-sequencer.
package exitcodes

// Exit code constants used by cell-sequencer
// These constants define the exit codes that the application uses to
// indicate various states when it exits:
//
// * Success (0): Used when every run finished with a passing record
// * TestFailure (1): Used when one or more runs failed
// * RuntimeErr (2): Used for runtime errors such as panics or configuration failures
const (
	Success     = 0 // All runs pass
	TestFailure = 1 // Run failures
	RuntimeErr  = 2 // Runtime errors or timeouts
)
