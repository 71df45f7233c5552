package types

// Status represents the possible states of a phase or test run execution.
type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusPass    Status = "pass"
	StatusFail    Status = "fail"
	StatusError   Status = "error"
	StatusTimeout Status = "timeout"
	StatusSkipped Status = "skipped"
)

// Terminal returns true if the status is a terminal phase state.
func (s Status) Terminal() bool {
	switch s {
	case StatusPass, StatusFail, StatusError, StatusTimeout, StatusSkipped:
		return true
	}
	return false
}

// Severity orders terminal statuses for overall-status aggregation.
// Higher is worse. Skipped statuses carry no severity and are excluded
// from aggregation entirely.
func (s Status) Severity() int {
	switch s {
	case StatusError:
		return 4
	case StatusFail:
		return 3
	case StatusTimeout:
		return 2
	case StatusPass:
		return 1
	default:
		return 0
	}
}

// WorstOf aggregates phase statuses into an overall status.
// Skipped phases do not participate; a run where every phase was skipped
// (or with no phases at all) aggregates to skipped.
func WorstOf(statuses ...Status) Status {
	worst := StatusSkipped
	severity := 0
	for _, s := range statuses {
		if s == StatusSkipped {
			continue
		}
		if sev := s.Severity(); sev > severity {
			severity = sev
			worst = s
		}
	}
	return worst
}
