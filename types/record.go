package types

import (
	"time"
)

// MeasurementOutcome indicates whether a recorded measurement satisfied
// its declared limits.
type MeasurementOutcome string

const (
	MeasurementPass        MeasurementOutcome = "pass"
	MeasurementFail        MeasurementOutcome = "fail"
	MeasurementUnvalidated MeasurementOutcome = "unvalidated"
)

// Measurement is a single measured value captured during a phase.
type Measurement struct {
	Name    string             `json:"name"`
	Value   float64            `json:"value"`
	Units   string             `json:"units,omitempty"`
	Minimum *float64           `json:"minimum,omitempty"`
	Maximum *float64           `json:"maximum,omitempty"`
	Outcome MeasurementOutcome `json:"outcome"`
}

// Attachment is an arbitrary blob captured during a phase.
// Data is base64-encoded when serialized to JSON.
type Attachment struct {
	Name     string `json:"name"`
	MimeType string `json:"mime_type,omitempty"`
	Data     []byte `json:"data"`
}

// PhaseOutcome captures the result of a single phase execution.
// Outcomes are appended once per phase execution and never mutated after.
// Error is a rendered string rather than an error value so the outcome
// serializes cleanly.
type PhaseOutcome struct {
	Name         string                 `json:"name"`
	Status       Status                 `json:"status"`
	StartTime    time.Time              `json:"start_time"`
	EndTime      time.Time              `json:"end_time"`
	Duration     time.Duration          `json:"duration_ns"`
	Measurements map[string]Measurement `json:"measurements,omitempty"`
	Attachments  []Attachment           `json:"attachments,omitempty"`
	Error        string                 `json:"error,omitempty"`
}

// TestRecord is the finalized result of one test run on one cell.
// It is produced once per completed (or aborted) run, is immutable after
// finalization, and ownership passes to output callbacks.
type TestRecord struct {
	RunID           string            `json:"run_id"`
	CellID          int               `json:"cell_id"`
	DUTID           string            `json:"dut_id"`
	StationID       string            `json:"station_id"`
	TestName        string            `json:"test_name"`
	StartTime       time.Time         `json:"start_time"`
	EndTime         time.Time         `json:"end_time"`
	StartTimeMillis int64             `json:"start_time_millis"`
	Phases          []PhaseOutcome    `json:"phases"`
	Status          Status            `json:"status"`
	Aborted         bool              `json:"aborted,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// RecordStats tracks phase counts for a finished record.
type RecordStats struct {
	Total    int
	Passed   int
	Failed   int
	Errored  int
	TimedOut int
	Skipped  int
}

// Stats counts the record's phase outcomes by status.
func (r TestRecord) Stats() RecordStats {
	var stats RecordStats
	for _, p := range r.Phases {
		stats.Total++
		switch p.Status {
		case StatusPass:
			stats.Passed++
		case StatusFail:
			stats.Failed++
		case StatusError:
			stats.Errored++
		case StatusTimeout:
			stats.TimedOut++
		case StatusSkipped:
			stats.Skipped++
		}
	}
	return stats
}

// Duration returns the wall-clock duration of the run.
func (r TestRecord) Duration() time.Duration {
	return r.EndTime.Sub(r.StartTime)
}

// RunMetadata identifies a running station. It is persisted to the run
// directory before any cell starts executing.
type RunMetadata struct {
	TestName  string    `json:"test_name"`
	CellCount int       `json:"cell_count"`
	StationID string    `json:"station_id"`
	Version   string    `json:"version"`
	Host      string    `json:"host"`
	Port      int       `json:"port"`
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"started_at"`
}
