package sequencer

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/ethereum/go-ethereum/log"

	"github.com/factorykit/cell-sequencer/types"
)

// reporter collects finished test records and prints a per-run results
// table to the console. It is registered as an output callback before the
// cells start, so records from different cells may arrive interleaved.
type reporter struct {
	log log.Logger

	mu      sync.Mutex
	records []types.TestRecord
}

func newReporter(logger log.Logger) *reporter {
	return &reporter{log: logger}
}

// Record implements the output callback contract.
func (r *reporter) Record(rec types.TestRecord) error {
	r.mu.Lock()
	r.records = append(r.records, rec)
	r.mu.Unlock()

	r.printRecordTable(rec)
	return nil
}

// OverallStatus aggregates the worst status seen across all collected
// records, using the same severity ordering as phase aggregation.
func (r *reporter) OverallStatus() types.Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	statuses := make([]types.Status, 0, len(r.records))
	for _, rec := range r.records {
		statuses = append(statuses, rec.Status)
	}
	return types.WorstOf(statuses...)
}

// Records returns the collected records.
func (r *reporter) Records() []types.TestRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]types.TestRecord, len(r.records))
	copy(out, r.records)
	return out
}

// printRecordTable prints one finished run's phase outcomes.
func (r *reporter) printRecordTable(rec types.TestRecord) {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetTitle(fmt.Sprintf("Cell %d: %s - DUT %s (%s)",
		rec.CellID, rec.TestName, rec.DUTID, formatDuration(rec.Duration())))

	t.AppendHeader(table.Row{
		"Phase", "Duration", "Measurements", "Status", "Error",
	})
	t.SetColumnConfigs([]table.ColumnConfig{
		{Name: "Phase", WidthMax: 40, WidthMaxEnforcer: text.WrapSoft},
		{Name: "Duration", Align: text.AlignRight},
		{Name: "Measurements", Align: text.AlignRight},
		{Name: "Error", WidthMax: 80, WidthMaxEnforcer: text.WrapSoft},
	})

	for _, p := range rec.Phases {
		t.AppendRow(table.Row{
			p.Name,
			formatDuration(p.Duration),
			len(p.Measurements),
			getResultString(p.Status),
			p.Error,
		})
	}

	switch rec.Status {
	case types.StatusPass:
		t.SetStyle(table.StyleColoredBlackOnGreenWhite)
	case types.StatusSkipped:
		t.SetStyle(table.StyleColoredBlackOnYellowWhite)
	default:
		t.SetStyle(table.StyleColoredBlackOnRedWhite)
	}

	stats := rec.Stats()
	t.AppendFooter(table.Row{
		"TOTAL",
		formatDuration(rec.Duration()),
		stats.Total,
		getResultString(rec.Status),
		"",
	})

	t.Render()
}

// getResultString returns a short string representing a status
func getResultString(status types.Status) string {
	switch status {
	case types.StatusPass:
		return "✓ pass"
	case types.StatusSkipped:
		return "- skip"
	case types.StatusTimeout:
		return "✗ timeout"
	case types.StatusError:
		return "✗ error"
	default:
		return "✗ fail"
	}
}

// formatDuration formats the duration to seconds with 1 decimal place
func formatDuration(d time.Duration) string {
	return fmt.Sprintf("%.1fs", d.Seconds())
}
