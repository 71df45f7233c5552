// Package output provides reference output callbacks for finished test
// records.
package output

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/factorykit/cell-sequencer/seq"
	"github.com/factorykit/cell-sequencer/types"
)

// JSONFile returns an output callback that serializes each test record to
// its own JSON document under dir. The filename is derived from the run's
// identifying fields as "<dut_id>.<start_time_millis>.json". Statuses are
// rendered as their symbolic names and captured errors as plain strings,
// both already guaranteed by the record's JSON shape.
func JSONFile(dir string) seq.OutputCallback {
	return func(rec types.TestRecord) error {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating record directory: %w", err)
		}
		name := fmt.Sprintf("%s.%d.json", sanitize(rec.DUTID), rec.StartTimeMillis)
		data, err := json.MarshalIndent(rec, "", "  ")
		if err != nil {
			return fmt.Errorf("encoding test record %s: %w", rec.RunID, err)
		}
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return fmt.Errorf("writing test record %s: %w", rec.RunID, err)
		}
		return nil
	}
}

// sanitize keeps DUT identifiers filesystem-safe.
func sanitize(s string) string {
	if s == "" {
		return "unknown"
	}
	out := make([]rune, 0, len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			out = append(out, r)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}
