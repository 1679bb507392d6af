package sim

import (
	"encoding/csv"
	"io"
	"strconv"
)

// WriteCSV writes one header row followed by one row per Result
// (SPEC_FULL.md §6: "columns: n, f, batch_size, blocks produced, total
// rounds, wall-clock"), grounded on original_source/src/simulation's CSV
// report format.
func WriteCSV(w io.Writer, results []Result) error {
	cw := csv.NewWriter(w)
	defer cw.Flush()

	header := []string{"run_id", "n", "f", "batch_size", "blocks_produced", "total_rounds", "wall_clock_ms", "timed_out"}
	if err := cw.Write(header); err != nil {
		return err
	}
	for _, r := range results {
		row := []string{
			r.RunID,
			strconv.Itoa(r.N),
			strconv.Itoa(r.F),
			strconv.Itoa(r.BatchSize),
			strconv.FormatUint(r.BlocksProduced, 10),
			strconv.FormatUint(r.TotalRounds, 10),
			strconv.FormatInt(r.WallClock.Milliseconds(), 10),
			strconv.FormatBool(r.TimedOut),
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	return cw.Error()
}
