package agent

import (
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/testkit-dev/testkit/internal/harness"
)

// slowestCommandCount bounds the slow-command section of the summary.
const slowestCommandCount = 5

var summaryHeader = table.Row{"Outcome", "Count"}

// printSummary renders the per-outcome counts and the slowest commands
// after a run.
func printSummary(results []*harness.TestCase, elapsed time.Duration) {
	counts := make(map[harness.Expectation]int)
	failures := 0
	var outputs []*harness.CommandOutput
	for _, tc := range results {
		outcome := tc.Outcome()
		counts[outcome]++
		if !tc.Succeeded() {
			failures++
		}
		for _, cmd := range tc.Commands {
			if out, ok := tc.Output(cmd); ok {
				outputs = append(outputs, out)
			}
		}
	}

	fmt.Fprintln(os.Stdout)
	fmt.Fprintln(os.Stdout, "Summary ->")

	t := table.NewWriter()
	t.AppendHeader(summaryHeader)
	keys := make([]harness.Expectation, 0, len(counts))
	for outcome := range counts {
		keys = append(keys, outcome)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	for _, outcome := range keys {
		t.AppendRow(table.Row{outcome.String(), counts[outcome]})
	}
	t.AppendFooter(table.Row{"Total", len(results)})
	fmt.Fprintln(os.Stdout, t.Render())

	if len(outputs) > 0 {
		sort.Slice(outputs, func(i, j int) bool {
			return outputs[i].Duration > outputs[j].Duration
		})
		if len(outputs) > slowestCommandCount {
			outputs = outputs[:slowestCommandCount]
		}
		slow := table.NewWriter()
		slow.AppendHeader(table.Row{"Slowest Commands", "Duration"})
		seen := make(map[string]bool)
		for _, out := range outputs {
			if seen[out.Command.Key()] {
				continue
			}
			seen[out.Command.Key()] = true
			slow.AppendRow(table.Row{out.Command.DisplayName, out.Duration.Round(time.Millisecond)})
		}
		fmt.Fprintln(os.Stdout, slow.Render())
	}

	fmt.Fprintf(os.Stdout, "Failures: %d, elapsed: %s\n", failures, elapsed.Round(time.Millisecond))
}
