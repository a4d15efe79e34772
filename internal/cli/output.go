package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/schollz/progressbar/v3"

	"github.com/utkarsh5026/mpifanout/fanout"
)

var (
	bold  = color.New(color.Bold)
	green = color.New(color.FgGreen)
	red   = color.New(color.FgRed)
)

func newProgressBar(w io.Writer, batches int) *progressbar.ProgressBar {
	return progressbar.NewOptions(batches,
		progressbar.OptionSetDescription("Running batches"),
		progressbar.OptionSetWriter(w),
		progressbar.OptionSetWidth(40),
		progressbar.OptionShowCount(),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "█",
			SaucerHead:    "█",
			SaucerPadding: "░",
			BarStart:      "|",
			BarEnd:        "|",
		}),
		progressbar.OptionThrottle(65*time.Millisecond),
		progressbar.OptionClearOnFinish(),
	)
}

// rankTotals sums the per-rank share of every batch.
func rankTotals(stats []fanout.BatchStats) []fanout.RankStats {
	var totals []fanout.RankStats
	for _, b := range stats {
		if totals == nil {
			totals = make([]fanout.RankStats, len(b.PerRank))
			for r := range totals {
				totals[r].Rank = r
			}
		}
		for r, s := range b.PerRank {
			totals[r].Tasks += s.Tasks
			totals[r].Failed += s.Failed
			totals[r].Elapsed += s.Elapsed
		}
	}
	return totals
}

// renderSummary prints one row per rank and a footer line for the run.
func renderSummary(w io.Writer, stats []fanout.BatchStats) {
	if len(stats) == 0 {
		return
	}

	var tasks, failed int
	var elapsed time.Duration
	for _, b := range stats {
		tasks += b.Tasks
		failed += b.Failed
		elapsed += b.Elapsed
	}

	_, _ = bold.Fprintf(w, "\nPer-rank summary (%d batches)\n", len(stats))

	table := tablewriter.NewWriter(w)
	table.Header("Rank", "Role", "Tasks", "Failed", "Busy")
	for _, r := range rankTotals(stats) {
		role := "worker"
		if r.Rank == 0 {
			role = "master"
		}
		_ = table.Append(
			fmt.Sprintf("%d", r.Rank),
			role,
			fmt.Sprintf("%d", r.Tasks),
			fmt.Sprintf("%d", r.Failed),
			r.Elapsed.Round(time.Microsecond).String(),
		)
	}
	_ = table.Render()

	status := green
	if failed > 0 {
		status = red
	}
	_, _ = status.Fprintf(w, "%d tasks, %d failed, %s total\n", tasks, failed, elapsed.Round(time.Millisecond))
}
