package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"

	"github.com/mediaplane/overseer/api"
)

func newTable(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 2, 4, 2, ' ', 0)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func colorState[S ~string](s S) string {
	switch string(s) {
	case string(api.JobSuccess), string(api.AnalystUp), string(api.Unlocked):
		return color.GreenString(string(s))
	case string(api.JobFailure), string(api.AnalystDown):
		return color.RedString(string(s))
	case string(api.JobCancelled), string(api.Locked):
		return color.YellowString(string(s))
	case string(api.TaskRunning), string(api.JobInProgress):
		return color.BlueString(string(s))
	default:
		return string(s)
	}
}

func ago(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return humanize.Time(t)
}

func progress(c api.TaskCounts) string {
	if c.Total() == 0 {
		return "-"
	}
	done := c.Success + c.Failure
	return fmt.Sprintf("%d/%d (%s)", done, c.Total(), humanize.FtoaWithDigits(100*float64(done)/float64(c.Total()), 1)+"%")
}
