package cli

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/dustin/go-humanize"

	"github.com/coursesync/server/internal/models"
)

// printEntries renders courses as an indented tree, one node per line
func printEntries(w io.Writer, entries []models.CourseSyncEntry) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", e.Name, e.SelectionState, e.ID)
		for _, tab := range e.Tabs {
			fmt.Fprintf(tw, "  %s\t%s\t%s\n", tab.Name, tab.SelectionState, tab.ID)
		}
		for _, f := range e.Files {
			fmt.Fprintf(tw, "    %s (%s)\t%s\t%s\n", f.DisplayName, humanize.Bytes(uint64(max(f.BytesToDownload, 0))), f.SelectionState, f.ID)
		}
	}
	return tw.Flush()
}

// printStates renders the lifecycle record of every node
func printStates(w io.Writer, states []models.CourseSyncStateProgress) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, s := range states {
		fmt.Fprintf(tw, "%s\t%s\n", s.ID, describeState(s.State))
	}
	return tw.Flush()
}

// printFailures renders only the nodes that ended in error
func printFailures(w io.Writer, states []models.CourseSyncStateProgress) error {
	var failed []models.CourseSyncStateProgress
	for _, s := range states {
		if s.State.Kind == models.SyncStateError {
			failed = append(failed, s)
		}
	}
	return printStates(w, failed)
}

func describeState(s models.CourseSyncState) string {
	switch s.Kind {
	case models.SyncStateLoading:
		if s.Progress != nil {
			return fmt.Sprintf("loading %.0f%%", *s.Progress*100)
		}
	case models.SyncStateError:
		if s.Message != "" {
			return "error: " + s.Message
		}
	}
	return string(s.Kind)
}
