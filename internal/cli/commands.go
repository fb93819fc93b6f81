package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/coursesync/server/internal/models"
	"github.com/coursesync/server/internal/services"
)

var errSyncFailed = errors.New("some content could not be downloaded")

func newEntriesCmd() *cobra.Command {
	var (
		courseID  string
		courseIDs []string
	)
	cmd := &cobra.Command{
		Use:   "entries",
		Short: "List courses with their syncable tabs and files",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close()

			filter := services.AllCoursesFilter()
			switch {
			case len(courseIDs) > 0:
				filter = services.CourseIDsFilter(courseIDs...)
			case courseID != "":
				filter = services.CourseIDFilter(courseID)
			}

			ctx := cmd.Context()
			name, err := a.Lister.GetCourseName(ctx, filter)
			if err != nil {
				return err
			}
			entries, err := a.Lister.GetCourseSyncEntries(ctx, filter)
			if err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), name)
			return printEntries(cmd.OutOrStdout(), entries)
		},
	}
	cmd.Flags().StringVar(&courseID, "course-id", "", "Only this course")
	cmd.Flags().StringSliceVar(&courseIDs, "course-ids", nil, "Only the selected content of these courses")
	cmd.MarkFlagsMutuallyExclusive("course-id", "course-ids")
	return cmd
}

func newSelectCmd() *cobra.Command {
	var deselect bool
	cmd := &cobra.Command{
		Use:   "select <node-id>",
		Short: "Select a course, tab or file for offline use",
		Long: `Select a course, tab or file for offline use.

The node id is the id shown by "entries", e.g. courses/42,
courses/42/tabs/pages or courses/42/files/7.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sel, state, err := parseSelectArgs(args[0], deselect)
			if err != nil {
				return err
			}

			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close()

			entry, err := a.Lister.UpdateSelection(cmd.Context(), sel, state)
			if err != nil {
				return err
			}
			return printEntries(cmd.OutOrStdout(), []models.CourseSyncEntry{*entry})
		},
	}
	cmd.Flags().BoolVar(&deselect, "deselect", false, "Deselect instead")
	return cmd
}

func parseSelectArgs(record string, deselect bool) (models.CourseEntrySelection, models.SelectionState, error) {
	sel, err := models.ParseSelection(record)
	if err != nil {
		return models.CourseEntrySelection{}, "", fmt.Errorf("%q: %w", record, err)
	}
	state := models.SelectionSelected
	if deselect {
		state = models.SelectionDeselected
	}
	return sel, state, nil
}

func newSelectedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "selected",
		Short: "Show what the next sync downloads",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close()

			entries, err := a.Lister.GetSelectedCourseEntries(cmd.Context())
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "Nothing is selected for offline use.")
				return nil
			}
			return printEntries(cmd.OutOrStdout(), entries)
		},
	}
}

func newSyncCmd() *cobra.Command {
	var (
		courseIDs []string
		quiet     bool
	)
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Download the selected content",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := cmd.Context()
			if err := a.Recover(ctx); err != nil {
				return err
			}

			var plan []models.CourseSyncEntry
			if len(courseIDs) > 0 {
				plan, err = a.Lister.GetCourseSyncEntries(ctx, services.CourseIDsFilter(courseIDs...))
			} else {
				plan, err = a.Lister.GetSelectedCourseEntries(ctx)
			}
			if err != nil {
				return err
			}
			if len(plan) == 0 {
				return errors.New("nothing is selected for offline use")
			}

			var total int64
			for _, e := range plan {
				total += e.TotalSelectedSize()
			}

			watchCtx, stopWatch := context.WithCancel(ctx)
			watched := make(chan struct{})
			if quiet {
				close(watched)
			} else {
				bar := newProgressBar(total, fmt.Sprintf("Syncing %d courses", len(plan)))
				go func() {
					defer close(watched)
					for p := range a.Aggregator.ObserveDownloadProgress(watchCtx) {
						_ = bar.Set64(p.ClampedBytesDownloaded())
					}
					_ = bar.Finish()
				}()
			}

			progress, err := a.Downloader.DownloadContent(ctx, plan)
			stopWatch()
			<-watched
			if err != nil {
				return err
			}

			if progress.IsFailure() {
				fmt.Fprintln(cmd.OutOrStdout(), services.SyncFailureText)
				states, err := a.Tracker.GetStateProgress(ctx)
				if err != nil {
					return err
				}
				if err := printFailures(cmd.OutOrStdout(), states); err != nil {
					return err
				}
				return errSyncFailed
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", services.SyncSuccessText, services.DetailText(*progress))
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&courseIDs, "course-ids", nil, "Sync only these courses")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "No progress bar")
	return cmd
}

func newProgressBar(total int64, description string) *progressbar.ProgressBar {
	return progressbar.NewOptions64(total,
		progressbar.OptionSetDescription(description),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionShowBytes(true),
		progressbar.OptionSetWidth(50),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionOnCompletion(func() {
			fmt.Fprint(os.Stderr, "\n")
		}),
		progressbar.OptionSetRenderBlankState(true),
	)
}

func newProgressCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "progress",
		Short: "Show the progress of the last sync",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := cmd.Context()
			download, err := a.Aggregator.Get(ctx)
			if errors.Is(err, models.ErrDownloadProgressNotFound) {
				fmt.Fprintln(cmd.OutOrStdout(), "No sync has run yet.")
				return nil
			}
			if err != nil {
				return err
			}
			states, err := a.Tracker.GetStateProgress(ctx)
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			switch {
			case download.IsSuccess():
				fmt.Fprintln(w, services.SyncSuccessText)
			case download.IsFailure():
				fmt.Fprintln(w, services.SyncFailureText)
			default:
				fmt.Fprintln(w, services.StatusText(*download, states))
			}
			fmt.Fprintln(w, services.DetailText(*download))
			return printStates(w, states)
		},
	}
}

func newRecoverCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "recover",
		Short: "Mark a sync interrupted by a crash as failed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close()
			return a.Recover(cmd.Context())
		},
	}
}

func newCleanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clean <course-id>...",
		Short: "Remove the offline content of courses",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.Downloader.CleanContent(cmd.Context(), args); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed offline content of %d courses\n", len(args))
			return nil
		},
	}
}
