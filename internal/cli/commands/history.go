package commands

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/xeonx/timeago"

	"github.com/alvesdmateus/dock/internal/builder"
	"github.com/alvesdmateus/dock/internal/state"
)

func newHistoryCommand(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Inspect recorded builds",
		Args:  cobra.NoArgs,
	}
	cmd.AddCommand(newHistoryListCommand(opts), newHistoryShowCommand(opts))
	return cmd
}

func newHistoryListCommand(opts *options) *cobra.Command {
	var (
		status string
		limit  int
		quiet  bool
	)

	cmd := &cobra.Command{
		Use:     "list",
		Short:   "List recorded builds, newest first",
		Aliases: []string{"ls"},
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDatabase(opts.cfg)
			if err != nil {
				return err
			}
			defer closeDatabase(db)

			tracker := builder.NewTracker(state.NewRepository(db))
			builds, err := tracker.ListBuilds(cmd.Context(), strings.ToUpper(status), limit, 0)
			if err != nil {
				return err
			}

			if quiet {
				for _, b := range builds {
					fmt.Fprintln(opts.stdout, b.ID)
				}
				return nil
			}
			return printBuildList(opts.stdout, builds)
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "only builds in this status (queued, building, completed, failed)")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of builds to list")
	cmd.Flags().BoolVar(&quiet, "ids", false, "only print build IDs")

	return cmd
}

func newHistoryShowCommand(opts *options) *cobra.Command {
	var showLogs bool

	cmd := &cobra.Command{
		Use:   "show <build-id>",
		Short: "Show one recorded build",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDatabase(opts.cfg)
			if err != nil {
				return err
			}
			defer closeDatabase(db)

			tracker := builder.NewTracker(state.NewRepository(db))
			build, err := tracker.GetBuildByID(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printBuild(opts.stdout, build, showLogs)
		},
	}

	cmd.Flags().BoolVar(&showLogs, "logs", false, "print the captured build log")

	return cmd
}

func printBuildList(w io.Writer, builds []state.Build) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tRC\tMETHOD\tIMAGE\tCREATED")
	for _, b := range builds {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			b.ID, b.Status, returnCode(b.ReturnCode), b.Method, b.Image, timeago.English.Format(b.CreatedAt))
	}
	return tw.Flush()
}

func printBuild(w io.Writer, b *state.Build, showLogs bool) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID:\t"+b.ID.String())
	fmt.Fprintln(tw, "Status:\t"+b.Status)
	fmt.Fprintln(tw, "Return code:\t"+returnCode(b.ReturnCode))
	fmt.Fprintln(tw, "Method:\t"+b.Method)
	fmt.Fprintln(tw, "Image:\t"+b.Image)
	if b.ImageID != "" {
		fmt.Fprintln(tw, "Image ID:\t"+b.ImageID)
	}
	fmt.Fprintln(tw, "Source:\t"+source(b))
	fmt.Fprintf(tw, "Attempts:\t%d\n", b.Attempts)
	fmt.Fprintln(tw, "Created:\t"+timeago.English.Format(b.CreatedAt))
	if b.StartedAt != nil && b.CompletedAt != nil {
		fmt.Fprintln(tw, "Duration:\t"+b.CompletedAt.Sub(*b.StartedAt).Round(time.Second).String())
	}
	if b.Message != "" {
		fmt.Fprintln(tw, "Message:\t"+b.Message)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	if showLogs && b.BuildLog != "" {
		fmt.Fprintln(w)
		fmt.Fprintln(w, b.BuildLog)
	}
	return nil
}

func returnCode(rc *int) string {
	if rc == nil {
		return "-"
	}
	return strconv.Itoa(*rc)
}

func source(b *state.Build) string {
	if b.GitCommit == "" {
		return b.GitURL
	}
	return b.GitURL + "@" + b.GitCommit
}
