package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/JonMunkholm/ledgerport/internal/report"
)

func newReportCmd(c *cli) *cobra.Command {
	var (
		limit  int
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "report [entity]",
		Short: "Show run history, with the current status counts for one entity",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, c.cfg)
			if err != nil {
				return err
			}
			defer a.close()

			var entity string
			if len(args) == 1 {
				entity = args[0]
			}
			runs, err := a.service.History(ctx, entity, limit)
			if err != nil {
				return err
			}
			if entity == "" {
				if asJSON {
					return writeJSON(runs)
				}
				return report.WriteHistory(cmd.OutOrStdout(), runs)
			}

			summary, err := a.service.Summary(ctx, entity)
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(map[string]any{"summary": summary, "runs": runs})
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, summary.Entity)
			if err := report.WriteSummary(out, summary); err != nil {
				return err
			}
			fmt.Fprintln(out)
			return report.WriteHistory(out, runs)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of runs to list")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func newFailuresCmd(c *cli) *cobra.Command {
	var (
		limit  int
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "failures <entity>",
		Short: "List Failed and Skipped records with suggested actions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, c.cfg)
			if err != nil {
				return err
			}
			defer a.close()

			failures, err := a.service.Failures(ctx, args[0], limit)
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(failures)
			}
			if len(failures) == 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "no failed or skipped %s records\n", args[0])
				return nil
			}
			return report.WriteFailures(cmd.OutOrStdout(), failures)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum number of records to list")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func newProgressCmd(c *cli) *cobra.Command {
	var (
		asJSON bool
		export bool
	)

	cmd := &cobra.Command{
		Use:   "progress",
		Short: "Compare source and mapping counts for every entity type",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, c.cfg)
			if err != nil {
				return err
			}
			defer a.close()

			rows, err := a.service.Progress(ctx)
			if err != nil {
				return err
			}
			snap := report.NewProgressSnapshot(time.Now(), rows)

			if export {
				sink, err := report.Open(ctx, c.cfg.Report)
				if err != nil {
					return err
				}
				if sink == nil {
					return errors.New("--export needs REPORT_SINK set to file or s3")
				}
				loc, err := report.ExportProgress(ctx, sink, snap)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.ErrOrStderr(), "progress exported to %s\n", loc)
			}

			if asJSON {
				return writeJSON(snap)
			}
			return report.WriteProgress(cmd.OutOrStdout(), rows)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	cmd.Flags().BoolVar(&export, "export", false, "also write the snapshot to the report sink")
	return cmd
}
