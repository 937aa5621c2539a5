package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/JonMunkholm/ledgerport/internal/core"
	"github.com/JonMunkholm/ledgerport/internal/logging"
	"github.com/JonMunkholm/ledgerport/internal/report"
)

type runFlags struct {
	All      bool
	Rebuild  bool
	SkipPost bool
	JSON     bool
}

func newRunCmd(c *cli) *cobra.Command {
	var f runFlags

	cmd := &cobra.Command{
		Use:   "run <entity> | --all",
		Short: "Migrate one entity type, or every type in dependency order",
		Args: func(cmd *cobra.Command, args []string) error {
			if f.All && len(args) > 0 {
				return errors.New("--all takes no entity argument")
			}
			if !f.All && len(args) != 1 {
				return errors.New("exactly one entity is required (or --all)")
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, c.cfg)
			if err != nil {
				return err
			}
			defer a.close()
			a.startRefresher(ctx)

			sink, err := report.Open(ctx, c.cfg.Report)
			if err != nil {
				return err
			}

			opts := core.RunOptions{Rebuild: f.Rebuild, SkipPost: f.SkipPost}
			var reports []*core.RunReport
			if f.All {
				reports, err = a.service.RunAll(ctx, opts)
			} else {
				var rep *core.RunReport
				rep, err = a.service.Run(ctx, args[0], opts)
				if rep != nil {
					reports = append(reports, rep)
				}
			}

			for _, rep := range reports {
				exportRun(ctx, sink, rep)
			}
			if f.JSON {
				if jerr := writeJSON(reports); jerr != nil {
					return jerr
				}
			} else {
				for _, rep := range reports {
					if werr := report.WriteRun(cmd.OutOrStdout(), rep); werr != nil {
						return werr
					}
					fmt.Fprintln(cmd.OutOrStdout())
				}
			}
			return err
		},
	}

	cmd.Flags().BoolVar(&f.All, "all", false, "run every registered entity type in dependency order")
	cmd.Flags().BoolVar(&f.Rebuild, "rebuild", false, "redo references, duplicate keys and payloads even when resuming")
	cmd.Flags().BoolVar(&f.SkipPost, "skip-post", false, "stop after payload generation")
	cmd.Flags().BoolVar(&f.JSON, "json", false, "print run reports as JSON")
	return cmd
}

// exportRun writes rep to sink. Export failures are logged; the run itself
// already recorded its outcome in the store.
func exportRun(ctx context.Context, sink report.Sink, rep *core.RunReport) {
	if sink == nil {
		return
	}
	logger := logging.FromContext(ctx)
	loc, err := report.ExportRun(context.WithoutCancel(ctx), sink, rep)
	if err != nil {
		logger.Error("export run report", "entity", rep.Entity, "run_id", rep.RunID, "error", err)
		return
	}
	logger.Info("run report exported", "entity", rep.Entity, "run_id", rep.RunID, "location", loc)
}
