package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/JonMunkholm/ledgerport/internal/core"
)

// parseStatuses accepts repeated or comma-separated status names.
func parseStatuses(values []string) ([]core.Status, error) {
	var out []core.Status
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			st, err := core.ParseStatus(part)
			if err != nil {
				return nil, err
			}
			out = append(out, st)
		}
	}
	return out, nil
}

func newRequeueCmd(c *cli) *cobra.Command {
	var statuses []string

	cmd := &cobra.Command{
		Use:   "requeue <entity>",
		Short: "Reset Failed/Skipped rows to Ready so the next run rebuilds and reposts them",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			parsed, err := parseStatuses(statuses)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			a, err := newApp(ctx, c.cfg)
			if err != nil {
				return err
			}
			defer a.close()

			n, err := a.service.Requeue(ctx, args[0], parsed)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "requeued %d %s rows\n", n, args[0])
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&statuses, "status", nil, "statuses to requeue (default Failed,Skipped)")
	return cmd
}

func newResetCmd(c *cli) *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "reset <entity>",
		Short: "Drop every mapping row of an entity type",
		Long: "Drop every mapping row of an entity type. Target ids recorded for " +
			"migrated rows are lost, so the next run posts them again.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return errors.New("reset discards migrated target ids; pass --yes to confirm")
			}

			ctx := cmd.Context()
			a, err := newApp(ctx, c.cfg)
			if err != nil {
				return err
			}
			defer a.close()

			if err := a.service.Reset(ctx, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s mapping table reset\n", args[0])
			return nil
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm the reset")
	return cmd
}
