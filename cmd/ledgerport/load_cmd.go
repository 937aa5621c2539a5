package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/JonMunkholm/ledgerport/internal/core"
)

func newLoadCmd(c *cli) *cobra.Command {
	var table string

	cmd := &cobra.Command{
		Use:   "load <dir|file.csv>",
		Short: "Load CSV extracts into the source tables",
		Long: "Load CSV extracts into the source tables. Each file replaces the " +
			"table named by its base name (Customer.csv loads Customer); files " +
			"that match no source table are skipped.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			st, closeStore, err := openBackend(ctx, c.cfg.Database)
			if err != nil {
				return err
			}
			defer closeStore()

			info, err := os.Stat(args[0])
			if err != nil {
				return err
			}

			var results []core.ExtractResult
			switch {
			case info.IsDir():
				results, err = core.LoadExtractDir(ctx, st, args[0])
			case table != "":
				var f *os.File
				if f, err = os.Open(args[0]); err != nil {
					return err
				}
				defer func() { _ = f.Close() }()
				var res core.ExtractResult
				res, err = core.LoadExtract(ctx, st, table, f)
				res.File = args[0]
				results = append(results, res)
			default:
				var res core.ExtractResult
				res, err = core.LoadExtractFile(ctx, st, args[0])
				results = append(results, res)
			}
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "TABLE\tFILE\tCOLUMNS\tROWS\tBLANK")
			for _, r := range results {
				fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\n", r.Table, r.File, r.Columns, r.Rows, r.Blank)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&table, "table", "", "source table for a single file (default: the file's base name)")
	return cmd
}
