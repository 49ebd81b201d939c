package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/tardb/tardb/internal/app"
)

func newIngestCmd() *cobra.Command {
	var (
		name string
		dims []string
	)
	cmd := &cobra.Command{
		Use:   "ingest <csv>",
		Short: "Load a CSV file as a new TAR",
		Long: "Load a CSV file with a header row as a new TAR. Columns named by --dims\n" +
			"must hold integers and become dimensions; the others become attributes.\n" +
			"Without --dims rows are indexed by an implicit \"row\" dimension.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]
			if name == "" {
				name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
			}
			f, err := os.Open(path)
			if err != nil {
				return err
			}
			defer f.Close()

			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				res, err := a.IngestCSV(ctx, name, f, dims)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "ingested %s: %d rows in %d chunks\n", res.TAR.Name, res.Rows, res.Chunks)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&name, "name", "n", "", "TAR name (default: file name without extension)")
	cmd.Flags().StringSliceVarP(&dims, "dims", "d", nil, "Columns to use as dimensions")
	return cmd
}
