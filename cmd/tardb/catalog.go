package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/tardb/tardb/internal/app"
	"gopkg.in/yaml.v3"
)

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stored TARs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				names, err := a.Catalog().ListTARs(ctx)
				if err != nil {
					return err
				}
				for _, n := range names {
					fmt.Fprintln(cmd.OutOrStdout(), n)
				}
				return nil
			})
		},
	}
}

func newDescribeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "describe <tar>",
		Short: "Print the schema of a stored TAR",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				tar, err := a.Catalog().GetTAR(ctx, args[0])
				if err != nil {
					return err
				}
				out, err := yaml.Marshal(tar)
				if err != nil {
					return err
				}
				_, err = cmd.OutOrStdout().Write(out)
				return err
			})
		},
	}
}
