package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/tardb/tardb/internal/app"
	"github.com/tardb/tardb/internal/codec"
	"github.com/tardb/tardb/internal/column"
	"github.com/tardb/tardb/internal/query/executor"
	"github.com/tardb/tardb/internal/query/plan"
)

func newRunCmd() *cobra.Command {
	var (
		outDir  string
		store   string
		noPrint bool
	)
	cmd := &cobra.Command{
		Use:   "run <plan>...",
		Short: "Run query plans and print their results",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			plans := make([]*plan.Plan, len(args))
			for i, path := range args {
				p, err := plan.Load(path)
				if err != nil {
					return err
				}
				if store != "" {
					if len(args) > 1 {
						return fmt.Errorf("--store needs a single plan")
					}
					p.Store = store
				}
				plans[i] = p
			}

			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				for i, p := range plans {
					sink := &tableSink{dir: outDir}
					if !noPrint {
						sink.w = cmd.OutOrStdout()
					}
					res, err := a.Query(ctx, p, sink)
					if err != nil {
						return fmt.Errorf("%s: %w", args[i], err)
					}
					fmt.Fprintf(cmd.ErrOrStderr(), "%s: %d rows in %d chunks (%d blocks) in %v\n",
						args[i], res.Rows, res.Chunks, res.Blocks, res.Duration)
					if res.Stored != "" {
						fmt.Fprintf(cmd.ErrOrStderr(), "%s: stored as %s\n", args[i], res.Stored)
					}
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&outDir, "out", "o", "", "Write every result block to this directory")
	cmd.Flags().StringVar(&store, "store", "", "Store the result as a new TAR")
	cmd.Flags().BoolVar(&noPrint, "no-print", false, "Do not print result rows")
	return cmd
}

// tableSink decodes result blocks and prints each result chunk as a table.
type tableSink struct {
	w   io.Writer
	dir string

	desc    *executor.Description
	chunk   int
	pending []*column.Column
	header  bool
}

func (s *tableSink) Describe(description string) error {
	d, err := executor.ParseDescription(description)
	if err != nil {
		return err
	}
	s.desc = d
	if s.dir != "" {
		if err := os.MkdirAll(s.dir, 0755); err != nil {
			return err
		}
		return os.WriteFile(filepath.Join(s.dir, "description.json"), []byte(description), 0644)
	}
	return nil
}

func (s *tableSink) NotifyNewBlockReady(name string, data []byte, size int, first, last bool) error {
	if s.desc == nil {
		return fmt.Errorf("block %s arrived before the description", name)
	}
	if s.dir != "" {
		path := filepath.Join(s.dir, fmt.Sprintf("%06d_%s.blk", s.chunk, sanitize(name)))
		if err := os.WriteFile(path, data[:size], 0644); err != nil {
			return err
		}
	}

	_, col, err := codec.DecodeBlock(data[:size])
	if err != nil {
		return err
	}
	s.pending = append(s.pending, col)
	if len(s.pending) < len(s.desc.Blocks) {
		return nil
	}
	err = s.flush()
	s.pending = s.pending[:0]
	s.chunk++
	return err
}

// flush prints the buffered blocks of one result chunk.
func (s *tableSink) flush() error {
	if s.w == nil {
		return nil
	}
	tw := tabwriter.NewWriter(s.w, 0, 4, 2, ' ', 0)
	if !s.header {
		fmt.Fprintln(tw, strings.Join(s.desc.Blocks, "\t"))
		s.header = true
	}
	rows := 0
	if len(s.pending) > 0 {
		rows = s.pending[0].Len()
	}
	cells := make([]string, len(s.pending))
	for r := 0; r < rows; r++ {
		for i, col := range s.pending {
			cells[i] = fmt.Sprint(col.Value(r))
		}
		fmt.Fprintln(tw, strings.Join(cells, "\t"))
	}
	return tw.Flush()
}

func sanitize(name string) string {
	return strings.Map(func(r rune) rune {
		if r == '/' || r == '\\' || r == os.PathSeparator {
			return '_'
		}
		return r
	}, name)
}
