package cmd

import (
	"context"
	"fmt"
	"io"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/leftmike/boxsql/mvcc"
	"github.com/leftmike/boxsql/storage/page"
)

func init() {
	boxCmd.AddCommand(
		&cobra.Command{
			Use:   "recover",
			Short: "Recover the data file from the log and print what was done",
			Args:  cobra.NoArgs,
			RunE:  recoverRun,
		},
		&cobra.Command{
			Use:   "checkpoint",
			Short: "Write every dirty page and take a checkpoint",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return withEngine(
					func(ctx context.Context, e *mvcc.Engine) error {
						return e.Checkpoint(ctx)
					})
			},
		},
		&cobra.Command{
			Use:   "vacuum",
			Short: "Reclaim versions which no transaction can see",
			Args:  cobra.NoArgs,
			RunE:  vacuumRun,
		},
		&cobra.Command{
			Use:   "check [index]...",
			Short: "Check the structure of indexes; all of them by default",
			RunE:  checkRun,
		},
		&cobra.Command{
			Use:   "dump index",
			Short: "Print the B-Tree of an index",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withEngine(
					func(ctx context.Context, e *mvcc.Engine) error {
						idx, err := e.Index(args[0])
						if err != nil {
							return err
						}
						return idx.Dump(ctx, cmd.OutOrStdout())
					})
			},
		},
		&cobra.Command{
			Use:   "stats",
			Short: "Print the size of the data file and the state of the engine",
			Args:  cobra.NoArgs,
			RunE:  statsRun,
		})
}

func renderTable(w io.Writer, header []string, rows [][]string) {
	table := tablewriter.NewWriter(w)
	table.SetHeader(header)
	table.SetAutoFormatHeaders(false)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.AppendBulk(rows)
	table.Render()
}

func recoverRun(cmd *cobra.Command, args []string) error {
	return withEngine(
		func(ctx context.Context, e *mvcc.Engine) error {
			res := e.Recovery()
			renderTable(cmd.OutOrStdout(), []string{"recovery", "value"},
				[][]string{
					{"start lsn", fmt.Sprint(res.Start)},
					{"redo lsn", fmt.Sprint(res.RedoLSN)},
					{"redone", strconv.Itoa(res.Redone)},
					{"undone", strconv.Itoa(res.Undone)},
					{"losers", fmt.Sprint(res.Losers)},
					{"next txid", fmt.Sprint(res.NextTxID)},
					{"last lsn", fmt.Sprint(res.LastLSN)},
					{"checkpoint", fmt.Sprint(res.Checkpoint)},
				})
			return nil
		})
}

func vacuumRun(cmd *cobra.Command, args []string) error {
	return withEngine(
		func(ctx context.Context, e *mvcc.Engine) error {
			stats, err := e.Vacuum(ctx)
			if err != nil {
				return err
			}
			renderTable(cmd.OutOrStdout(), []string{"vacuum", "value"},
				[][]string{
					{"horizon", strconv.FormatUint(stats.Horizon, 10)},
					{"keys", strconv.Itoa(stats.Keys)},
					{"skipped", strconv.Itoa(stats.Skipped)},
					{"dropped", strconv.Itoa(stats.Dropped)},
					{"reclaimed", strconv.Itoa(stats.Reclaimed)},
					{"compacted", strconv.Itoa(stats.Compacted)},
					{"pruned", strconv.Itoa(stats.Pruned)},
				})
			return nil
		})
}

func checkRun(cmd *cobra.Command, args []string) error {
	return withEngine(
		func(ctx context.Context, e *mvcc.Engine) error {
			names := args
			if len(names) == 0 {
				names = e.Indexes()
			}
			for _, name := range names {
				idx, err := e.Index(name)
				if err != nil {
					return err
				}
				err = idx.Check(ctx)
				if err != nil {
					return fmt.Errorf("%s: %w", name, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: ok\n", name)
			}
			return nil
		})
}

func statsRun(cmd *cobra.Command, args []string) error {
	return withEngine(
		func(ctx context.Context, e *mvcc.Engine) error {
			st := e.Stats()
			renderTable(cmd.OutOrStdout(), []string{"stat", "value"},
				[][]string{
					{"pages", humanize.Comma(int64(st.Pages))},
					{"free pages", humanize.Comma(int64(st.FreePages))},
					{"data size", humanize.IBytes(st.Pages * page.Size)},
					{"indexes", fmt.Sprint(e.Indexes())},
					{"last lsn", fmt.Sprint(st.LastLSN)},
					{"flushed lsn", fmt.Sprint(st.FlushedLSN)},
					{"commit version", strconv.FormatUint(st.CommitVersion, 10)},
					{"active", strconv.Itoa(st.Active)},
					{"pool hits", humanize.Comma(int64(st.Pool.Hits))},
					{"pool misses", humanize.Comma(int64(st.Pool.Misses))},
					{"pool evictions", humanize.Comma(int64(st.Pool.Evictions))},
					{"pool writes", humanize.Comma(int64(st.Pool.Writes))},
				})
			return nil
		})
}
