package cmd

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/leftmike/boxsql/mvcc"
	"github.com/leftmike/boxsql/storage/wal"
)

var (
	walCmd = &cobra.Command{
		Use:   "wal",
		Short: "Inspect the write-ahead log",
	}

	walSegment string
)

func init() {
	walCmd.AddCommand(
		&cobra.Command{
			Use:   "segments",
			Short: "List the log segments and the archived segments",
			Args:  cobra.NoArgs,
			RunE:  segmentsRun,
		})

	recordsCmd := &cobra.Command{
		Use:   "records",
		Short: "List the records in the log, or in one archived segment",
		Args:  cobra.NoArgs,
		RunE:  recordsRun,
	}
	recordsCmd.Flags().StringVar(&walSegment, "segment", "",
		"archived segment `file` to read")
	walCmd.AddCommand(recordsCmd)

	boxCmd.AddCommand(walCmd)
}

func segmentsRun(cmd *cobra.Command, args []string) error {
	return withEngine(
		func(ctx context.Context, e *mvcc.Engine) error {
			segs, archived, err := e.LogSegments()
			if err != nil {
				return err
			}

			var rows [][]string
			add := func(state string, names []string) error {
				for _, name := range names {
					sz, err := e.FileSize(name)
					if err != nil {
						return err
					}
					rows = append(rows,
						[]string{filepath.Base(name), state, humanize.IBytes(uint64(sz))})
				}
				return nil
			}
			err = add("archived", archived)
			if err != nil {
				return err
			}
			err = add("active", segs)
			if err != nil {
				return err
			}

			renderTable(cmd.OutOrStdout(), []string{"segment", "state", "size"}, rows)
			return nil
		})
}

func recordsRun(cmd *cobra.Command, args []string) error {
	return withEngine(
		func(ctx context.Context, e *mvcc.Engine) error {
			var rows [][]string
			err := e.ScanLog(walSegment,
				func(rec wal.Record) error {
					rows = append(rows, []string{
						fmt.Sprint(rec.LSN),
						rec.Type.String(),
						fmt.Sprint(rec.TxID),
						fmt.Sprint(rec.PageID),
						humanize.IBytes(uint64(len(rec.Payload))),
					})
					return nil
				})
			if err != nil {
				return err
			}

			renderTable(cmd.OutOrStdout(), []string{"lsn", "type", "txid", "page", "payload"},
				rows)
			fmt.Fprintf(cmd.OutOrStdout(), "%s records\n", humanize.Comma(int64(len(rows))))
			return nil
		})
}
