package cmd

import (
	"context"
	"fmt"
	"io"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/leftmike/boxsql/mvcc"
)

var (
	indexName = mvcc.DefaultIndex

	getCmd = &cobra.Command{
		Use:   "get key...",
		Short: "Print the value of each key",
		Args:  cobra.MinimumNArgs(1),
		RunE:  getRun,
	}

	putCmd = &cobra.Command{
		Use:   "put key value [key value]...",
		Short: "Set the value of each key in one transaction",
		Args:  pairArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return writeRun(cmd, args, (*mvcc.Index).Write)
		},
	}

	insertCmd = &cobra.Command{
		Use:   "insert key value [key value]...",
		Short: "Insert each key in one transaction; fails if any key exists",
		Args:  pairArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return writeRun(cmd, args, (*mvcc.Index).Insert)
		},
	}

	deleteCmd = &cobra.Command{
		Use:   "delete key...",
		Short: "Delete each key in one transaction",
		Args:  cobra.MinimumNArgs(1),
		RunE:  deleteRun,
	}

	scanCmd = &cobra.Command{
		Use:   "scan [low [high]]",
		Short: "Print the keys from low up to, but not including, high",
		Args:  cobra.MaximumNArgs(2),
		RunE:  scanRun,
	}

	createIndexCmd = &cobra.Command{
		Use:   "create-index name...",
		Short: "Create empty indexes",
		Args:  cobra.MinimumNArgs(1),
		RunE:  createIndexRun,
	}
)

func init() {
	for _, cmd := range []*cobra.Command{getCmd, putCmd, insertCmd, deleteCmd, scanCmd} {
		cmd.Flags().StringVarP(&indexName, "index", "i", indexName,
			"`name` of the index to use")
		boxCmd.AddCommand(cmd)
	}
	boxCmd.AddCommand(createIndexCmd)
}

func pairArgs(cmd *cobra.Command, args []string) error {
	if len(args) == 0 || len(args)%2 != 0 {
		return fmt.Errorf("%s: expected key value pairs", cmd.Name())
	}
	return nil
}

// withTx runs fn in a transaction on the selected index; the transaction is committed if
// fn succeeds and aborted otherwise.
func withTx(fn func(ctx context.Context, idx *mvcc.Index, tx *mvcc.Transaction) error) error {
	return withEngine(
		func(ctx context.Context, e *mvcc.Engine) error {
			idx, err := e.Index(indexName)
			if err != nil {
				return err
			}

			tx, err := e.Begin(ctx)
			if err != nil {
				return err
			}
			err = fn(ctx, idx, tx)
			if err != nil {
				aerr := e.Abort(ctx, tx)
				if aerr != nil {
					log.WithError(aerr).WithField("tx", tx).Error("boxsql: abort")
				}
				return err
			}
			return e.Commit(ctx, tx)
		})
}

func getRun(cmd *cobra.Command, args []string) error {
	w := cmd.OutOrStdout()
	return withTx(
		func(ctx context.Context, idx *mvcc.Index, tx *mvcc.Transaction) error {
			for _, key := range args {
				val, err := idx.Read(ctx, tx, []byte(key))
				if err != nil {
					return fmt.Errorf("%s: %w", key, err)
				}
				fmt.Fprintf(w, "%s\n", val)
			}
			return nil
		})
}

func writeRun(cmd *cobra.Command, args []string,
	write func(idx *mvcc.Index, ctx context.Context, tx *mvcc.Transaction, key,
		val []byte) error) error {

	return withTx(
		func(ctx context.Context, idx *mvcc.Index, tx *mvcc.Transaction) error {
			for i := 0; i < len(args); i += 2 {
				err := write(idx, ctx, tx, []byte(args[i]), []byte(args[i+1]))
				if err != nil {
					return fmt.Errorf("%s %s: %w", cmd.Name(), args[i], err)
				}
			}
			return nil
		})
}

func deleteRun(cmd *cobra.Command, args []string) error {
	return withTx(
		func(ctx context.Context, idx *mvcc.Index, tx *mvcc.Transaction) error {
			for _, key := range args {
				err := idx.Delete(ctx, tx, []byte(key))
				if err != nil {
					return fmt.Errorf("delete %s: %w", key, err)
				}
			}
			return nil
		})
}

func scanRun(cmd *cobra.Command, args []string) error {
	var low, high []byte
	if len(args) > 0 {
		low = []byte(args[0])
	}
	if len(args) > 1 {
		high = []byte(args[1])
	}

	return withTx(
		func(ctx context.Context, idx *mvcc.Index, tx *mvcc.Transaction) error {
			it, err := idx.RangeScan(ctx, tx, low, high)
			if err != nil {
				return err
			}

			var rows [][]string
			for {
				key, val, err := it.Next(ctx)
				if err == io.EOF {
					break
				} else if err != nil {
					return err
				}
				rows = append(rows, []string{string(key), string(val)})
			}
			renderTable(cmd.OutOrStdout(), []string{"key", "value"}, rows)
			return nil
		})
}

func createIndexRun(cmd *cobra.Command, args []string) error {
	return withEngine(
		func(ctx context.Context, e *mvcc.Engine) error {
			tx, err := e.Begin(ctx)
			if err != nil {
				return err
			}
			for _, name := range args {
				_, err = e.CreateIndex(ctx, tx, mvcc.IndexSpec{Name: name})
				if err != nil {
					e.Abort(ctx, tx)
					return err
				}
			}
			return e.Commit(ctx, tx)
		})
}
