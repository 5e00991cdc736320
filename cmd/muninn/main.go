// Command muninn is a thin inspection CLI over a Muninn base path: list
// cold tables, search the hot indexes, resolve nodes, and dump the sync job
// log.
//
// Exit codes: 0 success, 1 generic failure, 2 validation error, 3 lock
// contention.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/orneryd/muninn/pkg/config"
	"github.com/orneryd/muninn/pkg/errs"
	"github.com/orneryd/muninn/pkg/muninn"
	"github.com/orneryd/muninn/pkg/storage"
)

func main() {
	os.Exit(run())
}

func run() int {
	var basePath, schemaPath string

	root := &cobra.Command{
		Use:           "muninn",
		Short:         "Inspect a Muninn active data layer",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&basePath, "base", "./data", "base path of the data layer")
	root.PersistentFlags().StringVar(&schemaPath, "schema", "./schema.yaml", "schema bundle")

	open := func() (*muninn.DB, error) {
		cfg := config.Default(basePath, schemaPath)
		cfg.OpenMode = config.RequireExisting
		cfg.EmbeddingBackend = config.BackendNull
		return muninn.Open(context.Background(), cfg)
	}

	root.AddCommand(tablesCmd(open), searchCmd(open), nodeCmd(open), jobsCmd(open))

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "muninn:", err)
		switch code, _ := errs.CodeOf(err); code {
		case errs.CodeValidation:
			return 2
		case errs.CodeConcurrency:
			return 3
		default:
			return 1
		}
	}
	return 0
}

func tablesCmd(open func() (*muninn.DB, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "tables [prefix]",
		Short: "List cold tables and their columns",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := open()
			if err != nil {
				return err
			}
			defer db.Close()

			prefix := ""
			if len(args) > 0 {
				prefix = args[0]
			}
			tables, err := db.Lake().ListTables(prefix)
			if err != nil {
				return err
			}
			for _, t := range tables {
				fmt.Printf("%s\tv%d\n", t.Path, t.Version)
				for _, c := range t.Columns {
					nullable := ""
					if c.Nullable {
						nullable = " nullable"
					}
					fmt.Printf("  %s\t%s%s\n", c.Name, c.Type, nullable)
				}
			}
			return nil
		},
	}
}

func searchCmd(open func() (*muninn.DB, error)) *cobra.Command {
	var typ string
	var k int
	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "BM25 search over a node type",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := open()
			if err != nil {
				return err
			}
			defer db.Close()

			hits, err := db.Query().SearchTextBM25(cmd.Context(), typ, args[0], k)
			if err != nil {
				return err
			}
			for _, h := range hits {
				fmt.Printf("%.4f\t%s\t%s\n", h.Score, h.Type, h.ID)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&typ, "type", "", "node type to search")
	cmd.Flags().IntVar(&k, "k", 10, "result count")
	cmd.MarkFlagRequired("type")
	return cmd
}

func nodeCmd(open func() (*muninn.DB, error)) *cobra.Command {
	var typ, id string
	cmd := &cobra.Command{
		Use:   "node",
		Short: "Resolve a node by stable ID",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := open()
			if err != nil {
				return err
			}
			defer db.Close()

			node, err := db.Query().GetNodeByID(cmd.Context(), typ, storage.NodeID(id))
			if err != nil {
				return err
			}
			if node == nil {
				fmt.Println("not found")
				return nil
			}
			out, err := json.MarshalIndent(node, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}
	cmd.Flags().StringVar(&typ, "type", "", "node type")
	cmd.Flags().StringVar(&id, "id", "", "stable ID")
	cmd.MarkFlagRequired("type")
	cmd.MarkFlagRequired("id")
	return cmd
}

func jobsCmd(open func() (*muninn.DB, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "jobs",
		Short: "Dump the sync job log",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := open()
			if err != nil {
				return err
			}
			defer db.Close()

			jobs, err := db.Catalog().Jobs()
			if err != nil {
				return err
			}
			for _, j := range jobs {
				fmt.Printf("%s\t%s\t%s\trows_in=%d rows_out=%d\t%s\n",
					j.StartedAt.Format("2006-01-02T15:04:05Z"), j.Fetcher, j.Status, j.RowsIn, j.RowsOut, j.Reason)
			}
			return nil
		},
	}
}
