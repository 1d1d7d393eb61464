package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/warp/drug-budget/budget"
	"github.com/warp/drug-budget/sheet"
)

func newImportCommand(opts *RootOptions) *cobra.Command {
	var (
		requestID  int64
		file       string
		mode       string
		skipErrors bool
		user       string
	)

	cmd := &cobra.Command{
		Use:   "import",
		Short: "Reconcile a spreadsheet into a DRAFT budget request",
		Long: `Reconcile an .xlsx or .csv file into the items of a DRAFT budget request.

The first row holds headers. Both the simplified schema (drug code, unit
price, quantity) and the legacy schema (with usage history, estimate and
stock) are recognized. Q1..Q4 columns are optional.

Without --skip-errors any invalid row aborts the import and nothing is
written. The result is printed as JSON.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := budget.ParseImportMode(mode)
			if err != nil {
				return err
			}
			data, err := os.ReadFile(file)
			if err != nil {
				return err
			}

			a, err := open(opts, nil)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			res, err := a.engine.Import(ctx, requestID, data, budget.ImportOptions{Mode: m, SkipErrors: skipErrors}, user)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(res); err != nil {
				return err
			}
			if !res.Success {
				return fmt.Errorf("import rejected: %d row errors", len(res.Errors))
			}
			return nil
		},
	}

	cmd.Flags().Int64Var(&requestID, "request", 0, "budget request id")
	cmd.Flags().StringVar(&file, "file", "", "spreadsheet to import (.xlsx or .csv)")
	cmd.Flags().StringVar(&mode, "mode", "append", "append, replace or update")
	cmd.Flags().BoolVar(&skipErrors, "skip-errors", false, "apply valid rows even when some rows are invalid")
	cmd.Flags().StringVar(&user, "user", "", "acting user id")
	cmd.MarkFlagRequired("request")
	cmd.MarkFlagRequired("file")
	cmd.MarkFlagRequired("user")
	return cmd
}

func newExportCommand(opts *RootOptions) *cobra.Command {
	var (
		requestID int64
		out       string
	)

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write a budget request's items to an xlsx file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := open(opts, nil)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			if out == "" {
				r, err := a.engine.GetRequest(ctx, requestID)
				if err != nil {
					return err
				}
				out = sheet.FileName(r)
			}

			f, err := os.Create(out)
			if err != nil {
				return err
			}
			if err := sheet.Export(ctx, a.engine, requestID, f); err != nil {
				f.Close()
				return err
			}
			if err := f.Close(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "wrote", out)
			return nil
		},
	}

	cmd.Flags().Int64Var(&requestID, "request", 0, "budget request id")
	cmd.Flags().StringVar(&out, "out", "", "output file (default <request number>-items.xlsx)")
	cmd.MarkFlagRequired("request")
	return cmd
}
