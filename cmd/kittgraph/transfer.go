package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/kittclouds/kittgraph/internal/app"
)

func newImportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import <file.json>",
		Short: "Load folders, notes, entities and edges from a JSON dump",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("failed to read dump: %w", err)
			}
			var d app.Dump
			if err := json.Unmarshal(data, &d); err != nil {
				return fmt.Errorf("failed to parse dump: %w", err)
			}

			ctx := context.Background()
			a, _, err := openApp(ctx, cmd)
			if err != nil {
				return err
			}
			defer a.Close(ctx)

			rep, err := a.Import(ctx, d)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), rep)
		},
	}
}

func newExportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write every record as a JSON dump",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			a, _, err := openApp(ctx, cmd)
			if err != nil {
				return err
			}
			defer a.Close(ctx)

			out, _ := cmd.Flags().GetString("output")
			if out == "" {
				return printJSON(cmd.OutOrStdout(), a.Export())
			}
			f, err := os.Create(out)
			if err != nil {
				return fmt.Errorf("failed to create %s: %w", out, err)
			}
			if err := printJSON(f, a.Export()); err != nil {
				f.Close()
				return err
			}
			return f.Close()
		},
	}
	cmd.Flags().StringP("output", "o", "", "Write to this file instead of stdout")
	return cmd
}
