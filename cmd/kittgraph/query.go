package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/kittclouds/kittgraph/pkg/search"
)

func newSearchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Run a hybrid query against the local store",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runSearch,
	}
	cmd.Flags().IntP("k", "k", 10, "Number of results")
	cmd.Flags().StringP("profile", "p", "", "Fusion profile (default from config)")
	cmd.Flags().Int("max-hops", 0, "Override the profile traversal depth")
	cmd.Flags().String("embedding", "", "Comma-separated query embedding")
	cmd.Flags().String("tier", "", "Embedding model tier")
	cmd.Flags().Bool("json", false, "Print the full response as JSON")
	return cmd
}

func runSearch(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	a, _, err := openApp(ctx, cmd)
	if err != nil {
		return err
	}
	defer a.Close(ctx)

	q := search.Query{Text: strings.Join(args, " ")}
	q.K, _ = cmd.Flags().GetInt("k")
	q.Profile, _ = cmd.Flags().GetString("profile")
	q.MaxHops, _ = cmd.Flags().GetInt("max-hops")
	q.ModelTier, _ = cmd.Flags().GetString("tier")
	if raw, _ := cmd.Flags().GetString("embedding"); raw != "" {
		if q.Embedding, err = parseVector(raw); err != nil {
			return err
		}
	}

	resp, err := a.Search.Search(ctx, q)
	if err != nil {
		return err
	}
	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		return printJSON(cmd.OutOrStdout(), resp)
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "RANK\tSCORE\tID\tTYPE\tLABEL")
	for i, r := range resp.Results {
		fmt.Fprintf(w, "%d\t%.3f\t%s\t%s\t%s\n", i+1, r.Score, r.ID, r.Type, r.Label)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	if len(resp.Degraded) > 0 {
		fmt.Fprintf(cmd.ErrOrStderr(), "degraded sources: %s\n", strings.Join(resp.Degraded, ", "))
	}
	return nil
}

func newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print graph and sync statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			a, _, err := openApp(ctx, cmd)
			if err != nil {
				return err
			}
			defer a.Close(ctx)

			a.Projection.RecomputeNow()
			st := a.Sync.State()
			return printJSON(cmd.OutOrStdout(), map[string]any{
				"graph": a.Projection.Stats(),
				"sync":  a.Sync.Metrics(),
				"records": map[string]int{
					"notes":    len(st.Notes),
					"folders":  len(st.Folders),
					"entities": len(st.Entities),
					"edges":    len(st.Edges),
				},
				"lexicalDocuments": a.Lexical.Index().Len(),
			})
		},
	}
}

func newProfilesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "profiles",
		Short: "List the built-in fusion profiles",
		RunE: func(cmd *cobra.Command, args []string) error {
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tLEXICAL\tVECTOR\tGRAPH\tHOPS\tBOOST")
			for _, p := range search.Profiles() {
				boost := "-"
				if p.Propagate {
					boost = strconv.FormatFloat(p.Boost, 'f', 2, 64)
				}
				fmt.Fprintf(w, "%s\t%.2f\t%.2f\t%.2f\t%d\t%s\n", p.Name, p.Lexical, p.Vector, p.Graph, p.MaxHops, boost)
			}
			return w.Flush()
		},
	}
}

func parseVector(raw string) ([]float32, error) {
	parts := strings.Split(raw, ",")
	out := make([]float32, 0, len(parts))
	for _, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 32)
		if err != nil {
			return nil, fmt.Errorf("invalid embedding component %q: %w", p, err)
		}
		out = append(out, float32(f))
	}
	return out, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
