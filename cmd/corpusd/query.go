package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/corpusd/internal/retriever"
)

var (
	queryTopK int
	queryAsOf string
)

var queryCmd = &cobra.Command{
	Use:   "query <text>",
	Short: "Retrieve ranked, cited passages for a question",
	Long: `Retrieve the best-matching committed chunks for a query, ranked by the
blended semantic and lexical score, each with its source citation.

Examples:
  corpusd query "what are the payment terms"
  corpusd query "refund policy" --top-k 3 --as-of 2024-03-01`,
	Args: cobra.ExactArgs(1),
	RunE: runQuery,
}

func init() {
	queryCmd.Flags().IntVar(&queryTopK, "top-k", 0, "number of results (default from config)")
	queryCmd.Flags().StringVar(&queryAsOf, "as-of", "", "only consider documents effective on or before this date (YYYY-MM-DD)")
}

func runQuery(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.close()

	results, err := a.retriever.Retrieve(cmd.Context(), args[0], retriever.Options{
		TopK: queryTopK,
		AsOf: queryAsOf,
	})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(results) == 0 {
		fmt.Fprintln(out, "no results")
		return nil
	}
	for i, res := range results {
		cite := res.Citation.Title
		if res.Citation.Section != "" {
			cite += " > " + res.Citation.Section
		}
		if res.Citation.EffectiveDate != "" {
			cite += " (effective " + res.Citation.EffectiveDate + ")"
		}
		fmt.Fprintf(out, "%d. [%.3f] %s | %s\n", i+1, res.Score, cite, res.Citation.Filename)
		if res.Degraded {
			fmt.Fprintln(out, "   (lexical-only: semantic search was unavailable)")
		}
		fmt.Fprintf(out, "   %s\n", strings.TrimSpace(res.Chunk.Text))
	}
	return nil
}
