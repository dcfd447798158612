package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/corpusd/internal/pipeline"
)

var (
	ingestDir     string
	effectiveDate string
)

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Process a directory of documents as one batch",
	Long: `Process every supported file in a directory as one batch under a single
effective date. Each document commits independently; unchanged documents
are skipped and a failed document never blocks its siblings.

Examples:
  corpusd ingest --dir ./raw_docs
  corpusd ingest --dir ./raw_docs --effective-date 2024-06-01`,
	RunE: runIngest,
}

func init() {
	ingestCmd.Flags().StringVar(&ingestDir, "dir", "", "directory of raw documents (required)")
	ingestCmd.Flags().StringVar(&effectiveDate, "effective-date", "", "effective date for the batch (YYYY-MM-DD, default today)")
	_ = ingestCmd.MarkFlagRequired("dir")
}

func runIngest(cmd *cobra.Command, _ []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.close()

	date := effectiveDate
	if date == "" {
		date = time.Now().UTC().Format("2006-01-02")
	} else if _, err := time.Parse("2006-01-02", date); err != nil {
		return fmt.Errorf("effective date %q is not YYYY-MM-DD", date)
	}

	paths, unsupported, err := a.pipeline.DiscoverFiles(ingestDir)
	if err != nil {
		return err
	}
	for _, path := range unsupported {
		fmt.Fprintf(cmd.OutOrStdout(), "skipping unsupported file: %s\n", path)
	}

	result, err := a.pipeline.ProcessBatch(cmd.Context(), paths, date)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "batch %s (effective %s)\n", result.BatchID, result.EffectiveDate)
	for _, doc := range result.Documents {
		switch doc.Outcome {
		case pipeline.OutcomeProcessed:
			fmt.Fprintf(out, "  processed %-30s %s (%d chunks)\n", doc.Filename, doc.DocumentID, doc.ChunkCount)
		case pipeline.OutcomeSkipped:
			fmt.Fprintf(out, "  skipped   %-30s %s\n", doc.Filename, doc.Reason)
		default:
			fmt.Fprintf(out, "  failed    %-30s %s\n", doc.Filename, doc.Reason)
		}
	}
	fmt.Fprintf(out, "%d processed, %d skipped, %d failed\n", result.Processed, result.Skipped, result.Failed)
	return nil
}
