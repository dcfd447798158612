package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show registry status per document and batch",
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, _ []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.close()

	out := cmd.OutOrStdout()
	docs := a.registry.List("")
	if len(docs) == 0 {
		fmt.Fprintln(out, "registry is empty")
		return nil
	}

	fmt.Fprintln(out, "documents:")
	for _, doc := range docs {
		line := fmt.Sprintf("  %s  %-11s %-30s %d chunks", doc.DocumentID, doc.Status, doc.Filename, doc.ChunkCount)
		if doc.EffectiveDate != "" {
			line += "  effective " + doc.EffectiveDate
		}
		if doc.FailureReason != "" {
			line += "  (" + doc.FailureReason + ")"
		}
		fmt.Fprintln(out, line)
	}

	fmt.Fprintln(out, "batches:")
	for _, b := range a.registry.Batches() {
		fmt.Fprintf(out, "  %s  created %s  effective %s  %d documents\n",
			b.BatchID, b.CreatedAt.Format("2006-01-02 15:04:05"), b.EffectiveDate, b.DocumentCount)
	}

	totalDocs, totalChunks := a.registry.Totals()
	fmt.Fprintf(out, "%d documents, %d chunks, %d live vectors\n", totalDocs, totalChunks, a.index.Size())

	if orphans, err := a.pipeline.Recover(); err == nil && len(orphans) > 0 {
		fmt.Fprintf(out, "%d staged artifacts from interrupted runs (run cleanup via reset or reprocess)\n", len(orphans))
	}
	return nil
}
