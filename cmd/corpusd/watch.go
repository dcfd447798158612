package main

import (
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	watchDir      string
	watchDebounce time.Duration
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Watch a directory and ingest new or changed documents",
	Long: `Watch a directory and ingest supported files as they appear or change.
Each flush processes the pending files as one batch dated today; unchanged
files are skipped by content hash, so editor save storms are harmless.

Examples:
  corpusd watch --dir ./raw_docs
  corpusd watch --dir ./raw_docs --debounce 5s`,
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().StringVar(&watchDir, "dir", "", "directory to watch (required)")
	watchCmd.Flags().DurationVar(&watchDebounce, "debounce", 2*time.Second, "quiet period before processing pending files")
	_ = watchCmd.MarkFlagRequired("dir")
}

func runWatch(cmd *cobra.Command, _ []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.close()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(watchDir); err != nil {
		return fmt.Errorf("watching %s: %w", watchDir, err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Ingest whatever is already there before waiting for events.
	if paths, _, err := a.pipeline.DiscoverFiles(watchDir); err == nil && len(paths) > 0 {
		if _, err := a.pipeline.ProcessBatch(ctx, paths, today()); err != nil {
			return err
		}
	}

	var (
		mu      sync.Mutex
		pending = make(map[string]struct{})
	)
	timer := time.NewTimer(watchDebounce)
	if !timer.Stop() {
		<-timer.C
	}

	a.logger.Info("watching for documents", zap.String("dir", watchDir))
	fmt.Fprintf(cmd.OutOrStdout(), "watching %s (ctrl-c to stop)\n", watchDir)

	flush := func() {
		mu.Lock()
		paths := make([]string, 0, len(pending))
		for p := range pending {
			paths = append(paths, p)
		}
		pending = make(map[string]struct{})
		mu.Unlock()
		if len(paths) == 0 {
			return
		}
		result, err := a.pipeline.ProcessBatch(ctx, paths, today())
		if err != nil {
			a.logger.Error("batch failed", zap.Error(err))
			return
		}
		fmt.Fprintf(cmd.OutOrStdout(), "batch %s: %d processed, %d skipped, %d failed\n",
			result.BatchID, result.Processed, result.Skipped, result.Failed)
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !event.Op.Has(fsnotify.Create) && !event.Op.Has(fsnotify.Write) {
				continue
			}
			if !a.pipeline.Supports(event.Name) {
				continue
			}
			mu.Lock()
			pending[event.Name] = struct{}{}
			mu.Unlock()
			timer.Reset(watchDebounce)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			a.logger.Warn("watcher error", zap.Error(err))
		case <-timer.C:
			flush()
		}
	}
}

func today() string {
	return time.Now().UTC().Format("2006-01-02")
}
