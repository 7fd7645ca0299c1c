package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/hikkoshi-lab/estate-crawler/internal/area"
	"github.com/hikkoshi-lab/estate-crawler/internal/config"
	"github.com/hikkoshi-lab/estate-crawler/internal/control"
	"github.com/hikkoshi-lab/estate-crawler/internal/task"
	"github.com/hikkoshi-lab/estate-crawler/pkg/estatecrawler"
)

var (
	cfgFile string
	verbose bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "estated",
		Short: "estated — controllable multi-source real-estate crawler",
		Long: `estated orchestrates scraping tasks across Japanese real-estate
listing sites: serial or parallel execution over (scraper × area) pairs,
live progress aggregation, pause/resume/cancel, stall detection and a
timer-driven scheduler, all behind an HTTP control API.`,
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(areasCmd())
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig loads the file (or defaults) and applies the verbose flag.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if verbose {
		cfg.Logging.Level = "debug"
	}
	return cfg, nil
}

// serveCmd runs the daemon: engine, scheduler, stall sweeps and the HTTP
// control API, until SIGINT or SIGTERM.
func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			orch, err := estatecrawler.New(estatecrawler.WithConfig(cfg))
			if err != nil {
				return err
			}
			orch.Start()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			sig := <-sigCh
			orch.Logger().Info("received signal, shutting down", "signal", sig.String())

			ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
			defer cancel()
			return orch.Stop(ctx)
		},
	}
}

// runCmd executes one task in the foreground and prints a summary.
func runCmd() *cobra.Command {
	var (
		scrapers []string
		areas    []string
		maxProps int
		parallel bool
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one scraping task to completion",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			// One-off runs need no API listener or schedule sweeps.
			cfg.Server.Enabled = false
			cfg.Scheduler.Enabled = false

			orch, err := estatecrawler.New(estatecrawler.WithConfig(cfg))
			if err != nil {
				return err
			}
			orch.Start()
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
				defer cancel()
				orch.Stop(ctx)
			}()

			req := control.StartRequest{
				Scrapers:      scrapers,
				Areas:         areas,
				MaxProperties: maxProps,
			}
			ctx := cmd.Context()
			var tk *task.Task
			if parallel {
				tk, err = orch.Ops().StartParallel(ctx, req)
			} else {
				tk, err = orch.Ops().StartSerial(ctx, req)
			}
			if err != nil {
				return err
			}
			orch.Logger().Info("task started",
				"task_id", tk.ID, "kind", string(tk.Kind), "pairs", tk.PairCount())

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			select {
			case <-sigCh:
				orch.Logger().Info("received signal, cancelling task", "task_id", tk.ID)
				if _, err := orch.Ops().Cancel(ctx, tk.ID); err != nil {
					orch.Logger().Warn("cancel failed", "error", err)
				}
				<-orch.Engine().Done(tk.ID)
			case <-orch.Engine().Done(tk.ID):
			}

			final, err := orch.Ops().GetStatus(ctx, tk.ID)
			if err != nil {
				return err
			}
			printSummary(final)
			if final.Status == task.StatusFailed {
				return fmt.Errorf("task %s failed", final.ID)
			}
			return nil
		},
	}
	cmd.Flags().StringSliceVarP(&scrapers, "scrapers", "s", nil, "scraper names (comma-separated)")
	cmd.Flags().StringSliceVarP(&areas, "areas", "a", nil, "ward codes or names (comma-separated)")
	cmd.Flags().IntVarP(&maxProps, "max-properties", "m", 100, "max properties attempted per pair")
	cmd.Flags().BoolVarP(&parallel, "parallel", "p", false, "run one worker per scraper")
	return cmd
}

func printSummary(t *task.Task) {
	elapsed := time.Duration(t.Totals.ElapsedSeconds) * time.Second
	fmt.Printf("\nTask %s: %s (%s)\n", t.ID, t.Status, elapsed)
	fmt.Printf("  Found:      %d\n", t.Totals.PropertiesFound)
	fmt.Printf("  Processed:  %d\n", t.Totals.TotalProcessed)
	fmt.Printf("  New:        %d\n", t.Totals.TotalNew)
	fmt.Printf("  Updated:    %d\n", t.Totals.TotalUpdated)
	fmt.Printf("  Detail:     %d fetched, %d skipped\n", t.Totals.DetailFetched, t.Totals.DetailSkipped)
	fmt.Printf("  Errors:     %d\n", t.Totals.TotalErrors)

	keys := make([]string, 0, len(t.Progress))
	for k := range t.Progress {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	fmt.Println("  Pairs:")
	for _, k := range keys {
		rec := t.Progress[k]
		line := fmt.Sprintf("    %-24s %-10s found=%d new=%d errors=%d",
			k, rec.Status, rec.PropertiesFound, rec.NewListings, rec.Errors)
		if len(rec.ErrorsList) > 0 {
			line += "  (" + strings.Join(rec.ErrorsList, "; ") + ")"
		}
		fmt.Println(line)
	}
}

// areasCmd prints the supported ward table.
func areasCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "areas",
		Short: "Print the supported Tokyo ward table",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%-8s %-10s %s\n", "CODE", "NAME", "ROMAJI")
			for _, w := range area.All() {
				fmt.Printf("%-8s %-10s %s\n", w.Code, w.NameJa, w.Romaji)
			}
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("estated %s\n", config.Version)
		},
	}
}
