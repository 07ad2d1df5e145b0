package main

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/AM-Campbell/sr/internal/config"
	"github.com/AM-Campbell/sr/internal/decks"
	"github.com/AM-Campbell/sr/internal/gitsource"
	"github.com/AM-Campbell/sr/internal/scanner"
	"github.com/AM-Campbell/sr/internal/scheduler"
	"github.com/AM-Campbell/sr/internal/storage"
	"github.com/AM-Campbell/sr/internal/sync"
	"github.com/AM-Campbell/sr/internal/web"

	// Registered adapters and schedulers.
	_ "github.com/AM-Campbell/sr/internal/adapter/basicqa"
	_ "github.com/AM-Campbell/sr/internal/scheduler/fsrs"
	_ "github.com/AM-Campbell/sr/internal/scheduler/sm2"
)

func main() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil)))

	rootCmd := &cobra.Command{
		Use:   "sr",
		Short: "Spaced repetition from plain markdown sources",
	}
	rootCmd.PersistentFlags().String("sr-dir", "", "sr data directory (default ~/.local/share/sr)")
	rootCmd.PersistentFlags().String("scheduler", "", "scheduler to use (default sm2)")

	rootCmd.AddCommand(scanCmd())
	rootCmd.AddCommand(reviewCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(decksCmd())
	rootCmd.AddCommand(recomputeCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

type app struct {
	settings *config.Settings
	db       *storage.DB
	sched    scheduler.Scheduler
}

func openApp(cmd *cobra.Command) (*app, error) {
	settings, err := config.Load(cmd.Flags())
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(settings.SRDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create sr directory: %w", err)
	}
	db, err := storage.Open(settings.DBPath)
	if err != nil {
		return nil, err
	}
	sched, err := scheduler.Open(settings.Scheduler, settings.SRDir, db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return &app{settings: settings, db: db, sched: sched}, nil
}

func (a *app) close() {
	if err := a.sched.Close(); err != nil {
		slog.Warn("Failed to close scheduler", "error", err)
	}
	if err := a.db.Close(); err != nil {
		slog.Warn("Failed to close database", "error", err)
	}
}

// resolveSources maps git URLs to local mirrors under <sr_dir>/repos,
// cloning or pulling as needed. Plain paths pass through absolutized.
func resolveSources(srDir string, args []string) ([]string, error) {
	var paths []string
	for _, arg := range args {
		if gitsource.IsGitURL(arg) {
			local, err := gitsource.MirrorPath(filepath.Join(srDir, "repos"), arg)
			if err != nil {
				return nil, err
			}
			if err := gitsource.Sync(arg, local); err != nil {
				return nil, fmt.Errorf("failed to sync %s: %w", arg, err)
			}
			paths = append(paths, local)
			continue
		}
		abs, err := filepath.Abs(arg)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve %s: %w", arg, err)
		}
		paths = append(paths, abs)
	}
	return paths, nil
}

func scanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "scan [paths or repo URLs]",
		Short: "Scan sources and reconcile the card store",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.close()

			paths, err := resolveSources(a.settings.SRDir, args)
			if err != nil {
				return err
			}
			results := scanner.Scan(paths)
			files, dirs := scanner.SplitScope(paths)

			stats, err := sync.New(a.db, a.sched).Reconcile(results, files, dirs)
			if err != nil {
				return err
			}
			fmt.Printf("Scanned %d source units: %d new, %d updated, %d deleted, %d unchanged.\n",
				len(results), stats.New, stats.Updated, stats.Deleted, stats.Unchanged)
			return nil
		},
	}
}

func reviewCmd() *cobra.Command {
	var (
		filter storage.SelectionFilter
		port   int
	)

	cmd := &cobra.Command{
		Use:   "review [paths or repo URLs]",
		Short: "Start the review server, scanning the given sources first",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.close()

			if len(args) > 0 {
				paths, err := resolveSources(a.settings.SRDir, args)
				if err != nil {
					return err
				}
				results := scanner.Scan(paths)
				files, dirs := scanner.SplitScope(paths)
				if _, err := sync.New(a.db, a.sched).Reconcile(results, files, dirs); err != nil {
					return err
				}
			}

			if !cmd.Flags().Changed("port") {
				port = a.settings.ReviewPort
			}
			addr := fmt.Sprintf("%s:%d", a.settings.ListenAddr, port)
			server := web.NewServer(a.db, a.sched, filter)
			slog.Info("Review server listening", "addr", addr, "scheduler", a.sched.ID())
			return http.ListenAndServe(addr, server)
		},
	}

	cmd.Flags().StringVar(&filter.Tag, "tag", "", "only review cards carrying this tag")
	cmd.Flags().StringVar(&filter.PathPrefix, "path", "", "only review cards from sources under this path")
	cmd.Flags().StringVar(&filter.Flag, "flag", "", "only review cards carrying this flag")
	cmd.Flags().BoolVar(&filter.IncludeNonGradable, "include-nongradable", false, "include non-gradable cards in the session")
	cmd.Flags().IntVar(&port, "port", 0, "review server port (default from settings)")
	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show card store statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.close()

			stats, err := a.db.Stats()
			if err != nil {
				return err
			}
			fmt.Printf("Active cards:    %d\n", stats.Active)
			fmt.Printf("Gradable:        %d\n", stats.Gradable)
			fmt.Printf("Due now:         %d\n", stats.DueNow)
			fmt.Printf("Reviewed today:  %d\n", stats.ReviewedToday)
			fmt.Printf("Total reviews:   %d\n", stats.TotalReviews)

			counts, err := a.db.SourceCounts()
			if err != nil {
				return err
			}
			if len(counts) > 0 {
				fmt.Println("\nSources:")
				for _, c := range counts {
					fmt.Printf("  %4d  %s\n", c.Count, c.SourcePath)
				}
			}
			return nil
		},
	}
}

func decksCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "decks",
		Short: "Show the deck tree",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.close()

			tree, err := decks.BuildTree(a.db)
			if err != nil {
				return err
			}
			if len(tree) == 0 {
				fmt.Println("No gradable cards yet. Use 'sr scan' to add sources.")
				return nil
			}
			printDecks(tree, 0)
			return nil
		},
	}
}

func printDecks(ds []decks.Deck, indent int) {
	for _, d := range ds {
		fmt.Printf("%s%s  (%d due / %d active / %d total)\n",
			strings.Repeat("  ", indent), d.Name, d.Due, d.Active, d.Total)
		printDecks(d.Children, indent+1)
	}
}

func recomputeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "recompute",
		Short: "Recompute recommendations for every active card",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.close()

			ids, err := a.db.ActiveCardIDs()
			if err != nil {
				return err
			}
			recs, err := a.sched.ComputeAll(ids)
			if err != nil {
				return err
			}
			err = a.db.WithTx(func(tx *storage.Tx) error {
				for _, rec := range recs {
					if err := tx.UpsertRecommendation(a.sched.ID(), rec); err != nil {
						return err
					}
				}
				return nil
			})
			if err != nil {
				return err
			}
			fmt.Printf("Recomputed %d recommendations for %d active cards.\n", len(recs), len(ids))
			return nil
		},
	}
}
