package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"runboard/internal/config"
	"runboard/internal/logging"
	"runboard/internal/notify"
	"runboard/internal/repository"
	"runboard/internal/services"
)

var (
	flagOrg     string
	flagWorkers int
	flagMaxRuns int
)

func main() {
	root := &cobra.Command{
		Use:   "runboardctl",
		Short: "Operational CLI for the run ingestion service",
	}

	syncCmd := &cobra.Command{
		Use:   "sync",
		Short: "Run a full bulk sync against the configured organization",
		RunE:  runSync,
	}
	syncCmd.Flags().StringVar(&flagOrg, "org", "", "organization to sync (defaults to github.organization)")
	syncCmd.Flags().IntVar(&flagWorkers, "workers", 0, "concurrent repository workers")
	syncCmd.Flags().IntVar(&flagMaxRuns, "max-runs", 0, "max runs fetched per workflow")

	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Print aggregate run statistics",
		RunE:  runStats,
	}

	root.AddCommand(syncCmd, statsCmd)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runSync(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	logger := logging.NewLogger()

	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	org := flagOrg
	if org == "" {
		org = cfg.GitHub.Organization
	}
	if org == "" {
		return fmt.Errorf("no organization given; pass --org or set github.organization")
	}

	store, cleanup, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	source := services.NewGitHubSource(cfg.GitHub.APIURL, cfg.GitHub.Token)
	ingest := services.NewIngestService(store, notify.Noop{}, logger)
	sync := services.NewSyncService(store, source, ingest, notify.Noop{}, logger)

	opts := services.SyncOptions{
		MaxRunsPerWorkflow: cfg.Sync.MaxRunsPerWorkflow,
		Workers:            cfg.Sync.Workers,
		Progress: func(p services.Progress) {
			fmt.Printf("\r%3d%%  %s %s", p.Percent, p.CurrentRepo, p.CurrentWorkflow)
		},
	}
	if flagWorkers > 0 {
		opts.Workers = flagWorkers
	}
	if flagMaxRuns > 0 {
		opts.MaxRunsPerWorkflow = flagMaxRuns
	}

	started := time.Now()
	session, err := sync.RunSync(ctx, org, opts)
	fmt.Println()
	if err != nil {
		return fmt.Errorf("sync: %w", err)
	}

	fmt.Printf("Sync %s finished in %s: %s\n", session.ID, time.Since(started).Round(time.Second), session.Status)
	fmt.Printf("  repositories: %d\n", session.Results.Repositories)
	fmt.Printf("  workflows:    %d\n", session.Results.Workflows)
	fmt.Printf("  runs:         %d\n", session.Results.Runs)
	if len(session.Results.Errors) > 0 {
		fmt.Printf("  errors:       %d\n", len(session.Results.Errors))
		for _, e := range session.Results.Errors {
			fmt.Printf("    %s %s: %s\n", e.Type, e.Name, e.Error)
		}
	}
	return nil
}

func runStats(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	store, cleanup, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	stats, err := store.Stats(ctx)
	if err != nil {
		return fmt.Errorf("stats: %w", err)
	}

	fmt.Printf("total runs: %d\n", stats.TotalRuns)
	if stats.AverageDurationMS != nil {
		fmt.Printf("avg duration: %s\n", (time.Duration(*stats.AverageDurationMS) * time.Millisecond).Round(time.Second))
	}
	fmt.Println("by status:")
	for status, n := range stats.StatusHistogram {
		fmt.Printf("  %-12s %d\n", status, n)
	}
	fmt.Println("by repository:")
	for repo, n := range stats.PerRepository {
		fmt.Printf("  %-40s %d\n", repo, n)
	}
	return nil
}

func openStore(ctx context.Context, cfg *config.Config) (*repository.PostgresStore, func(), error) {
	connStr := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.DB.Host, cfg.DB.Port, cfg.DB.User, cfg.DB.Password, cfg.DB.Name, cfg.DB.SSLMode,
	)

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, nil, fmt.Errorf("connect database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("ping database: %w", err)
	}

	store := repository.NewPostgresStore(pool)
	if err := store.Migrate(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("migrate schema: %w", err)
	}
	return store, pool.Close, nil
}
