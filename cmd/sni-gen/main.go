// sni-gen — the Event Family generation pipeline. One `run` executes a
// single Select → Map → Reduce → Merge → Persist cycle against the
// configured store and LLM endpoint.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/design4music/sni-platform/pkg/config"
	"github.com/design4music/sni-platform/pkg/database"
	"github.com/design4music/sni-platform/pkg/llm"
	"github.com/design4music/sni-platform/pkg/pipeline"
	"github.com/design4music/sni-platform/pkg/services"
	"github.com/design4music/sni-platform/pkg/version"
)

// Exit codes by abort category, for the launcher contract.
const (
	exitOK        = 0
	exitFailure   = 1
	exitConfig    = 2
	exitStore     = 3
	exitLLM       = 4
	exitInvariant = 5
)

func main() {
	var configDir string

	root := &cobra.Command{
		Use:           "sni-gen",
		Short:         "Event Family generation pipeline",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configDir, "config-dir", getEnv("CONFIG_DIR", "./config"), "Path to configuration directory")

	root.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "Execute a single generation run",
		RunE: func(cmd *cobra.Command, args []string) error {
			os.Exit(runOnce(configDir))
			return nil
		},
	})
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the build version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version.Full())
		},
	})

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitFailure)
	}
}

func runOnce(configDir string) int {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil)))
	slog.Info("Starting sni-gen", "version", version.Full(), "config_dir", configDir)

	// .env is optional; existing environment wins.
	envPath := filepath.Join(configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Debug("No .env file loaded", "path", envPath)
	}

	cfg, err := config.Initialize(configDir)
	if err != nil {
		slog.Error("Configuration failed", "error", err)
		return exitConfig
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dbCfg, err := database.LoadConfigFromEnv()
	if err != nil {
		slog.Error("Database configuration failed", "error", err)
		return exitConfig
	}
	db, err := database.NewClient(ctx, dbCfg)
	if err != nil {
		slog.Error("Store unavailable", "error", err)
		return exitStore
	}
	defer db.Close()

	client, err := llm.NewHTTPClient(cfg.LLM, int64(cfg.GlobalLLMInFlight()))
	if err != nil {
		slog.Error("LLM client setup failed", "error", err)
		return exitLLM
	}
	defer func() { _ = client.Close() }()

	orch := pipeline.NewOrchestrator(cfg,
		services.NewTitleService(db),
		services.NewEFService(db),
		client)

	report, err := orch.Run(ctx)
	if err != nil {
		slog.Error("Run aborted", "state", report.State, "error", err)
		return exitCodeFor(err)
	}

	fmt.Printf("run %s: selected=%d incidents=%d orphans=%d candidates=%d new_efs=%d merged_efs=%d persisted=%d dropped=%d\n",
		report.State, report.Selected, report.Incidents, report.Orphans,
		report.Candidates, report.NewEFs, report.MergedEFs, report.Persisted, report.Dropped)
	return exitOK
}

func exitCodeFor(err error) int {
	var ae *pipeline.AbortError
	if !errors.As(err, &ae) {
		return exitFailure
	}
	switch ae.Category {
	case pipeline.CategoryConfig:
		return exitConfig
	case pipeline.CategoryStore:
		return exitStore
	case pipeline.CategoryLLM:
		return exitLLM
	case pipeline.CategoryInvariant:
		return exitInvariant
	}
	return exitFailure
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
