package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/spf13/cobra"

	"github.com/liamcoop/bizrules/internal/config"
	"github.com/liamcoop/bizrules/internal/db"
	"github.com/liamcoop/bizrules/internal/logger"
	"github.com/liamcoop/bizrules/rules"
	"github.com/liamcoop/bizrules/server"
)

const Version = "0.1.0"

const shutdownTimeout = 30 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("host", "0.0.0.0", "HTTP server host")
	serveCmd.Flags().Int("port", 8080, "HTTP server port")
	serveCmd.Flags().String("rules-file", "", "YAML rules loaded at startup")
	serveCmd.Flags().Bool("migrate", true, "apply pending migrations before serving")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("host") {
		cfg.Host, _ = cmd.Flags().GetString("host")
	}
	if cmd.Flags().Changed("port") {
		cfg.Port, _ = cmd.Flags().GetInt("port")
	}
	if cmd.Flags().Changed("rules-file") {
		cfg.RulesFile, _ = cmd.Flags().GetString("rules-file")
	}
	if err := config.Validate(cfg); err != nil {
		return err
	}
	runMigrations, _ := cmd.Flags().GetBool("migrate")

	ctx := context.Background()

	store, database, err := openStore(cfg, runMigrations)
	if err != nil {
		return err
	}
	if database != nil {
		defer database.Close()
	}

	evaluator, err := rules.DefaultEvaluator()
	if err != nil {
		return err
	}

	cache := rules.NewInMemoryRulesCache(rules.CacheConfig{TTL: cfg.CacheTTL})
	engine, err := rules.NewEngine(rules.NewCachedRepository(store, cache), evaluator)
	if err != nil {
		return fmt.Errorf("failed to create engine: %w", err)
	}
	service := rules.NewService(store, cache, evaluator)

	seeded, err := rules.LoadRulesFile(cfg.RulesFile)
	if err != nil {
		return err
	}
	if cfg.DatabaseURL != "" {
		if err := rules.RequireSeedIDs(seeded); err != nil {
			return err
		}
	}
	created, err := rules.Seed(ctx, service, seeded)
	if err != nil {
		return err
	}
	if len(seeded) > 0 {
		logger.Info("rules file loaded", "path", cfg.RulesFile, "rules", len(seeded), "created", created)
	}

	srv := server.NewServer(server.Deps{
		Service:        service,
		Engine:         engine,
		DB:             database,
		RequestTimeout: cfg.RequestTimeout,
		MaxBodyBytes:   cfg.MaxBodyBytes,
	})

	httpServer := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      srv,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.RequestTimeout + 5*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		logger.Info("server starting", "version", Version, "addr", cfg.Addr())
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errChan:
		return fmt.Errorf("server failed: %w", err)
	case <-sigChan:
	}

	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	logger.Info("server stopped")
	return nil
}

// openStore returns SQL storage when a database is configured and in-memory storage otherwise.
func openStore(cfg *config.Config, runMigrations bool) (rules.RuleStore, *sqlx.DB, error) {
	if cfg.DatabaseURL == "" {
		logger.Info("no database configured, rules are kept in memory")
		return rules.NewInMemoryRuleStore(), nil, nil
	}

	database, err := db.Open(cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	if runMigrations {
		if err := db.MigrateUp(database); err != nil {
			database.Close()
			return nil, nil, err
		}
	}
	queries, err := db.LoadQueries(database)
	if err != nil {
		database.Close()
		return nil, nil, err
	}
	return rules.NewSQLRuleStore(queries), database, nil
}
