package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/docvault/internal/config"
	"github.com/ehr/docvault/internal/platform/db"
	"github.com/ehr/docvault/internal/platform/envelope"
	"github.com/ehr/docvault/internal/platform/keys"
	"github.com/ehr/docvault/internal/platform/metrics"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "docvault-server",
		Short:        "Envelope-encrypted medical document service",
		SilenceUsage: true,
	}

	root.AddCommand(serveCmd())
	root.AddCommand(migrateCmd())
	root.AddCommand(keysCmd())
	return root
}

func newLogger(env string) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

// loadConfig loads and validates configuration.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the document API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			migrate, _ := cmd.Flags().GetBool("migrate")
			return runServer(migrate)
		},
	}
	cmd.Flags().Bool("migrate", false, "Apply pending database migrations before serving")
	return cmd
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	// migrate up
	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd.Context(), func(ctx context.Context, m *db.Migrator) error {
				count, err := m.Up(ctx)
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
				return nil
			})
		},
	})

	// migrate status
	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd.Context(), func(ctx context.Context, m *db.Migrator) error {
				statuses, err := m.Status(ctx)
				if err != nil {
					return fmt.Errorf("failed to get migration status: %w", err)
				}
				printMigrationStatus(cmd.OutOrStdout(), statuses)
				return nil
			})
		},
	})

	return cmd
}

func withMigrator(ctx context.Context, fn func(context.Context, *db.Migrator) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required for migrations")
	}

	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return err
	}
	defer pool.Close()

	return fn(ctx, db.NewMigrator(pool, db.Migrations()))
}

func printMigrationStatus(w io.Writer, statuses []db.MigrationStatus) {
	fmt.Fprintf(w, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
	fmt.Fprintln(w, "---------- ---------------------------------------- ---------- --------------------")
	for _, s := range statuses {
		status := "pending"
		appliedAt := ""
		if s.Applied {
			status = "applied"
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
			}
		}
		fmt.Fprintf(w, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
	}
}

func keysCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage identity key pairs",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "generate <identity>",
		Short: "Generate and register the first key pair for an identity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withKeyManager(cmd, func(ctx context.Context, km *keys.Manager) error {
				pair, err := km.GenerateAndRegister(ctx, args[0])
				if err != nil {
					return err
				}
				return printPublicKey(cmd.OutOrStdout(), args[0], 1, pair)
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "rotate <identity>",
		Short: "Issue a new key pair version; older versions stay readable",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withKeyManager(cmd, func(ctx context.Context, km *keys.Manager) error {
				pair, version, err := km.Rotate(ctx, args[0])
				if err != nil {
					return err
				}
				return printPublicKey(cmd.OutOrStdout(), args[0], version, pair)
			})
		},
	})

	showCmd := &cobra.Command{
		Use:   "show <identity>",
		Short: "Print a published public key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			version, _ := cmd.Flags().GetInt("version")
			return withKeyManager(cmd, func(ctx context.Context, km *keys.Manager) error {
				pub, err := km.RetrievePublicKey(ctx, args[0], version)
				if err != nil {
					return err
				}
				return printPublicKey(cmd.OutOrStdout(), pub.Identity, pub.Version, &envelope.KeyPair{Public: pub.Key})
			})
		},
	}
	showCmd.Flags().Int("version", 0, "Key version (0 for latest)")
	cmd.AddCommand(showCmd)

	return cmd
}

func withKeyManager(cmd *cobra.Command, fn func(context.Context, *keys.Manager) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Env)
	if cfg.KeyStore == config.BackendMemory {
		logger.Warn().Msg("KEY_STORE is memory; keys created by this command are discarded on exit")
	}

	b, err := openBackends(ctx, cfg, false, logger)
	if err != nil {
		return err
	}
	defer b.Close()

	return fn(ctx, keys.NewManager(b.keyStore, b.dir, cfg.RSAKeyBits, logger))
}

func printPublicKey(w io.Writer, identity string, version int, pair *envelope.KeyPair) error {
	pemBytes, err := envelope.PublicKeyPEM(pair.Public)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "identity: %s\nversion:  %d\nalgorithm: %s\n%s", identity, version, envelope.WrapAlgorithm, pemBytes)
	return nil
}

func runServer(migrate bool) error {
	// Logger
	logger := newLogger(os.Getenv("ENV"))

	// Config
	cfg, err := loadConfig()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if cfg.ResolvedAuthMode() == "development" {
		logger.Warn().
			Str("header", "X-Identity").
			Msg("development auth is active: callers choose their identity; do not use in production")
	}
	if cfg.KeyStore == config.BackendMemory {
		logger.Warn().Msg("KEY_STORE is memory: private keys are lost on restart")
	}

	ctx := context.Background()
	b, err := openBackends(ctx, cfg, migrate, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open backends")
	}
	defer func() {
		if err := b.Close(); err != nil {
			logger.Error().Err(err).Msg("closing backends")
		}
	}()

	e, err := newServer(cfg, b, metrics.New(), logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build server")
	}

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Bool("tls", cfg.TLSEnabled).Msg("starting server")
		var err error
		if cfg.TLSEnabled {
			err = e.StartTLS(addr, cfg.TLSCertFile, cfg.TLSKeyFile)
		} else {
			err = e.Start(addr)
		}
		if err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}
