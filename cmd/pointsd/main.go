package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Digital-Creators-Team/points-engine/auth"
	"github.com/Digital-Creators-Team/points-engine/config"
	"github.com/Digital-Creators-Team/points-engine/db/postgres"
	"github.com/Digital-Creators-Team/points-engine/wire"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	version    = "dev"
	configPath string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "pointsd",
		Short: "Points economy and progressive reward engine",
		Long: `pointsd credits survey completions, funds the tiered reward pools
and records jackpot winners.

Example:
  pointsd serve --config configs
  pointsd migrate --config configs/config.yaml
  pointsd verify acc-1 acc-2
  pointsd token --account ops --role admin`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "configs", "Config file, or a directory whose YAML files are merged")

	rootCmd.AddCommand(serveCmd(), migrateCmd(), verifyCmd(), resumeCmd(), tokenCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// loadConfig reads the config and assigns an instance id when none is set.
func loadConfig() (*config.Config, zerolog.Logger, error) {
	cfg, err := config.LoadPath(configPath)
	if err != nil {
		return nil, zerolog.Logger{}, err
	}
	if cfg.Kafka.InstanceID == "" {
		if host, err := os.Hostname(); err == nil && host != "" {
			cfg.Kafka.InstanceID = host + "-" + uuid.NewString()[:8]
		} else {
			cfg.Kafka.InstanceID = uuid.NewString()
		}
	}
	logger := wire.ProvideLogger(cfg).With().
		Str("service", "pointsd").
		Str("instance_id", cfg.Kafka.InstanceID).
		Logger()
	return cfg, logger, nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and background workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			rt, cleanup, err := wire.NewRuntime(ctx, cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to initialize: %w", err)
			}

			// Background loops outlive the signal context until the server has drained.
			workers, stopWorkers := context.WithCancel(context.Background())
			if err := rt.Start(workers); err != nil {
				stopWorkers()
				cleanup()
				return fmt.Errorf("failed to start workers: %w", err)
			}

			rt.App.OnShutdown(func() {
				stopWorkers()
				rt.Stop()
				cleanup()
			})

			logger.Info().
				Str("version", version).
				Str("storage", cfg.Storage.Driver).
				Bool("kafka", rt.Producer != nil).
				Bool("redis", rt.Redis != nil).
				Bool("sweeper", rt.Sweeper != nil).
				Msg("Starting points engine")
			return rt.App.RunWithContext(ctx)
		},
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.Storage.Driver != config.StorageDriverPostgres {
				return fmt.Errorf("migrate requires storage.driver %q", config.StorageDriverPostgres)
			}
			return postgres.Migrate(cfg.Postgres.DSN, logger)
		},
	}
}

func verifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify ACCOUNT_ID...",
		Short: "Replay account transaction logs against stored balances",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			// verify only reads; keep the sweeper and Kafka out of it
			cfg.Kafka.Brokers = nil
			cfg.Rewards.Resume.Interval = -1

			rt, cleanup, err := wire.NewRuntime(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer cleanup()

			failed := 0
			for _, id := range args {
				if err := rt.Ledger.VerifyConsistency(cmd.Context(), id); err != nil {
					failed++
					fmt.Fprintf(cmd.OutOrStdout(), "%s\tFAIL\t%v\n", id, err)
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\tOK\n", id)
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d accounts failed verification", failed, len(args))
			}
			return nil
		},
	}
}

func resumeCmd() *cobra.Command {
	var (
		olderThan time.Duration
		limit     int
	)
	cmd := &cobra.Command{
		Use:   "resume",
		Short: "Finish completions left unfinalized by an earlier failure",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			cfg.Rewards.Resume.Interval = -1

			rt, cleanup, err := wire.NewRuntime(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer cleanup()
			if err := rt.Pools.Init(cmd.Context()); err != nil {
				return err
			}

			n, err := rt.Processor.ResumePending(cmd.Context(), olderThan, limit)
			rt.Processor.Wait()
			fmt.Fprintf(cmd.OutOrStdout(), "resumed %d completions\n", n)
			return err
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", time.Minute, "Only resume events idle for at least this long")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum events to resume (0 for all)")
	return cmd
}

func tokenCmd() *cobra.Command {
	var (
		accountID string
		role      string
		ttl       time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a signed API token",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}
			switch role {
			case auth.RoleUser, auth.RoleService, auth.RoleAdmin:
			default:
				return fmt.Errorf("unknown role %q", role)
			}
			if ttl == 0 {
				ttl = cfg.JWT.Expiration
			}
			tok, err := auth.GenerateToken(cfg.JWT.Secret, accountID, accountID, role, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&accountID, "account", "", "Account id carried in the token")
	cmd.Flags().StringVar(&role, "role", auth.RoleUser, "Role: user, service or admin")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "Token lifetime (defaults to jwt.expiration)")
	_ = cmd.MarkFlagRequired("account")
	return cmd
}
