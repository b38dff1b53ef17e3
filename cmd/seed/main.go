package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"doodle-forge/backend/internal/auth"
	"doodle-forge/backend/internal/config"
	"doodle-forge/backend/internal/ledger"
	"doodle-forge/backend/internal/logging"
	"doodle-forge/backend/internal/repository"
)

type seedOptions struct {
	configFile string
	uid        string
	credits    int64
	admin      bool
	devMode    bool
	tokenTTL   time.Duration
}

func main() {
	var opts seedOptions

	cmd := &cobra.Command{
		Use:          "seed",
		Short:        "Create or update a user with credits and flags",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return seed(cmd.Context(), opts)
		},
	}
	cmd.Flags().StringVar(&opts.configFile, "config", "", "Path to config.yaml")
	cmd.Flags().StringVar(&opts.uid, "uid", "", "User id to seed")
	cmd.Flags().Int64Var(&opts.credits, "credits", 0, "Credits to grant")
	cmd.Flags().BoolVar(&opts.admin, "admin", false, "Grant the admin flag")
	cmd.Flags().BoolVar(&opts.devMode, "dev-mode", false, "Enable dev mode on the account")
	cmd.Flags().DurationVar(&opts.tokenTTL, "token-ttl", 24*time.Hour, "Lifetime of the printed token")
	_ = cmd.MarkFlagRequired("uid")

	if err := cmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func seed(ctx context.Context, opts seedOptions) error {
	cfg, err := config.LoadConfig(opts.configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Storage.Driver != "postgres" {
		return errors.New("seeding needs storage.driver=postgres")
	}
	logger := logging.NewLogger(cfg.LogLevel)
	defer logger.Sync()

	pool, err := pgxpool.New(ctx, cfg.DSN())
	if err != nil {
		return fmt.Errorf("failed to connect to DB: %w", err)
	}
	defer pool.Close()

	if err := repository.Migrate(ctx, pool); err != nil {
		return err
	}
	store := repository.NewPostgresStore(pool)
	credits := ledger.New(store, cfg.Credits.InitialBalance)

	account, err := credits.Balance(ctx, opts.uid)
	if err != nil {
		return err
	}
	if opts.credits > 0 {
		if account, err = credits.Grant(ctx, opts.uid, opts.credits); err != nil {
			return err
		}
		logger.Info("Granted credits", "uid", opts.uid, "amount", opts.credits)
	}
	if opts.devMode {
		if account, err = credits.SetDevMode(ctx, opts.uid, true); err != nil {
			return err
		}
	}
	if opts.admin {
		if err := store.SetAdmin(ctx, opts.uid, true); err != nil {
			return err
		}
		logger.Info("Granted admin", "uid", opts.uid)
	}
	logger.Info("Seeding complete!", "uid", opts.uid, "balance", account.Balance, "dev_mode", account.DevMode)

	if cfg.Auth.JWTSecret == "" {
		return nil
	}
	issuer, err := auth.NewJWTVerifier(cfg.Auth.JWTSecret, cfg.Auth.JWTIssuer, store)
	if err != nil {
		return err
	}
	token, err := issuer.Issue(opts.uid, false, opts.tokenTTL)
	if err != nil {
		return fmt.Errorf("issue token: %w", err)
	}
	fmt.Println(token)
	return nil
}
