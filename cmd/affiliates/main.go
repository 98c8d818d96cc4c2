// Command affiliates registers an affiliate and prints the referral code to share.
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/operatorkit/backend/internal/config"
	"github.com/operatorkit/backend/internal/database"
	"github.com/operatorkit/backend/internal/logger"
	"github.com/operatorkit/backend/internal/repository"
	"github.com/operatorkit/backend/internal/services/affiliate"
)

func main() {
	var name, email string

	rootCmd := &cobra.Command{
		Use:   "affiliates",
		Short: "Register an affiliate and print its referral code",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return register(cmd.Context(), name, email)
		},
	}
	rootCmd.Flags().StringVar(&name, "name", "", "Affiliate display name, used for the code prefix")
	rootCmd.Flags().StringVar(&email, "email", "", "Affiliate email address")
	_ = rootCmd.MarkFlagRequired("email")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func register(ctx context.Context, name, email string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	zlog, err := logger.New(logger.Options{Level: cfg.LogLevel, Environment: cfg.Environment, File: cfg.LogFile})
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() { _ = zlog.Sync() }()

	db, err := database.InitDB(cfg.Database, zlog)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer func() { _ = database.Close(db) }()

	store := repository.NewGormStore(db, repository.WithIsolation(sql.LevelRepeatableRead))
	svc := affiliate.NewService(store, zlog.Named("affiliate"))

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	account, err := svc.Register(ctx, name, email)
	if errors.Is(err, affiliate.ErrAffiliateExists) {
		zlog.Error("An affiliate with this email already exists", zap.String("email", email))
		return err
	}
	if err != nil {
		return fmt.Errorf("failed to register affiliate: %w", err)
	}
	fmt.Println(account.ReferralCode)
	return nil
}
