package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/craigrallen/yeshe-norbu-sub000/internal/config"
	"github.com/craigrallen/yeshe-norbu-sub000/internal/domain"
	stripegw "github.com/craigrallen/yeshe-norbu-sub000/internal/gateway/stripe"
	"github.com/craigrallen/yeshe-norbu-sub000/internal/httpapi"
	"github.com/craigrallen/yeshe-norbu-sub000/internal/logging"
	"github.com/craigrallen/yeshe-norbu-sub000/internal/reconcile"
	"github.com/craigrallen/yeshe-norbu-sub000/internal/service"
	pgstore "github.com/craigrallen/yeshe-norbu-sub000/internal/store/postgres"
)

var Version = "dev"

var errNoDatabase = errors.New("DATABASE_URL must be set")

// openUserStore is replaced in tests.
var openUserStore = func(ctx context.Context, cfg config.Config) (httpapi.UserStore, func() error, error) {
	pg, err := openStore(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	return pg, pg.Close, nil
}

func main() {
	if err := config.LoadDotEnv(".env"); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "ledgerctl",
		Short:         "Operator tooling for the order and payment ledger",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(migrateCmd())
	root.AddCommand(reconcileCmd())
	root.AddCommand(userCmd())
	return root
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the ledger schema to DATABASE_URL",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := config.Load()
			pg, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer pg.Close()

			if err := pg.Migrate(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "schema applied")
			return nil
		},
	}
}

func reconcileCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Reconcile the ledger against gateway records",
	}

	var limit int
	stripeCmd := &cobra.Command{
		Use:   "stripe",
		Short: "Pull recent Stripe charges and insert the ones the ledger is missing",
		Long: `Pull recent Stripe charges and insert the ones the ledger is missing.

Charges are matched to orders by payment intent, then by order id or number
in the charge metadata, then by net amount within two hours of the order.
Running it again is safe: charges already recorded are skipped.

Examples:
  ledgerctl reconcile stripe
  ledgerctl reconcile stripe --limit 2000`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := config.Load()
			if !cfg.StripeEnabled() {
				return fmt.Errorf("STRIPE_SECRET_KEY must be set")
			}
			return runReconcile(cmd, cfg, limit)
		},
	}
	stripeCmd.Flags().IntVarP(&limit, "limit", "n", reconcile.DefaultLimit, fmt.Sprintf("maximum charges to pull (capped at %d)", reconcile.MaxLimit))

	cmd.AddCommand(stripeCmd)
	return cmd
}

func userCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage staff logins",
	}

	var role, password string
	addCmd := &cobra.Command{
		Use:   "add <username>",
		Short: "Create a staff or admin login",
		Long: `Create a staff or admin login.

Without --password the password is read from the first line of stdin.

Examples:
  ledgerctl user add karin --role admin
  echo "$PASSWORD" | ledgerctl user add tenzin`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if password == "" {
				line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				if err != nil && !errors.Is(err, io.EOF) {
					return fmt.Errorf("read password: %w", err)
				}
				password = strings.TrimRight(line, "\r\n")
			}

			cfg := config.Load()
			users, closeFn, err := openUserStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer closeFn()

			auth := httpapi.NewAuthManager(cfg.AuthSecret, time.Minute, "", users)
			user, err := auth.CreateStaff(cmd.Context(), domain.StaffCreateRequest{Username: args[0], Password: password, Role: role})
			if err != nil {
				return fmt.Errorf("create user: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created %s (%s)\n", user.Username, user.Role)
			return nil
		},
	}
	addCmd.Flags().StringVar(&role, "role", httpapi.RoleStaff, "role: staff or admin")
	addCmd.Flags().StringVar(&password, "password", "", "password (read from stdin when empty)")

	cmd.AddCommand(addCmd)
	return cmd
}

func runReconcile(cmd *cobra.Command, cfg config.Config, limit int) error {
	ctx := cmd.Context()
	pg, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer pg.Close()

	logger := logging.NewWithWriter(cmd.ErrOrStderr(), cfg.LogLevel)
	svc := service.New(pg, service.Options{Logger: logger})
	job := reconcile.NewJob(stripegw.New(cfg.StripeSecretKey), pg, svc, logger)

	summary, err := job.Run(ctx, reconcile.ClampLimit(limit))
	if err != nil {
		return fmt.Errorf("reconcile stripe: %w", err)
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(summary)
}

func openStore(ctx context.Context, cfg config.Config) (*pgstore.Store, error) {
	if cfg.DatabaseURL == "" {
		return nil, errNoDatabase
	}
	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	pg, err := pgstore.New(connectCtx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return pg, nil
}
