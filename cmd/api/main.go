package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"tradeescrow/auth"
	"tradeescrow/config"
	"tradeescrow/contract"
	"tradeescrow/db"
	"tradeescrow/dispute"
	"tradeescrow/escrow"
	"tradeescrow/logger"
	"tradeescrow/migrations"
	"tradeescrow/settlement"
	"tradeescrow/store"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		log.Fatalf("escrow-api: %v", err)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "escrow-api",
		Short:         "Milestone escrow API",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringP("config", "c", "config.yaml", "Path to the YAML config file")
	root.AddCommand(newServeCmd(), newMigrateCmd(), newTokenCmd())
	return root
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if cfg.Database.URL == "" {
				return errors.New("migrate: database.url is not configured")
			}
			pool, err := db.NewPool(cmd.Context(), cfg.Database)
			if err != nil {
				return err
			}
			defer pool.Close()

			applied, err := db.Migrate(cmd.Context(), pool, migrations.FS)
			if err != nil {
				return err
			}
			for _, name := range applied {
				fmt.Fprintf(cmd.OutOrStdout(), "applied %s\n", name)
			}
			if len(applied) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "schema up to date")
			}
			return nil
		},
	}
}

func newTokenCmd() *cobra.Command {
	var party, role string
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for a party",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			issuer, err := auth.NewService(cfg.Auth.JWTSecret)
			if err != nil {
				return err
			}
			token, err := issuer.Issue(escrow.Actor{PartyID: party, Role: escrow.Role(role)})
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
			return err
		},
	}
	cmd.Flags().StringVar(&party, "party", "", "Party id placed in the sub claim (required)")
	cmd.Flags().StringVar(&role, "role", string(escrow.RoleBuyer), "buyer, seller or arbitrator")
	_ = cmd.MarkFlagRequired("party")
	return cmd
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	return config.Load(path)
}

func serve(ctx context.Context, cfg *config.Config) error {
	lggr, err := logger.New(logger.Config{Level: cfg.Log.Level, Development: cfg.Log.Development})
	if err != nil {
		return err
	}
	defer func() { _ = lggr.Sync() }()

	st, closeStore, err := openStore(ctx, cfg.Database, lggr)
	if err != nil {
		return err
	}
	defer closeStore()

	primary, fallback, err := openBackends(ctx, cfg.Settlement, lggr)
	if err != nil {
		return err
	}
	settler := settlement.NewDegrading(primary, fallback, settlement.Options{
		Attempts: cfg.Settlement.PrimaryAttempts,
		Delay:    cfg.Settlement.RetryDelay,
		Timeout:  cfg.Settlement.Timeout,
	}, lggr)

	verifier, err := auth.NewService(cfg.Auth.JWTSecret)
	if err != nil {
		return err
	}

	locks := store.NewLocker()
	contracts := contract.NewService(st, locks, settler, lggr)
	disputes := dispute.NewService(st, locks, contracts, lggr)

	srv := &http.Server{
		Addr:    cfg.HTTP.Addr,
		Handler: NewServer(contracts, disputes, verifier, lggr).Routes(),
	}

	errCh := make(chan error, 1)
	go func() {
		lggr.Infow("listening", "addr", cfg.HTTP.Addr, "primary", primary.Name(), "fallback", fallback.Name())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	lggr.Infow("shutting down", "timeout", cfg.HTTP.ShutdownTimeout)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// openStore selects Postgres when a database URL is configured, the in-memory store otherwise.
func openStore(ctx context.Context, cfg config.DatabaseConfig, lggr logger.Logger) (store.Store, func(), error) {
	if cfg.URL == "" {
		lggr.Warnw("no database configured; using in-memory store")
		return store.NewMemoryRepository(), func() {}, nil
	}
	pool, err := db.NewPool(ctx, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("bootstrap database pool: %w", err)
	}
	return store.NewPGRepository(pool), pool.Close, nil
}

// openBackends builds the primary and fallback settlement backends. Unconfigured backends run
// against one shared in-memory sandbox ledger.
func openBackends(ctx context.Context, cfg config.SettlementConfig, lggr logger.Logger) (settlement.Backend, settlement.Backend, error) {
	sandbox := settlement.NewLedger()

	var primary settlement.Backend = settlement.NewMemoryBackend("sandbox-primary", sandbox)
	if cfg.Chain.RPCURL != "" {
		chain, err := settlement.NewChainBackend(ctx, cfg.Chain)
		if err != nil {
			return nil, nil, err
		}
		primary = chain
	} else {
		lggr.Warnw("no chain configured; primary settlement uses the sandbox ledger")
	}

	var fallback settlement.Backend = settlement.NewMemoryBackend("sandbox-fallback", sandbox)
	if cfg.Intermediary.BaseURL != "" {
		fallback = settlement.NewHTTPBackend(cfg.Intermediary.BaseURL, cfg.Intermediary.APIKey)
	} else {
		lggr.Warnw("no intermediary configured; fallback settlement uses the sandbox ledger")
	}
	return primary, fallback, nil
}
