// Command settlementctl runs one-off operations against the settlement
// database: migrations, audit maintenance, visibility enforcement and
// reconciliation sweeps.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/safar/marketplace-settlement/internal/config"
	"github.com/safar/marketplace-settlement/internal/database"
	"github.com/safar/marketplace-settlement/internal/logging"
	"github.com/safar/marketplace-settlement/internal/store"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var Version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "settlementctl",
		Short:         "Operate the marketplace settlement service",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(migrateCmd())
	root.AddCommand(auditCmd())
	root.AddCommand(enforceCmd())
	root.AddCommand(reconcileCmd())
	return root
}

// env is what every subcommand needs; close releases it.
type env struct {
	cfg    *config.Config
	db     *sql.DB
	repo   *store.Store
	logger *zap.Logger
}

func open(ctx context.Context) (*env, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.NewLogger(cfg.Service.Name+"-ctl", cfg.Service.Env, cfg.Service.LogLevel)
	if err != nil {
		return nil, err
	}
	db, err := database.NewConnection(ctx, &cfg.Database)
	if err != nil {
		return nil, err
	}
	txOpts := database.DefaultTxOptions()
	txOpts.MaxRetries = cfg.Database.MaxTxRetries
	return &env{cfg: cfg, db: db, repo: store.New(db, txOpts), logger: logger}, nil
}

func (e *env) close() {
	_ = e.db.Close()
	_ = e.logger.Sync()
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
