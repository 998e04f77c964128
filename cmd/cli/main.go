package main

import (
	"context"
	"fmt"
	"os"

	_ "github.com/joho/godotenv/autoload"
	"github.com/spf13/cobra"

	"github.com/dvloznov/finance-patterns/internal/app"
	"github.com/dvloznov/finance-patterns/internal/config"
	"github.com/dvloznov/finance-patterns/internal/logger"
)

// withApp loads the configuration, wires the application and runs fn with it.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	if backend, _ := cmd.Flags().GetString("store"); backend != "" {
		cfg.Store.Backend = backend
	}

	log, err := logger.Configure(logger.Options{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Writer: cmd.ErrOrStderr(),
	})
	if err != nil {
		return err
	}

	ctx := logger.WithContext(cmd.Context(), log)
	a, err := app.New(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()

	return fn(ctx, a)
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "patterns",
		Short:        "Recurring payment and transfer detection for household transactions",
		SilenceUsage: true,
	}
	root.PersistentFlags().String("store", "", "Store backend override (memory, sqlite, bigquery)")

	root.AddCommand(detectCmd())
	root.AddCommand(collapseCmd())
	root.AddCommand(upcomingCmd())
	root.AddCommand(missedCmd())
	root.AddCommand(priceChangesCmd())
	root.AddCommand(statsCmd())
	root.AddCommand(seedCmd())
	return root
}

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
