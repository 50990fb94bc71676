package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/ksred/p2p-bridge/internal/accounts"
	"github.com/ksred/p2p-bridge/internal/app"
	"github.com/ksred/p2p-bridge/internal/bybit"
	"github.com/ksred/p2p-bridge/internal/ratelimit"
	"github.com/ksred/p2p-bridge/internal/rates"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
)

func accountsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "accounts",
		Short: "Manage Platform A and Platform B accounts",
	}
	cmd.AddCommand(accountsImportCmd())
	cmd.AddCommand(accountsListCmd())
	return cmd
}

func accountsImportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import [file]",
		Short: "Create or update accounts from a YAML file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			registry, closeDB, err := openRegistry()
			if err != nil {
				return err
			}
			defer closeDB()

			res, err := registry.Import(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Printf("gate: %d created, %d updated\n", res.CreatedA, res.UpdatedA)
			fmt.Printf("bybit: %d created, %d updated\n", res.CreatedB, res.UpdatedB)
			return nil
		},
	}
}

func accountsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "Show accounts with their status and ad usage",
		RunE: func(cmd *cobra.Command, args []string) error {
			registry, closeDB, err := openRegistry()
			if err != nil {
				return err
			}
			defer closeDB()

			ctx := cmd.Context()
			gate, err := registry.ListAccountsA(ctx)
			if err != nil {
				return err
			}
			p2p, err := registry.ListAccountsB(ctx)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "PLATFORM\tID\tNAME\tSTATUS\tDETAIL")
			for _, acc := range gate {
				fmt.Fprintf(w, "gate\t%s\t%s\t%s\tbalance %s\n", acc.AccountID, acc.Login, acc.Status, acc.Balance.StringFixed(2))
			}
			for _, acc := range p2p {
				fmt.Fprintf(w, "bybit\t%s\t%s\t%s\tads %d/%d\n", acc.AccountID, acc.Name, acc.Status, acc.ActiveAdsCount, acc.MaxAdsPerAccount)
			}
			return w.Flush()
		},
	}
}

func openRegistry() (*accounts.Registry, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	db, err := app.Open(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	closeDB := func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	}
	return accounts.NewRegistry(db, cfg.Accounts.MaxAdsPerAccount), closeDB, nil
}

// rateCmd quotes a rate from the live public order book without touching
// the database.
func rateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rate [amount]",
		Short: "Quote the ad rate the engine would use for an amount",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := decimal.NewFromString(args[0])
			if err != nil || !amount.IsPositive() {
				return fmt.Errorf("amount must be a positive number, got %q", args[0])
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			rules, err := app.RateRules(cfg)
			if err != nil {
				return err
			}
			limiter := ratelimit.New(cfg.RateLimits.Quotas(), cfg.RateLimits.Default)
			book := bybit.NewBook(cfg.Bybit.PublicURL, cfg.Bybit.Asset, cfg.Bybit.Fiat, cfg.Bybit.BookPayments, cfg.Bybit.Timeout, limiter)

			quote, err := rates.NewService(book, rules).Quote(cmd.Context(), amount)
			if err != nil {
				return err
			}
			out, err := json.MarshalIndent(quote, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}
}
