package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ksred/p2p-bridge/internal/app"
	"github.com/ksred/p2p-bridge/internal/config"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var Version = "dev"

var configPath string

func main() {
	rootCmd := &cobra.Command{
		Use:           "p2p-bridge",
		Short:         "Order orchestration between the fiat gateway and the P2P desk",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file (defaults to $CONFIG_FILE)")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(accountsCmd())
	rootCmd.AddCommand(rateCmd())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig reads settings and configures logging for every command.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	app.SetupLogging(cfg.Env, cfg.Debug)
	return cfg, nil
}

func serveCmd() *cobra.Command {
	var importFile string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator and the operator API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if importFile != "" {
				cfg.Accounts.ImportFile = importFile
			}

			db, err := app.Open(cfg)
			if err != nil {
				return fmt.Errorf("failed to initialize database: %w", err)
			}
			a, err := app.New(cfg, db)
			if err != nil {
				return err
			}
			defer func() {
				if err := a.Close(); err != nil {
					log.Error().Err(err).Msg("close")
				}
			}()

			ctx := cmd.Context()
			if cfg.Accounts.ImportFile != "" {
				res, err := a.Registry.Import(ctx, cfg.Accounts.ImportFile)
				if err != nil {
					return fmt.Errorf("import accounts: %w", err)
				}
				log.Info().
					Int("created_a", res.CreatedA).
					Int("updated_a", res.UpdatedA).
					Int("created_b", res.CreatedB).
					Int("updated_b", res.UpdatedB).
					Msg("Accounts imported")
			}

			if err := a.Run(ctx); err != nil {
				return err
			}
			log.Info().Msg("Server exiting")
			return nil
		},
	}

	cmd.Flags().StringVar(&importFile, "import", "", "account file to import before starting")
	return cmd
}
