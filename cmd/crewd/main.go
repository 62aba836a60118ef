package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gregtusar/crews/api"
	"github.com/gregtusar/crews/internal/config"
	"github.com/gregtusar/crews/pkg/clock"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var cfgFile string

func main() {
	rootCmd := &cobra.Command{
		Use:          "crewd",
		Short:        "Trading crew orchestration and paper-trading engine",
		Long:         `Runs trading crews against Binance market data, simulates their fills, tracks performance and tunes strategy parameters.`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml)")

	rootCmd.AddCommand(serveCmd(), candlesCmd(), tokenCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// setup loads and validates configuration and builds the logger from it.
func setup() (*config.Config, *logrus.Logger, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid configuration: %w", err)
	}
	logger, err := cfg.Logging.NewLogger()
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the crew engine and its HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			e, err := build(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer e.close()

			logger.Info("Crew engine is running. Press Ctrl+C to stop.")
			err = e.run(ctx)
			logger.Info("Crew engine stopped")
			return err
		},
	}
}

func candlesCmd() *cobra.Command {
	var (
		symbol, interval string
		since            time.Duration
		strict           bool
	)
	cmd := &cobra.Command{
		Use:   "candles",
		Short: "Print candles for a series as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			store, closeArchive, err := newStore(ctx, cfg, clock.Wall{}, logger)
			if err != nil {
				return err
			}
			defer closeArchive()

			end := time.Now().UTC()
			res, err := candlesFrom(ctx, store, symbol, interval, end.Add(-since), end, strict)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(res)
		},
	}
	cmd.Flags().StringVar(&symbol, "symbol", "BTCUSDT", "trading pair")
	cmd.Flags().StringVar(&interval, "interval", "1h", "candle interval")
	cmd.Flags().DurationVar(&since, "since", 24*time.Hour, "how far back to read")
	cmd.Flags().BoolVar(&strict, "strict", false, "fail when the range has gaps")
	return cmd
}

func tokenCmd() *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token <subject>",
		Short: "Issue an API bearer token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := setup()
			if err != nil {
				return err
			}
			tok, err := api.IssueToken(cfg.Auth.JWTSecret, cfg.Auth.Issuer, args[0], time.Now().UTC(), ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}
