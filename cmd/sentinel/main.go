// Command sentinel watches a tastytrade account's option positions and
// liquidates strategies whose exit rule fires.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/eddiefleurent/spread_sentinel/internal/broker"
	"github.com/eddiefleurent/spread_sentinel/internal/config"
	"github.com/eddiefleurent/spread_sentinel/internal/logging"
	"github.com/eddiefleurent/spread_sentinel/internal/retry"
	"github.com/eddiefleurent/spread_sentinel/internal/storage"
)

const version = "0.1.0"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// app holds what every subcommand needs once config is loaded.
type app struct {
	config  *config.Config
	logger  *logrus.Logger
	storage storage.Interface
	api     *broker.TastyAPI
	broker  broker.Broker
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "sentinel",
		Short:         "Exit monitor for tastytrade option strategies",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "Path to configuration file")

	root.AddCommand(
		newRunCmd(&configPath),
		newPositionsCmd(&configPath),
		newLookupCmd(&configPath),
		newLiquidateCmd(&configPath),
	)
	return root
}

// setup loads config, builds the logger, opens storage and authenticates
// the REST client. Callers must close the returned app.
func setup(ctx context.Context, configPath string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logger, err := logging.New(cfg.Logging())
	if err != nil {
		return nil, err
	}

	store, err := storage.NewStorage(cfg.Storage.Driver, cfg.Storage.Path)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	api := broker.NewTastyAPI(cfg.Broker.APIURL, cfg.Broker.AccountID, logger,
		broker.WithRetry(retry.NewClient(logger, cfg.RetryPolicy())))
	if err := authenticate(ctx, api, store, cfg.Broker, logger); err != nil {
		_ = store.Close()
		return nil, err
	}

	return &app{
		config:  cfg,
		logger:  logger,
		storage: store,
		api:     api,
		broker:  broker.NewCircuitBreakerBrokerWithSettings(api, logger, cfg.Breaker()),
	}, nil
}

func (a *app) Close() {
	if err := a.storage.Close(); err != nil {
		a.logger.WithError(err).Warn("Failed to close storage")
	}
}
