package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/eddiefleurent/spread_sentinel/internal/account"
	"github.com/eddiefleurent/spread_sentinel/internal/dashboard"
	"github.com/eddiefleurent/spread_sentinel/internal/marketdata"
	"github.com/eddiefleurent/spread_sentinel/internal/orchestrator"
	"github.com/eddiefleurent/spread_sentinel/internal/orders"
	"github.com/eddiefleurent/spread_sentinel/internal/stream"
	"github.com/eddiefleurent/spread_sentinel/internal/streamer"
)

func newRunCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Stream positions and market data and liquidate on exit signals",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := setup(ctx, *configPath)
			if err != nil {
				return err
			}
			defer a.Close()
			return a.run(ctx)
		},
	}
}

// run wires both streaming sessions, the snapshot store, the order manager
// and the orchestration loop, and blocks until ctx is done or any component
// fails. A failure in one component cancels all of them.
func (a *app) run(parent context.Context) error {
	log := a.logger.WithFields(logrus.Fields{
		"run_id": uuid.NewString(),
		"mode":   a.config.Environment.Mode,
	})
	log.Info("Starting sentinel")
	if a.config.IsLive() {
		log.Warn("LIVE mode: liquidation orders go to the production account")
	}

	token, err := a.broker.GetQuoteToken(parent)
	if err != nil {
		return fmt.Errorf("quote token: %w", err)
	}

	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	// Account stream.
	accountOutbox := stream.NewBroadcast[string](stream.OutboundCapacity)
	accountFeed := stream.NewBroadcast[string](stream.AccountCapacity)
	accountRx := accountFeed.Subscribe()
	accountSession := streamer.NewAccountSession(a.config.Broker.StreamerURL, a.api.SessionToken(),
		[]string{a.config.Broker.AccountID}, accountFeed, a.logger)
	accountRunner := streamer.NewRunner("account", accountSession, accountOutbox, cancel, a.logger)

	// Market data stream.
	marketOutbox := stream.NewBroadcast[string](stream.OutboundCapacity)
	marketFeed := stream.NewBroadcast[string](stream.MarketDataCapacity)
	marketRx := marketFeed.Subscribe()
	marketSession := streamer.NewMarketDataSession(token.DXLinkURL, token.Token, marketOutbox, marketFeed, a.logger)
	marketRunner := streamer.NewRunner("dxlink", marketSession, marketOutbox, cancel, a.logger)

	store := marketdata.NewStore(a.logger, a.config.Store())
	manager := orders.NewManager(a.broker, a.storage, a.logger)
	if err := manager.SeedFromLive(ctx); err != nil {
		log.WithError(err).Warn("Could not seed in-flight orders")
	}
	handler := account.NewHandler(manager, a.logger)
	loop := orchestrator.NewLoop(a.broker, store, marketSession, manager, cancel, a.logger, a.config.Loop())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return accountRunner.Run(gctx) })
	g.Go(func() error { return marketRunner.Run(gctx) })
	g.Go(func() error { return store.Run(gctx) })
	g.Go(func() error { return store.Consume(gctx, marketRx, cancel) })
	g.Go(func() error { return handler.Consume(gctx, accountRx, cancel) })
	g.Go(func() error { return loop.Run(gctx) })

	if a.config.Dashboard.Enabled {
		srv := dashboard.NewServer(dashboard.Config{
			Port:      a.config.Dashboard.Port,
			AuthToken: a.config.Dashboard.AuthToken,
		}, dashboard.Sources{
			Sessions: map[string]dashboard.StatusSource{
				"account": accountSession,
				"dxlink":  marketSession,
			},
			Book:      loop,
			Snapshots: store,
			Orders:    manager,
			Journal:   a.storage,
			Balance:   handler,
		}, a.logger)
		g.Go(func() error { return srv.Run(gctx) })
	}

	err = g.Wait()
	accountFeed.Close()
	marketFeed.Close()

	if parent.Err() != nil {
		log.Info("Shutdown signal received, sentinel stopped")
		return nil
	}
	if err == nil {
		err = errors.New("sentinel stopped unexpectedly")
	}
	log.WithError(err).Error("Sentinel failed")
	return err
}
