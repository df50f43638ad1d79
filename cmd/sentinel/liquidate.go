package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/eddiefleurent/spread_sentinel/internal/broker"
	"github.com/eddiefleurent/spread_sentinel/internal/models"
	"github.com/eddiefleurent/spread_sentinel/internal/orders"
	"github.com/eddiefleurent/spread_sentinel/internal/strategy"
	"github.com/eddiefleurent/spread_sentinel/internal/util"
)

func newLiquidateCmd(configPath *string) *cobra.Command {
	var price string
	cmd := &cobra.Command{
		Use:   "liquidate UNDERLYING",
		Short: "Submit a dry-run closing order for one underlying at a given net price",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			net, err := decimal.NewFromString(price)
			if err != nil {
				return fmt.Errorf("invalid --price %q: %w", price, err)
			}
			a, err := setup(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer a.Close()
			return liquidate(cmd.Context(), a.broker, strings.ToUpper(args[0]), net, cmd.OutOrStdout(), a.logger)
		},
	}
	cmd.Flags().StringVarP(&price, "price", "p", "", "Net limit price of the closing order")
	_ = cmd.MarkFlagRequired("price")
	return cmd
}

func liquidate(ctx context.Context, b broker.Broker, underlying string, price decimal.Decimal,
	w io.Writer, logger *logrus.Logger) error {
	items, err := b.GetPositions(ctx)
	if err != nil {
		return err
	}
	var records []models.LegRecord
	for _, item := range items {
		rec := item.Record()
		if rec.Underlying == underlying {
			records = append(records, rec)
		}
	}
	if len(records) == 0 {
		return fmt.Errorf("no open positions for %s", underlying)
	}

	s := strategy.New(strategy.BuildPosition(underlying, records, logger))
	order, err := orders.BuildOrder(s, price, util.DefaultTick)
	if err != nil {
		return fmt.Errorf("build order for %s: %w", strategy.Describe(s), err)
	}
	result, err := b.DryRunOrder(ctx, order)
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "%s\norder %d %s %s %s\n", strategy.Describe(s), result.ID, result.Status,
		order.Price.StringFixed(2), order.PriceEffect)
	for _, leg := range order.Legs {
		fmt.Fprintf(w, "  %s %d %s\n", leg.Action, leg.Quantity, leg.Symbol)
	}
	return nil
}
