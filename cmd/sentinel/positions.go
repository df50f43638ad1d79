package main

import (
	"context"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/eddiefleurent/spread_sentinel/internal/broker"
	"github.com/eddiefleurent/spread_sentinel/internal/models"
	"github.com/eddiefleurent/spread_sentinel/internal/strategy"
)

func newPositionsCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "positions",
		Short: "Classify and print open option positions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer a.Close()
			return printPositions(cmd.Context(), a.broker, cmd.OutOrStdout(), a.logger)
		},
	}
}

func newLookupCmd(configPath *string) *cobra.Command {
	var instrumentType string
	cmd := &cobra.Command{
		Use:   "lookup SYMBOL",
		Short: "Resolve the streamer symbol of an instrument",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			it, err := models.ParseInstrumentType(instrumentType)
			if err != nil {
				return err
			}
			a, err := setup(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer a.Close()
			return lookup(cmd.Context(), a.broker, args[0], it, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVarP(&instrumentType, "type", "t", string(models.InstrumentEquityOption),
		"Instrument type: Equity, Future, Equity Option or Future Option")
	return cmd
}

func printPositions(ctx context.Context, b broker.Broker, w io.Writer, logger *logrus.Logger) error {
	items, err := b.GetPositions(ctx)
	if err != nil {
		return err
	}
	records := make([]models.LegRecord, 0, len(items))
	for _, item := range items {
		records = append(records, item.Record())
	}
	groups := strategy.GroupByUnderlying(records)

	book := make([]strategy.Strategy, 0, len(groups))
	for underlying, legs := range groups {
		book = append(book, strategy.New(strategy.BuildPosition(underlying, legs, logger)))
	}
	sortBook(book)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "UNDERLYING\tKIND\tLEGS\tDESCRIPTION")
	for _, s := range book {
		pos := s.Position()
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", pos.Underlying, s.Kind(), len(pos.Legs), strategy.Describe(s))
	}
	return tw.Flush()
}

func lookup(ctx context.Context, b broker.Broker, symbol string, it models.InstrumentType, w io.Writer) error {
	streamer, err := b.GetStreamerSymbol(ctx, symbol, it)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, streamer)
	return err
}

func sortBook(book []strategy.Strategy) {
	sort.Slice(book, func(i, j int) bool {
		return book[i].Position().Underlying < book[j].Position().Underlying
	})
}
