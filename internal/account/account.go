// Package account decodes business payloads from the account stream.
package account

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/spread_sentinel/internal/broker"
	"github.com/eddiefleurent/spread_sentinel/internal/stream"
)

// Payload types handled by the account stream.
const (
	TypeAccountBalance  = "AccountBalance"
	TypeOrder           = "Order"
	TypeCurrentPosition = "CurrentPosition"
)

// Payload is the envelope of every account-stream business message.
type Payload struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data"`
	Timestamp int64           `json:"timestamp"`
}

// AccountBalance is the balance snapshot pushed after every account change.
// Monetary values decode as decimals; effects and dates stay strings.
type AccountBalance struct {
	AccountNumber                          string          `json:"account-number"`
	CashBalance                            decimal.Decimal `json:"cash-balance"`
	LongEquityValue                        decimal.Decimal `json:"long-equity-value"`
	ShortEquityValue                       decimal.Decimal `json:"short-equity-value"`
	LongDerivativeValue                    decimal.Decimal `json:"long-derivative-value"`
	ShortDerivativeValue                   decimal.Decimal `json:"short-derivative-value"`
	LongFuturesValue                       decimal.Decimal `json:"long-futures-value"`
	ShortFuturesValue                      decimal.Decimal `json:"short-futures-value"`
	LongFuturesDerivativeValue             decimal.Decimal `json:"long-futures-derivative-value"`
	ShortFuturesDerivativeValue            decimal.Decimal `json:"short-futures-derivative-value"`
	LongMargineableValue                   decimal.Decimal `json:"long-margineable-value"`
	ShortMargineableValue                  decimal.Decimal `json:"short-margineable-value"`
	MarginEquity                           decimal.Decimal `json:"margin-equity"`
	EquityBuyingPower                      decimal.Decimal `json:"equity-buying-power"`
	DerivativeBuyingPower                  decimal.Decimal `json:"derivative-buying-power"`
	DayTradingBuyingPower                  decimal.Decimal `json:"day-trading-buying-power"`
	FuturesMarginRequirement               decimal.Decimal `json:"futures-margin-requirement"`
	AvailableTradingFunds                  decimal.Decimal `json:"available-trading-funds"`
	MaintenanceRequirement                 decimal.Decimal `json:"maintenance-requirement"`
	MaintenanceCallValue                   decimal.Decimal `json:"maintenance-call-value"`
	RegTCallValue                          decimal.Decimal `json:"reg-t-call-value"`
	DayTradingCallValue                    decimal.Decimal `json:"day-trading-call-value"`
	DayEquityCallValue                     decimal.Decimal `json:"day-equity-call-value"`
	NetLiquidatingValue                    decimal.Decimal `json:"net-liquidating-value"`
	CashAvailableToWithdraw                decimal.Decimal `json:"cash-available-to-withdraw"`
	DayTradeExcess                         decimal.Decimal `json:"day-trade-excess"`
	PendingCash                            decimal.Decimal `json:"pending-cash"`
	PendingCashEffect                      string          `json:"pending-cash-effect"`
	LongCryptocurrencyValue                decimal.Decimal `json:"long-cryptocurrency-value"`
	ShortCryptocurrencyValue               decimal.Decimal `json:"short-cryptocurrency-value"`
	CryptocurrencyMarginRequirement        decimal.Decimal `json:"cryptocurrency-margin-requirement"`
	UnsettledCryptocurrencyFiatAmount      decimal.Decimal `json:"unsettled-cryptocurrency-fiat-amount"`
	UnsettledCryptocurrencyFiatEffect      string          `json:"unsettled-cryptocurrency-fiat-effect"`
	ClosedLoopAvailableBalance             decimal.Decimal `json:"closed-loop-available-balance"`
	EquityOfferingMarginRequirement        decimal.Decimal `json:"equity-offering-margin-requirement"`
	LongBondValue                          decimal.Decimal `json:"long-bond-value"`
	BondMarginRequirement                  decimal.Decimal `json:"bond-margin-requirement"`
	UsedDerivativeBuyingPower              decimal.Decimal `json:"used-derivative-buying-power"`
	SpecialMemorandumAccountValue          decimal.Decimal `json:"special-memorandum-account-value"`
	SpecialMemorandumAccountApexAdjustment decimal.Decimal `json:"special-memorandum-account-apex-adjustment"`
	TotalSettleBalance                     decimal.Decimal `json:"total-settle-balance"`
	SnapshotDate                           string          `json:"snapshot-date"`
	RegTMarginRequirement                  decimal.Decimal `json:"reg-t-margin-requirement"`
	FuturesOvernightMarginRequirement      decimal.Decimal `json:"futures-overnight-margin-requirement"`
	FuturesIntradayMarginRequirement       decimal.Decimal `json:"futures-intraday-margin-requirement"`
	MaintenanceExcess                      decimal.Decimal `json:"maintenance-excess"`
	PendingMarginInterest                  decimal.Decimal `json:"pending-margin-interest"`
	ApexStartingDayMarginEquity            decimal.Decimal `json:"apex-starting-day-margin-equity"`
	BuyingPowerAdjustment                  decimal.Decimal `json:"buying-power-adjustment"`
	BuyingPowerAdjustmentEffect            string          `json:"buying-power-adjustment-effect"`
	EffectiveCryptocurrencyBuyingPower     decimal.Decimal `json:"effective-cryptocurrency-buying-power"`
	UpdatedAt                              string          `json:"updated-at"`
}

// OrderUpdater receives order status changes from the account stream.
type OrderUpdater interface {
	HandleOrderUpdate(order broker.OrderData)
}

// Handler applies account-stream payloads.
type Handler struct {
	logger *logrus.Logger
	orders OrderUpdater

	mu      sync.RWMutex
	balance *AccountBalance
}

// NewHandler creates a Handler. orders may be nil.
func NewHandler(orders OrderUpdater, logger *logrus.Logger) *Handler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Handler{logger: logger, orders: orders}
}

// Balance returns the most recent balance, if any arrived.
func (h *Handler) Balance() (AccountBalance, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.balance == nil {
		return AccountBalance{}, false
	}
	return *h.balance, true
}

// Handle decodes and applies one payload. Unknown types are ignored.
func (h *Handler) Handle(raw []byte) error {
	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return fmt.Errorf("decode account payload: %w", err)
	}

	switch p.Type {
	case TypeAccountBalance:
		var b AccountBalance
		if err := json.Unmarshal(p.Data, &b); err != nil {
			return fmt.Errorf("decode %s: %w", p.Type, err)
		}
		h.mu.Lock()
		h.balance = &b
		h.mu.Unlock()
		h.logger.WithFields(logrus.Fields{
			"account":         b.AccountNumber,
			"net_liquidating": b.NetLiquidatingValue.String(),
			"cash":            b.CashBalance.String(),
		}).Info("Account balance updated")
	case TypeOrder:
		var o broker.OrderData
		if err := json.Unmarshal(p.Data, &o); err != nil {
			return fmt.Errorf("decode %s: %w", p.Type, err)
		}
		h.logger.WithFields(logrus.Fields{
			"order_id":   o.ID,
			"status":     o.Status,
			"underlying": o.UnderlyingSymbol,
		}).Info("Order update")
		if h.orders != nil {
			h.orders.HandleOrderUpdate(o)
		}
	case TypeCurrentPosition:
		h.logger.Debug("Position update")
	default:
		h.logger.WithField("type", p.Type).Debug("Ignoring account payload")
	}
	return nil
}

// Consume applies payloads published by the account session until ctx is
// done. A closed channel is fatal and triggers cancel.
func (h *Handler) Consume(ctx context.Context, rx *stream.Receiver[string], cancel context.CancelFunc) error {
	for {
		msg, err := rx.Recv(ctx)
		if err != nil {
			var lagged *stream.LaggedError
			switch {
			case errors.As(err, &lagged):
				h.logger.WithField("skipped", lagged.Skipped).Warn("Account consumer lagged")
				continue
			case errors.Is(err, stream.ErrClosed):
				h.logger.Error("Account channel closed")
				cancel()
				return err
			default:
				return nil
			}
		}

		if err := h.Handle([]byte(msg)); err != nil {
			h.logger.WithError(err).Warn("Dropping account payload")
		}
	}
}
