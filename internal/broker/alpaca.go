package broker

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"trading-pipeline/internal/config"
	"trading-pipeline/pkg/types"
)

// AlpacaAdapter implements Adapter against the Alpaca trading and data
// APIs. REST calls go through resty with retry on 5xx; market data flows
// over the WebSocket stream (see stream.go).
type AlpacaAdapter struct {
	http   *resty.Client
	rl     *RateLimiter
	cfg    config.BrokerConfig
	logger *slog.Logger

	mu        sync.RWMutex
	connected bool
}

// NewAlpacaAdapter creates an adapter with rate limiting and retry.
func NewAlpacaAdapter(cfg config.BrokerConfig, logger *slog.Logger) *AlpacaAdapter {
	httpClient := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(10 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("APCA-API-KEY-ID", cfg.APIKey).
		SetHeader("APCA-API-SECRET-KEY", cfg.SecretKey).
		SetHeader("Content-Type", "application/json")

	return &AlpacaAdapter{
		http:   httpClient,
		rl:     NewRateLimiter(),
		cfg:    cfg,
		logger: logger.With("component", "broker"),
	}
}

// ——— wire types ———

type alpacaAccount struct {
	Equity         string `json:"equity"`
	BuyingPower    string `json:"buying_power"`
	Cash           string `json:"cash"`
	DaytradeCount  int    `json:"daytrade_count"`
	TradingBlocked bool   `json:"trading_blocked"`
}

type alpacaPosition struct {
	Symbol        string `json:"symbol"`
	Qty           string `json:"qty"`
	AvgEntryPrice string `json:"avg_entry_price"`
	MarketValue   string `json:"market_value"`
	UnrealizedPL  string `json:"unrealized_pl"`
}

type alpacaOrder struct {
	ID             string `json:"id"`
	ClientOrderID  string `json:"client_order_id"`
	Status         string `json:"status"`
	FilledQty      string `json:"filled_qty"`
	FilledAvgPrice string `json:"filled_avg_price"`
}

type alpacaClock struct {
	IsOpen    bool   `json:"is_open"`
	NextOpen  string `json:"next_open"`
	NextClose string `json:"next_close"`
}

type alpacaTrade struct {
	Trade struct {
		Price float64 `json:"p"`
	} `json:"trade"`
}

type alpacaQuote struct {
	Quote struct {
		BidPrice float64 `json:"bp"`
		AskPrice float64 `json:"ap"`
	} `json:"quote"`
}

// normalizeStatus maps Alpaca's order status vocabulary onto the internal
// lifecycle. Unknown statuses land on SUBMITTED so a vendor addition
// never strands an order in a made-up state.
func normalizeStatus(vendor string) types.OrderStatus {
	switch vendor {
	case "new", "accepted", "accepted_for_bidding", "calculated", "pending_new":
		return types.OrderSubmitted
	case "partially_filled":
		return types.OrderPartiallyFilled
	case "filled":
		return types.OrderFilled
	case "canceled", "expired", "replaced", "stopped", "done_for_day", "suspended":
		return types.OrderCancelled
	case "rejected":
		return types.OrderRejected
	case "pending_cancel", "pending_replace":
		return types.OrderPending
	default:
		return types.OrderSubmitted
	}
}

// ——— Adapter implementation ———

// Connect fetches the account to verify credentials and checks the
// account is allowed to trade.
func (a *AlpacaAdapter) Connect(ctx context.Context) error {
	if err := a.rl.Trading.Wait(ctx); err != nil {
		return err
	}

	var acct alpacaAccount
	resp, err := a.http.R().
		SetContext(ctx).
		SetResult(&acct).
		Get("/v2/account")
	if err != nil {
		return NewConnectionError("connect", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return NewConnectionError("connect", fmt.Errorf("status %d: %s", resp.StatusCode(), resp.String()))
	}
	if acct.TradingBlocked {
		return NewConnectionError("connect", fmt.Errorf("account is blocked from trading"))
	}

	a.mu.Lock()
	a.connected = true
	a.mu.Unlock()

	a.logger.Info("connected to broker", "base_url", a.cfg.BaseURL)
	return nil
}

func (a *AlpacaAdapter) Disconnect(ctx context.Context) error {
	a.mu.Lock()
	was := a.connected
	a.connected = false
	a.mu.Unlock()

	if was {
		a.logger.Info("disconnected from broker")
	}
	return nil
}

func (a *AlpacaAdapter) IsConnected() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.connected
}

func (a *AlpacaAdapter) requireConnected() error {
	if !a.IsConnected() {
		return ErrNotConnected
	}
	return nil
}

func (a *AlpacaAdapter) GetAccount(ctx context.Context) (types.AccountSnapshot, error) {
	if err := a.requireConnected(); err != nil {
		return types.AccountSnapshot{}, err
	}
	if err := a.rl.Trading.Wait(ctx); err != nil {
		return types.AccountSnapshot{}, err
	}

	var acct alpacaAccount
	resp, err := a.http.R().
		SetContext(ctx).
		SetResult(&acct).
		Get("/v2/account")
	if err != nil {
		return types.AccountSnapshot{}, NewConnectionError("get account", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return types.AccountSnapshot{}, NewConnectionError("get account", fmt.Errorf("status %d: %s", resp.StatusCode(), resp.String()))
	}

	equity, _ := decimal.NewFromString(acct.Equity)
	bp, _ := decimal.NewFromString(acct.BuyingPower)
	cash, _ := decimal.NewFromString(acct.Cash)

	return types.AccountSnapshot{
		Equity:             equity,
		BuyingPower:        bp,
		Cash:               cash,
		DayTradesRemaining: max(0, 3-acct.DaytradeCount),
		Timestamp:          time.Now().UTC(),
	}, nil
}

func (a *AlpacaAdapter) GetPositions(ctx context.Context) ([]types.PositionSnapshot, error) {
	if err := a.requireConnected(); err != nil {
		return nil, err
	}
	if err := a.rl.Trading.Wait(ctx); err != nil {
		return nil, err
	}

	var raw []alpacaPosition
	resp, err := a.http.R().
		SetContext(ctx).
		SetResult(&raw).
		Get("/v2/positions")
	if err != nil {
		return nil, NewConnectionError("get positions", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, NewConnectionError("get positions", fmt.Errorf("status %d: %s", resp.StatusCode(), resp.String()))
	}

	acct, err := a.GetAccount(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]types.PositionSnapshot, 0, len(raw))
	for _, p := range raw {
		out = append(out, a.toPositionSnapshot(p, acct.Equity))
	}
	return out, nil
}

func (a *AlpacaAdapter) GetPosition(ctx context.Context, symbol string) (*types.PositionSnapshot, error) {
	if err := a.requireConnected(); err != nil {
		return nil, err
	}
	if err := a.rl.Trading.Wait(ctx); err != nil {
		return nil, err
	}

	var raw alpacaPosition
	resp, err := a.http.R().
		SetContext(ctx).
		SetResult(&raw).
		Get("/v2/positions/" + symbol)
	if err != nil {
		return nil, NewConnectionError("get position", err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return nil, nil // flat
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, NewConnectionError("get position", fmt.Errorf("status %d: %s", resp.StatusCode(), resp.String()))
	}

	acct, err := a.GetAccount(ctx)
	if err != nil {
		return nil, err
	}
	snap := a.toPositionSnapshot(raw, acct.Equity)
	return &snap, nil
}

func (a *AlpacaAdapter) toPositionSnapshot(p alpacaPosition, equity decimal.Decimal) types.PositionSnapshot {
	qty, _ := strconv.Atoi(p.Qty)
	avg, _ := decimal.NewFromString(p.AvgEntryPrice)
	upl, _ := decimal.NewFromString(p.UnrealizedPL)
	mv, _ := decimal.NewFromString(p.MarketValue)

	var exposure float64
	if equity.IsPositive() {
		exposure, _ = mv.Abs().Div(equity).Mul(decimal.NewFromInt(100)).Float64()
	}
	return types.PositionSnapshot{
		Symbol:       p.Symbol,
		Qty:          qty,
		AvgPrice:     avg,
		UnrealizedPL: upl,
		ExposurePct:  exposure,
		Timestamp:    time.Now().UTC(),
	}
}

// PlaceOrder submits the signal as a DAY order. Limit and stop prices
// attach according to the order type. A broker-side rejection (4xx)
// comes back as a REJECTED OrderEvent, not an error: the order's fate is
// known and the caller must record it.
func (a *AlpacaAdapter) PlaceOrder(ctx context.Context, signal types.TradeSignal) (types.OrderEvent, error) {
	if err := a.requireConnected(); err != nil {
		return types.OrderEvent{}, err
	}
	if err := a.rl.Trading.Wait(ctx); err != nil {
		return types.OrderEvent{}, err
	}

	payload := map[string]any{
		"symbol":        signal.Symbol,
		"qty":           strconv.Itoa(signal.Qty),
		"side":          string(signal.Side),
		"type":          string(signal.OrderType),
		"time_in_force": "day",
	}
	switch signal.OrderType {
	case types.OrderTypeLimit:
		if signal.Price != nil {
			payload["limit_price"] = signal.Price.String()
		}
	case types.OrderTypeStop:
		if signal.StopPrice != nil {
			payload["stop_price"] = signal.StopPrice.String()
		}
	case types.OrderTypeStopLimit:
		if signal.Price != nil {
			payload["limit_price"] = signal.Price.String()
		}
		if signal.StopPrice != nil {
			payload["stop_price"] = signal.StopPrice.String()
		}
	}

	var order alpacaOrder
	resp, err := a.http.R().
		SetContext(ctx).
		SetBody(payload).
		SetResult(&order).
		Post("/v2/orders")
	if err != nil {
		return types.OrderEvent{}, NewOrderError("place order", err)
	}

	now := time.Now().UTC()
	if resp.StatusCode() >= 400 && resp.StatusCode() < 500 {
		a.logger.Warn("order rejected by broker",
			"symbol", signal.Symbol, "status", resp.StatusCode(), "body", resp.String())
		return types.OrderEvent{
			OrderID:         signal.ID,
			SignalID:        signal.ID,
			Status:          types.OrderRejected,
			Timestamp:       now,
			RejectionReason: resp.String(),
		}, nil
	}
	if resp.StatusCode() != http.StatusOK && resp.StatusCode() != http.StatusCreated {
		return types.OrderEvent{}, NewOrderError("place order", fmt.Errorf("status %d: %s", resp.StatusCode(), resp.String()))
	}

	a.logger.Info("order submitted",
		"symbol", signal.Symbol, "side", signal.Side, "qty", signal.Qty, "broker_order_id", order.ID)
	return types.OrderEvent{
		OrderID:       signal.ID,
		SignalID:      signal.ID,
		Status:        normalizeStatus(order.Status),
		Timestamp:     now,
		BrokerOrderID: order.ID,
	}, nil
}

func (a *AlpacaAdapter) CancelOrder(ctx context.Context, brokerOrderID string) error {
	if err := a.requireConnected(); err != nil {
		return err
	}
	if err := a.rl.Trading.Wait(ctx); err != nil {
		return err
	}

	resp, err := a.http.R().
		SetContext(ctx).
		Delete("/v2/orders/" + brokerOrderID)
	if err != nil {
		return NewOrderError("cancel order", err)
	}
	// 404 and 422 mean the order is already terminal; nothing to cancel.
	if resp.StatusCode() == http.StatusNotFound || resp.StatusCode() == http.StatusUnprocessableEntity {
		return nil
	}
	if resp.StatusCode() != http.StatusNoContent && resp.StatusCode() != http.StatusOK {
		return NewOrderError("cancel order", fmt.Errorf("status %d: %s", resp.StatusCode(), resp.String()))
	}

	a.logger.Info("order cancelled", "broker_order_id", brokerOrderID)
	return nil
}

func (a *AlpacaAdapter) GetOrderStatus(ctx context.Context, brokerOrderID string) (types.OrderEvent, error) {
	if err := a.requireConnected(); err != nil {
		return types.OrderEvent{}, err
	}
	if err := a.rl.Trading.Wait(ctx); err != nil {
		return types.OrderEvent{}, err
	}

	var order alpacaOrder
	resp, err := a.http.R().
		SetContext(ctx).
		SetResult(&order).
		Get("/v2/orders/" + brokerOrderID)
	if err != nil {
		return types.OrderEvent{}, NewOrderError("get order status", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return types.OrderEvent{}, NewOrderError("get order status", fmt.Errorf("status %d: %s", resp.StatusCode(), resp.String()))
	}

	filledQty, _ := strconv.Atoi(order.FilledQty)
	var filledPrice *decimal.Decimal
	if order.FilledAvgPrice != "" {
		if fp, err := decimal.NewFromString(order.FilledAvgPrice); err == nil {
			filledPrice = &fp
		}
	}

	return types.OrderEvent{
		OrderID:       order.ClientOrderID,
		Status:        normalizeStatus(order.Status),
		Timestamp:     time.Now().UTC(),
		BrokerOrderID: order.ID,
		FilledQty:     filledQty,
		FilledPrice:   filledPrice,
	}, nil
}

// GetCurrentPrice returns the latest trade price, falling back to the
// bid/ask midpoint when no trade is available.
func (a *AlpacaAdapter) GetCurrentPrice(ctx context.Context, symbol string) (float64, error) {
	if err := a.rl.Data.Wait(ctx); err != nil {
		return 0, err
	}

	var trade alpacaTrade
	resp, err := a.http.R().
		SetContext(ctx).
		SetResult(&trade).
		Get("/v2/stocks/" + symbol + "/trades/latest")
	if err == nil && resp.StatusCode() == http.StatusOK && trade.Trade.Price > 0 {
		return trade.Trade.Price, nil
	}

	var quote alpacaQuote
	resp, err = a.http.R().
		SetContext(ctx).
		SetResult(&quote).
		Get("/v2/stocks/" + symbol + "/quotes/latest")
	if err != nil {
		return 0, NewMarketDataError("get current price", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return 0, NewMarketDataError("get current price", fmt.Errorf("status %d: %s", resp.StatusCode(), resp.String()))
	}
	bid, ask := quote.Quote.BidPrice, quote.Quote.AskPrice
	if bid <= 0 || ask <= 0 {
		return 0, NewMarketDataError("get current price", fmt.Errorf("no price available for %s", symbol))
	}
	return (bid + ask) / 2, nil
}

func (a *AlpacaAdapter) GetMarketHours(ctx context.Context) (MarketHours, error) {
	if err := a.rl.Data.Wait(ctx); err != nil {
		return MarketHours{}, err
	}

	var clock alpacaClock
	resp, err := a.http.R().
		SetContext(ctx).
		SetResult(&clock).
		Get("/v2/clock")
	if err != nil {
		return MarketHours{}, NewMarketDataError("get market hours", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return MarketHours{}, NewMarketDataError("get market hours", fmt.Errorf("status %d: %s", resp.StatusCode(), resp.String()))
	}
	return MarketHours{IsOpen: clock.IsOpen, NextOpen: clock.NextOpen, NextClose: clock.NextClose}, nil
}
