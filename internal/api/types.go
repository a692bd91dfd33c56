package api

import (
	"time"

	"trading-pipeline/pkg/types"
)

// AccountView is the JSON shape of an account snapshot. Decimal fields
// are serialized as strings to avoid float drift.
type AccountView struct {
	Equity             string    `json:"equity"`
	BuyingPower        string    `json:"buying_power"`
	Cash               string    `json:"cash"`
	DayTradesRemaining int       `json:"day_trades_remaining"`
	Timestamp          time.Time `json:"timestamp"`
}

// PositionView is the JSON shape of one position snapshot.
type PositionView struct {
	Symbol       string    `json:"symbol"`
	Qty          int       `json:"qty"`
	AvgPrice     string    `json:"avg_price"`
	UnrealizedPL string    `json:"unrealized_pl"`
	ExposurePct  float64   `json:"exposure_pct"`
	Timestamp    time.Time `json:"timestamp"`
}

// OrderView is the JSON shape of one order lifecycle event.
type OrderView struct {
	OrderID         string    `json:"order_id"`
	SignalID        string    `json:"signal_id"`
	BrokerOrderID   string    `json:"broker_order_id,omitempty"`
	Status          string    `json:"status"`
	FilledQty       int       `json:"filled_qty"`
	FilledPrice     string    `json:"filled_price,omitempty"`
	RejectionReason string    `json:"rejection_reason,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
}

// IdeaView is the JSON shape of an advisory trade idea.
type IdeaView struct {
	ID          string     `json:"id"`
	Description string     `json:"description"`
	Rationale   string     `json:"rationale"`
	RiskNotes   string     `json:"risk_notes"`
	Confidence  float64    `json:"confidence"`
	CreatedAt   time.Time  `json:"created_at"`
	Approved    *bool      `json:"approved"`
	ApprovedAt  *time.Time `json:"approved_at,omitempty"`
	UserNotes   string     `json:"user_notes,omitempty"`
}

func NewAccountView(a types.AccountSnapshot) AccountView {
	return AccountView{
		Equity:             a.Equity.String(),
		BuyingPower:        a.BuyingPower.String(),
		Cash:               a.Cash.String(),
		DayTradesRemaining: a.DayTradesRemaining,
		Timestamp:          a.Timestamp,
	}
}

func NewPositionViews(positions []types.PositionSnapshot) []PositionView {
	out := make([]PositionView, len(positions))
	for i, p := range positions {
		out[i] = PositionView{
			Symbol:       p.Symbol,
			Qty:          p.Qty,
			AvgPrice:     p.AvgPrice.String(),
			UnrealizedPL: p.UnrealizedPL.String(),
			ExposurePct:  p.ExposurePct,
			Timestamp:    p.Timestamp,
		}
	}
	return out
}

func NewOrderViews(events []types.OrderEvent) []OrderView {
	out := make([]OrderView, len(events))
	for i, e := range events {
		view := OrderView{
			OrderID:         e.OrderID,
			SignalID:        e.SignalID,
			BrokerOrderID:   e.BrokerOrderID,
			Status:          string(e.Status),
			FilledQty:       e.FilledQty,
			RejectionReason: e.RejectionReason,
			Timestamp:       e.Timestamp,
		}
		if e.FilledPrice != nil {
			view.FilledPrice = e.FilledPrice.String()
		}
		out[i] = view
	}
	return out
}

func NewIdeaViews(ideas []types.TradeIdea) []IdeaView {
	out := make([]IdeaView, len(ideas))
	for i, idea := range ideas {
		out[i] = IdeaView{
			ID:          idea.ID,
			Description: idea.Description,
			Rationale:   idea.Rationale,
			RiskNotes:   idea.RiskNotes,
			Confidence:  idea.Confidence,
			CreatedAt:   idea.CreatedAt,
			Approved:    idea.Approved,
			ApprovedAt:  idea.ApprovedAt,
			UserNotes:   idea.UserNotes,
		}
	}
	return out
}
