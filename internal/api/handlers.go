package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"trading-pipeline/internal/advisor"
	"trading-pipeline/internal/audit"
	"trading-pipeline/internal/broker"
	"trading-pipeline/internal/execution"
	"trading-pipeline/internal/risk"
	"trading-pipeline/internal/strategy"
	"trading-pipeline/pkg/types"
)

// Deps wires the handlers to the running pipeline components. Submit
// routes a signal into the risk/execution path; Simulate injects a
// synthetic tick into the market event stream.
type Deps struct {
	Strategies *strategy.Engine
	Risk       *risk.Engine
	Execution  *execution.Engine
	Broker     broker.Adapter
	Advisor    *advisor.Service
	Trail      audit.Sink
	Submit     func(types.TradeSignal)
	Simulate   func(symbol string, price float64)
	StartedAt  time.Time
}

// Handlers holds all HTTP handler dependencies.
type Handlers struct {
	deps   Deps
	logger *slog.Logger
}

func NewHandlers(deps Deps, logger *slog.Logger) *Handlers {
	if deps.Submit == nil {
		deps.Submit = func(types.TradeSignal) {}
	}
	if deps.Simulate == nil {
		deps.Simulate = func(string, float64) {}
	}
	return &Handlers{deps: deps, logger: logger.With("component", "api-handlers")}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, format string, args ...any) {
	writeJSON(w, status, map[string]string{"error": fmt.Sprintf(format, args...)})
}

// HandleHealth returns a simple health check response.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HandleStatus aggregates state from every pipeline component.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "running",
		"started_at":     h.deps.StartedAt,
		"uptime_seconds": time.Since(h.deps.StartedAt).Seconds(),
		"strategies":     h.deps.Strategies.Statuses(),
		"risk":           h.deps.Risk.Statistics(),
		"execution":      h.deps.Execution.Statistics(),
		"ai_enabled":     h.deps.Advisor.Enabled(),
	})
}

// HandleStrategies lists registered strategies and their state.
func (h *Handlers) HandleStrategies(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"strategies": h.deps.Strategies.Statuses()})
}

// HandleStrategyAction activates or deactivates one strategy by name.
func (h *Handlers) HandleStrategyAction(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	action := r.PathValue("action")

	var err error
	switch action {
	case "activate":
		err = h.deps.Strategies.Activate(name)
	case "deactivate":
		err = h.deps.Strategies.Deactivate(name)
	default:
		writeError(w, http.StatusBadRequest, "unknown action %q", action)
		return
	}
	if err != nil {
		writeError(w, http.StatusNotFound, "%v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"strategy": name, "action": action})
}

// HandleRiskStatus returns the risk engine statistics.
func (h *Handlers) HandleRiskStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.deps.Risk.Statistics())
}

// HandleRiskActivate re-enables risk validation.
func (h *Handlers) HandleRiskActivate(w http.ResponseWriter, r *http.Request) {
	h.deps.Risk.Activate()
	writeJSON(w, http.StatusOK, map[string]any{"active": true})
}

// HandleRiskDeactivate disables the risk engine. While disabled every
// signal is rejected, so the pipeline is effectively halted.
func (h *Handlers) HandleRiskDeactivate(w http.ResponseWriter, r *http.Request) {
	h.deps.Risk.Deactivate()
	h.logger.Warn("risk engine deactivated via API")
	writeJSON(w, http.StatusOK, map[string]any{
		"active":  false,
		"warning": "risk engine disabled: all signals will be rejected until reactivated",
	})
}

// HandleExecutionStatus returns the execution engine statistics.
func (h *Handlers) HandleExecutionStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.deps.Execution.Statistics())
}

// HandleActiveOrders lists orders currently being monitored.
func (h *Handlers) HandleActiveOrders(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"orders": h.deps.Execution.ActiveOrders()})
}

// HandleOrderHistory returns recent order events, newest first.
func (h *Handlers) HandleOrderHistory(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit %q", v)
			return
		}
		limit = n
	}
	writeJSON(w, http.StatusOK, map[string]any{"history": NewOrderViews(h.deps.Execution.History(limit))})
}

// HandleCancelOrder cancels one active order by internal ID.
func (h *Handlers) HandleCancelOrder(w http.ResponseWriter, r *http.Request) {
	orderID := r.PathValue("id")
	if err := h.deps.Execution.CancelOrder(r.Context(), orderID); err != nil {
		writeError(w, http.StatusNotFound, "%v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"order_id": orderID, "status": "cancelled"})
}

// HandleAccount returns the live account snapshot from the broker.
func (h *Handlers) HandleAccount(w http.ResponseWriter, r *http.Request) {
	account, err := h.deps.Broker.GetAccount(r.Context())
	if err != nil {
		h.logger.Error("account fetch failed", "error", err)
		writeError(w, http.StatusBadGateway, "account unavailable: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, NewAccountView(account))
}

// HandlePositions returns the live position snapshots from the broker.
func (h *Handlers) HandlePositions(w http.ResponseWriter, r *http.Request) {
	positions, err := h.deps.Broker.GetPositions(r.Context())
	if err != nil {
		h.logger.Error("positions fetch failed", "error", err)
		writeError(w, http.StatusBadGateway, "positions unavailable: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"positions": NewPositionViews(positions)})
}

type analyzeRequest struct {
	AnalysisType string         `json:"analysis_type"`
	Question     string         `json:"question,omitempty"`
	Context      map[string]any `json:"context,omitempty"`
}

// HandleAIAnalyze dispatches one advisory analysis request. The advisor
// only reads account state; it never places orders.
func (h *Handlers) HandleAIAnalyze(w http.ResponseWriter, r *http.Request) {
	var req analyzeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: %v", err)
		return
	}

	ctx := r.Context()
	account, err := h.deps.Broker.GetAccount(ctx)
	if err != nil {
		writeError(w, http.StatusBadGateway, "account unavailable: %v", err)
		return
	}
	positions, err := h.deps.Broker.GetPositions(ctx)
	if err != nil {
		writeError(w, http.StatusBadGateway, "positions unavailable: %v", err)
		return
	}

	switch req.AnalysisType {
	case "portfolio_risk":
		writeJSON(w, http.StatusOK, h.deps.Advisor.AnalyzePortfolioRisk(ctx, account, positions, req.Context))
	case "trade_ideas":
		ideas := h.deps.Advisor.GenerateTradeIdeas(ctx, account, positions, req.Context)
		writeJSON(w, http.StatusOK, map[string]any{"ideas": NewIdeaViews(ideas)})
	case "options_analysis":
		vol := volFromContext(req.Context)
		chain := chainFromContext(req.Context)
		writeJSON(w, http.StatusOK, h.deps.Advisor.AnalyzeOptionsStrategies(ctx, account, positions, vol, chain))
	case "question":
		if req.Question == "" {
			writeError(w, http.StatusBadRequest, "question is required")
			return
		}
		answer := h.deps.Advisor.AnswerQuestion(ctx, req.Question, req.Context)
		writeJSON(w, http.StatusOK, map[string]string{"answer": answer})
	default:
		writeError(w, http.StatusBadRequest, "unknown analysis_type %q", req.AnalysisType)
	}
}

func volFromContext(ctx map[string]any) types.VolatilitySnapshot {
	var vol types.VolatilitySnapshot
	if v, ok := ctx["vix"].(float64); ok {
		vol.VIXLevel = v
	}
	if v, ok := ctx["implied_vol"].(float64); ok {
		vol.ImpliedVol = v
	}
	return vol
}

// chainFromContext pulls the options summary out of the analysis
// context. JSON numbers decode as float64.
func chainFromContext(ctx map[string]any) types.OptionChainSummary {
	var chain types.OptionChainSummary
	if v, ok := ctx["symbol"].(string); ok {
		chain.Symbol = v
	}
	if v, ok := ctx["expiration_date"].(string); ok {
		chain.ExpirationDate = v
	}
	if v, ok := ctx["put_call_ratio"].(float64); ok {
		chain.PutCallRatio = v
	}
	if v, ok := ctx["total_volume"].(float64); ok {
		chain.TotalVolume = int(v)
	}
	if v, ok := ctx["total_open_interest"].(float64); ok {
		chain.TotalOpenInterest = int(v)
	}
	return chain
}

// HandleAIIdeas lists stored advisory ideas.
func (h *Handlers) HandleAIIdeas(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ideas": NewIdeaViews(h.deps.Advisor.Ideas())})
}

type ideaActionRequest struct {
	Action string `json:"action"`
	Notes  string `json:"notes,omitempty"`
}

// HandleIdeaAction approves or rejects one advisory idea. Approval
// mints an AI-sourced signal and submits it to the risk engine like any
// strategy signal.
func (h *Handlers) HandleIdeaAction(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req ideaActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: %v", err)
		return
	}

	switch req.Action {
	case "approve":
		signal, idea, err := h.deps.Advisor.ApproveIdea(id, req.Notes)
		if err != nil {
			writeError(w, http.StatusNotFound, "%v", err)
			return
		}
		resp := map[string]any{"idea": NewIdeaViews([]types.TradeIdea{idea})[0]}
		if signal != nil {
			h.deps.Submit(*signal)
			resp["signal_id"] = signal.ID
		}
		writeJSON(w, http.StatusOK, resp)
	case "reject":
		idea, err := h.deps.Advisor.RejectIdea(id, req.Notes)
		if err != nil {
			writeError(w, http.StatusNotFound, "%v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"idea": NewIdeaViews([]types.TradeIdea{idea})[0]})
	default:
		writeError(w, http.StatusBadRequest, "unknown action %q", req.Action)
	}
}

// HandleEvents reads back the audit trail, newest first.
func (h *Handlers) HandleEvents(w http.ResponseWriter, r *http.Request) {
	q := audit.TrailQuery{EventType: r.URL.Query().Get("event_type")}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit %q", v)
			return
		}
		q.Limit = n
	}

	records, err := h.deps.Trail.AuditTrail(r.Context(), q)
	if err != nil {
		h.logger.Error("audit trail query failed", "error", err)
		writeError(w, http.StatusInternalServerError, "audit trail unavailable")
		return
	}

	events := make([]map[string]any, len(records))
	for i, rec := range records {
		events[i] = map[string]any{
			"event_id":   rec.Fields["event_id"],
			"event_type": rec.Fields["event_type"],
			"timestamp":  rec.DomainTime,
			"metadata":   rec.Fields["metadata"],
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

type simulateRequest struct {
	Symbol string  `json:"symbol"`
	Price  float64 `json:"price"`
}

// HandleSimulate injects a synthetic tick into the pipeline. Intended
// for paper-trading smoke tests; the tick flows through strategies,
// risk, and execution exactly like live data.
func (h *Handlers) HandleSimulate(w http.ResponseWriter, r *http.Request) {
	var req simulateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: %v", err)
		return
	}
	if req.Symbol == "" || req.Price <= 0 {
		writeError(w, http.StatusBadRequest, "symbol and positive price are required")
		return
	}
	h.deps.Simulate(req.Symbol, req.Price)
	writeJSON(w, http.StatusAccepted, map[string]any{"symbol": req.Symbol, "price": req.Price})
}
