package advisor

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/shopspring/decimal"

	"trading-pipeline/internal/config"
	"trading-pipeline/pkg/types"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func position(symbol string, exposurePct float64) types.PositionSnapshot {
	return types.PositionSnapshot{Symbol: symbol, Qty: 10, ExposurePct: exposurePct}
}

func TestRiskScore(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		positions []types.PositionSnapshot
		want      float64
	}{
		{"cash only", nil, 20},
		{"one small position", []types.PositionSnapshot{position("SPY", 10)}, 43},
		{"five balanced positions", []types.PositionSnapshot{
			position("SPY", 10), position("AAPL", 10), position("MSFT", 10),
			position("GOOG", 10), position("AMZN", 10),
		}, 55},
		{"heavy concentration", []types.PositionSnapshot{position("TSLA", 80)}, 98},
		{"short position uses absolute exposure", []types.PositionSnapshot{position("SPY", -80)}, 98},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := RiskScore(tt.positions); got != tt.want {
				t.Errorf("RiskScore = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDiversificationScore(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		positions []types.PositionSnapshot
		want      float64
	}{
		{"empty book", nil, 0},
		{"one concentrated position", []types.PositionSnapshot{position("SPY", 100)}, 10},
		{"six small positions", []types.PositionSnapshot{
			position("A", 5), position("B", 5), position("C", 5),
			position("D", 5), position("E", 5), position("F", 5),
		}, 95},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DiversificationScore(tt.positions); got != tt.want {
				t.Errorf("DiversificationScore = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestVolatilityRegime(t *testing.T) {
	t.Parallel()

	tests := []struct {
		vix  float64
		want string
	}{
		{30, "high"},
		{25, "normal"},
		{20, "normal"},
		{15, "normal"},
		{10, "low"},
	}
	for _, tt := range tests {
		if got := volatilityRegime(tt.vix); got != tt.want {
			t.Errorf("volatilityRegime(%v) = %q, want %q", tt.vix, got, tt.want)
		}
	}
}

func TestExtractRecommendations(t *testing.T) {
	t.Parallel()

	analysis := strings.Join([]string{
		"The portfolio is concentrated in tech.",
		"I recommend trimming the largest position to reduce concentration risk.",
		"Consider adding exposure to defensive sectors for balance.",
		"recommend", // too short
		"We suggest reviewing position sizing relative to account equity levels.",
		"I recommend extra rec one that is long enough to count here.",
		"I recommend extra rec two that is long enough to count here.",
		"I recommend extra rec three that is long enough to count here.",
	}, "\n")

	got := extractRecommendations(analysis)
	if len(got) != 5 {
		t.Fatalf("recommendations = %d, want capped at 5", len(got))
	}
	if !strings.Contains(got[0], "trimming") {
		t.Errorf("first recommendation = %q", got[0])
	}
}

func TestParseTradeIdeas(t *testing.T) {
	t.Parallel()

	long := strings.Repeat("A cautious idea with detailed rationale and explicit risk framing. ", 3)
	text := strings.Join([]string{long, "too short", long, long, long}, "\n\n")

	ideas := parseTradeIdeas(text, map[string]any{"regime": "normal"})
	if len(ideas) != maxIdeas {
		t.Fatalf("ideas = %d, want %d", len(ideas), maxIdeas)
	}
	if ideas[0].Description != "AI Trade Idea #1" {
		t.Errorf("description = %q", ideas[0].Description)
	}
	for _, idea := range ideas {
		if idea.Confidence != 0.7 {
			t.Errorf("confidence = %v, want 0.7", idea.Confidence)
		}
		if len(idea.Rationale) > 500 {
			t.Errorf("rationale length = %d, want <= 500", len(idea.Rationale))
		}
		if idea.RiskNotes == "" {
			t.Error("risk notes must not be empty")
		}
	}
}

func TestExtractOptionsStrategies(t *testing.T) {
	t.Parallel()

	analysis := "In this regime a Covered Call works well. An iron condor also fits range-bound markets."
	got := extractOptionsStrategies(analysis)
	if len(got) != 2 {
		t.Fatalf("strategies = %v, want 2 entries", got)
	}
	if got[0] != "covered call" || got[1] != "iron condor" {
		t.Errorf("strategies = %v", got)
	}
}

func TestStubModeWithoutKey(t *testing.T) {
	t.Parallel()

	s := NewService(config.AdvisorConfig{Model: "gpt-4o-mini"}, nil, discardLogger())
	if s.Enabled() {
		t.Fatal("service must be disabled without a key")
	}

	ctx := context.Background()
	account := types.AccountSnapshot{Equity: decimal.NewFromInt(10000)}

	risk := s.AnalyzePortfolioRisk(ctx, account, nil, nil)
	if !strings.Contains(risk.Analysis, "AI features disabled") {
		t.Errorf("analysis = %q", risk.Analysis)
	}
	if risk.RiskScore != 50 || risk.DiversificationScore != 50 {
		t.Errorf("stub scores = %v / %v, want 50 / 50", risk.RiskScore, risk.DiversificationScore)
	}

	if ideas := s.GenerateTradeIdeas(ctx, account, nil, nil); ideas != nil {
		t.Errorf("stub mode generated ideas: %v", ideas)
	}

	opts := s.AnalyzeOptionsStrategies(ctx, account, nil, types.VolatilitySnapshot{}, types.OptionChainSummary{})
	if opts.VolatilityRegime != "unknown" {
		t.Errorf("regime = %q, want unknown", opts.VolatilityRegime)
	}

	if answer := s.AnswerQuestion(ctx, "what is a covered call?", nil); !strings.Contains(answer, "disabled") {
		t.Errorf("answer = %q", answer)
	}
}

// chatServer fakes the chat-completions endpoint with a fixed reply and
// captures the last request body.
func chatServer(t *testing.T, reply string, lastReq *chatRequest) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("POST /chat/completions", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if !strings.HasPrefix(r.Header.Get("Authorization"), "Bearer ") {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if lastReq != nil {
			if err := json.NewDecoder(r.Body).Decode(lastReq); err != nil {
				t.Errorf("decode request: %v", err)
			}
		}
		resp := chatResponse{}
		resp.Choices = append(resp.Choices, struct {
			Message chatMessage `json:"message"`
		}{Message: chatMessage{Role: "assistant", Content: reply}})
		json.NewEncoder(w).Encode(resp)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func testService(t *testing.T, srv *httptest.Server, publish func(types.DomainEvent)) *Service {
	t.Helper()
	return NewService(config.AdvisorConfig{
		OpenAIKey: "test-key",
		Model:     "gpt-4o-mini",
		BaseURL:   srv.URL,
	}, publish, discardLogger())
}

func TestAnalyzePortfolioRisk(t *testing.T) {
	t.Parallel()

	var req chatRequest
	srv := chatServer(t, "The book is concentrated.\nI recommend trimming the largest position to reduce risk.", &req)
	s := testService(t, srv, nil)

	account := types.AccountSnapshot{Equity: decimal.NewFromInt(10000)}
	positions := []types.PositionSnapshot{position("SPY", 10)}

	got := s.AnalyzePortfolioRisk(context.Background(), account, positions, map[string]any{"vix": 18.0})
	if !strings.Contains(got.Analysis, "concentrated") {
		t.Errorf("analysis = %q", got.Analysis)
	}
	if got.RiskScore != RiskScore(positions) {
		t.Errorf("risk score = %v, want deterministic %v", got.RiskScore, RiskScore(positions))
	}
	if len(got.Recommendations) != 1 {
		t.Errorf("recommendations = %v", got.Recommendations)
	}

	if req.Model != "gpt-4o-mini" {
		t.Errorf("model = %q", req.Model)
	}
	if req.Temperature != chatTemperature {
		t.Errorf("temperature = %v, want %v", req.Temperature, chatTemperature)
	}
	if req.Messages[0].Role != "system" {
		t.Errorf("first message role = %q", req.Messages[0].Role)
	}
}

func TestGenerateTradeIdeasPublishesEvents(t *testing.T) {
	t.Parallel()

	long := strings.Repeat("Buy a small starter position in a broad index fund, sized conservatively. ", 3)
	srv := chatServer(t, long+"\n\n"+long, nil)

	var events []types.DomainEvent
	s := testService(t, srv, func(e types.DomainEvent) { events = append(events, e) })

	ideas := s.GenerateTradeIdeas(context.Background(), types.AccountSnapshot{}, nil, nil)
	if len(ideas) != 2 {
		t.Fatalf("ideas = %d, want 2", len(ideas))
	}
	if len(events) != 2 {
		t.Fatalf("events = %d, want 2", len(events))
	}
	if events[0].Type != types.EventTradeIdeaGenerated {
		t.Errorf("event type = %q", events[0].Type)
	}
	if len(s.Ideas()) != 2 {
		t.Errorf("stored ideas = %d, want 2", len(s.Ideas()))
	}
}

func TestAnswerQuestionUsesSmallBudget(t *testing.T) {
	t.Parallel()

	var req chatRequest
	srv := chatServer(t, "A covered call sells upside in exchange for premium income.", &req)
	s := testService(t, srv, nil)

	answer := s.AnswerQuestion(context.Background(), "what is a covered call?", map[string]any{"vix": 18.0})
	if !strings.Contains(answer, "premium") {
		t.Errorf("answer = %q", answer)
	}
	if req.MaxTokens != 800 {
		t.Errorf("max tokens = %d, want 800", req.MaxTokens)
	}
}

func TestApproveIdeaMintsSignal(t *testing.T) {
	t.Parallel()

	s := NewService(config.AdvisorConfig{Model: "gpt-4o-mini"}, nil, discardLogger())

	suggested, err := types.NewTradeSignal("spy", types.BUY, 10, types.OrderTypeMarket, 0.7, types.SourceAI, "", nil, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	idea, err := types.NewTradeIdea("starter index position", "rationale", "risk", 0.7, &suggested, nil)
	if err != nil {
		t.Fatal(err)
	}
	s.AddIdea(idea)

	signal, resolved, err := s.ApproveIdea(idea.ID, "looks reasonable")
	if err != nil {
		t.Fatalf("ApproveIdea: %v", err)
	}
	if signal == nil {
		t.Fatal("approval must mint a signal")
	}
	if signal.Source != types.SourceAI {
		t.Errorf("source = %q, want ai", signal.Source)
	}
	if signal.Symbol != "SPY" || signal.Qty != 10 {
		t.Errorf("minted signal = %s qty %d", signal.Symbol, signal.Qty)
	}
	if signal.ID == suggested.ID {
		t.Error("approval must mint a fresh signal, not reuse the suggestion")
	}
	if signal.Metadata["idea_id"] != idea.ID {
		t.Errorf("metadata idea_id = %v", signal.Metadata["idea_id"])
	}
	if resolved.Approved == nil || !*resolved.Approved {
		t.Error("idea not marked approved")
	}
	if resolved.UserNotes != "looks reasonable" {
		t.Errorf("user notes = %q", resolved.UserNotes)
	}

	if _, _, err := s.ApproveIdea(idea.ID, ""); err == nil {
		t.Error("second approval must fail")
	}
}

func TestApproveIdeaWithoutSuggestionMintsNothing(t *testing.T) {
	t.Parallel()

	s := NewService(config.AdvisorConfig{}, nil, discardLogger())
	idea, _ := types.NewTradeIdea("narrative only", "rationale", "risk", 0.7, nil, nil)
	s.AddIdea(idea)

	signal, resolved, err := s.ApproveIdea(idea.ID, "")
	if err != nil {
		t.Fatalf("ApproveIdea: %v", err)
	}
	if signal != nil {
		t.Error("idea without a suggested signal must not mint one")
	}
	if resolved.Approved == nil || !*resolved.Approved {
		t.Error("idea not marked approved")
	}
}

func TestRejectIdea(t *testing.T) {
	t.Parallel()

	s := NewService(config.AdvisorConfig{}, nil, discardLogger())
	idea, _ := types.NewTradeIdea("idea", "rationale", "risk", 0.7, nil, nil)
	s.AddIdea(idea)

	resolved, err := s.RejectIdea(idea.ID, "too risky")
	if err != nil {
		t.Fatalf("RejectIdea: %v", err)
	}
	if resolved.Approved == nil || *resolved.Approved {
		t.Error("idea not marked rejected")
	}
	if resolved.UserNotes != "too risky" {
		t.Errorf("user notes = %q", resolved.UserNotes)
	}

	if _, err := s.RejectIdea("missing", ""); err == nil {
		t.Error("unknown id must fail")
	}
	if _, err := s.RejectIdea(idea.ID, ""); err == nil {
		t.Error("second rejection must fail")
	}
}
