// Package advisor implements the AI advisory service. It is strictly
// advisory: it has no broker access and never generates executable
// signals on its own. Ideas require explicit user approval, which mints
// a fresh AI-sourced TradeSignal that enters the risk engine like any
// other signal.
package advisor

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"trading-pipeline/internal/config"
	"trading-pipeline/pkg/types"
)

// systemPrompt keeps model output conservative and risk-framed.
const systemPrompt = `You are a risk-aware trading analyst assistant. You provide cautious,
well-researched trade ideas and portfolio analysis.

CRITICAL RULES:
- You do NOT guarantee returns or outcomes
- You emphasize risks in all suggestions
- You recommend position sizing appropriate for risk tolerance
- You suggest diversification and risk management
- You remind users that all trading involves risk of loss
- You encourage users to do their own research

Focus on education, risk awareness, and conservative strategies.`

const (
	chatTemperature = 0.3
	maxIdeas        = 3
)

// RiskAnalysis is the portfolio-risk response.
type RiskAnalysis struct {
	Analysis             string    `json:"analysis"`
	RiskScore            float64   `json:"risk_score"`
	DiversificationScore float64   `json:"diversification_score"`
	Recommendations      []string  `json:"recommendations"`
	Timestamp            time.Time `json:"timestamp"`
}

// OptionsAnalysis is the options-strategy response.
type OptionsAnalysis struct {
	Analysis              string    `json:"analysis"`
	VolatilityRegime      string    `json:"volatility_regime"`
	RecommendedStrategies []string  `json:"recommended_strategies"`
	Timestamp             time.Time `json:"timestamp"`
}

// Service answers advisory requests via an OpenAI-compatible chat API.
// With no API key it runs in stub mode: analyses return a disabled
// notice and no ideas are generated.
type Service struct {
	http    *resty.Client
	enabled bool
	model   string
	publish func(types.DomainEvent)
	logger  *slog.Logger

	mu    sync.Mutex
	ideas map[string]types.TradeIdea
}

func NewService(cfg config.AdvisorConfig, publish func(types.DomainEvent), logger *slog.Logger) *Service {
	if publish == nil {
		publish = func(types.DomainEvent) {}
	}
	s := &Service{
		enabled: cfg.OpenAIKey != "",
		model:   cfg.Model,
		publish: publish,
		logger:  logger.With("component", "advisor"),
		ideas:   make(map[string]types.TradeIdea),
	}
	if !s.enabled {
		s.logger.Warn("OPENAI_API_KEY not set, advisory features disabled")
		return s
	}

	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	s.http = resty.New().
		SetBaseURL(baseURL).
		SetTimeout(60 * time.Second).
		SetAuthToken(cfg.OpenAIKey).
		SetHeader("Content-Type", "application/json")
	return s
}

// Enabled reports whether a language model is configured.
func (s *Service) Enabled() bool { return s.enabled }

// ——— chat transport ———

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

func (s *Service) chat(ctx context.Context, prompt string, maxTokens int) (string, error) {
	var result chatResponse
	resp, err := s.http.R().
		SetContext(ctx).
		SetBody(chatRequest{
			Model: s.model,
			Messages: []chatMessage{
				{Role: "system", Content: systemPrompt},
				{Role: "user", Content: prompt},
			},
			MaxTokens:   maxTokens,
			Temperature: chatTemperature,
		}).
		SetResult(&result).
		Post("/chat/completions")
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return "", fmt.Errorf("chat completion: status %d: %s", resp.StatusCode(), resp.String())
	}
	if len(result.Choices) == 0 {
		return "", fmt.Errorf("chat completion: empty response")
	}
	return result.Choices[0].Message.Content, nil
}

// ——— analyses ———

// AnalyzePortfolioRisk returns a risk assessment of the current book.
// The scores are deterministic; only the narrative comes from the model.
func (s *Service) AnalyzePortfolioRisk(ctx context.Context, account types.AccountSnapshot, positions []types.PositionSnapshot, marketContext map[string]any) RiskAnalysis {
	now := time.Now().UTC()
	if !s.enabled {
		return RiskAnalysis{
			Analysis:             "AI features disabled. Set OPENAI_API_KEY to enable AI analysis.",
			RiskScore:            50,
			DiversificationScore: 50,
			Recommendations:      []string{"Set up an OpenAI API key for AI analysis"},
			Timestamp:            now,
		}
	}

	prompt := fmt.Sprintf(`Analyze this portfolio for risk and provide specific insights:

Portfolio: %s
Market Context: %v

Provide analysis focusing on:
1. Concentration risk assessment
2. Diversification opportunities
3. Risk/reward balance
4. Potential vulnerabilities
5. Conservative improvement suggestions

Format as structured analysis with specific, actionable insights.
Emphasize risk management and conservative approaches.`,
		portfolioSummary(account, positions), marketContext)

	analysis, err := s.chat(ctx, prompt, 2000)
	if err != nil {
		s.logger.Error("portfolio risk analysis failed", "error", err)
		return RiskAnalysis{
			Analysis:             "AI analysis temporarily unavailable. Please review portfolio manually.",
			RiskScore:            50,
			DiversificationScore: 50,
			Recommendations:      []string{"Consult a financial advisor for portfolio review"},
			Timestamp:            now,
		}
	}

	return RiskAnalysis{
		Analysis:             analysis,
		RiskScore:            RiskScore(positions),
		DiversificationScore: DiversificationScore(positions),
		Recommendations:      extractRecommendations(analysis),
		Timestamp:            now,
	}
}

// GenerateTradeIdeas asks the model for conservative trade suggestions,
// stores them pending approval, and publishes a TradeIdeaGenerated
// event per idea. Returns nil in stub mode.
func (s *Service) GenerateTradeIdeas(ctx context.Context, account types.AccountSnapshot, positions []types.PositionSnapshot, marketContext map[string]any) []types.TradeIdea {
	if !s.enabled {
		return nil
	}

	symbols := make([]string, len(positions))
	for i, p := range positions {
		symbols[i] = p.Symbol
	}

	prompt := fmt.Sprintf(`Given this portfolio and market context, suggest %d conservative trade ideas:

Account equity: %s
Buying power: %s
Current positions: %v
Market context: %v

For each idea, provide:
1. Clear description of the trade
2. Detailed rationale based on current market conditions
3. Specific risks to consider
4. Appropriate position sizing for risk management
5. Confidence level (low/medium/high)

Format each idea clearly with risk warnings.`,
		maxIdeas, account.Equity, account.BuyingPower, symbols, marketContext)

	text, err := s.chat(ctx, prompt, 2000)
	if err != nil {
		s.logger.Error("trade idea generation failed", "error", err)
		return nil
	}

	ideas := parseTradeIdeas(text, marketContext)

	s.mu.Lock()
	for _, idea := range ideas {
		s.ideas[idea.ID] = idea
	}
	s.mu.Unlock()

	for _, idea := range ideas {
		s.publish(types.NewTradeIdeaGeneratedEvent(idea))
	}
	s.logger.Info("trade ideas generated", "count", len(ideas))
	return ideas
}

// AnalyzeOptionsStrategies suggests options strategies for the current
// volatility regime.
func (s *Service) AnalyzeOptionsStrategies(ctx context.Context, account types.AccountSnapshot, positions []types.PositionSnapshot, vol types.VolatilitySnapshot, chain types.OptionChainSummary) OptionsAnalysis {
	now := time.Now().UTC()
	if !s.enabled {
		return OptionsAnalysis{
			Analysis:         "AI features disabled. Set OPENAI_API_KEY to enable options analysis.",
			VolatilityRegime: "unknown",
			Timestamp:        now,
		}
	}

	regime := volatilityRegime(vol.VIXLevel)
	prompt := fmt.Sprintf(`Analyze options strategies appropriate for current conditions:

Portfolio equity: %s
Volatility regime: %s (VIX %.1f)
Options summary for %s: put/call ratio %.2f, total volume %d

Suggest 2-3 conservative options strategies considering:
1. Current volatility regime (%s)
2. Portfolio protection needs
3. Income generation opportunities
4. Risk management applications

For each strategy, explain the mechanics, required market outlook,
risk/reward profile, position sizing guidelines, and exit criteria.
Emphasize education and risk management.`,
		account.Equity, regime, vol.VIXLevel, chain.Symbol, chain.PutCallRatio, chain.TotalVolume, regime)

	analysis, err := s.chat(ctx, prompt, 2000)
	if err != nil {
		s.logger.Error("options analysis failed", "error", err)
		return OptionsAnalysis{
			Analysis:         "Options analysis temporarily unavailable.",
			VolatilityRegime: "unknown",
			Timestamp:        now,
		}
	}

	return OptionsAnalysis{
		Analysis:              analysis,
		VolatilityRegime:      regime,
		RecommendedStrategies: extractOptionsStrategies(analysis),
		Timestamp:             now,
	}
}

// AnswerQuestion gives an educational answer to a free-form trading
// question. Never returns trade recommendations.
func (s *Service) AnswerQuestion(ctx context.Context, question string, questionContext map[string]any) string {
	if !s.enabled {
		return "AI features disabled. Set OPENAI_API_KEY to enable AI Q&A."
	}

	contextStr := ""
	if len(questionContext) > 0 {
		contextStr = fmt.Sprintf("\nCurrent Context: %v", questionContext)
	}
	prompt := fmt.Sprintf(`Question: %s%s

Provide an educational response that:
1. Answers the question clearly
2. Explains relevant concepts
3. Emphasizes risks and considerations
4. Suggests further research if appropriate
5. Does not provide specific trade recommendations

Focus on education and risk awareness.`, question, contextStr)

	answer, err := s.chat(ctx, prompt, 800)
	if err != nil {
		s.logger.Error("question answering failed", "error", err)
		return "I'm unable to process your question right now. Please consult financial resources or advisors."
	}
	return answer
}

// ——— idea approval workflow ———

// ApproveIdea marks the idea approved and mints an AI-sourced signal
// from its suggestion. The returned signal must be routed through the
// risk engine by the caller; the advisor itself never executes.
func (s *Service) ApproveIdea(id, userNotes string) (*types.TradeSignal, types.TradeIdea, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idea, ok := s.ideas[id]
	if !ok {
		return nil, types.TradeIdea{}, fmt.Errorf("trade idea %s not found", id)
	}
	if idea.Approved != nil {
		return nil, idea, fmt.Errorf("trade idea %s already resolved", id)
	}

	approved := true
	now := time.Now().UTC()
	idea.Approved = &approved
	idea.ApprovedAt = &now
	idea.UserNotes = userNotes
	s.ideas[id] = idea

	var signal *types.TradeSignal
	if idea.SuggestedSignal != nil {
		sug := idea.SuggestedSignal
		minted, err := types.NewTradeSignal(
			sug.Symbol, sug.Side, sug.Qty, sug.OrderType,
			idea.Confidence, types.SourceAI, "",
			sug.Price, sug.StopPrice,
			map[string]any{"idea_id": idea.ID},
		)
		if err != nil {
			return nil, idea, fmt.Errorf("mint signal from idea %s: %w", id, err)
		}
		signal = &minted
	}

	s.logger.Info("trade idea approved", "idea_id", id, "minted_signal", signal != nil)
	return signal, idea, nil
}

// RejectIdea marks the idea rejected with a reason.
func (s *Service) RejectIdea(id, reason string) (types.TradeIdea, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idea, ok := s.ideas[id]
	if !ok {
		return types.TradeIdea{}, fmt.Errorf("trade idea %s not found", id)
	}
	if idea.Approved != nil {
		return idea, fmt.Errorf("trade idea %s already resolved", id)
	}

	rejected := false
	idea.Approved = &rejected
	idea.UserNotes = reason
	s.ideas[id] = idea

	s.logger.Info("trade idea rejected", "idea_id", id, "reason", reason)
	return idea, nil
}

// Ideas returns every stored idea.
func (s *Service) Ideas() []types.TradeIdea {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.TradeIdea, 0, len(s.ideas))
	for _, idea := range s.ideas {
		out = append(out, idea)
	}
	return out
}

// AddIdea stores an externally constructed idea (used by tests and the
// simulation path).
func (s *Service) AddIdea(idea types.TradeIdea) {
	s.mu.Lock()
	s.ideas[idea.ID] = idea
	s.mu.Unlock()
}

// ——— deterministic scoring ———

// RiskScore rates the book 0-100: concentration (up to 50), total
// exposure (up to 30), and a penalty for holding few positions (up to
// 20). A cash-only portfolio scores a flat 20.
func RiskScore(positions []types.PositionSnapshot) float64 {
	if len(positions) == 0 {
		return 20
	}

	var maxPct, totalExposure float64
	for _, p := range positions {
		pct := math.Abs(p.ExposurePct)
		totalExposure += pct
		if pct > maxPct {
			maxPct = pct
		}
	}

	concentration := math.Min(maxPct*2, 50)
	exposure := math.Min(totalExposure/2, 30)
	fewPositions := math.Max(20-float64(len(positions))*2, 0)

	return math.Min(math.Max(concentration+exposure+fewPositions, 0), 100)
}

// DiversificationScore rates spread 0-100: position count (up to 60)
// plus low concentration (up to 40). Empty book scores 0.
func DiversificationScore(positions []types.PositionSnapshot) float64 {
	if len(positions) == 0 {
		return 0
	}

	var maxPct float64
	for _, p := range positions {
		if pct := math.Abs(p.ExposurePct); pct > maxPct {
			maxPct = pct
		}
	}

	countScore := math.Min(float64(len(positions))*10, 60)
	concentrationScore := math.Max(40-maxPct, 0)
	return math.Min(countScore+concentrationScore, 100)
}

func volatilityRegime(vix float64) string {
	switch {
	case vix > 25:
		return "high"
	case vix < 15:
		return "low"
	default:
		return "normal"
	}
}

// ——— text post-processing ———

func portfolioSummary(account types.AccountSnapshot, positions []types.PositionSnapshot) string {
	var b strings.Builder
	fmt.Fprintf(&b, "equity=%s buying_power=%s positions=%d", account.Equity, account.BuyingPower, len(positions))
	for _, p := range positions {
		fmt.Fprintf(&b, "\n  %s qty=%d exposure=%.1f%% unrealized_pl=%s", p.Symbol, p.Qty, p.ExposurePct, p.UnrealizedPL)
	}
	return b.String()
}

// extractRecommendations pulls lines that look actionable, capped at 5.
func extractRecommendations(analysis string) []string {
	var out []string
	for _, line := range strings.Split(analysis, "\n") {
		line = strings.TrimSpace(line)
		lower := strings.ToLower(line)
		if len(line) > 20 &&
			(strings.Contains(lower, "recommend") || strings.Contains(lower, "consider") || strings.Contains(lower, "suggest")) {
			out = append(out, line)
			if len(out) == 5 {
				break
			}
		}
	}
	return out
}

// parseTradeIdeas splits model output into paragraph-sized ideas,
// capped at maxIdeas. Short fragments are dropped.
func parseTradeIdeas(text string, marketContext map[string]any) []types.TradeIdea {
	var ideas []types.TradeIdea
	for i, section := range strings.Split(text, "\n\n") {
		if len(section) <= 100 {
			continue
		}
		rationale := section
		if len(rationale) > 500 {
			rationale = rationale[:500]
		}
		idea, err := types.NewTradeIdea(
			fmt.Sprintf("AI Trade Idea #%d", i+1),
			rationale,
			"All trades involve risk of loss. Past performance does not guarantee future results.",
			0.7,
			nil,
			marketContext,
		)
		if err != nil {
			continue
		}
		ideas = append(ideas, idea)
		if len(ideas) == maxIdeas {
			break
		}
	}
	return ideas
}

var optionsStrategyNames = []string{
	"covered call", "protective put", "iron condor", "butterfly spread",
	"straddle", "strangle", "collar", "credit spread", "debit spread",
}

func extractOptionsStrategies(analysis string) []string {
	lower := strings.ToLower(analysis)
	var out []string
	for _, name := range optionsStrategyNames {
		if strings.Contains(lower, name) {
			out = append(out, name)
		}
	}
	return out
}
