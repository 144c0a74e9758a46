package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"omniagent/internal/compaction"
	"omniagent/internal/embeddings"
	"omniagent/internal/events"
	"omniagent/internal/mcp"
	"omniagent/internal/memory"
	"omniagent/internal/observability"
	"omniagent/internal/recall"
	"omniagent/internal/sessions"
	"omniagent/pkg/models"
)

// ErrToolRoundsExceeded is returned when a turn hits the tool round bound.
// The partial assistant content, if any, rides along in TurnResult.
var ErrToolRoundsExceeded = errors.New("tool call rounds exceeded")

// Config tunes the turn engine.
type Config struct {
	// MaxToolRounds bounds model→tool iterations per turn.
	MaxToolRounds int
	// MaxTokens is the per-response token cap passed to the provider.
	MaxTokens int
	// SystemPrompt is prepended to every model turn when the history has
	// no system message yet.
	SystemPrompt string

	// Budget configures the context planner.
	Budget compaction.Config

	// BaseK1, BaseK2, BaseLambda seed recall plan derivation.
	BaseK1     int
	BaseK2     int
	BaseLambda float64
	// WindowMaxTurns is the window pressure denominator.
	WindowMaxTurns int
}

// DefaultConfig returns the default engine tuning.
func DefaultConfig() Config {
	return Config{
		MaxToolRounds:  8,
		MaxTokens:      4096,
		BaseK1:         20,
		BaseK2:         6,
		BaseLambda:     0.5,
		WindowMaxTurns: 64,
	}
}

// Engine runs turns. All collaborators except the session store, gate,
// and provider are optional; missing ones degrade the matching feature.
type Engine struct {
	sessions  sessions.Store
	gate      sessions.Gate
	provider  Provider
	pool      *mcp.Pool
	memory    memory.Store
	embedder  *embeddings.Client
	feedback  *recall.FeedbackStore
	snapshots *compaction.SnapshotKeeper
	bus       *events.Bus
	metrics   *observability.Metrics
	logger    *slog.Logger
	tokenizer compaction.Tokenizer
	config    Config
}

// Options carries the optional collaborators.
type Options struct {
	Pool      *mcp.Pool
	Memory    memory.Store
	Embedder  *embeddings.Client
	Bus       *events.Bus
	Metrics   *observability.Metrics
	Logger    *slog.Logger
	Tokenizer compaction.Tokenizer
}

// NewEngine creates a turn engine.
func NewEngine(store sessions.Store, gate sessions.Gate, provider Provider, cfg Config, opts Options) *Engine {
	if cfg.MaxToolRounds <= 0 {
		cfg.MaxToolRounds = DefaultConfig().MaxToolRounds
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultConfig().MaxTokens
	}
	if cfg.BaseK1 <= 0 {
		cfg.BaseK1 = DefaultConfig().BaseK1
	}
	if cfg.BaseK2 <= 0 {
		cfg.BaseK2 = DefaultConfig().BaseK2
	}
	if cfg.WindowMaxTurns <= 0 {
		cfg.WindowMaxTurns = DefaultConfig().WindowMaxTurns
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tokenizer := opts.Tokenizer
	if tokenizer == nil {
		tokenizer = compaction.EstimatorTokenizer{}
	}
	return &Engine{
		sessions:  store,
		gate:      gate,
		provider:  provider,
		pool:      opts.Pool,
		memory:    opts.Memory,
		embedder:  opts.Embedder,
		feedback:  recall.NewFeedbackStore(store),
		snapshots: compaction.NewSnapshotKeeper(),
		bus:       opts.Bus,
		metrics:   opts.Metrics,
		logger:    logger.With("component", "turn_engine"),
		tokenizer: tokenizer,
		config:    cfg,
	}
}

// Sessions exposes the session store read path to the router.
func (e *Engine) Sessions() sessions.Store { return e.sessions }

// Snapshots exposes the per-session budget snapshots.
func (e *Engine) Snapshots() *compaction.SnapshotKeeper { return e.snapshots }

// Feedback exposes the recall feedback store.
func (e *Engine) Feedback() *recall.FeedbackStore { return e.feedback }

// toolShortcuts maps leading keywords to direct tool dispatch, bypassing
// the model.
var toolShortcuts = map[string]string{
	"crawl": "crawl",
	"graph": "graph_query",
	"omega": "omega_run",
	"react": "react_plan",
}

// RunTurn executes one full turn for the session and returns the final
// assistant text. Turns on the same session are serialized by the gate.
func (e *Engine) RunTurn(ctx context.Context, sessionID, userText string) (string, error) {
	guard, err := e.gate.Acquire(ctx, sessionID)
	if err != nil {
		return "", fmt.Errorf("acquire session gate: %w", err)
	}
	defer func() {
		if relErr := guard.Release(); errors.Is(relErr, sessions.ErrLeaseLost) {
			e.logger.Warn("distributed lease lost during turn", "session_id", sessionID)
		}
	}()

	started := time.Now()
	turnID := uuid.NewString()
	e.publish(models.TopicAgentTurnStart, map[string]any{"session_id": sessionID, "turn_id": turnID})

	userMsg := models.ChatMessage{Role: models.RoleUser, Content: userText}
	if err := e.sessions.Append(ctx, sessionID, []models.ChatMessage{userMsg}); err != nil {
		return "", err
	}

	var final string
	var toolSummary recall.TurnFeedback
	if tool, args, ok := e.resolveShortcut(userText); ok {
		final, err = e.runToolShortcut(ctx, sessionID, tool, args, &toolSummary)
	} else {
		final, err = e.runModelTurn(ctx, sessionID, userText, &toolSummary)
	}

	e.finishTurn(ctx, sessionID, turnID, userText, final, err, toolSummary)
	e.observeTurn(started, err)
	if err != nil {
		return final, err
	}
	return final, nil
}

func (e *Engine) resolveShortcut(text string) (tool, args string, ok bool) {
	trimmed := strings.TrimSpace(text)
	for keyword, toolName := range toolShortcuts {
		if strings.HasPrefix(strings.ToLower(trimmed), keyword+" ") {
			return toolName, strings.TrimSpace(trimmed[len(keyword):]), true
		}
	}
	return "", "", false
}

func (e *Engine) runToolShortcut(ctx context.Context, sessionID, tool, query string, summary *recall.TurnFeedback) (string, error) {
	if e.pool == nil {
		return "", fmt.Errorf("tool shortcut %q: no tool pool configured", tool)
	}
	args, _ := json.Marshal(map[string]string{"query": query})
	result, err := e.pool.CallTool(ctx, tool, args)
	if err != nil {
		summary.ToolFailures++
		return "", fmt.Errorf("tool %s: %w", tool, err)
	}
	summary.ToolSuccesses++

	text := result.Text()
	assistant := models.ChatMessage{Role: models.RoleAssistant, Content: text}
	if err := e.sessions.Append(ctx, sessionID, []models.ChatMessage{assistant}); err != nil {
		return "", err
	}
	return text, nil
}

func (e *Engine) runModelTurn(ctx context.Context, sessionID, userText string, summary *recall.TurnFeedback) (string, error) {
	history, err := e.sessions.Get(ctx, sessionID)
	if err != nil {
		return "", err
	}

	planned := compaction.Plan(history, e.config.Budget, e.tokenizer)
	e.snapshots.Put(sessionID, planned.Snapshot)

	working := planned.Messages
	if injection := e.recallInjection(ctx, sessionID, userText, planned.Snapshot); injection != nil {
		working = append([]models.ChatMessage{*injection}, working...)
		if e.metrics != nil {
			e.metrics.RecallInjected.Inc()
		}
	}
	if e.config.SystemPrompt != "" && !hasSystem(working) {
		prompt := models.ChatMessage{Role: models.RoleSystem, Content: e.config.SystemPrompt}
		working = append([]models.ChatMessage{prompt}, working...)
	}

	var tools []mcp.Tool
	if e.pool != nil {
		if listed, err := e.pool.ListTools(ctx); err == nil {
			tools = listed
		} else {
			e.logger.Debug("tool discovery failed", "error", err)
		}
	}

	var lastContent string
	for round := 0; round < e.config.MaxToolRounds; round++ {
		resp, err := e.provider.Complete(ctx, &ChatRequest{
			Messages:  working,
			Tools:     tools,
			MaxTokens: e.config.MaxTokens,
		})
		if err != nil {
			return "", fmt.Errorf("model call: %w", err)
		}
		lastContent = resp.Content

		if len(resp.ToolCalls) == 0 {
			assistant := models.ChatMessage{Role: models.RoleAssistant, Content: resp.Content}
			if err := e.sessions.Append(ctx, sessionID, []models.ChatMessage{assistant}); err != nil {
				return "", err
			}
			return resp.Content, nil
		}

		assistant := models.ChatMessage{
			Role:      models.RoleAssistant,
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		}
		working = append(working, assistant)
		toAppend := []models.ChatMessage{assistant}

		for _, call := range resp.ToolCalls {
			toolMsg := e.executeToolCall(ctx, call, summary)
			working = append(working, toolMsg)
			toAppend = append(toAppend, toolMsg)
		}
		if err := e.sessions.Append(ctx, sessionID, toAppend); err != nil {
			return "", err
		}
	}

	return lastContent, ErrToolRoundsExceeded
}

// executeToolCall runs one tool call; failures become structured tool
// message content so the model can adapt, and the loop continues.
func (e *Engine) executeToolCall(ctx context.Context, call models.ToolCall, summary *recall.TurnFeedback) models.ChatMessage {
	msg := models.ChatMessage{
		Role:       models.RoleTool,
		ToolCallID: call.ID,
		Name:       call.Name,
	}
	if e.pool == nil {
		summary.ToolFailures++
		msg.Content = fmt.Sprintf("tool call failed: no tool pool configured for %s", call.Name)
		return msg
	}

	result, err := e.pool.CallTool(ctx, call.Name, call.Arguments)
	status := "success"
	switch {
	case errors.Is(err, mcp.ErrTimeout):
		summary.ToolFailures++
		status = "timeout"
		msg.Content = fmt.Sprintf("tool call failed: timeout after deadline (%s)", call.Name)
	case err != nil:
		summary.ToolFailures++
		status = "error"
		msg.Content = fmt.Sprintf("tool call failed: %v", err)
	default:
		summary.ToolSuccesses++
		msg.Content = result.Text()
	}
	if e.metrics != nil {
		e.metrics.ToolCalls.WithLabelValues(call.Name, status).Inc()
	}
	return msg
}

// recallInjection builds the recalled-context system message. Any failure
// on this path degrades silently; the turn proceeds without injection.
func (e *Engine) recallInjection(ctx context.Context, sessionID, userText string, snap compaction.Snapshot) *models.ChatMessage {
	if e.memory == nil || e.embedder == nil {
		return nil
	}

	bias, err := e.feedback.Get(ctx, sessionID)
	if err != nil {
		e.logger.Debug("feedback bias read failed", "error", err)
		bias = 0
	}

	plan := recall.Derive(recall.Inputs{
		BaseK1:                     e.config.BaseK1,
		BaseK2:                     e.config.BaseK2,
		BaseLambda:                 e.config.BaseLambda,
		ContextBudgetTokens:        e.config.Budget.BudgetTokens,
		ContextBudgetReserveTokens: e.config.Budget.ReserveTokens,
		ContextTokensBeforeRecall:  snap.PreTokens,
		ActiveTurnsEstimate:        snap.NonSystem.InputMessages,
		WindowMaxTurns:             e.config.WindowMaxTurns,
		SummarySegmentCount:        snap.SummarySystem.InputMessages,
	}, bias)

	vectors, err := e.embedder.EmbedBatch(ctx, []string{userText}, "")
	if err != nil || len(vectors) == 0 {
		e.logger.Debug("recall embedding failed", "error", err)
		return nil
	}

	candidates, err := e.memory.Nearest(ctx, vectors[0], plan.K1, sessionID)
	if err != nil {
		e.logger.Debug("recall query failed", "error", err)
		return nil
	}

	candidates = recall.BoostByEntities(userText, candidates)
	selected := recall.Fuse(candidates, plan, time.Now())
	return recall.BuildInjection(selected, plan)
}

// finishTurn writes the episode, runs reflection, and folds the turn's
// outcome into the feedback bias.
func (e *Engine) finishTurn(ctx context.Context, sessionID, turnID, userText, final string, turnErr error, toolSummary recall.TurnFeedback) {
	outcome := OutcomeSuccess
	outcomeText := "completed"
	if turnErr != nil {
		outcome = OutcomeFailure
		outcomeText = "error"
	}

	// Model transport failure writes no episode at all.
	if e.memory != nil && (turnErr == nil || errors.Is(turnErr, ErrToolRoundsExceeded)) {
		e.writeEpisode(ctx, sessionID, userText, final, outcomeText)
	}

	route := string(RouteReact)
	reflection, err := BuildTurnReflection(route, userText, final, outcome, toolSummary.ToolSuccesses+toolSummary.ToolFailures)
	if err != nil {
		e.logger.Error("reflection failed", "error", err)
		return
	}
	hint := DerivePolicyHint(reflection, turnID)
	e.publish(models.TopicAgentPolicyHint, map[string]any{
		"session_id":      sessionID,
		"turn_id":         turnID,
		"preferred_route": string(hint.PreferredRoute),
		"risk_floor":      string(hint.RiskFloor),
		"trust_class":     string(hint.ToolTrustClass),
	})

	toolSummary.AssistantLooksFailed = reflection.Outcome == OutcomeFailure
	if _, err := e.feedback.Apply(ctx, sessionID, toolSummary); err != nil {
		e.logger.Debug("feedback update failed", "error", err)
	}

	e.publish(models.TopicAgentTurnDone, map[string]any{
		"session_id": sessionID,
		"turn_id":    turnID,
		"outcome":    outcomeText,
	})
}

func (e *Engine) writeEpisode(ctx context.Context, sessionID, intent, experience, outcome string) {
	ep := &models.Episode{
		Intent:     intent,
		Experience: experience,
		Outcome:    outcome,
		QValue:     0.5,
		Scope:      sessionID,
	}
	if e.embedder != nil {
		if vectors, err := e.embedder.EmbedBatch(ctx, []string{intent}, ""); err == nil && len(vectors) == 1 {
			ep.IntentEmbedding = vectors[0]
		}
	}
	if err := e.memory.Write(ctx, ep); err != nil {
		e.logger.Warn("episode write failed", "error", err)
	}
}

func (e *Engine) observeTurn(started time.Time, err error) {
	if e.metrics == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	e.metrics.TurnDuration.WithLabelValues(status).Observe(time.Since(started).Seconds())
}

func (e *Engine) publish(topic string, payload map[string]any) {
	if e.bus != nil {
		e.bus.Publish("turn_engine", topic, payload)
	}
}

func hasSystem(msgs []models.ChatMessage) bool {
	for _, msg := range msgs {
		if msg.Role == models.RoleSystem {
			return true
		}
	}
	return false
}
