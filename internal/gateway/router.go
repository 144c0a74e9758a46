package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"omniagent/internal/agent"
	"omniagent/internal/channels"
	"omniagent/internal/jobs"
	"omniagent/internal/memory"
	"omniagent/internal/observability"
	"omniagent/internal/recall"
	"omniagent/internal/sessions"
	"omniagent/pkg/models"
)

// Sender delivers router replies. The channel registry satisfies this;
// tests substitute a recorder.
type Sender interface {
	Send(ctx context.Context, out *channels.OutboundMessage) error
}

// registrySender routes an outbound message to the adapter registered
// for its channel.
type registrySender struct {
	registry *channels.Registry
}

func (s registrySender) Send(ctx context.Context, out *channels.OutboundMessage) error {
	adapter, ok := s.registry.Get(out.Channel)
	if !ok {
		return fmt.Errorf("no adapter registered for channel %q", out.Channel)
	}
	return adapter.Send(ctx, out)
}

// RegistrySender wraps a channel registry as a Sender.
func RegistrySender(registry *channels.Registry) Sender {
	return registrySender{registry: registry}
}

// Options carries the router's optional collaborators.
type Options struct {
	// Memory serves /session memory; nil disables it.
	Memory memory.Store
	// Policy authorizes managed commands; nil denies all control
	// commands and allows all slash commands.
	Policy *Policy
	// Partition is the runtime partition setting /session partition
	// switches; nil disables the command.
	Partition *sessions.PartitionSetting
	Metrics   *observability.Metrics
	Logger    *slog.Logger
}

// Router pulls channel messages, handles managed commands, and forwards
// everything else to the turn engine.
type Router struct {
	engine    *agent.Engine
	manager   *jobs.Manager
	sender    Sender
	snapshots *sessions.Snapshots
	memory    memory.Store
	policy    *Policy
	partition *sessions.PartitionSetting
	metrics   *observability.Metrics
	logger    *slog.Logger
}

// NewRouter creates a router over the engine and job manager.
func NewRouter(engine *agent.Engine, manager *jobs.Manager, sender Sender, opts Options) *Router {
	policy := opts.Policy
	if policy == nil {
		policy = &Policy{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		engine:    engine,
		manager:   manager,
		sender:    sender,
		snapshots: sessions.NewSnapshots(engine.Sessions()),
		memory:    opts.Memory,
		policy:    policy,
		partition: opts.Partition,
		metrics:   opts.Metrics,
		logger:    logger.With("component", "router"),
	}
}

// Run consumes messages until ctx is done. Completion events from the
// job manager are pushed to their recipients concurrently.
func (r *Router) Run(ctx context.Context, in <-chan *models.ChannelMessage) {
	go r.PumpCompletions(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-in:
			if !ok {
				return
			}
			go r.process(ctx, msg)
		}
	}
}

func (r *Router) process(ctx context.Context, msg *models.ChannelMessage) {
	reply := r.Handle(ctx, msg)
	if reply == "" {
		return
	}
	r.deliver(ctx, msg.Channel, msg.Recipient, reply)
}

// Handle routes one message and returns the reply text, empty when
// nothing should be sent.
func (r *Router) Handle(ctx context.Context, msg *models.ChannelMessage) string {
	inv, ok := Detect(msg.Content)
	if !ok {
		return r.foregroundTurn(ctx, msg)
	}

	if denied := r.authorize(inv, msg); denied != "" {
		r.count(inv.Path, "denied")
		return denied
	}

	reply, err := r.dispatch(ctx, inv, msg)
	if err != nil {
		r.count(inv.Path, "error")
		r.logger.Error("command failed",
			"command", inv.Display,
			"session_id", msg.SessionID(),
			"error", err)
		return fmt.Sprintf("Command %s failed: %v", inv.Display, err)
	}
	r.count(inv.Path, "ok")
	return reply
}

// authorize returns the structured denial reply, or "" when allowed.
func (r *Router) authorize(inv *Invocation, msg *models.ChannelMessage) string {
	switch inv.Kind {
	case KindControl:
		if !r.policy.AuthorizedForControl(msg.Sender, inv.Path, msg.Recipient) {
			return fmt.Sprintf("Permission denied. reason=admin_required command=%s sender=%s",
				inv.Display, msg.Sender)
		}
	default:
		if !r.policy.AuthorizedForSlash(msg.Sender, inv.Path, msg.Recipient) {
			return fmt.Sprintf("Permission denied. reason=slash_permission_required command=%s sender=%s",
				inv.Display, msg.Sender)
		}
	}
	return ""
}

func (r *Router) dispatch(ctx context.Context, inv *Invocation, msg *models.ChannelMessage) (string, error) {
	sessionID := msg.SessionID()
	switch inv.Path {
	case "help":
		return r.cmdHelp(inv)
	case "reset":
		return r.cmdReset(ctx, sessionID)
	case "clear":
		return r.cmdClear(ctx, sessionID)
	case "resume":
		return r.cmdResume(ctx, inv, sessionID)
	case "session.status":
		return r.cmdSessionStatus(ctx, inv, sessionID)
	case "session.budget":
		return r.cmdSessionBudget(inv, sessionID)
	case "session.memory":
		return r.cmdSessionMemory(ctx, inv, sessionID)
	case "session.feedback":
		return r.cmdSessionFeedback(ctx, inv, sessionID)
	case "session.partition":
		return r.cmdSessionPartition(inv)
	case "session.admin":
		return r.cmdSessionAdmin(inv)
	case "session.inject":
		return r.cmdSessionInject(ctx, inv, sessionID)
	case "jobs":
		return r.cmdJobs(ctx, inv)
	case "job":
		return r.cmdJob(ctx, inv)
	case "bg":
		return r.cmdBackground(ctx, inv, msg)
	case "feedback":
		return r.cmdFeedback(ctx, inv, sessionID)
	default:
		return "Unknown session subcommand. Usage: /session {status|budget|memory|feedback|partition|admin|inject}", nil
	}
}

func (r *Router) foregroundTurn(ctx context.Context, msg *models.ChannelMessage) string {
	reply, err := r.engine.RunTurn(ctx, msg.SessionID(), msg.Content)
	if err != nil && !errors.Is(err, agent.ErrToolRoundsExceeded) {
		r.logger.Error("turn failed",
			"session_id", msg.SessionID(),
			"error", err)
		if reply == "" {
			return "Something went wrong handling your message. Please try again."
		}
	}
	return reply
}

// helpEntries drive /help output, in display order.
var helpEntries = []struct{ usage, what string }{
	{"/help [json]", "list available commands"},
	{"/session status [json]", "session id, message count, snapshot state"},
	{"/session budget [json]", "last context budget snapshot"},
	{"/session memory [json]", "recent episodic memories for this session"},
	{"/session feedback [json]", "current recall feedback bias"},
	{"/session partition <strategy>", "switch the session partition strategy"},
	{"/session admin {list|allow|revoke} …", "manage control command access"},
	{"/session inject <text>", "inject a system note into the session"},
	{"/reset", "snapshot and clear the session context"},
	{"/clear", "clear the session context without a snapshot"},
	{"/resume [status|drop]", "restore, inspect, or drop the saved snapshot"},
	{"/jobs [json]", "list background jobs"},
	{"/job <id> [json]", "show one background job"},
	{"/bg <prompt>", "run a prompt as a background job"},
	{"/feedback {up|down}", "rate the last answer to tune memory recall"},
}

func (r *Router) cmdHelp(inv *Invocation) (string, error) {
	if inv.JSON {
		entries := make([]map[string]string, 0, len(helpEntries))
		for _, e := range helpEntries {
			entries = append(entries, map[string]string{"usage": e.usage, "description": e.what})
		}
		return jsonReply(map[string]any{"commands": entries})
	}
	var b strings.Builder
	b.WriteString("Available commands:\n")
	for _, e := range helpEntries {
		fmt.Fprintf(&b, "%s - %s\n", e.usage, e.what)
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

func (r *Router) cmdReset(ctx context.Context, sessionID string) (string, error) {
	cleared, err := r.snapshots.Save(ctx, sessionID)
	if err != nil {
		return "", err
	}
	if err := r.engine.Sessions().Clear(ctx, sessionID); err != nil {
		return "", err
	}
	r.engine.Snapshots().Forget(sessionID)
	return fmt.Sprintf("Session context reset. messages_cleared=%d", cleared), nil
}

func (r *Router) cmdClear(ctx context.Context, sessionID string) (string, error) {
	msgs, err := r.engine.Sessions().Get(ctx, sessionID)
	if err != nil {
		return "", err
	}
	if err := r.engine.Sessions().Clear(ctx, sessionID); err != nil {
		return "", err
	}
	r.engine.Snapshots().Forget(sessionID)
	return fmt.Sprintf("Session context cleared. messages_cleared=%d", len(msgs)), nil
}

func (r *Router) cmdResume(ctx context.Context, inv *Invocation, sessionID string) (string, error) {
	switch inv.Arg(0) {
	case "":
		restored, err := r.snapshots.Restore(ctx, sessionID)
		if errors.Is(err, sessions.ErrNoSnapshot) {
			return "No saved session context snapshot found.", nil
		}
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("Session context restored. messages_restored=%d", restored), nil
	case "status":
		snap, err := r.snapshots.Load(ctx, sessionID)
		if errors.Is(err, sessions.ErrNoSnapshot) {
			return "No saved session context snapshot found.", nil
		}
		if err != nil {
			return "", err
		}
		age := int64(0)
		if !snap.SavedAt.IsZero() {
			age = int64(time.Since(snap.SavedAt).Seconds())
		}
		return fmt.Sprintf("Saved session context snapshot: messages=%d, saved_age_secs=%d",
			len(snap.Messages), age), nil
	case "drop":
		if _, err := r.snapshots.Load(ctx, sessionID); errors.Is(err, sessions.ErrNoSnapshot) {
			return "No saved session context snapshot found.", nil
		} else if err != nil {
			return "", err
		}
		if err := r.snapshots.Drop(ctx, sessionID); err != nil {
			return "", err
		}
		return "Saved session context snapshot dropped.", nil
	default:
		return "Usage: /resume [status|drop]", nil
	}
}

func (r *Router) cmdSessionStatus(ctx context.Context, inv *Invocation, sessionID string) (string, error) {
	msgs, err := r.engine.Sessions().Get(ctx, sessionID)
	if err != nil {
		return "", err
	}
	hasSnapshot := true
	if _, err := r.snapshots.Load(ctx, sessionID); errors.Is(err, sessions.ErrNoSnapshot) {
		hasSnapshot = false
	} else if err != nil {
		return "", err
	}
	strategy := ""
	if r.partition != nil {
		strategy = string(r.partition.Strategy())
	}

	if inv.JSON {
		return jsonReply(map[string]any{
			"session_id":         sessionID,
			"messages":           len(msgs),
			"saved_snapshot":     hasSnapshot,
			"partition_strategy": strategy,
		})
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Session %s\n", sessionID)
	fmt.Fprintf(&b, "messages=%d saved_snapshot=%t", len(msgs), hasSnapshot)
	if strategy != "" {
		fmt.Fprintf(&b, " partition=%s", strategy)
	}
	return b.String(), nil
}

func (r *Router) cmdSessionBudget(inv *Invocation, sessionID string) (string, error) {
	snap, ok := r.engine.Snapshots().Get(sessionID)
	if !ok {
		return "No context budget snapshot recorded for this session yet.", nil
	}
	if inv.JSON {
		return jsonReply(snap)
	}
	return fmt.Sprintf(
		"Context budget snapshot: strategy=%s budget=%d effective=%d pre_tokens=%d post_tokens=%d kept=%d/%d dropped=%d",
		snap.Strategy, snap.BudgetTokens, snap.EffectiveBudgetTokens,
		snap.PreTokens, snap.PostTokens,
		snap.PostMessages, snap.PreMessages, snap.DroppedMessages), nil
}

func (r *Router) cmdSessionMemory(ctx context.Context, inv *Invocation, sessionID string) (string, error) {
	if r.memory == nil {
		return "Memory store is not configured.", nil
	}
	episodes, err := r.memory.Recent(ctx, sessionID, 5)
	if err != nil {
		return "", err
	}
	if inv.JSON {
		return jsonReply(map[string]any{"session_id": sessionID, "episodes": episodes})
	}
	if len(episodes) == 0 {
		return "No episodic memories recorded for this session yet.", nil
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Recent memories (%d):\n", len(episodes))
	for _, ep := range episodes {
		fmt.Fprintf(&b, "[%s] %s (q=%.2f)\n", ep.Outcome, ep.Intent, ep.QValue)
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

func (r *Router) cmdSessionFeedback(ctx context.Context, inv *Invocation, sessionID string) (string, error) {
	bias, err := r.engine.Feedback().Get(ctx, sessionID)
	if err != nil {
		return "", err
	}
	if inv.JSON {
		return jsonReply(map[string]any{"session_id": sessionID, "bias": bias})
	}
	return fmt.Sprintf("Recall feedback bias: %+.2f", bias), nil
}

func (r *Router) cmdSessionPartition(inv *Invocation) (string, error) {
	if r.partition == nil {
		return "Partition strategy is fixed for this deployment.", nil
	}
	if inv.Arg(0) == "" {
		return fmt.Sprintf("Session partition strategy: %s", r.partition.Strategy()), nil
	}
	strategy, err := sessions.ParsePartitionStrategy(inv.Arg(0))
	if err != nil {
		return fmt.Sprintf("Unknown partition strategy %q. Known: chat_user, chat_only, user_only, chat_thread_user, guild_channel_user, channel_only, guild_user", inv.Arg(0)), nil
	}
	r.partition.Set(strategy)
	return fmt.Sprintf("Session partition strategy set to %s. Existing sessions keep their messages.", strategy), nil
}

func (r *Router) cmdSessionAdmin(inv *Invocation) (string, error) {
	switch inv.Arg(0) {
	case "list":
		rules := r.policy.ControlRules()
		if len(rules) == 0 {
			return "No control command rules configured.", nil
		}
		return "Control command rules:\n" + strings.Join(rules, "\n"), nil
	case "allow":
		if len(inv.Args) < 3 {
			return "Usage: /session admin allow <selector> <user>", nil
		}
		r.policy.GrantControl(inv.Args[1], inv.Args[2])
		return fmt.Sprintf("Granted %s control access to %s.", inv.Args[2], NormalizeSelector(inv.Args[1])), nil
	case "revoke":
		if len(inv.Args) < 3 {
			return "Usage: /session admin revoke <selector> <user>", nil
		}
		if !r.policy.RevokeControl(inv.Args[1], inv.Args[2]) {
			return fmt.Sprintf("No grant found for %s on %s.", inv.Args[2], NormalizeSelector(inv.Args[1])), nil
		}
		return fmt.Sprintf("Revoked control access for %s on %s.", inv.Args[2], NormalizeSelector(inv.Args[1])), nil
	default:
		return "Usage: /session admin {list|allow|revoke} [selector] [user]", nil
	}
}

// operatorNoteName tags injected system messages so they read as
// operator guidance in later turns.
const operatorNoteName = "operator_note"

func (r *Router) cmdSessionInject(ctx context.Context, inv *Invocation, sessionID string) (string, error) {
	note := inv.ArgText()
	if note == "" {
		return "Usage: /session inject <text>", nil
	}
	err := r.engine.Sessions().Append(ctx, sessionID, []models.ChatMessage{{
		Role:    models.RoleSystem,
		Name:    operatorNoteName,
		Content: note,
	}})
	if err != nil {
		return "", err
	}
	return "Injected system note into session context.", nil
}

func (r *Router) cmdJobs(ctx context.Context, inv *Invocation) (string, error) {
	list, err := r.manager.Store().List(ctx, 20, 0)
	if err != nil {
		return "", err
	}
	if inv.JSON {
		return jsonReply(map[string]any{"jobs": list})
	}
	if len(list) == 0 {
		return "No background jobs.", nil
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Background jobs (%d):\n", len(list))
	for _, job := range list {
		fmt.Fprintf(&b, "%s %s %s\n", job.ID, job.Status, truncatePrompt(job.Prompt, 48))
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

func (r *Router) cmdJob(ctx context.Context, inv *Invocation) (string, error) {
	if len(inv.Args) == 0 {
		return "Usage: /job <id> [json]", nil
	}
	job, err := r.manager.Store().Get(ctx, inv.Args[0])
	if err != nil {
		return fmt.Sprintf("No job found with id %s.", inv.Args[0]), nil
	}
	if inv.JSON {
		return jsonReply(job)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Job %s\nstatus=%s\nprompt=%s", job.ID, job.Status, truncatePrompt(job.Prompt, 120))
	if job.Output != "" {
		fmt.Fprintf(&b, "\noutput=%s", truncatePrompt(job.Output, 400))
	}
	if job.Error != "" {
		fmt.Fprintf(&b, "\nerror=%s", job.Error)
	}
	return b.String(), nil
}

func (r *Router) cmdBackground(ctx context.Context, inv *Invocation, msg *models.ChannelMessage) (string, error) {
	prompt := inv.ArgText()
	if prompt == "" {
		return "Usage: /bg <prompt>", nil
	}
	recipient := EncodeRecipient(msg.Channel, msg.Recipient)
	jobID, err := r.manager.Submit(ctx, msg.SessionID(), recipient, prompt)
	if errors.Is(err, jobs.ErrQueueFull) {
		return "Background job queue is full. Try again shortly.", nil
	}
	if err != nil {
		return "", err
	}
	if inv.JSON {
		return jsonReply(map[string]any{"job_id": jobID})
	}
	return fmt.Sprintf("Background job submitted. id=%s", jobID), nil
}

func (r *Router) cmdFeedback(ctx context.Context, inv *Invocation, sessionID string) (string, error) {
	var delta float64
	switch inv.Arg(0) {
	case "up":
		delta = 0.8
	case "down":
		delta = -0.8
	default:
		return "Usage: /feedback {up|down}", nil
	}
	bias, err := r.engine.Feedback().Apply(ctx, sessionID, recall.TurnFeedback{ExplicitUser: &delta})
	if err != nil {
		return "", err
	}
	if inv.JSON {
		return jsonReply(map[string]any{"session_id": sessionID, "bias": bias})
	}
	return fmt.Sprintf("Feedback recorded. bias=%+.2f", bias), nil
}

// PumpCompletions forwards job completion events to their recipients.
func (r *Router) PumpCompletions(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case completion, ok := <-r.manager.Completions():
			if !ok {
				return
			}
			channel, recipient := DecodeRecipient(completion.Recipient)
			r.deliver(ctx, channel, recipient, completionText(completion))
		}
	}
}

func completionText(c jobs.Completion) string {
	switch c.Kind {
	case jobs.CompletionSucceeded:
		if c.Output != "" {
			return c.Output
		}
		return fmt.Sprintf("Background job finished. id=%s", c.JobID)
	case jobs.CompletionTimedOut:
		return fmt.Sprintf("Background job timed out. id=%s timeout_secs=%d", c.JobID, c.TimeoutSecs)
	default:
		return fmt.Sprintf("Background job failed. id=%s error=%s", c.JobID, c.Err)
	}
}

func (r *Router) deliver(ctx context.Context, channel models.ChannelType, recipient, text string) {
	err := r.sender.Send(ctx, &channels.OutboundMessage{
		Channel:   channel,
		Recipient: recipient,
		Text:      text,
	})
	if err != nil {
		r.logger.Error("reply delivery failed",
			"channel", channel,
			"recipient", recipient,
			"error", err)
	}
}

func (r *Router) count(command, result string) {
	if r.metrics == nil {
		return
	}
	r.metrics.RouterCommands.WithLabelValues(command, result).Inc()
}

// EncodeRecipient packs the channel into the job recipient so the
// completion pump can route the result without a second lookup.
func EncodeRecipient(channel models.ChannelType, recipient string) string {
	return string(channel) + "|" + recipient
}

// DecodeRecipient reverses EncodeRecipient. Unprefixed recipients map
// to Telegram for compatibility with records written before encoding.
func DecodeRecipient(encoded string) (models.ChannelType, string) {
	channel, recipient, found := strings.Cut(encoded, "|")
	if !found {
		return models.ChannelTelegram, encoded
	}
	return models.ChannelType(channel), recipient
}

func jsonReply(v any) (string, error) {
	buf, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", err
	}
	return string(buf), nil
}

func truncatePrompt(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "…"
}
