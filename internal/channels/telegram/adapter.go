// Package telegram is the Telegram adapter: webhook and long-poll
// ingress, chunked rate-gated sends, and media delivery.
package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-telegram/bot"
	tgmodels "github.com/go-telegram/bot/models"

	"omniagent/internal/channels"
	"omniagent/internal/retry"
	"omniagent/internal/sessions"
	"omniagent/pkg/models"
)

// secretTokenHeader carries the webhook shared secret.
const secretTokenHeader = "X-Telegram-Bot-Api-Secret-Token"

// Mode selects how updates are received.
type Mode string

const (
	ModeLongPolling Mode = "long_polling"
	ModeWebhook     Mode = "webhook"
)

// Config holds the Telegram adapter configuration.
type Config struct {
	// Token is the bot token from @BotFather.
	Token string

	Mode Mode

	// WebhookURL is the public HTTPS endpoint for webhook mode.
	WebhookURL string
	// WebhookSecret is validated against the secret token header.
	WebhookSecret string
	// ListenAddr is the webhook server bind address.
	ListenAddr string

	// PollTimeout is the long-poll request timeout in seconds.
	PollTimeout int
	// MaxPollBackoff caps retry sleeps on poll errors.
	MaxPollBackoff time.Duration

	// Partition selects the session key derivation.
	Partition sessions.PartitionStrategy

	// PartitionSetting, when set, overrides Partition and allows a
	// runtime strategy switch.
	PartitionSetting *sessions.PartitionSetting

	// SendTyping emits a chat action before each reply.
	SendTyping bool

	Logger *slog.Logger
}

// Validate checks the configuration and applies defaults.
func (c *Config) Validate() error {
	if c.Token == "" {
		return channels.ErrConfig("token is required", nil)
	}
	if c.Mode == "" {
		c.Mode = ModeLongPolling
	}
	if c.Mode == ModeWebhook && c.WebhookURL == "" {
		return channels.ErrConfig("webhook_url is required for webhook mode", nil)
	}
	if c.Mode == ModeWebhook && c.ListenAddr == "" {
		c.ListenAddr = ":8443"
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = 30
	}
	if c.MaxPollBackoff <= 0 {
		c.MaxPollBackoff = 60 * time.Second
	}
	if c.Partition == "" {
		c.Partition = sessions.PartitionChatUser
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return nil
}

// Adapter implements channels.Adapter for Telegram.
type Adapter struct {
	config  Config
	bot     *bot.Bot
	ingress *channels.Ingress
	sender  *channels.Sender
	chunker *channels.MessageChunker

	statusMu sync.RWMutex
	status   channels.Status

	cancel context.CancelFunc
	wg     sync.WaitGroup
	server *http.Server
	logger *slog.Logger
}

// NewAdapter creates a Telegram adapter. The ingress pipeline and sender
// are shared with other adapters so dedup and the rate gate span the
// process.
func NewAdapter(config Config, ingress *channels.Ingress, sender *channels.Sender) (*Adapter, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &Adapter{
		config:  config,
		ingress: ingress,
		sender:  sender,
		chunker: channels.NewMessageChunker(channels.TelegramMaxCodePoints),
		logger:  config.Logger.With("adapter", "telegram"),
	}, nil
}

// Type returns the channel type.
func (a *Adapter) Type() models.ChannelType { return models.ChannelTelegram }

// Messages returns the shared inbound stream.
func (a *Adapter) Messages() <-chan *models.ChannelMessage {
	return a.ingress.Messages()
}

// Status returns the connection state.
func (a *Adapter) Status() channels.Status {
	a.statusMu.RLock()
	defer a.statusMu.RUnlock()
	return a.status
}

func (a *Adapter) updateStatus(connected bool, errMsg string) {
	a.statusMu.Lock()
	defer a.statusMu.Unlock()
	a.status = channels.Status{
		Connected: connected,
		Error:     errMsg,
		LastPing:  time.Now().UnixMilli(),
	}
}

// Start connects the bot and begins receiving updates.
func (a *Adapter) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	a.logger.Info("starting telegram adapter", "mode", a.config.Mode)

	b, err := bot.New(a.config.Token, bot.WithSkipGetMe())
	if err != nil {
		a.updateStatus(false, err.Error())
		return channels.ErrAuthentication("failed to create bot", err)
	}
	a.bot = b

	a.wg.Add(1)
	if a.config.Mode == ModeWebhook {
		go a.runWebhook(ctx)
	} else {
		go a.runLongPolling(ctx)
	}

	a.updateStatus(true, "")
	return nil
}

// Stop shuts the adapter down.
func (a *Adapter) Stop(ctx context.Context) error {
	a.logger.Info("stopping telegram adapter")
	if a.cancel != nil {
		a.cancel()
	}
	if a.server != nil {
		_ = a.server.Shutdown(ctx)
	}

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		a.updateStatus(false, "")
		return nil
	case <-ctx.Done():
		return channels.ErrTimeout("stop timeout", ctx.Err())
	}
}

// runLongPolling issues getUpdates in a loop, classifying platform
// errors: 401 aborts, 409 retries with backoff, 429 honors retry_after,
// everything else retries with exponential backoff.
func (a *Adapter) runLongPolling(ctx context.Context) {
	defer a.wg.Done()

	var offset int64
	failures := 0

	for {
		select {
		case <-ctx.Done():
			a.updateStatus(false, "")
			return
		default:
		}

		updates, err := a.bot.GetUpdates(ctx, &bot.GetUpdatesParams{
			Offset:  offset,
			Timeout: a.config.PollTimeout,
		})
		if err != nil {
			if errors.Is(err, context.Canceled) {
				a.updateStatus(false, "")
				return
			}
			failures++
			wait := retry.Backoff(failures, time.Second, a.config.MaxPollBackoff, 2)
			switch {
			case errors.Is(err, bot.ErrorUnauthorized):
				a.logger.Error("telegram token rejected, stopping poll loop", "error", err)
				a.updateStatus(false, "unauthorized")
				return
			case errors.Is(err, bot.ErrorConflict):
				a.logger.Warn("getUpdates conflict, another consumer active", "backoff", wait)
			case bot.IsTooManyRequestsError(err):
				var tmr *bot.TooManyRequestsError
				if errors.As(err, &tmr) && tmr.RetryAfter > 0 {
					wait = time.Duration(tmr.RetryAfter) * time.Second
					if wait > a.config.MaxPollBackoff {
						wait = a.config.MaxPollBackoff
					}
					a.logger.Warn("poll rate limited", "retry_after", wait)
				}
			default:
				a.logger.Warn("getUpdates failed", "error", err, "backoff", wait)
			}

			a.updateStatus(false, err.Error())
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
			continue
		}

		failures = 0
		a.updateStatus(true, "")
		for _, update := range updates {
			if update.ID >= offset {
				offset = update.ID + 1
			}
			a.handleUpdate(ctx, update)
		}
	}
}

// runWebhook registers the webhook and serves the handler.
func (a *Adapter) runWebhook(ctx context.Context) {
	defer a.wg.Done()

	params := &bot.SetWebhookParams{URL: a.config.WebhookURL}
	if a.config.WebhookSecret != "" {
		params.SecretToken = a.config.WebhookSecret
	}
	if _, err := a.bot.SetWebhook(ctx, params); err != nil {
		a.logger.Error("set webhook failed", "error", err)
		a.updateStatus(false, err.Error())
		return
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/telegram/webhook", a.handleWebhookRequest)
	a.server = &http.Server{Addr: a.config.ListenAddr, Handler: mux}

	a.logger.Info("webhook server listening", "addr", a.config.ListenAddr)
	if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		a.logger.Error("webhook server failed", "error", err)
		a.updateStatus(false, err.Error())
	}
}

// handleWebhookRequest validates the secret, parses the update, and
// feeds it through the shared ingress path. Duplicates are acknowledged
// with 200; a full queue answers 503 so Telegram redelivers.
func (a *Adapter) handleWebhookRequest(w http.ResponseWriter, r *http.Request) {
	if !channels.ValidSecret(a.config.WebhookSecret, r.Header.Get(secretTokenHeader)) {
		http.Error(w, "invalid secret token", http.StatusUnauthorized)
		return
	}

	var update tgmodels.Update
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		http.Error(w, "malformed update", http.StatusBadRequest)
		return
	}

	if err := a.accept(r.Context(), &update); err != nil {
		if errors.Is(err, channels.ErrQueueFull) {
			http.Error(w, "queue full", http.StatusServiceUnavailable)
			return
		}
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (a *Adapter) handleUpdate(ctx context.Context, update *tgmodels.Update) {
	if err := a.accept(ctx, update); err != nil {
		a.logger.Warn("update dropped", "update_id", update.ID, "error", err)
	}
}

// accept converts and enqueues an update. Non-message updates and
// anonymous senders are ignored.
func (a *Adapter) accept(ctx context.Context, update *tgmodels.Update) error {
	msg := update.Message
	if msg == nil || msg.From == nil {
		return nil
	}
	converted := a.convertMessage(msg)
	return a.ingress.Accept(ctx, converted, strconv.FormatInt(update.ID, 10))
}

// convertMessage maps a Telegram message onto the unified inbound form.
// The session key follows the configured partition strategy so webhook
// and long-poll updates land in the same session.
func (a *Adapter) convertMessage(msg *tgmodels.Message) *models.ChannelMessage {
	input := sessions.PartitionInput{
		ChatID: strconv.FormatInt(msg.Chat.ID, 10),
		UserID: strconv.FormatInt(msg.From.ID, 10),
	}
	if msg.MessageThreadID != 0 {
		input.ThreadID = strconv.Itoa(msg.MessageThreadID)
	}

	content := msg.Text
	if content == "" {
		content = msg.Caption
	}

	strategy := a.config.Partition
	if a.config.PartitionSetting != nil {
		strategy = a.config.PartitionSetting.Strategy()
	}

	return &models.ChannelMessage{
		ID:         strconv.Itoa(msg.ID),
		Sender:     strconv.FormatInt(msg.From.ID, 10),
		Recipient:  strconv.FormatInt(msg.Chat.ID, 10),
		SessionKey: strategy.SessionKey(input),
		Content:    content,
		Channel:    models.ChannelTelegram,
		Timestamp:  time.Unix(int64(msg.Date), 0),
	}
}

// Send delivers an outbound message: typing action, inline media
// extraction, chunked text sends, then media.
func (a *Adapter) Send(ctx context.Context, out *channels.OutboundMessage) error {
	if a.bot == nil {
		return channels.ErrInternal("bot not started", nil)
	}
	chatID, err := strconv.ParseInt(out.Recipient, 10, 64)
	if err != nil {
		return channels.ErrInvalidInput("recipient is not a chat id", err)
	}

	if a.config.SendTyping {
		_, _ = a.bot.SendChatAction(ctx, &bot.SendChatActionParams{
			ChatID: chatID,
			Action: tgmodels.ChatActionTyping,
		})
	}

	text, media := channels.ExtractMedia(out.Text)
	media = append(media, out.Media...)

	for _, chunk := range a.chunker.Chunk(text) {
		chunk := chunk
		err := a.sender.Do(ctx, "sendMessage", "text", func(ctx context.Context, plainText bool) error {
			params := &bot.SendMessageParams{ChatID: chatID, Text: chunk}
			if !plainText && out.ParseMode != "plain" {
				params.ParseMode = tgmodels.ParseModeMarkdown
			}
			_, err := a.bot.SendMessage(ctx, params)
			return classifyError(err)
		})
		if err != nil {
			return err
		}
	}

	if len(media) == 0 {
		return nil
	}
	return a.sendMedia(ctx, chatID, media)
}

// sendMedia attempts one grouped send for groupable media; the sender
// falls back to one-by-one delivery after repeated group failures.
// Audio and voice cannot join a photo/document group and are always
// sent singly.
func (a *Adapter) sendMedia(ctx context.Context, chatID int64, media []channels.MediaItem) error {
	var groupable, singles []channels.MediaItem
	for _, item := range media {
		switch item.Kind {
		case channels.MediaImage, channels.MediaVideo, channels.MediaDocument:
			groupable = append(groupable, item)
		default:
			singles = append(singles, item)
		}
	}

	if len(groupable) == 1 {
		singles = append(singles, groupable[0])
		groupable = nil
	}

	if len(groupable) > 1 {
		group := func(ctx context.Context) error {
			inputs := make([]tgmodels.InputMedia, 0, len(groupable))
			for _, item := range groupable {
				inputs = append(inputs, toInputMedia(item))
			}
			_, err := a.bot.SendMediaGroup(ctx, &bot.SendMediaGroupParams{
				ChatID: chatID,
				Media:  inputs,
			})
			return classifyError(err)
		}
		single := func(ctx context.Context, item channels.MediaItem, caption string) error {
			return classifyError(a.sendSingleMedia(ctx, chatID, item, caption))
		}
		if err := a.sender.SendMediaGroup(ctx, "sendMediaGroup", groupable, "", group, single); err != nil {
			return err
		}
	}

	for _, item := range singles {
		item := item
		err := a.sender.Do(ctx, "sendMedia", string(item.Kind), func(ctx context.Context, _ bool) error {
			return classifyError(a.sendSingleMedia(ctx, chatID, item, ""))
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func toInputMedia(item channels.MediaItem) tgmodels.InputMedia {
	switch item.Kind {
	case channels.MediaVideo:
		return &tgmodels.InputMediaVideo{Media: item.URL}
	case channels.MediaDocument:
		return &tgmodels.InputMediaDocument{Media: item.URL}
	default:
		return &tgmodels.InputMediaPhoto{Media: item.URL}
	}
}

func (a *Adapter) sendSingleMedia(ctx context.Context, chatID int64, item channels.MediaItem, caption string) error {
	var err error
	switch item.Kind {
	case channels.MediaImage:
		_, err = a.bot.SendPhoto(ctx, &bot.SendPhotoParams{
			ChatID:  chatID,
			Photo:   &tgmodels.InputFileString{Data: item.URL},
			Caption: caption,
		})
	case channels.MediaVideo:
		_, err = a.bot.SendVideo(ctx, &bot.SendVideoParams{
			ChatID:  chatID,
			Video:   &tgmodels.InputFileString{Data: item.URL},
			Caption: caption,
		})
	case channels.MediaAudio:
		_, err = a.bot.SendAudio(ctx, &bot.SendAudioParams{
			ChatID:  chatID,
			Audio:   &tgmodels.InputFileString{Data: item.URL},
			Caption: caption,
		})
	case channels.MediaVoice:
		_, err = a.bot.SendVoice(ctx, &bot.SendVoiceParams{
			ChatID:  chatID,
			Voice:   &tgmodels.InputFileString{Data: item.URL},
			Caption: caption,
		})
	default:
		_, err = a.bot.SendDocument(ctx, &bot.SendDocumentParams{
			ChatID:   chatID,
			Document: &tgmodels.InputFileString{Data: item.URL},
			Caption:  caption,
		})
	}
	return err
}

// classifyError maps library errors onto the channel error taxonomy so
// the shared sender can drive retries and the rate gate.
func classifyError(err error) error {
	if err == nil {
		return nil
	}
	if bot.IsTooManyRequestsError(err) {
		retryAfter := time.Duration(0)
		var tmr *bot.TooManyRequestsError
		if errors.As(err, &tmr) {
			retryAfter = time.Duration(tmr.RetryAfter) * time.Second
		}
		return channels.ErrRateLimited("telegram rate limit", retryAfter, err)
	}
	switch {
	case errors.Is(err, bot.ErrorUnauthorized), errors.Is(err, bot.ErrorForbidden):
		return channels.ErrAuthentication("telegram rejected request", err)
	case errors.Is(err, context.DeadlineExceeded):
		return channels.ErrTimeout("telegram request timed out", err)
	case channels.IsParseError(err):
		return channels.NewError(channels.ErrCodeParse, "telegram rejected formatting", err)
	case errors.Is(err, bot.ErrorBadRequest):
		return channels.ErrInvalidInput("telegram rejected request", err)
	case isServerError(err):
		return channels.ErrConnection("telegram server error", err)
	}
	return channels.ErrInternal("telegram send failed", err)
}

func isServerError(err error) bool {
	text := err.Error()
	for _, marker := range []string{"500", "502", "503", "504", "Bad Gateway", "Internal Server Error"} {
		if strings.Contains(text, marker) {
			return true
		}
	}
	return false
}
