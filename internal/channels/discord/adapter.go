// Package discord is the Discord adapter over the gateway websocket.
package discord

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"omniagent/internal/channels"
	"omniagent/internal/sessions"
	"omniagent/pkg/models"
)

// discordSession is the slice of *discordgo.Session the adapter uses,
// extracted for test doubles.
type discordSession interface {
	Open() error
	Close() error
	ChannelMessageSend(channelID string, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelTyping(channelID string, options ...discordgo.RequestOption) error
	AddHandler(handler interface{}) func()
}

// Config holds the Discord adapter configuration.
type Config struct {
	// Token is the bot token from the Discord developer portal.
	Token string

	// Partition selects the session key derivation.
	Partition sessions.PartitionStrategy

	// PartitionSetting, when set, overrides Partition and allows a
	// runtime strategy switch.
	PartitionSetting *sessions.PartitionSetting

	// SendTyping emits a typing indicator before each reply.
	SendTyping bool

	// AllowedGuilds restricts ingress to the listed guild ids. Empty
	// allows all guilds.
	AllowedGuilds []string

	Logger *slog.Logger
}

// Validate checks the configuration and applies defaults.
func (c *Config) Validate() error {
	if c.Token == "" {
		return channels.ErrConfig("token is required", nil)
	}
	if c.Partition == "" {
		c.Partition = sessions.PartitionGuildChannelUser
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return nil
}

// Adapter implements channels.Adapter for Discord.
type Adapter struct {
	config  Config
	session discordSession
	ingress *channels.Ingress
	sender  *channels.Sender
	chunker *channels.MessageChunker

	mu     sync.RWMutex
	status channels.Status
	botID  string

	cancel context.CancelFunc
	logger *slog.Logger
}

// NewAdapter creates a Discord adapter sharing the ingress pipeline and
// sender with the other adapters.
func NewAdapter(config Config, ingress *channels.Ingress, sender *channels.Sender) (*Adapter, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &Adapter{
		config:  config,
		ingress: ingress,
		sender:  sender,
		chunker: channels.NewMessageChunker(channels.DiscordMaxCodePoints),
		logger:  config.Logger.With("adapter", "discord"),
	}, nil
}

// Type returns the channel type.
func (a *Adapter) Type() models.ChannelType { return models.ChannelDiscord }

// Messages returns the shared inbound stream.
func (a *Adapter) Messages() <-chan *models.ChannelMessage {
	return a.ingress.Messages()
}

// Status returns the connection state.
func (a *Adapter) Status() channels.Status {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.status
}

// Start opens the gateway connection and registers handlers.
func (a *Adapter) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.status.Connected {
		return channels.ErrInternal("adapter already started", nil)
	}

	if a.session == nil {
		dg, err := discordgo.New("Bot " + a.config.Token)
		if err != nil {
			return channels.ErrAuthentication("failed to create discord session", err)
		}
		dg.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentsDirectMessages | discordgo.IntentMessageContent
		a.session = dg
	}

	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	a.session.AddHandler(func(s *discordgo.Session, r *discordgo.Ready) {
		a.mu.Lock()
		a.botID = r.User.ID
		a.status.LastPing = time.Now().UnixMilli()
		a.mu.Unlock()
		a.logger.Info("discord gateway ready", "user", r.User.Username)
	})
	a.session.AddHandler(func(s *discordgo.Session, m *discordgo.MessageCreate) {
		a.handleMessageCreate(runCtx, m)
	})

	if err := a.session.Open(); err != nil {
		cancel()
		return channels.ErrConnection("failed to connect to discord", err)
	}

	a.status = channels.Status{Connected: true, LastPing: time.Now().UnixMilli()}
	a.logger.Info("discord adapter started")
	return nil
}

// Stop closes the gateway connection.
func (a *Adapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.status.Connected {
		return nil
	}
	if a.cancel != nil {
		a.cancel()
	}
	if err := a.session.Close(); err != nil {
		a.status.Error = err.Error()
		return channels.ErrConnection("failed to close discord session", err)
	}
	a.status.Connected = false
	a.logger.Info("discord adapter stopped")
	return nil
}

// handleMessageCreate converts gateway messages and feeds the shared
// ingress path. The bot's own messages and empty content are ignored.
func (a *Adapter) handleMessageCreate(ctx context.Context, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot {
		return
	}
	a.mu.RLock()
	self := a.botID
	a.mu.RUnlock()
	if m.Author.ID == self {
		return
	}
	if m.Content == "" {
		return
	}
	if m.GuildID != "" && !a.guildAllowed(m.GuildID) {
		return
	}

	input := sessions.PartitionInput{
		ChatID:    m.ChannelID,
		ChannelID: m.ChannelID,
		UserID:    a.senderIdentity(m),
		GuildID:   m.GuildID,
	}

	strategy := a.config.Partition
	if a.config.PartitionSetting != nil {
		strategy = a.config.PartitionSetting.Strategy()
	}

	msg := &models.ChannelMessage{
		ID:         m.ID,
		Sender:     a.senderIdentity(m),
		Recipient:  m.ChannelID,
		SessionKey: strategy.SessionKey(input),
		Content:    m.Content,
		Channel:    models.ChannelDiscord,
		Timestamp:  m.Timestamp,
	}

	if err := a.ingress.Accept(ctx, msg, m.ID); err != nil {
		a.logger.Warn("inbound message dropped", "message_id", m.ID, "error", err)
	}
}

// senderIdentity normalizes a sender to a numeric id, falling back to
// the username.
func (a *Adapter) senderIdentity(m *discordgo.MessageCreate) string {
	if m.Author.ID != "" {
		return m.Author.ID
	}
	return m.Author.Username
}

func (a *Adapter) guildAllowed(guildID string) bool {
	if len(a.config.AllowedGuilds) == 0 {
		return true
	}
	for _, g := range a.config.AllowedGuilds {
		if g == guildID {
			return true
		}
	}
	return false
}

// Send delivers an outbound message with chunking and embeds for media.
func (a *Adapter) Send(ctx context.Context, out *channels.OutboundMessage) error {
	a.mu.RLock()
	connected := a.status.Connected
	a.mu.RUnlock()
	if !connected {
		return channels.ErrConnection("adapter not connected", nil)
	}

	if a.config.SendTyping {
		_ = a.session.ChannelTyping(out.Recipient)
	}

	text, media := channels.ExtractMedia(out.Text)
	media = append(media, out.Media...)

	for _, chunk := range a.chunker.Chunk(text) {
		chunk := chunk
		err := a.sender.Do(ctx, "channelMessageSend", "text", func(ctx context.Context, _ bool) error {
			_, err := a.session.ChannelMessageSend(out.Recipient, chunk, discordgo.WithContext(ctx))
			return classifyError(err)
		})
		if err != nil {
			return err
		}
	}

	for _, item := range media {
		item := item
		err := a.sender.Do(ctx, "channelMessageSendComplex", string(item.Kind), func(ctx context.Context, _ bool) error {
			data := &discordgo.MessageSend{
				Embeds: []*discordgo.MessageEmbed{mediaEmbed(item)},
			}
			_, err := a.session.ChannelMessageSendComplex(out.Recipient, data, discordgo.WithContext(ctx))
			return classifyError(err)
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func mediaEmbed(item channels.MediaItem) *discordgo.MessageEmbed {
	embed := &discordgo.MessageEmbed{}
	switch item.Kind {
	case channels.MediaImage:
		embed.Image = &discordgo.MessageEmbedImage{URL: item.URL}
	case channels.MediaVideo:
		embed.Video = &discordgo.MessageEmbedVideo{URL: item.URL}
	default:
		embed.URL = item.URL
		embed.Title = item.URL
	}
	return embed
}

// classifyError maps discordgo errors onto the channel error taxonomy.
func classifyError(err error) error {
	if err == nil {
		return nil
	}
	var rateErr *discordgo.RateLimitError
	if errors.As(err, &rateErr) {
		return channels.ErrRateLimited("discord rate limit", rateErr.RetryAfter, err)
	}
	var restErr *discordgo.RESTError
	if errors.As(err, &restErr) && restErr.Response != nil {
		switch {
		case restErr.Response.StatusCode == 401 || restErr.Response.StatusCode == 403:
			return channels.ErrAuthentication("discord rejected request", err)
		case restErr.Response.StatusCode >= 500:
			return channels.ErrConnection("discord server error", err)
		case restErr.Response.StatusCode == 400:
			return channels.ErrInvalidInput("discord rejected request", err)
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return channels.ErrTimeout("discord request timed out", err)
	}
	if strings.Contains(err.Error(), "websocket") {
		return channels.ErrConnection("discord gateway error", err)
	}
	return channels.ErrInternal("discord send failed", err)
}
