package discord

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"

	"omniagent/internal/channels"
	"omniagent/internal/sessions"
)

func TestConfigValidate(t *testing.T) {
	cfg := Config{Token: "bot-token"}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("minimal config rejected: %v", err)
	}
	if cfg.Partition != sessions.PartitionGuildChannelUser {
		t.Errorf("Partition = %q, want guild_channel_user default", cfg.Partition)
	}
	if cfg.Logger == nil {
		t.Error("Logger default not applied")
	}

	if err := (&Config{}).Validate(); err == nil {
		t.Error("missing token accepted")
	}
}

func testAdapter(t *testing.T, cfg Config) *Adapter {
	t.Helper()
	if cfg.Token == "" {
		cfg.Token = "bot-token"
	}
	adapter, err := NewAdapter(cfg, nil, nil)
	if err != nil {
		t.Fatalf("new adapter: %v", err)
	}
	return adapter
}

func TestSenderIdentity(t *testing.T) {
	adapter := testAdapter(t, Config{})

	msg := &discordgo.MessageCreate{Message: &discordgo.Message{
		Author: &discordgo.User{ID: "555", Username: "alice"},
	}}
	if got := adapter.senderIdentity(msg); got != "555" {
		t.Errorf("senderIdentity = %q, want id", got)
	}

	msg.Author.ID = ""
	if got := adapter.senderIdentity(msg); got != "alice" {
		t.Errorf("senderIdentity = %q, want username fallback", got)
	}
}

func TestGuildAllowed(t *testing.T) {
	open := testAdapter(t, Config{})
	if !open.guildAllowed("any") {
		t.Error("empty allowlist should allow all guilds")
	}

	restricted := testAdapter(t, Config{AllowedGuilds: []string{"g1", "g2"}})
	if !restricted.guildAllowed("g2") {
		t.Error("listed guild rejected")
	}
	if restricted.guildAllowed("g3") {
		t.Error("unlisted guild accepted")
	}
}

func TestMediaEmbed(t *testing.T) {
	image := mediaEmbed(channels.MediaItem{Kind: channels.MediaImage, URL: "https://x/i.png"})
	if image.Image == nil || image.Image.URL != "https://x/i.png" {
		t.Errorf("image embed = %+v", image)
	}

	video := mediaEmbed(channels.MediaItem{Kind: channels.MediaVideo, URL: "https://x/v.mp4"})
	if video.Video == nil || video.Video.URL != "https://x/v.mp4" {
		t.Errorf("video embed = %+v", video)
	}

	doc := mediaEmbed(channels.MediaItem{Kind: channels.MediaDocument, URL: "https://x/doc"})
	if doc.URL != "https://x/doc" || doc.Title != "https://x/doc" {
		t.Errorf("document embed = %+v", doc)
	}
}

func restError(status int) error {
	return &discordgo.RESTError{Response: &http.Response{StatusCode: status}}
}

func TestClassifyError(t *testing.T) {
	if classifyError(nil) != nil {
		t.Error("nil error classified")
	}

	var chErr *channels.Error

	rate := &discordgo.RateLimitError{
		RateLimit: &discordgo.RateLimit{TooManyRequests: &discordgo.TooManyRequests{RetryAfter: 3 * time.Second}},
	}
	err := classifyError(rate)
	if !errors.As(err, &chErr) || chErr.Code != channels.ErrCodeRateLimit {
		t.Errorf("rate limit classified as %v", err)
	}
	if chErr.RetryAfter != 3*time.Second {
		t.Errorf("RetryAfter = %v, want 3s", chErr.RetryAfter)
	}

	cases := []struct {
		name string
		err  error
		want channels.ErrorCode
	}{
		{"unauthorized", restError(401), channels.ErrCodeAuthentication},
		{"forbidden", restError(403), channels.ErrCodeAuthentication},
		{"bad request", restError(400), channels.ErrCodeInvalidInput},
		{"server error", restError(502), channels.ErrCodeConnection},
		{"deadline", context.DeadlineExceeded, channels.ErrCodeTimeout},
		{"gateway", errors.New("websocket: close 1006"), channels.ErrCodeConnection},
		{"unknown", errors.New("something odd"), channels.ErrCodeInternal},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := classifyError(tc.err)
			if !errors.As(err, &chErr) || chErr.Code != tc.want {
				t.Errorf("classified as %v, want %s", err, tc.want)
			}
		})
	}
}

func TestHandleMessageCreateFilters(t *testing.T) {
	adapter := testAdapter(t, Config{AllowedGuilds: []string{"g1"}})
	adapter.ingress = channels.NewIngress(channels.IngressConfig{QueueSize: 4}, nil, nil, nil)
	adapter.botID = "bot-id"

	accepted := func(m *discordgo.MessageCreate) bool {
		t.Helper()
		adapter.handleMessageCreate(context.Background(), m)
		select {
		case <-adapter.ingress.Messages():
			return true
		default:
			return false
		}
	}

	base := func() *discordgo.MessageCreate {
		return &discordgo.MessageCreate{Message: &discordgo.Message{
			ID:        "m1",
			Author:    &discordgo.User{ID: "u1"},
			ChannelID: "c1",
			GuildID:   "g1",
			Content:   "hello",
			Timestamp: time.Now(),
		}}
	}

	if !accepted(base()) {
		t.Fatal("valid message dropped")
	}

	bot := base()
	bot.ID = "m2"
	bot.Author.Bot = true
	if accepted(bot) {
		t.Error("bot message accepted")
	}

	self := base()
	self.ID = "m3"
	self.Author.ID = "bot-id"
	if accepted(self) {
		t.Error("own message accepted")
	}

	empty := base()
	empty.ID = "m4"
	empty.Content = ""
	if accepted(empty) {
		t.Error("empty message accepted")
	}

	wrongGuild := base()
	wrongGuild.ID = "m5"
	wrongGuild.GuildID = "g9"
	if accepted(wrongGuild) {
		t.Error("disallowed guild accepted")
	}
}

func TestHandleMessageCreateSessionKey(t *testing.T) {
	adapter := testAdapter(t, Config{})
	adapter.ingress = channels.NewIngress(channels.IngressConfig{QueueSize: 4}, nil, nil, nil)

	adapter.handleMessageCreate(context.Background(), &discordgo.MessageCreate{Message: &discordgo.Message{
		ID:        "m1",
		Author:    &discordgo.User{ID: "u1"},
		ChannelID: "c1",
		GuildID:   "g1",
		Content:   "hi",
		Timestamp: time.Now(),
	}})

	select {
	case msg := <-adapter.ingress.Messages():
		if msg.SessionKey != "g1:c1:u1" {
			t.Errorf("SessionKey = %q, want guild:channel:user", msg.SessionKey)
		}
		if msg.Recipient != "c1" || msg.Sender != "u1" {
			t.Errorf("routing fields wrong: %+v", msg)
		}
	default:
		t.Fatal("message not enqueued")
	}
}
