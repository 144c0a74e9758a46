package sessions

import (
	"fmt"
	"strings"
	"sync"
)

// PartitionStrategy maps ingress metadata to a session key. It is selectable
// at runtime; changing it never rewrites existing session logs.
type PartitionStrategy string

const (
	PartitionChatUser       PartitionStrategy = "chat_user"
	PartitionChatOnly       PartitionStrategy = "chat_only"
	PartitionUserOnly       PartitionStrategy = "user_only"
	PartitionChatThreadUser PartitionStrategy = "chat_thread_user"

	// Discord-specific strategies.
	PartitionGuildChannelUser PartitionStrategy = "guild_channel_user"
	PartitionChannelOnly      PartitionStrategy = "channel_only"
	PartitionGuildUser        PartitionStrategy = "guild_user"
)

// PartitionInput carries the ingress metadata a strategy may combine.
type PartitionInput struct {
	ChatID   string
	UserID   string
	ThreadID string
	GuildID  string
	// ChannelID is the Discord channel; Telegram uses ChatID.
	ChannelID string
}

// ParsePartitionStrategy validates a strategy name.
func ParsePartitionStrategy(s string) (PartitionStrategy, error) {
	switch PartitionStrategy(strings.ToLower(strings.TrimSpace(s))) {
	case PartitionChatUser:
		return PartitionChatUser, nil
	case PartitionChatOnly:
		return PartitionChatOnly, nil
	case PartitionUserOnly:
		return PartitionUserOnly, nil
	case PartitionChatThreadUser:
		return PartitionChatThreadUser, nil
	case PartitionGuildChannelUser:
		return PartitionGuildChannelUser, nil
	case PartitionChannelOnly:
		return PartitionChannelOnly, nil
	case PartitionGuildUser:
		return PartitionGuildUser, nil
	default:
		return "", fmt.Errorf("unknown partition strategy %q", s)
	}
}

// SessionKey derives the session key for the given metadata. The key does
// not include the channel prefix; the full session id is "{channel}:{key}".
func (p PartitionStrategy) SessionKey(in PartitionInput) string {
	switch p {
	case PartitionChatOnly:
		return in.ChatID
	case PartitionUserOnly:
		return in.UserID
	case PartitionChatThreadUser:
		if in.ThreadID == "" {
			return in.ChatID + ":" + in.UserID
		}
		return in.ChatID + ":" + in.ThreadID + ":" + in.UserID
	case PartitionGuildChannelUser:
		return in.GuildID + ":" + in.ChannelID + ":" + in.UserID
	case PartitionChannelOnly:
		return in.ChannelID
	case PartitionGuildUser:
		return in.GuildID + ":" + in.UserID
	default: // PartitionChatUser
		return in.ChatID + ":" + in.UserID
	}
}

// PartitionSetting holds the strategy currently in effect. Adapters read
// it per update, so a runtime switch applies to the next message without
// a restart. Existing session logs are never rewritten.
type PartitionSetting struct {
	mu       sync.RWMutex
	strategy PartitionStrategy
}

// NewPartitionSetting creates a setting, defaulting to chat_user.
func NewPartitionSetting(s PartitionStrategy) *PartitionSetting {
	if s == "" {
		s = PartitionChatUser
	}
	return &PartitionSetting{strategy: s}
}

// Strategy returns the strategy in effect.
func (p *PartitionSetting) Strategy() PartitionStrategy {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.strategy
}

// Set switches the strategy in effect.
func (p *PartitionSetting) Set(s PartitionStrategy) {
	p.mu.Lock()
	p.strategy = s
	p.mu.Unlock()
}

// SessionKey derives the key using the strategy currently in effect.
func (p *PartitionSetting) SessionKey(in PartitionInput) string {
	return p.Strategy().SessionKey(in)
}
