package sessions

import (
	"context"
	"errors"
	"testing"
	"time"

	"omniagent/pkg/models"
)

func userMsg(text string) models.ChatMessage {
	return models.ChatMessage{Role: models.RoleUser, Content: text}
}

func TestMemoryStoreAppendGetOrder(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if err := store.Append(ctx, "s1", []models.ChatMessage{userMsg("a"), userMsg("b")}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := store.Append(ctx, "s1", []models.ChatMessage{userMsg("c")}); err != nil {
		t.Fatalf("append: %v", err)
	}

	msgs, err := store.Get(ctx, "s1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("got %d messages, want 3", len(msgs))
	}
	for i, want := range []string{"a", "b", "c"} {
		if msgs[i].Content != want {
			t.Errorf("msgs[%d].Content = %q, want %q", i, msgs[i].Content, want)
		}
	}
}

func TestMemoryStoreMissingSessionIsEmpty(t *testing.T) {
	store := NewMemoryStore()
	msgs, err := store.Get(context.Background(), "nope")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("got %d messages, want 0", len(msgs))
	}
}

func TestMemoryStoreReplaceAndClear(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if err := store.Append(ctx, "s1", []models.ChatMessage{userMsg("old")}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := store.Replace(ctx, "s1", []models.ChatMessage{userMsg("new1"), userMsg("new2")}); err != nil {
		t.Fatalf("replace: %v", err)
	}
	msgs, _ := store.Get(ctx, "s1")
	if len(msgs) != 2 || msgs[0].Content != "new1" {
		t.Fatalf("after replace got %v", msgs)
	}

	if err := store.Clear(ctx, "s1"); err != nil {
		t.Fatalf("clear: %v", err)
	}
	msgs, _ = store.Get(ctx, "s1")
	if len(msgs) != 0 {
		t.Fatalf("after clear got %d messages, want 0", len(msgs))
	}
}

func TestMemoryStoreGetReturnsCopy(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	if err := store.Append(ctx, "s1", []models.ChatMessage{userMsg("orig")}); err != nil {
		t.Fatalf("append: %v", err)
	}

	msgs, _ := store.Get(ctx, "s1")
	msgs[0].Content = "mutated"

	again, _ := store.Get(ctx, "s1")
	if again[0].Content != "orig" {
		t.Fatal("caller mutation leaked into the store")
	}
}

func TestTrimOldestKeepsSystemMessages(t *testing.T) {
	log := []models.ChatMessage{
		{Role: models.RoleSystem, Content: "sys"},
		userMsg("u1"),
		userMsg("u2"),
		userMsg("u3"),
	}
	out := trimOldest(log, 2)
	if len(out) != 2 {
		t.Fatalf("got %d messages, want 2", len(out))
	}
	if out[0].Role != models.RoleSystem {
		t.Errorf("system message was trimmed")
	}
	if out[1].Content != "u3" {
		t.Errorf("kept %q, want newest non-system message u3", out[1].Content)
	}
}

func TestPartitionStrategies(t *testing.T) {
	in := PartitionInput{
		ChatID:    "chat",
		UserID:    "user",
		ThreadID:  "thread",
		GuildID:   "guild",
		ChannelID: "chan",
	}
	cases := []struct {
		strategy PartitionStrategy
		want     string
	}{
		{PartitionChatUser, "chat:user"},
		{PartitionChatOnly, "chat"},
		{PartitionUserOnly, "user"},
		{PartitionChatThreadUser, "chat:thread:user"},
		{PartitionGuildChannelUser, "guild:chan:user"},
		{PartitionChannelOnly, "chan"},
		{PartitionGuildUser, "guild:user"},
	}
	for _, tc := range cases {
		if got := tc.strategy.SessionKey(in); got != tc.want {
			t.Errorf("%s.SessionKey = %q, want %q", tc.strategy, got, tc.want)
		}
	}
}

func TestPartitionChatThreadUserWithoutThread(t *testing.T) {
	in := PartitionInput{ChatID: "chat", UserID: "user"}
	if got := PartitionChatThreadUser.SessionKey(in); got != "chat:user" {
		t.Fatalf("got %q, want chat:user", got)
	}
}

func TestParsePartitionStrategy(t *testing.T) {
	got, err := ParsePartitionStrategy("  Chat_User ")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got != PartitionChatUser {
		t.Fatalf("got %q", got)
	}
	if _, err := ParsePartitionStrategy("bogus"); err == nil {
		t.Fatal("expected error for unknown strategy")
	}
}

func TestPartitionSettingRuntimeSwitch(t *testing.T) {
	setting := NewPartitionSetting("")
	if setting.Strategy() != PartitionChatUser {
		t.Fatalf("default strategy = %q", setting.Strategy())
	}

	in := PartitionInput{ChatID: "chat", UserID: "user"}
	if got := setting.SessionKey(in); got != "chat:user" {
		t.Fatalf("got %q", got)
	}

	setting.Set(PartitionChatOnly)
	if got := setting.SessionKey(in); got != "chat" {
		t.Fatalf("after switch got %q", got)
	}
}

func TestSnapshotSaveLoadRestore(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	snaps := NewSnapshots(store)
	saved := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	snaps.now = func() time.Time { return saved }

	if err := store.Append(ctx, "s1", []models.ChatMessage{userMsg("hello"), {Role: models.RoleAssistant, Content: "hi"}}); err != nil {
		t.Fatalf("append: %v", err)
	}

	n, err := snaps.Save(ctx, "s1")
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if n != 2 {
		t.Fatalf("saved %d messages, want 2", n)
	}

	if err := store.Clear(ctx, "s1"); err != nil {
		t.Fatalf("clear: %v", err)
	}

	snap, err := snaps.Load(ctx, "s1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(snap.Messages) != 2 {
		t.Fatalf("snapshot has %d messages, want 2", len(snap.Messages))
	}
	if !snap.SavedAt.Equal(saved) {
		t.Errorf("SavedAt = %v, want %v", snap.SavedAt, saved)
	}

	restored, err := snaps.Restore(ctx, "s1")
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if restored != 2 {
		t.Fatalf("restored %d messages, want 2", restored)
	}

	msgs, _ := store.Get(ctx, "s1")
	if len(msgs) != 2 || msgs[0].Content != "hello" {
		t.Fatalf("restored log = %v", msgs)
	}

	// Restore consumes the snapshot.
	if _, err := snaps.Load(ctx, "s1"); !errors.Is(err, ErrNoSnapshot) {
		t.Fatalf("load after restore: %v, want ErrNoSnapshot", err)
	}
}

func TestSnapshotSaveEmptyDropsExisting(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	snaps := NewSnapshots(store)

	if err := store.Append(ctx, "s1", []models.ChatMessage{userMsg("x")}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := snaps.Save(ctx, "s1"); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := store.Clear(ctx, "s1"); err != nil {
		t.Fatalf("clear: %v", err)
	}

	// Saving an empty log removes the earlier snapshot.
	if n, err := snaps.Save(ctx, "s1"); err != nil || n != 0 {
		t.Fatalf("save empty: n=%d err=%v", n, err)
	}
	if _, err := snaps.Load(ctx, "s1"); !errors.Is(err, ErrNoSnapshot) {
		t.Fatalf("load: %v, want ErrNoSnapshot", err)
	}
}

func TestSnapshotDrop(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	snaps := NewSnapshots(store)

	if err := store.Append(ctx, "s1", []models.ChatMessage{userMsg("x")}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := snaps.Save(ctx, "s1"); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := snaps.Drop(ctx, "s1"); err != nil {
		t.Fatalf("drop: %v", err)
	}
	if _, err := snaps.Restore(ctx, "s1"); !errors.Is(err, ErrNoSnapshot) {
		t.Fatalf("restore after drop: %v, want ErrNoSnapshot", err)
	}
}

func TestMemoryGateSerializesSession(t *testing.T) {
	gate := NewMemoryGate()
	ctx := context.Background()

	guard, err := gate.Acquire(ctx, "s1")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if !gate.Held("s1") {
		t.Fatal("gate not held after acquire")
	}

	second := make(chan struct{})
	go func() {
		g2, err := gate.Acquire(ctx, "s1")
		if err != nil {
			t.Errorf("second acquire: %v", err)
			close(second)
			return
		}
		close(second)
		g2.Release()
	}()

	select {
	case <-second:
		t.Fatal("second acquire succeeded while gate was held")
	case <-time.After(50 * time.Millisecond):
	}

	if err := guard.Release(); err != nil {
		t.Fatalf("release: %v", err)
	}
	select {
	case <-second:
	case <-time.After(time.Second):
		t.Fatal("second acquire never completed after release")
	}
}

func TestMemoryGateIndependentSessions(t *testing.T) {
	gate := NewMemoryGate()
	ctx := context.Background()

	g1, err := gate.Acquire(ctx, "s1")
	if err != nil {
		t.Fatalf("acquire s1: %v", err)
	}
	g2, err := gate.Acquire(ctx, "s2")
	if err != nil {
		t.Fatalf("acquire s2: %v", err)
	}
	g1.Release()
	g2.Release()

	if gate.Held("s1") || gate.Held("s2") {
		t.Fatal("gate still held after release")
	}
}

func TestMemoryGateAcquireTimeout(t *testing.T) {
	gate := NewMemoryGate()
	guard, err := gate.Acquire(context.Background(), "s1")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer guard.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := gate.Acquire(ctx, "s1"); !errors.Is(err, ErrGateTimeout) {
		t.Fatalf("got %v, want ErrGateTimeout", err)
	}
}

func TestMemoryGateDoubleReleaseIsSafe(t *testing.T) {
	gate := NewMemoryGate()
	guard, err := gate.Acquire(context.Background(), "s1")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	guard.Release()
	guard.Release()
	if gate.Held("s1") {
		t.Fatal("gate held after double release")
	}
}

func TestGateConfigResolveBackend(t *testing.T) {
	cases := []struct {
		cfg  GateConfig
		want string
	}{
		{GateConfig{Backend: "memory", ValkeyURL: "redis://x"}, "memory"},
		{GateConfig{Backend: "valkey"}, "valkey"},
		{GateConfig{Backend: "auto", ValkeyURL: "redis://x"}, "valkey"},
		{GateConfig{Backend: "auto"}, "memory"},
		{GateConfig{}, "memory"},
	}
	for _, tc := range cases {
		if got := tc.cfg.ResolveBackend(); got != tc.want {
			t.Errorf("ResolveBackend(%+v) = %q, want %q", tc.cfg, got, tc.want)
		}
	}
}
