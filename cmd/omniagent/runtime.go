package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"omniagent/internal/agent"
	"omniagent/internal/channels"
	"omniagent/internal/channels/discord"
	"omniagent/internal/channels/telegram"
	"omniagent/internal/compaction"
	"omniagent/internal/config"
	"omniagent/internal/embeddings"
	"omniagent/internal/events"
	"omniagent/internal/gateway"
	"omniagent/internal/jobs"
	"omniagent/internal/mcp"
	"omniagent/internal/memory"
	"omniagent/internal/observability"
	"omniagent/internal/sessions"
)

// runtime holds the wired components for one process.
type runtime struct {
	cfg       *config.Config
	logger    *slog.Logger
	metrics   *observability.Metrics
	registry  *prometheus.Registry
	redis     *redis.Client
	store     sessions.Store
	gate      sessions.Gate
	pool      *mcp.Pool
	embedder  *embeddings.Client
	memory    memory.Store
	bus       *events.Bus
	engine    *agent.Engine
	manager   *jobs.Manager
	partition *sessions.PartitionSetting
	policy    *gateway.Policy

	closers []func() error
}

// newRuntime builds the core components every subcommand shares. Channel
// adapters are wired separately by the gateway command.
func newRuntime(path string) (*runtime, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	logger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	slog.SetDefault(logger)

	reg := prometheus.NewRegistry()
	rt := &runtime{
		cfg:      cfg,
		logger:   logger,
		metrics:  observability.NewMetricsWithRegistry(reg),
		registry: reg,
		bus:      events.NewBus(2048),
	}

	if cfg.Valkey.URL != "" {
		opts, err := redis.ParseURL(cfg.Valkey.URL)
		if err != nil {
			return nil, fmt.Errorf("parse valkey url: %w", err)
		}
		rt.redis = redis.NewClient(opts)
		rt.closers = append(rt.closers, rt.redis.Close)
	}

	if err := rt.buildStores(); err != nil {
		return nil, err
	}
	if err := rt.buildAgent(); err != nil {
		return nil, err
	}

	rt.manager = jobs.NewManager(jobs.Config{
		QueueSize:             cfg.Jobs.QueueSize,
		MaxInFlight:           cfg.Jobs.MaxInFlight,
		JobTimeout:            time.Duration(cfg.Jobs.JobTimeoutSecs) * time.Second,
		HeartbeatInterval:     time.Duration(cfg.Jobs.HeartbeatIntervalSecs) * time.Second,
		HeartbeatProbeTimeout: time.Duration(cfg.Jobs.HeartbeatProbeTimeoutSecs) * time.Second,
	}, rt.engine, nil, rt.metrics, logger)

	rt.partition = sessions.NewPartitionSetting(
		sessions.PartitionStrategy(cfg.Session.Partition))

	rt.policy, err = gateway.NewPolicy(cfg.Router.ControlRules, cfg.Router.SlashRules)
	if err != nil {
		return nil, err
	}
	return rt, nil
}

func (rt *runtime) buildStores() error {
	cfg := rt.cfg

	if cfg.Session.StorePath != "" {
		sqlStore, err := sessions.OpenSQLStore(cfg.Session.StorePath)
		if err != nil {
			return fmt.Errorf("open session store: %w", err)
		}
		rt.store = sqlStore
		rt.closers = append(rt.closers, sqlStore.Close)
	} else {
		rt.store = sessions.NewMemoryStore()
	}

	gateCfg := sessions.GateConfig{
		Backend:        "auto",
		ValkeyURL:      cfg.Valkey.URL,
		KeyPrefix:      cfg.Valkey.KeyPrefix,
		LeaseTTL:       cfg.Session.LeaseTTL(),
		AcquireTimeout: cfg.Session.GateTimeout(),
	}
	if rt.redis != nil && gateCfg.ResolveBackend() == "valkey" {
		rt.gate = sessions.NewValkeyGate(rt.redis, gateCfg, rt.logger)
	} else {
		rt.gate = sessions.NewMemoryGate()
	}

	if cfg.Memory.StorePath != "" {
		episodeStore, err := memory.OpenSQLStore(cfg.Memory.StorePath)
		if err != nil {
			return fmt.Errorf("open memory store: %w", err)
		}
		rt.memory = episodeStore
		rt.closers = append(rt.closers, episodeStore.Close)
	}
	return nil
}

func (rt *runtime) buildAgent() error {
	cfg := rt.cfg

	if len(cfg.Tools.Servers) > 0 {
		servers := make([]mcp.ServerConfig, 0, len(cfg.Tools.Servers))
		for i, serverURL := range cfg.Tools.Servers {
			servers = append(servers, mcp.ServerConfig{
				ID:  serverID(serverURL, i),
				URL: serverURL,
			})
		}
		pool, err := mcp.NewPool(servers, mcp.PoolConfig{
			PoolSize:          cfg.Tools.PoolSize,
			ConnectRetries:    cfg.Tools.ConnectRetries,
			ToolTimeout:       time.Duration(cfg.Tools.ToolTimeoutSecs) * time.Second,
			ListToolsCacheTTL: time.Duration(cfg.Tools.ListCacheSecs) * time.Second,
		}, rt.logger)
		if err != nil {
			return fmt.Errorf("build tool pool: %w", err)
		}
		rt.pool = pool
	}

	if cfg.Embeddings.BaseURL != "" || cfg.Embeddings.FallbackTool != "" {
		embedder, err := embeddings.New(embeddings.Config{
			APIKey:       cfg.Embeddings.APIKey,
			BaseURL:      cfg.Embeddings.BaseURL,
			Model:        cfg.Embeddings.Model,
			FallbackTool: cfg.Embeddings.FallbackTool,
		}, rt.pool, rt.logger)
		if err != nil {
			return fmt.Errorf("build embedding client: %w", err)
		}
		rt.embedder = embedder
	}

	provider, err := rt.buildProvider()
	if err != nil {
		return err
	}

	budget := compaction.DefaultConfig()
	budget.BudgetTokens = cfg.Agent.BudgetTokens
	budget.ReserveTokens = cfg.Agent.ReserveTokens

	rt.engine = agent.NewEngine(rt.store, rt.gate, provider, agent.Config{
		SystemPrompt:   cfg.Agent.SystemPrompt,
		MaxToolRounds:  cfg.Agent.MaxToolRounds,
		MaxTokens:      cfg.Agent.MaxTokens,
		Budget:         budget,
		BaseK1:         cfg.Agent.BaseK1,
		BaseK2:         cfg.Agent.BaseK2,
		BaseLambda:     cfg.Agent.BaseLambda,
		WindowMaxTurns: cfg.Agent.WindowMaxTurns,
	}, agent.Options{
		Pool:     rt.pool,
		Memory:   rt.memory,
		Embedder: rt.embedder,
		Bus:      rt.bus,
		Metrics:  rt.metrics,
		Logger:   rt.logger,
	})
	return nil
}

func (rt *runtime) buildProvider() (agent.Provider, error) {
	cfg := rt.cfg
	switch cfg.Providers.Default {
	case "anthropic":
		return agent.NewAnthropicProvider(agent.AnthropicConfig{
			APIKey:  cfg.Providers.Anthropic.APIKey,
			BaseURL: cfg.Providers.Anthropic.BaseURL,
			Model:   cfg.Providers.Anthropic.Model,
		})
	default:
		return agent.NewOpenAIProvider(agent.OpenAIConfig{
			APIKey:  cfg.Providers.OpenAI.APIKey,
			BaseURL: cfg.Providers.OpenAI.BaseURL,
			Model:   cfg.Providers.OpenAI.Model,
		})
	}
}

// buildChannels wires the shared ingress plane and the enabled adapters.
func (rt *runtime) buildChannels() (*channels.Ingress, *channels.Registry, error) {
	cfg := rt.cfg

	dedupCfg := channels.DedupConfig{
		TTL:       time.Duration(cfg.Channels.DedupTTLSecs) * time.Second,
		KeyPrefix: cfg.Valkey.KeyPrefix,
	}
	var deduper channels.Deduper
	switch cfg.Channels.Telegram.DedupBackend {
	case "valkey", "redis":
		deduper = channels.NewValkeyDeduper(rt.redis, dedupCfg)
	default:
		deduper = channels.NewLRUDeduper(dedupCfg)
	}

	ingress := channels.NewIngress(channels.IngressConfig{
		QueueSize: cfg.Channels.QueueSize,
		ACL: channels.ACL{
			AllowedUsers:  cfg.Channels.AllowedUsers,
			AllowedGroups: cfg.Channels.AllowedGroups,
		},
	}, deduper, rt.metrics, rt.logger)

	sendGate := channels.NewSendGate(channels.SendGateConfig{
		KeyPrefix: cfg.Valkey.KeyPrefix,
	}, rt.redis, rt.logger)
	sender := channels.NewSender(sendGate, channels.SenderConfig{Metrics: rt.metrics}, rt.logger)

	registry := channels.NewRegistry()

	if cfg.Channels.Telegram.Enabled {
		mode := telegram.ModeLongPolling
		if cfg.Channels.Telegram.Mode == "webhook" {
			mode = telegram.ModeWebhook
		}
		adapter, err := telegram.NewAdapter(telegram.Config{
			Token:            cfg.Channels.Telegram.Token,
			Mode:             mode,
			WebhookURL:       cfg.Channels.Telegram.WebhookURL,
			WebhookSecret:    cfg.Channels.Telegram.WebhookSecret,
			ListenAddr:       cfg.Channels.Telegram.ListenAddr,
			SendTyping:       cfg.Channels.Telegram.SendTyping,
			PartitionSetting: rt.partition,
			Logger:           rt.logger,
		}, ingress, sender)
		if err != nil {
			return nil, nil, fmt.Errorf("build telegram adapter: %w", err)
		}
		registry.Register(adapter)
	}

	if cfg.Channels.Discord.Enabled {
		adapter, err := discord.NewAdapter(discord.Config{
			Token:            cfg.Channels.Discord.Token,
			AllowedGuilds:    cfg.Channels.Discord.AllowedGuilds,
			SendTyping:       cfg.Channels.Discord.SendTyping,
			PartitionSetting: rt.partition,
			Logger:           rt.logger,
		}, ingress, sender)
		if err != nil {
			return nil, nil, fmt.Errorf("build discord adapter: %w", err)
		}
		registry.Register(adapter)
	}
	return ingress, registry, nil
}

// serveMetrics exposes /metrics when configured. The returned shutdown
// func is a no-op when the endpoint is disabled.
func (rt *runtime) serveMetrics() func(context.Context) error {
	addr := rt.cfg.Metrics.ListenAddr
	if addr == "" {
		return func(context.Context) error { return nil }
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(rt.registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			rt.logger.Error("metrics endpoint failed", "addr", addr, "error", err)
		}
	}()
	return srv.Shutdown
}

func (rt *runtime) close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil {
			rt.logger.Warn("close failed", "error", err)
		}
	}
}

func serverID(rawURL string, i int) string {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return fmt.Sprintf("server-%d", i+1)
	}
	return parsed.Host
}
