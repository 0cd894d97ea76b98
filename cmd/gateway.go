package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/nextlevelbuilder/agentgw/internal/agent"
	"github.com/nextlevelbuilder/agentgw/internal/bus"
	"github.com/nextlevelbuilder/agentgw/internal/channels"
	"github.com/nextlevelbuilder/agentgw/internal/channels/discord"
	"github.com/nextlevelbuilder/agentgw/internal/channels/telegram"
	"github.com/nextlevelbuilder/agentgw/internal/config"
	"github.com/nextlevelbuilder/agentgw/internal/cron"
	"github.com/nextlevelbuilder/agentgw/internal/filecache"
	"github.com/nextlevelbuilder/agentgw/internal/filewatch"
	"github.com/nextlevelbuilder/agentgw/internal/gateway"
	"github.com/nextlevelbuilder/agentgw/internal/providers"
	"github.com/nextlevelbuilder/agentgw/internal/registry"
	"github.com/nextlevelbuilder/agentgw/internal/sessions"
	"github.com/nextlevelbuilder/agentgw/internal/store"
	storefile "github.com/nextlevelbuilder/agentgw/internal/store/file"
	storepg "github.com/nextlevelbuilder/agentgw/internal/store/pg"
	storesqlite "github.com/nextlevelbuilder/agentgw/internal/store/sqlite"
	"github.com/nextlevelbuilder/agentgw/pkg/protocol"
)

const (
	cacheDebounce    = 200 * time.Millisecond
	messageBusDepth  = 128
	defaultCronCycle = "*/5 * * * *"
)

// runGateway wires every collaborator the gateway needs — config, event
// bus, registry, file cache and watcher, agent manager, session store,
// channel adapters, and the optional status server — and blocks until
// SIGINT/SIGTERM.
func runGateway() {
	logger := newLogger()
	cfgPath := resolveConfigPath()

	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		logger.Info("gateway: no config found, writing defaults", "path", cfgPath)
		if err := config.Save(cfgPath, config.Default()); err != nil {
			logger.Error("gateway: failed to write default config", "error", err)
			os.Exit(1)
		}
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Error("gateway: config load failed", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	eventBus := bus.New(logger)
	msgBus := bus.NewMessageBus(messageBusDepth)

	reg, err := registry.New(cfgPath, registry.NewAsyncSink(eventBus), logger)
	if err != nil {
		logger.Error("gateway: registry init failed", "error", err)
		os.Exit(1)
	}

	cache := filecache.New(cacheDebounce, logger)

	watcher, err := filewatch.New(cache, eventBus, logger)
	if err != nil {
		logger.Error("gateway: file watcher init failed", "error", err)
		os.Exit(1)
	}
	watcher.Start(ctx)
	defer watcher.Stop()

	sessionStore, err := buildSessionStore(cfg)
	if err != nil {
		logger.Error("gateway: session store init failed", "error", err)
		os.Exit(1)
	}

	resolver := buildProviderResolver(cfg)

	mgr := agent.NewManager(reg, eventBus, cache, watcher, sessionStore, resolver, logger)
	mgr.Start()
	defer mgr.Stop()

	chMgr := channels.NewManager(msgBus)
	registerChannels(chMgr, cfg, msgBus, logger)
	if err := chMgr.StartAll(ctx); err != nil {
		logger.Error("gateway: channel startup failed", "error", err)
	}
	defer chMgr.StopAll(context.Background())

	go dispatchInbound(ctx, msgBus, reg, mgr, sessionStore, logger)

	if cfg.Gateway.ListenAddr != "" {
		srv := gateway.NewServer(cfg, msgBus, mgr, reg, chMgr, sessionStore, logger)
		go func() {
			if err := srv.Start(ctx); err != nil {
				logger.Error("gateway: status server exited", "error", err)
			}
		}()
	}

	if cfg.Cron.Enabled {
		expr := cfg.Cron.Expression
		if expr == "" {
			expr = defaultCronCycle
		}
		sched := cron.NewScheduler(logger)
		if err := sched.SetOnJob("heartbeat", expr, func(context.Context) error {
			msgBus.Broadcast(bus.Event{Name: protocol.EventTick})
			return nil
		}); err != nil {
			logger.Error("gateway: cron setup failed", "error", err)
		} else {
			sched.Start(ctx)
			defer sched.Stop()
		}
	}

	logger.Info("gateway: running", "config", cfgPath, "agents", len(reg.ListAgents()))
	waitForShutdown(logger)
	cancel()
	mgr.Cleanup()
}

// buildProviderResolver returns an agent.ProviderResolver that constructs a
// Provider on demand from the configured credentials, keyed by the
// provider name an agent definition names (e.g. "anthropic", "openai").
func buildProviderResolver(cfg *config.Config) agent.ProviderResolver {
	return func(name string) (providers.Provider, error) {
		switch name {
		case "", "anthropic":
			if cfg.Providers.Anthropic == nil || cfg.Providers.Anthropic.APIKey == "" {
				return nil, fmt.Errorf("provider %q: no API key configured", name)
			}
			return providers.NewAnthropicProvider(cfg.Providers.Anthropic.APIKey), nil
		case "openai":
			if cfg.Providers.OpenAI == nil || cfg.Providers.OpenAI.APIKey == "" {
				return nil, fmt.Errorf("provider %q: no API key configured", name)
			}
			return providers.NewOpenAIProvider("openai", cfg.Providers.OpenAI.APIKey, cfg.Providers.OpenAI.APIBase, "gpt-4o"), nil
		default:
			return nil, fmt.Errorf("unknown provider %q", name)
		}
	}
}

// buildSessionStore constructs the store.SessionStore named by
// cfg.Sessions.Backend ("file" if empty, "sqlite", or "postgres").
func buildSessionStore(cfg *config.Config) (store.SessionStore, error) {
	switch cfg.Sessions.Backend {
	case "", "file":
		return storefile.NewFileSessionStore(sessions.NewManager(cfg.Sessions.StorageDir)), nil
	case "sqlite":
		path := cfg.Sessions.SQLitePath
		if path == "" {
			path = filepath.Join(filepath.Dir(cfg.Sessions.StorageDir), "sessions.db")
		}
		return storesqlite.Open(path)
	case "postgres":
		if cfg.Sessions.PostgresDSN == "" {
			return nil, fmt.Errorf("sessions.backend=postgres requires AGENTGW_POSTGRES_DSN")
		}
		db, err := storepg.OpenDB(cfg.Sessions.PostgresDSN)
		if err != nil {
			return nil, err
		}
		return storepg.New(db), nil
	default:
		return nil, fmt.Errorf("unknown sessions.backend %q", cfg.Sessions.Backend)
	}
}

// registerChannels constructs and registers every enabled channel adapter
// named in cfg.Channels.
func registerChannels(chMgr *channels.Manager, cfg *config.Config, msgBus *bus.MessageBus, logger *slog.Logger) {
	if cfg.Channels.Telegram != nil && cfg.Channels.Telegram.Enabled {
		ch, err := telegram.New(*cfg.Channels.Telegram, msgBus)
		if err != nil {
			logger.Error("gateway: telegram channel init failed", "error", err)
		} else {
			chMgr.RegisterChannel("telegram", ch)
		}
	}
	if cfg.Channels.Discord != nil && cfg.Channels.Discord.Enabled {
		ch, err := discord.New(*cfg.Channels.Discord, msgBus)
		if err != nil {
			logger.Error("gateway: discord channel init failed", "error", err)
		} else {
			chMgr.RegisterChannel("discord", ch)
		}
	}
}

// sessionHistoryStore is the narrow slice of store.SessionStore the
// inbound dispatch loop needs.
type sessionHistoryStore interface {
	AddMessage(key string, msg providers.Message)
	GetHistory(key string) []providers.Message
}

// dispatchInbound drains inbound channel messages, resolves each one to an
// agent via the registry's session bindings, runs a single chat turn
// through that agent's provider, and publishes the reply as an outbound
// message back to the originating channel.
func dispatchInbound(ctx context.Context, msgBus *bus.MessageBus, reg *registry.Registry, mgr *agent.Manager, sessionStore sessionHistoryStore, logger *slog.Logger) {
	for {
		msg, ok := msgBus.ConsumeInbound(ctx)
		if !ok {
			return
		}
		go handleInboundMessage(ctx, msg, msgBus, reg, mgr, sessionStore, logger)
	}
}

func handleInboundMessage(ctx context.Context, msg bus.InboundMessage, msgBus *bus.MessageBus, reg *registry.Registry, mgr *agent.Manager, sessionStore sessionHistoryStore, logger *slog.Logger) {
	bindingKey := msg.Channel + ":" + msg.ChatID
	agentName := reg.GetAgentNameForSession(bindingKey)

	inst, err := mgr.GetLoopForName(agentName)
	if err != nil {
		logger.Error("gateway: agent resolution failed", "agent", agentName, "error", err)
		return
	}

	peerKind := sessions.PeerDirect
	if msg.PeerKind == string(sessions.PeerGroup) {
		peerKind = sessions.PeerGroup
	}
	sessionKey := sessions.BuildSessionKey(inst.Name, msg.Channel, peerKind, msg.ChatID)

	sessionStore.AddMessage(sessionKey, providers.Message{Role: "user", Content: msg.Content})
	history := sessionStore.GetHistory(sessionKey)

	runID, end := inst.BeginRun()
	resp, err := inst.Provider.Chat(ctx, providers.ChatRequest{Messages: history, Model: inst.Def.Model})
	end(err)
	if err != nil {
		logger.Error("gateway: chat turn failed", "run", runID, "agent", inst.Name, "error", err)
		return
	}

	sessionStore.AddMessage(sessionKey, providers.Message{Role: "assistant", Content: resp.Content})
	msgBus.PublishOutbound(bus.OutboundMessage{
		Channel: msg.Channel,
		ChatID:  msg.ChatID,
		Content: resp.Content,
	})
}

func newLogger() *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func waitForShutdown(logger *slog.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("gateway: shutting down", "signal", sig.String())
}
