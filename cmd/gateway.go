package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/nextlevelbuilder/clawdbot/internal/agent"
	"github.com/nextlevelbuilder/clawdbot/internal/auth"
	"github.com/nextlevelbuilder/clawdbot/internal/bus"
	"github.com/nextlevelbuilder/clawdbot/internal/channels"
	"github.com/nextlevelbuilder/clawdbot/internal/channels/discord"
	"github.com/nextlevelbuilder/clawdbot/internal/channels/telegram"
	"github.com/nextlevelbuilder/clawdbot/internal/channels/webhook"
	"github.com/nextlevelbuilder/clawdbot/internal/channels/whatsapp"
	"github.com/nextlevelbuilder/clawdbot/internal/config"
	"github.com/nextlevelbuilder/clawdbot/internal/gateway"
	"github.com/nextlevelbuilder/clawdbot/internal/heartbeat"
	"github.com/nextlevelbuilder/clawdbot/internal/orchestrator"
	"github.com/nextlevelbuilder/clawdbot/internal/pairing"
	"github.com/nextlevelbuilder/clawdbot/internal/providers"
	"github.com/nextlevelbuilder/clawdbot/internal/retry"
	"github.com/nextlevelbuilder/clawdbot/internal/router"
	"github.com/nextlevelbuilder/clawdbot/internal/security"
	"github.com/nextlevelbuilder/clawdbot/internal/sessions"
	"github.com/nextlevelbuilder/clawdbot/internal/tools"
	"github.com/nextlevelbuilder/clawdbot/pkg/protocol"
)

// runGateway wires the whole standalone gateway: config, security stack,
// providers, tools, the embedded agent runtime, channel adapters, the
// inbound consumer, and the WS/HTTP server. It blocks until SIGINT/SIGTERM.
func runGateway() {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "path", cfgPath, "error", err)
		os.Exit(1)
	}
	if errs := cfg.Validate(); len(errs) > 0 {
		for _, e := range errs {
			slog.Error("config invalid", "error", e)
		}
		os.Exit(1)
	}
	for _, w := range cfg.Warnings() {
		slog.Warn("config", "warning", w)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTelemetry := initTelemetry(ctx, cfg)
	if shutdownTelemetry != nil {
		defer shutdownTelemetry(context.Background())
	}

	agentID := cfg.ResolveDefaultAgentID()
	agentCfg := cfg.ResolveAgent(agentID)
	stateDir := cfg.StateDirPath()
	agentDir := cfg.AgentStateDir(agentID)
	if err := os.MkdirAll(agentDir, 0o700); err != nil {
		slog.Error("failed to create state directory", "path", agentDir, "error", err)
		os.Exit(1)
	}
	workspace := cfg.WorkspacePath()
	if err := os.MkdirAll(workspace, 0o755); err != nil {
		slog.Error("failed to create workspace", "path", workspace, "error", err)
		os.Exit(1)
	}

	// Under a service manager the inherited PATH is unpredictable; pin it
	// down so exec and hook scripts behave the same as in a login shell.
	if os.Getenv("CLAWDBOT_SERVICE") != "" {
		os.Setenv("PATH", gateway.ServicePath(cfg.Gateway.ServicePathExtras))
	}

	// Security stack: audit log, secret scrubbing, filesystem monitor,
	// per-sender exec rate limiting.
	audit := security.NewAuditLog(cfg.AuditLogPath(agentID))
	guard := security.NewSecretGuard(audit)
	home, _ := os.UserHomeDir()
	sensitive := security.DefaultSensitivePaths(home, stateDir)
	fsMon := security.NewFSMonitor(security.FSModeAudit, sensitive, audit)
	audit.Record(security.AuditHardeningInit, map[string]any{
		"fs_mode":         "audit",
		"sensitive_paths": len(sensitive),
	})

	execPerHour := cfg.Tools.RateLimitPerHour
	if execPerHour <= 0 {
		execPerHour = 60
	}
	execLimiter := security.NewRateLimiter(security.RateLimiterConfig{
		MaxRequests:   execPerHour,
		Window:        time.Hour,
		BlockDuration: 10 * time.Minute,
	})
	limiterStop := make(chan struct{})
	go func() {
		<-ctx.Done()
		close(limiterStop)
	}()
	execLimiter.StartCleanup(10*time.Minute, limiterStop)

	var inboundLimiter *security.RateLimiter
	if rpm := cfg.Gateway.RateLimitRPM; rpm > 0 {
		inboundLimiter = security.NewRateLimiter(security.RateLimiterConfig{
			MaxRequests:   rpm,
			Window:        time.Minute,
			BlockDuration: time.Minute,
		})
		inboundLimiter.StartCleanup(10*time.Minute, limiterStop)
	}

	verifier := auth.NewVerifier(cfg.Auth, agentDir, guard, audit)

	pairingStore, err := pairing.Open(filepath.Join(stateDir, "pairing.db"))
	if err != nil {
		slog.Error("failed to open pairing store", "error", err)
		os.Exit(1)
	}
	defer pairingStore.Close()
	pairingStore.SetAudit(audit)

	offsets := retry.NewOffsetStore(filepath.Join(agentDir, "offsets"))

	msgBus := bus.NewMessageBus()

	providerRegistry := providers.NewRegistry()
	registerProviders(providerRegistry, cfg)

	// Tool registry. Image tools resolve their provider lazily so they can
	// be registered even when no vision-capable provider is configured yet.
	toolsReg := tools.NewRegistry()
	readTool := tools.NewReadFileTool(workspace, agentCfg.RestrictToWorkspace)
	readTool.DenyPaths(".clawdbot")
	toolsReg.Register(readTool)
	toolsReg.Register(tools.NewExecTool(workspace, agentCfg.RestrictToWorkspace))
	if ws := tools.NewWebSearchTool(tools.WebSearchConfig{
		BraveEnabled:    cfg.Tools.Web.Brave.Enabled,
		BraveAPIKey:     cfg.Tools.Web.Brave.APIKey,
		BraveMaxResults: cfg.Tools.Web.Brave.MaxResults,
		DDGEnabled:      cfg.Tools.Web.DuckDuckGo.Enabled,
		DDGMaxResults:   cfg.Tools.Web.DuckDuckGo.MaxResults,
	}); ws != nil {
		toolsReg.Register(ws)
	}
	toolsReg.Register(tools.NewWebFetchTool(tools.WebFetchConfig{}))
	toolsReg.Register(tools.NewReadImageTool(providerRegistry))
	toolsReg.Register(tools.NewCreateImageTool(providerRegistry))

	hookRunner := tools.NewHookRunner()
	available := map[string]tools.HookPackage{
		"fs_guard": {
			Name: "fs_guard",
			Before: func(_ context.Context, ev *tools.HookEvent) (*tools.PreHookDecision, error) {
				if ev.ToolName != "read_file" {
					return nil, nil
				}
				path, _ := ev.Params["path"].(string)
				if path == "" {
					return nil, nil
				}
				if err := fsMon.Check("read", path); err != nil {
					return &tools.PreHookDecision{Block: true, BlockReason: err.Error()}, nil
				}
				return nil, nil
			},
		},
	}
	hookNames := []string{"fs_guard"}
	for _, name := range cfg.Tools.Hooks {
		if name != "fs_guard" {
			hookNames = append(hookNames, name)
		}
	}
	if err := hookRunner.Load(hookNames, available); err != nil {
		slog.Error("failed to load tool hooks", "error", err)
		os.Exit(1)
	}

	dispatcher := tools.NewDispatcher(toolsReg, hookRunner, execLimiter, audit)

	policy := tools.NewPolicyEngine(&cfg.Tools)
	var agentToolPolicy *config.ToolPolicySpec
	if spec, ok := cfg.Agents.List[agentID]; ok {
		agentToolPolicy = spec.Tools
	}

	embedded := agent.NewEmbedded(agent.EmbeddedConfig{
		AgentID:         agentID,
		Providers:       providerRegistry,
		DefaultProvider: agentCfg.Provider,
		DefaultModel:    agentCfg.Model,
		Dispatcher:      dispatcher,
		Tools:           toolsReg,
		SystemPrompt:    loadWorkspacePrompt(workspace),
		MaxIterations:   agentCfg.MaxToolIterations,
		HistoryTurns:    agentCfg.HistoryTurns,
		ToolDefs: func() []providers.ToolDefinition {
			return policy.FilterTools(toolsReg, agentID, agentCfg.Provider, agentToolPolicy, nil, false, false)
		},
		ToolContext: makeToolContext(agentToolPolicy, cfg.Tools.Settings),
	})

	runtimes := agent.NewRuntimeRegistry()
	runtimes.Register(embedded)

	orch := orchestrator.New(cfg.Orchestrator, providerRegistry, runtimes)

	usage := router.NewUsageTracker(cfg.UsageDir(agentID))
	smart, err := router.New(cfg.Routing, usage, makeLLMRoute(providerRegistry, cfg))
	if err != nil {
		slog.Error("invalid routing config", "error", err)
		os.Exit(1)
	}

	sessStore := sessions.NewStore()
	sessRouter := sessions.NewRouter(sessStore, stateDir)
	queue := sessions.NewQueue(cfg.ResolveAgentMaxConcurrent())

	channelMgr := channels.NewManager(msgBus)
	registerAdapters(cfg, stateDir, channelMgr, msgBus, pairingStore, offsets)

	consumer := newInboundConsumer(consumerDeps{
		cfg:            cfg,
		agentID:        agentID,
		stateDir:       stateDir,
		bus:            msgBus,
		channels:       channelMgr,
		verifier:       verifier,
		sessions:       sessRouter,
		queue:          queue,
		smart:          smart,
		usage:          usage,
		orch:           orch,
		runtime:        embedded,
		audit:          audit,
		inboundLimiter: inboundLimiter,
	})

	hb, err := heartbeat.New(agentCfg.Heartbeat,
		func(ctx context.Context, prompt, model, session string) (string, error) {
			res, err := embedded.Run(ctx, agent.RunParams{
				SessionID:     session,
				SessionKey:    session,
				Workspace:     workspace,
				Prompt:        prompt,
				ModelOverride: model,
				RunID:         fmt.Sprintf("heartbeat-%d", time.Now().Unix()),
			})
			if err != nil {
				return "", err
			}
			var parts []string
			for _, p := range res.Payloads {
				if !p.IsError {
					parts = append(parts, p.Text)
				}
			}
			return strings.Join(parts, "\n"), nil
		},
		func(channel, accountID, chatID, content string) {
			msgBus.PublishOutbound(bus.OutboundMessage{
				Channel:   channel,
				AccountID: accountID,
				ChatID:    chatID,
				Content:   content,
			})
		},
		consumer.LastRoute,
	)
	if err != nil {
		slog.Error("invalid heartbeat config", "error", err)
		os.Exit(1)
	}

	server := gateway.NewServer(cfg, gateway.Deps{
		Events:   msgBus,
		Inbound:  msgBus,
		Channels: channelMgr,
		Pairing:  pairingStore,
		Sessions: sessStore,
		Usage:    usage,
		StateDir: stateDir,
		AgentID:  agentID,
		Version:  Version,
		AbortRun: consumer.AbortRun,
	})
	mountWebhooks(cfg, stateDir, server, msgBus)

	// Bridge agent run events onto the channel manager so streaming-capable
	// adapters can edit their placeholder messages in place.
	msgBus.Subscribe("channel-streaming", func(event bus.Event) {
		if event.Name != protocol.EventAgent {
			return
		}
		if ev, ok := event.Payload.(agent.RunEvent); ok {
			channelMgr.HandleAgentEvent(ev.Type, ev.RunID, ev.Payload)
		}
	})

	go func() {
		if err := config.Watch(ctx, cfgPath, cfg, func(updated *config.Config) {
			slog.Info("config reloaded", "hash", updated.Hash())
			audit.Record(security.AuditConfigChange, map[string]any{"hash": updated.Hash()})
		}); err != nil && ctx.Err() == nil {
			slog.Warn("config watcher stopped", "error", err)
		}
	}()

	if err := channelMgr.StartAll(ctx); err != nil {
		slog.Error("failed to start channels", "error", err)
	}
	go consumer.Run(ctx)
	if hb != nil {
		hb.Start(ctx)
	}

	audit.Record(security.AuditSessionStart, map[string]any{
		"agent_id": agentID,
		"version":  Version,
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("shutting down", "signal", sig.String())
		audit.Record(security.AuditSessionEnd, map[string]any{
			"agent_id": agentID,
			"signal":   sig.String(),
		})
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer stopCancel()
		_ = channelMgr.StopAll(stopCtx)
		queue.Drain()
		_ = server.Stop(stopCtx)
		cancel()
	}()

	slog.Info("clawdbot gateway starting",
		"version", Version,
		"protocol", protocol.ProtocolVersion,
		"agent", agentID,
		"tools", len(toolsReg.List()),
		"channels", channelMgr.GetEnabledChannels())

	if err := server.Start(ctx); err != nil {
		slog.Error("gateway server failed", "error", err)
		os.Exit(1)
	}
	<-ctx.Done()
}

// registerAdapters instantiates one adapter per enabled account of each
// configured chat channel and registers it under its instance key.
func registerAdapters(cfg *config.Config, stateDir string, mgr *channels.Manager, msgBus *bus.MessageBus, pairingStore *pairing.Store, offsets *retry.OffsetStore) {
	if cfg.Channels.Telegram.Enabled {
		for _, accID := range config.ListAccountIDs(cfg.Channels.Telegram) {
			if !config.AccountEnabled(cfg.Channels.Telegram, accID) {
				continue
			}
			account, ok := config.ResolveAccount(cfg.Channels.Telegram, stateDir, accID)
			if !ok {
				continue
			}
			ch, err := telegram.New(cfg.Channels.Telegram, *account, msgBus, pairingStore, offsets)
			if err != nil {
				slog.Error("telegram adapter init failed", "account", accID, "error", err)
				continue
			}
			mgr.RegisterChannel(channels.InstanceKey("telegram", accID), ch)
		}
	}
	if cfg.Channels.Discord.Enabled {
		for _, accID := range config.ListAccountIDs(cfg.Channels.Discord) {
			if !config.AccountEnabled(cfg.Channels.Discord, accID) {
				continue
			}
			account, ok := config.ResolveAccount(cfg.Channels.Discord, stateDir, accID)
			if !ok {
				continue
			}
			ch, err := discord.New(cfg.Channels.Discord, *account, msgBus, pairingStore)
			if err != nil {
				slog.Error("discord adapter init failed", "account", accID, "error", err)
				continue
			}
			mgr.RegisterChannel(channels.InstanceKey("discord", accID), ch)
		}
	}
	if cfg.Channels.WhatsApp.Enabled {
		for _, accID := range config.ListAccountIDs(cfg.Channels.WhatsApp) {
			if !config.AccountEnabled(cfg.Channels.WhatsApp, accID) {
				continue
			}
			account, ok := config.ResolveAccount(cfg.Channels.WhatsApp, stateDir, accID)
			if !ok {
				continue
			}
			ch, err := whatsapp.New(cfg.Channels.WhatsApp, *account, msgBus, pairingStore)
			if err != nil {
				slog.Error("whatsapp adapter init failed", "account", accID, "error", err)
				continue
			}
			mgr.RegisterChannel(channels.InstanceKey("whatsapp", accID), ch)
		}
	}
}

// mountWebhooks attaches the inbound webhook handlers to the gateway's mux.
// Webhook accounts share the server's listener instead of polling.
func mountWebhooks(cfg *config.Config, stateDir string, server *gateway.Server, msgBus *bus.MessageBus) {
	if !cfg.Channels.Webhook.Enabled {
		return
	}
	for _, accID := range config.ListAccountIDs(cfg.Channels.Webhook) {
		if !config.AccountEnabled(cfg.Channels.Webhook, accID) {
			continue
		}
		account, ok := config.ResolveAccount(cfg.Channels.Webhook, stateDir, accID)
		if !ok {
			continue
		}
		wh, err := webhook.New(cfg.Channels.Webhook, *account, msgBus)
		if err != nil {
			slog.Error("webhook adapter init failed", "account", accID, "error", err)
			continue
		}
		server.Mount(wh.Path(), wh.Handler())
		slog.Info("webhook mounted", "account", accID, "path", wh.Path())
	}
}

// makeLLMRoute builds the router's LLM fallback from the orchestrator's fast
// model, when one is configured. Returns nil otherwise, which disables the
// fallback and routes unmatched queries to the standard tier.
// makeToolContext builds the per-turn context decorator: per-agent vision
// and image-generation overrides plus deployment-wide tool settings.
func makeToolContext(policy *config.ToolPolicySpec, settings map[string]json.RawMessage) func(ctx context.Context) context.Context {
	builtin := make(tools.BuiltinToolSettings, len(settings))
	for name, raw := range settings {
		builtin[name] = raw
	}
	return func(ctx context.Context) context.Context {
		if policy != nil {
			if policy.Vision != nil {
				ctx = tools.WithVisionConfig(ctx, policy.Vision)
			}
			if policy.ImageGen != nil {
				ctx = tools.WithImageGenConfig(ctx, policy.ImageGen)
			}
		}
		if len(builtin) > 0 {
			ctx = tools.WithBuiltinToolSettings(ctx, builtin)
		}
		return ctx
	}
}

func makeLLMRoute(registry *providers.Registry, cfg *config.Config) router.LLMRouteFunc {
	providerName := cfg.Orchestrator.Provider
	model := cfg.Orchestrator.Model
	if providerName == "" || model == "" {
		return nil
	}
	return func(ctx context.Context, query string) (router.Tier, string, error) {
		p, err := registry.Get(providerName)
		if err != nil {
			return "", "", err
		}
		resp, err := p.Chat(ctx, providers.ChatRequest{
			Model: model,
			Messages: []providers.Message{
				{Role: "system", Content: llmRoutePrompt},
				{Role: "user", Content: query},
			},
		})
		if err != nil {
			return "", "", err
		}
		answer := strings.ToUpper(strings.TrimSpace(resp.Content))
		switch {
		case strings.Contains(answer, "TIER0"):
			return router.Tier0Trivial, "", nil
		case strings.Contains(answer, "TIER1"):
			return router.Tier1Fast, "", nil
		case strings.Contains(answer, "TIER3"):
			return router.Tier3Complex, "", nil
		default:
			return router.Tier2Standard, "", nil
		}
	}
}

const llmRoutePrompt = `Classify the user query into exactly one complexity tier.
Answer with only the tier name:
TIER0_TRIVIAL - greetings, acknowledgements, smalltalk
TIER1_FAST - simple factual questions, short lookups
TIER2_STANDARD - ordinary tasks, summaries, single-file edits
TIER3_COMPLEX - multi-step reasoning, architecture, long-form analysis`

// loadWorkspacePrompt assembles the agent's extra system prompt from the
// well-known instruction files at the workspace root, capped per file so a
// runaway document cannot crowd out the conversation.
func loadWorkspacePrompt(workspace string) string {
	const perFileCap = 32 * 1024
	var parts []string
	for _, name := range []string{"AGENTS.md", "CLAWD.md"} {
		data, err := os.ReadFile(filepath.Join(workspace, name))
		if err != nil {
			continue
		}
		if len(data) > perFileCap {
			data = data[:perFileCap]
		}
		parts = append(parts, fmt.Sprintf("## %s\n\n%s", name, strings.TrimSpace(string(data))))
	}
	return strings.Join(parts, "\n\n")
}
