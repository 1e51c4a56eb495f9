package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nbot/orchestrator/internal/botruntime"
	"github.com/nbot/orchestrator/internal/bus"
	"github.com/nbot/orchestrator/internal/commands"
	"github.com/nbot/orchestrator/internal/config"
	"github.com/nbot/orchestrator/internal/containerdriver"
	"github.com/nbot/orchestrator/internal/dispatch"
	"github.com/nbot/orchestrator/internal/eventpipeline"
	"github.com/nbot/orchestrator/internal/llmabuse"
	"github.com/nbot/orchestrator/internal/llmgateway"
	"github.com/nbot/orchestrator/internal/llmpipeline"
	"github.com/nbot/orchestrator/internal/mediatoolbox"
	"github.com/nbot/orchestrator/internal/moduleconfig"
	"github.com/nbot/orchestrator/internal/outbound"
	"github.com/nbot/orchestrator/internal/pluginhost"
	"github.com/nbot/orchestrator/internal/provision"
	"github.com/nbot/orchestrator/internal/render"
	"github.com/nbot/orchestrator/internal/statestore"
	"github.com/nbot/orchestrator/internal/supervisor"
	"github.com/nbot/orchestrator/internal/tracing"
)

const defaultMetaTargetPlugin = "core.ticker"

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator daemon: supervision, event dispatch, and outbound delivery",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

// runServe wires every subsystem together and blocks until SIGINT/SIGTERM,
// the orchestrator process's top-level composition root: load config,
// construct every collaborator, then hand them to the long-running loops.
func runServe(ctx context.Context) error {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, nil)))

	cfg, err := loadConfig()
	if err != nil {
		slog.Error("load config", "error", err)
		return err
	}
	snap := cfg.Snapshot()

	shutdownTracing, err := tracing.Setup(ctx, tracing.Options{
		Enabled:     snap.Telemetry.Enabled,
		Endpoint:    snap.Telemetry.Endpoint,
		ServiceName: snap.Telemetry.ServiceName,
	})
	if err != nil {
		slog.Warn("telemetry disabled", "error", err)
	} else {
		defer func() {
			flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer flushCancel()
			_ = shutdownTracing(flushCtx)
		}()
	}

	store, err := statestore.New(snap.Persistence.DataDir)
	if err != nil {
		return err
	}
	defer store.Close()

	runtime := botruntime.New()
	eventBus := bus.NewEventBus(256)
	host := pluginhost.New()
	defer host.Close()

	cmdRegistry := commands.New()
	cmdRegistry.Register(commands.Command{Name: "help", Aliases: []string{"h", "帮助"}, Source: commands.SourceBuiltin})
	if custom, cerr := store.LoadCustomCommands(); cerr != nil {
		slog.Warn("load custom commands", "error", cerr)
	} else {
		for _, cc := range custom {
			cmdRegistry.Register(commands.Command{Name: cc.Name, Aliases: cc.Aliases, Source: commands.SourceCustom})
		}
	}

	renderClient := render.New(snap.Render.BaseURL, &http.Client{Timeout: 15 * time.Second})
	gateway := llmgateway.New(60*time.Second, llmgateway.DefaultRetryConfig())
	toolbox := mediatoolbox.New(snap.Media.FFmpegBin, snap.Media.FFprobeBin)

	botToken := func(botID string) string {
		b, ok := store.GetBot(botID)
		if !ok {
			return ""
		}
		return b.DiscordToken
	}
	materializer := outbound.New(runtime, botToken)

	abuseGate := llmabuse.New(llmabuse.DefaultConfig().Clamp())
	moduleDefaults, derr := store.ModuleDefaults()
	if derr != nil {
		slog.Warn("load module defaults", "error", derr)
	}
	moduleResolver := moduleconfig.NewResolver(moduleDefaults)

	router := &dispatch.Router{
		Outbound: materializer,
		Host:     host,
		Render:   renderClient,
		Gateway:  gateway,
		Store:    store,
		Abuse:    abuseGate,
		Resolve:  dispatch.ModuleResolverFor(store, moduleResolver),
		Deps: llmpipeline.Deps{
			HTTPClient: &http.Client{Timeout: 30 * time.Second},
			Media:      toolbox,
			TempDir:    os.TempDir(),
		},
	}

	pipeline := eventpipeline.New(eventBus, host, cmdRegistry, runtime, "/",
		eventpipeline.MetaEventTarget{PluginID: defaultMetaTargetPlugin},
		func(dispatchCtx context.Context, outputs []pluginhost.PluginOutput, ev bus.NormalizedEvent) {
			if err := router.Run(dispatchCtx, ev, outputs); err != nil {
				slog.Warn("dispatch output failed", "bot_id", ev.BotID, "error", err)
			}
		})
	pipeline.SetHelpRenderer(func(helpCtx context.Context, text string) (string, bool) {
		result, err := renderClient.RenderMarkdownImage(helpCtx, text, 520, 92)
		if err != nil || result.Image == "" {
			return "", false
		}
		return result.Image, true
	})

	oneBotSupervisor := supervisor.NewOneBotSupervisor(store, runtime, eventBus, func(tickCtx context.Context, botID string) {
		_, _ = host.Directed(tickCtx, defaultMetaTargetPlugin, "onMetaEvent", map[string]any{
			"meta_event_type": "tick",
			"bot_id":          botID,
		})
	})
	discordSupervisor := supervisor.NewDiscordSupervisor(store, runtime, eventBus)
	monitor := supervisor.NewMonitor(store)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go oneBotSupervisor.Run(runCtx)
	go discordSupervisor.Run(runCtx)
	go monitor.Run(runCtx)
	go pipeline.Run(runCtx)
	if driver, derr := containerdriver.New(); derr != nil {
		slog.Warn("container reconcile disabled", "error", derr)
	} else {
		mgr := provision.NewManager(store, driver, snap.Container, snap.Persistence.DataDir)
		go func() {
			ticker := time.NewTicker(10 * time.Second)
			defer ticker.Stop()
			for {
				select {
				case <-runCtx.Done():
					return
				case <-ticker.C:
					if err := mgr.ReconcileContainers(runCtx); err != nil {
						slog.Warn("container reconcile", "error", err)
					}
				}
			}
		}()
	}
	go func() {
		if err := config.WatchFile(runCtx, config.ResolveConfigPath(cfgFile), cfg); err != nil {
			slog.Warn("config watcher stopped", "error", err)
		}
	}()

	slog.Info("nbotctl serve started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigCh:
		slog.Info("shutting down")
	case <-ctx.Done():
	}
	cancel()
	return nil
}
