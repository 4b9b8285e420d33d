package cmd

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/nanoclaw/internal/bus"
	"github.com/nextlevelbuilder/nanoclaw/internal/channels"
	"github.com/nextlevelbuilder/nanoclaw/internal/channels/discord"
	"github.com/nextlevelbuilder/nanoclaw/internal/channels/telegram"
	"github.com/nextlevelbuilder/nanoclaw/internal/channels/whatsapp"
	"github.com/nextlevelbuilder/nanoclaw/internal/config"
	"github.com/nextlevelbuilder/nanoclaw/internal/ipc"
	"github.com/nextlevelbuilder/nanoclaw/internal/orchestrator"
	"github.com/nextlevelbuilder/nanoclaw/internal/sandbox"
	"github.com/nextlevelbuilder/nanoclaw/internal/scheduler"
	"github.com/nextlevelbuilder/nanoclaw/internal/store"
)

// shutdownTimeout bounds how long live sandboxes get to exit after the close
// sentinel before being killed.
const shutdownTimeout = 30 * time.Second

func runOrchestrator() {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))

	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	for _, dir := range []string{config.ExpandHome(cfg.DataDir), cfg.IPCRoot(), cfg.GroupsRoot()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			slog.Error("create data dir", "dir", dir, "error", err)
			os.Exit(1)
		}
	}

	st, err := store.Open(cfg.StorePath())
	if err != nil {
		slog.Error("open store", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	runner, err := sandbox.NewRunner(sandbox.Options{
		Image:            cfg.Sandbox.Image,
		DockerHost:       cfg.Sandbox.DockerHost,
		ContainerTimeout: cfg.Sandbox.ContainerTimeout.Std(),
		IdleTimeout:      cfg.Sandbox.IdleTimeout.Std(),
		MemoryLimitMB:    cfg.Sandbox.MemoryLimitMB,
		CPUQuota:         cfg.Sandbox.CPUQuota,
		PidsLimit:        cfg.Sandbox.PidsLimit,
		EnvAllowList:     cfg.Sandbox.EnvAllowList,
	})
	if err != nil {
		slog.Error("connect to docker", "error", err)
		os.Exit(1)
	}
	defer runner.Close()

	msgBus := bus.New()
	orch := orchestrator.New(cfg, st, msgBus, runner)
	sched := scheduler.New(st, orch.Queue(), cfg.Location(), cfg.Loop.SchedulerInterval.Std())
	orch.Queue().SetObserver(sched)
	watcher := ipc.NewWatcher(cfg.IPCRoot(), st, orch, cfg.Loop.MainFolder, cfg.Loop.IPCPollInterval.Std())

	manager := channels.NewManager(msgBus)
	registerChannels(manager, cfg, msgBus)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := runner.Ping(ctx); err != nil {
		slog.Error("docker daemon unreachable", "error", err)
		os.Exit(1)
	}

	if err := manager.StartAll(ctx); err != nil {
		slog.Error("start channels", "error", err)
		os.Exit(1)
	}

	slog.Info("nanoclaw started", "version", Version, "main_folder", cfg.Loop.MainFolder)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return orch.Run(gctx) })
	g.Go(func() error { return sched.Run(gctx) })
	g.Go(func() error { return watcher.Run(gctx) })

	loopErr := g.Wait()
	if errors.Is(loopErr, context.Canceled) {
		loopErr = nil
	}
	if loopErr != nil {
		slog.Error("orchestrator loop failed", "error", loopErr)
	}

	slog.Info("shutting down")
	orch.Queue().Shutdown(shutdownTimeout)

	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := manager.StopAll(stopCtx); err != nil {
		slog.Warn("channel shutdown", "error", err)
	}
	slog.Info("nanoclaw stopped")

	if loopErr != nil {
		os.Exit(1)
	}
}

// registerChannels wires every enabled transport into the manager.
func registerChannels(manager *channels.Manager, cfg *config.Config, msgBus *bus.MessageBus) {
	if cfg.Channels.Telegram.Enabled {
		ch, err := telegram.New(cfg.Channels.Telegram, msgBus)
		if err != nil {
			slog.Error("telegram channel init failed", "error", err)
		} else {
			manager.RegisterChannel(ch)
		}
	}
	if cfg.Channels.Discord.Enabled {
		ch, err := discord.New(cfg.Channels.Discord, msgBus)
		if err != nil {
			slog.Error("discord channel init failed", "error", err)
		} else {
			manager.RegisterChannel(ch)
		}
	}
	if cfg.Channels.WhatsApp.Enabled {
		ch, err := whatsapp.New(cfg.Channels.WhatsApp, msgBus)
		if err != nil {
			slog.Error("whatsapp channel init failed", "error", err)
		} else {
			manager.RegisterChannel(ch)
		}
	}
}
