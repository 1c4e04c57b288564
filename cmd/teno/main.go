package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"github.com/samber/do/v2"
	cli "github.com/spf13/pflag"

	audioimpl "github.com/foxseedlab/teno/external/audio"
	configloader "github.com/foxseedlab/teno/external/config"
	"github.com/foxseedlab/teno/external/discord"
	healthimpl "github.com/foxseedlab/teno/external/health"
	"github.com/foxseedlab/teno/external/llm"
	repositoryimpl "github.com/foxseedlab/teno/external/repository"
	synthesizerimpl "github.com/foxseedlab/teno/external/synthesizer"
	transcriberimpl "github.com/foxseedlab/teno/external/transcriber"
	transcriptimpl "github.com/foxseedlab/teno/external/transcript"
	webhookimpl "github.com/foxseedlab/teno/external/webhook"
	"github.com/foxseedlab/teno/internal/config"
	discordpkg "github.com/foxseedlab/teno/internal/discord"
	"github.com/foxseedlab/teno/internal/health"
	"github.com/foxseedlab/teno/internal/teno"
)

const (
	discordConnectTimeout = 20 * time.Second
	shutdownTimeout       = 60 * time.Second
)

func main() {
	envFile := cli.StringP("env-file", "e", "", "Path to a .env file loaded before reading the environment")
	cli.Parse()
	if *envFile != "" {
		if err := godotenv.Load(*envFile); err != nil {
			slog.Error("failed to load env file", "error", err, "path", *envFile)
			os.Exit(1)
		}
	}

	slog.Info("startup: loading configuration")
	cfg := mustLoadConfig()
	initLogger(cfg)
	slog.Info("startup: configuration loaded", "env", cfg.Env, "bot_name", cfg.BotName, "tts_provider", cfg.TTSProvider)

	slog.Info("startup: building dependency graph")
	injector := setupDI(cfg)

	slog.Info("startup: launching discord bot")
	code := runBot(cfg, injector)

	if report := injector.Shutdown(); report != nil && !report.Succeed {
		slog.Error("dependency shutdown reported errors", "error", report.Error())
		code = 1
	}
	os.Exit(code)
}

func mustLoadConfig() *config.Config {
	cfg, err := configloader.Load()
	if err != nil {
		slog.Error("config validation failed", "error", err)
		os.Exit(1)
	}
	return cfg
}

func initLogger(cfg *config.Config) {
	if cfg.IsDevelopment() {
		slog.SetDefault(slog.New(tint.NewHandler(os.Stdout, &tint.Options{
			Level:      slog.LevelDebug,
			TimeFormat: time.TimeOnly,
		})))
		return
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})))
}

func setupDI(cfg *config.Config) do.Injector {
	injector := do.New()

	do.ProvideValue(injector, cfg)
	repositoryimpl.RegisterDI(injector)
	transcriptimpl.RegisterDI(injector)
	audioimpl.RegisterDI(injector)
	discord.RegisterDI(injector)
	transcriberimpl.RegisterDI(injector)
	synthesizerimpl.RegisterDI(injector)
	llm.RegisterDI(injector)
	webhookimpl.RegisterDI(injector)
	healthimpl.RegisterDI(injector)
	teno.RegisterDI(injector)

	return injector
}

func runBot(cfg *config.Config, injector do.Injector) int {
	dc, err := do.Invoke[discordpkg.Client](injector)
	if err != nil {
		slog.Error("failed to resolve discord client", "error", err)
		return 1
	}
	coordinator, err := do.Invoke[*teno.Teno](injector)
	if err != nil {
		slog.Error("failed to resolve meeting coordinator", "error", err)
		return 1
	}

	connectCtx, cancel := context.WithTimeout(context.Background(), discordConnectTimeout)
	defer cancel()
	slog.Info("startup: connecting to discord gateway")
	if err := dc.Connect(connectCtx); err != nil {
		slog.Error("discord connect failed", "error", err)
		return 1
	}
	slog.Info("startup: discord connected")
	defer func() {
		if err := dc.Close(); err != nil {
			slog.Error("discord close failed", "error", err)
		}
	}()

	if err := coordinator.Register(); err != nil {
		slog.Error("failed to register discord handlers", "error", err, "guild_id", cfg.DiscordGuildID)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	healthDone := make(chan struct{})
	if cfg.HealthAddr != "" {
		reporter := do.MustInvoke[health.Reporter](injector)
		server := healthimpl.NewServer(cfg.HealthAddr, reporter, coordinator.ActiveMeetings)
		go func() {
			defer close(healthDone)
			if err := server.Run(ctx); err != nil {
				slog.Error("health server stopped", "error", err)
			}
		}()
	} else {
		close(healthDone)
	}

	slog.Info("teno is running", "guild_id", cfg.DiscordGuildID)
	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()
	code := 0
	if err := coordinator.Shutdown(shutdownCtx); err != nil {
		slog.Error("some meetings did not end cleanly", "error", err)
		code = 1
	}
	<-healthDone
	if errors.Is(shutdownCtx.Err(), context.DeadlineExceeded) {
		slog.Warn("shutdown deadline exceeded")
	}
	return code
}
