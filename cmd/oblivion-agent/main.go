// ABOUTME: Runnable oblivion agent that connects to Nexus and reacts to assigned tasks.
// ABOUTME: Usage: oblivion-agent [-config agent.yaml]
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"

	oblivion "github.com/2389/oblivion-go"
	"github.com/2389/oblivion-go/internal/config"
)

const banner = `
         _     _ _       _
    ___ | |__ | (_)_   _(_) ___  _ __
   / _ \| '_ \| | \ \ / / |/ _ \| '_ \
  | (_) | |_) | | |\ V /| | (_) | | | |
   \___/|_.__/|_|_| \_/ |_|\___/|_| |_|
`

var version = "dev"

func main() {
	configPath := flag.String("config", "agent.yaml", "Path to YAML configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	// Print banner
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config: %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("Nexus:  %s\n", cfg.Nexus.URL)
	green.Print("    ▶ ")
	fmt.Printf("Agent:  %s\n", cfg.Nexus.ClientID)
	fmt.Println()

	agentVersion := cfg.Agent.Version
	if agentVersion == "" {
		agentVersion = version
	}

	client, err := oblivion.New(oblivion.Config{
		NexusURL:         cfg.Nexus.URL,
		ClientID:         cfg.Nexus.ClientID,
		ClientSecret:     cfg.Nexus.ClientSecret,
		Capabilities:     cfg.Agent.Capabilities,
		Version:          agentVersion,
		DisableReconnect: cfg.Reconnect.Disabled,
		ReconnectDelay:   cfg.Reconnect.Delay,
		Logger:           logger,
	})
	if err != nil {
		return fmt.Errorf("creating client: %w", err)
	}

	client.OnTaskAssigned(func(ctx context.Context, task oblivion.TaskAssignedPayload) {
		logger.Info("picked up task", "task_id", task.TaskID, "title", task.Title)
		if err := client.UpdateStatus(ctx, oblivion.StatusWorking, task.TaskID, ""); err != nil {
			logger.Error("updating status", "error", err)
			return
		}

		result, err := client.RequestTool(ctx, "notes", "append", map[string]any{
			"taskId": task.TaskID,
			"text":   "picked up: " + task.Title,
		}, 0)
		switch {
		case err != nil:
			logger.Error("tool request", "error", err)
		case !result.Success:
			logger.Warn("tool request failed", "request_id", result.RequestID, "error", result.Error)
		default:
			logger.Info("tool request succeeded", "request_id", result.RequestID)
		}

		if err := client.UpdateStatus(ctx, oblivion.StatusIdle, "", ""); err != nil {
			logger.Error("updating status", "error", err)
		}
	})

	client.OnContextUpdate(func(_ context.Context, update oblivion.ContextUpdatePayload) {
		logger.Info("context update", "task_id", update.TaskID, "author", update.Author, "is_human", update.IsHuman)
	})

	client.OnWakeUp(func(_ context.Context, wake oblivion.WakeUpPayload) {
		logger.Info("wake up", "reason", string(wake.Reason), "task_id", wake.TaskID)
	})

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := client.Connect(ctx); err != nil {
		return fmt.Errorf("connecting to nexus: %w", err)
	}
	logger.Info("agent running", "agent_id", client.AgentID())

	// Block until SIGINT/SIGTERM or an unrecoverable session end.
	_ = client.Wait(ctx)
	client.Disconnect()
	return nil
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
