// ABOUTME: Entry point for the fold-relay bridge daemon.
// ABOUTME: Wires the gateway client, controller, routing bridge, and poller.

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

	"github.com/2389/fold-relay/internal/bridge"
	"github.com/2389/fold-relay/internal/config"
	"github.com/2389/fold-relay/internal/controller"
	"github.com/2389/fold-relay/internal/gateway"
	"github.com/2389/fold-relay/internal/sessions"
)

const version = "0.3.0"

const banner = `
    ╭─────────────────────────────────╮
    │                                 │
    │   ┏━╸┏━┓╻  ╺┳┓   ┏━┓┏━╸╻  ┏━┓╻ ╻│
    │   ┣╸ ┃ ┃┃   ┃┃   ┣┳┛┣╸ ┃  ┣━┫┗┳┛│
    │   ╹  ┗━┛┗━╸╺┻┛   ╹┗╸┗━╸┗━╸╹ ╹ ╹ │
    │                                 │
    │        fold-relay bridge        │
    │                                 │
    ╰─────────────────────────────────╯
`

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", config.DefaultPath(), "path to config file")
	flag.Parse()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("loading config from %s: %w", *configPath, err)
	}

	logger := setupLogger(cfg.Logging.Level)
	slog.SetDefault(logger)

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config:   %s\n", *configPath)
	green.Print("    ▶ ")
	fmt.Printf("Gateway:  %s\n", cfg.Gateway.URL)
	green.Print("    ▶ ")
	fmt.Printf("Daemon:   %s\n", cfg.Gateway.Binary)
	green.Print("    ▶ ")
	fmt.Printf("Sessions: %s\n", cfg.Bridge.SessionDir)
	fmt.Println()

	client := gateway.NewClient(gateway.Config{
		URL:            cfg.Gateway.URL,
		Token:          cfg.Gateway.Token,
		DisplayName:    "fold-relay",
		Version:        version,
		ConnectTimeout: cfg.Gateway.ConnectTimeout,
		RequestTimeout: cfg.Gateway.RequestTimeout,
	}, logger)

	ctrl := controller.New(client, controller.Options{
		Binary:        cfg.Gateway.Binary,
		SearchPaths:   cfg.Gateway.SearchPaths,
		PollInterval:  cfg.Bridge.StatusPollInterval,
		RetryInterval: cfg.Bridge.DaemonRetryInterval,
	}, logger)

	conv := newRunner(client, logger)
	br := bridge.New(ctrl, conv, bridge.Options{
		ContactTTL:     cfg.Bridge.ContactTTL,
		CancelKeywords: cfg.Bridge.CancelKeywords,
	}, logger)
	conv.bridge = br

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	ctrl.OnStatusChange(func(s controller.Snapshot) {
		logger.Info("gateway status", "status", s.Status, "binary", s.BinaryPath)
	})

	ctrl.Start(ctx)
	defer ctrl.Stop()

	stopBridge := br.Start()
	defer stopBridge()

	poller := sessions.NewPoller(cfg.Bridge.SessionDir, cfg.Bridge.DiskPollInterval, func(m sessions.Message) {
		br.HandleInbound(bridge.InboundMessage{
			ChannelID:   m.ChannelID,
			ChannelName: m.ChannelType,
			Content:     m.Content,
			Sender:      m.Sender,
			Timestamp:   m.Timestamp,
		})
	}, logger)
	go poller.Run(ctx)

	logger.Info("fold-relay running", "version", version)
	<-ctx.Done()
	logger.Info("shutting down")
	return nil
}

func setupLogger(level string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
}
