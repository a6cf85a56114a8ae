package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mbocsi/relaychat/app"
	"github.com/mbocsi/relaychat/config"
	"github.com/mbocsi/relaychat/logging"
	"github.com/mbocsi/relaychat/mcp"
	"github.com/mbocsi/relaychat/notify"
	"github.com/mbocsi/relaychat/storage"
	"github.com/mbocsi/relaychat/web"
	"golang.org/x/sync/errgroup"
)

var version = "dev"

type flags struct {
	config  string
	mcp     bool
	device  string
	channel string
	broker  string
	addr    string
}

func main() {
	var f flags
	flag.StringVar(&f.config, "config", "relaychat.yaml", "path to the settings file")
	flag.BoolVar(&f.mcp, "mcp", false, "serve MCP tools over stdio, logs go to stderr")
	flag.StringVar(&f.device, "device", "", "device name, saved to settings")
	flag.StringVar(&f.channel, "channel", "", "channel name, saved to settings")
	flag.StringVar(&f.broker, "broker", "", "broker type: amqp, redis or websocket")
	flag.StringVar(&f.addr, "addr", "", "web UI listen address (default from settings)")
	flag.Parse()

	if err := run(f); err != nil {
		slog.Error("relaychat stopped", "error", err)
		os.Exit(1)
	}
}

func run(f flags) error {
	var out io.Writer = os.Stdout
	if f.mcp {
		out = os.Stderr
	}

	cfg := config.Load(f.config)
	logCfg := cfg.Log()
	_, logFile, err := logging.Setup(logging.Options{Level: logCfg.Level, Format: logCfg.Format, File: logCfg.File}, out)
	if err != nil {
		return err
	}
	defer logFile.Close()

	if err := applyFlags(cfg, f); err != nil {
		return err
	}

	store, err := storage.OpenBoltStore(cfg.StorePath())
	if err != nil {
		return err
	}
	defer store.Close()

	focus := notify.NewFocusTracker()
	hub := web.NewHub(focus)
	notifier := notify.NewNotifier(focus, notify.LogSink{}, hub)

	a, err := app.New(cfg, store, notifier)
	if err != nil {
		return err
	}
	a.Attach(hub)

	addr := f.addr
	if addr == "" {
		addr = cfg.HTTPAddr()
	}
	ui := web.NewServer(addr, a, hub)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Starting relaychat",
		"version", version,
		"settings", cfg.Path(),
		"device", cfg.DeviceName(),
		"broker", cfg.BrokerType(),
		"configured", cfg.IsConfigured(),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.Run(gctx) })
	g.Go(ui.Start)
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return ui.Shutdown(shutdownCtx)
	})
	if f.mcp {
		server := mcp.NewMCPServer(a, version)
		g.Go(func() error {
			// The MCP host owns the process; closing stdin ends it.
			defer stop()
			return server.Run(gctx, os.Stdin, os.Stdout)
		})
	}

	err = g.Wait()
	slog.Info("relaychat stopped")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func applyFlags(cfg *config.Manager, f flags) error {
	if f.device != "" {
		if err := cfg.SetDeviceName(f.device); err != nil {
			return err
		}
	}
	if f.channel != "" {
		if err := cfg.SetChannelName(f.channel); err != nil {
			return err
		}
	}
	if f.broker != "" {
		if err := cfg.SetBrokerType(f.broker); err != nil {
			return err
		}
	}
	return nil
}
