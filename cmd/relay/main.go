package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/mbocsi/relaychat/logging"
	"github.com/mbocsi/relaychat/relay"
	"golang.org/x/sync/errgroup"
)

func main() {
	addr := flag.String("addr", ":8090", "listen address")
	advertise := flag.Bool("mdns", true, "advertise the relay over mDNS")
	name := flag.String("name", "relaychat", "mDNS instance name")
	maxPeers := flag.Int("max-peers", relay.DefaultMaxPeers, "maximum number of connected devices")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn or error")
	logFormat := flag.String("log-format", "text", "log format: text or json")
	flag.Parse()

	if _, _, err := logging.Setup(logging.Options{Level: *logLevel, Format: *logFormat}, os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	srv := relay.NewServer(*addr)
	srv.SetMaxPeers(*maxPeers)

	if *advertise {
		port, err := listenPort(*addr)
		if err != nil {
			slog.Error("Cannot advertise relay", "addr", *addr, "error", err)
			os.Exit(1)
		}
		mdnsServer, err := relay.Advertise(*name, port)
		if err != nil {
			slog.Warn("mDNS advertisement disabled", "error", err)
		} else {
			defer mdnsServer.Shutdown()
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(srv.Start)
	g.Go(func() error {
		<-gctx.Done()
		return srv.Shutdown()
	})

	if err := g.Wait(); err != nil {
		slog.Error("Relay stopped", "error", err)
		os.Exit(1)
	}
}

func listenPort(addr string) (int, error) {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(port)
}
