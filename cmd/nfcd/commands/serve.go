// This file is part of nfcd.
// SPDX-License-Identifier: AGPL3.0-or-later

package commands

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/bfix/gospel/logger"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/sailfishos/nfcd/config"
	"github.com/sailfishos/nfcd/metrics"
	"github.com/sailfishos/nfcd/peer"
	"github.com/sailfishos/nfcd/snep"
	"github.com/sailfishos/nfcd/transport"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the LLCP engine and SNEP server against the MAC transport stand-in",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			return runServe(cfgFile)
		},
	}
}

func runServe(cfgPath string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	logger.SetLogLevel(logLevelFromString(cfg.LogLevel))
	logger.Println(logger.INFO, "[nfcd] starting")
	defer logger.Println(logger.INFO, "[nfcd] stopped")

	var m *metrics.Registry
	var engineMetrics peer.Metrics
	if cfg.MetricsEnabled {
		m = metrics.New()
		engineMetrics = m
	}

	registry := peer.NewRegistry()
	snepServer := &snep.Server{}
	if m != nil {
		snepServer.Metrics = m
	}
	if err := registry.Add(snepServer.Service()); err != nil {
		return fmt.Errorf("registering SNEP service: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conn, err := dialOrListen(ctx, cfg)
	if err != nil {
		return fmt.Errorf("establishing transport: %w", err)
	}
	defer conn.Close()

	var adaptor peer.IOAdaptor
	if cfg.Role == "initiator" {
		adaptor = peer.NewInitiatorAdaptor(conn)
	} else {
		adaptor = peer.NewTargetAdaptor(conn)
	}
	defer adaptor.Close()

	engine := peer.New(adaptor, registry,
		peer.WithMIU(cfg.LocalMIU),
		peer.WithLTO(cfg.LocalLTO),
		peer.WithMetrics(engineMetrics))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		engine.Run(gctx)
		return nil
	})

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sig:
		logger.Println(logger.INFO, "[nfcd] signal received, shutting down")
	case <-gctx.Done():
	}
	cancel()
	return g.Wait()
}

func dialOrListen(ctx context.Context, cfg *config.Config) (*transport.PacketConn, error) {
	if cfg.Role == "initiator" {
		var d net.Dialer
		c, err := d.DialContext(ctx, "tcp", cfg.Listen)
		if err != nil {
			return nil, err
		}
		return transport.NewPacketConn(c), nil
	}
	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return nil, err
	}
	defer ln.Close()
	logger.Printf(logger.INFO, "[nfcd] listening on %s", cfg.Listen)
	c, err := ln.Accept()
	if err != nil {
		return nil, err
	}
	return transport.NewPacketConn(c), nil
}

func logLevelFromString(s string) int {
	switch s {
	case "error":
		return logger.ERROR
	case "warn":
		return logger.WARN
	case "debug":
		return logger.DBG
	default:
		return logger.INFO
	}
}
