package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"github.com/kstaniek/go-astm-link/internal/datalink"
	"github.com/kstaniek/go-astm-link/internal/metrics"
	"github.com/kstaniek/go-astm-link/internal/serialtransport"
	"github.com/kstaniek/go-astm-link/internal/tcplink"
	"github.com/kstaniek/go-astm-link/internal/transport"
)

func main() {
	cfg, showVersion := parseFlags()
	if showVersion {
		fmt.Printf("astm-gateway %s (commit %s, built %s)\n", version, commit, date)
		return
	}
	if cfg == nil {
		os.Exit(1)
	}
	l := setupLogger(cfg.logFormat, cfg.logLevel)

	encoding, err := cfg.parseEncoding()
	if err != nil {
		l.Error("config_error", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var wg sync.WaitGroup
	startMetricsLogger(ctx, cfg.logMetricsEvery, l, &wg)

	dlCfg := datalink.Config{
		Timeout:    cfg.timeout,
		Interval:   cfg.interval,
		Encoding:   encoding,
		Instrument: newLoggingInstrument(l),
	}

	var layer transport.PhysicalLayer
	var ready <-chan struct{}
	var boundAddr func() string
	var shutdown func(context.Context) error

	switch cfg.transport {
	case "serial":
		port, err := serialtransport.Open(cfg.serialDev, cfg.baud, cfg.serialReadTO)
		if err != nil {
			l.Error("serial_open_error", "error", err, "device", cfg.serialDev)
			os.Exit(1)
		}
		st := serialtransport.New(port, dlCfg, serialtransport.WithLogger(l))
		layer = st
		closed := make(chan struct{})
		close(closed)
		ready = closed
		boundAddr = func() string { return cfg.serialDev }
		shutdown = func(context.Context) error { return port.Close() }

	default:
		ln := tcplink.NewListener(
			tcplink.WithListenAddr(cfg.listenAddr),
			tcplink.WithDatalinkConfig(dlCfg),
			tcplink.WithLogger(l),
			tcplink.WithReadDeadline(cfg.clientReadTO),
		)
		layer = ln
		ready = ln.Ready()
		boundAddr = ln.Addr
		shutdown = ln.Shutdown
	}

	go func() {
		if err := layer.Serve(ctx); err != nil {
			l.Error("transport_serve_error", "error", err)
			cancel()
		}
	}()

	go func() {
		if !cfg.mdnsEnable {
			return
		}
		select {
		case <-ready:
		case <-ctx.Done():
			return
		}
		addr := boundAddr()
		portNum := portFromAddr(addr)
		cleanupMDNS, err := startMDNS(ctx, cfg, portNum)
		if err != nil {
			l.Warn("mdns_start_failed", "error", err)
			return
		}
		l.Info("mdns_started", "service", mdnsServiceType, "name", cfg.mdnsName, "port", portNum)
		go func() { <-ctx.Done(); cleanupMDNS() }()
	}()

	metrics.SetReadinessFunc(func() bool {
		select {
		case <-ready:
		default:
			return false
		}
		return ctx.Err() == nil
	})
	if cfg.metricsAddr != "" {
		metrics.InitBuildInfo(version, commit, date)
		srvHTTP := metrics.StartHTTP(cfg.metricsAddr)
		defer func() { _ = srvHTTP.Shutdown(context.Background()) }()
	}

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	s := <-sigCh
	l.Info("shutdown_signal", "signal", s.String())
	cancel()
	if shutdown != nil {
		_ = shutdown(context.Background())
	}
	wg.Wait()
}

func portFromAddr(addr string) int {
	if _, p, err := net.SplitHostPort(addr); err == nil {
		if pn, perr := strconv.Atoi(p); perr == nil {
			return pn
		}
	}
	if i := strings.LastIndex(addr, ":"); i >= 0 {
		if pn, perr := strconv.Atoi(addr[i+1:]); perr == nil {
			return pn
		}
	}
	return 0
}
