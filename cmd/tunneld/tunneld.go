// Copyright (C) 2017 Michał Matczuk
// Use of this source code is governed by an AGPL-style
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"gopkg.in/yaml.v2"

	tunnel "github.com/hons82/go-tcp-tunnel"
	"github.com/hons82/go-tcp-tunnel/cmd/cmd"
	"github.com/hons82/go-tcp-tunnel/id"
	"github.com/hons82/go-tcp-tunnel/log"
	"github.com/hons82/go-tcp-tunnel/transport"
)

func main() {
	opts := parseArgs()

	if opts.version {
		fmt.Println(version)
		return
	}

	logger, err := log.NewLogger(opts.logTo, opts.logLevel)
	if err != nil {
		fatal("failed to init logger: %s", err)
	}

	// read configuration file
	c, err := loadServerConfigFromFile(opts.config)
	if err != nil {
		fatal("configuration error: %s", err)
	}

	b, err := yaml.Marshal(c)
	if err != nil {
		fatal("failed to load config: %s", err)
	}
	logger.Log("level", 2, "config", string(b))

	cert, err := tls.LoadX509KeyPair(c.PublicKeyFile, c.PrivateKeyFile)
	if err != nil {
		fatal("failed to load key pair: %s", err)
	}

	logger.Log(
		"level", 1,
		"action", "loaded certificate",
		"server-id", id.New(cert.Certificate[0]),
	)

	policy, _ := tunnel.ParseRelayPolicy(c.RelayPolicy)

	reg := prometheus.NewRegistry()
	metrics := tunnel.NewMetrics("tunneld", reg)
	accounting := tunnel.NewAccounting(metrics.ActiveForwards)

	server, err := tunnel.NewServer(&tunnel.ServerConfig{
		Addr:      c.addr(),
		TLSConfig: tlsConfig(cert),
		Transport: c.Transport,
		TransportConfig: &transport.Config{
			MaxIdleTimeout:     c.IdleTimeout,
			MaxIncomingStreams: c.MaxIncomingStreams,
		},
		HeaderTimeout: c.HeaderTimeout,
		DialTimeout:   c.DialTimeout,
		RelayPolicy:   policy,
		KeepAlive:     c.KeepAlive,
		Accounting:    accounting,
		Metrics:       metrics,
		Logger: cmd.NewSummaryLogger(logger, cmd.DefaultSummaryQuiet, func() []interface{} {
			return []interface{}{"active", accounting.Load()}
		}),
	})
	if err != nil {
		fatal("failed to create server: %s", err)
	}

	if c.MetricsAddr != "" {
		h := cmd.MetricsHandler(reg, map[string]http.Handler{
			"/api/sessions/list": sessionsHandler(server, logger),
		})
		go cmd.ServeMetrics(c.MetricsAddr, h, logger)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	server.Start(ctx)
}

func tlsConfig(cert tls.Certificate) *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}
}

func fatal(format string, a ...interface{}) {
	fmt.Fprintf(os.Stderr, format, a...)
	fmt.Fprint(os.Stderr, "\n")
	os.Exit(1)
}
