// Copyright (C) 2017 Michał Matczuk
// Use of this source code is governed by an AGPL-style
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"gopkg.in/yaml.v2"

	tunnel "github.com/hons82/go-tcp-tunnel"
	"github.com/hons82/go-tcp-tunnel/cmd/cmd"
	"github.com/hons82/go-tcp-tunnel/log"
)

func main() {
	opts, err := parseArgs()
	if err != nil {
		fatal(err.Error())
	}

	if opts.version {
		fmt.Println(version)
		return
	}

	logger, err := log.NewLogger(opts.logTo, opts.logLevel)
	if err != nil {
		fatal("failed to init logger: %s", err)
	}

	// read configuration file
	c, err := loadClientConfigFromFile(opts.config)
	if err != nil {
		fatal("configuration error: %s", err)
	}

	mappings, err := c.mappings()
	if err != nil {
		fatal("configuration error: %s", err)
	}

	if opts.command == "list" {
		sort.Slice(mappings, func(i, j int) bool {
			return mappings[i].InnerPort < mappings[j].InnerPort
		})
		for _, m := range mappings {
			fmt.Printf("%d -> %s\n", m.InnerPort, m.Outer())
		}
		return
	}

	pool, err := c.certPool()
	if err != nil {
		fatal("failed to load server certificate: %s", err)
	}

	b, err := yaml.Marshal(c)
	if err != nil {
		fatal("failed to load config: %s", err)
	}
	logger.Log("level", 2, "config", string(b))

	policy, _ := tunnel.ParseRelayPolicy(c.RelayPolicy)

	reg := prometheus.NewRegistry()
	metrics := tunnel.NewMetrics("tunnel", reg)
	accounting := tunnel.NewAccounting(metrics.ActiveForwards)

	if c.MetricsAddr != "" {
		go cmd.ServeMetrics(c.MetricsAddr, cmd.MetricsHandler(reg, nil), logger)
	}

	client, err := tunnel.NewClient(&tunnel.ClientConfig{
		ServerAddr:        c.Server,
		TLSClientConfig:   c.tlsConfig(pool),
		Transport:         c.Transport,
		Mappings:          mappings,
		ListenHost:        c.ListenHost,
		MaxConns:          c.MaxConns,
		Backoff:           c.Backoff.ExponentialBackOff(),
		StreamOpenTimeout: c.StreamOpenTimeout,
		RelayPolicy:       policy,
		KeepAlive:         c.KeepAlive,
		Accounting:        accounting,
		Metrics:           metrics,
		Logger: cmd.NewSummaryLogger(logger, cmd.DefaultSummaryQuiet, func() []interface{} {
			return []interface{}{"active", accounting.Load()}
		}),
	})
	if err != nil {
		fatal("failed to create client: %s", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := client.Start(ctx); err != nil {
		fatal("%s", err)
	}
}

func fatal(format string, a ...interface{}) {
	fmt.Fprintf(os.Stderr, format, a...)
	fmt.Fprint(os.Stderr, "\n")
	os.Exit(1)
}
