// Copyright (C) 2017 Michał Matczuk
// Use of this source code is governed by an AGPL-style
// license that can be found in the LICENSE file.

package cmd

import (
	"errors"
	"net"
	"net/http"
	"time"

	"golang.org/x/net/netutil"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hons82/go-tcp-tunnel/log"
)

// MetricsHandler returns handler serving Prometheus metrics of reg on
// /metrics, a health check on /healthz and extra handlers by path.
func MetricsHandler(reg *prometheus.Registry, extra map[string]http.Handler) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	for path, h := range extra {
		mux.Handle(path, h)
	}
	return mux
}

// MaxMetricsConns limits concurrent connections to the metrics server.
const MaxMetricsConns = 16

// ServeMetrics serves MetricsHandler on addr, it blocks until the server
// fails.
func ServeMetrics(addr string, handler http.Handler, logger log.Logger) {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		logger.Log(
			"level", 0,
			"msg", "metrics listen failed",
			"addr", addr,
			"err", err,
		)
		return
	}

	logger.Log(
		"level", 1,
		"action", "start metrics",
		"addr", l.Addr(),
	)

	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	if err := srv.Serve(netutil.LimitListener(l, MaxMetricsConns)); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Log(
			"level", 0,
			"msg", "metrics server failed",
			"addr", addr,
			"err", err,
		)
	}
}
