// Copyright (C) 2017 Michał Matczuk
// Use of this source code is governed by an AGPL-style
// license that can be found in the LICENSE file.

package tunnel

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hons82/go-tcp-tunnel/transport"
)

// Error types used as "type" label of errors counter.
const (
	errTypeBind             = "bind"
	errTypeAccept           = "accept"
	errTypeSessionEstablish = "session_establish"
	errTypeStreamOpen       = "stream_open"
	errTypeStreamAccept     = "stream_accept"
	errTypeHeader           = "header"
	errTypeDial             = "dial"
	errTypeRelay            = "relay"
)

// Metrics holds Prometheus collectors of client or server. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	ActiveForwards prometheus.Gauge
	Sessions       prometheus.Gauge
	Forwards       *prometheus.CounterVec
	Errors         *prometheus.CounterVec
	Bytes          *prometheus.CounterVec
}

// NewMetrics creates collectors prefixed with namespace and registers them
// with reg, if reg is nil collectors are not registered.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ActiveForwards: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_forwards",
			Help:      "Forwarded connections currently relaying.",
		}),
		Sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions",
			Help:      "Open transport sessions.",
		}),
		Forwards: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "forwards_total",
			Help:      "Finished forwarded connections by result.",
		}, []string{"result"}),
		Errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Errors by type.",
		}, []string{"type"}),
		Bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relayed_bytes_total",
			Help:      "Relayed bytes by direction.",
		}, []string{"direction"}),
	}

	if reg != nil {
		reg.MustRegister(m.ActiveForwards, m.Sessions, m.Forwards, m.Errors, m.Bytes)
	}

	return m
}

func (m *Metrics) activeGauge() prometheus.Gauge {
	if m == nil {
		return nil
	}
	return m.ActiveForwards
}

func (m *Metrics) error(typ string) {
	if m == nil {
		return
	}
	m.Errors.WithLabelValues(typ).Inc()
}

func (m *Metrics) sessionOpened() {
	if m == nil {
		return
	}
	m.Sessions.Inc()
}

func (m *Metrics) sessionClosed() {
	if m == nil {
		return
	}
	m.Sessions.Dec()
}

func (m *Metrics) relayed(res RelayResult) {
	if m == nil {
		return
	}
	m.Bytes.WithLabelValues("local_to_remote").Add(float64(res.Sent))
	m.Bytes.WithLabelValues("remote_to_local").Add(float64(res.Received))
	switch {
	case res.Err == nil:
		m.Forwards.WithLabelValues("ok").Inc()
	case isClosedErr(res.Err):
		m.Forwards.WithLabelValues("closed").Inc()
	case transport.IsAborted(res.Err):
		m.Forwards.WithLabelValues("aborted").Inc()
	default:
		m.Forwards.WithLabelValues("error").Inc()
		m.Errors.WithLabelValues(errTypeRelay).Inc()
	}
}
