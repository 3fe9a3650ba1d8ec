// Copyright (C) 2017 Michał Matczuk
// Use of this source code is governed by an AGPL-style
// license that can be found in the LICENSE file.

package tunnel

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// Accounting counts forwarded connections that are currently relaying. The
// counter is incremented right before a relay starts and decremented right
// after both legs are closed.
type Accounting struct {
	active atomic.Int64
	gauge  prometheus.Gauge
}

// NewAccounting creates Accounting, if gauge is not nil it mirrors the count.
func NewAccounting(gauge prometheus.Gauge) *Accounting {
	return &Accounting{
		gauge: gauge,
	}
}

// Inc registers a relay start and returns the new count.
func (a *Accounting) Inc() int64 {
	n := a.active.Add(1)
	if a.gauge != nil {
		a.gauge.Inc()
	}
	return n
}

// Dec registers a relay end and returns the new count.
func (a *Accounting) Dec() int64 {
	n := a.active.Add(-1)
	if a.gauge != nil {
		a.gauge.Dec()
	}
	return n
}

// Load returns the number of active relays.
func (a *Accounting) Load() int64 {
	return a.active.Load()
}
