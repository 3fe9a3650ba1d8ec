// Copyright (C) 2017 Michał Matczuk
// Use of this source code is governed by an AGPL-style
// license that can be found in the LICENSE file.

package tunnel

import (
	"context"
	"io"

	"github.com/hons82/go-tcp-tunnel/log"
	"github.com/hons82/go-tcp-tunnel/transport"
)

// forwarder runs relays of client and server and keeps track of them.
type forwarder struct {
	accounting *Accounting
	metrics    *Metrics
	policy     RelayPolicy
}

func newForwarder(accounting *Accounting, metrics *Metrics, policy RelayPolicy) *forwarder {
	if accounting == nil {
		accounting = NewAccounting(metrics.activeGauge())
	}
	return &forwarder{
		accounting: accounting,
		metrics:    metrics,
		policy:     policy,
	}
}

// forward relays local and remote until policy is satisfied, both are closed
// on return. It's counted as active for the whole relay.
func (f *forwarder) forward(ctx context.Context, local, remote io.ReadWriteCloser, logger log.Logger) RelayResult {
	var res RelayResult

	logger.Log(
		"level", 1,
		"action", "forward start",
		"count", f.accounting.Inc(),
	)
	defer func() {
		count := f.accounting.Dec()
		f.metrics.relayed(res)

		switch {
		case res.Err == nil || isClosedErr(res.Err):
			logger.Log(
				"level", 1,
				"action", "forward end",
				"count", count,
				"sent", res.Sent,
				"received", res.Received,
			)
		case transport.IsAborted(res.Err):
			logger.Log(
				"level", 1,
				"action", "forward aborted",
				"count", count,
				"sent", res.Sent,
				"received", res.Received,
				"err", res.Err,
			)
		default:
			logger.Log(
				"level", 1,
				"msg", "relay error",
				"count", count,
				"sent", res.Sent,
				"received", res.Received,
				"err", res.Err,
			)
		}
	}()

	res = Relay(ctx, local, remote, f.policy)

	return res
}
