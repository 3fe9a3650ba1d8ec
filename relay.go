// Copyright (C) 2017 Michał Matczuk
// Use of this source code is governed by an AGPL-style
// license that can be found in the LICENSE file.

package tunnel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/hons82/go-tcp-tunnel/transport"
)

// RelayPolicy decides when Relay returns.
type RelayPolicy int

const (
	// WaitBoth returns once both directions reached end of stream. End of
	// stream in one direction is propagated as a half close, so the other
	// direction keeps draining. An error in either direction tears down both
	// legs immediately.
	WaitBoth RelayPolicy = iota
	// Race returns as soon as either direction finishes, the other direction
	// is abandoned.
	Race
)

func (p RelayPolicy) String() string {
	switch p {
	case WaitBoth:
		return "wait-both"
	case Race:
		return "race"
	default:
		return fmt.Sprintf("RelayPolicy(%d)", int(p))
	}
}

// ParseRelayPolicy parses RelayPolicy name, empty string is WaitBoth.
func ParseRelayPolicy(s string) (RelayPolicy, error) {
	switch s {
	case "", "wait-both":
		return WaitBoth, nil
	case "race":
		return Race, nil
	default:
		return WaitBoth, fmt.Errorf("unknown relay policy %q", s)
	}
}

// RelayResult describes a finished relay.
type RelayResult struct {
	// Sent is the number of bytes copied from a to b.
	Sent int64
	// Received is the number of bytes copied from b to a.
	Received int64
	// Err is the first error of either direction, nil if both directions
	// ended with end of stream.
	Err error
}

type closeWriter interface {
	CloseWrite() error
}

type copyResult struct {
	n    int64
	err  error
	sent bool
	// eof is set when src ended cleanly but dst could not be half closed,
	// the relay has to end so that the peer of dst sees the close.
	eof bool
}

var bufferPool = sync.Pool{
	New: func() interface{} {
		b := make([]byte, 32*1024)
		return &b
	},
}

// Relay copies bytes between a and b in both directions until policy is
// satisfied, an error occurs or ctx is done. On return both a and b are
// closed and both copying goroutines have exited.
func Relay(ctx context.Context, a, b io.ReadWriteCloser, policy RelayPolicy) RelayResult {
	results := make(chan copyResult, 2)
	go pipe(b, a, true, results)
	go pipe(a, b, false, results)

	var (
		res      RelayResult
		once     sync.Once
		tornDown bool
	)
	teardown := func() {
		tornDown = true
		once.Do(func() {
			a.Close()
			b.Close()
		})
	}

	done := ctx.Done()
	for pending := 2; pending > 0; {
		select {
		case r := <-results:
			pending--
			if r.sent {
				res.Sent = r.n
			} else {
				res.Received = r.n
			}
			// the abandoned direction of a clean teardown fails with
			// a closed error, it's not a relay failure
			if r.err != nil && res.Err == nil && !(tornDown && isTeardownErr(r.err)) {
				res.Err = r.err
			}
			if r.err != nil || r.eof || policy == Race {
				teardown()
			}
		case <-done:
			if res.Err == nil {
				res.Err = ctx.Err()
			}
			done = nil
			teardown()
		}
	}
	teardown()

	return res
}

// pipe copies src to dst and half closes dst on end of stream. If dst
// can't be half closed the result asks for a full teardown.
func pipe(dst, src io.ReadWriteCloser, sent bool, results chan<- copyResult) {
	buf := bufferPool.Get().(*[]byte)
	defer bufferPool.Put(buf)

	n, err := io.CopyBuffer(dst, src, *buf)
	eof := false
	if err == nil {
		if cw, ok := dst.(closeWriter); ok {
			err = cw.CloseWrite()
		} else {
			eof = true
		}
	}

	results <- copyResult{n: n, err: err, sent: sent, eof: eof}
}

// isClosedErr reports errors caused by closing a leg locally during
// teardown.
func isClosedErr(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, net.ErrClosed) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, context.Canceled)
}

// isTeardownErr reports errors a leg returns once it was closed by Relay,
// locally closed sockets and locally aborted streams alike.
func isTeardownErr(err error) bool {
	return isClosedErr(err) || transport.IsAborted(err)
}
