// Copyright (C) 2017 Michał Matczuk
// Use of this source code is governed by an AGPL-style
// license that can be found in the LICENSE file.

package transport

import (
	"github.com/libp2p/go-yamux/v4"
	"github.com/pkg/errors"
	"github.com/quic-go/quic-go"
)

// IsAborted reports whether err comes from a stream or session that was
// aborted, by Stream.Close on either end or by the session going away.
func IsAborted(err error) bool {
	if err == nil {
		return false
	}

	var streamErr *quic.StreamError
	if errors.As(err, &streamErr) {
		return true
	}
	var appErr *quic.ApplicationError
	if errors.As(err, &appErr) {
		return true
	}

	return errors.Is(err, yamux.ErrStreamReset) ||
		errors.Is(err, yamux.ErrStreamClosed) ||
		errors.Is(err, yamux.ErrSessionShutdown)
}
