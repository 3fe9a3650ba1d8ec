// Copyright (C) 2017 Michał Matczuk
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package tunnel

import "time"

var (
	// DefaultTimeout specifies a general purpose timeout.
	DefaultTimeout = 10 * time.Second
	// DefaultDialTimeout bounds dialing of a destination by server.
	DefaultDialTimeout = DefaultTimeout
	// DefaultHeaderTimeout bounds reading of forward header by server.
	DefaultHeaderTimeout = DefaultTimeout
	// DefaultStreamOpenTimeout bounds opening of a stream by client.
	DefaultStreamOpenTimeout = DefaultTimeout
	// DefaultListenHost is the host client binds inner ports on.
	DefaultListenHost = "0.0.0.0"
)
