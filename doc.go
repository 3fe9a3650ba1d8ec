// Copyright (C) 2017 Michał Matczuk
// Use of this source code is governed by an AGPL-style
// license that can be found in the LICENSE file.

// Package tunnel is a client/server package that forwards local TCP ports to
// destinations reachable from a remote server. Client listens on inner ports
// and opens one stream per accepted connection over a single encrypted
// multiplexed session. Every stream starts with a 6 byte forward header
// naming the outer destination, server dials it and relays bytes in both
// directions.
package tunnel
