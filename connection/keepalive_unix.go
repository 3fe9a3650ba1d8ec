// Copyright (C) 2017 Michał Matczuk
// Use of this source code is governed by an AGPL-style
// license that can be found in the LICENSE file.

//go:build !windows

package connection

import (
	"net"

	"github.com/felixge/tcpkeepalive"
)

func keepAlive(conn net.Conn, k *KeepAliveConfig) error {
	return tcpkeepalive.SetKeepAlive(conn, k.IdleTime, k.Count, k.Interval)
}
