// Copyright (C) 2017 Michał Matczuk
// Use of this source code is governed by an AGPL-style
// license that can be found in the LICENSE file.

package connection

import (
	"net"
)

// Windows does not allow to set the keepalive count, only idle time is honoured.
func keepAlive(conn net.Conn, k *KeepAliveConfig) error {
	c := conn.(*net.TCPConn)

	if err := c.SetKeepAlive(true); err != nil {
		return err
	}
	return c.SetKeepAlivePeriod(k.IdleTime)
}
