// Copyright (C) 2017 Michał Matczuk
// Use of this source code is governed by an AGPL-style
// license that can be found in the LICENSE file.

package connection

import (
	"fmt"
	"net"
	"time"
)

// Default TCP keepalive configuration for forwarded connections.
const (
	// DefaultKeepAliveIdleTime specifies how long connection can be idle
	// before sending keepalive message.
	DefaultKeepAliveIdleTime = 15 * time.Minute
	// DefaultKeepAliveCount specifies maximal number of keepalive messages
	// sent before marking connection as dead.
	DefaultKeepAliveCount = 8
	// DefaultKeepAliveInterval specifies how often retry sending keepalive
	// messages when no response is received.
	DefaultKeepAliveInterval = 5 * time.Second
)

// KeepAliveConfig defines if and how TCP keepalive packets are sent on
// forwarded connections.
type KeepAliveConfig struct {
	IdleTime time.Duration `yaml:"idle_time"`
	Count    int           `yaml:"count"`
	Interval time.Duration `yaml:"interval"`
}

func NewDefaultKeepAliveConfig() *KeepAliveConfig {
	return &KeepAliveConfig{
		IdleTime: DefaultKeepAliveIdleTime,
		Count:    DefaultKeepAliveCount,
		Interval: DefaultKeepAliveInterval,
	}
}

// Set enables keepalive on conn, conn must be a *net.TCPConn.
func (k *KeepAliveConfig) Set(conn net.Conn) error {
	if _, ok := conn.(*net.TCPConn); !ok {
		return fmt.Errorf("bad connection type: %T", conn)
	}
	return keepAlive(conn, k)
}

func (k *KeepAliveConfig) String() string {
	return fmt.Sprintf("KeepAlive { idle: %v, count: %d, interval: %v }", k.IdleTime, k.Count, k.Interval)
}

// SetDefaultKeepAlive enables keepalive with default configuration.
func SetDefaultKeepAlive(conn net.Conn) error {
	return NewDefaultKeepAliveConfig().Set(conn)
}
