// Copyright (C) 2017 Michał Matczuk
// Use of this source code is governed by an AGPL-style
// license that can be found in the LICENSE file.

// Package transport provides encrypted multiplexed sessions between tunnel
// client and server. A Session carries many independent Streams, one per
// forwarded connection. Two implementations are available, QUIC and yamux
// over TLS, both selected by name.
package transport

import (
	"context"
	"crypto/tls"
	"io"
	"net"
	"time"

	"github.com/pkg/errors"

	"github.com/hons82/go-tcp-tunnel/proto"
)

// ErrUnknownTransport is returned for transport names other than proto.QUIC
// and proto.YAMUX.
var ErrUnknownTransport = errors.New("unknown transport")

// Stream is an ordered bidirectional byte stream within a Session.
type Stream interface {
	io.Reader
	io.Writer

	// CloseWrite closes the write direction only, the peer reads io.EOF
	// once it drained the data written so far. Reading is still possible.
	CloseWrite() error
	// Close releases the stream aborting any direction that is still open.
	Close() error
	// SetReadDeadline sets the deadline for future and pending Read calls.
	SetReadDeadline(t time.Time) error
}

// Session is a single encrypted connection multiplexing Streams. It's safe
// for concurrent use, any number of goroutines may open or accept streams.
type Session interface {
	// OpenStream opens a new stream to the peer.
	OpenStream(ctx context.Context) (Stream, error)
	// AcceptStream waits for the next stream opened by the peer.
	AcceptStream(ctx context.Context) (Stream, error)
	// RemoteAddr returns address of the peer.
	RemoteAddr() net.Addr
	// Done is closed when the session is gone.
	Done() <-chan struct{}
	// Close closes the session and all of its streams.
	Close() error
}

// Listener accepts Sessions, Accept returns only sessions that completed the
// handshake.
type Listener interface {
	Accept(ctx context.Context) (Session, error)
	Addr() net.Addr
	Close() error
}

// Dialer establishes Sessions.
type Dialer interface {
	Dial(ctx context.Context, addr string) (Session, error)
}

// Default configuration values.
const (
	DefaultKeepAlivePeriod    = 10 * time.Second
	DefaultMaxIdleTimeout     = 30 * time.Second
	DefaultHandshakeTimeout   = 10 * time.Second
	DefaultMaxIncomingStreams = 1024
)

// Config tunes a transport, zero values are replaced by defaults.
type Config struct {
	// KeepAlivePeriod specifies how often a keepalive is sent on an idle
	// session.
	KeepAlivePeriod time.Duration
	// MaxIdleTimeout specifies after what time of inactivity session is
	// considered dead.
	MaxIdleTimeout time.Duration
	// HandshakeTimeout bounds session establishment.
	HandshakeTimeout time.Duration
	// MaxIncomingStreams limits concurrently open streams a peer may open.
	MaxIncomingStreams int
}

func (c *Config) withDefaults() *Config {
	cfg := Config{}
	if c != nil {
		cfg = *c
	}
	if cfg.KeepAlivePeriod <= 0 {
		cfg.KeepAlivePeriod = DefaultKeepAlivePeriod
	}
	if cfg.MaxIdleTimeout <= 0 {
		cfg.MaxIdleTimeout = DefaultMaxIdleTimeout
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if cfg.MaxIncomingStreams <= 0 {
		cfg.MaxIncomingStreams = DefaultMaxIncomingStreams
	}
	return &cfg
}

// Listen announces on addr using transport kind.
func Listen(kind, addr string, tlsConfig *tls.Config, config *Config) (Listener, error) {
	if tlsConfig == nil {
		return nil, errors.New("missing TLS config")
	}
	tlsConfig = withNextProto(tlsConfig, kind)

	switch kind {
	case proto.QUIC:
		return listenQUIC(addr, tlsConfig, config.withDefaults())
	case proto.YAMUX:
		return listenYamux(addr, tlsConfig, config.withDefaults())
	default:
		return nil, errors.Wrap(ErrUnknownTransport, kind)
	}
}

// NewDialer returns Dialer for transport kind.
func NewDialer(kind string, tlsConfig *tls.Config, config *Config) (Dialer, error) {
	if tlsConfig == nil {
		return nil, errors.New("missing TLS config")
	}
	tlsConfig = withNextProto(tlsConfig, kind)

	switch kind {
	case proto.QUIC:
		return &quicDialer{tlsConfig: tlsConfig, config: config.withDefaults()}, nil
	case proto.YAMUX:
		return &yamuxDialer{tlsConfig: tlsConfig, config: config.withDefaults()}, nil
	default:
		return nil, errors.Wrap(ErrUnknownTransport, kind)
	}
}

func withNextProto(c *tls.Config, kind string) *tls.Config {
	c = c.Clone()
	if len(c.NextProtos) == 0 {
		if p := proto.NextProto(kind); p != "" {
			c.NextProtos = []string{p}
		}
	}
	return c
}

// IsClosed reports whether session s is gone.
func IsClosed(s Session) bool {
	select {
	case <-s.Done():
		return true
	default:
		return false
	}
}
