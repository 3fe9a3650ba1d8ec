// Copyright (C) 2017 Michał Matczuk
// Use of this source code is governed by an AGPL-style
// license that can be found in the LICENSE file.

package transport

import (
	"context"
	"crypto/tls"
	"net"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/quic-go/quic-go"
)

// Application error codes sent when aborting QUIC connections and streams.
const (
	quicNoError quic.ApplicationErrorCode = 0
	quicAborted quic.StreamErrorCode      = 1
)

func quicConfig(c *Config) *quic.Config {
	return &quic.Config{
		HandshakeIdleTimeout: c.HandshakeTimeout,
		MaxIdleTimeout:       c.MaxIdleTimeout,
		KeepAlivePeriod:      c.KeepAlivePeriod,
		MaxIncomingStreams:   int64(c.MaxIncomingStreams),
	}
}

type quicListener struct {
	l *quic.Listener
}

func listenQUIC(addr string, tlsConfig *tls.Config, config *Config) (Listener, error) {
	l, err := quic.ListenAddr(addr, tlsConfig, quicConfig(config))
	if err != nil {
		return nil, errors.Wrapf(err, "quic listen on %s", addr)
	}
	return &quicListener{l: l}, nil
}

func (l *quicListener) Accept(ctx context.Context) (Session, error) {
	conn, err := l.l.Accept(ctx)
	if err != nil {
		if errors.Is(err, quic.ErrServerClosed) {
			return nil, net.ErrClosed
		}
		return nil, err
	}
	return &quicSession{conn: conn}, nil
}

func (l *quicListener) Addr() net.Addr {
	return l.l.Addr()
}

func (l *quicListener) Close() error {
	return l.l.Close()
}

type quicDialer struct {
	tlsConfig *tls.Config
	config    *Config
}

func (d *quicDialer) Dial(ctx context.Context, addr string) (Session, error) {
	conn, err := quic.DialAddr(ctx, addr, d.tlsConfig, quicConfig(d.config))
	if err != nil {
		return nil, errors.Wrapf(err, "quic dial %s", addr)
	}
	return &quicSession{conn: conn}, nil
}

type quicSession struct {
	conn quic.Connection
}

func (s *quicSession) OpenStream(ctx context.Context) (Stream, error) {
	st, err := s.conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, err
	}
	return &quicStream{Stream: st}, nil
}

func (s *quicSession) AcceptStream(ctx context.Context) (Stream, error) {
	st, err := s.conn.AcceptStream(ctx)
	if err != nil {
		return nil, err
	}
	return &quicStream{Stream: st}, nil
}

func (s *quicSession) RemoteAddr() net.Addr {
	return s.conn.RemoteAddr()
}

func (s *quicSession) Done() <-chan struct{} {
	return s.conn.Context().Done()
}

func (s *quicSession) Close() error {
	return s.conn.CloseWithError(quicNoError, "")
}

// quicStream maps QUIC stream semantics, where Close only ends the send
// direction, to Stream.
type quicStream struct {
	quic.Stream
	writeClosed atomic.Bool
}

func (s *quicStream) CloseWrite() error {
	s.writeClosed.Store(true)
	return s.Stream.Close()
}

func (s *quicStream) Close() error {
	s.Stream.CancelRead(quicAborted)
	if s.writeClosed.Load() {
		return nil
	}
	// Cancelling after a FIN would drop data not yet acknowledged by peer.
	s.Stream.CancelWrite(quicAborted)
	return nil
}
