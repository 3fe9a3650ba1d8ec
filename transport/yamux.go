// Copyright (C) 2017 Michał Matczuk
// Use of this source code is governed by an AGPL-style
// license that can be found in the LICENSE file.

package transport

import (
	"context"
	"crypto/tls"
	"io"
	"net"
	"sync"
	"time"

	"github.com/libp2p/go-yamux/v4"
	"github.com/pkg/errors"
)

// acceptRetryDelay is the pause after a failed TCP accept, it keeps the
// listener alive through temporary errors like EMFILE without spinning.
var acceptRetryDelay = 50 * time.Millisecond

func yamuxConfig(c *Config) *yamux.Config {
	cfg := yamux.DefaultConfig()
	cfg.KeepAliveInterval = c.KeepAlivePeriod
	cfg.AcceptBacklog = c.MaxIncomingStreams
	cfg.MaxIncomingStreams = uint32(c.MaxIncomingStreams)
	cfg.LogOutput = io.Discard
	return cfg
}

type yamuxListener struct {
	l        net.Listener
	config   *Config
	sessions chan *yamuxSession
	errs     chan error
	closing  chan struct{}
	once     sync.Once
}

// listenYamux listens for TLS over TCP. Handshakes run concurrently, so that
// a slow peer does not hold back other sessions.
func listenYamux(addr string, tlsConfig *tls.Config, config *Config) (Listener, error) {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "yamux listen on %s", addr)
	}
	return newYamuxListener(l, tlsConfig, config), nil
}

func newYamuxListener(l net.Listener, tlsConfig *tls.Config, config *Config) *yamuxListener {
	yl := &yamuxListener{
		l:        l,
		config:   config,
		sessions: make(chan *yamuxSession),
		errs:     make(chan error, 1),
		closing:  make(chan struct{}),
	}
	go yl.serve(tlsConfig)
	return yl
}

func (l *yamuxListener) serve(tlsConfig *tls.Config) {
	for {
		conn, err := l.l.Accept()
		if err != nil {
			select {
			case <-l.closing:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				select {
				case l.errs <- err:
				case <-l.closing:
				}
				return
			}

			// report without blocking, a pending error is enough
			select {
			case l.errs <- err:
			default:
			}
			select {
			case <-time.After(acceptRetryDelay):
			case <-l.closing:
				return
			}
			continue
		}
		go l.handshake(tls.Server(conn, tlsConfig))
	}
}

func (l *yamuxListener) handshake(conn *tls.Conn) {
	ctx, cancel := context.WithTimeout(context.Background(), l.config.HandshakeTimeout)
	defer cancel()

	if err := conn.HandshakeContext(ctx); err != nil {
		conn.Close()
		return
	}

	sess, err := yamux.Server(conn, yamuxConfig(l.config), nil)
	if err != nil {
		conn.Close()
		return
	}

	select {
	case l.sessions <- &yamuxSession{sess: sess}:
	case <-l.closing:
		sess.Close()
	}
}

func (l *yamuxListener) Accept(ctx context.Context) (Session, error) {
	select {
	case s := <-l.sessions:
		return s, nil
	case err := <-l.errs:
		return nil, err
	case <-l.closing:
		return nil, net.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *yamuxListener) Addr() net.Addr {
	return l.l.Addr()
}

func (l *yamuxListener) Close() error {
	var err error
	l.once.Do(func() {
		close(l.closing)
		err = l.l.Close()
	})
	return err
}

type yamuxDialer struct {
	tlsConfig *tls.Config
	config    *Config
}

func (d *yamuxDialer) Dial(ctx context.Context, addr string) (Session, error) {
	ctx, cancel := context.WithTimeout(ctx, d.config.HandshakeTimeout)
	defer cancel()

	td := &tls.Dialer{
		NetDialer: &net.Dialer{KeepAlive: d.config.KeepAlivePeriod},
		Config:    d.tlsConfig,
	}
	conn, err := td.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "yamux dial %s", addr)
	}

	sess, err := yamux.Client(conn, yamuxConfig(d.config), nil)
	if err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "yamux client")
	}

	return &yamuxSession{sess: sess}, nil
}

type yamuxSession struct {
	sess *yamux.Session
}

func (s *yamuxSession) OpenStream(ctx context.Context) (Stream, error) {
	st, err := s.sess.OpenStream(ctx)
	if err != nil {
		return nil, err
	}
	return &yamuxStream{Stream: st}, nil
}

type yamuxAccept struct {
	st  *yamux.Stream
	err error
}

func (s *yamuxSession) AcceptStream(ctx context.Context) (Stream, error) {
	ch := make(chan yamuxAccept, 1)
	go func() {
		st, err := s.sess.AcceptStream()
		ch <- yamuxAccept{st, err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			return nil, r.err
		}
		return &yamuxStream{Stream: r.st}, nil
	case <-ctx.Done():
		// a stream accepted after cancellation is refused
		go func() {
			if r := <-ch; r.st != nil {
				r.st.Reset()
			}
		}()
		return nil, ctx.Err()
	}
}

func (s *yamuxSession) RemoteAddr() net.Addr {
	return s.sess.RemoteAddr()
}

func (s *yamuxSession) Done() <-chan struct{} {
	return s.sess.CloseChan()
}

func (s *yamuxSession) Close() error {
	return s.sess.Close()
}

// yamuxStream maps yamux stream, where Close is a graceful close of both
// directions, to Stream.
type yamuxStream struct {
	*yamux.Stream
}

// Close resets directions still open, the peer reads yamux.ErrStreamReset.
// Data sent before CloseWrite is still delivered.
func (s *yamuxStream) Close() error {
	return s.Stream.Reset()
}
