// Copyright (C) 2017 Michał Matczuk
// Use of this source code is governed by an AGPL-style
// license that can be found in the LICENSE file.

package tunnel

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/hons82/go-tcp-tunnel/connection"
	"github.com/hons82/go-tcp-tunnel/log"
	"github.com/hons82/go-tcp-tunnel/proto"
	"github.com/hons82/go-tcp-tunnel/transport"
)

// DialFunc dials a destination of a forwarded connection.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// ServerConfig defines configuration for the Server.
type ServerConfig struct {
	// Addr is UDP (QUIC) or TCP (yamux) address to listen for client
	// sessions.
	Addr string
	// TLSConfig specifies the tls configuration of the transport.
	TLSConfig *tls.Config
	// Transport is the transport name, proto.QUIC or proto.YAMUX. If empty
	// proto.QUIC is used.
	Transport string
	// TransportConfig tunes the transport, if nil defaults are used.
	TransportConfig *transport.Config
	// Listener specifies optional listener for client sessions. If nil
	// transport.Listen(Transport, Addr, TLSConfig, TransportConfig) is used.
	Listener transport.Listener
	// HeaderTimeout bounds reading of forward header, if 0
	// DefaultHeaderTimeout is used.
	HeaderTimeout time.Duration
	// DialTimeout bounds dialing of a destination, if 0 DefaultDialTimeout
	// is used.
	DialTimeout time.Duration
	// Dial specifies optional dial function for destinations.
	Dial DialFunc
	// RelayPolicy specifies when relay of a connection ends.
	RelayPolicy RelayPolicy
	// KeepAlive specifies TCP keepalive of destination connections, if nil
	// connection.NewDefaultKeepAliveConfig is used.
	KeepAlive *connection.KeepAliveConfig
	// Accounting is optional counter of active forwards.
	Accounting *Accounting
	// Metrics is optional, if nil metrics are not recorded.
	Metrics *Metrics
	// Logger is optional logger. If nil logging is disabled.
	Logger log.Logger
}

// Server accepts client sessions and forwards every stream to the
// destination named in its forward header.
type Server struct {
	*registry
	config *ServerConfig

	listener transport.Listener
	fwd      *forwarder
	logger   log.Logger

	ctx      context.Context
	cancel   context.CancelFunc
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewServer creates a new Server, the listener is bound immediately.
func NewServer(config *ServerConfig) (*Server, error) {
	listener, err := listener(config)
	if err != nil {
		return nil, fmt.Errorf("listener failed: %w", err)
	}

	logger := config.Logger
	if logger == nil {
		logger = log.NewNopLogger()
	}

	cfg := *config
	if cfg.HeaderTimeout == 0 {
		cfg.HeaderTimeout = DefaultHeaderTimeout
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.KeepAlive == nil {
		cfg.KeepAlive = connection.NewDefaultKeepAliveConfig()
	}
	if cfg.Dial == nil {
		d := &net.Dialer{}
		cfg.Dial = d.DialContext
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Server{
		registry: newRegistry(logger),
		config:   &cfg,
		listener: listener,
		fwd:      newForwarder(cfg.Accounting, cfg.Metrics, cfg.RelayPolicy),
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

func listener(config *ServerConfig) (transport.Listener, error) {
	if config.Listener != nil {
		return config.Listener, nil
	}

	if config.Addr == "" {
		return nil, errMissingAddr
	}
	if config.TLSConfig == nil {
		return nil, errMissingTLSConfig
	}

	t := config.Transport
	if t == "" {
		t = proto.QUIC
	}

	l, err := transport.Listen(t, config.Addr, config.TLSConfig, config.TransportConfig)
	if err != nil {
		config.Metrics.error(errTypeBind)
		return nil, fmt.Errorf("%w: %w", ErrBind, err)
	}
	return l, nil
}

// Accounting returns counter of active forwards.
func (s *Server) Accounting() *Accounting {
	return s.fwd.accounting
}

// Start accepts sessions until ctx is done or Stop is called. It returns
// once all sessions and forwarded connections are closed.
func (s *Server) Start(ctx context.Context) {
	addr := s.Addr()

	s.logger.Log(
		"level", 1,
		"action", "start",
		"addr", addr,
	)

	go func() {
		select {
		case <-ctx.Done():
			s.Stop()
		case <-s.ctx.Done():
		}
	}()

	for {
		sess, err := s.listener.Accept(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				s.logger.Log(
					"level", 1,
					"action", "session listener closed",
					"addr", addr,
				)
				break
			}

			s.config.Metrics.error(errTypeAccept)
			s.logger.Log(
				"level", 0,
				"msg", "accept of session failed",
				"addr", addr,
				"err", err,
			)
			select {
			case <-time.After(acceptRetryDelay):
			case <-s.ctx.Done():
			}
			continue
		}

		s.wg.Add(1)
		go s.handleSession(sess)
	}

	s.wg.Wait()
}

func (s *Server) handleSession(sess transport.Session) {
	defer s.wg.Done()

	logger := log.NewContext(s.logger).With("session", sess.RemoteAddr())

	item := s.registry.add(sess)
	if item == nil {
		sess.Close()
		return
	}
	s.config.Metrics.sessionOpened()

	logger.Log(
		"level", 1,
		"action", "connected",
	)

	for {
		stream, err := sess.AcceptStream(s.ctx)
		if err != nil {
			if s.ctx.Err() == nil && !transport.IsClosed(sess) {
				s.config.Metrics.error(errTypeStreamAccept)
				logger.Log(
					"level", 0,
					"msg", "stream accept failed",
					"err", fmt.Errorf("%w: %w", ErrStreamAccept, err),
				)
			}
			break
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			item.streams.Add(1)
			defer item.streams.Add(-1)
			s.handleStream(stream, logger)
		}()
	}

	// A live session stays registered until Stop, its streams are not
	// interrupted.
	if transport.IsClosed(sess) && s.registry.remove(sess) {
		s.config.Metrics.sessionClosed()
	}

	logger.Log(
		"level", 1,
		"action", "disconnected",
	)
}

// handleStream reads forward header, dials the destination and relays.
func (s *Server) handleStream(stream transport.Stream, logger *log.Context) {
	stream.SetReadDeadline(time.Now().Add(s.config.HeaderTimeout))
	h, err := proto.ReadForwardHeader(stream)
	if err != nil {
		s.config.Metrics.error(errTypeHeader)
		logger.Log(
			"level", 1,
			"msg", "header read failed",
			"err", err,
		)
		stream.Close()
		return
	}
	stream.SetReadDeadline(time.Time{})

	dst := h.String()
	logger = logger.With("dst", dst)

	ctx, cancel := context.WithTimeout(s.ctx, s.config.DialTimeout)
	conn, err := s.config.Dial(ctx, "tcp", dst)
	cancel()
	if err != nil {
		s.config.Metrics.error(errTypeDial)
		logger.Log(
			"level", 0,
			"msg", "dial failed",
			"err", fmt.Errorf("%w: %w", ErrDial, err),
		)
		stream.Close()
		return
	}

	if err := s.config.KeepAlive.Set(conn); err != nil {
		logger.Log(
			"level", 1,
			"msg", "TCP keepalive for tunneled connection failed",
			"err", err,
		)
	}

	s.fwd.forward(s.ctx, stream, conn, logger)
}

// Addr returns network address clients connect to.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop closes the listener and all sessions, forwarded connections are torn
// down.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		s.logger.Log(
			"level", 1,
			"action", "stop",
		)

		s.cancel()
		s.listener.Close()
		for i := s.registry.closeAll(); i > 0; i-- {
			s.config.Metrics.sessionClosed()
		}
	})
}
