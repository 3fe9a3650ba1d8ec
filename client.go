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
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/hons82/go-tcp-tunnel/connection"
	"github.com/hons82/go-tcp-tunnel/log"
	"github.com/hons82/go-tcp-tunnel/proto"
	"github.com/hons82/go-tcp-tunnel/transport"
)

// acceptRetryDelay is a pause after a failed accept of a local connection.
const acceptRetryDelay = 50 * time.Millisecond

// ClientConfig is configuration of the Client.
type ClientConfig struct {
	// ServerAddr specifies address of the tunnel server.
	ServerAddr string
	// TLSClientConfig specifies the tls configuration to use with the
	// transport, RootCAs should hold the server certificate.
	TLSClientConfig *tls.Config
	// Transport is the transport name, proto.QUIC or proto.YAMUX. If empty
	// proto.QUIC is used.
	Transport string
	// TransportConfig tunes the transport, if nil defaults are used.
	TransportConfig *transport.Config
	// Dialer specifies optional session dialer, if set Transport,
	// TransportConfig and TLSClientConfig are ignored.
	Dialer transport.Dialer
	// Mappings specifies local ports and their destinations.
	Mappings []*Mapping
	// ListenHost is the host mappings are bound on, if empty
	// DefaultListenHost is used.
	ListenHost string
	// MaxConns limits number of concurrently forwarded connections per
	// mapping, further connections wait in the listen backlog. If 0 there
	// is no limit.
	MaxConns int
	// Backoff specifies backoff policy on session establishment, if nil
	// connection.NewDefaultBackoffConfig is used.
	Backoff connection.Backoff
	// StreamOpenTimeout bounds opening of a stream, if 0
	// DefaultStreamOpenTimeout is used.
	StreamOpenTimeout time.Duration
	// RelayPolicy specifies when relay of a connection ends.
	RelayPolicy RelayPolicy
	// KeepAlive specifies TCP keepalive of local connections, if nil
	// connection.NewDefaultKeepAliveConfig is used.
	KeepAlive *connection.KeepAliveConfig
	// Accounting is optional counter of active forwards.
	Accounting *Accounting
	// Metrics is optional, if nil metrics are not recorded.
	Metrics *Metrics
	// Logger is optional logger. If nil logging is disabled.
	Logger log.Logger
}

type mappingListener struct {
	net.Listener
	mapping *Mapping
	header  []byte
	// sem limits concurrently handled connections, nil if unlimited.
	sem *semaphore.Weighted
}

// Client listens on local ports of all mappings and forwards accepted
// connections over a single transport session to the server.
type Client struct {
	config *ClientConfig
	dialer transport.Dialer
	fwd    *forwarder
	logger log.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	listeners  []*mappingListener
	sess       transport.Session
	connecting chan struct{}
	connectErr error
	stopped    bool

	wg sync.WaitGroup
}

// NewClient creates a new unconnected Client, the session is established
// lazily on first forwarded connection.
func NewClient(config *ClientConfig) (*Client, error) {
	if config.ServerAddr == "" {
		return nil, errMissingServerAddr
	}
	if err := ValidateMappings(config.Mappings); err != nil {
		return nil, err
	}

	dialer := config.Dialer
	if dialer == nil {
		if config.TLSClientConfig == nil {
			return nil, errMissingTLSConfig
		}
		t := config.Transport
		if t == "" {
			t = proto.QUIC
		}
		d, err := transport.NewDialer(t, config.TLSClientConfig, config.TransportConfig)
		if err != nil {
			return nil, err
		}
		dialer = d
	}

	cfg := *config
	if cfg.Backoff == nil {
		cfg.Backoff = connection.NewDefaultBackoffConfig().ExponentialBackOff()
	}
	if cfg.StreamOpenTimeout == 0 {
		cfg.StreamOpenTimeout = DefaultStreamOpenTimeout
	}
	if cfg.ListenHost == "" {
		cfg.ListenHost = DefaultListenHost
	}
	if cfg.KeepAlive == nil {
		cfg.KeepAlive = connection.NewDefaultKeepAliveConfig()
	}

	logger := cfg.Logger
	if logger == nil {
		logger = log.NewNopLogger()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Client{
		config: &cfg,
		dialer: dialer,
		fwd:    newForwarder(cfg.Accounting, cfg.Metrics, cfg.RelayPolicy),
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// Accounting returns counter of active forwards.
func (c *Client) Accounting() *Accounting {
	return c.fwd.accounting
}

// Listen binds local ports of all mappings. A mapping that cannot be bound
// is logged and skipped, error is returned only if no mapping could be
// bound.
func (c *Client) Listen() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped {
		return context.Canceled
	}
	if c.listeners != nil {
		return nil
	}

	var listeners []*mappingListener
	for _, m := range c.config.Mappings {
		header, err := m.Header()
		if err != nil {
			return fmt.Errorf("mapping %s: %w", m, err)
		}

		addr := net.JoinHostPort(c.config.ListenHost, strconv.Itoa(int(m.InnerPort)))
		l, err := net.Listen("tcp", addr)
		if err != nil {
			c.config.Metrics.error(errTypeBind)
			c.logger.Log(
				"level", 0,
				"msg", "bind failed",
				"mapping", m,
				"err", fmt.Errorf("%w: %w", ErrBind, err),
			)
			continue
		}

		c.logger.Log(
			"level", 1,
			"action", "listen",
			"mapping", m,
			"addr", l.Addr(),
		)

		ml := &mappingListener{
			Listener: l,
			mapping:  m,
			header:   header,
		}
		if c.config.MaxConns > 0 {
			ml.sem = semaphore.NewWeighted(int64(c.config.MaxConns))
		}
		listeners = append(listeners, ml)
	}

	if len(listeners) == 0 {
		return fmt.Errorf("%w: no mapping could be bound", ErrBind)
	}
	c.listeners = listeners

	return nil
}

// Addrs returns addresses of bound mappings in order of mappings.
func (c *Client) Addrs() []net.Addr {
	c.mu.Lock()
	defer c.mu.Unlock()

	addrs := make([]net.Addr, len(c.listeners))
	for i, l := range c.listeners {
		addrs[i] = l.Addr()
	}
	return addrs
}

// Start binds mappings if not bound already and forwards connections until
// ctx is done or Stop is called. It returns once all listeners and
// forwarded connections are closed.
func (c *Client) Start(ctx context.Context) error {
	if err := c.Listen(); err != nil {
		return err
	}

	c.logger.Log(
		"level", 1,
		"action", "start",
		"server", c.config.ServerAddr,
		"mappings", len(c.config.Mappings),
	)

	go func() {
		select {
		case <-ctx.Done():
			c.Stop()
		case <-c.ctx.Done():
		}
	}()

	c.mu.Lock()
	listeners := c.listeners
	c.mu.Unlock()

	for _, l := range listeners {
		c.wg.Add(1)
		go c.serve(l)
	}
	c.wg.Wait()

	return nil
}

func (c *Client) serve(l *mappingListener) {
	defer c.wg.Done()

	addr := l.Addr().String()
	closed := func() {
		c.logger.Log(
			"level", 1,
			"action", "listener closed",
			"mapping", l.mapping,
			"addr", addr,
		)
	}

	for {
		// Connections over the limit wait in the accept queue, accepted
		// ones are plain TCP connections so half close works.
		if l.sem != nil {
			if err := l.sem.Acquire(c.ctx, 1); err != nil {
				closed()
				return
			}
		}

		conn, err := l.Accept()
		if err != nil {
			if l.sem != nil {
				l.sem.Release(1)
			}
			if c.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				closed()
				return
			}

			c.logger.Log(
				"level", 0,
				"msg", "accept of connection failed",
				"mapping", l.mapping,
				"addr", addr,
				"err", err,
			)
			select {
			case <-time.After(acceptRetryDelay):
			case <-c.ctx.Done():
			}
			continue
		}

		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			if l.sem != nil {
				defer l.sem.Release(1)
			}
			c.handleConn(conn, l)
		}()
	}
}

func (c *Client) handleConn(conn net.Conn, l *mappingListener) {
	logger := log.NewContext(c.logger).With(
		"src", conn.RemoteAddr(),
		"dst", l.mapping.Outer(),
	)

	if err := c.config.KeepAlive.Set(conn); err != nil {
		logger.Log(
			"level", 1,
			"msg", "TCP keepalive for tunneled connection failed",
			"err", err,
		)
	}

	sess, err := c.session(c.ctx)
	if err != nil {
		logger.Log(
			"level", 0,
			"msg", "no session",
			"err", err,
		)
		conn.Close()
		return
	}

	ctx, cancel := context.WithTimeout(c.ctx, c.config.StreamOpenTimeout)
	stream, err := sess.OpenStream(ctx)
	cancel()
	if err != nil {
		c.config.Metrics.error(errTypeStreamOpen)
		logger.Log(
			"level", 0,
			"msg", "stream open failed",
			"err", fmt.Errorf("%w: %w", ErrStreamOpen, err),
		)
		if transport.IsClosed(sess) {
			c.dropSession(sess)
		}
		conn.Close()
		return
	}

	if _, err := stream.Write(l.header); err != nil {
		c.config.Metrics.error(errTypeHeader)
		logger.Log(
			"level", 0,
			"msg", "header write failed",
			"err", err,
		)
		stream.Close()
		conn.Close()
		return
	}

	c.fwd.forward(c.ctx, conn, stream, logger)
}

// session returns the shared session establishing it if needed. Concurrent
// callers wait for a single establishment.
func (c *Client) session(ctx context.Context) (transport.Session, error) {
	c.mu.Lock()
	if c.sess != nil && !transport.IsClosed(c.sess) {
		s := c.sess
		c.mu.Unlock()
		return s, nil
	}
	if c.stopped {
		c.mu.Unlock()
		return nil, context.Canceled
	}
	if c.connecting == nil {
		c.connecting = make(chan struct{})
		go c.connect(c.connecting)
	}
	done := c.connecting
	c.mu.Unlock()

	select {
	case <-done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sess == nil {
		return nil, c.connectErr
	}
	return c.sess, nil
}

func (c *Client) connect(done chan struct{}) {
	defer close(done)

	sess, err := c.dial(c.ctx)

	c.mu.Lock()
	defer c.mu.Unlock()

	c.connecting = nil
	c.connectErr = err

	if old := c.sess; old != nil {
		c.sess = nil
		c.closeSession(old)
	}
	if err != nil {
		return
	}
	if c.stopped {
		c.connectErr = context.Canceled
		sess.Close()
		return
	}

	c.sess = sess
	c.config.Metrics.sessionOpened()
}

// dial establishes a session retrying with backoff.
func (c *Client) dial(ctx context.Context) (transport.Session, error) {
	b := c.config.Backoff
	b.Reset()

	for {
		c.logger.Log(
			"level", 1,
			"action", "dial",
			"addr", c.config.ServerAddr,
		)

		sess, err := c.dialer.Dial(ctx, c.config.ServerAddr)
		if err == nil {
			c.logger.Log(
				"level", 1,
				"action", "session established",
				"addr", sess.RemoteAddr(),
			)
			return sess, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		c.config.Metrics.error(errTypeSessionEstablish)

		d := b.NextBackOff()
		if d < 0 {
			return nil, fmt.Errorf("%w: backoff limit exceeded: %w", ErrSessionEstablish, err)
		}

		c.logger.Log(
			"level", 0,
			"msg", "dial failed",
			"addr", c.config.ServerAddr,
			"err", err,
			"retry", d,
		)

		select {
		case <-time.After(d):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// dropSession forgets sess if it's the current session, the next forwarded
// connection establishes a new one.
func (c *Client) dropSession(sess transport.Session) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sess != sess {
		return
	}
	c.sess = nil
	c.closeSession(sess)
}

// closeSession must be called with c.mu held.
func (c *Client) closeSession(sess transport.Session) {
	c.logger.Log(
		"level", 1,
		"action", "session closed",
		"addr", sess.RemoteAddr(),
	)
	sess.Close()
	c.config.Metrics.sessionClosed()
}

// Stop closes listeners and the session, forwarded connections are torn
// down.
func (c *Client) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped {
		return
	}
	c.stopped = true

	c.logger.Log(
		"level", 1,
		"action", "stop",
	)

	c.cancel()
	for _, l := range c.listeners {
		l.Close()
	}
	if c.sess != nil {
		c.closeSession(c.sess)
		c.sess = nil
	}
}
