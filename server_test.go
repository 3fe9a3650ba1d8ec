// Copyright (C) 2017 Michał Matczuk
// Use of this source code is governed by an AGPL-style
// license that can be found in the LICENSE file.

package tunnel

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/hons82/go-tcp-tunnel/proto"
	"github.com/hons82/go-tcp-tunnel/transport"
	"github.com/hons82/go-tcp-tunnel/tunneltest"
)

type testServer struct {
	*Server
	dials atomic.Int32
	done  chan struct{}
	sess  transport.Session
}

// startTestServer starts yamux server on loopback and connects a session to
// it. If dial is nil destinations are dialed for real.
func startTestServer(t *testing.T, config *ServerConfig, dial DialFunc) *testServer {
	t.Helper()

	cert, certPEM, _ := tunneltest.SelfSignedCert()

	ts := &testServer{done: make(chan struct{})}

	if dial == nil {
		d := &net.Dialer{}
		dial = d.DialContext
	}
	config.Addr = "127.0.0.1:0"
	config.TLSConfig = tunneltest.ServerTLSConfig(cert)
	config.Transport = proto.YAMUX
	config.Dial = func(ctx context.Context, network, addr string) (net.Conn, error) {
		ts.dials.Add(1)
		return dial(ctx, network, addr)
	}

	s, err := NewServer(config)
	if err != nil {
		t.Fatal(err)
	}
	ts.Server = s

	go func() {
		s.Start(context.Background())
		close(ts.done)
	}()

	d, err := transport.NewDialer(proto.YAMUX, tunneltest.ClientTLSConfig(certPEM), nil)
	if err != nil {
		t.Fatal(err)
	}
	sess, err := d.Dial(context.Background(), s.Addr())
	if err != nil {
		t.Fatal(err)
	}
	ts.sess = sess

	return ts
}

func (ts *testServer) stop(t *testing.T) {
	t.Helper()

	ts.sess.Close()
	ts.Stop()

	select {
	case <-ts.done:
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}

func (ts *testServer) openStream(t *testing.T, dst string) transport.Stream {
	t.Helper()

	st, err := ts.sess.OpenStream(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if dst == "" {
		return st
	}

	addr, err := net.ResolveTCPAddr("tcp", dst)
	if err != nil {
		t.Fatal(err)
	}
	h, err := proto.NewForwardHeader(addr.IP, uint16(addr.Port))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := h.WriteTo(st); err != nil {
		t.Fatal(err)
	}

	return st
}

// expectAborted checks that server aborted the stream without sending data.
func expectAborted(t *testing.T, st transport.Stream) {
	t.Helper()

	st.SetReadDeadline(time.Now().Add(5 * time.Second))
	b, err := io.ReadAll(st)
	if !transport.IsAborted(err) {
		t.Fatal("expected stream abort got", err)
	}
	if len(b) != 0 {
		t.Fatal("unexpected data", b)
	}
}

func waitForZero(t *testing.T, a *Accounting) {
	t.Helper()

	for i := 0; i < 100; i++ {
		if a.Load() == 0 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("active forwards did not return to 0, got", a.Load())
}

func TestNewServer_Validation(t *testing.T) {
	t.Parallel()

	if _, err := NewServer(&ServerConfig{}); !errors.Is(err, errMissingAddr) {
		t.Fatal("expected missing addr got", err)
	}
	if _, err := NewServer(&ServerConfig{Addr: "127.0.0.1:0"}); !errors.Is(err, errMissingTLSConfig) {
		t.Fatal("expected missing tls got", err)
	}

	cert, _, _ := tunneltest.SelfSignedCert()
	_, err := NewServer(&ServerConfig{
		Addr:      "127.0.0.1:0",
		TLSConfig: tunneltest.ServerTLSConfig(cert),
		Transport: "kcp",
	})
	if !errors.Is(err, ErrBind) || !errors.Is(err, transport.ErrUnknownTransport) {
		t.Fatal("expected bind error got", err)
	}
}

func TestServer_TruncatedHeaderDialsNothing(t *testing.T) {
	t.Parallel()

	ts := startTestServer(t, &ServerConfig{}, nil)
	defer ts.stop(t)

	st := ts.openStream(t, "")
	st.Write([]byte{127, 0, 0})
	st.CloseWrite()

	expectAborted(t, st)

	if n := ts.dials.Load(); n != 0 {
		t.Fatal("nothing should be dialed, got", n)
	}
	if ts.Accounting().Load() != 0 {
		t.Fatal("truncated header should not be counted")
	}
}

func TestServer_HeaderTimeout(t *testing.T) {
	t.Parallel()

	ts := startTestServer(t, &ServerConfig{HeaderTimeout: 100 * time.Millisecond}, nil)
	defer ts.stop(t)

	st := ts.openStream(t, "")
	st.Write([]byte{127})

	expectAborted(t, st)

	if n := ts.dials.Load(); n != 0 {
		t.Fatal("nothing should be dialed, got", n)
	}
}

func TestServer_DialFailureIsolation(t *testing.T) {
	t.Parallel()

	echo := tunneltest.Listen()
	defer echo.Close()
	go tunneltest.EchoTCP(echo)

	ts := startTestServer(t, &ServerConfig{}, nil)
	defer ts.stop(t)

	good := ts.openStream(t, echo.Addr().String())
	defer good.Close()

	bad := ts.openStream(t, tunneltest.RefusedAddr().String())
	expectAborted(t, bad)

	payload := tunneltest.RandBytes(128 * 1024)
	go func() {
		good.Write(payload)
		good.CloseWrite()
	}()

	good.SetReadDeadline(time.Now().Add(10 * time.Second))
	got, err := io.ReadAll(good)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("payload mismatch got %d bytes expected %d", len(got), len(payload))
	}

	if n := ts.dials.Load(); n != 2 {
		t.Fatal("expected 2 dials got", n)
	}
	if transport.IsClosed(ts.sess) {
		t.Fatal("dial failure should not close the session")
	}

	waitForZero(t, ts.Accounting())
}

func TestServer_DialTimeout(t *testing.T) {
	t.Parallel()

	stuck := func(ctx context.Context, network, addr string) (net.Conn, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	ts := startTestServer(t, &ServerConfig{DialTimeout: 100 * time.Millisecond}, stuck)
	defer ts.stop(t)

	start := time.Now()
	st := ts.openStream(t, "10.255.255.1:9999")
	expectAborted(t, st)

	if time.Since(start) > 3*time.Second {
		t.Fatal("dial was not bounded by DialTimeout")
	}
	if ts.Accounting().Load() != 0 {
		t.Fatal("failed dial should not be counted")
	}
}

func TestServer_StopClosesSessions(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	echo := tunneltest.Listen()
	defer echo.Close()
	go tunneltest.EchoTCP(echo)

	ts := startTestServer(t, &ServerConfig{}, nil)
	defer ts.sess.Close()

	st := ts.openStream(t, echo.Addr().String())
	st.Write([]byte("ping"))
	buf := make([]byte, 4)
	if _, err := io.ReadFull(st, buf); err != nil {
		t.Fatal(err)
	}

	if n := len(ts.Sessions()); n != 1 {
		t.Fatal("expected 1 session got", n)
	}
	if ts.Accounting().Load() != 1 {
		t.Fatal("expected 1 active forward got", ts.Accounting().Load())
	}

	ts.Stop()
	select {
	case <-ts.done:
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}

	select {
	case <-ts.sess.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("session should be closed by server stop")
	}

	if ts.Accounting().Load() != 0 {
		t.Fatal("active forwards should return to 0 got", ts.Accounting().Load())
	}
	if n := len(ts.Sessions()); n != 0 {
		t.Fatal("expected no sessions got", n)
	}
}

// flakyListener fails Accept with err until closed.
type flakyListener struct {
	err     error
	accepts atomic.Int32
	closed  chan struct{}
}

func (l *flakyListener) Accept(ctx context.Context) (transport.Session, error) {
	l.accepts.Add(1)
	select {
	case <-l.closed:
		return nil, net.ErrClosed
	default:
		return nil, l.err
	}
}

func (l *flakyListener) Addr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)}
}

func (l *flakyListener) Close() error {
	select {
	case <-l.closed:
	default:
		close(l.closed)
	}
	return nil
}

func TestServer_AcceptErrorBackoff(t *testing.T) {
	t.Parallel()

	l := &flakyListener{
		err:    errors.New("accept tcp: too many open files"),
		closed: make(chan struct{}),
	}
	s, err := NewServer(&ServerConfig{Listener: l})
	if err != nil {
		t.Fatal(err)
	}

	done := make(chan struct{})
	go func() {
		s.Start(context.Background())
		close(done)
	}()

	time.Sleep(250 * time.Millisecond)
	s.Stop()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}

	if n := l.accepts.Load(); n < 2 || n > 10 {
		t.Fatal("expected accept to be retried with a delay, got", n, "accepts")
	}
}
