package integrationtest

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"gotest.tools/assert"

	tunnel "github.com/hons82/go-tcp-tunnel"
	"github.com/hons82/go-tcp-tunnel/log"
	"github.com/hons82/go-tcp-tunnel/proto"
	"github.com/hons82/go-tcp-tunnel/tunneltest"
)

var transports = []string{proto.QUIC, proto.YAMUX}

// env is a running server and client with one client mapping per outer
// address.
type env struct {
	server *tunnel.Server
	client *tunnel.Client
	addrs  []net.Addr
}

func setup(t *testing.T, kind string, outer ...string) *env {
	t.Helper()
	return setupMaxConns(t, kind, 0, outer...)
}

func setupMaxConns(t *testing.T, kind string, maxConns int, outer ...string) *env {
	t.Helper()

	logger := log.NewFilterLogger(log.NewStdLogger(), 0)
	cert, certPEM, _ := tunneltest.SelfSignedCert()

	s, err := tunnel.NewServer(&tunnel.ServerConfig{
		Addr:        "127.0.0.1:0",
		TLSConfig:   tunneltest.ServerTLSConfig(cert),
		Transport:   kind,
		DialTimeout: time.Second,
		Logger:      log.NewContext(logger).WithPrefix("server", ":"),
	})
	assert.NilError(t, err)

	var mappings []*tunnel.Mapping
	for _, o := range outer {
		m, err := tunnel.ParseMapping(0, o)
		assert.NilError(t, err)
		mappings = append(mappings, m)
	}

	c, err := tunnel.NewClient(&tunnel.ClientConfig{
		ServerAddr:      s.Addr(),
		TLSClientConfig: tunneltest.ClientTLSConfig(certPEM),
		Transport:       kind,
		ListenHost:      "127.0.0.1",
		Mappings:        mappings,
		MaxConns:        maxConns,
		Logger:          log.NewContext(logger).WithPrefix("client", ":"),
	})
	assert.NilError(t, err)
	assert.NilError(t, c.Listen())

	serverDone := make(chan struct{})
	clientDone := make(chan struct{})
	go func() {
		s.Start(context.Background())
		close(serverDone)
	}()
	go func() {
		c.Start(context.Background())
		close(clientDone)
	}()

	t.Cleanup(func() {
		c.Stop()
		s.Stop()
		<-clientDone
		<-serverDone
	})

	e := &env{
		server: s,
		client: c,
		addrs:  c.Addrs(),
	}
	assert.Equal(t, len(e.addrs), len(outer))

	return e
}

func (e *env) dial(t *testing.T, i int) *net.TCPConn {
	t.Helper()

	conn, err := net.Dial("tcp", e.addrs[i].String())
	assert.NilError(t, err)
	return conn.(*net.TCPConn)
}

// waitIdle waits until client and server have no active forwards.
func (e *env) waitIdle(t *testing.T) {
	t.Helper()

	for i := 0; i < 200; i++ {
		if e.client.Accounting().Load() == 0 && e.server.Accounting().Load() == 0 {
			return
		}
		time.Sleep(25 * time.Millisecond)
	}
	t.Fatalf("active forwards client=%d server=%d", e.client.Accounting().Load(), e.server.Accounting().Load())
}

// exchange writes payload, half closes and reads until the peer closes.
func exchange(conn *net.TCPConn, payload []byte) ([]byte, error) {
	errc := make(chan error, 1)
	go func() {
		_, err := conn.Write(payload)
		if err == nil {
			err = conn.CloseWrite()
		}
		errc <- err
	}()

	conn.SetReadDeadline(time.Now().Add(30 * time.Second))
	b, err := io.ReadAll(conn)
	if err != nil {
		return nil, err
	}
	return b, <-errc
}

func TestEcho(t *testing.T) {
	for _, kind := range transports {
		kind := kind
		t.Run(kind, func(t *testing.T) {
			t.Parallel()

			echo := tunneltest.Listen()
			defer echo.Close()
			go tunneltest.EchoTCP(echo)

			e := setup(t, kind, echo.Addr().String())

			payload := tunneltest.RandBytes(1 << 20)
			conn := e.dial(t, 0)
			defer conn.Close()

			got, err := exchange(conn, payload)
			assert.NilError(t, err)
			assert.Equal(t, len(got), len(payload))
			assert.Assert(t, bytes.Equal(got, payload))

			e.waitIdle(t)
		})
	}
}

func TestHalfClose(t *testing.T) {
	for _, kind := range transports {
		kind := kind
		t.Run(kind, func(t *testing.T) {
			t.Parallel()

			reply := tunneltest.RandBytes(64 * 1024)
			received := make(chan []byte, 1)

			dst := tunneltest.Listen()
			defer dst.Close()
			go tunneltest.ReadThenWriteTCP(dst, reply, received)

			e := setup(t, kind, dst.Addr().String())

			request := tunneltest.RandBytes(32 * 1024)
			conn := e.dial(t, 0)
			defer conn.Close()

			got, err := exchange(conn, request)
			assert.NilError(t, err)
			assert.Assert(t, bytes.Equal(got, reply), "reply sent after half close was lost")
			assert.Assert(t, bytes.Equal(<-received, request))

			e.waitIdle(t)
		})
	}
}

func TestConcurrentMappings(t *testing.T) {
	for _, kind := range transports {
		kind := kind
		t.Run(kind, func(t *testing.T) {
			t.Parallel()

			const (
				destinations = 3
				conns        = 10
			)

			var outer []string
			for i := 0; i < destinations; i++ {
				l := tunneltest.Listen()
				defer l.Close()
				go tunneltest.ReadThenWriteTCP(l, []byte(fmt.Sprintf("destination %d", i)), nil)
				outer = append(outer, l.Addr().String())
			}

			e := setup(t, kind, outer...)

			var wg sync.WaitGroup
			for i := 0; i < destinations; i++ {
				for j := 0; j < conns; j++ {
					wg.Add(1)
					go func(i int) {
						defer wg.Done()

						conn, err := net.Dial("tcp", e.addrs[i].String())
						if err != nil {
							t.Error(err)
							return
						}
						defer conn.Close()

						got, err := exchange(conn.(*net.TCPConn), tunneltest.RandBytes(1024))
						if err != nil {
							t.Error(err)
							return
						}
						if expected := fmt.Sprintf("destination %d", i); string(got) != expected {
							t.Errorf("got %q expected %q", got, expected)
						}
					}(i)
				}
			}
			wg.Wait()

			e.waitIdle(t)
		})
	}
}

func TestDialFailureIsolation(t *testing.T) {
	for _, kind := range transports {
		kind := kind
		t.Run(kind, func(t *testing.T) {
			t.Parallel()

			echo := tunneltest.Listen()
			defer echo.Close()
			go tunneltest.EchoTCP(echo)

			e := setup(t, kind, echo.Addr().String(), tunneltest.RefusedAddr().String())

			good := e.dial(t, 0)
			defer good.Close()

			// keep the good relay in flight while the other one fails
			_, err := good.Write([]byte("before"))
			assert.NilError(t, err)
			buf := make([]byte, 6)
			_, err = io.ReadFull(good, buf)
			assert.NilError(t, err)

			bad := e.dial(t, 1)
			defer bad.Close()
			bad.SetReadDeadline(time.Now().Add(10 * time.Second))
			// refused destination ends the connection without data and
			// without waiting for the local side to close
			b, err := io.ReadAll(bad)
			assert.NilError(t, err)
			assert.Equal(t, len(b), 0)
			bad.Close()

			payload := tunneltest.RandBytes(256 * 1024)
			got, err := exchange(good, payload)
			assert.NilError(t, err)
			assert.Assert(t, bytes.Equal(got, payload))

			e.waitIdle(t)
		})
	}
}

// writeAndClose accepts connections, writes reply and closes them.
func writeAndClose(l net.Listener, reply []byte) {
	for {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		conn.Write(reply)
		conn.Close()
	}
}

func TestMaxConnsHalfClose(t *testing.T) {
	for _, kind := range transports {
		kind := kind
		t.Run(kind, func(t *testing.T) {
			t.Parallel()

			dst := tunneltest.Listen()
			defer dst.Close()
			go writeAndClose(dst, []byte("hello"))

			e := setupMaxConns(t, kind, 1, dst.Addr().String())

			// second round checks that the slot is released
			for i := 0; i < 2; i++ {
				conn := e.dial(t, 0)

				// destination finished first, local side still open
				conn.SetReadDeadline(time.Now().Add(5 * time.Second))
				got, err := io.ReadAll(conn)
				assert.NilError(t, err)
				assert.Equal(t, string(got), "hello")

				conn.Close()
				e.waitIdle(t)
			}
		})
	}
}
