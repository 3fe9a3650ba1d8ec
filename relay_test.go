package tunnel

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/hons82/go-tcp-tunnel/tunneltest"
)

// tcpPair returns two ends of a loopback TCP connection.
func tcpPair(t *testing.T) (*net.TCPConn, *net.TCPConn) {
	t.Helper()

	l := tunneltest.Listen()
	defer l.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, _ := l.Accept()
		accepted <- c
	}()

	c1, err := net.Dial("tcp", l.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	c2 := <-accepted
	if c2 == nil {
		t.Fatal("accept failed")
	}

	return c1.(*net.TCPConn), c2.(*net.TCPConn)
}

func TestRelay_WaitBothHalfClose(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	local, a := tcpPair(t)
	b, remote := tcpPair(t)
	defer local.Close()
	defer remote.Close()

	request := tunneltest.RandBytes(256 * 1024)
	reply := tunneltest.RandBytes(64 * 1024)

	relayed := make(chan RelayResult, 1)
	go func() {
		relayed <- Relay(context.Background(), a, b, WaitBoth)
	}()

	remoteDone := make(chan error, 1)
	go func() {
		got, err := io.ReadAll(remote)
		if err != nil {
			remoteDone <- err
			return
		}
		if !bytes.Equal(got, request) {
			remoteDone <- errors.New("request mismatch")
			return
		}
		// still writing after local finished sending
		_, err = remote.Write(reply)
		remote.CloseWrite()
		remoteDone <- err
	}()

	if _, err := local.Write(request); err != nil {
		t.Fatal(err)
	}
	if err := local.CloseWrite(); err != nil {
		t.Fatal(err)
	}

	got, err := io.ReadAll(local)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, reply) {
		t.Fatalf("reply mismatch got %d bytes expected %d", len(got), len(reply))
	}
	if err := <-remoteDone; err != nil {
		t.Fatal(err)
	}

	res := <-relayed
	if res.Err != nil {
		t.Fatal("relay error", res.Err)
	}
	if res.Sent != int64(len(request)) || res.Received != int64(len(reply)) {
		t.Fatalf("byte count mismatch %+v", res)
	}
}

func TestRelay_Race(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	local, a := tcpPair(t)
	b, remote := tcpPair(t)
	defer local.Close()
	defer remote.Close()

	relayed := make(chan RelayResult, 1)
	go func() {
		relayed <- Relay(context.Background(), a, b, Race)
	}()

	local.Write([]byte("ping"))
	local.CloseWrite()

	select {
	case res := <-relayed:
		if res.Sent != 4 {
			t.Fatalf("expected 4 bytes sent got %+v", res)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("race relay did not return after one direction finished")
	}

	// remote side was abandoned
	remote.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := io.ReadAll(remote); err != nil {
		t.Fatal(err)
	}
}

type failingConn struct {
	closed chan struct{}
}

func (c *failingConn) Read([]byte) (int, error)    { return 0, errors.New("connection reset by peer") }
func (c *failingConn) Write(p []byte) (int, error) { <-c.closed; return 0, net.ErrClosed }
func (c *failingConn) Close() error {
	select {
	case <-c.closed:
	default:
		close(c.closed)
	}
	return nil
}

func TestRelay_ErrorTearsDownBothLegs(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	b, remote := tcpPair(t)
	defer remote.Close()

	a := &failingConn{closed: make(chan struct{})}
	res := Relay(context.Background(), a, b, WaitBoth)

	if res.Err == nil || !strings.Contains(res.Err.Error(), "connection reset by peer") {
		t.Fatalf("expected first error reported got %v", res.Err)
	}

	remote.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := remote.Read(make([]byte, 1)); err != io.EOF {
		t.Fatalf("expected EOF on torn down leg got %v", err)
	}
}

func TestRelay_NoCloseWriteTearsDown(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	local, a := tcpPair(t)
	defer local.Close()
	// net.Pipe has no half close
	b, remote := net.Pipe()
	defer remote.Close()

	relayed := make(chan RelayResult, 1)
	go func() {
		relayed <- Relay(context.Background(), a, b, WaitBoth)
	}()

	received := make(chan []byte, 1)
	go func() {
		got, _ := io.ReadAll(remote)
		received <- got
	}()

	local.Write([]byte("request"))
	local.CloseWrite()

	select {
	case res := <-relayed:
		if res.Err != nil {
			t.Fatal("relay error", res.Err)
		}
		if res.Sent != 7 {
			t.Fatalf("expected 7 bytes sent got %+v", res)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("relay kept waiting on a leg that can't be half closed")
	}

	if got := <-received; string(got) != "request" {
		t.Fatalf("got %q", got)
	}

	local.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := io.ReadAll(local); err != nil {
		t.Fatal("expected local leg closed got", err)
	}
}

func TestRelay_ContextCancel(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	local, a := tcpPair(t)
	b, remote := tcpPair(t)
	defer local.Close()
	defer remote.Close()

	ctx, cancel := context.WithCancel(context.Background())
	relayed := make(chan RelayResult, 1)
	go func() {
		relayed <- Relay(ctx, a, b, WaitBoth)
	}()

	cancel()

	select {
	case res := <-relayed:
		if !errors.Is(res.Err, context.Canceled) {
			t.Fatalf("expected context.Canceled got %v", res.Err)
		}
		if !isClosedErr(res.Err) {
			t.Fatal("cancel should be treated as teardown")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("relay not cancelled")
	}
}

func TestParseRelayPolicy(t *testing.T) {
	t.Parallel()

	table := []struct {
		s      string
		policy RelayPolicy
		err    bool
	}{
		{"", WaitBoth, false},
		{"wait-both", WaitBoth, false},
		{"race", Race, false},
		{"first", WaitBoth, true},
	}

	for _, tt := range table {
		p, err := ParseRelayPolicy(tt.s)
		if (err != nil) != tt.err {
			t.Errorf("%q: unexpected error %v", tt.s, err)
		}
		if p != tt.policy {
			t.Errorf("%q: got %s expected %s", tt.s, p, tt.policy)
		}
		if !tt.err && tt.s != "" && p.String() != tt.s {
			t.Errorf("%q: String() = %s", tt.s, p)
		}
	}
}
