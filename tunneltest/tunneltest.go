// Package tunneltest contains common testing tools shared by unit tests,
// integration tests and third party tests.
package tunneltest

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"io"
	"math/big"
	"net"
	"time"
)

// ServerName is the DNS name self signed certificates are issued for.
const ServerName = "netonet"

// EchoTCP accepts connections and copies back received bytes. When peer
// closes its write side echoed connection is half closed as well.
func EchoTCP(l net.Listener) {
	for {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		go func() {
			defer conn.Close()
			io.Copy(conn, conn)
			if c, ok := conn.(*net.TCPConn); ok {
				c.CloseWrite()
			}
		}()
	}
}

// ReadThenWriteTCP accepts connections, reads until EOF and only then writes
// reply followed by a close. It verifies that data sent after peer's half
// close reaches the peer.
func ReadThenWriteTCP(l net.Listener, reply []byte, received chan<- []byte) {
	for {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		go func() {
			defer conn.Close()
			b, _ := io.ReadAll(conn)
			if received != nil {
				received <- b
			}
			conn.Write(reply)
		}()
	}
}

// Listen listens on random loopback TCP port, it panics on error.
func Listen() net.Listener {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		panic(err)
	}
	return l
}

// FreePort returns a loopback TCP port that was free a moment ago.
func FreePort() uint16 {
	l := Listen()
	defer l.Close()
	return uint16(l.Addr().(*net.TCPAddr).Port)
}

// RefusedAddr returns address of a loopback port nobody listens on.
func RefusedAddr() *net.TCPAddr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: int(FreePort())}
}

// RandBytes creates a randomy initialised byte slice of length n.
func RandBytes(n int) []byte {
	b := make([]byte, n)
	read, err := rand.Read(b)
	if err != nil {
		panic(err)
	}
	if read != n {
		panic("read did not fill whole slice")
	}
	return b
}

// SelfSignedCert generates a certificate for ServerName and 127.0.0.1. It
// returns certificate with key and PEM encoded certificate and key.
func SelfSignedCert() (cert tls.Certificate, certPEM, keyPEM []byte) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		panic(err)
	}

	template := x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{Organization: []string{"tunneltest"}},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
		DNSNames:              []string{ServerName},
		IPAddresses:           []net.IP{net.IPv4(127, 0, 0, 1)},
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		panic(err)
	}
	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		panic(err)
	}

	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER})

	cert, err = tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		panic(err)
	}

	return cert, certPEM, keyPEM
}

// ServerTLSConfig returns server tls configuration presenting cert.
func ServerTLSConfig(cert tls.Certificate) *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}
}

// ClientTLSConfig returns client tls configuration trusting certPEM.
func ClientTLSConfig(certPEM []byte) *tls.Config {
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(certPEM) {
		panic("no certificates in PEM")
	}
	return &tls.Config{
		RootCAs:    pool,
		ServerName: ServerName,
		MinVersion: tls.VersionTLS12,
	}
}
