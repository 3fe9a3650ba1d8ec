// Copyright (C) 2017 Michał Matczuk
// Use of this source code is governed by an AGPL-style
// license that can be found in the LICENSE file.

package id

import (
	"crypto/x509"
	"fmt"
)

// VerifyPeer returns tls.Config.VerifyPeerCertificate function accepting only
// peers which leaf certificate has the expected ID. It runs after the regular
// chain verification, so pinning adds to it rather than replacing it.
func VerifyPeer(expected ID) func(rawCerts [][]byte, verifiedChains [][]*x509.Certificate) error {
	return func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		if len(rawCerts) == 0 {
			return ImproperCertsNumberError{0}
		}
		if got := New(rawCerts[0]); !got.Equals(expected) {
			return MismatchError{Expected: expected, Got: got}
		}
		return nil
	}
}

// ImproperCertsNumberError is returned when the peer presents no
// certificates.
type ImproperCertsNumberError struct {
	n int
}

func (e ImproperCertsNumberError) Error() string {
	return fmt.Sprintf("id: expecting peer certificate, got %d", e.n)
}

// MismatchError is returned when the peer certificate is not the pinned one.
type MismatchError struct {
	Expected ID
	Got      ID
}

func (e MismatchError) Error() string {
	return fmt.Sprintf("id: peer certificate %s does not match %s", e.Got, e.Expected)
}
