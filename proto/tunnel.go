// Copyright (C) 2017 Michał Matczuk
// Use of this source code is governed by an AGPL-style
// license that can be found in the LICENSE file.

package proto

// Known transport types. A transport carries many forwarded connections, one
// stream each, over a single encrypted session between client and server.
const (
	QUIC  = "quic"
	YAMUX = "yamux"
)

// Application protocols negotiated during the TLS handshake, one per
// transport so that a client never speaks to a server of the other kind.
const (
	NextProtoQUIC  = "netonet"
	NextProtoYAMUX = "netonet-yamux"
)

// DefaultServerName is the TLS server name clients verify the server
// certificate against unless configured otherwise.
const DefaultServerName = "netonet"

// NextProto returns the application protocol for transport t, or an empty
// string if t is unknown.
func NextProto(t string) string {
	switch t {
	case QUIC:
		return NextProtoQUIC
	case YAMUX:
		return NextProtoYAMUX
	default:
		return ""
	}
}
