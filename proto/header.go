// Copyright (C) 2017 Michał Matczuk
// Use of this source code is governed by an AGPL-style
// license that can be found in the LICENSE file.

package proto

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"strconv"
)

// HeaderSize is the size of ForwardHeader on the wire.
const HeaderSize = 6

var (
	// ErrMalformedHeader is returned when fewer than HeaderSize bytes could
	// be read before the stream ended or failed.
	ErrMalformedHeader = errors.New("malformed forward header")
	// ErrNotIPv4 is returned when encoding a header for a non IPv4 address.
	ErrNotIPv4 = errors.New("not an IPv4 address")
)

// ForwardHeader is sent by client as the first bytes of every stream. It
// tells server which destination to dial, everything that follows on the
// stream is relayed as is.
//
//	offset 0..3  destination IPv4 address, network order
//	offset 4..5  destination port, big-endian
type ForwardHeader struct {
	Addr netip.Addr
	Port uint16
}

// NewForwardHeader creates ForwardHeader for ip and port, ip must be an IPv4
// address or an IPv4-mapped IPv6 address.
func NewForwardHeader(ip net.IP, port uint16) (*ForwardHeader, error) {
	ip4 := ip.To4()
	if ip4 == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotIPv4, ip)
	}
	addr, _ := netip.AddrFromSlice(ip4)

	return &ForwardHeader{
		Addr: addr,
		Port: port,
	}, nil
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (h *ForwardHeader) MarshalBinary() ([]byte, error) {
	addr := h.Addr.Unmap()
	if !addr.Is4() {
		return nil, fmt.Errorf("%w: %s", ErrNotIPv4, h.Addr)
	}

	b := make([]byte, HeaderSize)
	a4 := addr.As4()
	copy(b, a4[:])
	binary.BigEndian.PutUint16(b[4:], h.Port)

	return b, nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (h *ForwardHeader) UnmarshalBinary(b []byte) error {
	if len(b) != HeaderSize {
		return fmt.Errorf("%w: got %d bytes", ErrMalformedHeader, len(b))
	}

	h.Addr = netip.AddrFrom4([4]byte{b[0], b[1], b[2], b[3]})
	h.Port = binary.BigEndian.Uint16(b[4:])

	return nil
}

// WriteTo writes encoded header to w.
func (h *ForwardHeader) WriteTo(w io.Writer) (int64, error) {
	b, err := h.MarshalBinary()
	if err != nil {
		return 0, err
	}
	n, err := w.Write(b)
	return int64(n), err
}

// ReadForwardHeader reads exactly HeaderSize bytes from r and decodes them.
func ReadForwardHeader(r io.Reader) (*ForwardHeader, error) {
	var b [HeaderSize]byte
	if n, err := io.ReadFull(r, b[:]); err != nil {
		return nil, fmt.Errorf("%w: read %d of %d bytes: %s", ErrMalformedHeader, n, HeaderSize, err)
	}

	h := &ForwardHeader{}
	if err := h.UnmarshalBinary(b[:]); err != nil {
		return nil, err
	}

	return h, nil
}

// AddrPort returns destination as netip.AddrPort.
func (h *ForwardHeader) AddrPort() netip.AddrPort {
	return netip.AddrPortFrom(h.Addr, h.Port)
}

func (h *ForwardHeader) String() string {
	return net.JoinHostPort(h.Addr.String(), strconv.Itoa(int(h.Port)))
}
