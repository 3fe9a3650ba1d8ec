// Copyright (C) 2017 Michał Matczuk
// Use of this source code is governed by an AGPL-style
// license that can be found in the LICENSE file.

package tunnel

import (
	"fmt"
	"net"
	"strconv"

	"github.com/hons82/go-tcp-tunnel/proto"
)

// Mapping binds a local inner port to an outer destination reachable from
// server.
type Mapping struct {
	// InnerPort is the TCP port client listens on.
	InnerPort uint16
	// OuterAddr is IPv4 address of the destination.
	OuterAddr net.IP
	// OuterPort is TCP port of the destination.
	OuterPort uint16
}

// ParseMapping creates Mapping from inner port and outer "a.b.c.d:port".
func ParseMapping(inner uint16, outer string) (*Mapping, error) {
	host, port, err := net.SplitHostPort(outer)
	if err != nil {
		return nil, err
	}
	ip := net.ParseIP(host).To4()
	if ip == nil {
		return nil, fmt.Errorf("%w: %q", proto.ErrNotIPv4, host)
	}
	p, err := strconv.ParseUint(port, 10, 16)
	if err != nil {
		return nil, fmt.Errorf("invalid port %q", port)
	}

	return &Mapping{
		InnerPort: inner,
		OuterAddr: ip,
		OuterPort: uint16(p),
	}, nil
}

// Header returns encoded forward header for the outer destination.
func (m *Mapping) Header() ([]byte, error) {
	h, err := proto.NewForwardHeader(m.OuterAddr, m.OuterPort)
	if err != nil {
		return nil, err
	}
	return h.MarshalBinary()
}

// Outer returns outer destination as host:port.
func (m *Mapping) Outer() string {
	return net.JoinHostPort(m.OuterAddr.String(), strconv.Itoa(int(m.OuterPort)))
}

func (m *Mapping) String() string {
	return fmt.Sprintf("%d->%s", m.InnerPort, m.Outer())
}

// ValidateMappings checks that there is at least one mapping, every outer
// address is IPv4 and inner ports are unique. Port 0 is accepted for inner
// port, the system picks a free one then.
func ValidateMappings(mappings []*Mapping) error {
	if len(mappings) == 0 {
		return ErrNoMappings
	}

	seen := make(map[uint16]bool, len(mappings))
	for _, m := range mappings {
		if _, err := m.Header(); err != nil {
			return fmt.Errorf("mapping %s: %w", m, err)
		}
		if m.InnerPort == 0 {
			continue
		}
		if seen[m.InnerPort] {
			return fmt.Errorf("%w: %d", ErrDuplicateInnerPort, m.InnerPort)
		}
		seen[m.InnerPort] = true
	}

	return nil
}
