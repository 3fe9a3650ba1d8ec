// Copyright (C) 2017 Michał Matczuk
// Use of this source code is governed by an AGPL-style
// license that can be found in the LICENSE file.

// Package id derives human readable identities of tunnel servers from their
// certificates. An ID is the SHA-256 of a DER certificate printed as
// base32 chunks with Luhn check characters, so it can be copied from
// server logs into client configuration without typos slipping through.
package id

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base32"
	"errors"
	"fmt"
	"strings"

	"github.com/calmh/luhn"
)

// ID identifies a certificate.
type ID [32]byte

var (
	// ErrInvalidLength is returned when parsed ID has wrong number of
	// characters.
	ErrInvalidLength = errors.New("id: incorrect length")
	// ErrCheckCharacter is returned when Luhn check character of a parsed
	// ID does not match.
	ErrCheckCharacter = errors.New("id: check character incorrect")
)

const (
	groups    = 4
	groupLen  = 13
	chunkLen  = 7
	encodeLen = groups * groupLen
)

// New returns ID of raw DER certificate.
func New(der []byte) ID {
	return ID(sha256.Sum256(der))
}

// Parse parses ID printed by String. Case, hyphens, spaces and the 0/1/8
// lookalikes of O/I/B are tolerated.
func Parse(s string) (ID, error) {
	var i ID
	if err := i.UnmarshalText([]byte(s)); err != nil {
		return ID{}, err
	}
	return i, nil
}

// String returns the canonical representation of the ID.
func (i ID) String() string {
	s := strings.TrimRight(base32.StdEncoding.EncodeToString(i[:]), "=")

	var b strings.Builder
	for g := 0; g < groups; g++ {
		chunk := s[g*groupLen : (g+1)*groupLen]
		c, err := luhn.Base32.Generate(chunk)
		if err != nil {
			// base32 output is always in the alphabet
			panic(err)
		}
		b.WriteString(chunk)
		b.WriteRune(c)
	}

	return chunkify(b.String())
}

// Equals checks IDs for equality in constant time.
func (i ID) Equals(other ID) bool {
	return subtle.ConstantTimeCompare(i[:], other[:]) == 1
}

// MarshalText implements encoding.TextMarshaler.
func (i ID) MarshalText() ([]byte, error) {
	return []byte(i.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (i *ID) UnmarshalText(b []byte) error {
	s := strings.ToUpper(strings.Trim(string(b), "="))
	s = strings.NewReplacer("-", "", " ", "", "0", "O", "1", "I", "8", "B").Replace(s)

	if len(s) != encodeLen+groups {
		return ErrInvalidLength
	}

	var enc strings.Builder
	for g := 0; g < groups; g++ {
		chunk := s[g*(groupLen+1) : (g+1)*(groupLen+1)]
		c, err := luhn.Base32.Generate(chunk[:groupLen])
		if err != nil {
			return fmt.Errorf("id: %s", err)
		}
		if rune(chunk[groupLen]) != c {
			return ErrCheckCharacter
		}
		enc.WriteString(chunk[:groupLen])
	}

	dec, err := base32.StdEncoding.DecodeString(enc.String() + "====")
	if err != nil {
		return fmt.Errorf("id: %s", err)
	}
	copy(i[:], dec)

	return nil
}

func chunkify(s string) string {
	chunks := make([]string, 0, len(s)/chunkLen)
	for len(s) > chunkLen {
		chunks = append(chunks, s[:chunkLen])
		s = s[chunkLen:]
	}
	chunks = append(chunks, s)
	return strings.Join(chunks, "-")
}
