// Copyright (C) 2017 Michał Matczuk
// Use of this source code is governed by an AGPL-style
// license that can be found in the LICENSE file.

package tunnel

import "errors"

// Failures of a single mapping, session or forwarded connection. They are
// logged and counted but never stop sibling mappings, sessions or
// connections.
var (
	ErrBind             = errors.New("bind failed")
	ErrSessionEstablish = errors.New("session establish failed")
	ErrStreamOpen       = errors.New("stream open failed")
	ErrStreamAccept     = errors.New("stream accept failed")
	ErrDial             = errors.New("dial failed")
)

// Configuration errors.
var (
	ErrNoMappings         = errors.New("no mappings")
	ErrDuplicateInnerPort = errors.New("duplicate inner port")

	errMissingServerAddr = errors.New("missing ServerAddr")
	errMissingTLSConfig  = errors.New("missing TLSConfig")
	errMissingAddr       = errors.New("missing Addr")
)
