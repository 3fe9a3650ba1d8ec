// Copyright (C) 2017 Michał Matczuk
// Use of this source code is governed by an AGPL-style
// license that can be found in the LICENSE file.

package tunnel

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hons82/go-tcp-tunnel/log"
	"github.com/hons82/go-tcp-tunnel/transport"
)

// SessionInfo describes a client session connected to server.
type SessionInfo struct {
	RemoteAddr string    `json:"remote_addr"`
	Since      time.Time `json:"since"`
	Streams    int64     `json:"streams"`
}

type sessionItem struct {
	since   time.Time
	streams atomic.Int64
}

// registry tracks sessions of server so that they can be listed and closed
// on stop.
type registry struct {
	items  map[transport.Session]*sessionItem
	closed bool
	mu     sync.RWMutex
	logger log.Logger
}

func newRegistry(logger log.Logger) *registry {
	if logger == nil {
		logger = log.NewNopLogger()
	}

	return &registry{
		items:  make(map[transport.Session]*sessionItem),
		logger: logger,
	}
}

// add registers session, it returns nil if registry is closed already.
func (r *registry) add(s transport.Session) *sessionItem {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	if i, ok := r.items[s]; ok {
		return i
	}

	r.logger.Log(
		"level", 2,
		"action", "register session",
		"addr", s.RemoteAddr(),
	)

	i := &sessionItem{since: time.Now()}
	r.items[s] = i

	return i
}

// remove unregisters session, it returns false if session was not
// registered.
func (r *registry) remove(s transport.Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.items[s]; !ok {
		return false
	}

	r.logger.Log(
		"level", 2,
		"action", "unregister session",
		"addr", s.RemoteAddr(),
	)

	delete(r.items, s)

	return true
}

// closeAll closes all sessions and rejects new ones, it returns number of
// closed sessions.
func (r *registry) closeAll() int {
	r.mu.Lock()
	items := r.items
	r.items = make(map[transport.Session]*sessionItem)
	r.closed = true
	r.mu.Unlock()

	for s := range items {
		r.logger.Log(
			"level", 2,
			"action", "close session",
			"addr", s.RemoteAddr(),
		)
		s.Close()
	}

	return len(items)
}

// Sessions returns connected sessions ordered by connection time.
func (r *registry) Sessions() []SessionInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sessions := make([]SessionInfo, 0, len(r.items))
	for s, i := range r.items {
		sessions = append(sessions, SessionInfo{
			RemoteAddr: s.RemoteAddr().String(),
			Since:      i.since,
			Streams:    i.streams.Load(),
		})
	}
	sort.Slice(sessions, func(a, b int) bool {
		return sessions[a].Since.Before(sessions[b].Since)
	})

	return sessions
}
