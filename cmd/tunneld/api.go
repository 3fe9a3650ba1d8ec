// Copyright (C) 2021 Tribus Hannes
// Use of this source code is governed by an AGPL-style
// license that can be found in the LICENSE file.

package main

import (
	"encoding/json"
	"fmt"
	"net/http"

	tunnel "github.com/hons82/go-tcp-tunnel"
	"github.com/hons82/go-tcp-tunnel/log"
)

// sessionLister is implemented by tunnel.Server.
type sessionLister interface {
	Sessions() []tunnel.SessionInfo
}

// sessionsHandler lists sessions of connected clients as JSON.
func sessionsHandler(server sessionLister, logger log.Logger) http.Handler {
	if logger == nil {
		logger = log.NewNopLogger()
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logger.Log(
			"level", 2,
			"action", "start session list",
		)

		info := server.Sessions()
		if info == nil {
			info = []tunnel.SessionInfo{}
		}
		data, err := json.Marshal(info)
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			fmt.Fprintf(w, "Error on marshal of sessions %s", err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write(data)

		logger.Log(
			"level", 3,
			"action", "transferred",
			"bytes", len(data),
		)
	})
}
