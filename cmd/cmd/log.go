// Copyright (C) 2017 Michał Matczuk
// Use of this source code is governed by an AGPL-style
// license that can be found in the LICENSE file.

package cmd

import (
	"time"

	"github.com/bep/debounce"

	"github.com/hons82/go-tcp-tunnel/log"
)

// DefaultSummaryQuiet is the quiet period after which a summary is logged.
const DefaultSummaryQuiet = 5 * time.Second

type summaryLogger struct {
	logger    log.Logger
	debounced func(f func())
	summary   func() []interface{}
}

// NewSummaryLogger returns a logger that passes messages to logger and, once
// messages stop for quiet, logs keyvals returned by summary. A busy process
// logs one summary per burst instead of one per message.
func NewSummaryLogger(logger log.Logger, quiet time.Duration, summary func() []interface{}) log.Logger {
	return &summaryLogger{
		logger:    logger,
		debounced: debounce.New(quiet),
		summary:   summary,
	}
}

func (s *summaryLogger) Log(keyvals ...interface{}) error {
	s.debounced(s.logSummary)
	return s.logger.Log(keyvals...)
}

func (s *summaryLogger) logSummary() {
	keyvals := []interface{}{"level", 1, "action", "summary"}
	s.logger.Log(append(keyvals, s.summary()...)...)
}
