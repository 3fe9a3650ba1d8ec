// Copyright (C) 2017 Michał Matczuk
// Use of this source code is governed by an AGPL-style
// license that can be found in the LICENSE file.

package log

import (
	"io"
	"os"

	kitlog "github.com/go-kit/log"
)

// NewLogger returns JSON logger writing to "stdout", "stderr", a file name or
// nowhere for "none", printing messages up to log level.
func NewLogger(to string, level int) (Logger, error) {
	var w io.Writer

	switch to {
	case "none":
		return NewNopLogger(), nil
	case "stdout":
		w = os.Stdout
	case "stderr":
		w = os.Stderr
	default:
		f, err := os.OpenFile(to, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, err
		}
		w = f
	}

	return newKitLogger(w, level), nil
}

func newKitLogger(w io.Writer, level int) Logger {
	logger := kitlog.NewJSONLogger(kitlog.NewSyncWriter(w))
	logger = kitlog.With(logger, "time", kitlog.DefaultTimestampUTC)
	return NewFilterLogger(logger, level)
}
