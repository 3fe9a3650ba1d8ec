// Copyright (C) 2017 Michał Matczuk
// Use of this source code is governed by an AGPL-style
// license that can be found in the LICENSE file.

package log

// Log levels understood by NewFilterLogger.
const (
	LevelError = iota
	LevelInfo
	LevelDebug
	LevelTrace
)

type filterLogger struct {
	level  int
	logger Logger
}

// NewFilterLogger returns a Logger that accepts only log messages with
// "level" value <= level. Currently there are four levels 0 - error, 1 - info,
// 2 - debug, 3 - trace. Messages without level are always accepted.
func NewFilterLogger(logger Logger, level int) Logger {
	return filterLogger{
		level:  level,
		logger: logger,
	}
}

func (p filterLogger) Log(keyvals ...interface{}) error {
	for i := 0; i+1 < len(keyvals); i += 2 {
		if s, ok := keyvals[i].(string); !ok || s != "level" {
			continue
		}

		level, ok := keyvals[i+1].(int)
		if !ok {
			break
		}
		if level > p.level {
			return nil
		}
		break
	}

	return p.logger.Log(keyvals...)
}
