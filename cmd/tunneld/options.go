// Copyright (C) 2017 Michał Matczuk
// Use of this source code is governed by an AGPL-style
// license that can be found in the LICENSE file.

package main

import (
	"flag"
	"fmt"
	"os"
)

var version = "snapshot"

const usage1 string = `Usage: tunneld [OPTIONS]
options:
`

const usage2 string = `
Example:
	tunneld
	tunneld -config server.yaml -log stdout -log-level 2

server.yaml:
	port: 5000
	public-key-file: server.crt
	private-key-file: server.key
	transport: quic
	metrics-addr: 127.0.0.1:9100
`

func init() {
	flag.Usage = func() {
		fmt.Fprint(os.Stderr, usage1)
		flag.PrintDefaults()
		fmt.Fprint(os.Stderr, usage2)
	}
}

// options specify arguments read command line arguments.
type options struct {
	config   string
	logTo    string
	logLevel int
	version  bool
}

func parseArgs() *options {
	config := flag.String("config", "tunneld.yaml", "Path to tunneld configuration file")
	logTo := flag.String("log", "stdout", "Write log messages to this file, file name or 'stdout', 'stderr', 'none'")
	logLevel := flag.Int("log-level", 1, "Level of messages to log, 0-3")
	version := flag.Bool("version", false, "Prints tunneld version")
	flag.Parse()

	return &options{
		config:   *config,
		logTo:    *logTo,
		logLevel: *logLevel,
		version:  *version,
	}
}
