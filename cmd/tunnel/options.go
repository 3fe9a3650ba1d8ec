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

const usage1 string = `Usage: tunnel [OPTIONS] [command]
options:
`

const usage2 string = `
Commands:
	tunnel                         Start forwarding all mappings from config file
	tunnel list                    List mappings from config file

Examples:
	tunnel
	tunnel -config=client.yaml -log=stdout -log-level 2
	tunnel list

client.yaml:
	server: SERVER_IP:5000
	public-key-file: server.crt
	transport: quic
	map:
	  - inner: 8080
	    outer: [10, 0, 0, 1, 80]
	  - inner: 2222
	    outer: 10.0.0.2:22
`

func init() {
	flag.Usage = func() {
		fmt.Fprint(os.Stderr, usage1)
		flag.PrintDefaults()
		fmt.Fprint(os.Stderr, usage2)
	}
}

type options struct {
	config   string
	logTo    string
	logLevel int
	version  bool
	command  string
}

func parseArgs() (*options, error) {
	config := flag.String("config", "tunnel.yaml", "Path to tunnel configuration file")
	logTo := flag.String("log", "stdout", "Write log messages to this file, file name or 'stdout', 'stderr', 'none'")
	logLevel := flag.Int("log-level", 1, "Level of messages to log, 0-3")
	version := flag.Bool("version", false, "Prints tunnel version")
	flag.Parse()

	opts := &options{
		config:   *config,
		logTo:    *logTo,
		logLevel: *logLevel,
		version:  *version,
		command:  flag.Arg(0),
	}

	if opts.version {
		return opts, nil
	}

	switch opts.command {
	case "", "start":
		opts.command = "start"
	case "list":
	default:
		return nil, fmt.Errorf("unknown command %q", opts.command)
	}
	if flag.NArg() > 1 {
		return nil, fmt.Errorf("%s takes no arguments", opts.command)
	}

	return opts, nil
}
