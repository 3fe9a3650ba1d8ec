// Copyright (C) 2017 Michał Matczuk
// Use of this source code is governed by an AGPL-style
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"

	tunnel "github.com/hons82/go-tcp-tunnel"
	"github.com/hons82/go-tcp-tunnel/connection"
	"github.com/hons82/go-tcp-tunnel/proto"
)

// ServerConfig is tunneld configuration file.
type ServerConfig struct {
	Port               uint16                      `yaml:"port"`
	ListenHost         string                      `yaml:"listen-host,omitempty"`
	PublicKeyFile      string                      `yaml:"public-key-file"`
	PrivateKeyFile     string                      `yaml:"private-key-file"`
	Transport          string                      `yaml:"transport,omitempty"`
	RelayPolicy        string                      `yaml:"relay-policy,omitempty"`
	DialTimeout        time.Duration               `yaml:"dial-timeout,omitempty"`
	HeaderTimeout      time.Duration               `yaml:"header-timeout,omitempty"`
	IdleTimeout        time.Duration               `yaml:"idle-timeout,omitempty"`
	MaxIncomingStreams int                         `yaml:"max-incoming-streams,omitempty"`
	MetricsAddr        string                      `yaml:"metrics-addr,omitempty"`
	KeepAlive          *connection.KeepAliveConfig `yaml:"keepalive,omitempty"`
}

// section returns content of section name if config has one, otherwise the
// whole config. It allows a single file with "server" and "client"
// sections to be shared by both commands.
func section(buf []byte, name string) ([]byte, error) {
	var m map[string]interface{}
	if err := yaml.Unmarshal(buf, &m); err != nil {
		return nil, err
	}
	s, ok := m[name].(map[interface{}]interface{})
	if !ok {
		return buf, nil
	}
	return yaml.Marshal(s)
}

func loadServerConfigFromFile(path string) (*ServerConfig, error) {
	configBuf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file %q: %s", path, err)
	}

	configBuf, err = section(configBuf, "server")
	if err != nil {
		return nil, fmt.Errorf("failed to parse file %q: %s", path, err)
	}

	// deserialize/parse the config
	var config ServerConfig
	if err = yaml.Unmarshal(configBuf, &config); err != nil {
		return nil, fmt.Errorf("failed to parse file %q: %s", path, err)
	}

	// set default values
	if config.PublicKeyFile == "" {
		config.PublicKeyFile = filepath.Join(filepath.Dir(path), "server.crt")
	}
	if config.PrivateKeyFile == "" {
		config.PrivateKeyFile = filepath.Join(filepath.Dir(path), "server.key")
	}
	if config.Transport == "" {
		config.Transport = proto.QUIC
	}
	if config.DialTimeout == 0 {
		config.DialTimeout = tunnel.DefaultDialTimeout
	}
	if config.HeaderTimeout == 0 {
		config.HeaderTimeout = tunnel.DefaultHeaderTimeout
	}
	if config.KeepAlive == nil {
		config.KeepAlive = connection.NewDefaultKeepAliveConfig()
	}

	// validate configuration
	if config.Port == 0 {
		return nil, fmt.Errorf("port: missing")
	}

	switch config.Transport {
	case proto.QUIC, proto.YAMUX:
	default:
		return nil, fmt.Errorf("transport: invalid transport %q", config.Transport)
	}

	if _, err := tunnel.ParseRelayPolicy(config.RelayPolicy); err != nil {
		return nil, fmt.Errorf("relay-policy: %s", err)
	}
	if config.DialTimeout < 0 || config.HeaderTimeout < 0 || config.IdleTimeout < 0 {
		return nil, fmt.Errorf("timeouts must not be negative")
	}

	return &config, nil
}

// addr returns address to listen on for client sessions.
func (c *ServerConfig) addr() string {
	return net.JoinHostPort(c.ListenHost, strconv.Itoa(int(c.Port)))
}
