// Copyright (C) 2017 Michał Matczuk
// Use of this source code is governed by an AGPL-style
// license that can be found in the LICENSE file.

package main

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v2"

	tunnel "github.com/hons82/go-tcp-tunnel"
	"github.com/hons82/go-tcp-tunnel/connection"
	"github.com/hons82/go-tcp-tunnel/id"
	"github.com/hons82/go-tcp-tunnel/proto"
)

// Outer is destination of a mapping, in configuration it's either
// "a.b.c.d:port" or [a, b, c, d, port].
type Outer string

// UnmarshalYAML implements yaml.Unmarshaler.
func (o *Outer) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err == nil {
		*o = Outer(s)
		return nil
	}

	var a []int
	if err := unmarshal(&a); err != nil {
		return fmt.Errorf("expected \"a.b.c.d:port\" or [a, b, c, d, port]")
	}
	if len(a) != 5 {
		return fmt.Errorf("expected [a, b, c, d, port] got %d elements", len(a))
	}
	for _, b := range a[:4] {
		if b < 0 || b > 255 {
			return fmt.Errorf("invalid address octet %d", b)
		}
	}
	if a[4] < 0 || a[4] > 65535 {
		return fmt.Errorf("invalid port %d", a[4])
	}

	*o = Outer(fmt.Sprintf("%d.%d.%d.%d:%d", a[0], a[1], a[2], a[3], a[4]))
	return nil
}

// MappingConfig binds local inner port to outer destination.
type MappingConfig struct {
	Inner uint16 `yaml:"inner"`
	Outer Outer  `yaml:"outer"`
}

// ClientConfig is tunnel client configuration file.
type ClientConfig struct {
	Server            string                      `yaml:"server"`
	PublicKeyFile     string                      `yaml:"public-key-file"`
	ServerName        string                      `yaml:"server-name,omitempty"`
	ServerID          string                      `yaml:"server-id,omitempty"`
	Transport         string                      `yaml:"transport,omitempty"`
	ListenHost        string                      `yaml:"listen-host,omitempty"`
	MaxConns          int                         `yaml:"max-conns,omitempty"`
	RelayPolicy       string                      `yaml:"relay-policy,omitempty"`
	StreamOpenTimeout time.Duration               `yaml:"stream-open-timeout,omitempty"`
	MetricsAddr       string                      `yaml:"metrics-addr,omitempty"`
	Backoff           *connection.BackoffConfig   `yaml:"backoff,omitempty"`
	KeepAlive         *connection.KeepAliveConfig `yaml:"keepalive,omitempty"`
	Map               []*MappingConfig            `yaml:"map"`
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

func loadClientConfigFromFile(path string) (*ClientConfig, error) {
	configBuf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file %q: %s", path, err)
	}

	configBuf, err = section(configBuf, "client")
	if err != nil {
		return nil, fmt.Errorf("failed to parse file %q: %s", path, err)
	}

	// deserialize/parse the config
	var config ClientConfig
	if err = yaml.Unmarshal(configBuf, &config); err != nil {
		return nil, fmt.Errorf("failed to parse file %q: %s", path, err)
	}

	// set default values
	if config.PublicKeyFile == "" {
		config.PublicKeyFile = filepath.Join(filepath.Dir(path), "server.crt")
	}
	if config.ServerName == "" {
		config.ServerName = proto.DefaultServerName
	}
	if config.Transport == "" {
		config.Transport = proto.QUIC
	}
	if config.ListenHost == "" {
		config.ListenHost = tunnel.DefaultListenHost
	}
	if config.Backoff == nil {
		config.Backoff = connection.NewDefaultBackoffConfig()
	} else {
		config.Backoff.SetDefaults()
	}
	if config.KeepAlive == nil {
		config.KeepAlive = connection.NewDefaultKeepAliveConfig()
	}

	// validate and normalize configuration
	if config.Server == "" {
		return nil, fmt.Errorf("server: missing")
	}
	if config.Server, err = normalizeAddress(config.Server); err != nil {
		return nil, fmt.Errorf("server: %s", err)
	}

	if config.ServerID != "" {
		if _, err := id.Parse(config.ServerID); err != nil {
			return nil, fmt.Errorf("server-id: %s", err)
		}
	}

	switch config.Transport {
	case proto.QUIC, proto.YAMUX:
	default:
		return nil, fmt.Errorf("transport: invalid transport %q", config.Transport)
	}

	if _, err := tunnel.ParseRelayPolicy(config.RelayPolicy); err != nil {
		return nil, fmt.Errorf("relay-policy: %s", err)
	}
	if config.MaxConns < 0 {
		return nil, fmt.Errorf("max-conns: must not be negative")
	}

	if _, err := config.mappings(); err != nil {
		return nil, fmt.Errorf("map: %s", err)
	}

	return &config, nil
}

func (c *ClientConfig) mappings() ([]*tunnel.Mapping, error) {
	mappings := make([]*tunnel.Mapping, 0, len(c.Map))
	for i, mc := range c.Map {
		m, err := tunnel.ParseMapping(mc.Inner, string(mc.Outer))
		if err != nil {
			return nil, fmt.Errorf("%d: %s", i, err)
		}
		mappings = append(mappings, m)
	}

	if err := tunnel.ValidateMappings(mappings); err != nil {
		return nil, err
	}

	return mappings, nil
}

// certPool loads trust anchor of the server, all certificates found in the
// file are trusted.
func (c *ClientConfig) certPool() (*x509.CertPool, error) {
	b, err := os.ReadFile(c.PublicKeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read file %q: %s", c.PublicKeyFile, err)
	}

	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(b) {
		return nil, fmt.Errorf("no certificates found in %q", c.PublicKeyFile)
	}

	return pool, nil
}

// tlsConfig returns TLS configuration trusting pool, if server-id is set the
// server certificate is pinned as well.
func (c *ClientConfig) tlsConfig(pool *x509.CertPool) *tls.Config {
	config := &tls.Config{
		RootCAs:    pool,
		ServerName: c.ServerName,
		MinVersion: tls.VersionTLS12,
	}
	if c.ServerID != "" {
		serverID, _ := id.Parse(c.ServerID)
		config.VerifyPeerCertificate = id.VerifyPeer(serverID)
	}
	return config
}
