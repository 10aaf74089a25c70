// Package config loads the replication server's configuration.
package config

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Millis is a duration configured in YAML as a plain integer number
// of milliseconds. gopkg.in/yaml.v3 has no native time.Duration
// support, so a bare `1000` under a time.Duration field would
// unmarshal as 1000 nanoseconds; Millis makes the documented "ms"
// units explicit and enforced at parse time.
type Millis int64

// Duration converts m to a time.Duration.
func (m Millis) Duration() time.Duration { return time.Duration(m) * time.Millisecond }

// UnmarshalYAML decodes a plain integer number of milliseconds.
func (m *Millis) UnmarshalYAML(node *yaml.Node) error {
	var ms int64
	if err := node.Decode(&ms); err != nil {
		return errors.Wrap(err, "duration must be an integer number of milliseconds")
	}
	*m = Millis(ms)
	return nil
}

// MarshalYAML encodes m as a plain integer number of milliseconds.
func (m Millis) MarshalYAML() (interface{}, error) {
	return int64(m), nil
}

// ServerNode identifies one instance's address within the configured
// cluster. One process picks Nodes[Instance] at startup.
type ServerNode struct {
	ID       string `yaml:"id"`
	Hostname string `yaml:"hostname"`
	Port     int    `yaml:"port"`
}

// SSLConfig gates whether accepted sockets are transparently
// TLS-wrapped. Key material itself is an external collaborator; this
// only carries the enable flag and file paths an external loader
// resolves into a *tls.Config.
type SSLConfig struct {
	Secure   bool   `yaml:"secure"`
	CertFile string `yaml:"certFile"`
	KeyFile  string `yaml:"keyFile"`
}

// ClientSocketOptions documents the socket options replication
// clients are expected to set; this server does not enforce them, but
// records them so operators wiring up clients have one place to look.
type ClientSocketOptions struct {
	TCPNoDelay bool   `yaml:"tcpNoDelay"`
	KeepAlive  bool   `yaml:"keepAlive"`
	SendBuf    int    `yaml:"soSndBuf"`
	Linger     Millis `yaml:"soLinger"`
}

// Config is the full set of server options.
type Config struct {
	HeartbeatFrequency Millis       `yaml:"heartbeatFrequency"`
	MulticastEnabled   bool         `yaml:"multicastEnabled"`
	MulticastAddress   string       `yaml:"multicastAddress"`
	MulticastPort      int          `yaml:"multicastPort"`
	SoRcvBuf           int          `yaml:"soRcvBuf"`
	IfName             string       `yaml:"ifName"`
	SSL                SSLConfig    `yaml:"sslConfig"`
	Nodes              []ServerNode `yaml:"nodes"`
	Instance           int          `yaml:"instance"`

	// AdminListenAddr is parsed but not read by cmd/replicad, which
	// takes the admin gRPC and HTTP (server/admin.go) addresses from its
	// --admin-grpc-addr and --admin-http-addr flags instead.
	AdminListenAddr string `yaml:"adminListenAddr"`

	// Etcd, if Endpoints is non-empty, enables cluster.VoteWatcher.
	Etcd EtcdConfig `yaml:"etcd"`

	ClientSocketOptions ClientSocketOptions `yaml:"clientSocketOptions"`
}

// EtcdConfig parametrizes the optional cluster.VoteWatcher.
type EtcdConfig struct {
	Endpoints []string `yaml:"endpoints"`
	VoteKey   string   `yaml:"voteKey"`
}

// Default returns a Config with the server's documented defaults.
func Default() Config {
	return Config{
		HeartbeatFrequency: Millis(time.Second / time.Millisecond),
		MulticastEnabled:   true,
		MulticastPort:      4446,
		SoRcvBuf:           1 << 20,
		ClientSocketOptions: ClientSocketOptions{
			TCPNoDelay: true,
			KeepAlive:  true,
			SendBuf:    8 << 10,
			Linger:     0,
		},
	}
}

// Load reads and parses a YAML config file at path, applying Default
// for any field the file does not set.
func Load(path string) (Config, error) {
	var cfg = Default()

	var raw, err = os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrapf(err, "reading config %q", path)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, errors.Wrapf(err, "parsing config %q", path)
	}
	if cfg.Instance < 0 || cfg.Instance >= len(cfg.Nodes) && len(cfg.Nodes) > 0 {
		return Config{}, errors.Errorf("instance %d out of range of %d configured nodes",
			cfg.Instance, len(cfg.Nodes))
	}
	return cfg, nil
}

// Node returns this process's own ServerNode, selected by Instance.
func (c Config) Node() (ServerNode, bool) {
	if c.Instance < 0 || c.Instance >= len(c.Nodes) {
		return ServerNode{}, false
	}
	return c.Nodes[c.Instance], true
}
