package main

import (
	"crypto/tls"

	"github.com/pkg/errors"

	"go.gazette.dev/replicad/config"
)

// loadTLSConfig builds a *tls.Config from the configured cert/key pair
// for transparently wrapping accepted replication sockets.
func loadTLSConfig(cfg config.SSLConfig) (*tls.Config, error) {
	var pair, err = tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, errors.Wrap(err, "loading SSL certificate/key pair")
	}
	return &tls.Config{Certificates: []tls.Certificate{pair}}, nil
}
