package rpc

import (
	"crypto/tls"
	"crypto/x509"
	"os"

	"google.golang.org/grpc/credentials"

	"github.com/equivault/enclave-worker/internal/config"
	"github.com/equivault/enclave-worker/internal/faults"
)

// loadTransportCredentials builds the listener's TLS config from the
// certificate triple. Any load failure means the process must refuse to
// bind; plaintext serving is never a fallback.
func loadTransportCredentials(cfg config.TLSConfig) (credentials.TransportCredentials, error) {
	if cfg.ServerCert == "" || cfg.ServerKey == "" {
		return nil, faults.New(faults.KindInternal, "TLS server certificate and key are required")
	}
	cert, err := tls.LoadX509KeyPair(cfg.ServerCert, cfg.ServerKey)
	if err != nil {
		return nil, faults.Wrap(faults.KindInternal, "load server certificate", err)
	}

	tlsCfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}

	if cfg.CACert != "" {
		caPEM, err := os.ReadFile(cfg.CACert)
		if err != nil {
			return nil, faults.Wrap(faults.KindInternal, "read CA certificate", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caPEM) {
			return nil, faults.New(faults.KindInternal, "CA certificate not parseable")
		}
		tlsCfg.ClientCAs = pool
	}

	if cfg.RequireClientCert {
		if tlsCfg.ClientCAs == nil {
			return nil, faults.New(faults.KindInternal, "client certificates required but no CA configured")
		}
		tlsCfg.ClientAuth = tls.RequireAndVerifyClientCert
	}

	return credentials.NewTLS(tlsCfg), nil
}
