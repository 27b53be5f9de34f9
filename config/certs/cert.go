// Package certs loads the mutual TLS material for the coordinator's gRPC
// transport and can mint a throwaway CA plus server and client pairs for
// local clusters.
package certs

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
)

// File names written by GenerateDevCerts.
const (
	CAFile         = "ca.crt"
	ServerCertFile = "server.crt"
	ServerKeyFile  = "server.key"
	ClientCertFile = "client.crt"
	ClientKeyFile  = "client.key"
)

var ErrNoCACerts = errors.New("no CA certificates found")

// TLSConfig points at PEM files. With Enabled false the transport runs in
// plaintext.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CAFile   string `yaml:"ca_file"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
	// ServerName overrides the name the client verifies. Defaults to the
	// host part of the dialed address.
	ServerName string `yaml:"server_name"`
}

// LoadServerTLSConfig builds a server config that requires and verifies
// client certificates signed by the CA.
func LoadServerTLSConfig(cfg TLSConfig) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("could not load server key pair: %w", err)
	}
	pool, err := loadCAPool(cfg.CAFile)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{cert},
		ClientAuth:   tls.RequireAndVerifyClientCert,
		ClientCAs:    pool,
	}, nil
}

// LoadClientTLSConfig builds a client config that presents the client
// certificate and verifies the server against the CA.
func LoadClientTLSConfig(cfg TLSConfig) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("could not load client key pair: %w", err)
	}
	pool, err := loadCAPool(cfg.CAFile)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{cert},
		RootCAs:      pool,
		ServerName:   cfg.ServerName,
	}, nil
}

// ServerOption returns the grpc.ServerOption carrying cfg's credentials, or
// nil when TLS is disabled.
func ServerOption(cfg TLSConfig) (grpc.ServerOption, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	tlsCfg, err := LoadServerTLSConfig(cfg)
	if err != nil {
		return nil, err
	}
	return grpc.Creds(credentials.NewTLS(tlsCfg)), nil
}

// DialOption returns the transport credentials for a client.
func DialOption(cfg TLSConfig) (grpc.DialOption, error) {
	if !cfg.Enabled {
		return grpc.WithTransportCredentials(insecure.NewCredentials()), nil
	}
	tlsCfg, err := LoadClientTLSConfig(cfg)
	if err != nil {
		return nil, err
	}
	return grpc.WithTransportCredentials(credentials.NewTLS(tlsCfg)), nil
}

func loadCAPool(path string) (*x509.CertPool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("could not read CA certificate: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(data) {
		return nil, fmt.Errorf("%w in %s", ErrNoCACerts, path)
	}
	return pool, nil
}

// GenerateDevCerts writes a CA and CA-signed server and client pairs into
// dir. hosts become the server certificate's SANs; "localhost" and
// 127.0.0.1 are always included. The returned configs point at the files.
func GenerateDevCerts(dir string, validFor time.Duration, hosts ...string) (server, client TLSConfig, err error) {
	if err = os.MkdirAll(dir, 0o755); err != nil {
		return server, client, err
	}
	caKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return server, client, err
	}
	caCert, err := createCACertificate(caKey, validFor)
	if err != nil {
		return server, client, err
	}
	if err = saveCert(filepath.Join(dir, CAFile), caCert); err != nil {
		return server, client, err
	}

	if err = issue(dir, ServerCertFile, ServerKeyFile, "gojotx-coordinator", append([]string{"localhost", "127.0.0.1"}, hosts...), caCert, caKey, validFor, true); err != nil {
		return server, client, err
	}
	if err = issue(dir, ClientCertFile, ClientKeyFile, "gojotx-client", nil, caCert, caKey, validFor, false); err != nil {
		return server, client, err
	}

	ca := filepath.Join(dir, CAFile)
	server = TLSConfig{Enabled: true, CAFile: ca, CertFile: filepath.Join(dir, ServerCertFile), KeyFile: filepath.Join(dir, ServerKeyFile)}
	client = TLSConfig{Enabled: true, CAFile: ca, CertFile: filepath.Join(dir, ClientCertFile), KeyFile: filepath.Join(dir, ClientKeyFile)}
	return server, client, nil
}

func issue(dir, certName, keyName, commonName string, hosts []string, caCert *x509.Certificate, caKey *ecdsa.PrivateKey, validFor time.Duration, isServer bool) error {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return err
	}
	cert, err := createSignedCertificate(key, commonName, hosts, caCert, caKey, validFor, isServer)
	if err != nil {
		return err
	}
	if err := saveCert(filepath.Join(dir, certName), cert); err != nil {
		return err
	}
	return saveKey(filepath.Join(dir, keyName), key)
}

func createCACertificate(key *ecdsa.PrivateKey, validFor time.Duration) (*x509.Certificate, error) {
	now := time.Now()
	template := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{Organization: []string{"gojotx dev CA"}},
		NotBefore:             now.Add(-time.Minute),
		NotAfter:              now.Add(validFor),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, err
	}
	return x509.ParseCertificate(der)
}

func createSignedCertificate(key *ecdsa.PrivateKey, commonName string, hosts []string, caCert *x509.Certificate, caKey *ecdsa.PrivateKey, validFor time.Duration, isServer bool) (*x509.Certificate, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("failed to generate serial: %w", err)
	}
	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: commonName},
		NotBefore:    now.Add(-time.Minute),
		NotAfter:     now.Add(validFor),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}
	if isServer {
		template.ExtKeyUsage = []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth}
	}
	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		} else {
			template.DNSNames = append(template.DNSNames, h)
		}
	}

	der, err := x509.CreateCertificate(rand.Reader, template, caCert, &key.PublicKey, caKey)
	if err != nil {
		return nil, fmt.Errorf("create cert: %w", err)
	}
	return x509.ParseCertificate(der)
}

func saveCert(filename string, cert *x509.Certificate) error {
	out, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer out.Close()
	return pem.Encode(out, &pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw})
}

func saveKey(filename string, key *ecdsa.PrivateKey) error {
	out, err := os.OpenFile(filename, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	defer out.Close()
	der, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return err
	}
	return pem.Encode(out, &pem.Block{Type: "EC PRIVATE KEY", Bytes: der})
}
