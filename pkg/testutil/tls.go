// Package testutil contains helpers shared by tests.
package testutil

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"
)

// LocalTLS contains a root CA and a server certificate signed by the root CA
// that is valid for 127.0.0.1.
type LocalTLS struct {
	RootCAs *x509.CertPool

	// RootCAPEM is the PEM encoded root CA certificate.
	RootCAPEM []byte

	ServerCert tls.Certificate

	// ServerCertPEM and ServerKeyPEM are the PEM encoded server certificate
	// and private key.
	ServerCertPEM []byte
	ServerKeyPEM  []byte
}

// WriteFiles writes the root CA, server certificate and server key to
// 'ca.pem', 'cert.pem' and 'key.pem' in dir.
func (l *LocalTLS) WriteFiles(dir string) (caPath, certPath, keyPath string, err error) {
	caPath = filepath.Join(dir, "ca.pem")
	certPath = filepath.Join(dir, "cert.pem")
	keyPath = filepath.Join(dir, "key.pem")

	for path, b := range map[string][]byte{
		caPath:   l.RootCAPEM,
		certPath: l.ServerCertPEM,
		keyPath:  l.ServerKeyPEM,
	} {
		if err := os.WriteFile(path, b, 0o600); err != nil {
			return "", "", "", fmt.Errorf("write: %s: %w", path, err)
		}
	}
	return caPath, certPath, keyPath, nil
}

// NewLocalTLS creates a root CA and server TLS certificate.
func NewLocalTLS() (*LocalTLS, error) {
	rootPub, rootKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	rootTemplate, err := certTemplate()
	if err != nil {
		return nil, fmt.Errorf("root cert template: %w", err)
	}
	// CA certificate.
	rootTemplate.IsCA = true
	rootTemplate.KeyUsage = x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature
	rootTemplate.ExtKeyUsage = []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth}

	rootCertDER, rootCert, err := cert(
		rootTemplate, rootTemplate, rootPub, rootKey,
	)
	if err != nil {
		return nil, fmt.Errorf("root cert: %w", err)
	}

	serverPub, serverKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	serverTemplate, err := certTemplate()
	if err != nil {
		return nil, fmt.Errorf("server cert template: %w", err)
	}
	serverTemplate.KeyUsage = x509.KeyUsageDigitalSignature
	serverTemplate.ExtKeyUsage = []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth}
	serverTemplate.IPAddresses = []net.IP{net.IPv4(127, 0, 0, 1)}

	// Sign the cert using the root CA.
	serverCertDER, _, err := cert(
		serverTemplate, rootCert, serverPub, rootKey,
	)
	if err != nil {
		return nil, fmt.Errorf("server cert: %w", err)
	}

	serverKeyDER, err := x509.MarshalPKCS8PrivateKey(serverKey)
	if err != nil {
		return nil, fmt.Errorf("marshal server key: %w", err)
	}

	l := &LocalTLS{
		RootCAs: x509.NewCertPool(),
		RootCAPEM: pem.EncodeToMemory(&pem.Block{
			Type: "CERTIFICATE", Bytes: rootCertDER,
		}),
		ServerCertPEM: pem.EncodeToMemory(&pem.Block{
			Type: "CERTIFICATE", Bytes: serverCertDER,
		}),
		ServerKeyPEM: pem.EncodeToMemory(&pem.Block{
			Type: "PRIVATE KEY", Bytes: serverKeyDER,
		}),
	}
	l.RootCAs.AddCert(rootCert)

	l.ServerCert, err = tls.X509KeyPair(l.ServerCertPEM, l.ServerKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("server key pair: %w", err)
	}
	return l, nil
}

func cert(
	template *x509.Certificate,
	parent *x509.Certificate,
	publicKey any,
	parentPrivateKey any,
) ([]byte, *x509.Certificate, error) {
	certDER, err := x509.CreateCertificate(
		rand.Reader, template, parent, publicKey, parentPrivateKey,
	)
	if err != nil {
		return nil, nil, fmt.Errorf("create cert: %w", err)
	}
	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return nil, nil, fmt.Errorf("parse cert: %w", err)
	}
	return certDER, cert, nil
}

func certTemplate() (*x509.Certificate, error) {
	serialNumberLimit := new(big.Int).Lsh(big.NewInt(1), 128)
	serialNumber, err := rand.Int(rand.Reader, serialNumberLimit)
	if err != nil {
		return nil, fmt.Errorf("generate serial: %w", err)
	}

	return &x509.Certificate{
		SerialNumber:          serialNumber,
		Subject:               pkix.Name{Organization: []string{"samplemesh"}},
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().Add(time.Hour * 24),
		BasicConstraintsValid: true,
	}, nil
}
