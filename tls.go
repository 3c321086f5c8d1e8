package main

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"fmt"
	"math/big"
	"sync"
	"time"
)

// dccCertValidity is how long the self-signed certificate used to terminate
// secure (SSEND) passive DCC listeners remains valid.
const dccCertValidity = 365 * 24 * time.Hour

var (
	dccTLSOnce        sync.Once
	dccTLSConfig      *tls.Config
	dccTLSFingerprint string
	dccTLSErr         error
)

// dccServerTLSConfig lazily builds and caches the tls.Config an Engine uses
// to accept a secure passive (SSEND) DCC connection: one process-wide
// self-signed identity is enough, since the peer only ever checks that the
// handshake completes, never the certificate chain.
func dccServerTLSConfig() (*tls.Config, string, error) {
	dccTLSOnce.Do(func() {
		dccTLSConfig, dccTLSFingerprint, dccTLSErr = generateSelfSignedCert(dccCertValidity, "dccbot")
	})
	return dccTLSConfig, dccTLSFingerprint, dccTLSErr
}

// generateSelfSignedCert creates a self-signed TLS certificate. Returns the
// tls.Config, its SHA-256 fingerprint, and any error. validity controls how
// long the certificate remains valid; hostname becomes the Common Name and
// is added to the DNS SANs alongside "localhost".
func generateSelfSignedCert(validity time.Duration, hostname string) (*tls.Config, string, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, "", fmt.Errorf("generate key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, "", fmt.Errorf("generate serial: %w", err)
	}

	cn := "dccbot"
	if hostname != "" {
		cn = hostname
	}

	sans := []string{"localhost"}
	if hostname != "" && hostname != "localhost" {
		sans = append(sans, hostname)
	}

	tmpl := x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: cn},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(validity),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              sans,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, "", fmt.Errorf("create certificate: %w", err)
	}

	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return nil, "", fmt.Errorf("parse certificate: %w", err)
	}

	fp := sha256.Sum256(certDER)
	fingerprint := hex.EncodeToString(fp[:])

	tlsCert := tls.Certificate{
		Certificate: [][]byte{certDER},
		PrivateKey:  key,
		Leaf:        cert,
	}

	return &tls.Config{Certificates: []tls.Certificate{tlsCert}}, fingerprint, nil
}
