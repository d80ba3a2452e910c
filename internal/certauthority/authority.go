// Package certauthority generates the proxy's root CA and mints per-host
// leaf certificates signed by it. The root is generated once per server
// lifetime and is read-only afterwards; every intercepted connection
// references it but none may mutate it.
package certauthority

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"time"
)

const organization = "http-logger.net interception proxy"

// Authority holds the root CA key pair.
type Authority struct {
	ca     tls.Certificate
	x509ca *x509.Certificate
}

// New generates a fresh self-signed root authority.
func New() (*Authority, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, err
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, err
	}

	now := time.Now()
	template := x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:   "http-logger.net root",
			Organization: []string{organization},
		},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(10 * 365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return nil, err
	}
	x509ca, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, err
	}
	return &Authority{
		ca: tls.Certificate{
			Certificate: [][]byte{der},
			PrivateKey:  key,
			Leaf:        x509ca,
		},
		x509ca: x509ca,
	}, nil
}

// FromKeyPair loads an existing authority from PEM-encoded certificate and
// key, for setups where clients already trust a persisted root.
func FromKeyPair(certPEM, keyPEM []byte) (*Authority, error) {
	ca, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, err
	}
	x509ca, err := x509.ParseCertificate(ca.Certificate[0])
	if err != nil {
		return nil, err
	}
	return &Authority{ca: ca, x509ca: x509ca}, nil
}

// CertPEM returns the root certificate in PEM form, ready to be imported
// into a client trust store.
func (a *Authority) CertPEM() []byte {
	var buf bytes.Buffer
	pem.Encode(&buf, &pem.Block{Type: "CERTIFICATE", Bytes: a.ca.Certificate[0]})
	return buf.Bytes()
}

// KeyPEM returns the root private key in PEM form, for persisting an
// authority across runs.
func (a *Authority) KeyPEM() ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(a.ca.PrivateKey)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	pem.Encode(&buf, &pem.Block{Type: "PRIVATE KEY", Bytes: der})
	return buf.Bytes(), nil
}

// Root exposes the root certificate for test verification pools.
func (a *Authority) Root() *x509.Certificate { return a.x509ca }

// Leaf mints a certificate for host, signed by the root. IP literals become
// IP SANs, everything else a DNS SAN.
func (a *Authority) Leaf(host string) (*tls.Certificate, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	template := x509.Certificate{
		SerialNumber: hashedSerial(host),
		Subject: pkix.Name{
			CommonName:   host,
			Organization: []string{organization},
		},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}
	if ip := net.ParseIP(host); ip != nil {
		template.IPAddresses = append(template.IPAddresses, ip)
	} else {
		template.DNSNames = append(template.DNSNames, host)
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, a.x509ca, &key.PublicKey, a.ca.PrivateKey)
	if err != nil {
		return nil, err
	}
	return &tls.Certificate{
		Certificate: [][]byte{der, a.ca.Certificate[0]},
		PrivateKey:  key,
	}, nil
}

// hashedSerial derives a stable serial number from the host name, so
// re-issued certificates for the same host keep the same serial.
func hashedSerial(host string) *big.Int {
	h := sha1.Sum([]byte(host))
	return new(big.Int).SetBytes(h[:])
}
