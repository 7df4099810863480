package cryptoutils

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"
	"time"
)

// TLSCert is a PEM certificate.
type TLSCert []byte

// CACert is a PEM certificate with the CA flag set.
type CACert []byte

// AppPrivkey is a PEM private key, PKCS#8 or SEC 1.
type AppPrivkey []byte

func decodeCertificate(data []byte) (*x509.Certificate, error) {
	block, _ := pem.Decode(data)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, errors.New("not a PEM certificate")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("invalid certificate: %w", err)
	}
	return cert, nil
}

func (cert TLSCert) Validate() error {
	_, err := decodeCertificate(cert)
	return err
}

func (cert TLSCert) GetX509Cert() (*x509.Certificate, error) {
	return decodeCertificate(cert)
}

func NewCACert(data []byte) (CACert, error) {
	cert, err := decodeCertificate(data)
	if err != nil {
		return nil, err
	}
	if !cert.IsCA {
		return nil, errors.New("certificate is not a CA")
	}
	return CACert(data), nil
}

// ParseCACert accepts either a PEM certificate or base64-encoded DER,
// the latter being the only form that survives -ldflags -X.
func ParseCACert(s string) (CACert, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "-----BEGIN") {
		return NewCACert([]byte(s))
	}

	der, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return CACert{}, fmt.Errorf("CA certificate is neither PEM nor base64 DER: %w", err)
	}
	return NewCACert(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}))
}

func (ca CACert) Validate() error {
	_, err := NewCACert(ca)
	return err
}

func (ca CACert) GetX509Cert() (*x509.Certificate, error) {
	return decodeCertificate(ca)
}

// VerifyCertificate checks if a certificate chains to this CA, optionally
// through the given intermediates.
func (ca CACert) VerifyCertificate(cert *x509.Certificate, intermediates []*x509.Certificate, at time.Time) error {
	caCert, err := ca.GetX509Cert()
	if err != nil {
		return err
	}

	roots := x509.NewCertPool()
	roots.AddCert(caCert)

	inter := x509.NewCertPool()
	for _, c := range intermediates {
		inter.AddCert(c)
	}

	_, err = cert.Verify(x509.VerifyOptions{
		Roots:         roots,
		Intermediates: inter,
		CurrentTime:   at,
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	})
	return err
}

func (priv AppPrivkey) Validate() error {
	block, _ := pem.Decode(priv)
	if block == nil || (block.Type != "PRIVATE KEY" && block.Type != "EC PRIVATE KEY") {
		return errors.New("not a PEM private key")
	}
	if _, err := x509.ParsePKCS8PrivateKey(block.Bytes); err == nil {
		return nil
	}
	if _, err := x509.ParseECPrivateKey(block.Bytes); err != nil {
		return fmt.Errorf("invalid private key: %w", err)
	}
	return nil
}

// Zero overwrites the key material in place.
func (priv AppPrivkey) Zero() {
	for i := range priv {
		priv[i] = 0
	}
}

// RandomP256Key generates an ECDSA P-256 key and returns it together with its PKCS#8 PEM form.
func RandomP256Key() (*ecdsa.PrivateKey, AppPrivkey, error) {
	privateKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, err
	}

	privateKeyBytes, err := x509.MarshalPKCS8PrivateKey(privateKey)
	if err != nil {
		return nil, nil, err
	}

	return privateKey, AppPrivkey(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privateKeyBytes})), nil
}

// KeyPair builds the tls.Certificate presented on attested channels.
func KeyPair(cert TLSCert, key AppPrivkey) (tls.Certificate, error) {
	if len(cert) == 0 || len(key) == 0 {
		return tls.Certificate{}, errors.New("empty certificate or key")
	}
	if err := VerifyCertificate(key, cert, ""); err != nil {
		return tls.Certificate{}, err
	}
	return tls.X509KeyPair(cert, key)
}
