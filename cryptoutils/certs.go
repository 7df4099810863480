package cryptoutils

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"time"
)

// OIDEndorsedReport marks the certificate extension carrying the endorsed attestation report.
var OIDEndorsedReport asn1.ObjectIdentifier = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 55555, 1, 1}

// VerifyCertificate validates that a certificate matches a given private key and, unless
// expectedCN is empty, has the expected common name.
func VerifyCertificate(keyPEM, certPEM []byte, expectedCN string) error {
	keyBlock, _ := pem.Decode(keyPEM)
	if keyBlock == nil || keyBlock.Type != "PRIVATE KEY" {
		return errors.New("failed to decode private key PEM block")
	}

	privateKey, err := x509.ParsePKCS8PrivateKey(keyBlock.Bytes)
	if err != nil {
		return fmt.Errorf("failed to parse private key: %w", err)
	}

	certBlock, _ := pem.Decode(certPEM)
	if certBlock == nil || certBlock.Type != "CERTIFICATE" {
		return errors.New("failed to decode certificate PEM block")
	}

	cert, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return fmt.Errorf("failed to parse certificate: %w", err)
	}

	if expectedCN != "" && cert.Subject.CommonName != expectedCN {
		return fmt.Errorf("CommonName is %s, expected %s", cert.Subject.CommonName, expectedCN)
	}

	certPublicKey := cert.PublicKey
	privatePublicKey := privateKey.(interface{ Public() crypto.PublicKey }).Public()

	if ecdsaCertKey, ok := certPublicKey.(*ecdsa.PublicKey); ok {
		ecdsaPrivKey, ok := privatePublicKey.(*ecdsa.PublicKey)
		if !ok {
			return errors.New("private key type doesn't match certificate")
		}

		if !ecdsaCertKey.Equal(ecdsaPrivKey) {
			return errors.New("private key doesn't match certificate")
		}
		return nil
	}

	return errors.New("unsupported key type")
}

// CreateAttestedCertificate self-signs a certificate for key carrying
// the endorsed report in the OIDEndorsedReport extension.
func CreateAttestedCertificate(key *ecdsa.PrivateKey, cn string, endorsedReport []byte, notBefore, notAfter time.Time) (TLSCert, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, err
	}

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: cn},
		DNSNames:     []string{cn},
		NotBefore:    notBefore,
		NotAfter:     notAfter,
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		ExtraExtensions: []pkix.Extension{
			{Id: OIDEndorsedReport, Critical: false, Value: endorsedReport},
		},
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, template, key.Public(), key)
	if err != nil {
		return nil, fmt.Errorf("creating certificate: %w", err)
	}

	return TLSCert(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})), nil
}

// EndorsedReportExtension returns the raw endorsed report embedded in cert.
func EndorsedReportExtension(cert *x509.Certificate) ([]byte, error) {
	for _, ext := range cert.Extensions {
		if ext.Id.Equal(OIDEndorsedReport) {
			return ext.Value, nil
		}
	}
	return nil, errors.New("certificate carries no endorsed report")
}

// RandomCert generates a random self-signed certificate to use
// for https clients where chain of trust does not matter.
func RandomCert() (tls.Certificate, error) {
	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{},
		NotBefore:    time.Now().Add(-time.Minute),
		NotAfter:     time.Now().Add(24 * time.Hour),
	}

	privateKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, err
	}

	certASN1, err := x509.CreateCertificate(rand.Reader, template, template,
		privateKey.Public(), privateKey)
	if err != nil {
		return tls.Certificate{}, err
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certASN1})

	privkeyBytes, err := x509.MarshalPKCS8PrivateKey(privateKey)
	if err != nil {
		return tls.Certificate{}, err
	}

	return tls.X509KeyPair(certPEM, pem.EncodeToMemory(&pem.Block{
		Type:  "PRIVATE KEY",
		Bytes: privkeyBytes,
	}))
}

func DERPubkeyHash(pubkeyDER []byte) []byte {
	shaHash := sha256.Sum256(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubkeyDER}))
	return shaHash[:]
}

// ReportDataForKey binds a public key to an attestation quote.
func ReportDataForKey(pubkeyDER []byte) [64]byte {
	var reportData [64]byte
	copy(reportData[:], DERPubkeyHash(pubkeyDER))
	return reportData
}
