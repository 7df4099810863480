package cryptoutils

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateAttestedCertificate(t *testing.T) {
	key, keyPEM, err := RandomP256Key()
	require.NoError(t, err)

	now := time.Now()
	certPEM, err := CreateAttestedCertificate(key, "management_service", []byte(`{"report":"x"}`), now.Add(-time.Minute), now.Add(time.Hour))
	require.NoError(t, err)
	require.NoError(t, certPEM.Validate())

	require.NoError(t, VerifyCertificate(keyPEM, certPEM, "management_service"))
	require.Error(t, VerifyCertificate(keyPEM, certPEM, "frontend_service"))

	cert, err := certPEM.GetX509Cert()
	require.NoError(t, err)
	ext, err := EndorsedReportExtension(cert)
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"report":"x"}`), ext)

	reportData := ReportDataForKey(cert.RawSubjectPublicKeyInfo)
	assert.Equal(t, DERPubkeyHash(cert.RawSubjectPublicKeyInfo), reportData[:32])
	assert.Equal(t, make([]byte, 32), reportData[32:])

	_, err = KeyPair(certPEM, keyPEM)
	require.NoError(t, err)
}

func TestKeyPairRejectsMismatchedKey(t *testing.T) {
	key, _, err := RandomP256Key()
	require.NoError(t, err)
	_, otherKeyPEM, err := RandomP256Key()
	require.NoError(t, err)

	certPEM, err := CreateAttestedCertificate(key, "svc", nil, time.Now(), time.Now().Add(time.Hour))
	require.NoError(t, err)

	_, err = KeyPair(certPEM, otherKeyPEM)
	require.Error(t, err)

	_, err = KeyPair(nil, otherKeyPEM)
	require.Error(t, err)
}

func TestEndorsedReportExtensionMissing(t *testing.T) {
	tlsCert, err := RandomCert()
	require.NoError(t, err)
	require.NotNil(t, tlsCert.Leaf)

	_, err = EndorsedReportExtension(tlsCert.Leaf)
	require.Error(t, err)
}

func TestAppPrivkeyZero(t *testing.T) {
	_, keyPEM, err := RandomP256Key()
	require.NoError(t, err)
	require.NoError(t, keyPEM.Validate())

	keyPEM.Zero()
	for _, b := range keyPEM {
		require.Zero(t, b)
	}
	require.Error(t, keyPEM.Validate())
}

func TestParseCACertRejectsLeaf(t *testing.T) {
	key, _, err := RandomP256Key()
	require.NoError(t, err)
	certPEM, err := CreateAttestedCertificate(key, "svc", nil, time.Now(), time.Now().Add(time.Hour))
	require.NoError(t, err)

	_, err = ParseCACert(string(certPEM))
	require.ErrorContains(t, err, "not a CA")

	_, err = ParseCACert("%%%")
	require.Error(t, err)
}
