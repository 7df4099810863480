// Package attestationtest provides an in-process attestation authority and a
// simulated quote provider for tests that need real attested identities.
package attestationtest

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"math/big"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/ruteri/tee-attested-services/attestation"
	"github.com/ruteri/tee-attested-services/cryptoutils"
	"github.com/ruteri/tee-attested-services/interfaces"
	"github.com/stretchr/testify/require"
)

const (
	APIKey = "test-subscription-key"
	SPID   = "0123456789ABCDEF0123456789ABCDEF"
)

// Authority signs attestation reports the way the remote attestation service does.
type Authority struct {
	RootCA cryptoutils.CACert

	signingKey  *ecdsa.PrivateKey
	signingCert []byte
	server      *httptest.Server

	mu     sync.Mutex
	status string
	clock  func() time.Time
}

// NewAuthority starts an authority on a loopback httptest server. It is closed when the test ends.
func NewAuthority(t testing.TB) *Authority {
	t.Helper()

	rootKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	rootTemplate := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "Test Attestation Root CA"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
	}
	rootDER, err := x509.CreateCertificate(rand.Reader, rootTemplate, rootTemplate, rootKey.Public(), rootKey)
	require.NoError(t, err)
	rootCert, err := x509.ParseCertificate(rootDER)
	require.NoError(t, err)

	signingKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	signingTemplate := &x509.Certificate{
		SerialNumber: big.NewInt(2),
		Subject:      pkix.Name{CommonName: "Test Attestation Report Signing"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	signingDER, err := x509.CreateCertificate(rand.Reader, signingTemplate, rootCert, signingKey.Public(), rootKey)
	require.NoError(t, err)

	rootPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: rootDER})
	a := &Authority{
		RootCA:      cryptoutils.CACert(rootPEM),
		signingKey:  signingKey,
		signingCert: append(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: signingDER}), rootPEM...),
		status:      attestation.QuoteStatusOK,
		clock:       time.Now,
	}

	a.server = httptest.NewServer(http.HandlerFunc(a.handleReport))
	t.Cleanup(a.server.Close)
	return a
}

// URL is the AttestationConfig.URL of this authority.
func (a *Authority) URL() string { return a.server.URL }

// Config returns a valid sgx_epid AttestationConfig pointing at this authority.
func (a *Authority) Config() interfaces.AttestationConfig {
	return interfaces.AttestationConfig{
		Algorithm: cryptoutils.SGXEPIDAttestation.StringID,
		URL:       a.URL(),
		APIKey:    APIKey,
		SPID:      SPID,
	}
}

// SetQuoteStatus changes the status put in subsequent reports.
func (a *Authority) SetQuoteStatus(status string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.status = status
}

// SetClock changes the timestamp put in subsequent reports.
func (a *Authority) SetClock(clock func() time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.clock = clock
}

// Endorse signs a report over quote.
func (a *Authority) Endorse(quote []byte, nonce string) (*attestation.EndorsedReport, error) {
	a.mu.Lock()
	status, now := a.status, a.clock()
	a.mu.Unlock()

	report, err := json.Marshal(attestation.ReportBody{
		ID:                    uuid.NewString(),
		Timestamp:             now.UTC().Format(attestation.ReportTimestampFormat),
		Version:               4,
		ISVEnclaveQuoteStatus: status,
		ISVEnclaveQuoteBody:   base64.StdEncoding.EncodeToString(quote),
		Nonce:                 nonce,
	})
	if err != nil {
		return nil, err
	}

	digest := sha256.Sum256(report)
	sig, err := a.signingKey.Sign(rand.Reader, digest[:], crypto.SHA256)
	if err != nil {
		return nil, err
	}

	return &attestation.EndorsedReport{
		Report:      report,
		Signature:   sig,
		SigningCert: a.signingCert,
	}, nil
}

func (a *Authority) handleReport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost || r.URL.Path != attestation.ReportPath {
		http.NotFound(w, r)
		return
	}
	if r.Header.Get("Ocp-Apim-Subscription-Key") != APIKey {
		http.Error(w, "invalid subscription key", http.StatusUnauthorized)
		return
	}

	var req struct {
		ISVEnclaveQuote string `json:"isvEnclaveQuote"`
		Nonce           string `json:"nonce"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	quote, err := base64.StdEncoding.DecodeString(req.ISVEnclaveQuote)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	endorsed, err := a.Endorse(quote, req.Nonce)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("X-IASReport-Signature", base64.StdEncoding.EncodeToString(endorsed.Signature))
	w.Header().Set("X-IASReport-Signing-Certificate", url.PathEscape(string(endorsed.SigningCert)))
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(endorsed.Report)
}
