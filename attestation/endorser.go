package attestation

import (
	"bytes"
	"context"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/ruteri/tee-attested-services/cryptoutils"
	"github.com/ruteri/tee-attested-services/interfaces"
)

const (
	DefaultCertValidity = 30 * 24 * time.Hour

	headerSubscriptionKey = "Ocp-Apim-Subscription-Key"
	headerSignature       = "X-IASReport-Signature"
	headerSigningCert     = "X-IASReport-Signing-Certificate"

	// ReportPath is appended to AttestationConfig.URL.
	ReportPath = "/attestation/v4/report"

	maxReportSize = 1 << 20
)

// QuoteProviderFactory picks the quoting backend for an attestation config.
type QuoteProviderFactory func(cfg interfaces.AttestationConfig) (cryptoutils.QuoteProvider, error)

// DefaultQuoteProviders uses the local TDX device for tdx_dcap, and a quoting
// daemon at quoteDaemon for every algorithm when it is set.
func DefaultQuoteProviders(quoteDaemon string) QuoteProviderFactory {
	return func(cfg interfaces.AttestationConfig) (cryptoutils.QuoteProvider, error) {
		at, err := cryptoutils.AttestationTypeFromString(cfg.Algorithm)
		if err != nil {
			return nil, err
		}
		if quoteDaemon != "" {
			return &cryptoutils.RemoteQuoteProvider{Address: quoteDaemon, Type: at, SPID: cfg.SPID}, nil
		}
		if at == cryptoutils.TDXDCAPAttestation {
			return cryptoutils.DCAPQuoteProvider{}, nil
		}
		return nil, fmt.Errorf("no quote provider available for %s", at)
	}
}

// ValidateConfig checks an AttestationConfig before any key is generated.
func ValidateConfig(cfg interfaces.AttestationConfig) error {
	at, err := cryptoutils.AttestationTypeFromString(cfg.Algorithm)
	if err != nil {
		return err
	}

	u, err := url.Parse(cfg.URL)
	if err != nil {
		return fmt.Errorf("invalid attestation url: %w", err)
	}
	if (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
		return fmt.Errorf("invalid attestation url %q", cfg.URL)
	}

	if at == cryptoutils.SGXEPIDAttestation {
		if cfg.APIKey == "" {
			return errors.New("attestation key is required for sgx_epid")
		}
		if spid, err := hex.DecodeString(cfg.SPID); err != nil || len(spid) != 16 {
			return errors.New("spid must be 32 hex characters")
		}
	}
	return nil
}

type EndorserConfig struct {
	Log            *slog.Logger
	RootCA         cryptoutils.CACert
	QuoteProviders QuoteProviderFactory
	HTTPClient     *http.Client
	CertValidity   time.Duration
	Now            func() time.Time
}

// Endorser mints attested identities: a fresh key whose hash is quoted by the
// hardware, with the quote endorsed by the attestation authority.
type Endorser struct {
	log            *slog.Logger
	rootCA         cryptoutils.CACert
	quoteProviders QuoteProviderFactory
	client         *http.Client
	certValidity   time.Duration
	now            func() time.Time
}

func NewEndorser(cfg EndorserConfig) (*Endorser, error) {
	if err := cfg.RootCA.Validate(); err != nil {
		return nil, fmt.Errorf("invalid attestation root certificate: %w", err)
	}
	if cfg.QuoteProviders == nil {
		return nil, errors.New("no quote provider factory")
	}

	e := &Endorser{
		log:            cfg.Log,
		rootCA:         cfg.RootCA,
		quoteProviders: cfg.QuoteProviders,
		client:         cfg.HTTPClient,
		certValidity:   cfg.CertValidity,
		now:            cfg.Now,
	}
	if e.log == nil {
		e.log = slog.Default()
	}
	if e.client == nil {
		e.client = &http.Client{Timeout: 30 * time.Second}
	}
	if e.certValidity == 0 {
		e.certValidity = DefaultCertValidity
	}
	if e.now == nil {
		e.now = time.Now
	}
	return e, nil
}

// GenerateAndEndorse mints a new AttestedIdentity with common name cn.
// Every failure is reported as interfaces.ErrAttestationFailure.
func (e *Endorser) GenerateAndEndorse(ctx context.Context, cn string, cfg interfaces.AttestationConfig) (*interfaces.AttestedIdentity, error) {
	identity, err := e.generateAndEndorse(ctx, cn, cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", interfaces.ErrAttestationFailure, err)
	}
	return identity, nil
}

func (e *Endorser) generateAndEndorse(ctx context.Context, cn string, cfg interfaces.AttestationConfig) (*interfaces.AttestedIdentity, error) {
	if err := ValidateConfig(cfg); err != nil {
		return nil, err
	}

	provider, err := e.quoteProviders(cfg)
	if err != nil {
		return nil, fmt.Errorf("selecting quote provider: %w", err)
	}
	if provider.AttestationType().StringID != cfg.Algorithm {
		return nil, fmt.Errorf("quote provider produces %s, configured %s", provider.AttestationType(), cfg.Algorithm)
	}

	key, keyPEM, err := cryptoutils.RandomP256Key()
	if err != nil {
		return nil, fmt.Errorf("generating key: %w", err)
	}

	pubkeyDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return nil, err
	}
	reportData := cryptoutils.ReportDataForKey(pubkeyDER)

	rawQuote, err := provider.Quote(reportData)
	if err != nil {
		return nil, fmt.Errorf("generating quote: %w", err)
	}

	nonce := strings.ReplaceAll(uuid.NewString(), "-", "")
	endorsed, err := e.requestEndorsement(ctx, cfg, rawQuote, nonce)
	if err != nil {
		return nil, err
	}

	now := e.now()
	body, err := verifyEndorsement(e.rootCA, endorsed, now)
	if err != nil {
		return nil, err
	}
	if body.Nonce != nonce {
		return nil, fmt.Errorf("report nonce %q does not match request", body.Nonce)
	}

	endorsedQuote, err := body.Quote()
	if err != nil {
		return nil, fmt.Errorf("decoding endorsed quote: %w", err)
	}
	quote, err := cryptoutils.ParseQuote(endorsedQuote)
	if err != nil {
		return nil, err
	}
	if quote.ReportData != reportData {
		return nil, errors.New("endorsed quote does not commit to the generated key")
	}

	if body.ISVEnclaveQuoteStatus != QuoteStatusOK {
		e.log.Warn("attestation authority flagged the quote",
			"status", body.ISVEnclaveQuoteStatus,
			"advisories", body.AdvisoryIDs)
	}

	extension, err := endorsed.Marshal()
	if err != nil {
		return nil, err
	}

	cert, err := cryptoutils.CreateAttestedCertificate(key, cn, extension, now.Add(-time.Minute), now.Add(e.certValidity))
	if err != nil {
		return nil, err
	}

	attribute := interfaces.NewEnclaveAttribute(quote.MrEnclave, quote.MrSigner)
	e.log.Info("minted attested identity",
		"cn", cn,
		"algorithm", cfg.Algorithm,
		"report_id", body.ID,
		"mr_enclave", attribute.MrEnclave,
		"mr_signer", attribute.MrSigner)

	return &interfaces.AttestedIdentity{
		Cert:       cert,
		PrivateKey: keyPEM,
		Attribute:  attribute,
	}, nil
}

type reportRequest struct {
	ISVEnclaveQuote string `json:"isvEnclaveQuote"`
	Nonce           string `json:"nonce,omitempty"`
}

func (e *Endorser) requestEndorsement(ctx context.Context, cfg interfaces.AttestationConfig, rawQuote []byte, nonce string) (*EndorsedReport, error) {
	reqBody, err := json.Marshal(reportRequest{
		ISVEnclaveQuote: base64.StdEncoding.EncodeToString(rawQuote),
		Nonce:           nonce,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimSuffix(cfg.URL, "/")+ReportPath, bytes.NewReader(reqBody))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if cfg.APIKey != "" {
		req.Header.Set(headerSubscriptionKey, cfg.APIKey)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("contacting attestation authority: %w", err)
	}
	defer resp.Body.Close()

	report, err := io.ReadAll(io.LimitReader(resp.Body, maxReportSize))
	if err != nil {
		return nil, fmt.Errorf("reading attestation report: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("attestation authority returned status %d: %s", resp.StatusCode, truncate(report, 256))
	}

	sig, err := base64.StdEncoding.DecodeString(resp.Header.Get(headerSignature))
	if err != nil || len(sig) == 0 {
		return nil, errors.New("missing or malformed report signature")
	}

	signingCert, err := url.PathUnescape(resp.Header.Get(headerSigningCert))
	if err != nil || signingCert == "" {
		return nil, errors.New("missing or malformed report signing certificate")
	}

	return &EndorsedReport{
		Report:      report,
		Signature:   sig,
		SigningCert: []byte(signingCert),
	}, nil
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}
