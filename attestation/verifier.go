package attestation

import (
	"crypto/x509"
	"errors"
	"fmt"
	"time"

	tdx_abi "github.com/google/go-tdx-guest/abi"
	"github.com/google/go-tdx-guest/verify"
	"github.com/ruteri/tee-attested-services/cryptoutils"
	"github.com/ruteri/tee-attested-services/interfaces"
)

const maxClockSkew = 5 * time.Minute

var ErrUntrustedPeer = errors.New("untrusted peer")

// RejectError is a trust policy verdict against a peer certificate.
type RejectError struct {
	Reason string
	Err    error
}

func (e *RejectError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("peer rejected: %s: %v", e.Reason, e.Err)
	}
	return "peer rejected: " + e.Reason
}

func (e *RejectError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrUntrustedPeer}
	}
	return []error{ErrUntrustedPeer, e.Err}
}

func reject(reason string, err error) error {
	return &RejectError{Reason: reason, Err: err}
}

// Evidence is what the verifier established about a peer before the quote verifier runs.
type Evidence struct {
	Certificate *x509.Certificate
	Report      *ReportBody
	RawQuote    []byte
	Quote       *cryptoutils.Quote
	Attribute   interfaces.EnclaveAttribute
}

// QuoteVerifier adds checks on evidence from a peer that is already in the
// allow-list. accepted is the policy's allow-list. It cannot widen what the
// policy accepts.
type QuoteVerifier func(ev *Evidence, accepted []interfaces.EnclaveAttribute) error

// ChainVerifiers runs every verifier in order and stops at the first error.
func ChainVerifiers(verifiers ...QuoteVerifier) QuoteVerifier {
	return func(ev *Evidence, accepted []interfaces.EnclaveAttribute) error {
		for _, v := range verifiers {
			if err := v(ev, accepted); err != nil {
				return err
			}
		}
		return nil
	}
}

// TDXQuoteVerifier checks the TDX quote signature and its collateral locally, on top
// of the authority's endorsement.
func TDXQuoteVerifier(options *verify.Options) QuoteVerifier {
	return func(ev *Evidence, _ []interfaces.EnclaveAttribute) error {
		if ev.Quote.Type != cryptoutils.TDXDCAPAttestation {
			return fmt.Errorf("expected a tdx quote, got %s", ev.Quote.Type)
		}

		protoQuote, err := tdx_abi.QuoteToProto(ev.RawQuote)
		if err != nil {
			return fmt.Errorf("could not parse quote: %w", err)
		}

		opts := options
		if opts == nil {
			opts = verify.DefaultOptions()
		}
		if err := verify.TdxQuote(protoQuote, opts); err != nil {
			return fmt.Errorf("quote verification failed: %w", err)
		}
		return nil
	}
}

// TrustPolicy decides whether a peer's attested certificate is acceptable.
// It is read-only after construction and safe for concurrent use.
type TrustPolicy struct {
	accepted         []interfaces.EnclaveAttribute
	rootCA           cryptoutils.CACert
	verifier         QuoteVerifier
	acceptedStatuses map[string]struct{}
	maxAge           time.Duration
	now              func() time.Time
}

type PolicyOption func(*TrustPolicy)

// WithAcceptedStatuses replaces the default accepted quote statuses (OK only).
func WithAcceptedStatuses(statuses ...string) PolicyOption {
	return func(p *TrustPolicy) {
		p.acceptedStatuses = make(map[string]struct{}, len(statuses))
		for _, s := range statuses {
			p.acceptedStatuses[s] = struct{}{}
		}
	}
}

// WithMaxAge rejects reports older than d.
func WithMaxAge(d time.Duration) PolicyOption {
	return func(p *TrustPolicy) { p.maxAge = d }
}

func WithClock(now func() time.Time) PolicyOption {
	return func(p *TrustPolicy) { p.now = now }
}

// NewTrustPolicy builds a policy. An empty allow-list is legal and rejects every peer.
// A nil verifier adds no checks.
func NewTrustPolicy(accepted []interfaces.EnclaveAttribute, rootCA cryptoutils.CACert, verifier QuoteVerifier, opts ...PolicyOption) (*TrustPolicy, error) {
	if err := rootCA.Validate(); err != nil {
		return nil, fmt.Errorf("%w: invalid root of trust: %w", interfaces.ErrChannelConfig, err)
	}

	normalized := make([]interfaces.EnclaveAttribute, 0, len(accepted))
	for _, attr := range accepted {
		norm, err := attr.Normalize()
		if err != nil {
			return nil, fmt.Errorf("%w: %w", interfaces.ErrChannelConfig, err)
		}
		normalized = append(normalized, norm)
	}

	p := &TrustPolicy{
		accepted: normalized,
		rootCA:   rootCA,
		verifier: verifier,
		now:      time.Now,
	}
	WithAcceptedStatuses(QuoteStatusOK)(p)
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Accepted returns a copy of the allow-list.
func (p *TrustPolicy) Accepted() []interfaces.EnclaveAttribute {
	return append([]interfaces.EnclaveAttribute(nil), p.accepted...)
}

// VerifyCertificate returns the evidence for an accepted peer, or a *RejectError.
func (p *TrustPolicy) VerifyCertificate(cert *x509.Certificate) (*Evidence, error) {
	if len(p.accepted) == 0 {
		return nil, reject("allow-list is empty", nil)
	}

	now := p.now()
	if now.Before(cert.NotBefore) || now.After(cert.NotAfter) {
		return nil, reject("certificate outside its validity window", nil)
	}

	extension, err := cryptoutils.EndorsedReportExtension(cert)
	if err != nil {
		return nil, reject("no endorsed report", err)
	}
	endorsed, err := UnmarshalEndorsedReport(extension)
	if err != nil {
		return nil, reject("malformed endorsed report", err)
	}

	body, err := verifyEndorsement(p.rootCA, endorsed, now)
	if err != nil {
		return nil, reject("endorsement not trusted", err)
	}

	if _, ok := p.acceptedStatuses[body.ISVEnclaveQuoteStatus]; !ok {
		return nil, reject(fmt.Sprintf("quote status %q not accepted", body.ISVEnclaveQuoteStatus), nil)
	}

	issued, err := body.Time()
	if err != nil {
		return nil, reject("malformed report timestamp", err)
	}
	if issued.After(now.Add(maxClockSkew)) {
		return nil, reject("report issued in the future", nil)
	}
	if p.maxAge > 0 && now.Sub(issued) > p.maxAge {
		return nil, reject("report is stale", nil)
	}
	if issued.Before(cert.NotBefore.Add(-maxClockSkew)) || issued.After(cert.NotAfter) {
		return nil, reject("report issued outside the certificate validity window", nil)
	}

	rawQuote, err := body.Quote()
	if err != nil {
		return nil, reject("malformed quote encoding", err)
	}
	quote, err := cryptoutils.ParseQuote(rawQuote)
	if err != nil {
		return nil, reject("malformed quote", err)
	}

	if quote.ReportData != cryptoutils.ReportDataForKey(cert.RawSubjectPublicKeyInfo) {
		return nil, reject("quote does not commit to the certificate key", nil)
	}

	ev := &Evidence{
		Certificate: cert,
		Report:      body,
		RawQuote:    rawQuote,
		Quote:       quote,
		Attribute:   interfaces.NewEnclaveAttribute(quote.MrEnclave, quote.MrSigner),
	}

	if !p.accepts(ev.Attribute) {
		return nil, reject(fmt.Sprintf("enclave attribute %s is not in the allow-list", ev.Attribute), nil)
	}

	if p.verifier != nil {
		if err := p.verifier(ev, p.Accepted()); err != nil {
			return nil, reject("quote verifier", err)
		}
	}
	return ev, nil
}

func (p *TrustPolicy) accepts(attr interfaces.EnclaveAttribute) bool {
	for _, a := range p.accepted {
		if a == attr {
			return true
		}
	}
	return false
}

// VerifyPeerCertificate has the signature of tls.Config.VerifyPeerCertificate.
func (p *TrustPolicy) VerifyPeerCertificate(rawCerts [][]byte, _ [][]*x509.Certificate) error {
	if len(rawCerts) == 0 {
		return reject("peer presented no certificate", nil)
	}

	cert, err := x509.ParseCertificate(rawCerts[0])
	if err != nil {
		return reject("malformed peer certificate", err)
	}

	_, err = p.VerifyCertificate(cert)
	return err
}
