package cryptoutils

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	tdx_client "github.com/google/go-tdx-guest/client"
)

var (
	SGXEPIDAttestation = AttestationType{
		StringID:     "sgx_epid",
		QuoteVersion: 2,
	}

	SGXDCAPAttestation = AttestationType{
		StringID:     "sgx_ecdsa",
		QuoteVersion: 3,
	}

	TDXDCAPAttestation = AttestationType{
		StringID:     "tdx_dcap",
		QuoteVersion: 4,
	}
)

// AttestationType names an attestation algorithm and the quote layout it produces.
type AttestationType struct {
	StringID     string
	QuoteVersion uint16
}

func (t AttestationType) String() string { return t.StringID }

func AttestationTypeFromString(str string) (AttestationType, error) {
	switch str {
	case SGXEPIDAttestation.StringID:
		return SGXEPIDAttestation, nil
	case SGXDCAPAttestation.StringID:
		return SGXDCAPAttestation, nil
	case TDXDCAPAttestation.StringID:
		return TDXDCAPAttestation, nil
	default:
		return AttestationType{}, fmt.Errorf("%w: attestation algorithm %q", errors.ErrUnsupported, str)
	}
}

// QuoteProvider produces a hardware quote over reportData.
type QuoteProvider interface {
	AttestationType() AttestationType
	Quote(reportData [64]byte) ([]byte, error)
}

// RemoteQuoteProvider asks a quoting daemon running next to the enclave host.
type RemoteQuoteProvider struct {
	Address string
	Type    AttestationType
	// SPID is forwarded for EPID quotes, which are linked to a service provider.
	SPID   string
	Client *http.Client
}

func (p *RemoteQuoteProvider) AttestationType() AttestationType { return p.Type }

func (p *RemoteQuoteProvider) Quote(reportData [64]byte) ([]byte, error) {
	client := p.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}

	quoteURL := fmt.Sprintf("%s/quote/%s", p.Address, hex.EncodeToString(reportData[:]))
	if p.SPID != "" {
		quoteURL += "?" + url.Values{"spid": []string{p.SPID}}.Encode()
	}

	resp, err := client.Get(quoteURL)
	if err != nil {
		return nil, fmt.Errorf("calling remote quote provider: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("remote quote provider returned status %d: %s", resp.StatusCode, string(body))
	}

	rawQuote, err := io.ReadAll(io.LimitReader(resp.Body, maxQuoteSize))
	if err != nil {
		return nil, fmt.Errorf("reading quote from response: %w", err)
	}
	return rawQuote, nil
}

// DCAPQuoteProvider produces TDX quotes from inside the guest.
type DCAPQuoteProvider struct{}

func (DCAPQuoteProvider) AttestationType() AttestationType { return TDXDCAPAttestation }

func (DCAPQuoteProvider) Quote(reportData [64]byte) ([]byte, error) {
	qp := &tdx_client.LinuxConfigFsQuoteProvider{}
	if qp.IsSupported() == nil {
		return qp.GetRawQuote(reportData)
	}

	qd, err := tdx_client.OpenDevice()
	if err != nil {
		return nil, err
	}
	defer qd.Close()

	return tdx_client.GetRawQuote(qd, reportData)
}
