package attestation

import (
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"time"

	"github.com/ruteri/tee-attested-services/cryptoutils"
)

// ReportTimestampFormat is the layout of ReportBody.Timestamp, always UTC.
const ReportTimestampFormat = "2006-01-02T15:04:05.999999"

// Quote statuses reported by the attestation authority.
const (
	QuoteStatusOK                = "OK"
	QuoteStatusGroupOutOfDate    = "GROUP_OUT_OF_DATE"
	QuoteStatusSWHardeningNeeded = "SW_HARDENING_NEEDED"
)

// ReportBody is the attestation authority's verdict over one quote.
type ReportBody struct {
	ID                    string   `json:"id"`
	Timestamp             string   `json:"timestamp"`
	Version               int      `json:"version"`
	ISVEnclaveQuoteStatus string   `json:"isvEnclaveQuoteStatus"`
	ISVEnclaveQuoteBody   string   `json:"isvEnclaveQuoteBody"`
	Nonce                 string   `json:"nonce,omitempty"`
	AdvisoryIDs           []string `json:"advisoryIDs,omitempty"`
}

// Time parses the report timestamp.
func (r *ReportBody) Time() (time.Time, error) {
	return time.ParseInLocation(ReportTimestampFormat, r.Timestamp, time.UTC)
}

// Quote decodes the endorsed quote.
func (r *ReportBody) Quote() ([]byte, error) {
	return base64.StdEncoding.DecodeString(r.ISVEnclaveQuoteBody)
}

// EndorsedReport is what the attested certificate carries: the report exactly
// as signed, the signature and the signing certificate chain (PEM, leaf first).
type EndorsedReport struct {
	Report      []byte `json:"report"`
	Signature   []byte `json:"signature"`
	SigningCert []byte `json:"signing_cert"`
}

func (er *EndorsedReport) Marshal() ([]byte, error) {
	return json.Marshal(er)
}

func UnmarshalEndorsedReport(data []byte) (*EndorsedReport, error) {
	var er EndorsedReport
	if err := json.Unmarshal(data, &er); err != nil {
		return nil, fmt.Errorf("decoding endorsed report: %w", err)
	}
	if len(er.Report) == 0 || len(er.Signature) == 0 || len(er.SigningCert) == 0 {
		return nil, errors.New("incomplete endorsed report")
	}
	return &er, nil
}

// verifyEndorsement checks the report signature chains to rootCA and returns the parsed body.
func verifyEndorsement(rootCA cryptoutils.CACert, er *EndorsedReport, at time.Time) (*ReportBody, error) {
	chain, err := parseCertChain(er.SigningCert)
	if err != nil {
		return nil, err
	}

	if err := rootCA.VerifyCertificate(chain[0], chain[1:], at); err != nil {
		return nil, fmt.Errorf("signing certificate does not chain to the root of trust: %w", err)
	}

	if err := checkReportSignature(chain[0], er.Report, er.Signature); err != nil {
		return nil, fmt.Errorf("invalid report signature: %w", err)
	}

	var body ReportBody
	if err := json.Unmarshal(er.Report, &body); err != nil {
		return nil, fmt.Errorf("decoding report body: %w", err)
	}
	return &body, nil
}

func parseCertChain(data []byte) ([]*x509.Certificate, error) {
	var chain []*x509.Certificate
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parsing signing certificate: %w", err)
		}
		chain = append(chain, cert)
	}

	if len(chain) == 0 {
		return nil, errors.New("no signing certificate")
	}
	return chain, nil
}

func checkReportSignature(cert *x509.Certificate, report, sig []byte) error {
	var alg x509.SignatureAlgorithm
	switch cert.PublicKey.(type) {
	case *rsa.PublicKey:
		alg = x509.SHA256WithRSA
	case *ecdsa.PublicKey:
		alg = x509.ECDSAWithSHA256
	default:
		return fmt.Errorf("unsupported signing key %T", cert.PublicKey)
	}
	return cert.CheckSignature(alg, report, sig)
}
