// Package cryptoutils provides the key, certificate and quote primitives used to
// mint and check attested TLS identities.
//
// # Typed PEM values
//
// TLSCert, CACert and AppPrivkey wrap PEM bytes and validate their
// contents on construction. AppPrivkey.Zero wipes key material once an identity
// is no longer in use.
//
// # Attested certificates
//
// CreateAttestedCertificate self-signs a certificate for a freshly generated key
// and embeds an endorsed attestation report in the OIDEndorsedReport extension.
// The quote inside that report commits to the key through ReportDataForKey:
//
//	reportData[0:32] = sha256(PEM(SubjectPublicKeyInfo))
//	reportData[32:64] = 0
//
// # Quotes
//
// QuoteProvider abstracts the hardware quoting primitive. DCAPQuoteProvider
// talks to the TDX guest device, RemoteQuoteProvider to a quoting daemon on the
// host. ParseQuote understands SGX EPID (v2), SGX ECDSA (v3) and TDX (v4) quotes
// and extracts the measurements and report data.
package cryptoutils
