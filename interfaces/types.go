package interfaces

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/ruteri/tee-attested-services/cryptoutils"
)

type TLSCert = cryptoutils.TLSCert
type CACert = cryptoutils.CACert
type AppPrivkey = cryptoutils.AppPrivkey

// AttestationConfig selects the attestation algorithm and the endorsement service.
type AttestationConfig struct {
	Algorithm string `json:"algorithm"`
	URL       string `json:"url"`
	APIKey    string `json:"key"`
	SPID      string `json:"spid"`
}

// AttestedIdentity is a certificate endorsed by the attestation authority and its
// private key. It is valid for a single service run.
type AttestedIdentity struct {
	Cert       TLSCert
	PrivateKey AppPrivkey
	// Attribute is the measurement this enclave was endorsed with.
	Attribute EnclaveAttribute
}

// Zero wipes the private key. The identity is unusable afterwards.
func (id *AttestedIdentity) Zero() {
	if id == nil {
		return
	}
	id.PrivateKey.Zero()
	id.PrivateKey = nil
}

// EnclaveAttribute identifies a build: the code measurement and its signer, hex encoded.
type EnclaveAttribute struct {
	MrEnclave string `json:"mr_enclave" toml:"mr_enclave"`
	MrSigner  string `json:"mr_signer" toml:"mr_signer"`
}

// NewEnclaveAttribute builds a normalized attribute from raw measurements.
func NewEnclaveAttribute(mrEnclave, mrSigner []byte) EnclaveAttribute {
	return EnclaveAttribute{
		MrEnclave: hex.EncodeToString(mrEnclave),
		MrSigner:  hex.EncodeToString(mrSigner),
	}
}

// Normalize lowercases and strips 0x prefixes, validating both fields are hex.
func (a EnclaveAttribute) Normalize() (EnclaveAttribute, error) {
	norm := func(field, v string) (string, error) {
		v = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(v), "0x"))
		if v == "" {
			return "", fmt.Errorf("%s is empty", field)
		}
		if _, err := hex.DecodeString(v); err != nil {
			return "", fmt.Errorf("%s is not hex: %w", field, err)
		}
		return v, nil
	}

	mrEnclave, err := norm("mr_enclave", a.MrEnclave)
	if err != nil {
		return EnclaveAttribute{}, err
	}
	mrSigner, err := norm("mr_signer", a.MrSigner)
	if err != nil {
		return EnclaveAttribute{}, err
	}
	return EnclaveAttribute{MrEnclave: mrEnclave, MrSigner: mrSigner}, nil
}

func (a EnclaveAttribute) String() string {
	return fmt.Sprintf("mr_enclave=%s mr_signer=%s", a.MrEnclave, a.MrSigner)
}

// Endpoint is a service address pair: where a service listens and where peers reach it.
type Endpoint struct {
	ListenAddress     string `json:"listen_address,omitempty"`
	AdvertisedAddress string `json:"advertised_address,omitempty"`
}

// AuditConfig carries the audited enclave info and the auditors' signatures over it.
type AuditConfig struct {
	EnclaveInfo       []byte   `json:"enclave_info"`
	AuditorSignatures [][]byte `json:"auditor_signatures,omitempty"`
}

// ServiceConfig is the StartService input.
type ServiceConfig struct {
	APIEndpoints      map[string]Endpoint `json:"api_endpoints,omitempty"`
	InternalEndpoints map[string]Endpoint `json:"internal_endpoints,omitempty"`
	Attestation       AttestationConfig   `json:"attestation"`
	Audit             AuditConfig         `json:"audit"`
}

var ErrEndpointNotConfigured = errors.New("endpoint not configured")

// APIListenAddress returns the listen address of a user-facing endpoint.
func (c *ServiceConfig) APIListenAddress(name string) (string, error) {
	ep, ok := c.APIEndpoints[name]
	if !ok || ep.ListenAddress == "" {
		return "", fmt.Errorf("%w: api_endpoints.%s.listen_address", ErrEndpointNotConfigured, name)
	}
	return ep.ListenAddress, nil
}

// InternalListenAddress returns the listen address of an internal endpoint.
func (c *ServiceConfig) InternalListenAddress(name string) (string, error) {
	ep, ok := c.InternalEndpoints[name]
	if !ok || ep.ListenAddress == "" {
		return "", fmt.Errorf("%w: internal_endpoints.%s.listen_address", ErrEndpointNotConfigured, name)
	}
	return ep.ListenAddress, nil
}

// AdvertisedAddress returns where peers reach the internal endpoint name.
func (c *ServiceConfig) AdvertisedAddress(name string) (string, error) {
	ep, ok := c.InternalEndpoints[name]
	if !ok || ep.AdvertisedAddress == "" {
		return "", fmt.Errorf("%w: internal_endpoints.%s.advertised_address", ErrEndpointNotConfigured, name)
	}
	return ep.AdvertisedAddress, nil
}
