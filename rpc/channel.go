package rpc

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"

	"github.com/ruteri/tee-attested-services/cryptoutils"
	"github.com/ruteri/tee-attested-services/interfaces"
)

// PeerVerifier checks the certificate a dependency presents during the handshake.
// *attestation.TrustPolicy implements it.
type PeerVerifier interface {
	VerifyPeerCertificate(rawCerts [][]byte, verifiedChains [][]*x509.Certificate) error
}

// NewServerTLSConfig presents identity to clients. Clients are not asked for a
// certificate: end users authenticate with credentials inside the RPC payload.
func NewServerTLSConfig(identity *interfaces.AttestedIdentity) (*tls.Config, error) {
	cert, err := identityKeyPair(identity)
	if err != nil {
		return nil, err
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientAuth:   tls.NoClientCert,
		MinVersion:   tls.VersionTLS13,
	}, nil
}

// NewClientTLSConfig accepts a server only if verifier accepts its attested
// certificate. Chain building against system roots is skipped, the attestation
// report is the only root of trust. identity may be nil for anonymous clients.
func NewClientTLSConfig(identity *interfaces.AttestedIdentity, verifier PeerVerifier) (*tls.Config, error) {
	if verifier == nil {
		return nil, fmt.Errorf("%w: client channel without a trust policy", interfaces.ErrChannelConfig)
	}

	cfg := &tls.Config{
		MinVersion:            tls.VersionTLS13,
		InsecureSkipVerify:    true, // #nosec G402 -- VerifyPeerCertificate enforces the trust policy
		VerifyPeerCertificate: verifier.VerifyPeerCertificate,
	}

	if identity != nil {
		cert, err := identityKeyPair(identity)
		if err != nil {
			return nil, err
		}
		cfg.Certificates = []tls.Certificate{cert}
	}

	return cfg, nil
}

func identityKeyPair(identity *interfaces.AttestedIdentity) (tls.Certificate, error) {
	if identity == nil {
		return tls.Certificate{}, fmt.Errorf("%w: no identity", interfaces.ErrChannelConfig)
	}

	cert, err := cryptoutils.KeyPair(identity.Cert, identity.PrivateKey)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("%w: %w", interfaces.ErrChannelConfig, err)
	}
	return cert, nil
}
