package attestationtest

import (
	"crypto/sha256"
	"errors"
	"sync"

	"github.com/ruteri/tee-attested-services/attestation"
	"github.com/ruteri/tee-attested-services/cryptoutils"
	"github.com/ruteri/tee-attested-services/interfaces"
)

// QuoteProvider simulates a quoting enclave for a fixed build.
type QuoteProvider struct {
	MrEnclave [32]byte
	MrSigner  [32]byte

	mu    sync.Mutex
	err   error
	calls int
}

// NewQuoteProvider derives stable measurements from the build name.
func NewQuoteProvider(build string) *QuoteProvider {
	return &QuoteProvider{
		MrEnclave: sha256.Sum256([]byte("enclave:" + build)),
		MrSigner:  sha256.Sum256([]byte("signer:test")),
	}
}

func (p *QuoteProvider) AttestationType() cryptoutils.AttestationType {
	return cryptoutils.SGXEPIDAttestation
}

func (p *QuoteProvider) Quote(reportData [64]byte) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.err != nil {
		return nil, p.err
	}
	return cryptoutils.MarshalSGXQuote(cryptoutils.SGXEPIDAttestation, p.MrEnclave, p.MrSigner, reportData)
}

// Fail makes subsequent quotes fail with err; nil restores normal operation.
func (p *QuoteProvider) Fail(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}

func (p *QuoteProvider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// Attribute is the EnclaveAttribute quotes from this provider carry.
func (p *QuoteProvider) Attribute() interfaces.EnclaveAttribute {
	return interfaces.NewEnclaveAttribute(p.MrEnclave[:], p.MrSigner[:])
}

// Factory serves this provider for sgx_epid configs.
func (p *QuoteProvider) Factory() attestation.QuoteProviderFactory {
	return func(cfg interfaces.AttestationConfig) (cryptoutils.QuoteProvider, error) {
		if cfg.Algorithm != cryptoutils.SGXEPIDAttestation.StringID {
			return nil, errors.New("simulated quote provider only produces sgx_epid quotes")
		}
		return p, nil
	}
}
