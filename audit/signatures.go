package audit

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ruteri/tee-attested-services/interfaces"
)

var ErrMissingAuditorSignature = errors.New("enclave info is not signed by every auditor")

// Digest is the message auditors sign.
func Digest(enclaveInfo []byte) []byte {
	return crypto.Keccak256(enclaveInfo)
}

// Sign produces an auditor signature over enclave info.
func Sign(enclaveInfo []byte, key *ecdsa.PrivateKey) ([]byte, error) {
	return crypto.Sign(Digest(enclaveInfo), key)
}

// Signer recovers the auditor address from a signature.
func Signer(enclaveInfo, sig []byte) (common.Address, error) {
	pubkey, err := crypto.SigToPub(Digest(enclaveInfo), sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("recovering signer: %w", err)
	}
	return crypto.PubkeyToAddress(*pubkey), nil
}

// VerifySignatures requires a valid signature from each auditor.
func VerifySignatures(enclaveInfo []byte, sigs [][]byte, auditors []common.Address) error {
	signed := make(map[common.Address]bool, len(sigs))
	for _, sig := range sigs {
		addr, err := Signer(enclaveInfo, sig)
		if err != nil {
			continue
		}
		signed[addr] = true
	}

	var missing []string
	for _, auditor := range auditors {
		if !signed[auditor] {
			missing = append(missing, auditor.Hex())
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrMissingAuditorSignature, strings.Join(missing, ", "))
	}
	return nil
}

// ParseAuditors parses hex auditor addresses.
func ParseAuditors(addrs []string) ([]common.Address, error) {
	auditors := make([]common.Address, 0, len(addrs))
	for _, a := range addrs {
		if !common.IsHexAddress(a) {
			return nil, fmt.Errorf("invalid auditor address %q", a)
		}
		auditors = append(auditors, common.HexToAddress(a))
	}
	return auditors, nil
}

// Resolve checks the audit blob against auditors and returns the accepted
// builds of enclaveName. With no auditors the enclave info is taken as is.
func Resolve(cfg interfaces.AuditConfig, auditors []common.Address, enclaveName string) ([]interfaces.EnclaveAttribute, error) {
	if len(auditors) > 0 {
		if err := VerifySignatures(cfg.EnclaveInfo, cfg.AuditorSignatures, auditors); err != nil {
			return nil, err
		}
	}

	info, err := ParseEnclaveInfo(cfg.EnclaveInfo)
	if err != nil {
		return nil, err
	}
	return info.Attributes(enclaveName)
}
