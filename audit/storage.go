package audit

import (
	"context"
	"fmt"

	"github.com/ruteri/tee-attested-services/interfaces"
)

// Fetch loads an audit blob from content-addressed storage.
func Fetch(ctx context.Context, backend interfaces.StorageBackend, infoID interfaces.ContentID, sigIDs []interfaces.ContentID) (interfaces.AuditConfig, error) {
	info, err := backend.Fetch(ctx, infoID, interfaces.EnclaveInfoType)
	if err != nil {
		return interfaces.AuditConfig{}, fmt.Errorf("fetching enclave info %s: %w", infoID, err)
	}
	if interfaces.ComputeID(info) != infoID {
		return interfaces.AuditConfig{}, fmt.Errorf("enclave info %s does not match its content id", infoID)
	}

	cfg := interfaces.AuditConfig{EnclaveInfo: info}
	for _, id := range sigIDs {
		sig, err := backend.Fetch(ctx, id, interfaces.AuditorSignatureType)
		if err != nil {
			return interfaces.AuditConfig{}, fmt.Errorf("fetching auditor signature %s: %w", id, err)
		}
		cfg.AuditorSignatures = append(cfg.AuditorSignatures, sig)
	}
	return cfg, nil
}

// Publish stores an audit blob and returns the content ids to reference it by.
func Publish(ctx context.Context, backend interfaces.StorageBackend, cfg interfaces.AuditConfig) (interfaces.ContentID, []interfaces.ContentID, error) {
	infoID, err := backend.Store(ctx, cfg.EnclaveInfo, interfaces.EnclaveInfoType)
	if err != nil {
		return interfaces.ContentID{}, nil, fmt.Errorf("storing enclave info: %w", err)
	}

	sigIDs := make([]interfaces.ContentID, 0, len(cfg.AuditorSignatures))
	for _, sig := range cfg.AuditorSignatures {
		id, err := backend.Store(ctx, sig, interfaces.AuditorSignatureType)
		if err != nil {
			return interfaces.ContentID{}, nil, fmt.Errorf("storing auditor signature: %w", err)
		}
		sigIDs = append(sigIDs, id)
	}
	return infoID, sigIDs, nil
}
