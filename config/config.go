// Package config loads the runtime configuration the service host reads
// before starting an enclave, and turns it into a StartService input.
//
//	api_endpoints:
//	  frontend:
//	    listen_address: 0.0.0.0:7779
//	internal_endpoints:
//	  authentication:
//	    listen_address: 0.0.0.0:7780
//	    advertised_address: srv://_authentication._tcp.svc.local
//	attestation:
//	  algorithm: sgx_epid
//	  url: https://api.trustedservices.intel.com/sgx/dev
//	  key: ${IAS_API_KEY}
//	  spid: ${IAS_SPID}
//	audit:
//	  enclave_info: ./enclave_info.toml
//	  auditor_signatures: [./auditor1.sig]
//
// With audit.storage set, enclave_info and auditor_signatures are content ids
// fetched from those locations instead of local paths.
package config

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ruteri/tee-attested-services/attestation"
	"github.com/ruteri/tee-attested-services/audit"
	"github.com/ruteri/tee-attested-services/interfaces"
	"github.com/ruteri/tee-attested-services/resolver"
)

type EndpointSection struct {
	ListenAddress     string `yaml:"listen_address"`
	AdvertisedAddress string `yaml:"advertised_address"`
}

type AttestationSection struct {
	Algorithm string `yaml:"algorithm"`
	URL       string `yaml:"url"`
	Key       string `yaml:"key"`
	SPID      string `yaml:"spid"`
}

type AuditSection struct {
	EnclaveInfo       string   `yaml:"enclave_info"`
	AuditorSignatures []string `yaml:"auditor_signatures"`
	// Storage lists location URIs audit artifacts are fetched from.
	Storage []string `yaml:"storage"`
}

type RuntimeConfig struct {
	APIEndpoints      map[string]EndpointSection `yaml:"api_endpoints"`
	InternalEndpoints map[string]EndpointSection `yaml:"internal_endpoints"`
	Attestation       AttestationSection         `yaml:"attestation"`
	Audit             AuditSection               `yaml:"audit"`

	// baseDir anchors relative audit paths.
	baseDir string
}

// Load reads a runtime configuration file. ${VAR} references are expanded
// from the environment before parsing; an unset variable is an error.
func Load(path string) (*RuntimeConfig, error) {
	cleanPath := filepath.Clean(path)
	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}
	cfg.baseDir = filepath.Dir(cleanPath)
	return cfg, nil
}

// Parse parses a runtime configuration document. Relative audit paths are
// resolved against the working directory.
func Parse(data []byte) (*RuntimeConfig, error) {
	expanded, err := expandEnv(string(data))
	if err != nil {
		return nil, err
	}

	cfg := &RuntimeConfig{}
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return cfg, nil
}

func expandEnv(s string) (string, error) {
	var missing []string
	expanded := os.Expand(s, func(name string) string {
		v, ok := os.LookupEnv(name)
		if !ok {
			missing = append(missing, name)
		}
		return v
	})
	if len(missing) > 0 {
		return "", fmt.Errorf("config references unset environment variables: %s", strings.Join(missing, ", "))
	}
	return expanded, nil
}

// Validate checks the configuration is complete enough to start a service.
func Validate(cfg *RuntimeConfig) error {
	if len(cfg.APIEndpoints) == 0 && len(cfg.InternalEndpoints) == 0 {
		return errors.New("at least one of api_endpoints or internal_endpoints must be set")
	}

	for name, ep := range cfg.APIEndpoints {
		if err := validateHostPort("api_endpoints."+name+".listen_address", ep.ListenAddress); err != nil {
			return err
		}
	}
	for name, ep := range cfg.InternalEndpoints {
		if ep.ListenAddress != "" {
			if err := validateHostPort("internal_endpoints."+name+".listen_address", ep.ListenAddress); err != nil {
				return err
			}
		}
		if ep.AdvertisedAddress != "" && !strings.HasPrefix(ep.AdvertisedAddress, resolver.SRVScheme) {
			if err := validateHostPort("internal_endpoints."+name+".advertised_address", ep.AdvertisedAddress); err != nil {
				return err
			}
		}
		if ep.ListenAddress == "" && ep.AdvertisedAddress == "" {
			return fmt.Errorf("internal_endpoints.%s must set listen_address or advertised_address", name)
		}
	}

	if err := attestation.ValidateConfig(cfg.attestationConfig()); err != nil {
		return fmt.Errorf("invalid attestation section: %w", err)
	}

	if cfg.Audit.EnclaveInfo == "" {
		return errors.New("audit.enclave_info must be set")
	}
	if len(cfg.Audit.Storage) > 0 {
		for _, uri := range cfg.Audit.Storage {
			if _, err := interfaces.NewStorageBackendLocation(uri); err != nil {
				return fmt.Errorf("invalid audit.storage entry: %w", err)
			}
		}
		for _, id := range append([]string{cfg.Audit.EnclaveInfo}, cfg.Audit.AuditorSignatures...) {
			if _, err := interfaces.NewContentIDFromHex(id); err != nil {
				return fmt.Errorf("audit artifact %q is not a content id: %w", id, err)
			}
		}
	}
	return nil
}

func validateHostPort(field, addr string) error {
	if addr == "" {
		return fmt.Errorf("%s must be set", field)
	}
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return fmt.Errorf("invalid %s %q: %w", field, addr, err)
	}
	return nil
}

func (cfg *RuntimeConfig) attestationConfig() interfaces.AttestationConfig {
	return interfaces.AttestationConfig{
		Algorithm: cfg.Attestation.Algorithm,
		URL:       cfg.Attestation.URL,
		APIKey:    cfg.Attestation.Key,
		SPID:      cfg.Attestation.SPID,
	}
}

// ServiceConfig resolves the audit artifacts and returns the StartService
// input. storageFactory is only used when audit.storage is set.
func (cfg *RuntimeConfig) ServiceConfig(ctx context.Context, storageFactory interfaces.StorageBackendFactory) (*interfaces.ServiceConfig, error) {
	auditCfg, err := cfg.loadAudit(ctx, storageFactory)
	if err != nil {
		return nil, err
	}

	return &interfaces.ServiceConfig{
		APIEndpoints:      convertEndpoints(cfg.APIEndpoints),
		InternalEndpoints: convertEndpoints(cfg.InternalEndpoints),
		Attestation:       cfg.attestationConfig(),
		Audit:             auditCfg,
	}, nil
}

func convertEndpoints(sections map[string]EndpointSection) map[string]interfaces.Endpoint {
	if len(sections) == 0 {
		return nil
	}
	endpoints := make(map[string]interfaces.Endpoint, len(sections))
	for name, ep := range sections {
		endpoints[name] = interfaces.Endpoint{
			ListenAddress:     ep.ListenAddress,
			AdvertisedAddress: ep.AdvertisedAddress,
		}
	}
	return endpoints
}

func (cfg *RuntimeConfig) loadAudit(ctx context.Context, storageFactory interfaces.StorageBackendFactory) (interfaces.AuditConfig, error) {
	if len(cfg.Audit.Storage) == 0 {
		return cfg.readAuditFiles()
	}
	if storageFactory == nil {
		return interfaces.AuditConfig{}, errors.New("audit.storage is set but no storage factory is available")
	}

	locations := make([]interfaces.StorageBackendLocation, 0, len(cfg.Audit.Storage))
	for _, uri := range cfg.Audit.Storage {
		location, err := interfaces.NewStorageBackendLocation(uri)
		if err != nil {
			return interfaces.AuditConfig{}, err
		}
		locations = append(locations, location)
	}
	backend, err := storageFactory.CreateMultiBackend(locations)
	if err != nil {
		return interfaces.AuditConfig{}, fmt.Errorf("creating audit storage: %w", err)
	}

	infoID, err := interfaces.NewContentIDFromHex(cfg.Audit.EnclaveInfo)
	if err != nil {
		return interfaces.AuditConfig{}, err
	}
	sigIDs := make([]interfaces.ContentID, 0, len(cfg.Audit.AuditorSignatures))
	for _, s := range cfg.Audit.AuditorSignatures {
		id, err := interfaces.NewContentIDFromHex(s)
		if err != nil {
			return interfaces.AuditConfig{}, err
		}
		sigIDs = append(sigIDs, id)
	}

	return audit.Fetch(ctx, backend, infoID, sigIDs)
}

func (cfg *RuntimeConfig) readAuditFiles() (interfaces.AuditConfig, error) {
	info, err := os.ReadFile(cfg.path(cfg.Audit.EnclaveInfo))
	if err != nil {
		return interfaces.AuditConfig{}, fmt.Errorf("reading enclave info: %w", err)
	}

	auditCfg := interfaces.AuditConfig{EnclaveInfo: info}
	for _, p := range cfg.Audit.AuditorSignatures {
		sig, err := os.ReadFile(cfg.path(p))
		if err != nil {
			return interfaces.AuditConfig{}, fmt.Errorf("reading auditor signature: %w", err)
		}
		auditCfg.AuditorSignatures = append(auditCfg.AuditorSignatures, sig)
	}
	return auditCfg, nil
}

func (cfg *RuntimeConfig) path(p string) string {
	if filepath.IsAbs(p) || cfg.baseDir == "" {
		return p
	}
	return filepath.Join(cfg.baseDir, p)
}
