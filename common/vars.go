package common

import (
	"fmt"

	"github.com/ruteri/tee-attested-services/cryptoutils"
)

var (
	Version = "dev"

	// ASRootCACert is the root certificate of the attestation authority every
	// trust policy chains to. Set at build time, as PEM or base64 DER:
	//
	//	go build -ldflags "-X github.com/ruteri/tee-attested-services/common.ASRootCACert=MIIF..."
	ASRootCACert = ""
)

// RootCA returns the build-time attestation root certificate.
func RootCA() (cryptoutils.CACert, error) {
	if ASRootCACert == "" {
		return nil, fmt.Errorf("no attestation root certificate compiled in")
	}
	return cryptoutils.ParseCACert(ASRootCACert)
}
