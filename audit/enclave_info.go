// Package audit resolves the measurements of peer enclaves from audited
// enclave info, after checking the auditors signed it.
package audit

import (
	"bytes"
	"errors"
	"fmt"
	"sort"

	"github.com/BurntSushi/toml"
	"github.com/ruteri/tee-attested-services/interfaces"
)

var ErrUnknownEnclave = errors.New("enclave not listed in enclave info")

// EnclaveInfo lists the accepted builds of every enclave by name.
//
//	[authentication_service]
//	mr_enclave = "..."
//	mr_signer = "..."
//
// An enclave with several accepted builds uses an array of tables:
//
//	[[authentication_service]]
//	mr_enclave = "..."
//	mr_signer = "..."
type EnclaveInfo struct {
	enclaves map[string][]interfaces.EnclaveAttribute
}

func ParseEnclaveInfo(data []byte) (*EnclaveInfo, error) {
	var raw map[string]any
	if _, err := toml.Decode(string(data), &raw); err != nil {
		return nil, fmt.Errorf("decoding enclave info: %w", err)
	}

	info := &EnclaveInfo{enclaves: make(map[string][]interfaces.EnclaveAttribute, len(raw))}
	for name, value := range raw {
		var tables []map[string]any
		switch v := value.(type) {
		case map[string]any:
			tables = []map[string]any{v}
		case []map[string]any:
			tables = v
		default:
			return nil, fmt.Errorf("enclave info entry %q is not a table", name)
		}

		for i, table := range tables {
			attr, err := attributeFromTable(table)
			if err != nil {
				return nil, fmt.Errorf("enclave info entry %q[%d]: %w", name, i, err)
			}
			info.enclaves[name] = append(info.enclaves[name], attr)
		}
	}
	return info, nil
}

func attributeFromTable(table map[string]any) (interfaces.EnclaveAttribute, error) {
	field := func(key string) (string, error) {
		s, ok := table[key].(string)
		if !ok {
			return "", fmt.Errorf("%s missing or not a string", key)
		}
		return s, nil
	}

	for key := range table {
		if key != "mr_enclave" && key != "mr_signer" {
			return interfaces.EnclaveAttribute{}, fmt.Errorf("unexpected key %q", key)
		}
	}

	mrEnclave, err := field("mr_enclave")
	if err != nil {
		return interfaces.EnclaveAttribute{}, err
	}
	mrSigner, err := field("mr_signer")
	if err != nil {
		return interfaces.EnclaveAttribute{}, err
	}

	return interfaces.EnclaveAttribute{MrEnclave: mrEnclave, MrSigner: mrSigner}.Normalize()
}

// Attributes returns the accepted builds of the named enclave.
func (info *EnclaveInfo) Attributes(name string) ([]interfaces.EnclaveAttribute, error) {
	attrs, ok := info.enclaves[name]
	if !ok || len(attrs) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEnclave, name)
	}
	return append([]interfaces.EnclaveAttribute(nil), attrs...), nil
}

// Names lists the enclaves in the info, sorted.
func (info *EnclaveInfo) Names() []string {
	names := make([]string, 0, len(info.enclaves))
	for name := range info.enclaves {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// EncodeEnclaveInfo renders enclaves in the format ParseEnclaveInfo reads.
func EncodeEnclaveInfo(enclaves map[string][]interfaces.EnclaveAttribute) ([]byte, error) {
	doc := make(map[string]any, len(enclaves))
	for name, attrs := range enclaves {
		switch len(attrs) {
		case 0:
			return nil, fmt.Errorf("enclave %q has no measurements", name)
		case 1:
			doc[name] = attrs[0]
		default:
			doc[name] = attrs
		}
	}

	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(doc); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
