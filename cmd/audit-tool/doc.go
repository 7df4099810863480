// Package main (cmd/audit-tool) manages the audit artifacts enclaves trust
// their dependencies through: the enclave info file listing accepted builds
// per service, and auditor signatures over it.
//
// Example usage:
//
//	audit-tool generate-auditor --auditor-key=auditor.key
//	audit-tool sign --enclave-info=enclave_info.toml --auditor-key=auditor.key --out=auditor.sig
//	audit-tool verify --enclave-info=enclave_info.toml --signature=auditor.sig --auditor=0x...
//	audit-tool publish --enclave-info=enclave_info.toml --signature=auditor.sig --storage=s3://audit-bucket/
package main
