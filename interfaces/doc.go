// Package interfaces defines the types shared between the enclave runtime,
// the attestation layer and the untrusted host, separating them from their
// implementations.
//
// # Service configuration
//
// ServiceConfig is the StartService input: endpoint addresses keyed by logical
// service name, the AttestationConfig used to mint a fresh identity, and the
// AuditConfig from which dependency measurements are resolved.
//
// # Identities
//
// AttestedIdentity is a certificate and private key minted for exactly one
// service run. EnclaveAttribute is the measurement pair compared by trust
// policies.
//
// # Errors
//
// The error taxonomy shared by all packages lives in errors.go. Callers classify
// failures with errors.Is.
//
// # Storage
//
// StorageBackend provides content-addressed storage for audit artifacts
// (enclave info and auditor signatures) across file, S3, IPFS, GitHub and
// Vault backends.
package interfaces
