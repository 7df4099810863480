// Package storage publishes and fetches audit artifacts (enclave info and
// auditor signatures) in content-addressed backends.
//
// Every artifact is identified by the SHA-256 hash of its bytes, so a service
// host can load its audit blob from any backend the auditors published to and
// check it locally. Backends are selected by location URI:
//
//	file:///var/lib/tee-audit
//	s3://[ACCESS_KEY:SECRET_KEY@]bucket/prefix?region=us-west-2
//	ipfs://127.0.0.1:5001/?timeout=30s
//	github://owner/repo
//	vault://vault.example.com:8200/secret/tee-audit
//
// Several locations can be combined with StorageBackendFactory.CreateMultiBackend.
package storage
