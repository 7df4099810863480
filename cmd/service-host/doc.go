// Package main (cmd/service-host) is the untrusted host process of a service
// enclave. It loads the runtime configuration, resolves the audit artifacts,
// and drives the enclave through InitEnclave, StartService and, on SIGINT or
// SIGTERM, FinalizeEnclave. Nothing else of the enclave is reachable from here.
//
// Example usage:
//
//	service-host --service=frontend \
//	    --config=runtime.config.yaml \
//	    --quote-daemon=http://127.0.0.1:8091 \
//	    --auditor=0x1111111111111111111111111111111111111111
package main
