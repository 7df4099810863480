package common

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSetupLogger(t *testing.T) {
	log := SetupLogger(&LoggingOpts{Debug: true, JSON: true, Service: "frontend", Version: "v1"})
	require.True(t, log.Enabled(context.Background(), slog.LevelDebug))

	log = SetupLogger(&LoggingOpts{})
	require.False(t, log.Enabled(context.Background(), slog.LevelDebug))
}

func TestRootCANotCompiledIn(t *testing.T) {
	saved := ASRootCACert
	defer func() { ASRootCACert = saved }()

	ASRootCACert = ""
	_, err := RootCA()
	require.Error(t, err)

	ASRootCACert = "not a certificate"
	_, err = RootCA()
	require.Error(t, err)
}
