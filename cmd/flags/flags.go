package flags

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/ruteri/tee-attested-services/attestation"
	"github.com/ruteri/tee-attested-services/audit"
	"github.com/ruteri/tee-attested-services/common"
	"github.com/ruteri/tee-attested-services/cryptoutils"
	"github.com/ruteri/tee-attested-services/enclave"
	"github.com/ruteri/tee-attested-services/resolver"
	"github.com/urfave/cli/v2"
)

func SetupLogger(cCtx *cli.Context) (log *slog.Logger) {
	logJSON := cCtx.Bool(LogJsonFlag.Name)
	logDebug := cCtx.Bool(LogDebugFlag.Name)
	logUID := cCtx.Bool(LogUidFlag.Name)
	logService := cCtx.String("log-service")

	logger := common.SetupLogger(&common.LoggingOpts{
		Debug:   logDebug,
		JSON:    logJSON,
		Service: logService,
		Version: common.Version,
	})

	if logUID {
		id := uuid.Must(uuid.NewRandom())
		logger = logger.With("uid", id.String())
	}
	return logger
}

func ConfigureServer(cCtx *cli.Context) enclave.ServerOptions {
	drainDuration := time.Duration(cCtx.Int64(DrainSecondsFlag.Name)) * time.Second

	return enclave.ServerOptions{
		DrainDuration:            drainDuration,
		GracefulShutdownDuration: 30 * time.Second,
		ReadTimeout:              60 * time.Second,
		WriteTimeout:             30 * time.Second,
		IdleTimeout:              120 * time.Second,
	}
}

// EnclaveOptions wires the collaborators of an enclave from the common flags.
func EnclaveOptions(cCtx *cli.Context, logger *slog.Logger) (enclave.Options, error) {
	auditors, err := audit.ParseAuditors(cCtx.StringSlice(AuditorsFlag.Name))
	if err != nil {
		return enclave.Options{}, err
	}

	opts := enclave.Options{
		Log:               logger,
		QuoteProviders:    attestation.DefaultQuoteProviders(cCtx.String(QuoteDaemonFlag.Name)),
		Auditors:          auditors,
		Resolver:          resolver.New(cCtx.String(NameserverFlag.Name), logger),
		DependencyTimeout: cCtx.Duration(DependencyTimeoutFlag.Name),
		Server:            ConfigureServer(cCtx),
	}

	if path := cCtx.String(DebugRootCAFlag.Name); path != "" {
		pem, err := os.ReadFile(path)
		if err != nil {
			return enclave.Options{}, fmt.Errorf("reading root certificate: %w", err)
		}
		rootCA, err := cryptoutils.ParseCACert(string(pem))
		if err != nil {
			return enclave.Options{}, err
		}
		logger.Warn("Using a debug attestation root certificate", "path", path)
		opts.RootCA = rootCA
	}

	return opts, nil
}

var LogJsonFlag = &cli.BoolFlag{
	Name:  "log-json",
	Value: false,
	Usage: "log in JSON format",
}
var LogDebugFlag = &cli.BoolFlag{
	Name:  "log-debug",
	Value: false,
	Usage: "log debug messages",
}
var LogUidFlag = &cli.BoolFlag{
	Name:  "log-uid",
	Value: false,
	Usage: "generate a uuid and add to all log messages",
}

var LogServiceFlagFn = func(service string) *cli.StringFlag {
	return &cli.StringFlag{
		Name:  "log-service",
		Value: service,
		Usage: "add 'service' tag to logs",
	}
}

var DrainSecondsFlag = &cli.Int64Flag{
	Name:  "drain-seconds",
	Value: 45,
	Usage: "seconds to wait in drain before the service stops accepting connections",
}

var QuoteDaemonFlag = &cli.StringFlag{
	Name:    "quote-daemon",
	EnvVars: []string{"QUOTE_DAEMON"},
	Usage:   "address of the host quoting daemon, e.g. http://127.0.0.1:8091. Local TDX quoting is used when empty",
}

var NameserverFlag = &cli.StringFlag{
	Name:  "nameserver",
	Value: resolver.DefaultNameserver,
	Usage: "DNS server used to resolve srv:// advertised addresses",
}

var AuditorsFlag = &cli.StringSliceFlag{
	Name:  "auditor",
	Usage: "address of an auditor that must have signed the enclave info. Repeatable",
}

var DependencyTimeoutFlag = &cli.DurationFlag{
	Name:  "dependency-timeout",
	Value: 30 * time.Second,
	Usage: "timeout of requests to dependency services",
}

var DebugRootCAFlag = &cli.StringFlag{
	Name:  "debug-attestation-root-ca",
	Usage: "DEBUG ONLY: PEM file replacing the attestation root certificate compiled into the binary",
}

var CommonFlags = []cli.Flag{
	LogJsonFlag,
	LogDebugFlag,
	LogUidFlag,
	DrainSecondsFlag,
}

var EnclaveFlags = []cli.Flag{
	QuoteDaemonFlag,
	NameserverFlag,
	AuditorsFlag,
	DependencyTimeoutFlag,
	DebugRootCAFlag,
}
