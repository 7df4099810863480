package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ruteri/tee-attested-services/cmd/flags"
	"github.com/ruteri/tee-attested-services/config"
	"github.com/ruteri/tee-attested-services/enclave"
	"github.com/ruteri/tee-attested-services/services/authentication"
	"github.com/ruteri/tee-attested-services/services/frontend"
	"github.com/ruteri/tee-attested-services/services/management"
	"github.com/ruteri/tee-attested-services/storage"
	"github.com/urfave/cli/v2"
)

var hostFlags = []cli.Flag{
	&cli.StringFlag{
		Name:     "service",
		Required: true,
		Usage:    "service to run: frontend, authentication or management",
	},
	&cli.StringFlag{
		Name:  "config",
		Value: "runtime.config.yaml",
		Usage: "runtime configuration file",
	},
	&cli.StringSliceFlag{
		Name:    "user",
		EnvVars: []string{"AUTHENTICATION_USERS"},
		Usage:   "id:token registered when the authentication service starts. Repeatable",
	},
	&cli.DurationFlag{
		Name:  "finalize-timeout",
		Value: 60 * time.Second,
		Usage: "maximum time to wait for the service to drain on shutdown",
	},
	flags.LogServiceFlagFn("service-host"),
}

func main() {
	app := &cli.App{
		Name:  "service-host",
		Usage: "Load a service enclave and drive it through its lifecycle",
		Flags: append(append(hostFlags, flags.CommonFlags...), flags.EnclaveFlags...),
		Action: func(cCtx *cli.Context) error {
			logger := flags.SetupLogger(cCtx)

			svc, err := newService(cCtx)
			if err != nil {
				return err
			}

			cfg, err := config.Load(cCtx.String("config"))
			if err != nil {
				return err
			}
			if err := config.Validate(cfg); err != nil {
				return err
			}

			storageFactory := storage.NewStorageBackendFactory(logger)
			serviceConfig, err := cfg.ServiceConfig(cCtx.Context, storageFactory)
			if err != nil {
				logger.Error("Could not load audit artifacts", "err", err)
				return err
			}

			opts, err := flags.EnclaveOptions(cCtx, logger)
			if err != nil {
				return err
			}
			e := enclave.New(svc, opts)

			if _, err := e.Dispatch(cCtx.Context, uint32(enclave.InitEnclave), nil); err != nil {
				logger.Error("InitEnclave failed", "err", err)
				return err
			}

			input, err := json.Marshal(enclave.StartServiceInput{Config: *serviceConfig})
			if err != nil {
				return err
			}

			// StartService parks this goroutine until the service stops.
			started := make(chan error, 1)
			go func() {
				_, err := e.Dispatch(context.Background(), uint32(enclave.StartService), input)
				started <- err
			}()

			exit := make(chan os.Signal, 1)
			signal.Notify(exit, os.Interrupt, syscall.SIGTERM)

			var serviceErr error
			select {
			case sig := <-exit:
				logger.Info("Stopping service", "signal", sig.String())
			case serviceErr = <-started:
				logger.Error("Service stopped", "err", serviceErr)
				started = nil
			}

			ctx, cancel := context.WithTimeout(context.Background(), cCtx.Duration("finalize-timeout"))
			defer cancel()
			if _, err := e.Dispatch(ctx, uint32(enclave.FinalizeEnclave), nil); err != nil {
				logger.Error("FinalizeEnclave failed", "err", err)
				return errors.Join(serviceErr, err)
			}
			if started != nil {
				serviceErr = <-started
			}

			logger.Info("Enclave finalized")
			return serviceErr
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func newService(cCtx *cli.Context) (enclave.Service, error) {
	switch name := cCtx.String("service"); name {
	case "frontend":
		return frontend.New(), nil
	case "management":
		return management.New(), nil
	case "authentication":
		var users []authentication.Credential
		for _, u := range cCtx.StringSlice("user") {
			id, token, ok := strings.Cut(u, ":")
			if !ok {
				return nil, fmt.Errorf("invalid user %q, expected id:token", u)
			}
			users = append(users, authentication.Credential{ID: id, Token: token})
		}
		return authentication.New(authentication.Options{Users: users}), nil
	default:
		return nil, fmt.Errorf("unknown service %q", name)
	}
}
