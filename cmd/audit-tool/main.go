package main

import (
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ruteri/tee-attested-services/audit"
	"github.com/ruteri/tee-attested-services/cmd/flags"
	"github.com/ruteri/tee-attested-services/interfaces"
	"github.com/ruteri/tee-attested-services/storage"
	"github.com/urfave/cli/v2"
)

var flagEnclaveInfo *cli.StringFlag = &cli.StringFlag{
	Name:     "enclave-info",
	Required: true,
	Usage:    "enclave info TOML file",
}

var flagAuditorKey *cli.StringFlag = &cli.StringFlag{
	Name:     "auditor-key",
	Required: true,
	Usage:    "file holding the hex encoded secp256k1 auditor key",
}

var flagSignatures *cli.StringSliceFlag = &cli.StringSliceFlag{
	Name:  "signature",
	Usage: "auditor signature file. Repeatable",
}

var flagStorage *cli.StringSliceFlag = &cli.StringSliceFlag{
	Name:     "storage",
	Required: true,
	Usage:    "storage location URI (file://, s3://, ipfs://, vault://, github://). Repeatable",
}

func main() {
	app := &cli.App{
		Name:  "audit-tool",
		Usage: "Sign, verify and distribute enclave info audit artifacts",
		Flags: flags.CommonFlags,
		Commands: []*cli.Command{
			{
				Name:  "generate-auditor",
				Usage: "generate an auditor key and print its address",
				Flags: []cli.Flag{flagAuditorKey},
				Action: func(cCtx *cli.Context) error {
					key, err := crypto.GenerateKey()
					if err != nil {
						return err
					}
					if err := crypto.SaveECDSA(cCtx.String(flagAuditorKey.Name), key); err != nil {
						return err
					}
					fmt.Println(crypto.PubkeyToAddress(key.PublicKey).Hex())
					return nil
				},
			},
			{
				Name:  "sign",
				Usage: "sign an enclave info file",
				Flags: []cli.Flag{
					flagEnclaveInfo,
					flagAuditorKey,
					&cli.StringFlag{
						Name:     "out",
						Required: true,
						Usage:    "signature output file",
					},
				},
				Action: func(cCtx *cli.Context) error {
					info, err := readEnclaveInfo(cCtx.String(flagEnclaveInfo.Name))
					if err != nil {
						return err
					}
					key, err := crypto.LoadECDSA(cCtx.String(flagAuditorKey.Name))
					if err != nil {
						return fmt.Errorf("loading auditor key: %w", err)
					}

					sig, err := audit.Sign(info, key)
					if err != nil {
						return err
					}
					if err := os.WriteFile(cCtx.String("out"), sig, 0644); err != nil {
						return err
					}
					fmt.Println(crypto.PubkeyToAddress(key.PublicKey).Hex())
					return nil
				},
			},
			{
				Name:  "verify",
				Usage: "check an enclave info file against auditor signatures",
				Flags: []cli.Flag{
					flagEnclaveInfo,
					flagSignatures,
					&cli.StringSliceFlag{
						Name:     "auditor",
						Required: true,
						Usage:    "auditor address that must have signed. Repeatable",
					},
				},
				Action: func(cCtx *cli.Context) error {
					info, err := readEnclaveInfo(cCtx.String(flagEnclaveInfo.Name))
					if err != nil {
						return err
					}
					sigs, err := readFiles(cCtx.StringSlice(flagSignatures.Name))
					if err != nil {
						return err
					}
					auditors, err := audit.ParseAuditors(cCtx.StringSlice("auditor"))
					if err != nil {
						return err
					}

					if err := audit.VerifySignatures(info, sigs, auditors); err != nil {
						return err
					}

					parsed, err := audit.ParseEnclaveInfo(info)
					if err != nil {
						return err
					}
					for _, name := range parsed.Names() {
						attrs, _ := parsed.Attributes(name)
						for _, attr := range attrs {
							fmt.Printf("%s\t%s\n", name, attr)
						}
					}
					return nil
				},
			},
			{
				Name:  "publish",
				Usage: "store an enclave info file and its signatures, printing their content ids",
				Flags: []cli.Flag{flagEnclaveInfo, flagSignatures, flagStorage},
				Action: func(cCtx *cli.Context) error {
					logger := flags.SetupLogger(cCtx)

					info, err := readEnclaveInfo(cCtx.String(flagEnclaveInfo.Name))
					if err != nil {
						return err
					}
					sigs, err := readFiles(cCtx.StringSlice(flagSignatures.Name))
					if err != nil {
						return err
					}

					backend, err := openStorage(cCtx)
					if err != nil {
						return err
					}

					infoID, sigIDs, err := audit.Publish(cCtx.Context, backend, interfaces.AuditConfig{
						EnclaveInfo:       info,
						AuditorSignatures: sigs,
					})
					if err != nil {
						return err
					}
					logger.Info("Published audit artifacts", "location", backend.LocationURI())

					fmt.Printf("enclave_info: %s\n", infoID)
					for _, id := range sigIDs {
						fmt.Printf("auditor_signature: %s\n", id)
					}
					return nil
				},
			},
			{
				Name:  "fetch",
				Usage: "fetch audit artifacts by content id into a directory",
				Flags: []cli.Flag{
					flagStorage,
					&cli.StringFlag{
						Name:     "enclave-info-id",
						Required: true,
						Usage:    "content id of the enclave info",
					},
					&cli.StringSliceFlag{
						Name:  "signature-id",
						Usage: "content id of an auditor signature. Repeatable",
					},
					&cli.StringFlag{
						Name:  "out-dir",
						Value: ".",
						Usage: "directory to write enclave_info.toml and the signatures to",
					},
				},
				Action: func(cCtx *cli.Context) error {
					infoID, err := interfaces.NewContentIDFromHex(cCtx.String("enclave-info-id"))
					if err != nil {
						return err
					}
					var sigIDs []interfaces.ContentID
					for _, s := range cCtx.StringSlice("signature-id") {
						id, err := interfaces.NewContentIDFromHex(s)
						if err != nil {
							return err
						}
						sigIDs = append(sigIDs, id)
					}

					backend, err := openStorage(cCtx)
					if err != nil {
						return err
					}

					cfg, err := audit.Fetch(cCtx.Context, backend, infoID, sigIDs)
					if err != nil {
						return err
					}

					outDir := cCtx.String("out-dir")
					if err := os.MkdirAll(outDir, 0755); err != nil {
						return err
					}
					if err := os.WriteFile(filepath.Join(outDir, "enclave_info.toml"), cfg.EnclaveInfo, 0644); err != nil {
						return err
					}
					for i, sig := range cfg.AuditorSignatures {
						name := filepath.Join(outDir, fmt.Sprintf("auditor_%d.sig", i))
						if err := os.WriteFile(name, sig, 0644); err != nil {
							return err
						}
					}
					return nil
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func openStorage(cCtx *cli.Context) (interfaces.StorageBackend, error) {
	var locations []interfaces.StorageBackendLocation
	for _, uri := range cCtx.StringSlice(flagStorage.Name) {
		loc, err := interfaces.NewStorageBackendLocation(uri)
		if err != nil {
			return nil, err
		}
		locations = append(locations, loc)
	}
	return storage.NewStorageBackendFactory(flags.SetupLogger(cCtx)).CreateMultiBackend(locations)
}

// readEnclaveInfo refuses files that would be rejected by the enclaves.
func readEnclaveInfo(path string) ([]byte, error) {
	info, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if _, err := audit.ParseEnclaveInfo(info); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return info, nil
}

func readFiles(paths []string) ([][]byte, error) {
	out := make([][]byte, 0, len(paths))
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, err
		}
		out = append(out, data)
	}
	return out, nil
}
