package enclave

import (
	"fmt"

	"github.com/ruteri/tee-attested-services/interfaces"
)

// Command identifies an entry point. Ids are part of the host interface and
// never change.
type Command uint32

const (
	InitEnclave     Command = 1
	StartService    Command = 2
	FinalizeEnclave Command = 3
)

func (c Command) String() string {
	switch c {
	case InitEnclave:
		return "InitEnclave"
	case StartService:
		return "StartService"
	case FinalizeEnclave:
		return "FinalizeEnclave"
	default:
		return fmt.Sprintf("Command(%d)", uint32(c))
	}
}

type InitEnclaveInput struct{}

type InitEnclaveOutput struct{}

type StartServiceInput struct {
	Config interfaces.ServiceConfig `json:"config"`
}

type StartServiceOutput struct{}

type FinalizeEnclaveInput struct{}

type FinalizeEnclaveOutput struct{}
