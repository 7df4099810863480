package enclave

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/ruteri/tee-attested-services/interfaces"
	"github.com/ruteri/tee-attested-services/rpc"
)

type entry struct {
	decode     func(raw []byte) (any, error)
	invoke     func(ctx context.Context, e *Enclave, in any) (any, error)
	encode     func(out any) ([]byte, error)
	transition transition
}

func newEntry[In, Out any](handler func(*Enclave, context.Context, *In) (*Out, error), t transition) entry {
	return entry{
		decode: func(raw []byte) (any, error) {
			in := new(In)
			if err := rpc.DecodeStrict(raw, in); err != nil {
				return nil, err
			}
			return in, nil
		},
		invoke: func(ctx context.Context, e *Enclave, in any) (any, error) {
			return handler(e, ctx, in.(*In))
		},
		encode: func(out any) ([]byte, error) {
			return json.Marshal(out)
		},
		transition: t,
	}
}

// dispatchTable is every entry point reachable from the host. It is never
// modified after package initialization.
var dispatchTable = map[Command]entry{
	InitEnclave: newEntry((*Enclave).initEnclave, transition{
		from:      []State{Uninitialized},
		to:        Ready,
		exclusive: true,
	}),
	StartService: newEntry((*Enclave).startService, transition{
		from: []State{Ready},
		to:   Running,
	}),
	FinalizeEnclave: newEntry((*Enclave).finalizeEnclave, transition{
		from: []State{Ready, Running, Failed},
		to:   Finalized,
	}),
}

// Dispatch runs the entry point id with JSON input raw and returns its JSON
// output. Unknown ids and undecodable input are rejected before any state is
// read or any handler runs.
func (e *Enclave) Dispatch(ctx context.Context, id uint32, raw []byte) ([]byte, error) {
	cmd := Command(id)
	h, ok := dispatchTable[cmd]
	if !ok {
		e.baseLog.Warn("Rejected unknown command", slog.Uint64("command", uint64(id)))
		return nil, fmt.Errorf("%w: %d", interfaces.ErrUnknownCommand, id)
	}

	in, err := h.decode(raw)
	if err != nil {
		e.baseLog.Warn("Rejected malformed request", slog.String("command", cmd.String()), "err", err)
		return nil, fmt.Errorf("%w: %s: %w", interfaces.ErrMalformedRequest, cmd, err)
	}

	release, err := e.claim(cmd, h.transition)
	if err != nil {
		e.baseLog.Warn("Rejected command", slog.String("command", cmd.String()), "err", err)
		return nil, err
	}

	e.logger().Debug("Dispatching command", slog.String("command", cmd.String()))
	out, err := h.invoke(ctx, e, in)
	release(err)
	if err != nil {
		e.logger().Error("Command failed", slog.String("command", cmd.String()), "err", err)
		return nil, err
	}

	return h.encode(out)
}

func illegalTransition(cmd Command, s State) error {
	return fmt.Errorf("%w: %s in state %s", interfaces.ErrIllegalTransition, cmd, s)
}
