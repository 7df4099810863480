package enclave

import "slices"

// State is the lifecycle state of an enclave instance.
//
//	Uninitialized --InitEnclave--> Ready --StartService--> Running
//	Ready, Running, Failed --FinalizeEnclave--> Finalized
//	Running --accept loop died--> Failed
//
// A StartService that fails before serving returns the instance to Ready.
// Nothing leaves Finalized.
type State int32

const (
	Uninitialized State = iota
	Ready
	Running
	Failed
	Finalized
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "Uninitialized"
	case Ready:
		return "Ready"
	case Running:
		return "Running"
	case Failed:
		return "Failed"
	case Finalized:
		return "Finalized"
	default:
		return "Unknown"
	}
}

type transition struct {
	from []State
	to   State
	// exclusive keeps the lifecycle lock for the duration of the handler, so
	// no other command observes the target state before the handler is done.
	// Only for handlers that never block.
	exclusive bool
}

func (t transition) allows(s State) bool {
	return slices.Contains(t.from, s)
}

// claim moves the instance into the target state of t. The returned release
// must be called with the handler's error: on failure it puts the previous
// state back unless another command moved the instance on in the meantime.
func (e *Enclave) claim(cmd Command, t transition) (release func(error), err error) {
	e.mu.Lock()
	prev := State(e.state.Load())
	if !t.allows(prev) {
		e.mu.Unlock()
		return nil, illegalTransition(cmd, prev)
	}
	e.state.Store(int32(t.to))

	if t.exclusive {
		return func(err error) {
			if err != nil {
				e.state.Store(int32(prev))
			}
			e.mu.Unlock()
		}, nil
	}

	e.mu.Unlock()
	return func(err error) {
		if err != nil {
			e.restore(t.to, prev)
		}
	}, nil
}

// restore moves the instance from to back to prev if it is still in to.
func (e *Enclave) restore(to, prev State) {
	if to == Finalized {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state.CompareAndSwap(int32(to), int32(prev))
}
