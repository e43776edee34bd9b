package engine

// OpState is the lifecycle state of the engine's single sync operation slot.
// Illegal transitions (e.g. a second request while transferring) are rejected
// by the guard in Engine rather than by a boolean flag.
type OpState int

const (
	StateIdle OpState = iota
	StateAwaitingConfirmation
	StatePendingConfirmation
	StateTransferring
	StateProcessing
	StateComplete
	StateError
)

func (s OpState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingConfirmation:
		return "awaiting-confirmation"
	case StatePendingConfirmation:
		return "pending-confirmation"
	case StateTransferring:
		return "transferring"
	case StateProcessing:
		return "processing"
	case StateComplete:
		return "complete"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// active reports whether the state occupies the operation slot. Complete
// counts as active until the linger timer returns the engine to idle, so the
// finished transfer stays visible before the slot frees.
func (s OpState) active() bool {
	switch s {
	case StateAwaitingConfirmation, StatePendingConfirmation, StateTransferring, StateProcessing, StateComplete:
		return true
	default:
		return false
	}
}

// Direction of the snapshot relative to this side.
type Direction string

const (
	DirectionIncoming Direction = "incoming"
	DirectionOutgoing Direction = "outgoing"
)
