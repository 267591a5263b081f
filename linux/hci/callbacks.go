package hci

// ACLCallbacks receives inbound ACL data and outbound failures.
type ACLCallbacks interface {
	// OnACLReceived gets a reassembled packet. pbf and bcf are the flags of
	// its first fragment.
	OnACLReceived(handle uint16, pbf, bcf uint8, packet []byte)
	// OnACLFailure reports a cached fragment that could not be written,
	// and each later fragment of the same packet dropped along with it.
	OnACLFailure(handle uint16, err error, payload []byte)
}

// CommandCallbacks receives command failures. Retry and reset policy is
// up to the implementation.
type CommandCallbacks interface {
	// OnCommandFailure reports a non-success Command Status, or
	// StatusTimeout when the controller never answered. params are the
	// parameters the command was sent with.
	OnCommandFailure(opCode uint16, status uint8, params []byte)
	// OnCommandTimeout is the escalation hook run after a timeout was
	// reported through OnCommandFailure.
	OnCommandTimeout(opCode uint16)
}

// EventCallbacks sees every controller event after the transport has
// processed it. b holds the event parameters.
type EventCallbacks interface {
	OnEvent(code uint8, b []byte)
}

// without returns cbs minus its first entry equal to cb, and whether one
// was found. It builds a new slice since readers copy cbs under the lock
// and may still hold the old backing array.
func without[T comparable](cbs []T, cb T) ([]T, bool) {
	for i, c := range cbs {
		if c == cb {
			out := make([]T, 0, len(cbs)-1)
			out = append(out, cbs[:i]...)
			return append(out, cbs[i+1:]...), true
		}
	}
	return cbs, false
}
