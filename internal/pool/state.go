package pool

// State represents the lifecycle state of a pooled virtual machine.
type State int

const (
	StateProvisioning State = iota // Driver is creating the VM
	StateIdle                      // Ready to be borrowed
	StateInUse                     // Lent to exactly one borrower
	StateBroken                    // Unusable, destruction pending
	StateDestroyed                 // Torn down, slot released
)

func (s State) String() string {
	switch s {
	case StateProvisioning:
		return "provisioning"
	case StateIdle:
		return "idle"
	case StateInUse:
		return "in-use"
	case StateBroken:
		return "broken"
	case StateDestroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

// states lists every State, used when publishing per-state gauges.
var states = []State{StateProvisioning, StateIdle, StateInUse, StateBroken, StateDestroyed}
