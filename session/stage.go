package session

// Stage is the connectivity stage of the modem session.
type Stage int

const (
	PoweredOff Stage = iota
	PoweredOn
	SimReady
	Registered
	BearerActive
	// Degraded is entered on a chip fault. Only powering off leaves it.
	Degraded
)

func (s Stage) String() string {
	switch s {
	case PoweredOff:
		return "powered-off"
	case PoweredOn:
		return "powered-on"
	case SimReady:
		return "sim-ready"
	case Registered:
		return "registered"
	case BearerActive:
		return "bearer-active"
	case Degraded:
		return "degraded"
	default:
		return "invalid"
	}
}

// Satisfies reports whether an operation requiring min may run at stage s.
// Degraded satisfies nothing but PoweredOff.
func (s Stage) Satisfies(min Stage) bool {
	if min == PoweredOff {
		return true
	}
	return s != Degraded && s >= min
}

type transitionKind int

const (
	promote transitionKind = iota
	downgrade
	fault
)

// Transition is a requested change of stage.
type Transition struct {
	kind   transitionKind
	to     Stage
	reason string
}

// Promote moves one stage forward.
func Promote(to Stage) Transition {
	return Transition{kind: promote, to: to}
}

// Downgrade moves back to the given stage. PoweredOff is reachable from
// every stage, other targets only from stages at or above them.
func Downgrade(to Stage, reason string) Transition {
	return Transition{kind: downgrade, to: to, reason: reason}
}

// Fault moves to Degraded from any stage.
func Fault(reason string) Transition {
	return Transition{kind: fault, to: Degraded, reason: reason}
}

func (t Transition) String() string {
	switch t.kind {
	case promote:
		return "promote to " + t.to.String()
	case downgrade:
		return "downgrade to " + t.to.String()
	default:
		return "fault"
	}
}

// legal is the transition table.
func legal(from Stage, t Transition) bool {
	switch t.kind {
	case promote:
		return from != Degraded && t.to != Degraded && t.to == from+1
	case downgrade:
		if t.to == PoweredOff {
			return true
		}
		return from != Degraded && t.to != Degraded && from >= t.to
	case fault:
		return true
	}
	return false
}
