package escrow

import "fmt"

// Status represents the state of an escrow.
type Status string

const (
	StatusPending   Status = "pending"   // Created, nothing charged
	StatusFunded    Status = "funded"    // Payer charged, funds held
	StatusDisputed  Status = "disputed"  // Frozen until an arbitrator rules
	StatusResolved  Status = "resolved"  // Dispute ruled for the payee, funds paid out
	StatusReleased  Status = "released"  // Payer released, funds paid out
	StatusRefunded  Status = "refunded"  // Dispute ruled for the payer, charge refunded
	StatusCancelled Status = "cancelled" // Withdrawn before funding
)

// Statuses lists every status.
var Statuses = []Status{
	StatusPending, StatusFunded, StatusDisputed,
	StatusResolved, StatusReleased, StatusRefunded, StatusCancelled,
}

// Operation is a mutating ledger operation.
type Operation string

const (
	OpFund           Operation = "fund"
	OpRelease        Operation = "release"
	OpDispute        Operation = "dispute"
	OpResolveRelease Operation = "resolve_release"
	OpResolveRefund  Operation = "resolve_refund"
	OpCancel         Operation = "cancel"
)

// Operations lists every mutating operation.
var Operations = []Operation{
	OpFund, OpRelease, OpDispute, OpResolveRelease, OpResolveRefund, OpCancel,
}

// Next is the transition function. It is total: every (status, operation)
// pair not listed here is rejected.
func Next(from Status, op Operation) (Status, bool) {
	switch from {
	case StatusPending:
		switch op {
		case OpFund:
			return StatusFunded, true
		case OpCancel:
			return StatusCancelled, true
		}
	case StatusFunded:
		switch op {
		case OpRelease:
			return StatusReleased, true
		case OpDispute:
			return StatusDisputed, true
		}
	case StatusDisputed:
		switch op {
		case OpResolveRelease:
			return StatusResolved, true
		case OpResolveRefund:
			return StatusRefunded, true
		}
	}
	return from, false
}

// AllowedFrom returns the statuses op may be applied to.
func AllowedFrom(op Operation) []Status {
	var out []Status
	for _, s := range Statuses {
		if _, ok := Next(s, op); ok {
			out = append(out, s)
		}
	}
	return out
}

// IsTerminal reports whether no operation can leave s.
func (s Status) IsTerminal() bool {
	for _, op := range Operations {
		if _, ok := Next(s, op); ok {
			return false
		}
	}
	return true
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	for _, v := range Statuses {
		if s == v {
			return true
		}
	}
	return false
}

// Verb is the user-facing name of the operation.
func (op Operation) Verb() string {
	switch op {
	case OpResolveRelease, OpResolveRefund:
		return "resolve"
	}
	return string(op)
}

func (op Operation) movesMoney() bool {
	switch op {
	case OpFund, OpRelease, OpResolveRelease, OpResolveRefund:
		return true
	}
	return false
}

func (d Decision) operation() (Operation, bool) {
	switch d {
	case DecisionRelease:
		return OpResolveRelease, true
	case DecisionRefund:
		return OpResolveRefund, true
	}
	return "", false
}

// TransitionError names the rejected operation and the status it met.
type TransitionError struct {
	Operation Operation
	Current   Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot %s escrow in '%s' status", e.Operation.Verb(), e.Current)
}

func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}
