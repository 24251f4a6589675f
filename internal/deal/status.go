package deal

import "fmt"

// Status is the lifecycle state of a deal.
type Status string

const (
	StatusDraft    Status = "draft"    // Agreed off-chain, no contract yet
	StatusCreated  Status = "created"  // Escrow contract deployed
	StatusFunded   Status = "funded"   // Buyer deposited the amount
	StatusReleased Status = "released" // Funds paid to seller
	StatusRefunded Status = "refunded" // Funds returned after deadline
	StatusDisputed Status = "disputed" // Waiting on the arbitrator
	StatusResolved Status = "resolved" // Arbitrator picked a winner
)

var rank = map[Status]int{
	StatusDraft:    0,
	StatusCreated:  1,
	StatusFunded:   2,
	StatusReleased: 3,
	StatusRefunded: 3,
	StatusDisputed: 3,
	StatusResolved: 4,
}

// ParseStatus validates a status string.
func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if _, ok := rank[st]; !ok {
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, s)
	}
	return st, nil
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	_, ok := rank[s]
	return ok
}

// Rank orders statuses along the lifecycle path. Unknown statuses rank -1.
func (s Status) Rank() int {
	r, ok := rank[s]
	if !ok {
		return -1
	}
	return r
}

// IsTerminal returns true if no further transition is possible.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusReleased, StatusRefunded, StatusResolved:
		return true
	}
	return false
}

// CanAdvanceTo reports whether next follows s on the lifecycle path
// draft -> created -> funded -> {released | refunded | disputed -> resolved}.
// Refund is also reachable straight from created once the deadline passes.
func (s Status) CanAdvanceTo(next Status) bool {
	if s == next {
		return true
	}
	switch s {
	case StatusDraft:
		return next != StatusDraft && next.Valid()
	case StatusCreated:
		return next.Rank() > StatusCreated.Rank()
	case StatusFunded:
		return next == StatusReleased || next == StatusRefunded ||
			next == StatusDisputed || next == StatusResolved
	case StatusDisputed:
		return next == StatusResolved
	}
	return false
}
