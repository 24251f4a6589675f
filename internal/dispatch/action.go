package dispatch

import (
	"fmt"

	"github.com/mbd888/escrowsync/internal/deal"
	"github.com/mbd888/escrowsync/internal/identity"
)

// Action is a user-initiated escrow operation.
type Action string

const (
	ActionCreate  Action = "create"
	ActionApprove Action = "approve"
	ActionFund    Action = "fund"
	ActionRelease Action = "release"
	ActionRefund  Action = "refund"
	ActionDispute Action = "dispute"
	ActionResolve Action = "resolve"
)

// AllActions in lifecycle order.
var AllActions = []Action{
	ActionCreate, ActionApprove, ActionFund, ActionRelease,
	ActionRefund, ActionDispute, ActionResolve,
}

// ParseAction validates an action name.
func ParseAction(s string) (Action, error) {
	for _, a := range AllActions {
		if string(a) == s {
			return a, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownAction, s)
}

// View is what legality is decided on.
type View struct {
	Status              deal.Status    `json:"status"`
	Roles               identity.Roles `json:"roles"`
	Role                identity.Role  `json:"role"`
	DeadlinePassed      bool           `json:"deadlinePassed"`
	AllowanceSufficient bool           `json:"allowanceSufficient"`
}

// Allowed returns nil if the viewer may perform a now, or an error wrapping
// ErrNotAllowed that names the unmet condition.
func Allowed(a Action, v View) error {
	switch a {
	case ActionCreate:
		return check(a,
			cond{v.Roles.Buyer, "the buyer role"},
			cond{v.Status == deal.StatusDraft, "a draft deal"})
	case ActionApprove:
		return check(a,
			cond{v.Roles.Buyer, "the buyer role"},
			cond{v.Status == deal.StatusCreated, "a created escrow"},
			cond{!v.AllowanceSufficient, "an insufficient allowance"})
	case ActionFund:
		return check(a,
			cond{v.Roles.Buyer, "the buyer role"},
			cond{v.Status == deal.StatusCreated, "a created escrow"},
			cond{v.AllowanceSufficient, "a sufficient allowance"})
	case ActionRelease, ActionDispute:
		return check(a,
			cond{v.Roles.Buyer, "the buyer role"},
			cond{v.Status == deal.StatusFunded, "a funded escrow"})
	case ActionRefund:
		return check(a,
			cond{v.Roles.Buyer || v.Roles.Seller, "the buyer or seller role"},
			cond{v.Status == deal.StatusCreated || v.Status == deal.StatusFunded, "a created or funded escrow"},
			cond{v.DeadlinePassed, "a passed deadline"})
	case ActionResolve:
		return check(a,
			cond{v.Roles.Arbitrator, "the arbitrator role"},
			cond{v.Status == deal.StatusDisputed, "a disputed escrow"})
	}
	return fmt.Errorf("%w: %q", ErrUnknownAction, a)
}

// LegalActions lists what the viewer may do now.
func LegalActions(v View) []Action {
	out := []Action{}
	for _, a := range AllActions {
		if Allowed(a, v) == nil {
			out = append(out, a)
		}
	}
	return out
}

type cond struct {
	ok   bool
	need string
}

func check(a Action, conds ...cond) error {
	for _, c := range conds {
		if !c.ok {
			return fmt.Errorf("%w: %s requires %s", ErrNotAllowed, a, c.need)
		}
	}
	return nil
}
