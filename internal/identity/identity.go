// Package identity decides which deal roles a viewer holds.
//
// A viewer can be known by a connected wallet, a delegated chat identity, or
// a backend user id. A role is proven by any one case-insensitive match
// between a viewer identifier and a party identifier.
package identity

import (
	"sort"
	"strings"
)

// Kind distinguishes the two ways a viewer can sign.
type Kind string

const (
	KindDirect    Kind = "direct"    // Connected wallet signs itself
	KindDelegated Kind = "delegated" // Relay signs from a smart wallet
)

// Signer is one signing identity: a direct wallet or a delegated smart wallet.
type Signer struct {
	Kind    Kind   `json:"kind"`
	Address string `json:"address"`
}

// Direct returns a direct signer for addr.
func Direct(addr string) Signer { return Signer{Kind: KindDirect, Address: addr} }

// Delegated returns a delegated signer for addr.
func Delegated(addr string) Signer { return Signer{Kind: KindDelegated, Address: addr} }

// Viewer is whoever is looking at or acting on a deal.
type Viewer struct {
	WalletAddress      string `json:"walletAddress,omitempty"`
	DelegatedAddress   string `json:"delegatedAddress,omitempty"`
	SmartWalletAddress string `json:"smartWalletAddress,omitempty"`
	UserID             string `json:"userId,omitempty"`
}

// Signers lists the identities whose token allowance counts for the viewer.
// Empty identities are omitted.
func (v Viewer) Signers() []Signer {
	var out []Signer
	if v.WalletAddress != "" {
		out = append(out, Direct(v.WalletAddress))
	}
	if v.SmartWalletAddress != "" {
		out = append(out, Delegated(v.SmartWalletAddress))
	}
	return out
}

// SignerKey identifies a set of signers independent of order and address
// case. An empty set has the empty key.
func SignerKey(signers []Signer) string {
	parts := make([]string, 0, len(signers))
	for _, s := range signers {
		parts = append(parts, string(s.Kind)+":"+strings.ToLower(s.Address))
	}
	sort.Strings(parts)
	return strings.Join(parts, ",")
}

// Party is one side of a deal as the record names it.
type Party struct {
	Address string
	UserID  string
}

// Role is the display role of a viewer.
type Role string

const (
	RoleNone       Role = "none"
	RoleBuyer      Role = "buyer"
	RoleSeller     Role = "seller"
	RoleArbitrator Role = "arbitrator"
)

// Roles are the independent role flags. Buyer and Seller may both be set.
type Roles struct {
	Seller     bool `json:"seller"`
	Buyer      bool `json:"buyer"`
	Arbitrator bool `json:"arbitrator"`
}

// Primary picks one role for display: buyer, then seller, then arbitrator.
func (r Roles) Primary() Role {
	switch {
	case r.Buyer:
		return RoleBuyer
	case r.Seller:
		return RoleSeller
	case r.Arbitrator:
		return RoleArbitrator
	}
	return RoleNone
}

// Any reports whether the viewer holds at least one role.
func (r Roles) Any() bool {
	return r.Seller || r.Buyer || r.Arbitrator
}

// Resolve computes the viewer's roles for a deal with the given parties and
// on-chain arbiter (empty when the escrow is not yet known).
func Resolve(v Viewer, buyer, seller Party, arbiter string) Roles {
	return Roles{
		Buyer:      Matches(v, buyer),
		Seller:     Matches(v, seller),
		Arbitrator: equal(v.WalletAddress, arbiter) || equal(v.DelegatedAddress, arbiter),
	}
}

// Matches checks every pairing of viewer identifiers {wallet, delegated
// address, user id} against party identifiers {address, user id}.
func Matches(v Viewer, p Party) bool {
	for _, mine := range [...]string{v.WalletAddress, v.DelegatedAddress, v.UserID} {
		if equal(mine, p.Address) || equal(mine, p.UserID) {
			return true
		}
	}
	return false
}

func equal(a, b string) bool {
	a, b = strings.TrimSpace(a), strings.TrimSpace(b)
	return a != "" && strings.EqualFold(a, b)
}
