// Package identity resolves access tokens to chat identities and models the
// two user classes of the system.
package identity

import "fmt"

// Role is the user class of a connection. Every role-dependent decision in
// the chat core goes through a method on this type instead of scattered
// boolean checks.
type Role int

const (
	// Retailer is the customer-facing side, identified by partner username.
	Retailer Role = iota
	// Operator is the agency side, identified by agent code.
	Operator
)

func (r Role) String() string {
	switch r {
	case Retailer:
		return "retailer"
	case Operator:
		return "operator"
	default:
		return fmt.Sprintf("role(%d)", int(r))
	}
}

// IsRetailer reports whether the role is the partner side of a room.
func (r Role) IsRetailer() bool { return r == Retailer }

// ParseRole is the inverse of String, used when loading persisted users.
func ParseRole(s string) (Role, error) {
	switch s {
	case "retailer":
		return Retailer, nil
	case "operator":
		return Operator, nil
	default:
		return Retailer, fmt.Errorf("unknown role %q", s)
	}
}

// Identity is a resolved user. ID is the partner username for retailers and
// the agent code for operators; it doubles as the connection-registry key.
type Identity struct {
	ID          string
	Role        Role
	DisplayName string
}

// AuthError means the access token could not be resolved. It is terminal
// for the connection: the socket closes before registration.
type AuthError struct {
	Reason string
}

func (e *AuthError) Error() string {
	return "auth failed: " + e.Reason
}
