// Package access decides whether a view may render for the current
// session and where to send the user otherwise.
package access

import (
	"github.com/qcom/marketclient/internal/models"
)

type Kind int

const (
	Pending Kind = iota
	Permit
	Redirect
)

func (k Kind) String() string {
	switch k {
	case Permit:
		return "permit"
	case Redirect:
		return "redirect"
	default:
		return "pending"
	}
}

type Decision struct {
	Kind Kind
	// Destination and PreserveOrigin are set for Redirect only.
	Destination    string
	PreserveOrigin bool
}

// Decide gates navigation to requested. requiredRole may be empty for
// routes that only need a signed-in user.
func Decide(state models.SessionState, requiredRole models.Role, requested string) Decision {
	switch state.Status {
	case models.StatusAnonymous:
		return Decision{
			Kind:           Redirect,
			Destination:    LoginURL(requested),
			PreserveOrigin: true,
		}
	case models.StatusAuthenticated:
		if state.Identity == nil {
			return Decision{Kind: Redirect, Destination: LoginURL(requested), PreserveOrigin: true}
		}
		if requiredRole != "" && !state.Identity.Role.Matches(requiredRole) {
			return Decision{
				Kind:        Redirect,
				Destination: Landing(state.Identity.Role),
			}
		}
		return Decision{Kind: Permit}
	default:
		return Decision{Kind: Pending}
	}
}

// StateSource is satisfied by *session.Manager.
type StateSource interface {
	State() models.SessionState
}

// Check decides against the source's current snapshot.
func Check(src StateSource, requiredRole models.Role, requested string) Decision {
	return Decide(src.State(), requiredRole, requested)
}
