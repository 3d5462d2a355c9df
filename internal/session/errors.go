package session

import "errors"

var (
	// ErrMalformedCredential is returned when the identity provider answers
	// with a pair that is incomplete, undecodable or already expired.
	ErrMalformedCredential = errors.New("malformed credential")

	// ErrTransportFailure wraps every network or server error raised while
	// talking to the identity provider.
	ErrTransportFailure = errors.New("transport failure")

	// ErrMissingRefreshToken is returned by Refresh when nothing is persisted.
	ErrMissingRefreshToken = errors.New("missing refresh token")

	// ErrMissingCredentials is returned by Login for a blank email or password.
	ErrMissingCredentials = errors.New("email and password are required")
)

// userMessager is implemented by transport errors that carry a message
// meant for the end user.
type userMessager interface {
	UserMessage() string
}

// Reason turns an error returned by the Manager into a message suitable
// for display next to a form.
func Reason(err error) string {
	if err == nil {
		return ""
	}

	var um userMessager
	if errors.As(err, &um) {
		if msg := um.UserMessage(); msg != "" {
			return msg
		}
	}

	switch {
	case errors.Is(err, ErrMissingCredentials):
		return "Please enter your email and password."
	case errors.Is(err, ErrMissingRefreshToken):
		return "Your session has ended. Please sign in again."
	case errors.Is(err, ErrMalformedCredential):
		return "The server returned an invalid session. Please try again."
	case errors.Is(err, ErrTransportFailure):
		return "Unable to reach the server. Please try again."
	default:
		return "Something went wrong. Please try again."
	}
}
