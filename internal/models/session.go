package models

type SessionStatus int

const (
	StatusUnknown SessionStatus = iota
	StatusAnonymous
	StatusAuthenticated
)

func (s SessionStatus) String() string {
	switch s {
	case StatusAnonymous:
		return "anonymous"
	case StatusAuthenticated:
		return "authenticated"
	default:
		return "unknown"
	}
}

// SessionState is the read-only snapshot handed to guards and routers.
// Identity is set only when Status is StatusAuthenticated.
type SessionState struct {
	Status   SessionStatus
	Identity *Identity
}

func UnknownState() SessionState   { return SessionState{Status: StatusUnknown} }
func AnonymousState() SessionState { return SessionState{Status: StatusAnonymous} }

func AuthenticatedState(id Identity) SessionState {
	return SessionState{Status: StatusAuthenticated, Identity: &id}
}

// Copy returns a snapshot that shares no memory with s.
func (s SessionState) Copy() SessionState {
	if s.Identity != nil {
		id := *s.Identity
		s.Identity = &id
	}
	return s
}
