package session

import (
	"context"
	"time"
)

// UserIdentity is the profile returned by the identity provider.
type UserIdentity struct {
	Email       string `json:"email"`
	DisplayName string `json:"name"`
	ProviderID  string `json:"id"`
	Picture     string `json:"picture,omitempty"`
}

// Session binds a user identity and access token to a TTL-bounded lifetime.
type Session struct {
	ID          string
	User        UserIdentity
	AccessToken string
	CreatedAt   time.Time
}

// Agent is the request-answering unit bound to a session. The concrete
// implementation lives in internal/agent; the store only needs Run.
type Agent interface {
	Run(ctx context.Context, message string) (string, error)
}

// TeardownFunc releases a session's external resources (capability
// processes, credential artifacts). Invoked exactly once per session,
// on explicit delete, lazy expiry, or sweep.
type TeardownFunc func(s *Session)
