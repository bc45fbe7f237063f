package auth

import (
	"context"

	"github.com/callboard-io/callboard/internal/store"
)

// Identity is the unified identity representation for all auth providers.
type Identity struct {
	UserID   string // authenticated subject, the token's "id" claim
	Username string
	Role     string // "agent", "supervisor", "admin" or "superadmin"
}

// Provider validates bearer tokens and returns identities.
type Provider interface {
	ValidateToken(ctx context.Context, token string) (*Identity, error)
	Bootstrap(ctx context.Context) error
	Name() string
}

// LoginProvider is implemented by providers that support username/password login.
type LoginProvider interface {
	Login(ctx context.Context, username, password string) (string, error)
	Register(ctx context.Context, username, password, role string) (*store.User, error)
}
