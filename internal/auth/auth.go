package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrUnauthorized is returned when credentials do not resolve to a user.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrStoreUnavailable wraps directory backend failures.
	ErrStoreUnavailable = errors.New("identity directory unavailable")
)

const (
	ModePassthrough = "passthrough"
	ModeLookup      = "lookup"
	ModeJWT         = "jwt"
)

// Credentials are what the caller presented with the request.
type Credentials struct {
	OwnID  string
	Secret string
	Bearer string
}

// Authenticator resolves request credentials to the ledger user id.
type Authenticator interface {
	Authenticate(ctx context.Context, creds Credentials) (string, error)
}

// Passthrough trusts the caller-supplied ownid as the user id. No verification
// is performed, so any caller can act as any user.
type Passthrough struct{}

// Authenticate returns the ownid unchanged.
func (Passthrough) Authenticate(_ context.Context, creds Credentials) (string, error) {
	id := strings.TrimSpace(creds.OwnID)
	if id == "" {
		return "", ErrUnauthorized
	}
	return id, nil
}

// Options carries what each mode needs to be constructed.
type Options struct {
	Directory Directory
	JWTSecret string
}

// New builds the authenticator for mode.
func New(mode string, opts Options) (Authenticator, error) {
	switch strings.ToLower(mode) {
	case "", ModePassthrough:
		return Passthrough{}, nil
	case ModeLookup:
		if opts.Directory == nil {
			return nil, fmt.Errorf("lookup auth requires a directory")
		}
		return NewLookup(opts.Directory), nil
	case ModeJWT:
		return NewJWT([]byte(opts.JWTSecret))
	default:
		return nil, fmt.Errorf("unknown auth mode %q", mode)
	}
}
