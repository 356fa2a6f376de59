// Package identity resolves inbound credentials to principals and mints the
// opaque bearer tokens handed out at login. The signing secret is injected at
// construction; nothing here reads ambient process state.
package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.jetify.com/typeid"
	"golang.org/x/crypto/bcrypt"

	"github.com/maanpatel139/aetherhost/internal/ledger"
)

var (
	// ErrUnauthenticated reports an absent, malformed, expired, or otherwise
	// unresolvable credential.
	ErrUnauthenticated = errors.New("unauthenticated")
	// ErrInvalidCredentials reports a failed email/password login.
	ErrInvalidCredentials = errors.New("invalid email or password")
	// ErrHandleTaken reports a signup against an already registered email.
	ErrHandleTaken = errors.New("email already registered")
)

var generateTypeID = func(prefix string) (string, error) {
	id, err := typeid.WithPrefix(prefix)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

func newPrincipalID() string {
	id, err := generateTypeID("user")
	if err == nil && strings.TrimSpace(id) != "" {
		return id
	}
	return fmt.Sprintf("user-%d", time.Now().UTC().UnixNano())
}

// Provider registers principals and turns bearer tokens back into them.
type Provider struct {
	store  *ledger.Store
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewProvider(store *ledger.Store, secret string, ttl time.Duration) *Provider {
	return &Provider{
		store:  store,
		secret: []byte(secret),
		ttl:    ttl,
		now:    time.Now,
	}
}

// Register creates a new principal with a lowercase handle and a bcrypt
// password hash. The principal is immutable afterwards except for its active
// flag.
func (p *Provider) Register(ctx context.Context, email, displayName, password string) (ledger.Principal, error) {
	handle := strings.ToLower(strings.TrimSpace(email))
	if handle == "" || !strings.Contains(handle, "@") {
		return ledger.Principal{}, fmt.Errorf("invalid email %q", email)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return ledger.Principal{}, fmt.Errorf("hash password: %w", err)
	}

	principal := ledger.Principal{
		ID:           newPrincipalID(),
		Handle:       handle,
		DisplayName:  strings.TrimSpace(displayName),
		PasswordHash: string(hash),
		Active:       true,
		CreatedAt:    p.now().UTC(),
	}
	if err := p.store.CreatePrincipal(ctx, principal); err != nil {
		if errors.Is(err, ledger.ErrDuplicate) {
			return ledger.Principal{}, ErrHandleTaken
		}
		return ledger.Principal{}, err
	}
	return principal, nil
}

// Authenticate verifies an email/password pair and mints a session token with
// the principal's lowercase handle as its subject claim.
func (p *Provider) Authenticate(ctx context.Context, email, password string) (string, error) {
	principal, err := p.store.PrincipalByHandle(ctx, email)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return "", ErrInvalidCredentials
		}
		return "", err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(principal.PasswordHash), []byte(password)); err != nil {
		return "", ErrInvalidCredentials
	}

	now := p.now().UTC()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   principal.Handle,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(p.ttl)),
	})
	signed, err := token.SignedString(p.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Resolve validates a raw bearer token and returns the principal named by its
// subject claim. The handle lookup is case-insensitive: tokens are minted with
// a lowercase handle, but the stored handle may have been entered with mixed
// case at signup time elsewhere in the system.
func (p *Provider) Resolve(ctx context.Context, rawToken string) (ledger.Principal, error) {
	rawToken = strings.TrimSpace(rawToken)
	if rawToken == "" {
		return ledger.Principal{}, ErrUnauthenticated
	}

	var claims jwt.RegisteredClaims
	token, err := jwt.ParseWithClaims(rawToken, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %q", t.Method.Alg())
		}
		return p.secret, nil
	}, jwt.WithTimeFunc(func() time.Time { return p.now() }))
	if err != nil || !token.Valid {
		return ledger.Principal{}, ErrUnauthenticated
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return ledger.Principal{}, ErrUnauthenticated
	}

	principal, err := p.store.PrincipalByHandle(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return ledger.Principal{}, ErrUnauthenticated
		}
		return ledger.Principal{}, err
	}
	if !principal.Active {
		return ledger.Principal{}, ErrUnauthenticated
	}
	return principal, nil
}
