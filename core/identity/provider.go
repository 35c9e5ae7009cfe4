package identity

import (
	"sync"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
)

// Principal is the authenticated user on whose behalf views are opened.
type Principal struct {
	ID    string `json:"id"`
	Role  Role   `json:"role"`
	Email string `json:"email,omitempty"`
	Name  string `json:"name,omitempty"`
}

// Provider supplies the current principal and notifies watchers on login/logout.
type Provider interface {
	// Current returns the current principal; ok is false when nobody is logged in.
	Current() (p Principal, ok bool)
	// Watch registers fn to be called on every principal change. The returned func unregisters it.
	Watch(fn func(p Principal, ok bool)) (stop func())
}

// StaticProvider is a Provider whose principal is set explicitly (login/logout).
type StaticProvider struct {
	mu       sync.Mutex
	curr     Principal
	ok       bool
	nextID   int
	watchers map[int]func(Principal, bool)
}

var _ Provider = (*StaticProvider)(nil)

func NewStaticProvider() *StaticProvider {
	return &StaticProvider{watchers: make(map[int]func(Principal, bool))}
}

func (sp *StaticProvider) Current() (Principal, bool) {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	return sp.curr, sp.ok
}

func (sp *StaticProvider) Watch(fn func(Principal, bool)) func() {
	sp.mu.Lock()
	id := sp.nextID
	sp.nextID++
	sp.watchers[id] = fn
	sp.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			sp.mu.Lock()
			delete(sp.watchers, id)
			sp.mu.Unlock()
		})
	}
}

// Login sets the current principal. Watchers are not called when the principal did not change.
func (sp *StaticProvider) Login(p Principal) {
	sp.set(p, true)
}

func (sp *StaticProvider) Logout() {
	sp.set(Principal{}, false)
}

func (sp *StaticProvider) set(p Principal, ok bool) {
	sp.mu.Lock()
	if sp.ok == ok && sp.curr == p {
		sp.mu.Unlock()
		return
	}
	sp.curr, sp.ok = p, ok
	watchers := make([]func(Principal, bool), 0, len(sp.watchers))
	for _, fn := range sp.watchers {
		watchers = append(watchers, fn)
	}
	sp.mu.Unlock()

	for _, fn := range watchers {
		fn(p, ok)
	}
}

// TokenClaims are the claims read from an API token on the client side.
type TokenClaims struct {
	jwt.RegisteredClaims
	Email string `json:"email,omitempty"`
	Name  string `json:"name,omitempty"`
	Role  string `json:"role,omitempty"`
}

// PrincipalFromToken extracts the principal of an API token without verifying its signature:
// the API verifies it on every request, clients only need to know who they are.
func PrincipalFromToken(token string) (Principal, error) {
	claims := new(TokenClaims)
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return Principal{}, errors.Wrap(err, "parsing token")
	}
	if claims.Subject == "" {
		return Principal{}, errors.New("token has no subject")
	}
	role, err := ParseRole(claims.Role)
	if err != nil {
		return Principal{}, errors.Wrap(err, "parsing token role")
	}
	return Principal{ID: claims.Subject, Role: role, Email: claims.Email, Name: claims.Name}, nil
}

// NewTokenProvider returns a StaticProvider logged in as the token's principal.
func NewTokenProvider(token string) (*StaticProvider, error) {
	p, err := PrincipalFromToken(token)
	if err != nil {
		return nil, err
	}
	sp := NewStaticProvider()
	sp.Login(p)
	return sp, nil
}
