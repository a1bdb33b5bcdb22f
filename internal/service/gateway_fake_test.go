package service

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/golang-jwt/jwt/v5"

	"trailpass/internal/apperr"
	"trailpass/internal/identity"
)

// fakeGateway simula el realm: identidades en memoria y errores inyectables.
type fakeGateway struct {
	mu         sync.Mutex
	identities map[string]identity.Identity
	passwords  map[string]string
	nextID     int

	createErr   error
	deleteErr   error
	getErr      error
	loginErr    error
	exchangeErr error
	resetErr    error
	logoutFails bool

	exchangeBundle identity.TokenBundle

	deleted []string
	logouts []string
	resets  map[string]string
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		identities: map[string]identity.Identity{},
		passwords:  map[string]string{},
		resets:     map[string]string{},
	}
}

func (g *fakeGateway) addIdentity(id, email, password string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.identities[id] = identity.Identity{ID: id, Email: email, Enabled: true}
	g.passwords[email] = password
}

func (g *fakeGateway) has(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.identities[id]
	return ok
}

func (g *fakeGateway) CreateIdentity(_ context.Context, in identity.NewIdentity) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.createErr != nil {
		return "", g.createErr
	}
	for _, existing := range g.identities {
		if strings.EqualFold(existing.Email, in.Email) {
			return "", apperr.New(apperr.KindConflict, "identity provider: conflict")
		}
	}
	g.nextID++
	id := fmt.Sprintf("idp-%d", g.nextID)
	g.identities[id] = identity.Identity{
		ID:        id,
		Email:     in.Email,
		FirstName: in.FirstName,
		LastName:  in.LastName,
		Enabled:   true,
	}
	g.passwords[in.Email] = in.Password
	return id, nil
}

func (g *fakeGateway) DeleteIdentity(_ context.Context, id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.deleteErr != nil {
		return g.deleteErr
	}
	ident, ok := g.identities[id]
	if !ok {
		return apperr.New(apperr.KindNotFound, "identity provider: not found")
	}
	delete(g.identities, id)
	delete(g.passwords, ident.Email)
	g.deleted = append(g.deleted, id)
	return nil
}

func (g *fakeGateway) GetIdentity(_ context.Context, id string) (identity.Identity, bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.getErr != nil {
		return identity.Identity{}, false, g.getErr
	}
	ident, ok := g.identities[id]
	return ident, ok, nil
}

func (g *fakeGateway) PasswordLogin(_ context.Context, email, password string) (identity.TokenBundle, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.loginErr != nil {
		return identity.TokenBundle{}, g.loginErr
	}
	if pw, ok := g.passwords[email]; !ok || pw != password {
		return identity.TokenBundle{}, apperr.New(apperr.KindUnauthorized, "identity provider: invalid grant")
	}
	return identity.TokenBundle{
		AccessToken:  "access-" + email,
		RefreshToken: "refresh-" + email,
		TokenType:    "Bearer",
		ExpiresIn:    300,
	}, nil
}

func (g *fakeGateway) ExchangeSocialCode(_ context.Context, code, _ string) (identity.TokenBundle, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.exchangeErr != nil {
		return identity.TokenBundle{}, g.exchangeErr
	}
	return g.exchangeBundle, nil
}

func (g *fakeGateway) Refresh(_ context.Context, refreshToken string) (identity.TokenBundle, error) {
	if !strings.HasPrefix(refreshToken, "refresh-") {
		return identity.TokenBundle{}, apperr.New(apperr.KindUnauthorized, "identity provider: invalid grant")
	}
	return identity.TokenBundle{
		AccessToken:  "access-renewed",
		RefreshToken: refreshToken,
		TokenType:    "Bearer",
		ExpiresIn:    300,
	}, nil
}

func (g *fakeGateway) ResetPassword(_ context.Context, id, newPassword string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.resetErr != nil {
		return g.resetErr
	}
	g.resets[id] = newPassword
	return nil
}

func (g *fakeGateway) ForceLogoutAllSessions(_ context.Context, id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.logouts = append(g.logouts, id)
	return !g.logoutFails
}

// socialBundle arma un bundle con un id_token que DecodeClaims puede leer.
func socialBundle(t *testing.T, sub, email string) identity.TokenBundle {
	t.Helper()
	claims := identity.Claims{
		Email:         email,
		EmailVerified: true,
		GivenName:     "Sol",
		FamilyName:    "Summit",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject: sub,
		},
	}
	idToken, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test"))
	if err != nil {
		t.Fatalf("sign id token: %v", err)
	}
	return identity.TokenBundle{
		AccessToken:  "access-social",
		RefreshToken: "refresh-social",
		IDToken:      idToken,
		TokenType:    "Bearer",
		ExpiresIn:    300,
	}
}
