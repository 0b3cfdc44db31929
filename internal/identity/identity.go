// Package identity resolves an incoming request to an actor id. Resolvers
// are injected into the server so deployments can swap authentication
// schemes without touching handlers.
package identity

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"stagegate/internal/repo"
)

var ErrUnauthenticated = errors.New("unauthenticated")

// Principal is the resolved caller.
type Principal struct {
	ActorID string
	Method  string
}

type Resolver interface {
	Resolve(ctx context.Context, r *http.Request) (Principal, error)
}

// JWTResolver accepts HS256 bearer tokens whose subject is the actor id.
type JWTResolver struct {
	Secret []byte
}

func (j JWTResolver) Resolve(ctx context.Context, r *http.Request) (Principal, error) {
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return Principal{}, ErrUnauthenticated
	}
	raw := strings.TrimPrefix(header, "Bearer ")

	token, err := jwt.Parse(raw, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return j.Secret, nil
	})
	if err != nil || !token.Valid {
		return Principal{}, ErrUnauthenticated
	}
	sub, err := token.Claims.GetSubject()
	if err != nil || sub == "" {
		return Principal{}, ErrUnauthenticated
	}
	return Principal{ActorID: sub, Method: "jwt"}, nil
}

// APIKeyResolver accepts the X-API-Key header and matches its hash against
// stored keys.
type APIKeyResolver struct {
	Repo repo.Repo
}

func (a APIKeyResolver) Resolve(ctx context.Context, r *http.Request) (Principal, error) {
	raw := r.Header.Get("X-API-Key")
	if raw == "" {
		return Principal{}, ErrUnauthenticated
	}
	actorID, err := a.Repo.ActorByAPIKey(ctx, raw)
	if err == repo.ErrNotFound {
		return Principal{}, ErrUnauthenticated
	}
	if err != nil {
		return Principal{}, err
	}
	return Principal{ActorID: actorID, Method: "api_key"}, nil
}

// Chain tries each resolver in order and returns the first success. A
// non-auth error aborts the chain; unauthenticated moves to the next.
type Chain []Resolver

func (c Chain) Resolve(ctx context.Context, r *http.Request) (Principal, error) {
	for _, resolver := range c {
		p, err := resolver.Resolve(ctx, r)
		if err == nil {
			return p, nil
		}
		if !errors.Is(err, ErrUnauthenticated) {
			return Principal{}, err
		}
	}
	return Principal{}, ErrUnauthenticated
}

// SignToken issues an HS256 token for an actor. Used by the CLI for local
// development.
func SignToken(secret []byte, actorID string) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": actorID,
	})
	return token.SignedString(secret)
}
