package identity

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestJWTRoundTrip(t *testing.T) {
	secret := []byte("test-secret")
	token, err := SignToken(secret, "alice")
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)

	p, err := JWTResolver{Secret: secret}.Resolve(context.Background(), req)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if p.ActorID != "alice" || p.Method != "jwt" {
		t.Fatalf("principal = %+v", p)
	}
}

func TestJWTRejectsWrongSecret(t *testing.T) {
	token, err := SignToken([]byte("secret-a"), "alice")
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)

	_, err = JWTResolver{Secret: []byte("secret-b")}.Resolve(context.Background(), req)
	if err != ErrUnauthenticated {
		t.Fatalf("err = %v, want ErrUnauthenticated", err)
	}
}

func TestJWTRejectsMissingHeader(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	_, err := JWTResolver{Secret: []byte("x")}.Resolve(context.Background(), req)
	if err != ErrUnauthenticated {
		t.Fatalf("err = %v, want ErrUnauthenticated", err)
	}
}

func TestChainFallsThrough(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	secret := []byte("s")
	token, err := SignToken(secret, "bob")
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	chain := Chain{
		JWTResolver{Secret: []byte("other")},
		JWTResolver{Secret: secret},
	}
	p, err := chain.Resolve(context.Background(), req)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if p.ActorID != "bob" {
		t.Fatalf("actor = %s", p.ActorID)
	}
}
