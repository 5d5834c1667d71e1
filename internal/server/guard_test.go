package server

import (
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gramyfied/eloquence-backend/internal/fault"
)

func TestGuard_AcceptsValidKey(t *testing.T) {
	g := newGuard("secret", 60)

	r := httptest.NewRequest("POST", "/sessions", nil)
	r.RemoteAddr = "10.0.0.1:4242"
	r.Header.Set("X-API-Key", "secret")
	if err := g.admit(r); err != nil {
		t.Fatalf("admit: %v", err)
	}
}

func TestGuard_RejectsBadKey(t *testing.T) {
	g := newGuard("secret", 60)

	r := httptest.NewRequest("POST", "/sessions", nil)
	r.RemoteAddr = "10.0.0.1:4242"
	r.Header.Set("X-API-Key", "wrong")
	if err := g.admit(r); !errors.Is(err, fault.ErrAuth) {
		t.Fatalf("admit err = %v, want ErrAuth", err)
	}
}

func TestGuard_ThreeFailuresBlockTheIP(t *testing.T) {
	g := newGuard("secret", 600)
	now := time.Now()
	g.now = func() time.Time { return now }

	bad := httptest.NewRequest("POST", "/sessions", nil)
	bad.RemoteAddr = "10.0.0.9:1000"
	bad.Header.Set("X-API-Key", "wrong")
	for i := 0; i < authFailLimit; i++ {
		if err := g.admit(bad); !errors.Is(err, fault.ErrAuth) {
			t.Fatalf("attempt %d: %v", i, err)
		}
	}

	// Even the right key is refused while the block holds.
	good := httptest.NewRequest("POST", "/sessions", nil)
	good.RemoteAddr = "10.0.0.9:1000"
	good.Header.Set("X-API-Key", "secret")
	if err := g.admit(good); !errors.Is(err, fault.ErrAuth) {
		t.Fatalf("blocked admit err = %v, want ErrAuth", err)
	}

	// Another IP is unaffected.
	other := httptest.NewRequest("POST", "/sessions", nil)
	other.RemoteAddr = "10.0.0.10:1000"
	other.Header.Set("X-API-Key", "secret")
	if err := g.admit(other); err != nil {
		t.Fatalf("other ip: %v", err)
	}

	// The block expires.
	now = now.Add(authBlockFor + time.Second)
	if err := g.admit(good); err != nil {
		t.Fatalf("admit after block expiry: %v", err)
	}
}

func TestGuard_FailuresOutsideWindowDoNotBlock(t *testing.T) {
	g := newGuard("secret", 600)
	now := time.Now()
	g.now = func() time.Time { return now }

	bad := httptest.NewRequest("POST", "/sessions", nil)
	bad.RemoteAddr = "10.0.0.2:1"
	bad.Header.Set("X-API-Key", "wrong")

	g.admit(bad)
	g.admit(bad)
	now = now.Add(authFailWindow + time.Second) // first two fall out of the window
	g.admit(bad)

	good := httptest.NewRequest("POST", "/sessions", nil)
	good.RemoteAddr = "10.0.0.2:1"
	good.Header.Set("X-API-Key", "secret")
	if err := g.admit(good); err != nil {
		t.Fatalf("admit: %v (ip should not be blocked)", err)
	}
}

func TestGuard_RateLimitPerIP(t *testing.T) {
	g := newGuard("secret", 5)

	r := httptest.NewRequest("POST", "/sessions", nil)
	r.RemoteAddr = "10.0.0.3:1"
	r.Header.Set("X-API-Key", "secret")

	for i := 0; i < 5; i++ {
		if err := g.admit(r); err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
	}
	if err := g.admit(r); !errors.Is(err, fault.ErrOverloaded) {
		t.Fatalf("burst exhausted err = %v, want ErrOverloaded", err)
	}

	other := httptest.NewRequest("POST", "/sessions", nil)
	other.RemoteAddr = "10.0.0.4:1"
	other.Header.Set("X-API-Key", "secret")
	if err := g.admit(other); err != nil {
		t.Fatalf("other ip: %v", err)
	}
}
