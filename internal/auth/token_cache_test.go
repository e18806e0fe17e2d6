package auth

import (
	"errors"
	"testing"
	"time"
)

func TestTokenCacheReusesUntilNearExpiry(t *testing.T) {
	cache := NewTokenCache()
	current := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	cache.now = func() time.Time { return current }

	minted := 0
	mint := func() (string, time.Time, error) {
		minted++
		return "token-" + string(rune('0'+minted)), current.Add(time.Hour), nil
	}

	first, _, err := cache.GetOrCreate("client-a", mint)
	if err != nil {
		t.Fatalf("mint failed: %v", err)
	}
	if minted != 1 {
		t.Fatalf("minted = %d, want 1", minted)
	}

	// Well inside the lifetime: cached value comes back.
	current = current.Add(30 * time.Minute)
	second, _, err := cache.GetOrCreate("client-a", mint)
	if err != nil {
		t.Fatalf("cached lookup failed: %v", err)
	}
	if second != first || minted != 1 {
		t.Errorf("expected cached token, got %q after %d mints", second, minted)
	}

	// Within the slack window before expiry: a fresh token is minted.
	current = current.Add(30*time.Minute - 10*time.Second)
	third, _, err := cache.GetOrCreate("client-a", mint)
	if err != nil {
		t.Fatalf("re-mint failed: %v", err)
	}
	if third == first || minted != 2 {
		t.Errorf("expected fresh token near expiry, got %q after %d mints", third, minted)
	}
}

func TestTokenCacheKeysAreIndependent(t *testing.T) {
	cache := NewTokenCache()
	minted := 0
	mint := func() (string, time.Time, error) {
		minted++
		return "token", time.Now().Add(time.Hour), nil
	}

	cache.GetOrCreate("client-a", mint)
	cache.GetOrCreate("client-b", mint)
	if minted != 2 {
		t.Errorf("minted = %d, want one per key", minted)
	}
}

func TestTokenCacheMintErrorIsNotCached(t *testing.T) {
	cache := NewTokenCache()
	wantErr := errors.New("signing failed")
	calls := 0

	_, _, err := cache.GetOrCreate("client-a", func() (string, time.Time, error) {
		calls++
		return "", time.Time{}, wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("error = %v, want %v", err, wantErr)
	}

	token, _, err := cache.GetOrCreate("client-a", func() (string, time.Time, error) {
		calls++
		return "recovered", time.Now().Add(time.Hour), nil
	})
	if err != nil {
		t.Fatalf("second mint failed: %v", err)
	}
	if token != "recovered" || calls != 2 {
		t.Errorf("token = %q after %d calls, want recovered after 2", token, calls)
	}
}

func TestIssueAndValidate(t *testing.T) {
	issuer := NewTokenIssuer("test-secret", time.Hour)
	if !issuer.Enabled() {
		t.Fatal("issuer with secret should be enabled")
	}

	token, expiresAt, err := issuer.Issue("client-42")
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}
	if token == "" {
		t.Fatal("issued empty token")
	}
	if remaining := time.Until(expiresAt); remaining < 59*time.Minute || remaining > 61*time.Minute {
		t.Errorf("expiry %v not about an hour out", remaining)
	}

	claims, err := issuer.Validate(token)
	if err != nil {
		t.Fatalf("validate failed: %v", err)
	}
	if claims.ClientID != "client-42" {
		t.Errorf("clientID = %q, want client-42", claims.ClientID)
	}
	if claims.Role != "browser" {
		t.Errorf("role = %q, want browser", claims.Role)
	}

	// Repeated issue for the same client reuses the cached token.
	again, _, err := issuer.Issue("client-42")
	if err != nil {
		t.Fatalf("second issue failed: %v", err)
	}
	if again != token {
		t.Error("expected cached token for repeated issue")
	}
}

func TestValidateRejectsWrongSecret(t *testing.T) {
	issuer := NewTokenIssuer("secret-one", time.Hour)
	other := NewTokenIssuer("secret-two", time.Hour)

	token, _, err := issuer.Issue("client-1")
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}
	if _, err := other.Validate(token); err == nil {
		t.Error("token signed with a different secret validated")
	}
}

func TestDisabledIssuer(t *testing.T) {
	issuer := NewTokenIssuer("", time.Hour)
	if issuer.Enabled() {
		t.Fatal("issuer without secret should be disabled")
	}
	if _, _, err := issuer.Issue("client-1"); !errors.Is(err, ErrAuthDisabled) {
		t.Errorf("issue error = %v, want ErrAuthDisabled", err)
	}
	if _, err := issuer.Validate("anything"); !errors.Is(err, ErrAuthDisabled) {
		t.Errorf("validate error = %v, want ErrAuthDisabled", err)
	}
}
