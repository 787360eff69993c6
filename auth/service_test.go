package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"tradeescrow/escrow"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	svc, err := NewService("test-secret")
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return svc
}

func TestService_IssueAndVerify(t *testing.T) {
	svc := newTestService(t)

	for _, actor := range []escrow.Actor{
		{PartyID: "buyer-1", Role: escrow.RoleBuyer},
		{PartyID: "seller-1", Role: escrow.RoleSeller},
		{PartyID: "arb-1", Role: escrow.RoleArbitrator},
	} {
		token, err := svc.Issue(actor)
		if err != nil {
			t.Fatalf("issue %v: %v", actor, err)
		}
		got, err := svc.Verify(token)
		if err != nil {
			t.Fatalf("verify %v: %v", actor, err)
		}
		if got != actor {
			t.Fatalf("verify: expected %+v got %+v", actor, got)
		}
	}
}

func TestService_IssueRejectsUnknownRole(t *testing.T) {
	svc := newTestService(t)

	if _, err := svc.Issue(escrow.Actor{PartyID: "x", Role: "admin"}); err == nil {
		t.Fatal("expected error for unknown role")
	}
	if _, err := svc.Issue(escrow.Actor{Role: escrow.RoleBuyer}); err == nil {
		t.Fatal("expected error for empty party id")
	}
}

func TestService_VerifyRejectsWrongSecret(t *testing.T) {
	svc := newTestService(t)
	other, err := NewService("other-secret")
	if err != nil {
		t.Fatalf("new service: %v", err)
	}

	token, err := other.Issue(escrow.Actor{PartyID: "buyer-1", Role: escrow.RoleBuyer})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := svc.Verify(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestService_VerifyRejectsExpired(t *testing.T) {
	issued := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	svc := newTestService(t).WithTTL(time.Hour).WithClock(func() time.Time { return issued })

	token, err := svc.Issue(escrow.Actor{PartyID: "buyer-1", Role: escrow.RoleBuyer})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	svc.WithClock(func() time.Time { return issued.Add(2 * time.Hour) })
	if _, err := svc.Verify(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for expired token, got %v", err)
	}
}

func TestService_VerifyRejectsBadClaims(t *testing.T) {
	svc := newTestService(t)
	exp := time.Now().Add(time.Hour).Unix()

	cases := map[string]jwt.MapClaims{
		"missing subject": {"role": "buyer", "exp": exp},
		"missing role":    {"sub": "buyer-1", "exp": exp},
		"unknown role":    {"sub": "buyer-1", "role": "admin", "exp": exp},
		"missing expiry":  {"sub": "buyer-1", "role": "buyer"},
	}
	for name, claims := range cases {
		token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
		if err != nil {
			t.Fatalf("%s: sign: %v", name, err)
		}
		if _, err := svc.Verify(token); !errors.Is(err, ErrInvalidToken) {
			t.Fatalf("%s: expected ErrInvalidToken, got %v", name, err)
		}
	}
}

func TestService_VerifyRejectsNoneAlgorithm(t *testing.T) {
	svc := newTestService(t)
	claims := jwt.MapClaims{"sub": "buyer-1", "role": "buyer", "exp": time.Now().Add(time.Hour).Unix()}
	token, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := svc.Verify(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestNewService_RequiresSecret(t *testing.T) {
	if _, err := NewService(""); !errors.Is(err, ErrMissingSecret) {
		t.Fatalf("expected ErrMissingSecret, got %v", err)
	}
}
