package usecase

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/atvirokodosprendimai/tripintake/internal/core/domain"
)

type stubCredentialRepo struct {
	findFn func(ctx context.Context, tokenHash string) (domain.Credential, error)
}

func (s *stubCredentialRepo) FindByTokenHash(ctx context.Context, tokenHash string) (domain.Credential, error) {
	if s.findFn != nil {
		return s.findFn(ctx, tokenHash)
	}
	return domain.Credential{}, domain.ErrNotFound
}

func (s *stubCredentialRepo) Upsert(context.Context, domain.Credential) error { return nil }

func TestAuthServiceAuthenticateSuccess(t *testing.T) {
	repo := &stubCredentialRepo{findFn: func(_ context.Context, tokenHash string) (domain.Credential, error) {
		if tokenHash != HashToken("token-1") {
			t.Fatalf("unexpected token hash: %s", tokenHash)
		}
		return domain.Credential{Identity: "traveler-a", Role: domain.RoleTraveler, Active: true, CreatedAt: time.Now()}, nil
	}}

	svc := NewAuthService(repo)
	cred, err := svc.Authenticate(context.Background(), " token-1 ")
	if err != nil {
		t.Fatalf("authenticate failed: %v", err)
	}
	if cred.Identity != "traveler-a" {
		t.Fatalf("expected traveler-a, got %s", cred.Identity)
	}
	if cred.IsStaff() {
		t.Fatalf("traveler must not be staff")
	}
}

func TestAuthServiceAuthenticateUnauthorized(t *testing.T) {
	inactive := &stubCredentialRepo{findFn: func(context.Context, string) (domain.Credential, error) {
		return domain.Credential{Identity: "x", Active: false}, nil
	}}

	tests := []struct {
		name  string
		repo  *stubCredentialRepo
		token string
	}{
		{name: "empty token", repo: &stubCredentialRepo{}, token: ""},
		{name: "unknown token", repo: &stubCredentialRepo{}, token: "nope"},
		{name: "inactive credential", repo: inactive, token: "t"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewAuthService(tt.repo).Authenticate(context.Background(), tt.token)
			if !errors.Is(err, ErrUnauthorized) {
				t.Fatalf("expected unauthorized, got %v", err)
			}
		})
	}
}

func TestAuthServiceRepositoryFailureIsStoreUnavailable(t *testing.T) {
	repo := &stubCredentialRepo{findFn: func(context.Context, string) (domain.Credential, error) {
		return domain.Credential{}, errors.New("database is locked")
	}}
	_, err := NewAuthService(repo).Authenticate(context.Background(), "t")
	if !errors.Is(err, domain.ErrStoreUnavailable) {
		t.Fatalf("expected store unavailable, got %v", err)
	}
}
