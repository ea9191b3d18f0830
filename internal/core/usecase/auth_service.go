package usecase

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"

	"github.com/atvirokodosprendimai/tripintake/internal/core/domain"
	"github.com/atvirokodosprendimai/tripintake/internal/core/ports"
)

var ErrUnauthorized = errors.New("unauthorized")

// AuthService resolves a presented API token into the caller's identity.
type AuthService struct {
	repo ports.CredentialRepository
}

func NewAuthService(repo ports.CredentialRepository) *AuthService {
	return &AuthService{repo: repo}
}

func (s *AuthService) Authenticate(ctx context.Context, token string) (domain.Credential, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return domain.Credential{}, ErrUnauthorized
	}

	cred, err := s.repo.FindByTokenHash(ctx, HashToken(token))
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.Credential{}, ErrUnauthorized
		}
		return domain.Credential{}, storeUnavailable("find credential", err)
	}
	if !cred.Active || strings.TrimSpace(cred.Identity) == "" {
		return domain.Credential{}, ErrUnauthorized
	}
	return cred, nil
}

func HashToken(token string) string {
	digest := sha256.Sum256([]byte(token))
	return hex.EncodeToString(digest[:])
}
