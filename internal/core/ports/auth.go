package ports

import (
	"context"

	"github.com/atvirokodosprendimai/tripintake/internal/core/domain"
)

type CredentialRepository interface {
	FindByTokenHash(ctx context.Context, tokenHash string) (domain.Credential, error)
	Upsert(ctx context.Context, cred domain.Credential) error
}
