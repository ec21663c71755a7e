package exchange

import (
	"context"
	"fmt"

	"gridbot/internal/core"
	"gridbot/internal/security"
	apperrors "gridbot/pkg/errors"
)

type userReader interface {
	GetUser(ctx context.Context, id int64) (*core.User, error)
}

// StoreCredentials decrypts a user's stored API key pair on demand.
type StoreCredentials struct {
	users userReader
	box   *security.Box
}

// NewStoreCredentials creates the credential source.
func NewStoreCredentials(users userReader, box *security.Box) *StoreCredentials {
	return &StoreCredentials{users: users, box: box}
}

// Credentials returns the decrypted key pair for a user.
func (c *StoreCredentials) Credentials(ctx context.Context, userID int64) (string, string, error) {
	u, err := c.users.GetUser(ctx, userID)
	if err != nil {
		return "", "", err
	}
	if !u.HasCredentials() {
		return "", "", apperrors.ErrNoCredentials
	}

	apiKey, err := c.box.Decrypt(u.APIKeyEnc)
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", apperrors.ErrInvalidCredentials, err)
	}
	apiSecret, err := c.box.Decrypt(u.APISecretEnc)
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", apperrors.ErrInvalidCredentials, err)
	}
	return apiKey, apiSecret, nil
}
