package account

import (
	"context"
	"errors"
	"fmt"

	"github.com/nerrad567/gray-logic-estudna/internal/thingsboard"
)

// ValidateCredentials checks that username and password can log in to the
// given family. The temporary client is closed before returning.
//
// Returns:
//   - error: nil on success, ErrCannotConnect if the cloud was unreachable,
//     ErrInvalidAuth for every other login failure
func ValidateCredentials(ctx context.Context, family thingsboard.Family, username, password string, opts ...thingsboard.Option) error {
	client, err := thingsboard.New(family, opts...)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidAuth, err)
	}
	defer client.Close() //nolint:errcheck // Close only clears the session

	err = client.Login(ctx, username, password)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, thingsboard.ErrAuth):
		return fmt.Errorf("%w: %w", ErrInvalidAuth, err)
	case errors.Is(err, thingsboard.ErrConnection):
		return fmt.Errorf("%w: %w", ErrCannotConnect, err)
	default:
		return fmt.Errorf("%w: %w", ErrInvalidAuth, err)
	}
}
