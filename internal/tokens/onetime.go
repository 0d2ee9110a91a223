package tokens

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/Skotchmaster/school_portal/internal/models"
)

// oneTimeTokenBytes gives 256 bits of entropy.
const oneTimeTokenBytes = 32

// NewOneTimeToken returns a random URL-safe token for registration or
// password reset links.
func NewOneTimeToken() (string, error) {
	buf := make([]byte, oneTimeTokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read random: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// HashOneTimeToken is the form in which one-time tokens are stored.
func HashOneTimeToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// OneTimeTokenStore finds the credential holding a token digest. It returns a
// nil user and a nil error when no credential matches.
type OneTimeTokenStore interface {
	FindByOneTimeToken(ctx context.Context, purpose models.TokenPurpose, digest string) (*models.User, error)
}

type OneTimeVerifier struct {
	store OneTimeTokenStore
	now   func() time.Time
}

func NewOneTimeVerifier(store OneTimeTokenStore, now func() time.Time) *OneTimeVerifier {
	if now == nil {
		now = time.Now
	}
	return &OneTimeVerifier{store: store, now: now}
}

// Verify checks that token is pending for purpose and not yet expired. It
// does not consume the token; callers do that through the store once they
// have decided to act on it.
func (v *OneTimeVerifier) Verify(ctx context.Context, purpose models.TokenPurpose, token string) (*models.User, error) {
	if token == "" || !purpose.IsValid() {
		return nil, ErrInvalidToken
	}
	user, err := v.store.FindByOneTimeToken(ctx, purpose, HashOneTimeToken(token))
	if err != nil {
		return nil, fmt.Errorf("one-time token lookup: %w", err)
	}
	if user == nil {
		return nil, ErrInvalidToken
	}
	digest, expiresAt := user.OneTimeToken(purpose)
	if digest == nil || expiresAt == nil || !v.now().Before(*expiresAt) {
		return nil, ErrInvalidToken
	}
	return user, nil
}
