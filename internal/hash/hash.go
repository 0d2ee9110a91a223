package hash

import (
	"errors"

	"golang.org/x/crypto/bcrypt"
)

// DefaultCost is the bcrypt work factor used for every stored password.
const DefaultCost = 12

var ErrEmptyPassword = errors.New("password must not be empty")

type Hasher struct {
	cost int
}

// New returns a Hasher with the given bcrypt cost. Out of range values fall
// back to DefaultCost.
func New(cost int) *Hasher {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = DefaultCost
	}
	return &Hasher{cost: cost}
}

func (h *Hasher) Cost() int { return h.cost }

func (h *Hasher) Hash(password string) (string, error) {
	if password == "" {
		return "", ErrEmptyPassword
	}
	hashbytes, err := bcrypt.GenerateFromPassword([]byte(password), h.cost)
	if err != nil {
		return "", err
	}
	return string(hashbytes), nil
}

// Verify never reports an error: a malformed hash is simply a mismatch.
func (h *Hasher) Verify(password, hashed string) bool {
	if password == "" || hashed == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hashed), []byte(password)) == nil
}
