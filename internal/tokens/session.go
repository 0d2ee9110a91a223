package tokens

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/Skotchmaster/school_portal/internal/models"
)

// DefaultSessionTTL is how long a session token stays valid after login.
const DefaultSessionTTL = 7 * 24 * time.Hour

var (
	// ErrInvalidToken covers every reason a token is rejected: malformed,
	// forged, expired, unknown or already consumed.
	ErrInvalidToken = errors.New("invalid token")

	ErrMissingSecret = errors.New("signing secret is empty")
	ErrEmptySubject  = errors.New("session subject is empty")
)

type Claims struct {
	Role models.Role `json:"role"`
	jwt.RegisteredClaims
}

// SubjectID is the user id the session was issued for.
func (c *Claims) SubjectID() string { return c.Subject }

type Subject struct {
	ID   string
	Role models.Role
}

type Option func(*Issuer)

// WithClock replaces time.Now for both issuance and verification.
func WithClock(now func() time.Time) Option {
	return func(i *Issuer) {
		if now != nil {
			i.now = now
		}
	}
}

func WithIssuer(iss string) Option {
	return func(i *Issuer) { i.issuer = iss }
}

// Issuer signs and verifies HS256 session tokens. It holds no mutable state.
type Issuer struct {
	secret []byte
	issuer string
	now    func() time.Time
	parser *jwt.Parser
}

func NewIssuer(secret []byte, opts ...Option) (*Issuer, error) {
	if len(secret) == 0 {
		return nil, ErrMissingSecret
	}
	i := &Issuer{
		secret: append([]byte(nil), secret...),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(i)
	}

	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(i.now),
	}
	if i.issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(i.issuer))
	}
	i.parser = jwt.NewParser(parserOpts...)
	return i, nil
}

// IssueSession signs a token for sub that expires ttl from now. A ttl of zero
// or less produces a token that is already expired.
func (i *Issuer) IssueSession(sub Subject, ttl time.Duration) (string, error) {
	if sub.ID == "" {
		return "", ErrEmptySubject
	}
	now := i.now()
	claims := Claims{
		Role: sub.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sub.ID,
			Issuer:    i.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.NewString(),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
}

// VerifySession returns the claims of a valid token. Any failure yields
// ErrInvalidToken and nothing else.
func (i *Issuer) VerifySession(tokenStr string) (*Claims, error) {
	if tokenStr == "" {
		return nil, ErrInvalidToken
	}
	var claims Claims
	tkn, err := i.parser.ParseWithClaims(tokenStr, &claims, func(*jwt.Token) (any, error) {
		return i.secret, nil
	})
	if err != nil || !tkn.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Subject == "" || !claims.Role.IsValid() {
		return nil, ErrInvalidToken
	}
	return &claims, nil
}
