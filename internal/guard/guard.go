// Package guard decides whether a request may proceed. Every check starts
// from the bearer token: authentication is evaluated first and a failure
// there is reported as Unauthorized without looking at roles or ownership.
package guard

import (
	"errors"
	"net/http"
	"slices"
	"strings"

	"github.com/Skotchmaster/school_portal/internal/models"
	"github.com/Skotchmaster/school_portal/internal/tokens"
)

type Reason string

const (
	ReasonUnauthorized Reason = "unauthorized"
	ReasonForbidden    Reason = "forbidden"
)

// Deny is the rejection verdict. Detail is meant for server logs only.
type Deny struct {
	Reason Reason
	Detail string
}

func (d *Deny) Error() string {
	if d.Detail == "" {
		return string(d.Reason)
	}
	return string(d.Reason) + ": " + d.Detail
}

func (d *Deny) Is(target error) bool {
	t, ok := target.(*Deny)
	return ok && t.Reason == d.Reason
}

var (
	ErrUnauthorized = &Deny{Reason: ReasonUnauthorized}
	ErrForbidden    = &Deny{Reason: ReasonForbidden}
)

func forbidden(detail string) error { return &Deny{Reason: ReasonForbidden, Detail: detail} }

// StatusCode maps a verdict to the HTTP status the route layer should send.
func StatusCode(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	default:
		return http.StatusUnauthorized
	}
}

type SessionVerifier interface {
	VerifySession(token string) (*tokens.Claims, error)
}

// Requirement is one authorization rule evaluated against verified claims.
type Requirement func(claims *tokens.Claims) error

func AnyAuthenticated() Requirement {
	return func(*tokens.Claims) error { return nil }
}

func RoleIn(allowed ...models.Role) Requirement {
	return func(claims *tokens.Claims) error {
		if !slices.Contains(allowed, claims.Role) {
			return forbidden("role " + claims.Role.String() + " not allowed")
		}
		return nil
	}
}

func OwnerOf(ownerID string) Requirement {
	return func(claims *tokens.Claims) error {
		if ownerID == "" || claims.SubjectID() != ownerID {
			return forbidden("subject does not own resource")
		}
		return nil
	}
}

// AnyOf passes when at least one of reqs passes.
func AnyOf(reqs ...Requirement) Requirement {
	return func(claims *tokens.Claims) error {
		for _, req := range reqs {
			if req(claims) == nil {
				return nil
			}
		}
		return forbidden("no alternative satisfied")
	}
}

// Guard is safe for concurrent use; it keeps no state besides the verifier.
type Guard struct {
	verifier SessionVerifier
}

func New(verifier SessionVerifier) *Guard {
	return &Guard{verifier: verifier}
}

func (g *Guard) Authenticate(bearer string) (*tokens.Claims, error) {
	if bearer == "" {
		return nil, &Deny{Reason: ReasonUnauthorized, Detail: "missing token"}
	}
	claims, err := g.verifier.VerifySession(bearer)
	if err != nil || claims == nil {
		return nil, &Deny{Reason: ReasonUnauthorized, Detail: "invalid token"}
	}
	return claims, nil
}

func (g *Guard) AuthorizeRole(claims *tokens.Claims, allowed ...models.Role) error {
	return check(claims, RoleIn(allowed...))
}

func (g *Guard) AuthorizeOwnership(claims *tokens.Claims, ownerID string) error {
	return check(claims, OwnerOf(ownerID))
}

// Authorize applies reqs to claims that were already authenticated.
func (g *Guard) Authorize(claims *tokens.Claims, reqs ...Requirement) error {
	if claims == nil {
		return ErrUnauthorized
	}
	for _, req := range reqs {
		if err := req(claims); err != nil {
			return err
		}
	}
	return nil
}

// Require authenticates bearer and then applies every requirement in order.
func (g *Guard) Require(bearer string, reqs ...Requirement) (*tokens.Claims, error) {
	claims, err := g.Authenticate(bearer)
	if err != nil {
		return nil, err
	}
	if err := g.Authorize(claims, reqs...); err != nil {
		return nil, err
	}
	return claims, nil
}

func check(claims *tokens.Claims, req Requirement) error {
	if claims == nil {
		return ErrUnauthorized
	}
	return req(claims)
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) string {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
