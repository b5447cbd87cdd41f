package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"

	"github.com/punchamoorthee/lendingops/internal/domain"
)

var (
	errMissingToken = errors.New("missing bearer token")
	errInvalidToken = errors.New("invalid token")
)

// Claims is the bearer token payload. Subject carries the account id.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// Authenticator turns HS256 bearer tokens into principals.
type Authenticator struct {
	secret []byte
	now    func() time.Time
}

func NewAuthenticator(secret string) (*Authenticator, error) {
	if secret == "" {
		return nil, errors.New("JWT secret must not be empty")
	}
	return &Authenticator{secret: []byte(secret), now: time.Now}, nil
}

// SignToken issues a token for p that expires after ttl.
func (a *Authenticator) SignToken(p domain.Principal, ttl time.Duration) (string, error) {
	now := a.now()
	claims := Claims{
		Role: string(p.Role),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(p.AccountID, 10),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// Parse validates raw and returns the principal it names.
func (a *Authenticator) Parse(raw string) (domain.Principal, error) {
	var claims Claims
	tok, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil || !tok.Valid {
		return domain.Principal{}, fmt.Errorf("%w: %v", errInvalidToken, err)
	}

	id, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil || id <= 0 {
		return domain.Principal{}, fmt.Errorf("%w: bad subject %q", errInvalidToken, claims.Subject)
	}
	role := domain.Role(claims.Role)
	if role != domain.RoleUser && role != domain.RoleAdmin {
		return domain.Principal{}, fmt.Errorf("%w: bad role %q", errInvalidToken, claims.Role)
	}
	return domain.Principal{AccountID: id, Role: role}, nil
}

func bearerToken(r *http.Request) (string, error) {
	authz := r.Header.Get("Authorization")
	if len(authz) < 7 || !strings.EqualFold(authz[:7], "Bearer ") {
		return "", errMissingToken
	}
	raw := strings.TrimSpace(authz[7:])
	if raw == "" {
		return "", errMissingToken
	}
	return raw, nil
}

type principalKey struct{}

func withPrincipal(ctx context.Context, p domain.Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFrom returns the authenticated caller stored by the auth middleware.
func PrincipalFrom(ctx context.Context) (domain.Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(domain.Principal)
	return p, ok
}
