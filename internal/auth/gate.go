// Package auth resolves the bearer credential presented by a connection to
// the user it belongs to.
package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/npezzotti/go-discuss/internal/database"
	"github.com/npezzotti/go-discuss/internal/types"
)

const TokenCookieKey = "token"

type UserStore interface {
	GetUserById(ctx context.Context, userId int) (database.User, error)
}

type Gate struct {
	signingKey []byte
	users      UserStore
}

func NewGate(signingKey []byte, users UserStore) *Gate {
	return &Gate{
		signingKey: signingKey,
		users:      users,
	}
}

// Authenticate verifies credential and returns a snapshot of its subject.
// Every failure wraps types.ErrUnauthenticated.
func (g *Gate) Authenticate(ctx context.Context, credential string) (types.User, error) {
	if credential == "" {
		return types.User{}, fmt.Errorf("%w: missing credential", types.ErrUnauthenticated)
	}

	userId, err := g.verify(credential)
	if err != nil {
		return types.User{}, fmt.Errorf("%w: %w", types.ErrUnauthenticated, err)
	}

	user, err := g.users.GetUserById(ctx, userId)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return types.User{}, fmt.Errorf("%w: user %d no longer exists", types.ErrUnauthenticated, userId)
		}
		return types.User{}, fmt.Errorf("get user: %w", err)
	}

	return types.User{
		Id:           user.Id,
		Username:     user.Username,
		TokenBalance: user.TokenBalance,
	}, nil
}

func (g *Gate) verify(tokenString string) (int, error) {
	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		return g.signingKey, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return 0, fmt.Errorf("parse token: %w", err)
	}

	if !token.Valid {
		return 0, fmt.Errorf("invalid token")
	}

	userId, err := strconv.Atoi(claims.Subject)
	if err != nil || userId <= 0 {
		return 0, fmt.Errorf("invalid subject claim %q", claims.Subject)
	}

	return userId, nil
}

// SignToken mints a credential Authenticate accepts.
func SignToken(signingKey []byte, userId int, exp time.Duration) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   strconv.Itoa(userId),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(exp)),
	})

	return token.SignedString(signingKey)
}

// CredentialFromRequest looks for a credential in the token cookie, the
// Authorization header, then the token query parameter.
func CredentialFromRequest(r *http.Request) string {
	if c, err := r.Cookie(TokenCookieKey); err == nil && c.Value != "" {
		return c.Value
	}

	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}

	return r.URL.Query().Get("token")
}
