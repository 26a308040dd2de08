package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims is the JWT payload accepted for connection identity: the userId
// claim carries the user id surfaced to authorizer callbacks as Identity.UserID.
type Claims struct {
	UserID   string `json:"userId"`
	Username string `json:"username,omitempty"`
	Role     string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// JWTVerifier validates bearer tokens presented at connect time. Only
// HS256/HS384/HS512 signing methods are accepted; any other alg in the
// token header is rejected to rule out algorithm-confusion attacks.
type JWTVerifier struct {
	secret []byte
}

// NewJWTVerifier builds a verifier from the configured shared secret.
func NewJWTVerifier(secret string) *JWTVerifier {
	return &JWTVerifier{secret: []byte(secret)}
}

// Verify parses and validates tokenString, returning its claims.
func (v *JWTVerifier) Verify(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("auth: invalid token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.New("auth: invalid token claims")
	}
	return claims, nil
}

// ExtractToken pulls the bearer token from the Authorization header, or
// failing that, the "token" query parameter — WebSocket upgrade requests
// rarely carry custom headers from browser clients.
func ExtractToken(r *http.Request) (string, error) {
	const bearerPrefix = "Bearer "
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, bearerPrefix) {
		return strings.TrimPrefix(h, bearerPrefix), nil
	}
	if t := r.URL.Query().Get("token"); t != "" {
		return t, nil
	}
	return "", errors.New("auth: no bearer token in header or query")
}

// ConnectIdentity resolves the identity to attach to a new connection from
// the request's bearer token. A missing or invalid token returns an error;
// the server calls it only when auth is enabled.
func (v *JWTVerifier) ConnectIdentity(r *http.Request) (*Claims, error) {
	token, err := ExtractToken(r)
	if err != nil {
		return nil, err
	}
	return v.Verify(token)
}

// TokenDuration is a 24-hour token lifetime. This package only verifies
// tokens; nothing in the module mints them or reads this constant.
const TokenDuration = 24 * time.Hour
