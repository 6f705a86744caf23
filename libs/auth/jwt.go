package auth

import (
	"errors"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

var ErrInvalidToken = errors.New("invalid token")

// Claims is the token shape minted by the identity collaborator. The
// capability set is computed per request by the entitlement resolver on
// that side; this core consumes it as an opaque list.
type Claims struct {
	AccountID    string   `json:"account_id"`
	Capabilities []string `json:"capabilities"`
	jwt.RegisteredClaims
}

// Principal is the authenticated caller as seen by the execution core.
type Principal struct {
	UserID       string
	AccountID    string
	Capabilities map[string]struct{}
}

// HasCapability reports whether the principal holds a named capability.
func (p Principal) HasCapability(name string) bool {
	_, ok := p.Capabilities[name]
	return ok
}

func ParseJWT(tokenString string, secret []byte) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if token.Method.Alg() != jwt.SigningMethodHS256.Alg() {
			return nil, ErrInvalidToken
		}
		return secret, nil
	})
	if err != nil {
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// PrincipalFromClaims flattens verified claims into a Principal.
func PrincipalFromClaims(claims *Claims) Principal {
	caps := make(map[string]struct{}, len(claims.Capabilities))
	for _, c := range claims.Capabilities {
		c = strings.TrimSpace(c)
		if c != "" {
			caps[c] = struct{}{}
		}
	}
	return Principal{
		UserID:       claims.Subject,
		AccountID:    strings.TrimSpace(claims.AccountID),
		Capabilities: caps,
	}
}

func ExtractBearer(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
