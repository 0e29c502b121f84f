// Package auth defines the bearer-token claims exchanged with the portal's
// identity provider. The conversation core never authenticates users itself;
// it only verifies tokens the provider signed.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/portalchat/internal/model"
)

// Claims carries the caller identity: which side of the conversation
// (owner/client), the user id in the subject, and a display name.
type Claims struct {
	Role        model.Role `json:"role"`
	DisplayName string     `json:"display_name,omitempty"`
	jwt.RegisteredClaims
}

// NewAccessToken signs an HS256 token for the given identity. Used by the
// identity provider and by development tooling.
func NewAccessToken(id model.Identity, secret string, expiration time.Duration) (string, error) {
	claims := Claims{
		Role:        id.Role,
		DisplayName: id.DisplayName,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.UserID,
			Issuer:    "portalchat",
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			NotBefore: jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(expiration)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("auth.NewAccessToken: %w", err)
	}
	return signed, nil
}

// ParseToken verifies the token and returns the resolved identity.
func ParseToken(tokenString, secret string) (model.Identity, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return model.Identity{}, fmt.Errorf("auth.ParseToken: %w", err)
	}
	if !token.Valid {
		return model.Identity{}, errors.New("auth.ParseToken: invalid token")
	}
	id := model.Identity{
		Role:        claims.Role,
		UserID:      claims.Subject,
		DisplayName: claims.DisplayName,
	}
	if !id.Resolved() {
		return model.Identity{}, errors.New("auth.ParseToken: missing role or subject claim")
	}
	return id, nil
}
