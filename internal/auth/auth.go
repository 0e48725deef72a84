// Package auth validates API tokens and guards routes. Token issuance
// lives in the auth service; this package only needs the shared secret.
package auth

import (
	"errors"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var ErrInvalidToken = errors.New("invalid or expired token")

// Claims is the decoded identity carried by an access token
type Claims struct {
	UserID         uuid.UUID
	OrganizationID uuid.UUID
	Email          string
	Role           string
}

type tokenClaims struct {
	UserID string `json:"user_id"`
	OrgID  string `json:"org_id"`
	Email  string `json:"email"`
	Role   string `json:"role"`
	jwt.RegisteredClaims
}

// ParseAccessToken verifies the signature and expiry of an access token
// and returns its claims. Only HMAC-signed tokens are accepted.
func ParseAccessToken(tokenString, secret string) (*Claims, error) {
	parsed := &tokenClaims{}
	token, err := jwt.ParseWithClaims(tokenString, parsed, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return []byte(secret), nil
	})
	if err != nil || !token.Valid {
		return nil, ErrInvalidToken
	}

	userID, err := uuid.Parse(parsed.UserID)
	if err != nil {
		return nil, ErrInvalidToken
	}
	orgID, err := uuid.Parse(parsed.OrgID)
	if err != nil {
		return nil, ErrInvalidToken
	}

	return &Claims{
		UserID:         userID,
		OrganizationID: orgID,
		Email:          parsed.Email,
		Role:           parsed.Role,
	}, nil
}
