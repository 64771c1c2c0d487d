package auth

import (
	"github.com/golang-jwt/jwt/v5"
)

// TokenType discriminates the JWTs Strata mints.
type TokenType string

const (
	TypeAccess         TokenType = "access"
	TypeRefresh        TokenType = "refresh"
	TypeServiceAccount TokenType = "service_account"
	TypeAdminUser      TokenType = "admin_user"
)

// Claims is the JWT claim set. Refresh tokens carry only sub and type;
// access tokens add the principal's username and role.
type Claims struct {
	jwt.RegisteredClaims
	Type     TokenType `json:"type"`
	Username string    `json:"username,omitempty"`
	Role     string    `json:"role,omitempty"`
}

// TokenPair is the response body of a successful grant.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	IssuedAt     int64  `json:"issued_at"`
}
