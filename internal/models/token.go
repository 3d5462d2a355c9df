package models

import "time"

// TokenPair is the credential pair handed out by the identity provider.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type,omitempty"`
	ExpiresIn    int64  `json:"expires_in,omitempty"`
}

// Complete reports whether both halves of the pair are present.
func (p TokenPair) Complete() bool {
	return p.AccessToken != "" && p.RefreshToken != ""
}

// Identity is the set of claims decoded from an access token.
type Identity struct {
	Email     string    `json:"email"`
	Role      Role      `json:"role"`
	UserID    string    `json:"user_id"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

type RefreshTokenData struct {
	JTI       string    `json:"jti"`
	UserID    string    `json:"user_id"`
	Email     string    `json:"email"`
	FamilyID  string    `json:"family_id"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
	Revoked   bool      `json:"revoked"`
}
