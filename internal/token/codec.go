// Package token decodes bearer access tokens on the client side.
//
// Signatures are not checked here: the identity provider is the authority
// on validity and the client only needs the claims to drive navigation.
// Every failure is reported as "no identity" and every undecodable token is
// treated as expired.
package token

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/qcom/marketclient/internal/models"
)

var parser = jwt.NewParser()

// Decode extracts the identity carried by an access token. It returns nil
// for anything that is not a structurally valid JWT with a JSON payload.
func Decode(tokenString string) (id *models.Identity) {
	defer func() {
		if recover() != nil {
			id = nil
		}
	}()

	if strings.TrimSpace(tokenString) == "" {
		return nil
	}

	claims, ok := decodeClaims(tokenString)
	if !ok {
		return nil
	}

	out := &models.Identity{
		Email:  firstString(claims, "sub", "email"),
		Role:   roleOf(claims),
		UserID: firstString(claims, "userId", "user_id", "uid", "id"),
	}

	if iat, err := claims.GetIssuedAt(); err == nil && iat != nil {
		out.IssuedAt = iat.Time
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		out.ExpiresAt = exp.Time
	}

	return out
}

// decodeClaims splits a compact JWT and decodes its payload. The header
// must be a JSON object but need not name an algorithm.
func decodeClaims(tokenString string) (jwt.MapClaims, bool) {
	parts := strings.Split(tokenString, ".")
	if len(parts) != 3 {
		return nil, false
	}

	var header map[string]interface{}
	if !decodeSegment(parts[0], &header) || header == nil {
		return nil, false
	}

	var claims jwt.MapClaims
	if !decodeSegment(parts[1], &claims) || claims == nil {
		return nil, false
	}
	return claims, true
}

func decodeSegment(seg string, v interface{}) bool {
	raw, err := parser.DecodeSegment(seg)
	if err != nil {
		return false
	}
	return json.Unmarshal(raw, v) == nil
}

// IsExpired reports whether the token cannot be decoded, carries no expiry,
// or expired before now.
func IsExpired(tokenString string, now time.Time) bool {
	id := Decode(tokenString)
	if id == nil || id.ExpiresAt.IsZero() {
		return true
	}
	return id.ExpiresAt.Before(now)
}

// roleOf prefers an explicit role claim, then the first authority, and
// falls back to CUSTOMER when the token names neither. The fallback is
// permissive on purpose and covered by tests.
func roleOf(claims jwt.MapClaims) models.Role {
	if raw := firstString(claims, "role"); raw != "" {
		return normalizeRole(raw)
	}

	if list, ok := claims["authorities"].([]interface{}); ok && len(list) > 0 {
		switch a := list[0].(type) {
		case string:
			if a != "" {
				return normalizeRole(a)
			}
		case map[string]interface{}:
			if s, ok := a["authority"].(string); ok && s != "" {
				return normalizeRole(s)
			}
		}
	}

	return models.RoleCustomer
}

func normalizeRole(raw string) models.Role {
	if r, ok := models.ParseRole(raw); ok {
		return r
	}
	return models.Role(strings.ToUpper(strings.TrimSpace(raw)))
}

func firstString(claims jwt.MapClaims, keys ...string) string {
	for _, k := range keys {
		switch v := claims[k].(type) {
		case string:
			if v != "" {
				return v
			}
		case float64:
			return fmt.Sprintf("%.0f", v)
		}
	}
	return ""
}
