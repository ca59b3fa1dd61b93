package auth

import (
	"encoding/json"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
)

// signingAlgorithms are the algorithms accepted when parsing an access token.
var signingAlgorithms = []jose.SignatureAlgorithm{
	jose.RS256, jose.RS384, jose.RS512,
	jose.PS256, jose.PS384, jose.PS512,
	jose.ES256, jose.ES384, jose.ES512,
	jose.HS256, jose.HS384, jose.HS512,
	jose.EdDSA,
}

// Claims are the identity claims carried by an access token.
type Claims struct {
	Subject           string
	PreferredUsername string
	PhoneNumber       string
	Roles             []string
}

type rawClaims struct {
	PreferredUsername string          `json:"preferred_username"`
	PhoneNumber       string          `json:"phone_number"`
	Role              json.RawMessage `json:"role"`
}

// DecodeClaims reads the claims of a JWT access token without verifying its
// signature.
func DecodeClaims(accessToken string) (*Claims, error) {
	tok, err := jwt.ParseSigned(accessToken, signingAlgorithms)
	if err != nil {
		return nil, err
	}
	var std jwt.Claims
	var extra rawClaims
	if err := tok.UnsafeClaimsWithoutVerification(&std, &extra); err != nil {
		return nil, err
	}
	return &Claims{
		Subject:           std.Subject,
		PreferredUsername: extra.PreferredUsername,
		PhoneNumber:       extra.PhoneNumber,
		Roles:             decodeRoles(extra.Role),
	}, nil
}

// decodeRoles accepts the role claim as a single string or a list.
func decodeRoles(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}
	var one string
	if err := json.Unmarshal(raw, &one); err == nil {
		if one == "" {
			return nil
		}
		return []string{one}
	}
	var many []string
	if err := json.Unmarshal(raw, &many); err == nil {
		return many
	}
	return nil
}
