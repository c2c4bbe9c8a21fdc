package api

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// controlIssuer is the issuer stamped on and required of control tokens.
const controlIssuer = "autoscan"

var errNoSubject = errors.New("api: token has no subject")

// IssueControlToken signs an HS256 token that authorises the control
// endpoints for ttl. subject names the operator in logs.
func IssueControlToken(secret, subject string, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", errors.New("api: JWT secret is empty")
	}
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Issuer:    controlIssuer,
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("signing control token: %w", err)
	}
	return signed, nil
}

// parseControlToken verifies raw and returns its subject.
func parseControlToken(secret, raw string) (string, error) {
	var claims jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(raw, &claims,
		func(*jwt.Token) (any, error) { return []byte(secret), nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuer(controlIssuer),
	)
	if err != nil {
		return "", err
	}
	if claims.Subject == "" {
		return "", errNoSubject
	}
	return claims.Subject, nil
}
