package utils

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

var jwtSecret []byte

// SetJWTSecret installs the HS256 signing secret at startup.
func SetJWTSecret(secret string) {
	jwtSecret = []byte(secret)
}

// VerifyJWTToken parses and validates a bearer token and returns its
// claims. The account id travels in the "sub" claim.
func VerifyJWTToken(tokenString string) (jwt.MapClaims, error) {
	if len(jwtSecret) == 0 {
		return nil, errors.New("jwt secret not configured")
	}

	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return jwtSecret, nil
	})
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token")
	}
	if _, ok := claims["sub"].(string); !ok {
		return nil, errors.New("token missing subject")
	}
	return claims, nil
}
