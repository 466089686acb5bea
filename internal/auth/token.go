// Package auth verifies the bearer tokens issued by the identity provider.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt"
)

const (
	userIdClaim = "user-id"
	expClaim    = "exp"
)

var ErrInvalidToken = errors.New("invalid token")

// NewToken signs a token for userId that expires after exp.
func NewToken(signingKey []byte, userId int, exp time.Duration) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		userIdClaim: userId,
		expClaim:    time.Now().Add(exp).Unix(),
	})

	return token.SignedString(signingKey)
}

// VerifyToken checks the signature and expiry of tokenString and returns the
// user id it was issued for.
func VerifyToken(signingKey []byte, tokenString string) (int, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return signingKey, nil
	})
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if !token.Valid {
		return 0, ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return 0, fmt.Errorf("%w: invalid claims", ErrInvalidToken)
	}

	userId, ok := claims[userIdClaim].(float64)
	if !ok || userId <= 0 {
		return 0, fmt.Errorf("%w: invalid user id claim", ErrInvalidToken)
	}

	return int(userId), nil
}

// UserIdFromToken reads the user id claim without checking the signature.
// Clients use it to learn who they are; servers must use VerifyToken.
func UserIdFromToken(tokenString string) (int, error) {
	claims := jwt.MapClaims{}
	if _, _, err := new(jwt.Parser).ParseUnverified(tokenString, claims); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	userId, ok := claims[userIdClaim].(float64)
	if !ok || userId <= 0 {
		return 0, fmt.Errorf("%w: invalid user id claim", ErrInvalidToken)
	}

	return int(userId), nil
}
