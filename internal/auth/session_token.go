package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// SessionTokens signs and verifies the session-key cookie value so a participant
// cannot point their cookie at another participant's session.
type SessionTokens struct {
	secret []byte
	ttl    time.Duration
}

func NewSessionTokens(secret string, ttl time.Duration) *SessionTokens {
	return &SessionTokens{secret: []byte(secret), ttl: ttl}
}

func (t *SessionTokens) Generate(sessionKey string) (string, error) {
	claims := jwt.MapClaims{
		"sub": sessionKey,
		"iat": time.Now().Unix(),
		"exp": time.Now().Add(t.ttl).Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(t.secret)
}

// Validate returns the session key carried by a token.
func (t *SessionTokens) Validate(tokenString string) (string, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return t.secret, nil
	})

	if err != nil {
		return "", err
	}

	if claims, ok := token.Claims.(jwt.MapClaims); ok && token.Valid {
		sub, ok := claims["sub"].(string)
		if !ok || sub == "" {
			return "", fmt.Errorf("token has no subject")
		}
		return sub, nil
	}

	return "", fmt.Errorf("invalid token")
}
