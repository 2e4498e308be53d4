package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"reachwatch/internal/support"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	jwtSecretEnv = "JWT_SECRET"
	RoleAdmin    = "admin"
)

var (
	ErrMissingSecret = errors.New("auth: " + jwtSecretEnv + " is not set")
	ErrInvalidToken  = errors.New("auth: invalid token")
	ErrTokenExpired  = errors.New("auth: token has expired")
)

type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

func signingKey() ([]byte, error) {
	secret := strings.TrimSpace(support.GetEnv(jwtSecretEnv, ""))
	if secret == "" {
		return nil, ErrMissingSecret
	}
	return []byte(secret), nil
}

// GenerateJWT signs an HS256 token carrying role. Used by operators' tooling
// and tests; the service itself never issues tokens to clients.
func GenerateJWT(subject, role string, expiresIn time.Duration) (string, error) {
	key, err := signingKey()
	if err != nil {
		return "", err
	}

	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(now.Add(expiresIn)),
			IssuedAt:  jwt.NewNumericDate(now),
			ID:        uuid.NewString(),
		},
	})
	return token.SignedString(key)
}

func ValidateJWT(tokenString string) (*Claims, error) {
	key, err := signingKey()
	if err != nil {
		return nil, err
	}

	parsed, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrTokenUnverifiable
		}
		return key, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
