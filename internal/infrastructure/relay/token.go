package relay

import (
	"errors"
	"time"

	"callrelay/internal/core/domain"
	"callrelay/internal/core/ports"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken = errors.New("invalid relay token")
	ErrExpiredToken = errors.New("relay token expired")
	ErrNoSecret     = errors.New("relay token secret not configured")
)

// Claims is the payload the relay checks on join.
type Claims struct {
	Channel  string      `json:"channel"`
	Identity string      `json:"identity"`
	Role     domain.Role `json:"role"`
	AppID    string      `json:"app_id"`
	jwt.RegisteredClaims
}

// TokenIssuer mints HS256 join tokens for channels joined without a credential.
type TokenIssuer struct {
	appID  string
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

var _ ports.TokenIssuer = (*TokenIssuer)(nil)

func NewTokenIssuer(appID, secret string, ttl time.Duration) (*TokenIssuer, error) {
	if secret == "" {
		return nil, ErrNoSecret
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &TokenIssuer{
		appID:  appID,
		secret: []byte(secret),
		ttl:    ttl,
		now:    time.Now,
	}, nil
}

func (i *TokenIssuer) Issue(channel, identity string, role domain.Role) (string, error) {
	now := i.now()
	claims := &Claims{
		Channel:  channel,
		Identity: identity,
		Role:     role,
		AppID:    i.appID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   identity,
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(i.secret)
}

// Validate parses a token minted with the same secret.
func (i *TokenIssuer) Validate(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return i.secret, nil
	}, jwt.WithTimeFunc(i.now))

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		return claims, nil
	}

	return nil, ErrInvalidToken
}
