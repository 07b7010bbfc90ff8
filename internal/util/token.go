package util

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

var ErrInvalidToken = errors.New("invalid token")

// ReceiptClaims 校验成功后签发的凭据
type ReceiptClaims struct {
	Key      string `json:"key"`
	DeviceID string `json:"device_id"`
	Kind     string `json:"type"`
	jwt.RegisteredClaims
}

// TokenIssuer HS256 签发与校验；未配置密钥时为 nil，不签发凭据
type TokenIssuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewTokenIssuer(secret string, ttl time.Duration) *TokenIssuer {
	if secret == "" {
		return nil
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &TokenIssuer{secret: []byte(secret), ttl: ttl, now: time.Now}
}

func (t *TokenIssuer) Enabled() bool {
	return t != nil
}

// GenerateToken 凭据有效期不超过许可证截止时间
func (t *TokenIssuer) GenerateToken(key, deviceID, kind string, deadline time.Time) (string, error) {
	if t == nil {
		return "", nil
	}
	now := t.now()
	expiresAt := now.Add(t.ttl)
	if deadline.Before(expiresAt) {
		expiresAt = deadline
	}

	claims := ReceiptClaims{
		Key:      key,
		DeviceID: deviceID,
		Kind:     kind,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   key,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("签发凭据失败: %w", err)
	}
	return signed, nil
}

func (t *TokenIssuer) ValidateToken(tokenString string) (*ReceiptClaims, error) {
	if t == nil {
		return nil, ErrInvalidToken
	}
	claims := &ReceiptClaims{}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	token, err := parser.ParseWithClaims(tokenString, claims, func(*jwt.Token) (interface{}, error) {
		return t.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
