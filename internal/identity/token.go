package identity

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const tokenIssuer = "strategy-server"

// Claims 連線 token 內容，subject 為使用者名稱
type Claims struct {
	UserID string `json:"uid"`
	jwt.RegisteredClaims
}

// TokenIssuer 簽發與驗證 HS256 token
type TokenIssuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewTokenIssuer 創建 token 簽發器
func NewTokenIssuer(secret string, ttl time.Duration) *TokenIssuer {
	return &TokenIssuer{
		secret: []byte(secret),
		ttl:    ttl,
		now:    time.Now,
	}
}

// Issue 為使用者簽發 token
func (t *TokenIssuer) Issue(cred Credential) (string, error) {
	now := t.now()
	claims := Claims{
		UserID: cred.UserID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			Subject:   cred.Username,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
}

// Verify 驗證 token，回傳使用者名稱（即玩家 ID）
func (t *TokenIssuer) Verify(token string) (string, error) {
	var claims Claims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return t.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(t.now),
	)
	if err != nil {
		return "", ErrInvalidToken.WithDetails(mapJWTError(err))
	}
	if claims.Subject == "" {
		return "", ErrInvalidToken.WithDetails("missing subject")
	}
	return claims.Subject, nil
}

func mapJWTError(err error) string {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return "expired"
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return "bad signature"
	case errors.Is(err, jwt.ErrTokenMalformed):
		return "malformed"
	default:
		return err.Error()
	}
}
