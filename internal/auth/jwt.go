// Package auth 提供网关侧的 JWT 签发与校验。
// 账号体系与密码由外部认证服务负责，这里只消费它签出的令牌；
// SignJWT 仅供本地开发与测试签发令牌用。
package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims 令牌载荷，Sub 即用户 ID。
type Claims struct {
	UserID string `json:"uid"`
	jwt.RegisteredClaims
}

// SignJWT 用 HS256 签发令牌。
func SignJWT(secret, userID string, ttl time.Duration) (string, error) {
	now := time.Now()
	cl := &Claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, cl).SignedString([]byte(secret))
}

// ParseJWT 校验令牌并返回载荷。签名算法只接受 HMAC 族。
func ParseJWT(secret, token string) (*Claims, error) {
	cl := &Claims{}
	tok, err := jwt.ParseWithClaims(token, cl, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return []byte(secret), nil
	})
	if err != nil {
		return nil, err
	}
	if !tok.Valid {
		return nil, errors.New("invalid token")
	}
	if cl.UserID == "" {
		cl.UserID = cl.Subject
	}
	if cl.UserID == "" {
		return nil, errors.New("token missing user id")
	}
	return cl, nil
}
