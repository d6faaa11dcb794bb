package exchange

import (
	"crypto/sha512"
	"encoding/hex"
	"net/url"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

type tokenClaims struct {
	AccessKey    string `json:"access_key"`
	Nonce        string `json:"nonce"`
	QueryHash    string `json:"query_hash,omitempty"`
	QueryHashAlg string `json:"query_hash_alg,omitempty"`
	jwt.RegisteredClaims
}

// queryHash 参数按 key 排序编码后取 SHA512
func queryHash(params url.Values) string {
	if len(params) == 0 {
		return ""
	}
	sum := sha512.Sum512([]byte(params.Encode()))
	return hex.EncodeToString(sum[:])
}

// signToken 生成 HS256 JWT；有参数时带上 query_hash
func signToken(accessKey, secretKey string, params url.Values) (string, error) {
	claims := tokenClaims{AccessKey: accessKey, Nonce: uuid.NewString()}
	if h := queryHash(params); h != "" {
		claims.QueryHash = h
		claims.QueryHashAlg = "SHA512"
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secretKey))
}
