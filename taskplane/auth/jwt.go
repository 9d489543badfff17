// Package auth implements the HS256 token format used between the web UI
// and the task API.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"
)

// Claims carries the identity and capability set the policy engine consumes.
type Claims struct {
	UserID       string   `json:"user_id"`
	Role         string   `json:"role"`
	Capabilities []string `json:"capabilities,omitempty"`
	// Standard claims
	Issuer    string `json:"iss"`
	Audience  string `json:"aud"`
	ExpiresAt int64  `json:"exp"`
	IssuedAt  int64  `json:"iat"`
	NotBefore int64  `json:"nbf"`
}

var (
	jwtSecret []byte
	issuer    = "partshive"
	audience  = "partshive-api"
)

func init() {
	secretEnv := os.Getenv("JWT_SECRET")
	switch {
	case secretEnv == "":
		log.Println("WARNING: JWT_SECRET not set. Using insecure default for local dev ONLY.")
		jwtSecret = []byte("insecure_default_secret_for_dev_mode_only_32bytes")
	case len(secretEnv) < 32:
		panic("JWT_SECRET must be at least 32 characters long")
	default:
		jwtSecret = []byte(secretEnv)
	}
}

// GenerateToken signs a 24h token for the given identity.
func GenerateToken(userID, role string, capabilities []string) (string, error) {
	now := time.Now().Unix()
	claims := Claims{
		UserID:       userID,
		Role:         role,
		Capabilities: capabilities,
		Issuer:       issuer,
		Audience:     audience,
		ExpiresAt:    now + 86400,
		IssuedAt:     now,
		NotBefore:    now,
	}

	header := map[string]string{"alg": "HS256", "typ": "JWT"}
	headerJSON, _ := json.Marshal(header)
	claimsJSON, _ := json.Marshal(claims)

	tokenPart := base64UrlEncode(headerJSON) + "." + base64UrlEncode(claimsJSON)
	signature := computeHMAC(tokenPart, jwtSecret)
	return tokenPart + "." + signature, nil
}

// ValidateToken verifies the signature and the time/issuer/audience claims.
func ValidateToken(tokenString string) (*Claims, error) {
	parts := strings.Split(tokenString, ".")
	if len(parts) != 3 {
		return nil, errors.New("invalid token format")
	}

	tokenPart := parts[0] + "." + parts[1]
	signature := computeHMAC(tokenPart, jwtSecret)
	if !hmac.Equal([]byte(signature), []byte(parts[2])) {
		return nil, errors.New("invalid signature")
	}

	claimsJSON, err := base64UrlDecode(parts[1])
	if err != nil {
		return nil, fmt.Errorf("failed to decode claims: %v", err)
	}
	var claims Claims
	if err := json.Unmarshal(claimsJSON, &claims); err != nil {
		return nil, fmt.Errorf("failed to unmarshal claims: %v", err)
	}

	now := time.Now().Unix()
	if now > claims.ExpiresAt {
		return nil, errors.New("token expired")
	}
	if now < claims.NotBefore {
		return nil, errors.New("token not yet valid")
	}
	if claims.Issuer != issuer {
		return nil, errors.New("invalid issuer")
	}
	if claims.Audience != audience {
		return nil, errors.New("invalid audience")
	}
	if claims.UserID == "" {
		return nil, errors.New("missing user_id claim")
	}
	return &claims, nil
}

func computeHMAC(message string, secret []byte) string {
	h := hmac.New(sha256.New, secret)
	h.Write([]byte(message))
	return base64UrlEncode(h.Sum(nil))
}

func base64UrlEncode(data []byte) string {
	return strings.TrimRight(base64.URLEncoding.EncodeToString(data), "=")
}

func base64UrlDecode(data string) ([]byte, error) {
	if l := len(data) % 4; l > 0 {
		data += strings.Repeat("=", 4-l)
	}
	return base64.URLEncoding.DecodeString(data)
}
