package auth

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"archboard/api/internal/collab"
)

// Claims is the payload of an access token. Subject carries the identity id
// and ID the token id.
type Claims struct {
	Name  string `json:"name"`
	Color string `json:"color,omitempty"`
	Role  string `json:"role"`
	jwt.RegisteredClaims
}

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("expired token")
)

// NewClaims fills the registered claims for an identity.
func NewClaims(identity collab.Identity, role, tokenID string, ttl time.Duration) Claims {
	now := time.Now()
	return Claims{
		Name:  identity.DisplayName,
		Color: identity.Color,
		Role:  role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   identity.ID,
			ID:        tokenID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
}

func IssueToken(secret []byte, claims Claims) (string, error) {
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

func ParseToken(secret []byte, token string) (Claims, error) {
	var claims Claims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Claims{}, ErrExpiredToken
		}
		return Claims{}, ErrInvalidToken
	}
	if claims.Subject == "" || claims.Name == "" || claims.ID == "" {
		return Claims{}, ErrInvalidToken
	}
	return claims, nil
}

// Identity returns the collaboration identity the claims describe. Tokens
// without a color get a stable one derived from the subject.
func (c Claims) Identity() collab.Identity {
	color := c.Color
	if color == "" {
		color = ColorFor(c.Subject)
	}
	return collab.Identity{ID: c.Subject, DisplayName: c.Name, Color: color}
}

var palette = []string{
	"#e4572e", "#29335c", "#f3a712", "#a8c686",
	"#669bbc", "#8e44ad", "#16a085", "#d35400",
}

// ColorFor picks a presence color for identityID from a fixed palette.
func ColorFor(identityID string) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(identityID))
	return palette[h.Sum32()%uint32(len(palette))]
}

func HashToken(value string) string {
	sum := sha256.Sum256([]byte(value))
	return fmt.Sprintf("%x", sum)
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) string {
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}
