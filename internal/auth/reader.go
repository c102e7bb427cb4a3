package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken is returned when a reader token is missing or invalid.
var ErrInvalidToken = errors.New("invalid reader token")

// AccessTokenParam is the query parameter browsers use to pass a reader
// token on WebSocket upgrades, where headers cannot be set.
const AccessTokenParam = "access_token"

const readerSubjectKey = "reader_subject"

// ReaderVerifier validates HS256-signed reader tokens.
type ReaderVerifier struct {
	secret []byte
	leeway time.Duration
}

// NewReaderVerifier creates a verifier for tokens signed with secret.
func NewReaderVerifier(secret string) (*ReaderVerifier, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("reader secret cannot be empty")
	}
	return &ReaderVerifier{
		secret: []byte(secret),
		leeway: 30 * time.Second,
	}, nil
}

// Verify checks the token signature and expiry and returns its subject.
func (v *ReaderVerifier) Verify(tokenString string) (string, error) {
	if strings.TrimSpace(tokenString) == "" {
		return "", ErrInvalidToken
	}

	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (any, error) {
		if token.Method.Alg() != jwt.SigningMethodHS256.Alg() {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	}, jwt.WithLeeway(v.leeway), jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if !token.Valid {
		return "", ErrInvalidToken
	}

	return claims.Subject, nil
}

// Issue signs a reader token for subject valid for ttl.
func (v *ReaderVerifier) Issue(subject string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign reader token: %w", err)
	}
	return signed, nil
}

// RequireReader rejects requests without a valid reader token. A nil
// verifier lets every request through.
func RequireReader(v *ReaderVerifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		if v == nil {
			c.Next()
			return
		}

		subject, err := v.Verify(extractToken(c.Request))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"detail": "Invalid or missing reader token"})
			return
		}

		c.Set(readerSubjectKey, subject)
		c.Next()
	}
}

// ReaderSubject returns the subject RequireReader authenticated, if any.
func ReaderSubject(c *gin.Context) (string, bool) {
	subject := c.GetString(readerSubjectKey)
	return subject, subject != ""
}

// BearerToken extracts a token from an "Authorization: Bearer" value.
func BearerToken(header string) string {
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return ""
	}
	return strings.TrimSpace(token)
}

func extractToken(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		return BearerToken(header)
	}
	return r.URL.Query().Get(AccessTokenParam)
}
