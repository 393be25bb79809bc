package webhooksub

import (
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// tokenTTL is the callback bearer credential's lifetime (§4.7: "a
// short-lived TTL (minutes)").
const tokenTTL = 5 * time.Minute

// tokenRefreshThreshold is how close to expiry a token must be before a
// successful callback response rotates it (§4.7: "rotated only when near
// expiry").
const tokenRefreshThreshold = 90 * time.Second

// callbackClaims is the JWT payload for a callback bearer token, replacing
// the teacher's hand-rolled base64url-JSON+HMAC token
// (webhook/crypto.go's tokenPayload) with a real JWT, per SPEC_FULL §11.
type callbackClaims struct {
	ConsumerID string `json:"consumer_id"`
	Epoch      uint64 `json:"epoch"`
	jwt.RegisteredClaims
}

// TokenIssuer signs and verifies callback bearer tokens with a process-
// wide HMAC key generated once at construction, matching the teacher's
// process-wide tokenKey in webhook/crypto.go.
type TokenIssuer struct {
	key []byte
}

// NewTokenIssuer generates a fresh random signing key.
func NewTokenIssuer() (*TokenIssuer, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("webhooksub: generate token key: %w", err)
	}
	return &TokenIssuer{key: key}, nil
}

// Issue signs a fresh callback token for (consumerID, epoch).
func (t *TokenIssuer) Issue(consumerID string, epoch uint64) (string, error) {
	now := time.Now()
	claims := callbackClaims{
		ConsumerID: consumerID,
		Epoch:      epoch,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   consumerID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(tokenTTL)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(t.key)
}

// TokenValidation is the outcome of verifying a callback token.
type TokenValidation struct {
	Valid      bool
	ConsumerID string
	Epoch      uint64
	ExpiresAt  time.Time
	Code       string // ErrCodeTokenInvalid or ErrCodeTokenExpired when !Valid
}

var errWrongConsumer = errors.New("webhooksub: token subject does not match consumer")

// Validate verifies a bearer token against the expected consumer ID.
// Verification uses the jwt library's constant-time HMAC comparison.
func (t *TokenIssuer) Validate(tokenString, expectedConsumerID string) TokenValidation {
	token, err := jwt.ParseWithClaims(tokenString, &callbackClaims{}, func(tok *jwt.Token) (interface{}, error) {
		if _, ok := tok.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("webhooksub: unexpected signing method %v", tok.Header["alg"])
		}
		return t.key, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return TokenValidation{Code: ErrCodeTokenExpired}
		}
		return TokenValidation{Code: ErrCodeTokenInvalid}
	}
	claims, ok := token.Claims.(*callbackClaims)
	if !ok || !token.Valid {
		return TokenValidation{Code: ErrCodeTokenInvalid}
	}
	if claims.ConsumerID != expectedConsumerID {
		return TokenValidation{Code: ErrCodeTokenInvalid}
	}
	exp, _ := claims.GetExpirationTime()
	return TokenValidation{
		Valid:      true,
		ConsumerID: claims.ConsumerID,
		Epoch:      claims.Epoch,
		ExpiresAt:  exp.Time,
	}
}

// NeedsRefresh reports whether a token validated as v is close enough to
// expiry that a fresh one should be issued alongside a successful
// callback response.
func (v TokenValidation) NeedsRefresh() bool {
	return v.Valid && time.Until(v.ExpiresAt) <= tokenRefreshThreshold
}
