// Package authtoken verifies and issues the bearer tokens presented at
// WebSocket upgrade time, using a single symmetric signing algorithm
// (HS256) rather than the JWKS/asymmetric validation a browser-facing
// auth provider would need.
package authtoken

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Failure reasons returned alongside a failed Verify (§4.1).
const (
	ReasonNoSecretConfigured   = "no_secret_configured"
	ReasonNoTokenProvided      = "no_token_provided"
	ReasonTokenExpired         = "token_expired"
	ReasonInvalidToken         = "invalid_token"
	ReasonMissingUserIdentifier = "missing_user_identifier"
)

// VerifyError reports why a token failed verification.
type VerifyError struct {
	Reason string
}

func (e *VerifyError) Error() string { return e.Reason }

// Identity is the caller-supplied identity extracted from a verified
// token.
type Identity struct {
	UserID string
	RoomID string
	Name   string
	Role   string
}

// claims is the set of fields this service reads from or writes into a
// token. userId/roomId/name/role are all optional beyond userId itself;
// sub, userId and uid are accepted interchangeably as the user
// identifier, tried in that order.
type claims struct {
	jwt.RegisteredClaims
	UserID string `json:"userId,omitempty"`
	UID    string `json:"uid,omitempty"`
	RoomID string `json:"roomId,omitempty"`
	Name   string `json:"name,omitempty"`
	Role   string `json:"role,omitempty"`
}

// Verifier validates and issues tokens against a single HMAC secret.
type Verifier struct {
	secret []byte
	ttl    time.Duration
}

// NewVerifier constructs a Verifier. secret must be non-empty; callers
// should enforce a minimum-length requirement before construction
// (config.ValidateEnv already does).
func NewVerifier(secret string, ttl time.Duration) *Verifier {
	return &Verifier{secret: []byte(secret), ttl: ttl}
}

// Verify validates a token string and extracts its Identity. It rejects
// tokens signed with anything other than HS256 (alg=none included),
// expired tokens, and tokens lacking a usable user identifier.
func (v *Verifier) Verify(tokenString string) (*Identity, error) {
	if len(v.secret) == 0 {
		return nil, &VerifyError{Reason: ReasonNoSecretConfigured}
	}
	if tokenString == "" {
		return nil, &VerifyError{Reason: ReasonNoTokenProvided}
	}

	var c claims
	parsed, err := jwt.ParseWithClaims(tokenString, &c, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, &VerifyError{Reason: ReasonTokenExpired}
		}
		return nil, &VerifyError{Reason: ReasonInvalidToken}
	}
	if !parsed.Valid {
		return nil, &VerifyError{Reason: ReasonInvalidToken}
	}

	userID := c.Subject
	if userID == "" {
		userID = c.UserID
	}
	if userID == "" {
		userID = c.UID
	}
	if userID == "" {
		return nil, &VerifyError{Reason: ReasonMissingUserIdentifier}
	}

	return &Identity{
		UserID: userID,
		RoomID: c.RoomID,
		Name:   c.Name,
		Role:   c.Role,
	}, nil
}

// Issue mints a short-lived token for userId, optionally scoped to a
// room (§6, token issuance endpoint).
func (v *Verifier) Issue(userID, roomID string) (string, error) {
	if len(v.secret) == 0 {
		return "", &VerifyError{Reason: ReasonNoSecretConfigured}
	}
	if userID == "" {
		return "", &VerifyError{Reason: ReasonMissingUserIdentifier}
	}

	now := time.Now()
	c := claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(v.ttl)),
		},
		UserID: userID,
		RoomID: roomID,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	return token.SignedString(v.secret)
}
