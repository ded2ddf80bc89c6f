package approval

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// CallbackClaims bind a callback token to one action and one responder.
// A leaked approve link for one action cannot answer another, and it
// expires with the approval window.
type CallbackClaims struct {
	jwt.RegisteredClaims
	ActionID    string `json:"action_id"`
	ResponderID string `json:"responder_id"`
}

// CallbackSigner issues and verifies HS256 callback tokens.
type CallbackSigner struct {
	secret []byte
	clock  func() time.Time
}

// NewCallbackSigner creates a signer with the shared secret.
func NewCallbackSigner(secret []byte) *CallbackSigner {
	return &CallbackSigner{secret: secret, clock: time.Now}
}

// WithClock overrides the clock for deterministic testing.
func (s *CallbackSigner) WithClock(clock func() time.Time) *CallbackSigner {
	s.clock = clock
	return s
}

// Issue mints a token valid until the approval deadline.
func (s *CallbackSigner) Issue(actionID, responderID string, deadline time.Time) (string, error) {
	now := s.clock().UTC()
	claims := CallbackClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   responderID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(deadline.UTC()),
			Issuer:    "opsentry/approval",
		},
		ActionID:    actionID,
		ResponderID: responderID,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("callback token sign: %w", err)
	}
	return signed, nil
}

// Verify parses a token and checks it matches the action and responder.
func (s *CallbackSigner) Verify(tokenString, actionID, responderID string) error {
	claims := &CallbackClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithTimeFunc(func() time.Time { return s.clock() }))
	if err != nil {
		return fmt.Errorf("callback token parse: %w", err)
	}
	if !token.Valid {
		return jwt.ErrTokenSignatureInvalid
	}
	if claims.ActionID != actionID || claims.ResponderID != responderID {
		return fmt.Errorf("callback token does not match action %s responder %s", actionID, responderID)
	}
	return nil
}
