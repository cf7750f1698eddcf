// Package auth verifies the bearer tokens callers present. Tokens are minted
// by the identity service that shares the HMAC secret.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Claims identify the caller.
type Claims struct {
	Sub       string `json:"sub"`
	Name      string `json:"name,omitempty"`
	JTI       string `json:"jti"`
	Exp       int64  `json:"exp"`
	NotBefore int64  `json:"nbf,omitempty"`
}

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("expired token")
)

// DefaultLeeway absorbs clock drift between this service and the issuer.
const DefaultLeeway = 30 * time.Second

// IssueToken signs claims. The service never issues tokens itself; tests and
// local tooling use it to mint them.
func IssueToken(secret []byte, claims Claims) (string, error) {
	payloadBytes, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("marshal claims: %w", err)
	}
	payload := base64.RawURLEncoding.EncodeToString(payloadBytes)
	return payload + "." + sign(secret, payload), nil
}

type Verifier struct {
	secret []byte
	leeway time.Duration
	now    func() time.Time
}

type VerifierOption func(*Verifier)

func WithLeeway(leeway time.Duration) VerifierOption {
	return func(v *Verifier) { v.leeway = leeway }
}

func WithClock(now func() time.Time) VerifierOption {
	return func(v *Verifier) { v.now = now }
}

func NewVerifier(secret []byte, opts ...VerifierOption) *Verifier {
	v := &Verifier{secret: secret, leeway: DefaultLeeway, now: time.Now}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Verify checks the signature and validity window of token and returns its
// claims.
func (v *Verifier) Verify(token string) (Claims, error) {
	payload, signature, ok := strings.Cut(token, ".")
	if !ok || payload == "" || strings.Contains(signature, ".") {
		return Claims{}, ErrInvalidToken
	}
	if !hmac.Equal([]byte(sign(v.secret, payload)), []byte(signature)) {
		return Claims{}, ErrInvalidToken
	}

	raw, err := base64.RawURLEncoding.DecodeString(payload)
	if err != nil {
		return Claims{}, ErrInvalidToken
	}
	var claims Claims
	if err := json.Unmarshal(raw, &claims); err != nil {
		return Claims{}, ErrInvalidToken
	}
	if claims.Sub == "" || claims.JTI == "" || claims.Exp == 0 {
		return Claims{}, ErrInvalidToken
	}

	now := v.now()
	if now.After(time.Unix(claims.Exp, 0).Add(v.leeway)) {
		return Claims{}, ErrExpiredToken
	}
	if claims.NotBefore != 0 && now.Add(v.leeway).Before(time.Unix(claims.NotBefore, 0)) {
		return Claims{}, fmt.Errorf("%w: not valid yet", ErrInvalidToken)
	}
	return claims, nil
}

func sign(secret []byte, payload string) string {
	mac := hmac.New(sha256.New, secret)
	_, _ = mac.Write([]byte(payload))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}
