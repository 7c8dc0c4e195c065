// Package auth verifies the service bearer token that guards the HTTP and
// gRPC surfaces.
package auth

import (
	"context"
	"crypto/sha256"
	"errors"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"
	"google.golang.org/grpc/metadata"
)

var (
	ErrMissingToken  = errors.New("missing authorization header")
	ErrInvalidToken  = errors.New("invalid token")
	ErrNotConfigured = errors.New("no token hash configured")
)

// Failure reasons recorded with auth_failure events.
const (
	ReasonMissingToken = "missing_token"
	ReasonInvalidToken = "invalid_token"
)

// Reason maps a Verify or bearer extraction error to its audit reason.
func Reason(err error) string {
	if errors.Is(err, ErrMissingToken) {
		return ReasonMissingToken
	}
	return ReasonInvalidToken
}

// Verifier checks bearer tokens against a single bcrypt hash. Tokens that
// verified once are remembered by SHA-256 digest so bcrypt runs once per
// distinct token.
type Verifier struct {
	hash     []byte
	verified sync.Map // map[[32]byte]struct{}
}

// NewVerifier creates a Verifier. An empty hash rejects every token.
func NewVerifier(hash string) *Verifier {
	return &Verifier{hash: []byte(hash)}
}

// Configured reports whether a hash is set.
func (v *Verifier) Configured() bool {
	return len(v.hash) > 0
}

// Verify returns nil if token matches the configured hash.
func (v *Verifier) Verify(token string) error {
	if !v.Configured() {
		return ErrNotConfigured
	}
	if token == "" {
		return ErrMissingToken
	}
	digest := sha256.Sum256([]byte(token))
	if _, ok := v.verified.Load(digest); ok {
		return nil
	}
	if err := bcrypt.CompareHashAndPassword(v.hash, []byte(token)); err != nil {
		return ErrInvalidToken
	}
	v.verified.Store(digest, struct{}{})
	return nil
}

// ParseBearer returns the token from an Authorization value. The scheme is
// matched case-insensitively.
func ParseBearer(header string) (string, bool) {
	const scheme = "bearer "
	if len(header) <= len(scheme) || !strings.EqualFold(header[:len(scheme)], scheme) {
		return "", false
	}
	token := strings.TrimSpace(header[len(scheme):])
	return token, token != ""
}

// BearerFromMetadata reads the bearer token from incoming gRPC metadata.
func BearerFromMetadata(ctx context.Context) (string, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return "", ErrMissingToken
	}
	vals := md.Get("authorization")
	if len(vals) == 0 {
		return "", ErrMissingToken
	}
	token, ok := ParseBearer(vals[0])
	if !ok {
		return "", ErrMissingToken
	}
	return token, nil
}

// WithBearer attaches token to the outgoing gRPC metadata of ctx.
func WithBearer(ctx context.Context, token string) context.Context {
	return metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+token)
}
