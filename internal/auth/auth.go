// Package auth delegates credential validation to a pluggable
// authenticator. The fabric core never stores credentials; the static
// implementation just checks configured tokens and per-peer secrets.
package auth

import (
	"context"
	"crypto/subtle"

	"github.com/nextlevelbuilder/hivemind/pkg/protocol"
)

// Principal is a validated caller identity.
type Principal struct {
	ID     string
	Scopes []string
}

// HasScope reports whether the principal carries scope.
func (p *Principal) HasScope(scope string) bool {
	for _, s := range p.Scopes {
		if s == scope || s == "*" {
			return true
		}
	}
	return false
}

// Authenticator validates inbound credentials. Implementations live
// outside the core; the static one below serves single-operator
// deployments and tests.
type Authenticator interface {
	// Validate checks a bearer token against a required scope.
	Validate(ctx context.Context, token, requiredScope string) (*Principal, error)
	// PrincipalForSync resolves a peer's shared secret to its machine id.
	PrincipalForSync(ctx context.Context, peerID, sharedSecret string) (string, error)
}

// StaticConfig declares tokens and peer secrets inline.
type StaticConfig struct {
	// Tokens maps bearer token → principal id. Token holders get every
	// scope.
	Tokens map[string]string `json:"tokens,omitempty"`
	// PeerSecrets maps machine id → shared secret for sync sessions.
	PeerSecrets map[string]string `json:"peer_secrets,omitempty"`
	// AllowAnonymous admits tokenless agent sessions (lab setups).
	AllowAnonymous bool `json:"allow_anonymous,omitempty"`
}

// Static is the config-driven Authenticator.
type Static struct {
	cfg StaticConfig
}

// NewStatic builds a static authenticator.
func NewStatic(cfg StaticConfig) *Static {
	return &Static{cfg: cfg}
}

// Validate checks the bearer token.
func (s *Static) Validate(_ context.Context, token, _ string) (*Principal, error) {
	if token == "" {
		if s.cfg.AllowAnonymous {
			return &Principal{ID: "anonymous", Scopes: []string{"*"}}, nil
		}
		return nil, protocol.Errf(protocol.KindUnauthorized, "missing bearer token")
	}
	for known, id := range s.cfg.Tokens {
		if subtle.ConstantTimeCompare([]byte(known), []byte(token)) == 1 {
			return &Principal{ID: id, Scopes: []string{"*"}}, nil
		}
	}
	return nil, protocol.Errf(protocol.KindUnauthorized, "unknown token")
}

// PrincipalForSync checks the per-peer shared secret.
func (s *Static) PrincipalForSync(_ context.Context, peerID, sharedSecret string) (string, error) {
	want, ok := s.cfg.PeerSecrets[peerID]
	if !ok {
		return "", protocol.Errf(protocol.KindUnauthorized, "unknown peer %s", peerID)
	}
	if subtle.ConstantTimeCompare([]byte(want), []byte(sharedSecret)) != 1 {
		return "", protocol.Errf(protocol.KindUnauthorized, "bad secret for peer %s", peerID)
	}
	return peerID, nil
}
