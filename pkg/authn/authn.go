package authn

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"strings"
)

var ErrUnauthorized = errors.New("unauthorized")

type AgentIdentity struct {
	ActorID string
}

// Verifier checks agent bearer tokens against a configured token. Only the
// token hash is kept in memory.
type Verifier struct {
	tokenHash []byte
}

// NewVerifier returns nil when token is empty; a nil Verifier rejects every
// request.
func NewVerifier(token string) *Verifier {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil
	}
	sum := sha256.Sum256([]byte(token))
	return &Verifier{tokenHash: sum[:]}
}

// AuthenticateAgentBearer validates the Authorization header. actorHint is
// the caller-declared agent id and defaults to "agent".
func (v *Verifier) AuthenticateAgentBearer(authorization, actorHint string) (*AgentIdentity, error) {
	if v == nil {
		return nil, ErrUnauthorized
	}
	token, ok := parseBearerToken(authorization)
	if !ok {
		return nil, ErrUnauthorized
	}
	sum := sha256.Sum256([]byte(token))
	if subtle.ConstantTimeCompare(sum[:], v.tokenHash) != 1 {
		return nil, ErrUnauthorized
	}
	actor := strings.TrimSpace(actorHint)
	if actor == "" {
		actor = "agent"
	}
	return &AgentIdentity{ActorID: actor}, nil
}

func parseBearerToken(header string) (string, bool) {
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, prefix))
	if token == "" {
		return "", false
	}
	return token, true
}

// HashToken is the hex sha256 of a token, for logging without the secret.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
