package idempotency

import (
	"context"
	"net/http"
	"strings"
)

const Header = "Idempotency-Key"

// Scope identifies who a key belongs to: a case (portal token or agent
// case path) and the acting party.
type Scope struct {
	ScopeID        string
	ActorID        string
	IdempotencyKey string
}

// FromRequest reads the Idempotency-Key header into a Scope.
func FromRequest(r *http.Request, scopeID, actorID string) Scope {
	return Scope{ScopeID: scopeID, ActorID: actorID, IdempotencyKey: strings.TrimSpace(r.Header.Get(Header))}
}

type Store interface {
	GetIdempotencyRecord(ctx context.Context, scopeID, actorID, key, endpoint string) (int, map[string]any, bool, error)
	SaveIdempotencyRecord(ctx context.Context, scopeID, actorID, key, endpoint string, status int, body map[string]any) error
}

func Replay(ctx context.Context, st Store, sc Scope, endpoint string) (int, map[string]any, bool, error) {
	if sc.IdempotencyKey == "" {
		return 0, nil, false, nil
	}
	status, body, found, err := st.GetIdempotencyRecord(ctx, sc.ScopeID, sc.ActorID, sc.IdempotencyKey, endpoint)
	if err != nil {
		return 0, nil, false, err
	}
	if !found {
		return 0, nil, false, nil
	}
	return status, body, true, nil
}

func Save(ctx context.Context, st Store, sc Scope, endpoint string, status int, response map[string]any) error {
	if sc.IdempotencyKey == "" {
		return nil
	}
	return st.SaveIdempotencyRecord(ctx, sc.ScopeID, sc.ActorID, sc.IdempotencyKey, endpoint, status, response)
}
