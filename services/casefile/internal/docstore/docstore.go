// Package docstore resolves stored case files through an ordered list of
// retrieval strategies.
package docstore

import (
	"context"
	"log/slog"
	"strings"

	"github.com/accordsai/caselane/pkg/domain"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

type Strategy interface {
	Name() string
	Applies(ref domain.StorageRef) bool
	Fetch(ctx context.Context, ref domain.StorageRef) ([]byte, error)
}

type Attempt struct {
	Strategy string `json:"strategy"`
	Error    string `json:"error,omitempty"`
}

type Resolution struct {
	Data     []byte
	Strategy string
	Attempts []Attempt
	// Fallback is set when an earlier applicable strategy failed first.
	Fallback bool
}

// FirstSuccess tries each applicable strategy in order and returns the first
// payload obtained. When every strategy fails the error is StorageUnavailable
// and the returned Resolution still lists the attempts.
func FirstSuccess(ctx context.Context, strategies []Strategy, ref domain.StorageRef) (Resolution, error) {
	var res Resolution
	for _, s := range strategies {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if !s.Applies(ref) {
			continue
		}
		data, err := s.Fetch(ctx, ref)
		if err == nil {
			res.Data = data
			res.Strategy = s.Name()
			res.Attempts = append(res.Attempts, Attempt{Strategy: s.Name()})
			res.Fallback = len(res.Attempts) > 1
			return res, nil
		}
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		res.Attempts = append(res.Attempts, Attempt{Strategy: s.Name(), Error: err.Error()})
	}
	return res, unavailable(res.Attempts)
}

func unavailable(attempts []Attempt) error {
	if len(attempts) == 0 {
		return domain.NewError(domain.CodeStorageUnavailable, "no retrieval strategy applies to the storage reference")
	}
	parts := make([]string, len(attempts))
	meta := map[string]string{}
	for i, a := range attempts {
		parts[i] = a.Strategy + ": " + a.Error
		meta[a.Strategy] = a.Error
	}
	e := domain.NewError(domain.CodeStorageUnavailable, "all retrieval strategies failed ("+strings.Join(parts, "; ")+")")
	e.Metadata = meta
	return e
}

// Normalize moves absolute http(s) URLs that were stored in the key or path
// column into URL, where the URL strategies pick them up.
func Normalize(ref domain.StorageRef) domain.StorageRef {
	ref.URL = strings.TrimSpace(ref.URL)
	ref.Key = strings.TrimSpace(ref.Key)
	ref.Path = strings.TrimSpace(ref.Path)
	if isHTTPURL(ref.Key) {
		if ref.URL == "" {
			ref.URL = ref.Key
		}
		ref.Key = ""
	}
	if isHTTPURL(ref.Path) {
		if ref.URL == "" {
			ref.URL = ref.Path
		}
		ref.Path = ""
	}
	return ref
}

func isHTTPURL(s string) bool {
	l := strings.ToLower(s)
	return strings.HasPrefix(l, "http://") || strings.HasPrefix(l, "https://")
}

type Resolver struct {
	strategies []Strategy
	log        *slog.Logger
}

func NewResolver(log *slog.Logger, strategies ...Strategy) *Resolver {
	if log == nil {
		log = slog.Default()
	}
	return &Resolver{strategies: strategies, log: log}
}

func (r *Resolver) Strategies() []string {
	out := make([]string, len(r.strategies))
	for i, s := range r.strategies {
		out[i] = s.Name()
	}
	return out
}

func (r *Resolver) Resolve(ctx context.Context, ref domain.StorageRef) (Resolution, error) {
	ctx, span := otel.Tracer("caselane/docstore").Start(ctx, "docstore.Resolve")
	defer span.End()

	ref = Normalize(ref)
	res, err := FirstSuccess(ctx, r.strategies, ref)
	span.SetAttributes(attribute.Int("docstore.attempts", len(res.Attempts)))
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		r.log.WarnContext(ctx, "document retrieval failed", "attempts", len(res.Attempts), "error", err)
		return res, err
	}
	span.SetAttributes(attribute.String("docstore.strategy", res.Strategy))
	if res.Fallback {
		r.log.InfoContext(ctx, "document resolved by fallback strategy", "strategy", res.Strategy, "attempts", len(res.Attempts))
	}
	return res, nil
}

func redactURL(u string) string {
	if i := strings.IndexAny(u, "?#"); i != -1 {
		return u[:i]
	}
	return u
}
