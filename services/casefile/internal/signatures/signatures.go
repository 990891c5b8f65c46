// Package signatures manages the drawn signatures a client keeps on file.
package signatures

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/accordsai/caselane/pkg/domain"
	"github.com/accordsai/caselane/services/casefile/internal/render"
	"github.com/accordsai/caselane/services/casefile/internal/store"

	"github.com/google/uuid"
)

const DefaultMinBytes = 1000

// Repo is the subset of store.Repository the signature service needs.
type Repo interface {
	GetClient(ctx context.Context, clientID string) (domain.Client, error)
	CreateSignature(ctx context.Context, s domain.Signature) (domain.Signature, error)
	GetSignature(ctx context.Context, signatureID string) (domain.Signature, error)
	ListSignatures(ctx context.Context, clientID string, activeOnly bool) ([]domain.Signature, error)
	GetDefaultSignature(ctx context.Context, clientID string) (domain.Signature, error)
	SetDefaultSignature(ctx context.Context, clientID, signatureID string) error
	UpdateSignatureLabel(ctx context.Context, clientID, signatureID, label string) error
	DeactivateSignature(ctx context.Context, clientID, signatureID string, at time.Time) error
	DeleteSignature(ctx context.Context, clientID, signatureID string) error
}

type Service struct {
	Repo     Repo
	Log      *slog.Logger
	MinBytes int
	Now      func() time.Time
}

func New(repo Repo, log *slog.Logger, minBytes int) *Service {
	if minBytes <= 0 {
		minBytes = DefaultMinBytes
	}
	if log == nil {
		log = slog.Default()
	}
	return &Service{Repo: repo, Log: log, MinBytes: minBytes, Now: time.Now}
}

// DecodePayload accepts raw base64 or a data URL and returns the image bytes
// with the declared MIME type, which is empty for raw base64.
func DecodePayload(payload string) ([]byte, string, error) {
	p := strings.TrimSpace(payload)
	if p == "" {
		return nil, "", domain.NewError(domain.CodeBadRequest, "signature payload is empty")
	}
	declared := ""
	if strings.HasPrefix(p, "data:") {
		comma := strings.IndexByte(p, ',')
		if comma < 0 {
			return nil, "", domain.NewError(domain.CodeBadRequest, "data URL has no payload")
		}
		meta := p[len("data:"):comma]
		if !strings.HasSuffix(meta, ";base64") {
			return nil, "", domain.NewError(domain.CodeBadRequest, "data URL must be base64 encoded")
		}
		declared = strings.TrimSuffix(meta, ";base64")
		p = p[comma+1:]
	}
	p = strings.Map(func(r rune) rune {
		if r == '\n' || r == '\r' || r == ' ' || r == '\t' {
			return -1
		}
		return r
	}, p)
	data, err := base64.StdEncoding.DecodeString(p)
	if err != nil {
		data, err = base64.RawStdEncoding.DecodeString(strings.TrimRight(p, "="))
	}
	if err != nil {
		return nil, "", domain.WrapError(domain.CodeBadRequest, "signature payload is not valid base64", err)
	}
	return data, declared, nil
}

// Create stores a new active signature. A payload smaller than MinBytes is a
// blank or near-blank canvas and is refused.
func (s *Service) Create(ctx context.Context, clientID, payload, label string, makeDefault bool) (domain.Signature, error) {
	if _, err := s.Repo.GetClient(ctx, clientID); err != nil {
		return domain.Signature{}, store.ToDomain(err, "client", clientID)
	}
	data, declared, err := DecodePayload(payload)
	if err != nil {
		return domain.Signature{}, err
	}
	if len(data) < s.MinBytes {
		e := domain.NewError(domain.CodeDegenerateSignature, fmt.Sprintf("signature image is %d bytes, below the %d byte minimum", len(data), s.MinBytes))
		e.Metadata = map[string]string{"size": fmt.Sprint(len(data)), "min_bytes": fmt.Sprint(s.MinBytes)}
		return domain.Signature{}, e
	}
	mime, sniffErr := render.SniffImage(data)
	if sniffErr != nil {
		mime = declared
		if mime == "" {
			mime = http.DetectContentType(data)
		}
		s.Log.Warn("signature image not decodable", "client_id", clientID, "mime_type", mime, "err", sniffErr)
	}
	sig, err := s.Repo.CreateSignature(ctx, domain.Signature{
		SignatureID: "sig_" + uuid.NewString(),
		ClientID:    clientID,
		Image:       data,
		MIMEType:    mime,
		Label:       strings.TrimSpace(label),
		IsActive:    true,
		IsDefault:   makeDefault,
		CreatedAt:   s.Now().UTC(),
	})
	if err != nil {
		return domain.Signature{}, store.ToDomain(err, "signature", clientID)
	}
	s.Log.Info("signature created", "client_id", clientID, "signature_id", sig.SignatureID, "default", sig.IsDefault)
	return sig, nil
}

func (s *Service) ListActive(ctx context.Context, clientID string) ([]domain.Signature, error) {
	sigs, err := s.Repo.ListSignatures(ctx, clientID, true)
	if err != nil {
		return nil, err
	}
	return sigs, nil
}

// GetDefault returns nil without error when the client has no default.
func (s *Service) GetDefault(ctx context.Context, clientID string) (*domain.Signature, error) {
	sig, err := s.Repo.GetDefaultSignature(ctx, clientID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &sig, nil
}

// Get loads a signature and checks it belongs to clientID.
func (s *Service) Get(ctx context.Context, clientID, signatureID string) (domain.Signature, error) {
	sig, err := s.Repo.GetSignature(ctx, signatureID)
	if err != nil {
		return domain.Signature{}, store.ToDomain(err, "signature", signatureID)
	}
	if sig.ClientID != clientID {
		return domain.Signature{}, domain.NotFound("signature", signatureID)
	}
	return sig, nil
}

func (s *Service) SetDefault(ctx context.Context, clientID, signatureID string) error {
	return store.ToDomain(s.Repo.SetDefaultSignature(ctx, clientID, signatureID), "signature", signatureID)
}

func (s *Service) UpdateLabel(ctx context.Context, clientID, signatureID, label string) error {
	label = strings.TrimSpace(label)
	if label == "" {
		return domain.NewError(domain.CodeBadRequest, "label is required")
	}
	return store.ToDomain(s.Repo.UpdateSignatureLabel(ctx, clientID, signatureID, label), "signature", signatureID)
}

// Deactivate keeps the row for audit but hides it from the client. A
// deactivated default leaves the client without a default.
func (s *Service) Deactivate(ctx context.Context, clientID, signatureID string) error {
	if err := s.Repo.DeactivateSignature(ctx, clientID, signatureID, s.Now().UTC()); err != nil {
		return store.ToDomain(err, "signature", signatureID)
	}
	s.Log.Info("signature deactivated", "client_id", clientID, "signature_id", signatureID)
	return nil
}

func (s *Service) Delete(ctx context.Context, clientID, signatureID string) error {
	if err := s.Repo.DeleteSignature(ctx, clientID, signatureID); err != nil {
		return store.ToDomain(err, "signature", signatureID)
	}
	s.Log.Info("signature deleted", "client_id", clientID, "signature_id", signatureID)
	return nil
}
