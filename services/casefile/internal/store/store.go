package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/accordsai/caselane/pkg/domain"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrDuplicate      = errors.New("already exists")
	ErrStatusConflict = errors.New("case status changed concurrently")
)

// CaseFilter narrows ListCases. An empty Statuses matches every status.
type CaseFilter struct {
	Statuses []domain.Status
	Limit    int
	Offset   int
}

// StatusUpdate is a compare-and-set transition: it applies only while the
// stored status still equals From. Nil pointer fields are left untouched.
type StatusUpdate struct {
	CaseID                string
	From                  domain.Status
	To                    domain.Status
	At                    time.Time
	CompletedAt           *time.Time
	ValidatedAt           *time.Time
	ValidatedBy           *string
	ValidationNote        *string
	RejectionReason       *string
	ClearAppliedSignature bool
}

type Repository interface {
	CreateClient(ctx context.Context, c domain.Client) error
	GetClient(ctx context.Context, clientID string) (domain.Client, error)

	CreateCase(ctx context.Context, c domain.Case) error
	GetCase(ctx context.Context, caseID string) (domain.Case, error)
	GetCaseByToken(ctx context.Context, token string) (domain.Case, error)
	ListCases(ctx context.Context, f CaseFilter) ([]domain.Case, error)
	UpdateStatus(ctx context.Context, u StatusUpdate) (domain.Case, error)
	SetAppliedSignature(ctx context.Context, caseID string, expect domain.Status, signatureID *string, at time.Time) (domain.Case, error)
	IncrementReminderCount(ctx context.Context, caseID string, at time.Time) (domain.Case, error)

	CreateDocument(ctx context.Context, d domain.Document) error
	ListDocuments(ctx context.Context, caseID string) ([]domain.Document, error)
	SetDocumentStatus(ctx context.Context, caseID string, documentIDs []string, status domain.DocumentStatus) (int, error)

	CreateSignature(ctx context.Context, s domain.Signature) (domain.Signature, error)
	GetSignature(ctx context.Context, signatureID string) (domain.Signature, error)
	ListSignatures(ctx context.Context, clientID string, activeOnly bool) ([]domain.Signature, error)
	GetDefaultSignature(ctx context.Context, clientID string) (domain.Signature, error)
	SetDefaultSignature(ctx context.Context, clientID, signatureID string) error
	UpdateSignatureLabel(ctx context.Context, clientID, signatureID, label string) error
	DeactivateSignature(ctx context.Context, clientID, signatureID string, at time.Time) error
	DeleteSignature(ctx context.Context, clientID, signatureID string) error

	AddEvent(ctx context.Context, e domain.CaseEvent) error
	ListEvents(ctx context.Context, caseID string) ([]domain.CaseEvent, error)

	GetIdempotencyRecord(ctx context.Context, scopeID, actorID, key, endpoint string) (int, map[string]any, bool, error)
	SaveIdempotencyRecord(ctx context.Context, scopeID, actorID, key, endpoint string, status int, body map[string]any) error
}

// DefaultSignatureLabel names the n-th signature of a client.
func DefaultSignatureLabel(n int) string {
	return fmt.Sprintf("Signature %d", n)
}

// ToDomain converts store sentinels into domain errors at the service edge.
func ToDomain(err error, what, id string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrNotFound):
		return domain.NotFound(what, id)
	case errors.Is(err, ErrDuplicate):
		return domain.WrapError(domain.CodeConflict, what+" already exists", err)
	default:
		return err
	}
}
