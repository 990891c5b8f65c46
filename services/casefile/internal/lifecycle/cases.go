package lifecycle

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/accordsai/caselane/pkg/domain"
	"github.com/accordsai/caselane/services/casefile/internal/store"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

const caseNumberAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// NewCase is what an agent supplies to open a case.
type NewCase struct {
	Client          domain.Client
	InsurerName     string
	PolicyNumber    string
	PolicyType      string
	TerminationDate *time.Time
	PaymentMethod   domain.PaymentMethod
	AdvisorName     string
	AdvisorEmail    string
	AdvisorPhone    string
	CoInsured       []domain.Person
	ExpiresAt       *time.Time
}

func (n NewCase) validate() error {
	if strings.TrimSpace(n.Client.FirstName) == "" && strings.TrimSpace(n.Client.LastName) == "" {
		return domain.NewError(domain.CodeBadRequest, "client name is required")
	}
	if strings.TrimSpace(n.Client.Email) == "" {
		return domain.NewError(domain.CodeBadRequest, "client email is required")
	}
	if !n.PaymentMethod.Valid() {
		return domain.NewError(domain.CodeBadRequest, fmt.Sprintf("unknown payment method %q", n.PaymentMethod))
	}
	return nil
}

// SecureToken returns 32 random bytes, hex encoded.
func SecureToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// CaseNumber formats the human readable reference CL-YYYYMMDD-XXXXXX.
func CaseNumber(at time.Time) (string, error) {
	var sb strings.Builder
	size := big.NewInt(int64(len(caseNumberAlphabet)))
	for i := 0; i < 6; i++ {
		n, err := rand.Int(rand.Reader, size)
		if err != nil {
			return "", err
		}
		sb.WriteByte(caseNumberAlphabet[n.Int64()])
	}
	return "CL-" + at.UTC().Format("20060102") + "-" + sb.String(), nil
}

// Open creates the client and a draft case. The secure token is generated
// once here and never re-issued.
func (s *Service) Open(ctx context.Context, in NewCase) (domain.Case, domain.Client, error) {
	if err := in.validate(); err != nil {
		return domain.Case{}, domain.Client{}, err
	}
	now := s.now()
	cl := in.Client
	if cl.ClientID == "" {
		cl.ClientID = "cli_" + uuid.NewString()
		cl.CreatedAt = now
		if err := s.Repo.CreateClient(ctx, cl); err != nil {
			return domain.Case{}, domain.Client{}, store.ToDomain(err, "client", cl.ClientID)
		}
	} else {
		existing, err := s.Repo.GetClient(ctx, cl.ClientID)
		if err != nil {
			return domain.Case{}, domain.Client{}, store.ToDomain(err, "client", cl.ClientID)
		}
		cl = existing
	}

	expires := in.ExpiresAt
	if expires == nil && s.CaseExpiry > 0 {
		e := now.Add(s.CaseExpiry)
		expires = &e
	}
	c := domain.Case{
		CaseID:          "case_" + uuid.NewString(),
		Status:          domain.StatusDraft,
		ClientID:        cl.ClientID,
		InsurerName:     in.InsurerName,
		PolicyNumber:    in.PolicyNumber,
		PolicyType:      in.PolicyType,
		TerminationDate: in.TerminationDate,
		PaymentMethod:   in.PaymentMethod,
		AdvisorName:     in.AdvisorName,
		AdvisorEmail:    in.AdvisorEmail,
		AdvisorPhone:    in.AdvisorPhone,
		CoInsured:       in.CoInsured,
		CreatedAt:       now,
		UpdatedAt:       now,
		StatusChangedAt: now,
		ExpiresAt:       expires,
	}
	if c.CoInsured == nil {
		c.CoInsured = []domain.Person{}
	}

	// A collision on the random case number or token is retried with fresh
	// values; anything else is final.
	var err error
	for attempt := 0; attempt < 3; attempt++ {
		if c.SecureToken, err = SecureToken(); err != nil {
			return domain.Case{}, domain.Client{}, err
		}
		if c.CaseNumber, err = CaseNumber(now); err != nil {
			return domain.Case{}, domain.Client{}, err
		}
		err = s.Repo.CreateCase(ctx, c)
		if !errors.Is(err, store.ErrDuplicate) {
			break
		}
	}
	if err != nil {
		return domain.Case{}, domain.Client{}, store.ToDomain(err, "case", c.CaseID)
	}
	s.event(ctx, c.CaseID, EventCreated, systemActor, map[string]any{"case_number": c.CaseNumber})
	s.log().InfoContext(ctx, "case opened", "case_id", c.CaseID, "case_number", c.CaseNumber)
	return c, cl, nil
}

// Upload is a file a client sends through the portal.
type Upload struct {
	Type     domain.DocumentType
	Filename string
	MIMEType string
	Body     []byte
}

// AddUpload stores the file, records the document and advances the case when
// the last required type arrives.
func (s *Service) AddUpload(ctx context.Context, token string, up Upload) (domain.Document, domain.Case, error) {
	c, err := s.CaseByToken(ctx, token)
	if err != nil {
		return domain.Document{}, domain.Case{}, err
	}
	if !up.Type.Uploadable() {
		return domain.Document{}, c, domain.NewError(domain.CodeBadRequest, fmt.Sprintf("document type %q cannot be uploaded", up.Type))
	}
	if len(up.Body) == 0 {
		return domain.Document{}, c, domain.NewError(domain.CodeBadRequest, "uploaded file is empty")
	}
	switch c.Status {
	case domain.StatusEmailSent, domain.StatusDocumentsUploaded:
	default:
		return domain.Document{}, c, domain.NewError(domain.CodeConflict, fmt.Sprintf("uploads are closed while the case is %s", c.Status))
	}
	if s.Blobs == nil {
		return domain.Document{}, c, errors.New("no upload storage configured")
	}

	filename := path.Base(strings.ReplaceAll(strings.TrimSpace(up.Filename), "\\", "/"))
	if filename == "" || filename == "." || filename == "/" {
		filename = string(up.Type)
	}
	mime := up.MIMEType
	if mime == "" || mime == "application/octet-stream" {
		mime = http.DetectContentType(up.Body)
	}
	now := s.now()
	doc := domain.Document{
		DocumentID: "doc_" + ulid.Make().String(),
		CaseID:     c.CaseID,
		Provenance: domain.ProvenanceUploaded,
		Type:       up.Type,
		Filename:   filename,
		Status:     domain.DocStatusReceived,
		SizeBytes:  int64(len(up.Body)),
		MIMEType:   mime,
		CreatedAt:  now,
	}
	key := path.Join("cases", c.CaseID, doc.DocumentID, filename)
	ref, err := s.Blobs.Save(ctx, key, up.Body, mime)
	if err != nil {
		return domain.Document{}, c, domain.WrapError(domain.CodeStorageUnavailable, "upload could not be stored", err)
	}
	doc.Storage = ref
	if err := s.Repo.CreateDocument(ctx, doc); err != nil {
		return domain.Document{}, c, store.ToDomain(err, "document", doc.DocumentID)
	}
	s.event(ctx, c.CaseID, EventDocumentUpload, c.ClientID, map[string]any{
		"document_id":   doc.DocumentID,
		"document_type": string(doc.Type),
		"size_bytes":    doc.SizeBytes,
	})

	updated, _, err := s.TryAdvance(ctx, c.CaseID)
	if err != nil {
		s.log().WarnContext(ctx, "auto-advance failed", "case_id", c.CaseID, "err", err)
		return doc, c, nil
	}
	return doc, updated, nil
}
