// Package lifecycle applies case transitions against the stores and fires
// their side effects.
package lifecycle

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/accordsai/caselane/pkg/domain"
	"github.com/accordsai/caselane/services/casefile/internal/metrics"
	"github.com/accordsai/caselane/services/casefile/internal/notify"
	"github.com/accordsai/caselane/services/casefile/internal/store"
)

const (
	EventTransition      = "case.transition"
	EventSignatureApply  = "case.signature_applied"
	EventDocumentUpload  = "case.document_uploaded"
	EventReminder        = "case.reminder_recorded"
	EventDocumentsReject = "case.documents_rejected"
	EventCreated         = "case.created"

	systemActor = "system"
)

// GenerationCheck reports whether every required legal document of the case
// renders without a hard failure.
type GenerationCheck func(ctx context.Context, c domain.Case) (bool, error)

// BlobSaver stores uploaded bytes and returns where they went.
type BlobSaver interface {
	Save(ctx context.Context, key string, body []byte, contentType string) (domain.StorageRef, error)
}

type Service struct {
	Repo          store.Repository
	Notifier      notify.Notifier
	Blobs         BlobSaver
	Log           *slog.Logger
	Metrics       *metrics.Collector
	RequiredTypes []domain.DocumentType
	PortalBaseURL string
	CaseExpiry    time.Duration
	Generation    GenerationCheck
	Now           func() time.Time
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func (s *Service) log() *slog.Logger {
	if s.Log != nil {
		return s.Log
	}
	return slog.Default()
}

// ApplyAgent runs an action requested through the agent API. Sign and reopen
// are reserved to the portal and the system.
func (s *Service) ApplyAgent(ctx context.Context, caseID string, req domain.TransitionRequest) (domain.Case, error) {
	if _, ok := domain.AgentActions[req.Action]; !ok {
		c, err := s.getCase(ctx, caseID)
		if err != nil {
			return domain.Case{}, err
		}
		return domain.Case{}, domain.InvalidTransition(req.Action, c.Status, "action is not available to agents")
	}
	return s.Apply(ctx, caseID, req)
}

// Apply loads the facts for req, checks the preconditions and moves the case
// with a compare-and-set on its current status.
func (s *Service) Apply(ctx context.Context, caseID string, req domain.TransitionRequest) (domain.Case, error) {
	c, err := s.getCase(ctx, caseID)
	if err != nil {
		return domain.Case{}, err
	}
	facts, err := s.facts(ctx, c, req.Action)
	if err != nil {
		return domain.Case{}, err
	}
	return s.transition(ctx, c, req, facts)
}

func (s *Service) getCase(ctx context.Context, caseID string) (domain.Case, error) {
	c, err := s.Repo.GetCase(ctx, caseID)
	if err != nil {
		return domain.Case{}, store.ToDomain(err, "case", caseID)
	}
	return c, nil
}

func (s *Service) facts(ctx context.Context, c domain.Case, action domain.Action) (domain.Facts, error) {
	f := domain.Facts{RequiredTypes: s.RequiredTypes}
	switch action {
	case domain.ActionInvite:
		cl, err := s.Repo.GetClient(ctx, c.ClientID)
		if err != nil {
			return f, store.ToDomain(err, "client", c.ClientID)
		}
		f.ClientEmail = cl.Email
	case domain.ActionDocumentsComplete:
		docs, err := s.Repo.ListDocuments(ctx, c.CaseID)
		if err != nil {
			return f, err
		}
		f.Documents = docs
	case domain.ActionSign:
		if c.AppliedSignatureID != nil {
			sig, err := s.Repo.GetSignature(ctx, *c.AppliedSignatureID)
			switch {
			case err == nil:
				f.AppliedSignature = &sig
			case !errors.Is(err, store.ErrNotFound):
				return f, err
			}
		}
	case domain.ActionComplete:
		if s.Generation != nil && c.Status == domain.StatusSigned {
			ok, err := s.Generation(ctx, c)
			if err != nil {
				return f, err
			}
			f.GenerationComplete = ok
		}
	}
	return f, nil
}

func (s *Service) transition(ctx context.Context, c domain.Case, req domain.TransitionRequest, f domain.Facts) (domain.Case, error) {
	log := s.log().With("case_id", c.CaseID, "action", string(req.Action))
	to, err := domain.Evaluate(c, req, f)
	if err != nil {
		s.Metrics.Transition(string(req.Action), "refused")
		log.InfoContext(ctx, "transition refused", "from", string(c.Status), "err", err)
		return domain.Case{}, err
	}

	at := s.now()
	u := store.StatusUpdate{CaseID: c.CaseID, From: c.Status, To: to, At: at}
	switch req.Action {
	case domain.ActionComplete:
		u.CompletedAt = &at
	case domain.ActionValidate:
		actor := strings.TrimSpace(req.ActorID)
		note := strings.TrimSpace(req.Note)
		u.ValidatedAt = &at
		u.ValidatedBy = &actor
		u.ValidationNote = &note
	case domain.ActionReject:
		reason := strings.TrimSpace(req.Reason)
		u.RejectionReason = &reason
		u.ClearAppliedSignature = true
	}

	updated, err := s.Repo.UpdateStatus(ctx, u)
	if err != nil {
		if errors.Is(err, store.ErrStatusConflict) {
			s.Metrics.Transition(string(req.Action), "conflict")
			return domain.Case{}, domain.InvalidTransition(req.Action, c.Status, "case status changed concurrently")
		}
		return domain.Case{}, store.ToDomain(err, "case", c.CaseID)
	}
	s.Metrics.Transition(string(req.Action), "ok")
	log.InfoContext(ctx, "case transitioned", "from", string(c.Status), "to", string(to))

	payload := map[string]any{"action": string(req.Action), "from": string(c.Status), "to": string(to)}
	if req.Reason != "" {
		payload["reason"] = req.Reason
	}
	if req.Note != "" {
		payload["note"] = req.Note
	}
	s.event(ctx, updated.CaseID, EventTransition, actorOrSystem(req.ActorID), payload)

	switch req.Action {
	case domain.ActionInvite:
		s.notify(ctx, updated, notify.KindInvitation, "", nil)
	case domain.ActionReject:
		return s.afterReject(ctx, updated, req)
	}
	return updated, nil
}

// afterReject marks the listed documents rejected, tells the client and
// reopens the case for a new upload round. The reject has already committed,
// so the reopen runs even when marking documents fails.
func (s *Service) afterReject(ctx context.Context, c domain.Case, req domain.TransitionRequest) (domain.Case, error) {
	var rejected []string
	if len(req.DocumentIDs) > 0 {
		n, err := s.Repo.SetDocumentStatus(ctx, c.CaseID, req.DocumentIDs, domain.DocStatusRejected)
		if err != nil {
			s.log().ErrorContext(ctx, "marking rejected documents failed", "case_id", c.CaseID, "document_ids", req.DocumentIDs, "err", err)
			s.event(ctx, c.CaseID, EventDocumentsReject, req.ActorID, map[string]any{"document_ids": req.DocumentIDs, "error": err.Error()})
		} else {
			rejected = req.DocumentIDs
			s.event(ctx, c.CaseID, EventDocumentsReject, req.ActorID, map[string]any{"document_ids": req.DocumentIDs, "updated": n})
		}
	}
	s.notify(ctx, c, notify.KindRejection, req.Reason, rejected)
	return s.transition(ctx, c, domain.TransitionRequest{Action: domain.ActionReopen, ActorID: systemActor}, domain.Facts{})
}

func (s *Service) notify(ctx context.Context, c domain.Case, kind notify.Kind, reason string, docs []string) {
	cl, err := s.Repo.GetClient(ctx, c.ClientID)
	if err != nil {
		s.log().WarnContext(ctx, "notification skipped", "case_id", c.CaseID, "kind", kind, "err", err)
		return
	}
	notify.Dispatch(ctx, s.Notifier, s.log(), notify.Notification{
		Kind:       kind,
		CaseID:     c.CaseID,
		CaseNumber: c.CaseNumber,
		To:         cl.Email,
		ClientName: cl.FullName(),
		PortalURL:  s.PortalURL(c),
		Reason:     reason,
		Documents:  docs,
	})
}

// PortalURL is the client-facing link carrying the case token.
func (s *Service) PortalURL(c domain.Case) string {
	if s.PortalBaseURL == "" {
		return ""
	}
	return strings.TrimRight(s.PortalBaseURL, "/") + "/cases/" + c.SecureToken
}

func (s *Service) event(ctx context.Context, caseID, typ, actor string, payload map[string]any) {
	err := s.Repo.AddEvent(ctx, domain.CaseEvent{CaseID: caseID, Type: typ, ActorID: actor, Payload: payload, OccurredAt: s.now()})
	if err != nil {
		s.log().WarnContext(ctx, "case event not recorded", "case_id", caseID, "type", typ, "err", err)
	}
}

func actorOrSystem(actor string) string {
	if strings.TrimSpace(actor) == "" {
		return systemActor
	}
	return actor
}

// TryAdvance fires documents_complete when the case is waiting on uploads and
// every required type is present. It reports whether the case moved.
func (s *Service) TryAdvance(ctx context.Context, caseID string) (domain.Case, bool, error) {
	c, err := s.getCase(ctx, caseID)
	if err != nil {
		return domain.Case{}, false, err
	}
	if c.Status != domain.StatusEmailSent {
		return c, false, nil
	}
	updated, err := s.Apply(ctx, caseID, domain.TransitionRequest{Action: domain.ActionDocumentsComplete, ActorID: systemActor})
	if err != nil {
		if errors.Is(err, domain.ErrInvalidTransition) {
			s.log().DebugContext(ctx, "case not ready to advance", "case_id", caseID, "err", err)
			return c, false, nil
		}
		return c, false, err
	}
	return updated, true, nil
}

// ApplySignature records the client's explicit choice of signature and signs
// the case. The signature must be active and belong to the case's client.
func (s *Service) ApplySignature(ctx context.Context, token, signatureID string) (domain.Case, error) {
	c, err := s.CaseByToken(ctx, token)
	if err != nil {
		return domain.Case{}, err
	}
	if c.Status != domain.StatusDocumentsUploaded {
		return domain.Case{}, domain.InvalidTransition(domain.ActionSign, c.Status, "signatures can only be applied once documents are uploaded")
	}
	sig, err := s.Repo.GetSignature(ctx, signatureID)
	if err != nil {
		return domain.Case{}, store.ToDomain(err, "signature", signatureID)
	}
	if sig.ClientID != c.ClientID {
		return domain.Case{}, domain.NotFound("signature", signatureID)
	}
	if !sig.IsActive {
		return domain.Case{}, domain.InvalidTransition(domain.ActionSign, c.Status, "applied signature is not active")
	}
	c, err = s.Repo.SetAppliedSignature(ctx, c.CaseID, domain.StatusDocumentsUploaded, &sig.SignatureID, s.now())
	if err != nil {
		if errors.Is(err, store.ErrStatusConflict) {
			return domain.Case{}, domain.InvalidTransition(domain.ActionSign, domain.StatusDocumentsUploaded, "case status changed concurrently")
		}
		return domain.Case{}, store.ToDomain(err, "case", c.CaseID)
	}
	s.event(ctx, c.CaseID, EventSignatureApply, c.ClientID, map[string]any{"signature_id": sig.SignatureID})
	return s.transition(ctx, c, domain.TransitionRequest{Action: domain.ActionSign, ActorID: c.ClientID}, domain.Facts{AppliedSignature: &sig})
}

// Complete moves a signed case to completed after an assembly run.
// generated is the run's own verdict on the required templates.
func (s *Service) Complete(ctx context.Context, caseID, actorID string, generated bool) (domain.Case, error) {
	c, err := s.getCase(ctx, caseID)
	if err != nil {
		return domain.Case{}, err
	}
	return s.transition(ctx, c, domain.TransitionRequest{Action: domain.ActionComplete, ActorID: actorID}, domain.Facts{GenerationComplete: generated})
}

// RecordReminder counts a reminder. While the case waits on the client the
// reminder is also mailed with the portal link.
func (s *Service) RecordReminder(ctx context.Context, caseID, actorID string) (domain.Case, error) {
	c, err := s.Repo.IncrementReminderCount(ctx, caseID, s.now())
	if err != nil {
		return domain.Case{}, store.ToDomain(err, "case", caseID)
	}
	s.event(ctx, caseID, EventReminder, actorOrSystem(actorID), map[string]any{"reminder_count": c.ReminderCount})
	if c.Status == domain.StatusEmailSent || c.Status == domain.StatusDocumentsUploaded {
		s.notify(ctx, c, notify.KindReminder, "", nil)
	}
	return c, nil
}

func (s *Service) CaseByToken(ctx context.Context, token string) (domain.Case, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return domain.Case{}, domain.NotFound("case", "")
	}
	c, err := s.Repo.GetCaseByToken(ctx, token)
	if err != nil {
		// The token itself never goes into errors or logs.
		return domain.Case{}, store.ToDomain(err, "case", "token")
	}
	return c, nil
}
