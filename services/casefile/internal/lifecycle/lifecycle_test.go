package lifecycle

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/accordsai/caselane/pkg/domain"
	"github.com/accordsai/caselane/services/casefile/internal/notify"
	"github.com/accordsai/caselane/services/casefile/internal/sqlitestore"
	"github.com/accordsai/caselane/services/casefile/internal/store"
)

var fixedNow = time.Date(2026, time.March, 2, 9, 0, 0, 0, time.UTC)

type recordingNotifier struct {
	mu   sync.Mutex
	sent []notify.Notification
	err  error
}

func (r *recordingNotifier) Notify(ctx context.Context, n notify.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, n)
	return r.err
}

func (r *recordingNotifier) kinds() []notify.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]notify.Kind, len(r.sent))
	for i, n := range r.sent {
		out[i] = n.Kind
	}
	return out
}

type memBlobs struct {
	mu    sync.Mutex
	files map[string][]byte
}

func (m *memBlobs) Save(ctx context.Context, key string, body []byte, contentType string) (domain.StorageRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.files == nil {
		m.files = map[string][]byte{}
	}
	m.files[key] = append([]byte(nil), body...)
	return domain.StorageRef{Key: key}, nil
}

type fixture struct {
	svc      *Service
	st       *sqlitestore.Store
	notifier *recordingNotifier
	blobs    *memBlobs
	clock    *time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := sqlitestore.Open(filepath.Join(t.TempDir(), "cases.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	now := fixedNow
	f := &fixture{st: st, notifier: &recordingNotifier{}, blobs: &memBlobs{}, clock: &now}
	f.svc = &Service{
		Repo:          st,
		Notifier:      f.notifier,
		Blobs:         f.blobs,
		Log:           slog.New(slog.NewTextHandler(io.Discard, nil)),
		RequiredTypes: []domain.DocumentType{domain.DocIdentityFront, domain.DocIdentityBack, domain.DocInsuranceContract},
		PortalBaseURL: "https://portal.example/",
		CaseExpiry:    30 * 24 * time.Hour,
		Now:           func() time.Time { return *f.clock },
	}
	return f
}

func (f *fixture) open(t *testing.T, email string) domain.Case {
	t.Helper()
	c, _, err := f.svc.Open(context.Background(), NewCase{
		Client:        domain.Client{FirstName: "Jeanne", LastName: "Moreau", Email: email},
		InsurerName:   "Mutuelle Atlantique",
		PolicyNumber:  "POL-42",
		PaymentMethod: domain.PaymentFees,
	})
	if err != nil {
		t.Fatalf("open case: %v", err)
	}
	return c
}

func (f *fixture) upload(t *testing.T, c domain.Case, typ domain.DocumentType) (domain.Document, domain.Case) {
	t.Helper()
	doc, updated, err := f.svc.AddUpload(context.Background(), c.SecureToken, Upload{Type: typ, Filename: string(typ) + ".pdf", Body: []byte("%PDF-1.4 " + string(typ))})
	if err != nil {
		t.Fatalf("upload %s: %v", typ, err)
	}
	return doc, updated
}

func (f *fixture) signature(t *testing.T, clientID string) domain.Signature {
	t.Helper()
	sig, err := f.st.CreateSignature(context.Background(), domain.Signature{
		SignatureID: "sig_" + clientID,
		ClientID:    clientID,
		Image:       bytes.Repeat([]byte{0x89}, 1200),
		MIMEType:    "image/png",
		IsActive:    true,
		CreatedAt:   fixedNow,
	})
	if err != nil {
		t.Fatalf("create signature: %v", err)
	}
	return sig
}

// toSigned drives a fresh case through invite, uploads and signature.
func (f *fixture) toSigned(t *testing.T) (domain.Case, domain.Signature, []domain.Document) {
	t.Helper()
	ctx := context.Background()
	c := f.open(t, "jeanne@example.com")
	if _, err := f.svc.ApplyAgent(ctx, c.CaseID, domain.TransitionRequest{Action: domain.ActionInvite, ActorID: "agent_1"}); err != nil {
		t.Fatalf("invite: %v", err)
	}
	var docs []domain.Document
	for _, typ := range f.svc.RequiredTypes {
		d, _ := f.upload(t, c, typ)
		docs = append(docs, d)
	}
	sig := f.signature(t, c.ClientID)
	signed, err := f.svc.ApplySignature(ctx, c.SecureToken, sig.SignatureID)
	if err != nil {
		t.Fatalf("apply signature: %v", err)
	}
	if signed.Status != domain.StatusSigned {
		t.Fatalf("expected signed, got %s", signed.Status)
	}
	return signed, sig, docs
}

func TestOpenAssignsIdentifiers(t *testing.T) {
	f := newFixture(t)
	c := f.open(t, "jeanne@example.com")
	if len(c.SecureToken) != 64 {
		t.Fatalf("expected 64 hex chars, got %d", len(c.SecureToken))
	}
	if !regexp.MustCompile(`^CL-20260302-[A-Z2-9]{6}$`).MatchString(c.CaseNumber) {
		t.Fatalf("unexpected case number %q", c.CaseNumber)
	}
	if c.Status != domain.StatusDraft || c.ExpiresAt == nil || !c.ExpiresAt.Equal(fixedNow.Add(30*24*time.Hour)) {
		t.Fatalf("unexpected case %+v", c)
	}
	got, err := f.svc.CaseByToken(context.Background(), c.SecureToken)
	if err != nil || got.CaseID != c.CaseID {
		t.Fatalf("lookup by token: %+v %v", got, err)
	}
}

func TestOpenRejectsMissingEmail(t *testing.T) {
	f := newFixture(t)
	_, _, err := f.svc.Open(context.Background(), NewCase{Client: domain.Client{FirstName: "A"}})
	if !errors.Is(err, domain.ErrBadRequest) {
		t.Fatalf("expected bad request, got %v", err)
	}
}

func TestHappyPathToValidated(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c, _, _ := f.toSigned(t)

	if _, err := f.svc.Complete(ctx, c.CaseID, "agent_1", false); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("complete without generation must fail, got %v", err)
	}
	f.svc.Generation = func(ctx context.Context, c domain.Case) (bool, error) { return true, nil }
	*f.clock = fixedNow.Add(2 * time.Hour)
	done, err := f.svc.ApplyAgent(ctx, c.CaseID, domain.TransitionRequest{Action: domain.ActionComplete, ActorID: "agent_1"})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if done.Status != domain.StatusCompleted || done.CompletedAt == nil {
		t.Fatalf("expected completed with timestamp, got %+v", done)
	}

	validated, err := f.svc.ApplyAgent(ctx, c.CaseID, domain.TransitionRequest{Action: domain.ActionValidate, ActorID: "agent_7"})
	if err != nil {
		t.Fatalf("validate with empty note: %v", err)
	}
	if validated.Status != domain.StatusValidated || validated.ValidatedBy != "agent_7" || validated.ValidatedAt == nil {
		t.Fatalf("unexpected validated case %+v", validated)
	}

	events, err := f.st.ListEvents(ctx, c.CaseID)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	var transitions int
	for _, e := range events {
		if e.Type == EventTransition {
			transitions++
		}
	}
	// invite, documents_complete, sign, complete, validate
	if transitions != 5 {
		t.Fatalf("expected 5 transition events, got %d", transitions)
	}
	if kinds := f.notifier.kinds(); len(kinds) != 1 || kinds[0] != notify.KindInvitation {
		t.Fatalf("expected a single invitation, got %v", kinds)
	}
	if f.notifier.sent[0].PortalURL != "https://portal.example/cases/"+c.SecureToken {
		t.Fatalf("unexpected portal url %q", f.notifier.sent[0].PortalURL)
	}
}

func TestInviteRefusedLeavesStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.open(t, "not-an-address")
	_, err := f.svc.ApplyAgent(ctx, c.CaseID, domain.TransitionRequest{Action: domain.ActionInvite, ActorID: "agent_1"})
	if !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
	got, _ := f.st.GetCase(ctx, c.CaseID)
	if got.Status != domain.StatusDraft {
		t.Fatalf("status must not change, got %s", got.Status)
	}
	if len(f.notifier.kinds()) != 0 {
		t.Fatalf("no notification expected")
	}
}

func TestUploadsAdvanceOnlyWhenComplete(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.open(t, "jeanne@example.com")
	if _, _, err := f.svc.AddUpload(ctx, c.SecureToken, Upload{Type: domain.DocIdentityFront, Body: []byte("x")}); !errors.Is(err, &domain.Error{Code: domain.CodeConflict}) {
		t.Fatalf("uploads must be closed in draft, got %v", err)
	}
	if _, err := f.svc.ApplyAgent(ctx, c.CaseID, domain.TransitionRequest{Action: domain.ActionInvite, ActorID: "agent_1"}); err != nil {
		t.Fatalf("invite: %v", err)
	}

	_, after := f.upload(t, c, domain.DocIdentityFront)
	if after.Status != domain.StatusEmailSent {
		t.Fatalf("expected still email_sent, got %s", after.Status)
	}
	_, after = f.upload(t, c, domain.DocBankStatement)
	if after.Status != domain.StatusEmailSent {
		t.Fatalf("optional document must not advance, got %s", after.Status)
	}
	_, after = f.upload(t, c, domain.DocIdentityBack)
	doc, after := f.upload(t, c, domain.DocInsuranceContract)
	if after.Status != domain.StatusDocumentsUploaded {
		t.Fatalf("expected documents_uploaded, got %s", after.Status)
	}
	if doc.Storage.Key == "" || len(f.blobs.files) != 4 {
		t.Fatalf("expected stored blobs, got ref %+v and %d files", doc.Storage, len(f.blobs.files))
	}
	if _, _, err := f.svc.AddUpload(ctx, c.SecureToken, Upload{Type: domain.DocGeneratedLegal, Body: []byte("x")}); !errors.Is(err, domain.ErrBadRequest) {
		t.Fatalf("generated type must not be uploadable, got %v", err)
	}
}

func TestSignIsNeverImplicit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.open(t, "jeanne@example.com")
	if _, err := f.svc.ApplyAgent(ctx, c.CaseID, domain.TransitionRequest{Action: domain.ActionInvite, ActorID: "agent_1"}); err != nil {
		t.Fatal(err)
	}
	for _, typ := range f.svc.RequiredTypes {
		f.upload(t, c, typ)
	}
	f.signature(t, c.ClientID)

	if _, err := f.svc.ApplyAgent(ctx, c.CaseID, domain.TransitionRequest{Action: domain.ActionSign, ActorID: "agent_1"}); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("agents cannot sign, got %v", err)
	}
	if _, err := f.svc.Apply(ctx, c.CaseID, domain.TransitionRequest{Action: domain.ActionSign}); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("sign without an applied signature must fail, got %v", err)
	}
	got, _ := f.st.GetCase(ctx, c.CaseID)
	if got.Status != domain.StatusDocumentsUploaded {
		t.Fatalf("expected documents_uploaded, got %s", got.Status)
	}
}

func TestApplySignatureChecksOwnershipAndActivity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.open(t, "jeanne@example.com")
	other := f.open(t, "other@example.com")
	if _, err := f.svc.ApplyAgent(ctx, c.CaseID, domain.TransitionRequest{Action: domain.ActionInvite, ActorID: "a"}); err != nil {
		t.Fatal(err)
	}
	for _, typ := range f.svc.RequiredTypes {
		f.upload(t, c, typ)
	}
	foreign := f.signature(t, other.ClientID)
	if _, err := f.svc.ApplySignature(ctx, c.SecureToken, foreign.SignatureID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("foreign signature must be refused, got %v", err)
	}
	own := f.signature(t, c.ClientID)
	if err := f.st.DeactivateSignature(ctx, c.ClientID, own.SignatureID, fixedNow); err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.ApplySignature(ctx, c.SecureToken, own.SignatureID); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("inactive signature must be refused, got %v", err)
	}
}

func TestRejectClearsSignatureAndReopens(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c, sig, docs := f.toSigned(t)

	if _, err := f.svc.ApplyAgent(ctx, c.CaseID, domain.TransitionRequest{Action: domain.ActionReject, ActorID: "agent_1"}); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("reject without reason must fail, got %v", err)
	}
	reopened, err := f.svc.ApplyAgent(ctx, c.CaseID, domain.TransitionRequest{
		Action:      domain.ActionReject,
		ActorID:     "agent_1",
		Reason:      "identity scan is blurry",
		DocumentIDs: []string{docs[0].DocumentID},
	})
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if reopened.Status != domain.StatusDocumentsUploaded {
		t.Fatalf("expected reopened case, got %s", reopened.Status)
	}
	if reopened.AppliedSignatureID != nil {
		t.Fatalf("applied signature must be cleared")
	}
	if reopened.RejectionReason != "identity scan is blurry" {
		t.Fatalf("unexpected rejection reason %q", reopened.RejectionReason)
	}
	kept, err := f.st.GetSignature(ctx, sig.SignatureID)
	if err != nil || !kept.IsActive {
		t.Fatalf("signature row must survive rejection: %+v %v", kept, err)
	}
	stored, _ := f.st.ListDocuments(ctx, c.CaseID)
	for _, d := range stored {
		want := domain.DocStatusReceived
		if d.DocumentID == docs[0].DocumentID {
			want = domain.DocStatusRejected
		}
		if d.Status != want {
			t.Fatalf("document %s: expected %s, got %s", d.DocumentID, want, d.Status)
		}
	}
	kinds := f.notifier.kinds()
	if len(kinds) != 2 || kinds[1] != notify.KindRejection {
		t.Fatalf("expected rejection notification, got %v", kinds)
	}
	if f.notifier.sent[1].Reason != "identity scan is blurry" || len(f.notifier.sent[1].Documents) != 1 {
		t.Fatalf("unexpected rejection notification %+v", f.notifier.sent[1])
	}

	// The client has to sign again before the case moves on.
	again, err := f.svc.ApplySignature(ctx, c.SecureToken, sig.SignatureID)
	if err != nil || again.Status != domain.StatusSigned {
		t.Fatalf("re-sign after reopen: %+v %v", again, err)
	}
}

func TestRejectReopensEvenWhenMailerFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c, _, _ := f.toSigned(t)
	f.notifier.err = errors.New("mailer down")
	got, err := f.svc.ApplyAgent(ctx, c.CaseID, domain.TransitionRequest{Action: domain.ActionReject, ActorID: "agent_1", Reason: "wrong policy"})
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if got.Status != domain.StatusDocumentsUploaded {
		t.Fatalf("expected reopened, got %s", got.Status)
	}
}

type docStatusFailingRepo struct {
	store.Repository
}

func (docStatusFailingRepo) SetDocumentStatus(ctx context.Context, caseID string, ids []string, status domain.DocumentStatus) (int, error) {
	return 0, errors.New("disk full")
}

func TestRejectReopensWhenMarkingDocumentsFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c, _, docs := f.toSigned(t)
	f.svc.Repo = docStatusFailingRepo{Repository: f.st}
	got, err := f.svc.ApplyAgent(ctx, c.CaseID, domain.TransitionRequest{
		Action: domain.ActionReject, ActorID: "agent_1", Reason: "blurry ID", DocumentIDs: []string{docs[0].DocumentID},
	})
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if got.Status != domain.StatusDocumentsUploaded {
		t.Fatalf("expected reopened, got %s", got.Status)
	}
	stored, err := f.st.GetCase(ctx, c.CaseID)
	if err != nil || stored.Status != domain.StatusDocumentsUploaded {
		t.Fatalf("expected stored case reopened, got %s %v", stored.Status, err)
	}
	kinds := f.notifier.kinds()
	if len(kinds) == 0 || kinds[len(kinds)-1] != notify.KindRejection {
		t.Fatalf("expected rejection notice, got %v", kinds)
	}
}

func TestConcurrentTransitionsOnlyOneWins(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c, _, _ := f.toSigned(t)
	if _, err := f.svc.Complete(ctx, c.CaseID, "agent_1", true); err != nil {
		t.Fatalf("complete: %v", err)
	}

	var wg sync.WaitGroup
	results := make([]error, 2)
	reqs := []domain.TransitionRequest{
		{Action: domain.ActionValidate, ActorID: "agent_1"},
		{Action: domain.ActionReject, ActorID: "agent_2", Reason: "missing page"},
	}
	for i := range reqs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = f.svc.ApplyAgent(ctx, c.CaseID, reqs[i])
		}(i)
	}
	wg.Wait()
	var ok int
	for _, err := range results {
		switch {
		case err == nil:
			ok++
		case !errors.Is(err, domain.ErrInvalidTransition):
			t.Fatalf("unexpected error %v", err)
		}
	}
	if ok != 1 {
		t.Fatalf("expected exactly one winner, got %d (%v)", ok, results)
	}
}

func TestUnknownCaseIsNotFound(t *testing.T) {
	f := newFixture(t)
	if _, err := f.svc.ApplyAgent(context.Background(), "case_missing", domain.TransitionRequest{Action: domain.ActionInvite}); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := f.svc.CaseByToken(context.Background(), "deadbeef"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found by token, got %v", err)
	}
}

func TestRemindersAndPendingPriority(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	waiting := f.open(t, "a@example.com")
	if _, err := f.svc.ApplyAgent(ctx, waiting.CaseID, domain.TransitionRequest{Action: domain.ActionInvite, ActorID: "a"}); err != nil {
		t.Fatal(err)
	}
	fresh := f.open(t, "b@example.com")

	*f.clock = fixedNow.Add(24 * time.Hour)
	for i := 0; i < 2; i++ {
		if _, err := f.svc.RecordReminder(ctx, waiting.CaseID, "agent_1"); err != nil {
			t.Fatalf("reminder: %v", err)
		}
	}
	if got := f.notifier.kinds(); len(got) != 3 || got[1] != notify.KindReminder || got[2] != notify.KindReminder {
		t.Fatalf("expected invitation then two reminders, got %v", got)
	}
	if _, err := f.svc.RecordReminder(ctx, fresh.CaseID, "agent_1"); err != nil {
		t.Fatalf("reminder on draft: %v", err)
	}
	if got := f.notifier.kinds(); len(got) != 3 {
		t.Fatalf("draft case must not be mailed a reminder, got %v", got)
	}

	pending, err := f.svc.ListPending(ctx, PendingFilter{})
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("expected 2 pending cases, got %d", len(pending))
	}
	if pending[0].Case.CaseID != waiting.CaseID || pending[0].Priority != domain.PriorityUrgent {
		t.Fatalf("expected reminded case first as urgent, got %+v", pending[0])
	}
	if pending[1].Case.CaseID != fresh.CaseID || pending[1].Priority != domain.PriorityNormal {
		t.Fatalf("expected fresh case normal, got %+v", pending[1])
	}

	urgent, err := f.svc.ListPending(ctx, PendingFilter{Priority: domain.PriorityUrgent})
	if err != nil || len(urgent) != 1 {
		t.Fatalf("expected one urgent case, got %d %v", len(urgent), err)
	}

	*f.clock = fixedNow.Add(29*24*time.Hour + time.Hour)
	pending, _ = f.svc.ListPending(ctx, PendingFilter{})
	for _, p := range pending {
		if p.Priority != domain.PriorityCritical {
			t.Fatalf("expected critical near expiry, got %s", p.Priority)
		}
	}
}

func TestPendingLimitAppliesAfterPriority(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.open(t, "old@example.com")
	*f.clock = fixedNow.Add(time.Hour)
	f.open(t, "mid@example.com")
	*f.clock = fixedNow.Add(2 * time.Hour)
	soon := fixedNow.Add(14 * time.Hour)
	expiring, _, err := f.svc.Open(ctx, NewCase{
		Client:        domain.Client{FirstName: "Paul", LastName: "Martin", Email: "new@example.com"},
		InsurerName:   "Mutuelle Atlantique",
		PolicyNumber:  "POL-43",
		PaymentMethod: domain.PaymentFees,
		ExpiresAt:     &soon,
	})
	if err != nil {
		t.Fatalf("open expiring case: %v", err)
	}

	top, err := f.svc.ListPending(ctx, PendingFilter{Limit: 1})
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(top) != 1 || top[0].Case.CaseID != expiring.CaseID || top[0].Priority != domain.PriorityCritical {
		t.Fatalf("expected the expiring case first, got %+v", top)
	}
	critical, err := f.svc.ListPending(ctx, PendingFilter{Priority: domain.PriorityCritical, Limit: 2})
	if err != nil {
		t.Fatalf("pending critical: %v", err)
	}
	if len(critical) != 1 || critical[0].Case.CaseID != expiring.CaseID {
		t.Fatalf("expected one critical case, got %+v", critical)
	}
}
