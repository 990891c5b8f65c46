package store

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/accordsai/caselane/pkg/db"
	"github.com/accordsai/caselane/pkg/domain"
	"github.com/google/uuid"
)

func openLiveStore(t *testing.T) *Store {
	t.Helper()
	if os.Getenv("CL_INTEGRATION") != "1" {
		t.Skip("set CL_INTEGRATION=1 to run live integration")
	}
	pool, err := db.Connect(context.Background(), os.Getenv("DATABASE_URL"))
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(pool.Close)
	st := New(pool)
	if err := st.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	return st
}

func seedLiveCase(t *testing.T, st *Store, status domain.Status) domain.Case {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)
	cl := domain.Client{ClientID: "cli_" + uuid.NewString(), FirstName: "Ada", LastName: "Lovelace", Email: "ada@example.com", CreatedAt: now}
	if err := st.CreateClient(ctx, cl); err != nil {
		t.Fatalf("create client: %v", err)
	}
	c := domain.Case{
		CaseID: "case_" + uuid.NewString(), CaseNumber: "CL-" + uuid.NewString()[:8], SecureToken: uuid.NewString(),
		Status: status, ClientID: cl.ClientID, CreatedAt: now, UpdatedAt: now, StatusChangedAt: now,
	}
	if err := st.CreateCase(ctx, c); err != nil {
		t.Fatalf("create case: %v", err)
	}
	return c
}

func TestLiveUpdateStatusCompareAndSet(t *testing.T) {
	st := openLiveStore(t)
	ctx := context.Background()
	c := seedLiveCase(t, st, domain.StatusDraft)

	got, err := st.UpdateStatus(ctx, StatusUpdate{CaseID: c.CaseID, From: domain.StatusDraft, To: domain.StatusEmailSent, At: time.Now()})
	if err != nil {
		t.Fatalf("first update: %v", err)
	}
	if got.Status != domain.StatusEmailSent {
		t.Fatalf("expected email_sent, got %s", got.Status)
	}
	if _, err := st.UpdateStatus(ctx, StatusUpdate{CaseID: c.CaseID, From: domain.StatusDraft, To: domain.StatusEmailSent, At: time.Now()}); !errors.Is(err, ErrStatusConflict) {
		t.Fatalf("expected status conflict, got %v", err)
	}
	if _, err := st.UpdateStatus(ctx, StatusUpdate{CaseID: "case_missing", From: domain.StatusDraft, To: domain.StatusEmailSent, At: time.Now()}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestLiveSingleDefaultSignature(t *testing.T) {
	st := openLiveStore(t)
	ctx := context.Background()
	c := seedLiveCase(t, st, domain.StatusDocumentsUploaded)

	var ids []string
	for i := 0; i < 3; i++ {
		sig, err := st.CreateSignature(ctx, domain.Signature{
			SignatureID: "sig_" + uuid.NewString(), ClientID: c.ClientID, Image: []byte("png"), MIMEType: "image/png",
			IsDefault: true, CreatedAt: time.Now(),
		})
		if err != nil {
			t.Fatalf("create signature: %v", err)
		}
		ids = append(ids, sig.SignatureID)
	}
	def, err := st.GetDefaultSignature(ctx, c.ClientID)
	if err != nil {
		t.Fatalf("get default: %v", err)
	}
	if def.SignatureID != ids[2] {
		t.Fatalf("expected newest signature to be default")
	}
	all, err := st.ListSignatures(ctx, c.ClientID, true)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	defaults := 0
	for _, s := range all {
		if s.IsDefault {
			defaults++
		}
	}
	if defaults != 1 {
		t.Fatalf("expected exactly one default, got %d", defaults)
	}
}
