package domain

import (
	"errors"
	"strings"
	"testing"
)

func strPtr(s string) *string { return &s }

func uploaded(t DocumentType, status DocumentStatus) Document {
	return Document{DocumentID: "doc_" + string(t), Provenance: ProvenanceUploaded, Type: t, Status: status}
}

var defaultRequired = []DocumentType{DocIdentityFront, DocIdentityBack, DocInsuranceContract}

func TestEvaluateInviteRequiresResolvableEmail(t *testing.T) {
	c := Case{CaseID: "case_1", Status: StatusDraft}
	if _, err := Evaluate(c, TransitionRequest{Action: ActionInvite}, Facts{ClientEmail: "not-an-email"}); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
	to, err := Evaluate(c, TransitionRequest{Action: ActionInvite}, Facts{ClientEmail: "Jane Doe <jane@example.com>"})
	if err != nil {
		t.Fatalf("invite: %v", err)
	}
	if to != StatusEmailSent {
		t.Fatalf("expected email_sent, got %s", to)
	}
}

func TestEvaluateDocumentsCompleteNamesMissingTypes(t *testing.T) {
	c := Case{Status: StatusEmailSent}
	docs := []Document{
		uploaded(DocIdentityFront, DocStatusReceived),
		uploaded(DocInsuranceContract, DocStatusReceived),
	}
	_, err := Evaluate(c, TransitionRequest{Action: ActionDocumentsComplete}, Facts{Documents: docs, RequiredTypes: defaultRequired})
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
	var de *Error
	if !errors.As(err, &de) || !strings.Contains(de.Metadata["precondition"], "identity_back") {
		t.Fatalf("expected precondition to name identity_back, got %v", err)
	}

	docs = append(docs, uploaded(DocIdentityBack, DocStatusReceived))
	to, err := Evaluate(c, TransitionRequest{Action: ActionDocumentsComplete}, Facts{Documents: docs, RequiredTypes: defaultRequired})
	if err != nil {
		t.Fatalf("documents_complete: %v", err)
	}
	if to != StatusDocumentsUploaded {
		t.Fatalf("expected documents_uploaded, got %s", to)
	}
}

func TestMissingDocumentTypesIgnoresRejectedAndOptional(t *testing.T) {
	docs := []Document{
		uploaded(DocIdentityFront, DocStatusRejected),
		uploaded(DocIdentityBack, DocStatusAccepted),
		uploaded(DocInsuranceContract, DocStatusReceived),
		uploaded(DocBankStatement, DocStatusReceived),
		{Provenance: ProvenanceGenerated, Type: DocIdentityFront, Status: DocStatusReceived},
	}
	missing := MissingDocumentTypes(defaultRequired, docs)
	if len(missing) != 1 || missing[0] != DocIdentityFront {
		t.Fatalf("unexpected missing types: %#v", missing)
	}
}

func TestEvaluateSignRequiresAppliedActiveSignature(t *testing.T) {
	c := Case{ClientID: "cli_1", Status: StatusDocumentsUploaded}
	sig := &Signature{SignatureID: "sig_1", ClientID: "cli_1", IsActive: true}

	if _, err := Evaluate(c, TransitionRequest{Action: ActionSign}, Facts{AppliedSignature: sig}); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("sign without applied signature must fail, got %v", err)
	}

	c.AppliedSignatureID = strPtr("sig_1")
	inactive := *sig
	inactive.IsActive = false
	if _, err := Evaluate(c, TransitionRequest{Action: ActionSign}, Facts{AppliedSignature: &inactive}); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("sign with inactive signature must fail, got %v", err)
	}

	other := *sig
	other.ClientID = "cli_2"
	if _, err := Evaluate(c, TransitionRequest{Action: ActionSign}, Facts{AppliedSignature: &other}); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("sign with foreign signature must fail, got %v", err)
	}

	to, err := Evaluate(c, TransitionRequest{Action: ActionSign}, Facts{AppliedSignature: sig})
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if to != StatusSigned {
		t.Fatalf("expected signed, got %s", to)
	}
}

func TestEvaluateCompleteRequiresGeneration(t *testing.T) {
	c := Case{Status: StatusSigned}
	if _, err := Evaluate(c, TransitionRequest{Action: ActionComplete}, Facts{}); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
	if to, err := Evaluate(c, TransitionRequest{Action: ActionComplete}, Facts{GenerationComplete: true}); err != nil || to != StatusCompleted {
		t.Fatalf("expected completed, got %s %v", to, err)
	}
}

func TestEvaluateValidateAllowsEmptyNote(t *testing.T) {
	c := Case{Status: StatusCompleted}
	to, err := Evaluate(c, TransitionRequest{Action: ActionValidate, ActorID: "agent_7"}, Facts{})
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if to != StatusValidated {
		t.Fatalf("expected validated, got %s", to)
	}
	if _, err := Evaluate(c, TransitionRequest{Action: ActionValidate}, Facts{}); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("validate without actor must fail")
	}
}

func TestEvaluateRejectRequiresReason(t *testing.T) {
	for _, from := range []Status{StatusSigned, StatusCompleted} {
		c := Case{Status: from}
		if _, err := Evaluate(c, TransitionRequest{Action: ActionReject, ActorID: "agent_7"}, Facts{}); !errors.Is(err, ErrInvalidTransition) {
			t.Fatalf("reject without reason from %s must fail", from)
		}
		to, err := Evaluate(c, TransitionRequest{Action: ActionReject, ActorID: "agent_7", Reason: "blurry ID"}, Facts{})
		if err != nil || to != StatusRejected {
			t.Fatalf("reject from %s: %s %v", from, to, err)
		}
	}
	if _, err := Evaluate(Case{Status: StatusValidated}, TransitionRequest{Action: ActionReject, ActorID: "a", Reason: "r"}, Facts{}); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("reject from validated must fail")
	}
}

func TestEvaluateRejectsUnknownAndOutOfOrderActions(t *testing.T) {
	if _, err := Evaluate(Case{Status: StatusDraft}, TransitionRequest{Action: "teleport"}, Facts{}); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("unknown action must fail")
	}
	if _, err := Evaluate(Case{Status: StatusDraft}, TransitionRequest{Action: ActionValidate, ActorID: "a"}, Facts{}); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("validate from draft must fail")
	}
}

func TestCanTransitionOnlyForwardExceptRejectReopen(t *testing.T) {
	order := []Status{StatusDraft, StatusEmailSent, StatusDocumentsUploaded, StatusSigned, StatusCompleted, StatusValidated}
	for i := 0; i+1 < len(order); i++ {
		if !CanTransition(order[i], order[i+1]) {
			t.Fatalf("expected %s -> %s", order[i], order[i+1])
		}
		if CanTransition(order[i+1], order[i]) {
			t.Fatalf("unexpected backward edge %s -> %s", order[i+1], order[i])
		}
	}
	if !CanTransition(StatusRejected, StatusDocumentsUploaded) {
		t.Fatalf("expected reopen edge")
	}
	if CanTransition(StatusValidated, StatusRejected) {
		t.Fatalf("validated is terminal")
	}
}
