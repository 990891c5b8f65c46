package domain

import (
	"fmt"
	"net/mail"
	"sort"
	"strings"
)

type Action string

const (
	ActionInvite            Action = "invite"
	ActionDocumentsComplete Action = "documents_complete"
	ActionSign              Action = "sign"
	ActionComplete          Action = "complete"
	ActionValidate          Action = "validate"
	ActionReject            Action = "reject"
	ActionReopen            Action = "reopen"
)

type edge struct {
	from []Status
	to   Status
}

var edges = map[Action]edge{
	ActionInvite:            {from: []Status{StatusDraft}, to: StatusEmailSent},
	ActionDocumentsComplete: {from: []Status{StatusEmailSent}, to: StatusDocumentsUploaded},
	ActionSign:              {from: []Status{StatusDocumentsUploaded}, to: StatusSigned},
	ActionComplete:          {from: []Status{StatusSigned}, to: StatusCompleted},
	ActionValidate:          {from: []Status{StatusCompleted}, to: StatusValidated},
	ActionReject:            {from: []Status{StatusSigned, StatusCompleted}, to: StatusRejected},
	ActionReopen:            {from: []Status{StatusRejected}, to: StatusDocumentsUploaded},
}

// AgentActions are the actions an agent may request directly.
var AgentActions = map[Action]struct{}{
	ActionInvite:            {},
	ActionDocumentsComplete: {},
	ActionComplete:          {},
	ActionValidate:          {},
	ActionReject:            {},
}

func (a Action) Valid() bool {
	_, ok := edges[a]
	return ok
}

// Target returns the status an action leads to from the given status.
func Target(action Action, from Status) (Status, bool) {
	e, ok := edges[action]
	if !ok {
		return "", false
	}
	for _, s := range e.from {
		if s == from {
			return e.to, true
		}
	}
	return "", false
}

// CanTransition reports whether from -> to is an edge of the case graph.
func CanTransition(from, to Status) bool {
	for a := range edges {
		if t, ok := Target(a, from); ok && t == to {
			return true
		}
	}
	return false
}

type TransitionRequest struct {
	Action      Action
	ActorID     string
	Reason      string
	Note        string
	DocumentIDs []string
}

// Facts is the state the preconditions are checked against. Callers load it
// from the stores; Evaluate itself performs no I/O.
type Facts struct {
	ClientEmail        string
	Documents          []Document
	RequiredTypes      []DocumentType
	AppliedSignature   *Signature
	GenerationComplete bool
}

// Evaluate checks the edge and the action's preconditions and returns the
// target status, or an InvalidTransition error naming what is missing.
func Evaluate(c Case, req TransitionRequest, f Facts) (Status, error) {
	if !req.Action.Valid() {
		return "", InvalidTransition(req.Action, c.Status, "unknown action")
	}
	to, ok := Target(req.Action, c.Status)
	if !ok {
		return "", InvalidTransition(req.Action, c.Status, fmt.Sprintf("action not allowed from status %s", c.Status))
	}

	switch req.Action {
	case ActionInvite:
		if !ResolvableEmail(f.ClientEmail) {
			return "", InvalidTransition(req.Action, c.Status, "client email is not resolvable")
		}
	case ActionDocumentsComplete:
		if missing := MissingDocumentTypes(f.RequiredTypes, f.Documents); len(missing) > 0 {
			names := make([]string, len(missing))
			for i, m := range missing {
				names[i] = string(m)
			}
			return "", InvalidTransition(req.Action, c.Status, "missing required documents: "+strings.Join(names, ", "))
		}
	case ActionSign:
		sig := f.AppliedSignature
		if c.AppliedSignatureID == nil || sig == nil || sig.SignatureID != *c.AppliedSignatureID {
			return "", InvalidTransition(req.Action, c.Status, "no signature has been applied to the case")
		}
		if !sig.IsActive {
			return "", InvalidTransition(req.Action, c.Status, "applied signature is not active")
		}
		if sig.ClientID != c.ClientID {
			return "", InvalidTransition(req.Action, c.Status, "applied signature belongs to another client")
		}
	case ActionComplete:
		if !f.GenerationComplete {
			return "", InvalidTransition(req.Action, c.Status, "legal documents have not all been generated")
		}
	case ActionValidate:
		if strings.TrimSpace(req.ActorID) == "" {
			return "", InvalidTransition(req.Action, c.Status, "validator identity is required")
		}
	case ActionReject:
		if strings.TrimSpace(req.Reason) == "" {
			return "", InvalidTransition(req.Action, c.Status, "rejection reason is required")
		}
		if strings.TrimSpace(req.ActorID) == "" {
			return "", InvalidTransition(req.Action, c.Status, "agent identity is required")
		}
	}
	return to, nil
}

// MissingDocumentTypes lists required types with no uploaded, non-rejected
// document. The result is sorted.
func MissingDocumentTypes(required []DocumentType, docs []Document) []DocumentType {
	have := map[DocumentType]bool{}
	for _, d := range docs {
		if d.Provenance != ProvenanceUploaded || d.Status == DocStatusRejected {
			continue
		}
		have[d.Type] = true
	}
	var missing []DocumentType
	seen := map[DocumentType]bool{}
	for _, t := range required {
		if have[t] || seen[t] {
			continue
		}
		seen[t] = true
		missing = append(missing, t)
	}
	sort.Slice(missing, func(i, j int) bool { return missing[i] < missing[j] })
	return missing
}

func ResolvableEmail(email string) bool {
	email = strings.TrimSpace(email)
	if email == "" {
		return false
	}
	addr, err := mail.ParseAddress(email)
	if err != nil {
		return false
	}
	return strings.Contains(addr.Address, "@")
}
