package main

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/accordsai/caselane/pkg/domain"
	"github.com/accordsai/caselane/pkg/httpx"
	"github.com/accordsai/caselane/services/casefile/internal/idempotency"
	"github.com/accordsai/caselane/services/casefile/internal/lifecycle"
	"github.com/accordsai/caselane/services/casefile/internal/store"

	"github.com/go-chi/chi/v5"
)

const dateLayout = "2006-01-02"

type clientRequest struct {
	ClientID    string `json:"client_id"`
	FirstName   string `json:"first_name"`
	LastName    string `json:"last_name"`
	Email       string `json:"email"`
	Phone       string `json:"phone"`
	AddressLine string `json:"address_line"`
	PostalCode  string `json:"postal_code"`
	City        string `json:"city"`
	Country     string `json:"country"`
	BirthDate   string `json:"birth_date"`
}

type createCaseRequest struct {
	Client          clientRequest   `json:"client"`
	InsurerName     string          `json:"insurer_name"`
	PolicyNumber    string          `json:"policy_number"`
	PolicyType      string          `json:"policy_type"`
	TerminationDate string          `json:"termination_date"`
	PaymentMethod   string          `json:"payment_method"`
	AdvisorName     string          `json:"advisor_name"`
	AdvisorEmail    string          `json:"advisor_email"`
	AdvisorPhone    string          `json:"advisor_phone"`
	CoInsured       []domain.Person `json:"co_insured"`
	ExpiresAt       *time.Time      `json:"expires_at"`
	SendInvitation  bool            `json:"send_invitation"`
}

func parseDate(field, v string) (*time.Time, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse(dateLayout, v)
	if err != nil {
		return nil, domain.NewError(domain.CodeBadRequest, fmt.Sprintf("%s must be YYYY-MM-DD", field))
	}
	return &t, nil
}

func (req createCaseRequest) toNewCase() (lifecycle.NewCase, error) {
	birth, err := parseDate("client.birth_date", req.Client.BirthDate)
	if err != nil {
		return lifecycle.NewCase{}, err
	}
	termination, err := parseDate("termination_date", req.TerminationDate)
	if err != nil {
		return lifecycle.NewCase{}, err
	}
	return lifecycle.NewCase{
		Client: domain.Client{
			ClientID:    strings.TrimSpace(req.Client.ClientID),
			FirstName:   strings.TrimSpace(req.Client.FirstName),
			LastName:    strings.TrimSpace(req.Client.LastName),
			Email:       strings.TrimSpace(req.Client.Email),
			Phone:       strings.TrimSpace(req.Client.Phone),
			AddressLine: strings.TrimSpace(req.Client.AddressLine),
			PostalCode:  strings.TrimSpace(req.Client.PostalCode),
			City:        strings.TrimSpace(req.Client.City),
			Country:     strings.TrimSpace(req.Client.Country),
			BirthDate:   birth,
		},
		InsurerName:     strings.TrimSpace(req.InsurerName),
		PolicyNumber:    strings.TrimSpace(req.PolicyNumber),
		PolicyType:      strings.TrimSpace(req.PolicyType),
		TerminationDate: termination,
		PaymentMethod:   domain.PaymentMethod(strings.TrimSpace(req.PaymentMethod)),
		AdvisorName:     strings.TrimSpace(req.AdvisorName),
		AdvisorEmail:    strings.TrimSpace(req.AdvisorEmail),
		AdvisorPhone:    strings.TrimSpace(req.AdvisorPhone),
		CoInsured:       req.CoInsured,
		ExpiresAt:       req.ExpiresAt,
	}, nil
}

func (s *server) createCase(w http.ResponseWriter, r *http.Request) {
	var req createCaseRequest
	if err := httpx.ReadJSON(r, &req); err != nil {
		badJSON(w, err)
		return
	}
	in, err := req.toNewCase()
	if err != nil {
		httpx.WriteDomainError(w, err)
		return
	}
	agent := agentFrom(r.Context())
	sc := idempotency.FromRequest(r, "global", agent.ActorID)
	s.handleIdempotentMutation(w, r, sc, "POST /agent/cases", func() (int, map[string]any, error) {
		ctx := r.Context()
		c, cl, err := s.app.Cases.Open(ctx, in)
		if err != nil {
			return 0, nil, err
		}
		if req.SendInvitation {
			invited, err := s.app.Cases.ApplyAgent(ctx, c.CaseID, domain.TransitionRequest{Action: domain.ActionInvite, ActorID: agent.ActorID})
			if err != nil {
				// The case exists; the agent can retry the invite as a transition.
				s.log.WarnContext(ctx, "invitation on create failed", "case_id", c.CaseID, "err", err)
			} else {
				c.Status = invited.Status
				c.StatusChangedAt = invited.StatusChangedAt
				c.UpdatedAt = invited.UpdatedAt
			}
		}
		return http.StatusCreated, map[string]any{
			"request_id": httpx.NewRequestID(),
			"case":       c,
			"client":     cl,
			"portal_url": s.app.Cases.PortalURL(c),
		}, nil
	})
}

func (s *server) transitionCase(w http.ResponseWriter, r *http.Request) {
	caseID := chi.URLParam(r, "case_id")
	var req struct {
		Action      string   `json:"action"`
		Reason      string   `json:"reason"`
		Note        string   `json:"note"`
		ActorID     string   `json:"actor_id"`
		DocumentIDs []string `json:"document_ids"`
	}
	if err := httpx.ReadJSON(r, &req); err != nil {
		badJSON(w, err)
		return
	}
	actor := strings.TrimSpace(req.ActorID)
	if actor == "" {
		actor = agentFrom(r.Context()).ActorID
	}
	tr := domain.TransitionRequest{
		Action:      domain.Action(strings.TrimSpace(req.Action)),
		ActorID:     actor,
		Reason:      strings.TrimSpace(req.Reason),
		Note:        strings.TrimSpace(req.Note),
		DocumentIDs: req.DocumentIDs,
	}
	sc := idempotency.FromRequest(r, caseID, actor)
	s.handleIdempotentMutation(w, r, sc, "POST /agent/cases/{case_id}/transitions", func() (int, map[string]any, error) {
		c, err := s.app.Cases.ApplyAgent(r.Context(), caseID, tr)
		if err != nil {
			return 0, nil, err
		}
		return http.StatusOK, map[string]any{"request_id": httpx.NewRequestID(), "case": c}, nil
	})
}

func (s *server) recordReminder(w http.ResponseWriter, r *http.Request) {
	caseID := chi.URLParam(r, "case_id")
	actor := agentFrom(r.Context()).ActorID
	sc := idempotency.FromRequest(r, caseID, actor)
	s.handleIdempotentMutation(w, r, sc, "POST /agent/cases/{case_id}/reminders", func() (int, map[string]any, error) {
		c, err := s.app.Cases.RecordReminder(r.Context(), caseID, actor)
		if err != nil {
			return 0, nil, err
		}
		return http.StatusOK, map[string]any{"request_id": httpx.NewRequestID(), "case": c}, nil
	})
}

func (s *server) listPending(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var f lifecycle.PendingFilter
	for _, raw := range q["status"] {
		for _, part := range strings.Split(raw, ",") {
			st := domain.Status(strings.TrimSpace(part))
			if st == "" {
				continue
			}
			if !st.Valid() {
				httpx.WriteError(w, http.StatusBadRequest, "BAD_REQUEST", fmt.Sprintf("unknown status %q", st), nil)
				return
			}
			f.Statuses = append(f.Statuses, st)
		}
	}
	if p := domain.Priority(strings.TrimSpace(q.Get("priority"))); p != "" {
		if !p.Valid() {
			httpx.WriteError(w, http.StatusBadRequest, "BAD_REQUEST", fmt.Sprintf("unknown priority %q", p), nil)
			return
		}
		f.Priority = p
	}
	if v := strings.TrimSpace(q.Get("limit")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			httpx.WriteError(w, http.StatusBadRequest, "BAD_REQUEST", "limit must be a positive integer", nil)
			return
		}
		f.Limit = n
	}

	cases, err := s.app.Cases.ListPending(r.Context(), f)
	if err != nil {
		httpx.WriteDomainError(w, err)
		return
	}
	if cases == nil {
		cases = []lifecycle.PendingCase{}
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"request_id": httpx.NewRequestID(), "cases": cases})
}

// downloadArchive assembles the bundle. A signed case whose required
// documents all generated is moved to completed as part of the download.
func (s *server) downloadArchive(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	caseID := chi.URLParam(r, "case_id")
	bundle, err := s.app.Archive.Assemble(ctx, caseID)
	if err != nil {
		httpx.WriteDomainError(w, err)
		return
	}
	if bundle.Manifest.Case.Status == domain.StatusSigned && bundle.GenerationComplete {
		if _, err := s.app.Cases.Complete(ctx, caseID, agentFrom(ctx).ActorID, true); err != nil {
			s.log.WarnContext(ctx, "auto-complete after assembly failed", "case_id", caseID, "err", err)
		}
	}

	name := bundle.Manifest.Case.CaseNumber
	if name == "" {
		name = caseID
	}
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name+".zip"))
	w.Header().Set("Content-Length", strconv.Itoa(len(bundle.Archive)))
	w.Header().Set("X-Bundle-Hash", bundle.Manifest.BundleHash)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(bundle.Archive)
}

func (s *server) listEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	caseID := chi.URLParam(r, "case_id")
	if _, err := s.app.Repo.GetCase(ctx, caseID); err != nil {
		httpx.WriteDomainError(w, store.ToDomain(err, "case", caseID))
		return
	}
	events, err := s.app.Repo.ListEvents(ctx, caseID)
	if err != nil {
		httpx.WriteDomainError(w, err)
		return
	}
	if events == nil {
		events = []domain.CaseEvent{}
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"request_id": httpx.NewRequestID(), "events": events})
}
