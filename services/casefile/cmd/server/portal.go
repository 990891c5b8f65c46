package main

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/accordsai/caselane/pkg/domain"
	"github.com/accordsai/caselane/pkg/httpx"
	"github.com/accordsai/caselane/services/casefile/internal/idempotency"
	"github.com/accordsai/caselane/services/casefile/internal/lifecycle"
	"github.com/accordsai/caselane/services/casefile/internal/store"

	"github.com/go-chi/chi/v5"
)

const (
	multipartMemory = 8 << 20
	multipartSlack  = 64 << 10
)

// portalCase resolves the token in the path or writes the error.
func (s *server) portalCase(w http.ResponseWriter, r *http.Request) (domain.Case, bool) {
	c, err := s.app.Cases.CaseByToken(r.Context(), chi.URLParam(r, "token"))
	if err != nil {
		httpx.WriteDomainError(w, err)
		return domain.Case{}, false
	}
	return c, true
}

func (s *server) getPortalCase(w http.ResponseWriter, r *http.Request) {
	c, ok := s.portalCase(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	cl, err := s.app.Repo.GetClient(ctx, c.ClientID)
	if err != nil {
		httpx.WriteDomainError(w, store.ToDomain(err, "client", c.ClientID))
		return
	}
	docs, err := s.app.Repo.ListDocuments(ctx, c.CaseID)
	if err != nil {
		httpx.WriteDomainError(w, err)
		return
	}
	sigs, err := s.app.Signatures.ListActive(ctx, c.ClientID)
	if err != nil {
		httpx.WriteDomainError(w, err)
		return
	}
	missing := domain.MissingDocumentTypes(s.app.Cases.RequiredTypes, docs)
	if missing == nil {
		missing = []domain.DocumentType{}
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"request_id":             httpx.NewRequestID(),
		"case":                   c,
		"client":                 cl,
		"documents":              docs,
		"missing_document_types": missing,
		"signatures":             sigs,
	})
}

func (s *server) uploadDocument(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUpload+multipartSlack)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeTooLarge(w, s.maxUpload)
			return
		}
		httpx.WriteError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid multipart body: "+err.Error(), nil)
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	f, hdr, err := r.FormFile("file")
	if err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "BAD_REQUEST", "multipart field file is required", nil)
		return
	}
	defer f.Close()
	body, err := io.ReadAll(io.LimitReader(f, s.maxUpload+1))
	if err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "BAD_REQUEST", "read upload: "+err.Error(), nil)
		return
	}
	if int64(len(body)) > s.maxUpload {
		writeTooLarge(w, s.maxUpload)
		return
	}

	doc, c, err := s.app.Cases.AddUpload(r.Context(), token, lifecycle.Upload{
		Type:     domain.DocumentType(strings.TrimSpace(r.FormValue("type"))),
		Filename: hdr.Filename,
		MIMEType: hdr.Header.Get("Content-Type"),
		Body:     body,
	})
	if err != nil {
		httpx.WriteDomainError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, map[string]any{
		"request_id": httpx.NewRequestID(),
		"document":   doc,
		"case":       c,
	})
}

func writeTooLarge(w http.ResponseWriter, limit int64) {
	httpx.WriteError(w, http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE", "uploaded file exceeds the size limit",
		map[string]string{"max_bytes": strconv.FormatInt(limit, 10)})
}

func (s *server) applySignature(w http.ResponseWriter, r *http.Request) {
	c, ok := s.portalCase(w, r)
	if !ok {
		return
	}
	var req struct {
		SignatureID string `json:"signature_id"`
	}
	if err := httpx.ReadJSON(r, &req); err != nil {
		badJSON(w, err)
		return
	}
	if strings.TrimSpace(req.SignatureID) == "" {
		httpx.WriteError(w, http.StatusBadRequest, "BAD_REQUEST", "signature_id is required", nil)
		return
	}
	token := c.SecureToken
	sc := idempotency.FromRequest(r, c.CaseID, c.ClientID)
	s.handleIdempotentMutation(w, r, sc, "POST /portal/cases/{token}/signature:apply", func() (int, map[string]any, error) {
		updated, err := s.app.Cases.ApplySignature(r.Context(), token, strings.TrimSpace(req.SignatureID))
		if err != nil {
			return 0, nil, err
		}
		return http.StatusOK, map[string]any{"request_id": httpx.NewRequestID(), "case": updated}, nil
	})
}

func (s *server) listSignatures(w http.ResponseWriter, r *http.Request) {
	c, ok := s.portalCase(w, r)
	if !ok {
		return
	}
	sigs, err := s.app.Signatures.ListActive(r.Context(), c.ClientID)
	if err != nil {
		httpx.WriteDomainError(w, err)
		return
	}
	resp := map[string]any{"request_id": httpx.NewRequestID(), "signatures": sigs}
	for _, sig := range sigs {
		if sig.IsDefault {
			resp["default_signature_id"] = sig.SignatureID
		}
	}
	httpx.WriteJSON(w, http.StatusOK, resp)
}

func (s *server) createSignature(w http.ResponseWriter, r *http.Request) {
	c, ok := s.portalCase(w, r)
	if !ok {
		return
	}
	var req struct {
		Image     string `json:"image"`
		Label     string `json:"label"`
		IsDefault bool   `json:"is_default"`
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUpload)
	if err := httpx.ReadJSON(r, &req); err != nil {
		badJSON(w, err)
		return
	}
	sc := idempotency.FromRequest(r, c.CaseID, c.ClientID)
	s.handleIdempotentMutation(w, r, sc, "POST /portal/cases/{token}/signatures", func() (int, map[string]any, error) {
		sig, err := s.app.Signatures.Create(r.Context(), c.ClientID, req.Image, req.Label, req.IsDefault)
		if err != nil {
			return 0, nil, err
		}
		return http.StatusCreated, map[string]any{"request_id": httpx.NewRequestID(), "signature": sig}, nil
	})
}

func (s *server) updateSignature(w http.ResponseWriter, r *http.Request) {
	c, ok := s.portalCase(w, r)
	if !ok {
		return
	}
	sigID := chi.URLParam(r, "signature_id")
	var req struct {
		Label     *string `json:"label"`
		IsDefault *bool   `json:"is_default"`
	}
	if err := httpx.ReadJSON(r, &req); err != nil {
		badJSON(w, err)
		return
	}
	if req.Label == nil && req.IsDefault == nil {
		httpx.WriteError(w, http.StatusBadRequest, "BAD_REQUEST", "label or is_default is required", nil)
		return
	}
	if req.IsDefault != nil && !*req.IsDefault {
		httpx.WriteError(w, http.StatusBadRequest, "BAD_REQUEST", "is_default can only be set to true; choose another default instead", nil)
		return
	}

	ctx := r.Context()
	if req.Label != nil {
		if err := s.app.Signatures.UpdateLabel(ctx, c.ClientID, sigID, *req.Label); err != nil {
			httpx.WriteDomainError(w, err)
			return
		}
	}
	if req.IsDefault != nil {
		if err := s.app.Signatures.SetDefault(ctx, c.ClientID, sigID); err != nil {
			httpx.WriteDomainError(w, err)
			return
		}
	}
	sig, err := s.app.Signatures.Get(ctx, c.ClientID, sigID)
	if err != nil {
		httpx.WriteDomainError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"request_id": httpx.NewRequestID(), "signature": sig})
}

func (s *server) deleteSignature(w http.ResponseWriter, r *http.Request) {
	c, ok := s.portalCase(w, r)
	if !ok {
		return
	}
	sigID := chi.URLParam(r, "signature_id")
	hard := r.URL.Query().Get("hard") == "true"

	var err error
	if hard {
		err = s.app.Signatures.Delete(r.Context(), c.ClientID, sigID)
	} else {
		err = s.app.Signatures.Deactivate(r.Context(), c.ClientID, sigID)
	}
	if err != nil {
		httpx.WriteDomainError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"request_id":   httpx.NewRequestID(),
		"signature_id": sigID,
		"deleted":      hard,
		"deactivated":  !hard,
	})
}
