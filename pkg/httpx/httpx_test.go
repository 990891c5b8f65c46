package httpx

import (
	"encoding/json"
	"errors"
	"net/http/httptest"
	"testing"

	"github.com/accordsai/caselane/pkg/domain"
)

func TestWriteDomainErrorMapsCodes(t *testing.T) {
	cases := []struct {
		err  error
		want int
		code string
	}{
		{domain.NotFound("case", "case_1"), 404, "NOT_FOUND"},
		{domain.InvalidTransition(domain.ActionSign, domain.StatusDraft, "no signature"), 409, "INVALID_TRANSITION"},
		{domain.NewError(domain.CodeDegenerateSignature, "too small"), 422, "DEGENERATE_SIGNATURE"},
		{domain.NewError(domain.CodeBadRequest, "bad"), 400, "BAD_REQUEST"},
		{domain.NewError(domain.CodeStorageUnavailable, "down"), 503, "STORAGE_UNAVAILABLE"},
		{domain.NewError(domain.CodeUnknownTemplate, "nope"), 422, "UNKNOWN_TEMPLATE"},
		{errors.New("boom"), 500, "INTERNAL"},
	}
	for _, tc := range cases {
		rr := httptest.NewRecorder()
		WriteDomainError(rr, tc.err)
		if rr.Code != tc.want {
			t.Fatalf("expected %d for %v, got %d", tc.want, tc.err, rr.Code)
		}
		var body struct {
			RequestID string `json:"request_id"`
			Error     struct {
				Code string `json:"code"`
			} `json:"error"`
		}
		if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		if body.Error.Code != tc.code {
			t.Fatalf("expected code %s, got %s", tc.code, body.Error.Code)
		}
		if body.RequestID == "" {
			t.Fatalf("expected request id")
		}
	}
}
