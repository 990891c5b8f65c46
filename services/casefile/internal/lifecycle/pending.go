package lifecycle

import (
	"context"
	"sort"

	"github.com/accordsai/caselane/pkg/domain"
	"github.com/accordsai/caselane/services/casefile/internal/store"
)

// PendingStatuses are the statuses an agent still has work on.
var PendingStatuses = []domain.Status{
	domain.StatusDraft,
	domain.StatusEmailSent,
	domain.StatusDocumentsUploaded,
	domain.StatusSigned,
	domain.StatusCompleted,
	domain.StatusRejected,
}

type PendingCase struct {
	Case            domain.Case     `json:"case"`
	Priority        domain.Priority `json:"priority"`
	DaysWaiting     int             `json:"days_waiting"`
	DaysUntilExpiry *int            `json:"days_until_expiry,omitempty"`
	DaysToComplete  *int            `json:"days_to_complete,omitempty"`
}

type PendingFilter struct {
	Statuses []domain.Status
	Priority domain.Priority
	Limit    int
}

const pendingPageSize = 500

// ListPending returns open cases with their derived priority, most pressing
// first. Priority is computed at call time and never stored, so every open
// case is scanned before the filter, sort and limit apply.
func (s *Service) ListPending(ctx context.Context, f PendingFilter) ([]PendingCase, error) {
	statuses := f.Statuses
	if len(statuses) == 0 {
		statuses = PendingStatuses
	}
	var cases []domain.Case
	for offset := 0; ; offset += pendingPageSize {
		page, err := s.Repo.ListCases(ctx, store.CaseFilter{Statuses: statuses, Limit: pendingPageSize, Offset: offset})
		if err != nil {
			return nil, err
		}
		cases = append(cases, page...)
		if len(page) < pendingPageSize {
			break
		}
	}
	now := s.now()
	out := make([]PendingCase, 0, len(cases))
	for _, c := range cases {
		p := domain.DerivePriority(now, c)
		if f.Priority != "" && p != f.Priority {
			continue
		}
		out = append(out, PendingCase{
			Case:            c,
			Priority:        p,
			DaysWaiting:     domain.DaysWaiting(now, c),
			DaysUntilExpiry: domain.DaysUntilExpiry(now, c),
			DaysToComplete:  domain.DaysToComplete(c),
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if a, b := out[i].Priority.Rank(), out[j].Priority.Rank(); a != b {
			return a < b
		}
		return out[i].DaysWaiting > out[j].DaysWaiting
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}
