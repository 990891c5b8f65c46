package domain

import (
	"math"
	"time"
)

type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityUrgent   Priority = "urgent"
	PriorityHigh     Priority = "high"
	PriorityNormal   Priority = "normal"
)

var priorityRank = map[Priority]int{
	PriorityCritical: 0,
	PriorityUrgent:   1,
	PriorityHigh:     2,
	PriorityNormal:   3,
}

// Rank orders priorities from most to least pressing.
func (p Priority) Rank() int {
	if r, ok := priorityRank[p]; ok {
		return r
	}
	return len(priorityRank)
}

func (p Priority) Valid() bool {
	_, ok := priorityRank[p]
	return ok
}

const day = 24 * time.Hour

// DaysWaiting is the number of whole days since the last status change.
func DaysWaiting(now time.Time, c Case) int {
	since := c.StatusChangedAt
	if since.IsZero() {
		since = c.CreatedAt
	}
	if since.IsZero() || now.Before(since) {
		return 0
	}
	return int(now.Sub(since) / day)
}

// DaysUntilExpiry counts started days until expires_at, so a case expiring
// later today reports 1. It is negative once the case has expired and nil
// when the case has no expiry.
func DaysUntilExpiry(now time.Time, c Case) *int {
	if c.ExpiresAt == nil {
		return nil
	}
	d := int(math.Ceil(c.ExpiresAt.Sub(now).Hours() / 24))
	return &d
}

// DerivePriority is recomputed on every query and never stored.
func DerivePriority(now time.Time, c Case) Priority {
	if d := DaysUntilExpiry(now, c); d != nil && *d <= 1 {
		return PriorityCritical
	}
	waiting := DaysWaiting(now, c)
	if waiting > 14 || (c.Status == StatusEmailSent && c.ReminderCount >= 2) {
		return PriorityUrgent
	}
	if waiting > 7 {
		return PriorityHigh
	}
	return PriorityNormal
}

// DaysToComplete is a display figure only: whole days from creation to
// completion, nil while the case is open.
func DaysToComplete(c Case) *int {
	if c.CompletedAt == nil || c.CreatedAt.IsZero() {
		return nil
	}
	d := int(c.CompletedAt.Sub(c.CreatedAt) / day)
	if d < 0 {
		d = 0
	}
	return &d
}
