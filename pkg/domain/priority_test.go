package domain

import (
	"testing"
	"time"
)

func TestDerivePriority(t *testing.T) {
	now := time.Date(2026, time.March, 10, 12, 0, 0, 0, time.UTC)
	at := func(d time.Duration) *time.Time {
		v := now.Add(d)
		return &v
	}
	cases := []struct {
		name string
		c    Case
		want Priority
	}{
		{
			name: "expiring tomorrow",
			c:    Case{Status: StatusDocumentsUploaded, StatusChangedAt: now, ExpiresAt: at(20 * time.Hour)},
			want: PriorityCritical,
		},
		{
			name: "already expired",
			c:    Case{Status: StatusSigned, StatusChangedAt: now, ExpiresAt: at(-48 * time.Hour)},
			want: PriorityCritical,
		},
		{
			name: "waiting 15 days",
			c:    Case{Status: StatusDocumentsUploaded, StatusChangedAt: now.Add(-15 * day)},
			want: PriorityUrgent,
		},
		{
			name: "two reminders while email sent",
			c:    Case{Status: StatusEmailSent, StatusChangedAt: now, ReminderCount: 2},
			want: PriorityUrgent,
		},
		{
			name: "two reminders after upload",
			c:    Case{Status: StatusDocumentsUploaded, StatusChangedAt: now, ReminderCount: 2},
			want: PriorityNormal,
		},
		{
			name: "waiting 8 days",
			c:    Case{Status: StatusSigned, StatusChangedAt: now.Add(-8 * day)},
			want: PriorityHigh,
		},
		{
			name: "waiting exactly 7 days",
			c:    Case{Status: StatusSigned, StatusChangedAt: now.Add(-7 * day)},
			want: PriorityNormal,
		},
		{
			name: "no expiry recent",
			c:    Case{Status: StatusDraft, StatusChangedAt: now.Add(-time.Hour), ExpiresAt: at(30 * day)},
			want: PriorityNormal,
		},
	}
	for _, tc := range cases {
		if got := DerivePriority(now, tc.c); got != tc.want {
			t.Fatalf("%s: expected %s, got %s", tc.name, tc.want, got)
		}
	}
}

func TestDerivePriorityIsPure(t *testing.T) {
	now := time.Date(2026, time.March, 10, 12, 0, 0, 0, time.UTC)
	c := Case{Status: StatusEmailSent, StatusChangedAt: now.Add(-9 * day), ReminderCount: 1}
	first := DerivePriority(now, c)
	for i := 0; i < 5; i++ {
		if got := DerivePriority(now, c); got != first {
			t.Fatalf("expected stable priority %s, got %s", first, got)
		}
	}
}

func TestDaysUntilExpiryNilWithoutExpiry(t *testing.T) {
	if d := DaysUntilExpiry(time.Now(), Case{}); d != nil {
		t.Fatalf("expected nil, got %d", *d)
	}
}

func TestDaysToComplete(t *testing.T) {
	created := time.Date(2026, time.January, 1, 9, 0, 0, 0, time.UTC)
	if DaysToComplete(Case{CreatedAt: created}) != nil {
		t.Fatalf("open case must have no completion figure")
	}
	done := created.Add(3*day + 5*time.Hour)
	d := DaysToComplete(Case{CreatedAt: created, CompletedAt: &done})
	if d == nil || *d != 3 {
		t.Fatalf("expected 3 days, got %v", d)
	}
}
