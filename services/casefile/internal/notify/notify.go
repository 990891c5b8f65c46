// Package notify hands client notifications to the external mailer.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/accordsai/caselane/pkg/webhooks"

	"github.com/google/uuid"
)

type Kind string

const (
	KindInvitation Kind = "case_invitation"
	KindRejection  Kind = "case_rejection"
	KindReminder   Kind = "case_reminder"
)

type Notification struct {
	Kind       Kind     `json:"kind"`
	CaseID     string   `json:"case_id"`
	CaseNumber string   `json:"case_number"`
	To         string   `json:"to"`
	ClientName string   `json:"client_name"`
	PortalURL  string   `json:"portal_url,omitempty"`
	Reason     string   `json:"reason,omitempty"`
	Documents  []string `json:"documents,omitempty"`
}

type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// LogNotifier only records the notification. It is used when no mailer is
// configured.
type LogNotifier struct {
	Log *slog.Logger
}

func (l LogNotifier) Notify(ctx context.Context, n Notification) error {
	log := l.Log
	if log == nil {
		log = slog.Default()
	}
	log.InfoContext(ctx, "notification", "kind", n.Kind, "case_id", n.CaseID, "to", n.To)
	return nil
}

// HTTPNotifier posts notifications as JSON to {BaseURL}/notifications,
// signed with Secret when one is set.
type HTTPNotifier struct {
	BaseURL string
	Secret  string
	HTTP    *http.Client
}

func NewHTTP(baseURL, secret string) *HTTPNotifier {
	return &HTTPNotifier{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Secret:  secret,
		HTTP:    &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *HTTPNotifier) Notify(ctx context.Context, n Notification) error {
	b, err := json.Marshal(n)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/notifications", bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("content-type", "application/json")
	webhooks.SetHeaders(req.Header, c.Secret, "ntf_"+uuid.NewString(), string(n.Kind), b)
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("mailer returned %d", resp.StatusCode)
	}
	return nil
}

// Dispatch sends n and logs a failure instead of returning it. Delivery
// problems never block a case transition.
func Dispatch(ctx context.Context, nt Notifier, log *slog.Logger, n Notification) bool {
	if nt == nil {
		return false
	}
	if err := nt.Notify(ctx, n); err != nil {
		if log != nil {
			log.WarnContext(ctx, "notification failed", "kind", n.Kind, "case_id", n.CaseID, "err", err)
		}
		return false
	}
	return true
}
