// Package webhooks signs and checks service-to-service callbacks with the
// generic HMAC-SHA256 scheme: a hex digest of the raw body in X-Signature.
package webhooks

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"
)

const (
	SignatureHeader = "X-Signature"
	EventIDHeader   = "X-Event-Id"
	EventTypeHeader = "X-Event-Type"
	Scheme          = "generic-hmac-sha256/v1"
)

var ErrEmptySecret = errors.New("webhook secret is empty")

type VerificationResult struct {
	Valid     bool           `json:"valid"`
	Scheme    string         `json:"scheme"`
	Details   map[string]any `json:"details"`
	EventID   string         `json:"event_id,omitempty"`
	EventType string         `json:"event_type,omitempty"`
}

func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// SetHeaders stamps an outgoing request. Without a secret only the event
// headers are set.
func SetHeaders(h http.Header, secret, eventID, eventType string, body []byte) {
	h.Set(EventIDHeader, eventID)
	h.Set(EventTypeHeader, eventType)
	if strings.TrimSpace(secret) != "" {
		h.Set(SignatureHeader, Sign(secret, body))
	}
}

// Verify checks the signature header against the raw body. A missing or
// undecodable header yields an invalid result, not an error.
func Verify(headers http.Header, rawBody []byte, secret string) (VerificationResult, error) {
	if strings.TrimSpace(secret) == "" {
		return VerificationResult{}, ErrEmptySecret
	}
	res := VerificationResult{
		Scheme: Scheme,
		Details: map[string]any{
			"signature_header_present": false,
			"signature_hex_decodable":  false,
		},
		EventID:   strings.TrimSpace(headers.Get(EventIDHeader)),
		EventType: strings.TrimSpace(headers.Get(EventTypeHeader)),
	}
	if res.EventType == "" {
		res.EventType = "unknown"
	}

	sigHex := strings.TrimSpace(headers.Get(SignatureHeader))
	if sigHex == "" {
		return res, nil
	}
	res.Details["signature_header_present"] = true
	provided, err := hex.DecodeString(sigHex)
	if err != nil {
		return res, nil
	}
	res.Details["signature_hex_decodable"] = true

	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(rawBody)
	res.Valid = hmac.Equal(mac.Sum(nil), provided)
	return res, nil
}
