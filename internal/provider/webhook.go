package provider

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DefaultSignatureTolerance bounds how stale a signed webhook may be.
const DefaultSignatureTolerance = 5 * time.Minute

var (
	ErrMissingSecret    = errors.New("webhook signing secret is not configured")
	ErrInvalidSignature = errors.New("invalid webhook signature")
	ErrSignatureExpired = errors.New("webhook signature timestamp outside tolerance")
)

// Event is a provider push notification.
type Event struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Created int64           `json:"created"`
	Data    json.RawMessage `json:"data"`
}

// EventObject is the payload inside Event.Data.
type EventObject struct {
	Object PaymentIntent `json:"object"`
}

// Intent decodes the payment intent carried by the event.
func (e *Event) Intent() (*PaymentIntent, error) {
	var obj EventObject
	if err := json.Unmarshal(e.Data, &obj); err != nil {
		return nil, fmt.Errorf("webhook: decode event data: %w", err)
	}
	return &obj.Object, nil
}

// ConstructWebhookEvent verifies the signature header against the configured
// secret and parses the raw payload. A missing secret fails closed: there is
// no environment where verification is skipped.
func ConstructWebhookEvent(payload []byte, sigHeader, secret string) (*Event, error) {
	return constructWebhookEvent(payload, sigHeader, secret, DefaultSignatureTolerance, time.Now())
}

func constructWebhookEvent(payload []byte, sigHeader, secret string, tolerance time.Duration, now time.Time) (*Event, error) {
	if secret == "" {
		return nil, ErrMissingSecret
	}

	ts, signatures, err := parseSignatureHeader(sigHeader)
	if err != nil {
		return nil, err
	}

	if tolerance > 0 {
		issued := time.Unix(ts, 0)
		if now.Sub(issued) > tolerance || issued.Sub(now) > tolerance {
			return nil, ErrSignatureExpired
		}
	}

	expected := Sign(payload, ts, secret)
	valid := false
	for _, sig := range signatures {
		if hmac.Equal([]byte(sig), []byte(expected)) {
			valid = true
			break
		}
	}
	if !valid {
		return nil, ErrInvalidSignature
	}

	var ev Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return nil, fmt.Errorf("webhook: decode payload: %w", err)
	}
	if ev.ID == "" {
		return nil, fmt.Errorf("webhook: event id missing")
	}
	return &ev, nil
}

// Sign computes the v1 signature for a payload at the given timestamp.
// Exposed so tests and the provider simulator can produce valid headers.
func Sign(payload []byte, ts int64, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(ts, 10)))
	mac.Write([]byte("."))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// SignatureHeader renders a complete header value for a payload.
func SignatureHeader(payload []byte, ts int64, secret string) string {
	return fmt.Sprintf("t=%d,v1=%s", ts, Sign(payload, ts, secret))
}

// parseSignatureHeader parses "t=<unix>,v1=<hex>[,v1=<hex>...]".
func parseSignatureHeader(header string) (int64, []string, error) {
	if strings.TrimSpace(header) == "" {
		return 0, nil, ErrInvalidSignature
	}
	var ts int64 = -1
	var sigs []string
	for _, part := range strings.Split(header, ",") {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch kv[0] {
		case "t":
			n, err := strconv.ParseInt(kv[1], 10, 64)
			if err != nil {
				return 0, nil, ErrInvalidSignature
			}
			ts = n
		case "v1":
			sigs = append(sigs, kv[1])
		}
	}
	if ts < 0 || len(sigs) == 0 {
		return 0, nil, ErrInvalidSignature
	}
	return ts, sigs, nil
}
