package webhooks

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	HeaderSignature = "X-Webhook-Signature"
	HeaderTimestamp = "X-Webhook-Timestamp"
	HeaderEvent     = "X-Webhook-Event"
	HeaderID        = "X-Webhook-Id"
)

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(secret string, body []byte) (string, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return "", fmt.Errorf("webhooks: signing secret is required")
	}
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// Verifier checks signed deliveries on the receiving side. Tolerance bounds
// the age of X-Webhook-Timestamp when set.
type Verifier struct {
	Secret    string
	Tolerance time.Duration
	Now       func() time.Time
}

func (v Verifier) Verify(headers http.Header, body []byte) error {
	signature := strings.TrimSpace(headers.Get(HeaderSignature))
	if signature == "" {
		return fmt.Errorf("webhooks: %s header is required", HeaderSignature)
	}
	decoded, err := hex.DecodeString(signature)
	if err != nil {
		return fmt.Errorf("webhooks: decode hex signature: %w", err)
	}
	expected, err := Sign(v.Secret, body)
	if err != nil {
		return err
	}
	expectedBytes, _ := hex.DecodeString(expected)
	if subtle.ConstantTimeCompare(decoded, expectedBytes) != 1 {
		return fmt.Errorf("webhooks: signature verification failed")
	}
	if v.Tolerance <= 0 {
		return nil
	}
	raw := strings.TrimSpace(headers.Get(HeaderTimestamp))
	seconds, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return fmt.Errorf("webhooks: invalid %s header %q", HeaderTimestamp, raw)
	}
	now := time.Now()
	if v.Now != nil {
		now = v.Now()
	}
	age := now.Sub(time.Unix(seconds, 0))
	if age < 0 {
		age = -age
	}
	if age > v.Tolerance {
		return fmt.Errorf("webhooks: timestamp outside tolerance of %s", v.Tolerance)
	}
	return nil
}
