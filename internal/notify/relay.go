package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/velvetrooms/escrowd/internal/retry"
)

// Relay headers. The signature is hex HMAC-SHA256 over "timestamp.body".
const (
	HeaderSignature = "X-Escrowd-Signature"
	HeaderTimestamp = "X-Escrowd-Timestamp"
)

// Message is one chat message for the bot gateway to deliver.
type Message struct {
	UserID int64     `json:"user_id"`
	Text   string    `json:"text"`
	SentAt time.Time `json:"sent_at"`
}

// Relay posts messages to the bot gateway, which owns chat delivery.
type Relay struct {
	url    string
	secret []byte
	client *http.Client
	policy retry.Policy
	now    func() time.Time
}

// NewRelay creates a relay to url signed with secret.
func NewRelay(url, secret string) *Relay {
	return &Relay{
		url:    url,
		secret: []byte(secret),
		client: &http.Client{Timeout: 10 * time.Second},
		policy: retry.DefaultPolicy,
		now:    time.Now,
	}
}

// Send delivers msg, retrying network failures and 5xx responses.
func (r *Relay) Send(ctx context.Context, msg Message) error {
	if msg.SentAt.IsZero() {
		msg.SentAt = r.now().UTC()
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	return r.policy.Do(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(body))
		if err != nil {
			return retry.Permanent(fmt.Errorf("build relay request: %w", err))
		}
		ts := strconv.FormatInt(r.now().Unix(), 10)
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(HeaderTimestamp, ts)
		req.Header.Set(HeaderSignature, Sign(r.secret, ts, body))

		resp, err := r.client.Do(req)
		if err != nil {
			return fmt.Errorf("relay request: %w", err)
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return nil
		case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
			return fmt.Errorf("relay status %d", resp.StatusCode)
		default:
			return retry.Permanent(fmt.Errorf("relay status %d", resp.StatusCode))
		}
	})
}

// Sign computes the relay signature for a timestamp and body.
func Sign(secret []byte, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
