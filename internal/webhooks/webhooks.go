// Package webhooks receives payment-provider notifications.
//
// Each provider authenticates its deliveries differently:
//   - Paystack signs the raw body with HMAC-SHA512 (X-Paystack-Signature)
//   - Flutterwave echoes a shared hash in the verif-hash header
//   - Stripe signs "timestamp.body" with HMAC-SHA256 (Stripe-Signature)
//
// A verified delivery is normalized to (transaction ref, provider, payload)
// and handed to the settlement processor. Providers retry on non-2xx, and
// settlement is idempotent, so persistence failures surface as 500.
package webhooks

import (
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/webhook"
	"github.com/velvetrooms/escrowd/internal/escrow"
)

var (
	ErrInvalidSignature = errors.New("invalid webhook signature")
	ErrMissingReference = errors.New("missing transaction reference")
	ErrNotConfigured    = errors.New("provider not configured")
	ErrMalformedPayload = errors.New("malformed webhook payload")
)

// Provider names, recorded on the settled transaction.
const (
	ProviderPaystack    = "paystack"
	ProviderFlutterwave = "flutterwave"
	ProviderStripe      = "stripe"
)

// Header names carrying provider signatures.
const (
	HeaderPaystackSignature = "X-Paystack-Signature"
	HeaderFlutterwaveHash   = "verif-hash"
	HeaderStripeSignature   = "Stripe-Signature"
)

// Settler converts a verified payment into a hold.
type Settler interface {
	Process(ctx context.Context, ref, provider string, payload map[string]any) (*escrow.Escrow, error)
}

// Secrets holds per-provider credentials. An empty secret disables that
// provider's endpoint.
type Secrets struct {
	Paystack    string
	Flutterwave string
	Stripe      string
}

// Delivery is a verified, normalized provider notification.
type Delivery struct {
	Provider  string
	Reference string
	Payload   map[string]any
	// Ignored is set for authentic deliveries that report a non-successful
	// charge or an event type that never settles.
	Ignored bool
}

// Verifier authenticates and normalizes one provider's deliveries.
type Verifier interface {
	Provider() string
	Verify(header http.Header, body []byte) (*Delivery, error)
}

// NewVerifier returns the verifier for provider, or ErrNotConfigured when
// its secret is empty.
func NewVerifier(provider string, secrets Secrets) (Verifier, error) {
	switch provider {
	case ProviderPaystack:
		if secrets.Paystack == "" {
			return nil, ErrNotConfigured
		}
		return paystackVerifier{secret: []byte(secrets.Paystack)}, nil
	case ProviderFlutterwave:
		if secrets.Flutterwave == "" {
			return nil, ErrNotConfigured
		}
		return flutterwaveVerifier{hash: []byte(secrets.Flutterwave)}, nil
	case ProviderStripe:
		if secrets.Stripe == "" {
			return nil, ErrNotConfigured
		}
		return stripeVerifier{secret: secrets.Stripe}, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrNotConfigured, provider)
}

type paystackVerifier struct {
	secret []byte
}

func (paystackVerifier) Provider() string { return ProviderPaystack }

func (v paystackVerifier) Verify(header http.Header, body []byte) (*Delivery, error) {
	got, err := hex.DecodeString(strings.TrimSpace(header.Get(HeaderPaystackSignature)))
	if err != nil || len(got) == 0 {
		return nil, ErrInvalidSignature
	}
	if !hmac.Equal(got, SignPaystack(v.secret, body)) {
		return nil, ErrInvalidSignature
	}
	return decodeDelivery(ProviderPaystack, body)
}

// SignPaystack computes the raw HMAC-SHA512 digest Paystack sends hex-encoded.
func SignPaystack(secret, body []byte) []byte {
	mac := hmac.New(sha512.New, secret)
	mac.Write(body)
	return mac.Sum(nil)
}

type flutterwaveVerifier struct {
	hash []byte
}

func (flutterwaveVerifier) Provider() string { return ProviderFlutterwave }

func (v flutterwaveVerifier) Verify(header http.Header, body []byte) (*Delivery, error) {
	got := []byte(header.Get(HeaderFlutterwaveHash))
	if len(got) == 0 || subtle.ConstantTimeCompare(got, v.hash) != 1 {
		return nil, ErrInvalidSignature
	}
	return decodeDelivery(ProviderFlutterwave, body)
}

// decodeDelivery normalizes the Paystack/Flutterwave envelope, which both
// carry the charge under "data".
func decodeDelivery(provider string, body []byte) (*Delivery, error) {
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil || payload == nil {
		return nil, ErrMalformedPayload
	}
	d := &Delivery{Provider: provider, Payload: payload, Reference: ExtractReference(payload)}
	if data, ok := payload["data"].(map[string]any); ok {
		if status, ok := data["status"].(string); ok && !successful(status) {
			d.Ignored = true
		}
	}
	return d, nil
}

func successful(status string) bool {
	switch strings.ToLower(status) {
	case "success", "successful", "succeeded", "completed", "paid":
		return true
	}
	return false
}

// Stripe event types that represent collected funds.
var stripeSettling = map[stripe.EventType]bool{
	"checkout.session.completed":               true,
	"checkout.session.async_payment_succeeded": true,
	"payment_intent.succeeded":                 true,
}

type stripeVerifier struct {
	secret string
}

func (stripeVerifier) Provider() string { return ProviderStripe }

func (v stripeVerifier) Verify(header http.Header, body []byte) (*Delivery, error) {
	event, err := webhook.ConstructEventWithOptions(body, header.Get(HeaderStripeSignature), v.secret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		if errors.Is(err, webhook.ErrNotSigned) || errors.Is(err, webhook.ErrNoValidSignature) ||
			errors.Is(err, webhook.ErrInvalidHeader) || errors.Is(err, webhook.ErrTooOld) {
			return nil, ErrInvalidSignature
		}
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if event.Data == nil || event.Data.Object == nil {
		return nil, ErrMalformedPayload
	}

	obj := event.Data.Object
	data := make(map[string]any, len(obj)+1)
	for k, v := range obj {
		data[k] = v
	}
	// Checkout carries our ref as client_reference_id; payment intents
	// carry it in metadata.
	if ref := stripeReference(obj); ref != "" {
		data["reference"] = ref
	}
	payload := map[string]any{
		"event": string(event.Type),
		"id":    event.ID,
		"data":  data,
	}

	d := &Delivery{Provider: ProviderStripe, Payload: payload, Reference: ExtractReference(payload)}
	if !stripeSettling[event.Type] {
		d.Ignored = true
	}
	if ps, ok := obj["payment_status"].(string); ok && ps != "paid" {
		d.Ignored = true
	}
	return d, nil
}

func stripeReference(obj map[string]any) string {
	if ref, ok := obj["client_reference_id"].(string); ok && ref != "" {
		return ref
	}
	if md, ok := obj["metadata"].(map[string]any); ok {
		for _, key := range []string{"transaction_ref", "reference"} {
			if ref, ok := md[key].(string); ok && ref != "" {
				return ref
			}
		}
	}
	return ""
}

// ExtractReference finds the transaction reference, preferring the nested
// data object: data.reference, data.tx_ref, reference, tx_ref.
func ExtractReference(payload map[string]any) string {
	if data, ok := payload["data"].(map[string]any); ok {
		if ref := stringField(data, "reference", "tx_ref"); ref != "" {
			return ref
		}
	}
	return stringField(payload, "reference", "tx_ref")
}

func stringField(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := m[k].(string); ok && strings.TrimSpace(s) != "" {
			return strings.TrimSpace(s)
		}
	}
	return ""
}
