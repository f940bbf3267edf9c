package provider

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stripe/stripe-go/v76/webhook"

	"github.com/chainfund/settlement/internal/models"
)

func TestStripeVerifyPayment(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/v1/payment_intents/pi_ok":
			_, _ = w.Write([]byte(`{"id":"pi_ok","object":"payment_intent","status":"succeeded"}`))
		case "/v1/payment_intents/pi_wait":
			_, _ = w.Write([]byte(`{"id":"pi_wait","object":"payment_intent","status":"processing"}`))
		case "/v1/payment_intents/pi_declined":
			_, _ = w.Write([]byte(`{"id":"pi_declined","object":"payment_intent","status":"requires_payment_method","last_payment_error":{"message":"Your card was declined."}}`))
		case "/v1/payment_intents/pi_fresh":
			_, _ = w.Write([]byte(`{"id":"pi_fresh","object":"payment_intent","status":"requires_payment_method"}`))
		case "/v1/payment_intents/pi_canceled":
			_, _ = w.Write([]byte(`{"id":"pi_canceled","object":"payment_intent","status":"canceled"}`))
		case "/v1/payment_intents/pi_auth":
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":{"type":"invalid_request_error","message":"Invalid API Key provided"}}`))
		default:
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":{"type":"invalid_request_error","code":"resource_missing","message":"No such payment_intent"}}`))
		}
	}))
	t.Cleanup(srv.Close)

	s := NewStripe(StripeConfig{SecretKey: "sk_test_123", Timeout: 2 * time.Second, BaseURL: srv.URL})
	ctx := context.Background()

	cases := map[string]models.VerificationOutcome{
		"pi_ok":       models.OutcomeVerified,
		"pi_wait":     models.OutcomeInFlight,
		"pi_declined": models.OutcomeNotVerified,
		"pi_fresh":    models.OutcomeInFlight,
		"pi_canceled": models.OutcomeNotVerified,
		"pi_missing":  models.OutcomeNotVerified,
	}
	for ref, want := range cases {
		v, err := s.VerifyPayment(ctx, ref)
		if err != nil {
			t.Fatalf("%s: %v", ref, err)
		}
		if v.Outcome != want {
			t.Errorf("%s: expected %s, got %s", ref, want, v.Outcome)
		}
	}

	if _, err := s.VerifyPayment(ctx, "pi_auth"); !IsAuth(err) {
		t.Fatalf("expected auth error, got %v", err)
	}
}

func TestStripeParseWebhook(t *testing.T) {
	t.Parallel()
	const secret = "whsec_test"
	s := NewStripe(StripeConfig{SecretKey: "sk_test_123", WebhookSecret: secret, Timeout: time.Second})

	payload := []byte(`{"id":"evt_1","object":"event","api_version":"2023-10-16","type":"payment_intent.succeeded","data":{"object":{"id":"pi_42","object":"payment_intent"}}}`)
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{Payload: payload, Secret: secret})

	header := http.Header{}
	header.Set("Stripe-Signature", signed.Header)
	ev, err := s.ParseWebhook(payload, header)
	if err != nil {
		t.Fatalf("ParseWebhook: %v", err)
	}
	if ev.Kind != EventPayment || ev.Reference != "pi_42" {
		t.Fatalf("unexpected event %+v", ev)
	}

	header.Set("Stripe-Signature", "t=1,v1=deadbeef")
	if _, err := s.ParseWebhook(payload, header); err == nil {
		t.Fatalf("expected signature failure")
	}
}

func TestStripeParseWebhookRoutesOnlySettlingEvents(t *testing.T) {
	t.Parallel()
	const secret = "whsec_test"
	s := NewStripe(StripeConfig{SecretKey: "sk_test_123", WebhookSecret: secret, Timeout: time.Second})

	cases := []struct {
		eventType string
		want      EventKind
	}{
		{"payment_intent.created", EventIgnored},
		{"payment_intent.processing", EventIgnored},
		{"payment_intent.requires_action", EventIgnored},
		{"payment_intent.succeeded", EventPayment},
		{"payment_intent.payment_failed", EventPayment},
		{"payment_intent.canceled", EventPayment},
	}
	for _, tc := range cases {
		payload := []byte(`{"id":"evt_2","object":"event","api_version":"2023-10-16","type":"` + tc.eventType +
			`","data":{"object":{"id":"pi_new","object":"payment_intent","status":"requires_payment_method"}}}`)
		signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{Payload: payload, Secret: secret})
		header := http.Header{}
		header.Set("Stripe-Signature", signed.Header)

		ev, err := s.ParseWebhook(payload, header)
		if err != nil {
			t.Fatalf("%s: ParseWebhook: %v", tc.eventType, err)
		}
		if ev.Kind != tc.want {
			t.Errorf("%s: expected kind %v, got %v", tc.eventType, tc.want, ev.Kind)
		}
	}
}
