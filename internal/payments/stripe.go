// Package payments places and releases card holds for matched rides.
package payments

import (
	"context"
	"math"

	"github.com/sirupsen/logrus"
	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/paymentintent"

	"github.com/example/airport-pooling/internal/observability"
)

// Client wraps Stripe PaymentIntents with manual capture. A Client built
// without an API key is disabled and every call is a no-op.
type Client struct {
	intents  *paymentintent.Client
	currency string
	log      *logrus.Logger
}

func NewClient(apiKey, currency string, log *logrus.Logger) *Client {
	return NewClientWithBackend(apiKey, currency, stripe.GetBackend(stripe.APIBackend), log)
}

// NewClientWithBackend lets callers point the client at another API
// endpoint.
func NewClientWithBackend(apiKey, currency string, backend stripe.Backend, log *logrus.Logger) *Client {
	c := &Client{currency: currency, log: log}
	if apiKey != "" {
		c.intents = &paymentintent.Client{B: backend, Key: apiKey}
	}
	return c
}

func (c *Client) Enabled() bool { return c != nil && c.intents != nil }

// Hold authorises amount (in major currency units) for the ride and
// returns the PaymentIntent id. Disabled clients return an empty id.
func (c *Client) Hold(ctx context.Context, rideRequestID string, amount float64) (string, error) {
	if !c.Enabled() {
		return "", nil
	}
	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(MinorUnits(amount)),
		Currency:      stripe.String(c.currency),
		CaptureMethod: stripe.String(string(stripe.PaymentIntentCaptureMethodManual)),
	}
	params.Context = ctx
	params.AddMetadata("ride_request_id", rideRequestID)
	params.SetIdempotencyKey("hold-" + rideRequestID)

	pi, err := c.intents.New(params)
	if err != nil {
		observability.PaymentHolds.WithLabelValues("hold", "error").Inc()
		return "", err
	}
	observability.PaymentHolds.WithLabelValues("hold", "ok").Inc()
	c.log.WithFields(logrus.Fields{"ride_request_id": rideRequestID, "payment_intent": pi.ID}).Debug("payment held")
	return pi.ID, nil
}

// Cancel releases a hold. An empty ref is ignored.
func (c *Client) Cancel(ctx context.Context, ref string) error {
	if !c.Enabled() || ref == "" {
		return nil
	}
	params := &stripe.PaymentIntentCancelParams{}
	params.Context = ctx
	if _, err := c.intents.Cancel(ref, params); err != nil {
		observability.PaymentHolds.WithLabelValues("cancel", "error").Inc()
		return err
	}
	observability.PaymentHolds.WithLabelValues("cancel", "ok").Inc()
	return nil
}

// MinorUnits converts a major-unit amount (rupees, dollars) to the
// smallest currency unit Stripe expects.
func MinorUnits(amount float64) int64 {
	return int64(math.Round(amount * 100))
}
