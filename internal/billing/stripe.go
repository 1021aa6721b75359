// Package billing turns Stripe payments into credit top-ups. A verified
// checkout.session.completed event whose metadata names an API key credits
// that key; the admin surface can mint checkout links for a key.
package billing

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	stripe "github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/checkout/session"
	stripewebhook "github.com/stripe/stripe-go/v76/webhook"

	"github.com/paygate/paygate/config"
	"github.com/paygate/paygate/internal/keystore"
	"github.com/paygate/paygate/internal/logger"
	"github.com/paygate/paygate/internal/meter"
	"github.com/paygate/paygate/internal/webhook"
	"github.com/paygate/paygate/pkg/utils"
)

// Metadata keys stamped on checkout sessions.
const (
	MetaAPIKey  = "paygate_api_key"
	MetaCredits = "paygate_credits"
)

// Service processes Stripe webhooks and creates checkout sessions.
type Service struct {
	cfg   config.StripeConfig
	store *keystore.Store
	meter *meter.Meter
	hooks *webhook.Dispatcher
}

// NewService configures the Stripe client key globally, as the stripe-go
// bindings expect.
func NewService(cfg config.StripeConfig, store *keystore.Store, m *meter.Meter, hooks *webhook.Dispatcher) *Service {
	if cfg.SecretKey != "" {
		stripe.Key = cfg.SecretKey
	}
	return &Service{cfg: cfg, store: store, meter: m, hooks: hooks}
}

// Enabled reports whether webhook processing is configured.
func (s *Service) Enabled() bool {
	return s.cfg.WebhookSecret != ""
}

// HandleWebhook verifies the signature (±5 min tolerance) and applies the
// event. Unknown event types are acknowledged and ignored.
func (s *Service) HandleWebhook(payload []byte, sigHeader string) error {
	event, err := stripewebhook.ConstructEvent(payload, sigHeader, s.cfg.WebhookSecret)
	if err != nil {
		return fmt.Errorf("verify stripe signature: %w", err)
	}

	switch event.Type {
	case "checkout.session.completed":
		var sess stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
			return fmt.Errorf("decode checkout session: %w", err)
		}
		return s.applyCheckout(&sess)
	default:
		logger.Debug("stripe event ignored", "type", event.Type)
		return nil
	}
}

func (s *Service) applyCheckout(sess *stripe.CheckoutSession) error {
	apiKey := sess.Metadata[MetaAPIKey]
	if apiKey == "" {
		logger.Warn("checkout session without api key metadata", "session", sess.ID)
		return nil
	}
	credits, _ := strconv.ParseInt(sess.Metadata[MetaCredits], 10, 64)
	if credits <= 0 && s.cfg.CreditsPerUSD > 0 {
		credits = sess.AmountTotal / 100 * s.cfg.CreditsPerUSD
	}
	if credits <= 0 {
		logger.Warn("checkout session yields no credits", "session", sess.ID)
		return nil
	}

	if !s.store.AddCredits(apiKey, credits) {
		return fmt.Errorf("top-up target key is unknown or revoked")
	}
	logger.Info("stripe top-up applied", "key", utils.MaskKey(apiKey), "credits", credits)
	s.meter.RecordAudit(meter.AuditEvent{
		Time:   time.Now().UTC(),
		Action: "stripe.topup",
		Key:    apiKey,
		Detail: fmt.Sprintf("checkout %s added %d credits", sess.ID, credits),
	})
	s.hooks.Emit("credits.added", map[string]any{
		"key":     utils.MaskKey(apiKey),
		"credits": credits,
		"source":  "stripe",
		"session": sess.ID,
	})
	return nil
}

// CreateCheckout mints a payment link that tops up apiKey with credits for
// amountCents USD.
func (s *Service) CreateCheckout(apiKey string, credits, amountCents int64) (string, error) {
	if s.cfg.SecretKey == "" {
		return "", fmt.Errorf("stripe is not configured")
	}
	if credits <= 0 || amountCents <= 0 {
		return "", fmt.Errorf("credits and amount must be positive")
	}
	if s.store.GetKey(apiKey) == nil {
		return "", fmt.Errorf("unknown api key")
	}

	params := &stripe.CheckoutSessionParams{
		Mode:       stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL: stripe.String(s.cfg.CheckoutSuccessURL),
		CancelURL:  stripe.String(s.cfg.CheckoutCancelURL),
		LineItems: []*stripe.CheckoutSessionLineItemParams{{
			Quantity: stripe.Int64(1),
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency:   stripe.String("usd"),
				UnitAmount: stripe.Int64(amountCents),
				ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
					Name: stripe.String(fmt.Sprintf("%d PayGate credits", credits)),
				},
			},
		}},
		Metadata: map[string]string{
			MetaAPIKey:  apiKey,
			MetaCredits: strconv.FormatInt(credits, 10),
		},
	}
	sess, err := session.New(params)
	if err != nil {
		return "", fmt.Errorf("create checkout session: %w", err)
	}
	return sess.URL, nil
}
