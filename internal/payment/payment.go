package payment

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"

	"counselbook/internal/config"
	"counselbook/internal/domain"

	"github.com/rs/zerolog"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/paymentintent"
)

const (
	ProviderStripe  = "stripe"
	ProviderSandbox = "sandbox"

	metadataBookingID = "booking_id"
)

// intentGetter is the subset of *paymentintent.Client used for verification.
type intentGetter interface {
	Get(id string, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
}

// StripeVerifier treats the payment reference as a PaymentIntent ID and checks that the intent
// succeeded for the expected amount, currency and booking.
type StripeVerifier struct {
	intents  intentGetter
	currency string
	logger   *zerolog.Logger
}

func NewStripeVerifier(apiKey, currency string, logger *zerolog.Logger) *StripeVerifier {
	client := &paymentintent.Client{B: stripe.GetBackend(stripe.APIBackend), Key: apiKey}
	return newStripeVerifier(client, currency, logger)
}

func newStripeVerifier(intents intentGetter, currency string, logger *zerolog.Logger) *StripeVerifier {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	l := logger.With().Str("component", "stripe_verifier").Logger()
	return &StripeVerifier{intents: intents, currency: strings.ToLower(currency), logger: &l}
}

func (v *StripeVerifier) Verify(ctx context.Context, req domain.PaymentRequest) error {
	if req.Reference == "" {
		return fmt.Errorf("%w: payment reference is required", domain.ErrPaymentFailed)
	}

	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	intent, err := v.intents.Get(req.Reference, params)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %w", domain.ErrPaymentFailed, ctx.Err())
		}
		return fmt.Errorf("%w: lookup %s: %w", domain.ErrPaymentFailed, req.Reference, err)
	}

	if intent.Status != stripe.PaymentIntentStatusSucceeded {
		return fmt.Errorf("%w: payment intent status %s", domain.ErrPaymentFailed, intent.Status)
	}
	if want := minorUnits(req.Amount); intent.Amount != want {
		return fmt.Errorf("%w: amount %d, expected %d", domain.ErrPaymentFailed, intent.Amount, want)
	}
	if v.currency != "" && !strings.EqualFold(string(intent.Currency), v.currency) {
		return fmt.Errorf("%w: currency %s, expected %s", domain.ErrPaymentFailed, intent.Currency, v.currency)
	}
	if id := intent.Metadata[metadataBookingID]; id != strconv.FormatInt(req.BookingID, 10) {
		return fmt.Errorf("%w: payment intent belongs to booking %q", domain.ErrPaymentFailed, id)
	}

	v.logger.Info().Int64("booking_id", req.BookingID).Str("intent", intent.ID).Msg("extension payment verified")
	return nil
}

func minorUnits(amount float64) int64 {
	return int64(math.Round(amount * 100))
}

// SandboxVerifier accepts any non-empty reference except those starting with "fail".
// It stands in for the gateway in development and tests.
type SandboxVerifier struct{}

func (SandboxVerifier) Verify(ctx context.Context, req domain.PaymentRequest) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrPaymentFailed, err)
	}
	if req.Reference == "" || strings.HasPrefix(req.Reference, "fail") {
		return fmt.Errorf("%w: payment %q declined", domain.ErrPaymentFailed, req.Reference)
	}
	return nil
}

// New builds the verifier selected by configuration.
func New(cfg config.PaymentConfig, logger *zerolog.Logger) (domain.PaymentVerifier, error) {
	switch cfg.Provider {
	case ProviderStripe:
		return NewStripeVerifier(cfg.StripeKey, cfg.Currency, logger), nil
	case ProviderSandbox, "":
		return SandboxVerifier{}, nil
	default:
		return nil, fmt.Errorf("unknown payment provider %q", cfg.Provider)
	}
}
