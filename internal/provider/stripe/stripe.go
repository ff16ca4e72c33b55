// Package stripe implements the provider gateway against the Stripe HTTP
// API using form-encoded requests.
package stripe

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"github.com/loopbill/loopbill/internal/config"
	"github.com/loopbill/loopbill/internal/provider/domain"
)

const defaultBaseURL = "https://api.stripe.com"

// signatureTolerance bounds the age of a signed webhook delivery. Matches
// Stripe's own default; anything older is treated as a replay.
const signatureTolerance = 5 * time.Minute

type Gateway struct {
	apiKey        string
	webhookSecret string
	baseURL       string
	client        *http.Client
	breaker       *gobreaker.CircuitBreaker[httpResult]
	log           *zap.Logger
	now           func() time.Time
}

type httpResult struct {
	status int
	body   []byte
}

func NewGateway(cfg config.StripeConfig, log *zap.Logger) *Gateway {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = defaultBaseURL
	}
	timeout := time.Duration(cfg.TimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	logger := log.Named("provider.stripe")
	settings := gobreaker.Settings{
		Name:    "stripe",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	}

	return &Gateway{
		apiKey:        cfg.APIKey,
		webhookSecret: cfg.WebhookSecret,
		baseURL:       base,
		client:        &http.Client{Timeout: timeout},
		breaker:       gobreaker.NewCircuitBreaker[httpResult](settings),
		log:           logger,
		now:           time.Now,
	}
}

type apiError struct {
	Error struct {
		Type    string `json:"type"`
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// do posts form values and decodes the response into out. Transport
// failures and 5xx responses feed the circuit breaker; 4xx responses do
// not, those are mapped after the breaker call.
func (g *Gateway) do(ctx context.Context, method, path string, form url.Values, out any) error {
	result, err := g.breaker.Execute(func() (httpResult, error) {
		var reader io.Reader
		if form != nil {
			reader = strings.NewReader(form.Encode())
		}
		req, err := http.NewRequestWithContext(ctx, method, g.baseURL+path, reader)
		if err != nil {
			return httpResult{}, err
		}
		req.Header.Set("Authorization", "Bearer "+g.apiKey)
		if form != nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}

		resp, err := g.client.Do(req)
		if err != nil {
			return httpResult{}, domain.ErrProviderUnavailable
		}
		defer resp.Body.Close()

		raw, err := io.ReadAll(resp.Body)
		if err != nil {
			return httpResult{}, domain.ErrProviderUnavailable
		}
		if resp.StatusCode >= 500 {
			g.log.Warn("stripe server error",
				zap.String("path", path),
				zap.Int("status", resp.StatusCode),
			)
			return httpResult{}, domain.ErrProviderUnavailable
		}
		return httpResult{status: resp.StatusCode, body: raw}, nil
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return domain.ErrProviderUnavailable
		}
		return err
	}

	if result.status >= 400 {
		var apiErr apiError
		_ = json.Unmarshal(result.body, &apiErr)
		if result.status == http.StatusNotFound {
			return domain.ErrObjectNotFound
		}
		g.log.Warn("stripe request rejected",
			zap.String("path", path),
			zap.Int("status", result.status),
			zap.String("code", apiErr.Error.Code),
			zap.String("message", apiErr.Error.Message),
		)
		return fmt.Errorf("%w: %s", domain.ErrRequestRejected, apiErr.Error.Message)
	}
	if out != nil {
		if err := json.Unmarshal(result.body, out); err != nil {
			return domain.ErrInvalidPayload
		}
	}
	return nil
}

type stripeCustomer struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

func (g *Gateway) CreateCustomer(ctx context.Context, req domain.CreateCustomerRequest) (domain.Customer, error) {
	form := url.Values{}
	form.Set("email", req.Email)
	form.Set("metadata[user_id]", req.UserID)
	for k, v := range req.Metadata {
		form.Set("metadata["+k+"]", v)
	}

	var c stripeCustomer
	if err := g.do(ctx, http.MethodPost, "/v1/customers", form, &c); err != nil {
		return domain.Customer{}, err
	}
	return domain.Customer{ID: c.ID, Email: c.Email}, nil
}

type stripeIntent struct {
	ID           string `json:"id"`
	Status       string `json:"status"`
	Amount       int64  `json:"amount"`
	Currency     string `json:"currency"`
	ClientSecret string `json:"client_secret"`
	LastError    struct {
		Code string `json:"code"`
	} `json:"last_payment_error"`
}

func (i stripeIntent) toDomain() domain.PaymentIntent {
	return domain.PaymentIntent{
		ID:           i.ID,
		Status:       domain.PaymentIntentStatus(i.Status),
		Amount:       i.Amount,
		Currency:     strings.ToUpper(i.Currency),
		ClientSecret: i.ClientSecret,
		FailureCode:  i.LastError.Code,
	}
}

func (g *Gateway) CreatePaymentIntent(ctx context.Context, req domain.CreatePaymentIntentRequest) (domain.PaymentIntent, error) {
	form := url.Values{}
	form.Set("customer", req.CustomerID)
	form.Set("amount", strconv.FormatInt(req.Amount, 10))
	form.Set("currency", strings.ToLower(req.Currency))
	for k, v := range req.Metadata {
		form.Set("metadata["+k+"]", v)
	}

	var intent stripeIntent
	if err := g.do(ctx, http.MethodPost, "/v1/payment_intents", form, &intent); err != nil {
		return domain.PaymentIntent{}, err
	}
	return intent.toDomain(), nil
}

func (g *Gateway) ConfirmPaymentIntent(ctx context.Context, intentID string) (domain.PaymentIntent, error) {
	var intent stripeIntent
	path := "/v1/payment_intents/" + url.PathEscape(intentID) + "/confirm"
	if err := g.do(ctx, http.MethodPost, path, url.Values{}, &intent); err != nil {
		return domain.PaymentIntent{}, err
	}
	return intent.toDomain(), nil
}

type stripeSubscription struct {
	ID                 string `json:"id"`
	Status             string `json:"status"`
	CurrentPeriodStart int64  `json:"current_period_start"`
	CurrentPeriodEnd   int64  `json:"current_period_end"`
	CancelAtPeriodEnd  bool   `json:"cancel_at_period_end"`
}

func (s stripeSubscription) toDomain() domain.Subscription {
	return domain.Subscription{
		ID:                 s.ID,
		Status:             s.Status,
		CurrentPeriodStart: time.Unix(s.CurrentPeriodStart, 0).UTC(),
		CurrentPeriodEnd:   time.Unix(s.CurrentPeriodEnd, 0).UTC(),
		CancelAtPeriodEnd:  s.CancelAtPeriodEnd,
	}
}

func (g *Gateway) CreateSubscription(ctx context.Context, req domain.CreateSubscriptionRequest) (domain.Subscription, error) {
	form := url.Values{}
	form.Set("customer", req.CustomerID)
	form.Set("items[0][price]", req.PriceCode)
	if req.TrialEnd != nil {
		form.Set("trial_end", strconv.FormatInt(req.TrialEnd.Unix(), 10))
	}
	for k, v := range req.Metadata {
		form.Set("metadata["+k+"]", v)
	}

	var sub stripeSubscription
	if err := g.do(ctx, http.MethodPost, "/v1/subscriptions", form, &sub); err != nil {
		return domain.Subscription{}, err
	}
	return sub.toDomain(), nil
}

func (g *Gateway) UpdateSubscription(ctx context.Context, req domain.UpdateSubscriptionRequest) (domain.Subscription, error) {
	form := url.Values{}
	if req.PriceCode != "" {
		form.Set("items[0][price]", req.PriceCode)
	}
	if req.CancelAtPeriodEnd != nil {
		form.Set("cancel_at_period_end", strconv.FormatBool(*req.CancelAtPeriodEnd))
	}

	var sub stripeSubscription
	path := "/v1/subscriptions/" + url.PathEscape(req.SubscriptionID)
	if err := g.do(ctx, http.MethodPost, path, form, &sub); err != nil {
		return domain.Subscription{}, err
	}
	return sub.toDomain(), nil
}

func (g *Gateway) CancelSubscription(ctx context.Context, subscriptionID string, atPeriodEnd bool) (domain.Subscription, error) {
	if atPeriodEnd {
		cancel := true
		return g.UpdateSubscription(ctx, domain.UpdateSubscriptionRequest{
			SubscriptionID:    subscriptionID,
			CancelAtPeriodEnd: &cancel,
		})
	}

	var sub stripeSubscription
	path := "/v1/subscriptions/" + url.PathEscape(subscriptionID)
	if err := g.do(ctx, http.MethodDelete, path, nil, &sub); err != nil {
		return domain.Subscription{}, err
	}
	return sub.toDomain(), nil
}

type stripeEvent struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Livemode bool   `json:"livemode"`
	Created  int64  `json:"created"`
	Data     struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

func (g *Gateway) ConstructWebhookEvent(payload []byte, signature string) (domain.Event, error) {
	timestamp, signatures, err := parseSignatureHeader(signature)
	if err != nil {
		return domain.Event{}, domain.ErrInvalidSignature
	}

	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return domain.Event{}, domain.ErrInvalidSignature
	}
	if age := g.now().Sub(time.Unix(ts, 0)); age > signatureTolerance || age < -signatureTolerance {
		return domain.Event{}, domain.ErrInvalidSignature
	}

	signedPayload := fmt.Sprintf("%s.%s", timestamp, string(payload))
	mac := hmac.New(sha256.New, []byte(g.webhookSecret))
	_, _ = mac.Write([]byte(signedPayload))
	expected := hex.EncodeToString(mac.Sum(nil))

	verified := false
	for _, sig := range signatures {
		if hmac.Equal([]byte(sig), []byte(expected)) {
			verified = true
			break
		}
	}
	if !verified {
		return domain.Event{}, domain.ErrInvalidSignature
	}

	var event stripeEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return domain.Event{}, domain.ErrInvalidPayload
	}
	if strings.TrimSpace(event.ID) == "" || strings.TrimSpace(event.Type) == "" {
		return domain.Event{}, domain.ErrInvalidPayload
	}

	occurredAt := time.Unix(event.Created, 0).UTC()
	if event.Created == 0 {
		occurredAt = g.now().UTC()
	}
	return domain.Event{
		ID:         event.ID,
		Type:       event.Type,
		Livemode:   event.Livemode,
		OccurredAt: occurredAt,
		Object:     event.Data.Object,
		Raw:        payload,
	}, nil
}

func parseSignatureHeader(header string) (string, []string, error) {
	var timestamp string
	signatures := []string{}
	for _, part := range strings.Split(header, ",") {
		piece := strings.TrimSpace(part)
		if piece == "" {
			continue
		}
		keyValue := strings.SplitN(piece, "=", 2)
		if len(keyValue) != 2 {
			continue
		}
		key := strings.TrimSpace(keyValue[0])
		value := strings.TrimSpace(keyValue[1])
		if key == "t" {
			timestamp = value
		}
		if key == "v1" {
			signatures = append(signatures, value)
		}
	}
	if timestamp == "" || len(signatures) == 0 {
		return "", nil, domain.ErrInvalidSignature
	}
	return timestamp, signatures, nil
}
