// Package syncclient talks to the booking API on behalf of one viewer and keeps
// its local snapshot of a booking in step with the server.
package syncclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"ridebook/internal/domain"
	"ridebook/internal/models"

	"github.com/redis/go-redis/v9"
)

// Options configures a Client.
type Options struct {
	BaseURL  string
	APIKey   string
	APIExtra string
	ActorID  string
	Role     models.Role
	Timeout  time.Duration
}

// Client is a thin HTTP client for the booking API.
type Client struct {
	baseURL    string
	apiKey     string
	apiExtra   string
	actorID    string
	role       models.Role
	httpClient *http.Client

	redis    *redis.Client
	cacheTTL time.Duration
}

// APIError is a non-2xx answer from the API.
type APIError struct {
	Status    int
	Code      string
	Message   string
	Field     string
	Current   models.Status
	Requested models.Status
	Role      models.Role
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("http %d", e.Status)
	}
	return fmt.Sprintf("http %d: %s", e.Status, e.Message)
}

// Unwrap maps the wire code back to the domain error so callers can use errors.Is.
func (e *APIError) Unwrap() error {
	switch e.Code {
	case "invalid_transition":
		return &domain.TransitionError{Current: e.Current, Requested: e.Requested, Role: e.Role}
	case "validation":
		return &domain.ValidationError{Field: e.Field, Msg: e.Message}
	case "otp_mismatch":
		return domain.ErrOtpMismatch
	case "otp_expired":
		return domain.ErrOtpExpired
	case "otp_required":
		return domain.ErrOtpRequired
	case "payment_verification_failed":
		return domain.ErrPaymentVerificationFailed
	case "not_found":
		return domain.ErrNotFound
	case "forbidden":
		return domain.ErrForbidden
	case "review_exists":
		return domain.ErrReviewExists
	case "review_not_eligible":
		return domain.ErrReviewNotEligible
	case "concurrent_modification":
		return domain.ErrConcurrentModification
	case "driver_required":
		return domain.ErrDriverRequired
	case "too_many_attempts":
		return domain.ErrTooManyAttempts
	}
	return nil
}

// GatewayOrder is the processor order handed to the hosted checkout.
type GatewayOrder struct {
	OrderID  string `json:"orderId"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

func NewClient(opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = models.DefaultRequestTimeout
	}
	return &Client{
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		apiKey:     opts.APIKey,
		apiExtra:   opts.APIExtra,
		actorID:    opts.ActorID,
		role:       opts.Role,
		httpClient: &http.Client{Timeout: opts.Timeout},
	}
}

// UseRedisCache enables caching of driver review listings.
func (c *Client) UseRedisCache(redisClient *redis.Client, ttl time.Duration) {
	c.redis = redisClient
	c.cacheTTL = ttl
}

func (c *Client) GetBooking(ctx context.Context, id string) (*models.Booking, error) {
	var booking models.Booking
	if err := c.doJSON(ctx, http.MethodGet, c.bookingPath(id, ""), nil, &booking); err != nil {
		return nil, err
	}
	return &booking, nil
}

// Transition asks the server to move the booking to status. otp may be empty.
func (c *Client) Transition(ctx context.Context, id string, status models.Status, otp string) (*models.Booking, error) {
	body := map[string]string{"newStatus": string(status)}
	if otp != "" {
		body["otp"] = otp
	}
	var booking models.Booking
	if err := c.doJSON(ctx, http.MethodPut, c.bookingPath(id, "/status"), body, &booking); err != nil {
		return nil, err
	}
	return &booking, nil
}

// VerifyPickupOTP confirms the pickup code; the returned booking is already picked.
func (c *Client) VerifyPickupOTP(ctx context.Context, id, code string) (*models.Booking, error) {
	var booking models.Booking
	err := c.doJSON(ctx, http.MethodPost, c.bookingPath(id, "/verify-pickup-otp"), map[string]string{"otp": code}, &booking)
	if err != nil {
		return nil, err
	}
	return &booking, nil
}

func (c *Client) RegenerateOTP(ctx context.Context, id string) (*models.Booking, error) {
	var booking models.Booking
	if err := c.doJSON(ctx, http.MethodPost, c.bookingPath(id, "/pickup-otp"), nil, &booking); err != nil {
		return nil, err
	}
	return &booking, nil
}

func (c *Client) UpdatePayment(ctx context.Context, id, method string, status models.PaymentStatus) (*models.Booking, error) {
	body := map[string]string{"paymentMethod": method, "status": string(status)}
	var booking models.Booking
	if err := c.doJSON(ctx, http.MethodPut, c.bookingPath(id, "/payment"), body, &booking); err != nil {
		return nil, err
	}
	return &booking, nil
}

func (c *Client) CreateOrder(ctx context.Context, bookingID string, amount int64) (*GatewayOrder, error) {
	body := map[string]any{"bookingId": bookingID, "amount": amount}
	var order GatewayOrder
	if err := c.doJSON(ctx, http.MethodPost, c.baseURL+"/bookings/create-razorpay-order", body, &order); err != nil {
		return nil, err
	}
	return &order, nil
}

func (c *Client) VerifyPayment(ctx context.Context, req *domain.VerifyPaymentRequest) (*models.Booking, error) {
	var resp struct {
		Success bool            `json:"success"`
		Booking *models.Booking `json:"booking"`
	}
	if err := c.doJSON(ctx, http.MethodPost, c.baseURL+"/bookings/verify-payment", req, &resp); err != nil {
		return nil, err
	}
	if !resp.Success || resp.Booking == nil {
		return nil, domain.ErrPaymentVerificationFailed
	}
	return resp.Booking, nil
}

func (c *Client) ReviewEligibility(ctx context.Context, bookingID string) (*domain.Eligibility, error) {
	var eligibility domain.Eligibility
	if err := c.doJSON(ctx, http.MethodGet, c.bookingPath(bookingID, "/review-eligibility"), nil, &eligibility); err != nil {
		return nil, err
	}
	return &eligibility, nil
}

func (c *Client) SubmitReview(ctx context.Context, req *domain.ReviewRequest) (*models.Review, error) {
	var review models.Review
	if err := c.doJSON(ctx, http.MethodPost, c.baseURL+"/reviews", req, &review); err != nil {
		return nil, err
	}
	return &review, nil
}

// DriverReviews returns the driver's reviews, served from Redis when caching is enabled.
func (c *Client) DriverReviews(ctx context.Context, driverID string) (*models.DriverRating, error) {
	cacheKey := "driver_reviews:" + driverID
	var rating models.DriverRating
	if c.readCache(ctx, cacheKey, &rating) {
		return &rating, nil
	}

	endpoint := fmt.Sprintf("%s/drivers/%s/reviews", c.baseURL, url.PathEscape(driverID))
	if err := c.doJSON(ctx, http.MethodGet, endpoint, nil, &rating); err != nil {
		return nil, err
	}
	c.writeCache(ctx, cacheKey, rating)
	return &rating, nil
}

// StreamURL returns the websocket address for booking pushes.
func (c *Client) StreamURL(id string) string {
	u := c.baseURL + "/ws/bookings/" + url.PathEscape(id)
	switch {
	case strings.HasPrefix(u, "https://"):
		return "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		return "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u
}

// Headers returns the identification headers sent with every request.
func (c *Client) Headers() http.Header {
	h := http.Header{}
	if c.apiKey != "" {
		h.Set("x-api-key", c.apiKey)
	}
	if c.apiExtra != "" {
		h.Set("x-api-extra", c.apiExtra)
	}
	if c.actorID != "" {
		h.Set("x-actor-id", c.actorID)
	}
	if c.role != "" {
		h.Set("x-actor-role", string(c.role))
	}
	return h
}

func (c *Client) bookingPath(id, suffix string) string {
	return c.baseURL + "/bookings/" + url.PathEscape(id) + suffix
}

func (c *Client) readCache(ctx context.Context, key string, out any) bool {
	if c.redis == nil || c.cacheTTL <= 0 {
		return false
	}
	val, err := c.redis.Get(ctx, key).Result()
	if err != nil {
		return false
	}
	return json.Unmarshal([]byte(val), out) == nil
}

func (c *Client) writeCache(ctx context.Context, key string, val any) {
	if c.redis == nil || c.cacheTTL <= 0 {
		return
	}
	data, err := json.Marshal(val)
	if err != nil {
		return
	}
	_ = c.redis.Set(ctx, key, data, c.cacheTTL).Err()
}

func (c *Client) doJSON(ctx context.Context, method, endpoint string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range c.Headers() {
		req.Header[k] = v
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return decodeError(resp)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func decodeError(resp *http.Response) error {
	apiErr := &APIError{Status: resp.StatusCode}
	var body struct {
		Error     string        `json:"error"`
		Code      string        `json:"code"`
		Field     string        `json:"field"`
		Current   models.Status `json:"current"`
		Requested models.Status `json:"requested"`
		Role      models.Role   `json:"role"`
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err := json.Unmarshal(data, &body); err == nil {
		apiErr.Code = body.Code
		apiErr.Message = body.Error
		apiErr.Field = body.Field
		apiErr.Current = body.Current
		apiErr.Requested = body.Requested
		apiErr.Role = body.Role
	}
	return apiErr
}
