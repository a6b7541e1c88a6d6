// Package client talks to the stamp service HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/avvvet/ohgo-stamp-services/internal/stampsvc/models"
)

// APIError is a non-2xx answer from the service.
type APIError struct {
	Status  int
	Message string
	Err     string
	// RetryAt is set on 429 answers.
	RetryAt time.Time
}

func (e *APIError) Error() string {
	if e.Err != "" {
		return e.Err
	}
	return fmt.Sprintf("%s (status %d)", e.Message, e.Status)
}

func (e *APIError) RateLimited() bool { return e.Status == http.StatusTooManyRequests }

type envelope struct {
	Message string          `json:"message"`
	Code    int             `json:"code"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

func New(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 15 * time.Second},
	}
}

func (c *Client) SetToken(token string) { c.token = token }

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}, header http.Header) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	var env envelope
	if jerr := json.Unmarshal(raw, &env); jerr != nil {
		env.Message = strings.TrimSpace(string(raw))
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{Status: resp.StatusCode, Message: env.Message, Err: env.Error}
		if resp.StatusCode == http.StatusTooManyRequests {
			apiErr.RetryAt = retryAt(resp.Header.Get("Retry-After"), env.Data)
		}
		return apiErr
	}

	if out != nil && len(env.Data) > 0 && string(env.Data) != "null" {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("decode %s %s: %w", method, path, err)
		}
	}
	return nil
}

func retryAt(header string, data json.RawMessage) time.Time {
	var body struct {
		NextEligibleAt time.Time `json:"next_eligible_at"`
	}
	if len(data) > 0 && json.Unmarshal(data, &body) == nil && !body.NextEligibleAt.IsZero() {
		return body.NextEligibleAt
	}
	if secs, err := strconv.Atoi(header); err == nil {
		return time.Now().Add(time.Duration(secs) * time.Second)
	}
	return time.Time{}
}

func memberPath(id string, parts ...string) string {
	p := "/v1/members/" + url.PathEscape(id)
	for _, part := range parts {
		p += "/" + part
	}
	return p
}

// Login resolves (name, birth date) to a member and returns a session token.
func (c *Client) Login(ctx context.Context, name, birthDate string) (*models.Member, string, error) {
	var out struct {
		Token  string        `json:"token"`
		Member models.Member `json:"member"`
	}
	err := c.do(ctx, http.MethodPost, "/v1/login", map[string]string{"name": name, "birth_date": birthDate}, &out, nil)
	if err != nil {
		return nil, "", err
	}
	c.token = out.Token
	return &out.Member, out.Token, nil
}

func (c *Client) Me(ctx context.Context) (*models.MemberSummary, error) {
	var out models.MemberSummary
	if err := c.do(ctx, http.MethodGet, "/v1/me", nil, &out, nil); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Member(ctx context.Context, id string) (*models.MemberSummary, error) {
	var out models.MemberSummary
	if err := c.do(ctx, http.MethodGet, memberPath(id), nil, &out, nil); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Stamps(ctx context.Context, id string) ([]models.Stamp, error) {
	var out struct {
		Stamps []models.Stamp `json:"stamps"`
	}
	if err := c.do(ctx, http.MethodGet, memberPath(id, "stamps"), nil, &out, nil); err != nil {
		return nil, err
	}
	return out.Stamps, nil
}

// Scan submits a scanned QR payload. key is sent as Idempotency-Key.
func (c *Client) Scan(ctx context.Context, id, payload, key string) (*models.AccrualResult, error) {
	h := http.Header{}
	if key != "" {
		h.Set("Idempotency-Key", key)
	}
	var out models.AccrualResult
	err := c.do(ctx, http.MethodPost, memberPath(id, "stamps", "scan"), map[string]string{"payload": payload}, &out, h)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) StaffStamp(ctx context.Context, id string) (*models.AccrualResult, error) {
	var out models.AccrualResult
	if err := c.do(ctx, http.MethodPost, memberPath(id, "stamps"), nil, &out, nil); err != nil {
		return nil, err
	}
	return &out, nil
}

// Coupons returns all coupons and the unused count.
func (c *Client) Coupons(ctx context.Context, id string) ([]models.Coupon, int, error) {
	var out struct {
		Unused  int             `json:"unused_count"`
		Coupons []models.Coupon `json:"coupons"`
	}
	if err := c.do(ctx, http.MethodGet, memberPath(id, "coupons"), nil, &out, nil); err != nil {
		return nil, 0, err
	}
	return out.Coupons, out.Unused, nil
}

func (c *Client) RequestCoupon(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, memberPath(id, "coupons", "request"), nil, nil, nil)
}

func (c *Client) DeleteCoupon(ctx context.Context, id, couponID string) error {
	return c.do(ctx, http.MethodDelete, memberPath(id, "coupons", url.PathEscape(couponID)), nil, nil, nil)
}

func (c *Client) Advisory(ctx context.Context, id string) (*models.RedemptionAdvisory, error) {
	var out models.RedemptionAdvisory
	if err := c.do(ctx, http.MethodGet, memberPath(id, "coupons", "advisory"), nil, &out, nil); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Redeem(ctx context.Context, id string) (*models.Coupon, error) {
	var out models.Coupon
	if err := c.do(ctx, http.MethodPost, memberPath(id, "coupons", "redeem"), nil, &out, nil); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) SetPushToken(ctx context.Context, id, token string) error {
	return c.do(ctx, http.MethodPut, memberPath(id, "push-token"), map[string]string{"token": token}, nil, nil)
}

func (c *Client) RemovePushToken(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, memberPath(id, "push-token"), nil, nil, nil)
}

func (c *Client) DeleteMember(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, memberPath(id), nil, nil, nil)
}
