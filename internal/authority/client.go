package authority

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// errorReply is the body of every non-2xx response. The "type" field
// drives the taxonomy; auth failures stay generic by design.
type errorReply struct {
	Type             string     `json:"type"`
	Message          string     `json:"message,omitempty"`
	OtpResetToken    string     `json:"otpResetToken,omitempty"`
	OtpResetDate     *time.Time `json:"otpResetDate,omitempty"`
	VoucherID        string     `json:"voucherId,omitempty"`
	VoucherActivates time.Time  `json:"voucherActivates,omitempty"`
}

type successReply struct {
	Results json.RawMessage `json:"results"`
}

// Client is the authenticated HTTP RPC boundary to the remote authority.
// It owns no protocol state beyond the base URL.
type Client struct {
	BaseURL string
	HTTP    *http.Client
}

func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{BaseURL: baseURL, HTTP: httpClient}
}

// LoginFetch performs one authority round trip and maps the reply onto
// the engine's error taxonomy. The returned bytes are the "results"
// field of a successful reply.
func (c *Client) LoginFetch(ctx context.Context, method, path string, body interface{}) (json.RawMessage, error) {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, &NetworkError{Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<22))
	if err != nil {
		return nil, &NetworkError{Err: err}
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		var ok successReply
		if err := json.Unmarshal(raw, &ok); err != nil {
			return nil, &ServerError{Code: resp.StatusCode, Message: "malformed reply"}
		}
		return ok.Results, nil
	}

	var bad errorReply
	_ = json.Unmarshal(raw, &bad)
	return nil, mapError(resp.StatusCode, bad)
}

func mapError(status int, bad errorReply) error {
	switch bad.Type {
	case "otp":
		return &OtpError{ResetToken: bad.OtpResetToken, ResetDate: bad.OtpResetDate}
	case "voucherPending":
		return &VoucherError{VoucherID: bad.VoucherID, Activates: bad.VoucherActivates}
	}
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ErrBadFactor
	case status == http.StatusNotFound:
		// The authority only 404s non-login resources (lobbies); login
		// misses are reported as generic auth failures.
		return &ServerError{Code: status, Message: bad.Message}
	default:
		msg := bad.Message
		if msg == "" {
			msg = http.StatusText(status)
		}
		return &ServerError{Code: status, Message: msg}
	}
}

// IsAuthFailure reports whether err is any flavor of rejected factor.
func IsAuthFailure(err error) bool {
	var otpErr *OtpError
	return errors.Is(err, ErrBadFactor) || errors.Is(err, ErrUserNotFound) || errors.As(err, &otpErr)
}

// UsernameAvailable asks whether a userId is still unclaimed.
func (c *Client) UsernameAvailable(ctx context.Context, userID []byte) (bool, error) {
	raw, err := c.LoginFetch(ctx, http.MethodPost, "/v2/login/available", map[string][]byte{"userId": userID})
	if err != nil {
		return false, err
	}
	var out struct {
		Available bool `json:"available"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return false, fmt.Errorf("authority: malformed availability reply: %w", err)
	}
	return out.Available, nil
}
