package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"traffic-enforcement/internal/config"
)

type smsRequest struct {
	PhoneNumber string `json:"phone_number"`
	Message     string `json:"message"`
}

// SMSClient posts outgoing text messages to the SMS gateway service.
type SMSClient struct {
	baseURL       string
	internalToken string
	httpClient    *http.Client
	retryDelay    time.Duration
}

func NewSMSClient(cfg config.SMSConfig) *SMSClient {
	return &SMSClient{
		baseURL:       strings.TrimRight(cfg.GatewayURL, "/"),
		internalToken: cfg.Token,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		retryDelay: 500 * time.Millisecond,
	}
}

// SendSMS delivers one message, retrying network errors up to three times.
func (c *SMSClient) SendSMS(ctx context.Context, phone, message string) error {
	if c.baseURL == "" {
		return fmt.Errorf("SMS gateway URL is not configured")
	}
	if strings.TrimSpace(phone) == "" {
		return fmt.Errorf("empty phone number")
	}

	body, err := json.Marshal(smsRequest{PhoneNumber: phone, Message: message})
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}

	newRequest := func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/internal/sms", bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		if c.internalToken != "" {
			req.Header.Set("X-Internal-Token", c.internalToken)
		}
		return req, nil
	}

	var resp *http.Response
	var lastErr error
	maxRetries := 3
	for attempt := 0; attempt < maxRetries; attempt++ {
		req, err := newRequest()
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		resp, lastErr = c.httpClient.Do(req)
		if lastErr == nil {
			break
		}
		if attempt == maxRetries-1 {
			return fmt.Errorf("failed to execute request after %d attempts: %w", maxRetries, lastErr)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt+1) * c.retryDelay):
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("SMS gateway returned status %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}
