// Package notify is the fire-and-forget SMS sink. Delivery failures are
// logged and never propagate into pipeline state.
package notify

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"homectrl/pkg/utils"
)

const requestTimeout = 10 * time.Second

// SMSClient posts form-encoded messages to an SMS gateway with bearer-token
// auth, once per recipient. A client with an empty endpoint is disabled and
// drops messages silently.
type SMSClient struct {
	l          *slog.Logger
	endpoint   string
	token      string
	recipients []string
	httpClient *http.Client
}

// NewSMSClient creates the sink. Endpoint may be empty to disable delivery.
func NewSMSClient(l *slog.Logger, endpoint, token string, recipients []string) *SMSClient {
	return &SMSClient{
		l:          l.With(slog.String("component", "sms")),
		endpoint:   endpoint,
		token:      token,
		recipients: recipients,
		httpClient: &http.Client{Timeout: requestTimeout},
	}
}

// Enabled reports whether the sink will attempt delivery.
func (c *SMSClient) Enabled() bool {
	return c.endpoint != "" && len(c.recipients) > 0
}

// Send delivers the message to every configured recipient. Per-recipient
// failures are logged; the last one is returned so callers can log it too.
func (c *SMSClient) Send(ctx context.Context, message string) error {
	if !c.Enabled() {
		c.l.Debug("SMS sink disabled, dropping message", slog.String("message", message))

		return nil
	}

	var lastErr error

	for _, recipient := range c.recipients {
		if err := c.send(ctx, recipient, message); err != nil {
			c.l.Error("Failed to send SMS", slog.String("recipient", recipient), utils.ErrAttr(err))
			lastErr = err

			continue
		}

		c.l.Info("Sent SMS", slog.String("recipient", recipient))
	}

	return lastErr
}

func (c *SMSClient) send(ctx context.Context, recipient, message string) error {
	form := url.Values{}
	form.Set("recipient", recipient)
	form.Set("message", message)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}

	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to post message: %w", err)
	}

	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("gateway returned status %d", resp.StatusCode)
	}

	return nil
}
