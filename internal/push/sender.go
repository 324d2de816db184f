// ABOUTME: Delivery of signed task updates to registered callback URLs
// ABOUTME: Retries with go-retryablehttp and verifies URLs with a validationToken challenge

package push

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-retryablehttp"
)

const (
	// verifyTimeout bounds the URL challenge.
	verifyTimeout = 10 * time.Second

	verifiedTTL = 10 * time.Minute
	maxVerified = 1024
)

// NotificationTokenHeader carries the token the receiver registered with the config.
const NotificationTokenHeader = "X-A2A-Notification-Token"

// Sender posts task updates to callback URLs.
type Sender struct {
	client   *retryablehttp.Client
	auth     *Auth
	verified *verifiedURLs
	logger   *slog.Logger
}

// NewSender creates a sender signing with auth and retrying each delivery up to maxRetries times.
func NewSender(auth *Auth, maxRetries int, logger *slog.Logger) *Sender {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "push")

	client := retryablehttp.NewClient()
	client.RetryMax = maxRetries
	client.RetryWaitMin = 200 * time.Millisecond
	client.RetryWaitMax = 5 * time.Second
	client.Logger = logger

	return &Sender{
		client:   client,
		auth:     auth,
		verified: newVerifiedURLs(verifiedTTL, maxVerified),
		logger:   logger,
	}
}

// Auth returns the signing material, whose public keys the agent publishes.
func (s *Sender) Auth() *Auth {
	return s.auth
}

// Send posts payload as JSON to target with a signed bearer token.
func (s *Sender) Send(ctx context.Context, target, token string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding payload: %w", err)
	}

	jwtToken, err := s.auth.Sign(body)
	if err != nil {
		return fmt.Errorf("signing payload: %w", err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, target, body)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+jwtToken)
	if token != "" {
		req.Header.Set(NotificationTokenHeader, token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("posting to %s: %w", target, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		return fmt.Errorf("posting to %s: unexpected status %d", target, resp.StatusCode)
	}

	s.logger.Debug("push notification sent", "url", target)
	return nil
}

// VerifyURL challenges target with a random validationToken query parameter and
// accepts it only if the response body echoes the token. A URL that passed
// recently is accepted without a new challenge.
func (s *Sender) VerifyURL(ctx context.Context, target string) bool {
	if s.verified.has(target) {
		return true
	}

	ctx, cancel := context.WithTimeout(ctx, verifyTimeout)
	defer cancel()

	u, err := url.Parse(target)
	if err != nil {
		s.logger.Warn("invalid push notification url", "url", target, "error", err)
		return false
	}
	challenge := uuid.NewString()
	q := u.Query()
	q.Set("validationToken", challenge)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return false
	}

	resp, err := s.client.HTTPClient.Do(req)
	if err != nil {
		s.logger.Warn("push notification url unreachable", "url", target, "error", err)
		return false
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return false
	}

	ok := resp.StatusCode < 300 && strings.TrimSpace(string(data)) == challenge
	if !ok {
		s.logger.Warn("push notification url failed verification", "url", target, "status", resp.StatusCode)
		return false
	}
	s.verified.add(target)
	return true
}
