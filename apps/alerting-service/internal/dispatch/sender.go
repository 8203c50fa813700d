// Package dispatch delivers notifications over their channels and settles
// the outcome: sent, a scheduled retry, or the severity fallback chain.
//
// Senders make exactly one attempt per call. The durable retry ladder
// lives on the notification row (next_attempt_at plus the retry sweep),
// so a crash between attempts loses nothing.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/beaconops/beacon-core/apps/alerting-service/internal/model"
	"github.com/beaconops/beacon-core/packages/go-core/apperr"
)

// Sender makes one delivery attempt over a single channel.
type Sender interface {
	Send(ctx context.Context, n *model.Notification, a *model.Alert) error
}

// providerPayload is the JSON body posted to email/sms/voice gateways.
type providerPayload struct {
	NotificationID string         `json:"notification_id"`
	TenantID       string         `json:"tenant_id"`
	AlertID        string         `json:"alert_id"`
	Channel        model.Channel  `json:"channel"`
	Target         string         `json:"target"`
	Severity       model.Severity `json:"severity"`
	Category       string         `json:"category"`
	Summary        string         `json:"summary"`
	ComponentID    string         `json:"component_id,omitempty"`
}

// providerSender posts notifications to an external gateway (Resend,
// Twilio, a voice bridge) fronted by a plain JSON endpoint.
type providerSender struct {
	channel  model.Channel
	endpoint string
	client   *http.Client
	logger   *zap.Logger
}

// NewProviderSender builds the sender for one channel. An empty endpoint
// yields a logging stub that always succeeds, which keeps dev and test
// environments paging nobody.
func NewProviderSender(channel model.Channel, endpoint string, logger *zap.Logger) Sender {
	if logger == nil {
		logger = zap.NewNop()
	}
	if endpoint == "" {
		return &stubSender{channel: channel, logger: logger}
	}
	return &providerSender{
		channel:  channel,
		endpoint: endpoint,
		client:   &http.Client{Timeout: 10 * time.Second},
		logger:   logger,
	}
}

func (s *providerSender) Send(ctx context.Context, n *model.Notification, a *model.Alert) error {
	body, err := json.Marshal(providerPayload{
		NotificationID: n.NotificationID,
		TenantID:       n.TenantID,
		AlertID:        a.AlertID,
		Channel:        s.channel,
		Target:         n.TargetID,
		Severity:       a.Severity,
		Category:       a.Category,
		Summary:        a.Summary,
		ComponentID:    a.ComponentID,
	})
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", s.channel, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create %s request: %w", s.channel, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return apperr.Wrap(apperr.CodeDownstreamFailure,
			fmt.Sprintf("%s provider unreachable", s.channel), err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return apperr.Newf(apperr.CodeRateLimit, "%s provider throttled", s.channel).
			WithRetryAfter(retryAfterHeader(resp))
	case resp.StatusCode >= 400:
		e := apperr.Newf(apperr.CodeUpstreamError, "%s provider returned HTTP %d", s.channel, resp.StatusCode)
		if resp.StatusCode == http.StatusServiceUnavailable {
			e = e.WithRetryAfter(retryAfterHeader(resp))
		}
		return e
	}

	s.logger.Info("notification delivered",
		zap.String("channel", string(s.channel)),
		zap.String("notification_id", n.NotificationID),
		zap.String("target", n.TargetID))
	return nil
}

// retryAfterHeader parses Retry-After as delta-seconds or an HTTP-date.
// Zero means absent or unparseable.
func retryAfterHeader(resp *http.Response) time.Duration {
	raw := resp.Header.Get("Retry-After")
	if raw == "" {
		return 0
	}
	if secs, err := strconv.Atoi(raw); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(raw); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}

// stubSender logs instead of sending. Used whenever a channel has no
// provider endpoint configured.
type stubSender struct {
	channel model.Channel
	logger  *zap.Logger
}

func (s *stubSender) Send(ctx context.Context, n *model.Notification, a *model.Alert) error {
	s.logger.Info("notification dispatched (stub)",
		zap.String("channel", string(s.channel)),
		zap.String("target", n.TargetID),
		zap.String("alert_id", a.AlertID),
		zap.String("severity", string(a.Severity)))
	return nil
}
