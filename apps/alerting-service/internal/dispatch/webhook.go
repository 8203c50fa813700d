package dispatch

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/beaconops/beacon-core/apps/alerting-service/internal/model"
	"github.com/beaconops/beacon-core/packages/go-core/apperr"
)

// SignatureHeader carries the hex HMAC-SHA256 of the request body so
// receivers can verify the payload came from us.
const SignatureHeader = "X-Beacon-Signature"

// webhookPayload is the signed JSON body delivered to webhook targets.
type webhookPayload struct {
	NotificationID string       `json:"notification_id"`
	EventType      string       `json:"event_type"`
	Timestamp      time.Time    `json:"timestamp"`
	Alert          *model.Alert `json:"alert"`
}

// webhookSender delivers alert snapshots to subscriber-owned endpoints.
// The notification's target_id is the destination URL.
type webhookSender struct {
	secret string
	client *http.Client
	logger *zap.Logger
	now    func() time.Time
}

// NewWebhookSender builds the webhook channel sender. All outbound hooks
// are signed with the deployment-wide secret.
func NewWebhookSender(secret string, logger *zap.Logger) Sender {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &webhookSender{
		secret: secret,
		client: &http.Client{Timeout: 10 * time.Second},
		logger: logger,
		now:    time.Now,
	}
}

func (s *webhookSender) Send(ctx context.Context, n *model.Notification, a *model.Alert) error {
	body, err := json.Marshal(webhookPayload{
		NotificationID: n.NotificationID,
		EventType:      "alert.notification",
		Timestamp:      s.now().UTC(),
		Alert:          a,
	})
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.TargetID, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SignatureHeader, "sha256="+computeHMAC(s.secret, body))

	resp, err := s.client.Do(req)
	if err != nil {
		return apperr.Wrap(apperr.CodeDownstreamFailure, "webhook endpoint unreachable", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))

	if resp.StatusCode >= 400 {
		e := apperr.Newf(apperr.CodeUpstreamError, "webhook endpoint returned HTTP %d", resp.StatusCode)
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusServiceUnavailable {
			e = e.WithRetryAfter(retryAfterHeader(resp))
		}
		return e
	}

	s.logger.Info("webhook delivered",
		zap.String("url", n.TargetID),
		zap.Int("status", resp.StatusCode))
	return nil
}

// computeHMAC generates a hex-encoded HMAC-SHA256 of the body.
func computeHMAC(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
