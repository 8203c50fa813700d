package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/slack-go/slack"

	"github.com/beaconops/beacon-core/apps/integration-service/internal/model"
	"github.com/beaconops/beacon-core/packages/go-core/apperr"
)

const (
	headerSlackSignature = "X-Slack-Signature"
	headerSlackTimestamp = "X-Slack-Request-Timestamp"
)

// slackAdapter adapts the Slack Events API and Web API. Event deliveries
// are authenticated with the v0 signing scheme: HMAC-SHA256 over
// "v0:<timestamp>:<body>" carried in X-Slack-Signature. The timestamp is
// checked before the signature so a replayed delivery is rejected even
// when its signature is genuine.
type slackAdapter struct {
	deps Deps
	conn model.Connection
}

func newSlack(deps Deps, conn *model.Connection) Adapter {
	return &slackAdapter{deps: deps, conn: *conn}
}

func (a *slackAdapter) Capabilities() model.CapabilitySet {
	return model.CapabilitySet{Webhook: true, Polling: false, OutboundActions: true}
}

func (a *slackAdapter) ProcessWebhook(ctx context.Context, payload []byte, headers http.Header, secret string) (*model.ProviderEvent, error) {
	rawTS := headers.Get(headerSlackTimestamp)
	if rawTS == "" {
		return nil, apperr.Newf(apperr.CodeInvalidSignature, "%s header missing", headerSlackTimestamp)
	}
	unix, err := strconv.ParseInt(rawTS, 10, 64)
	if err != nil {
		return nil, apperr.Newf(apperr.CodeInvalidSignature, "%s is not a unix timestamp", headerSlackTimestamp)
	}
	sentAt := time.Unix(unix, 0)
	if err := checkEventTimestamp(sentAt, a.deps.Now(), a.deps.Tolerance); err != nil {
		return nil, err
	}

	base := make([]byte, 0, len(rawTS)+len(payload)+4)
	base = append(base, "v0:"...)
	base = append(base, rawTS...)
	base = append(base, ':')
	base = append(base, payload...)
	sig := headers.Get(headerSlackSignature)
	if err := verifySHA256(secret, base, sig, "v0="); err != nil {
		return nil, err
	}

	var body map[string]interface{}
	if err := json.Unmarshal(payload, &body); err != nil {
		return nil, apperr.Wrap(apperr.CodeMalformedPayload, "webhook payload is not valid JSON", err)
	}

	eventType := nestedString(body, "event", "type")
	if eventType == "" {
		return nil, apperr.New(apperr.CodeMalformedPayload, "event.type field missing")
	}

	occurred := eventTime(body, "event_time")
	if occurred.IsZero() {
		occurred = sentAt.UTC()
	}

	eventID, _ := body["event_id"].(string)

	return &model.ProviderEvent{
		ProviderID: ProviderSlack,
		EventID:    eventID,
		EventType:  eventType,
		OccurredAt: occurred,
		ActorID:    nestedString(body, "event", "user"),
		Payload:    body,
		Signature:  sig,
	}, nil
}

// PollEvents is unsupported: Slack has no pollable event feed, so the
// capability set never advertises polling and the scheduler never routes
// here. Reaching this is a wiring bug, not a provider failure.
func (a *slackAdapter) PollEvents(ctx context.Context, cursor string) ([]model.ProviderEvent, string, error) {
	return nil, "", fmt.Errorf("slack adapter does not support polling")
}

func (a *slackAdapter) ExecuteAction(ctx context.Context, action *model.Action) (*model.ActionResponse, error) {
	api, err := a.client(ctx)
	if err != nil {
		return nil, err
	}

	switch action.CanonicalType {
	case "post_message":
		channel := action.Target["channel_id"]
		text, _ := action.Payload["text"].(string)
		if channel == "" || text == "" {
			return nil, apperr.New(apperr.CodeMalformedPayload, "post_message requires a channel_id target and text payload")
		}
		ch, ts, err := api.PostMessageContext(ctx, channel, slack.MsgOptionText(text, false))
		if err != nil {
			return nil, slackError(err)
		}
		return &model.ActionResponse{
			StatusCode: http.StatusOK,
			Body:       map[string]interface{}{"channel": ch, "ts": ts},
		}, nil

	case "add_reaction":
		channel := action.Target["channel_id"]
		messageTS := action.Target["message_ts"]
		name, _ := action.Payload["name"].(string)
		if channel == "" || messageTS == "" || name == "" {
			return nil, apperr.New(apperr.CodeMalformedPayload, "add_reaction requires channel_id and message_ts targets and a name payload")
		}
		if err := api.AddReactionContext(ctx, name, slack.NewRefToMessage(channel, messageTS)); err != nil {
			return nil, slackError(err)
		}
		return &model.ActionResponse{
			StatusCode: http.StatusOK,
			Body:       map[string]interface{}{"ok": true},
		}, nil

	default:
		return nil, apperr.Newf(apperr.CodeMalformedPayload, "slack adapter does not support action %q", action.CanonicalType)
	}
}

func (a *slackAdapter) VerifyConnection(ctx context.Context) (bool, error) {
	api, err := a.client(ctx)
	if err != nil {
		return false, err
	}
	if _, err := api.AuthTestContext(ctx); err != nil {
		mapped := slackError(err)
		if apperr.CodeOf(mapped) == apperr.CodeAuth {
			return false, nil
		}
		return false, mapped
	}
	return true, nil
}

func (a *slackAdapter) client(ctx context.Context) (*slack.Client, error) {
	token, err := a.deps.Secrets.Resolve(ctx, a.conn.AuthRef)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeAuth, "failed to resolve connection credentials", err)
	}
	opts := []slack.Option{slack.OptionHTTPClient(a.deps.HTTP)}
	if a.conn.BaseURL != "" {
		// slack-go appends method names directly, so the URL must end in /.
		opts = append(opts, slack.OptionAPIURL(strings.TrimRight(a.conn.BaseURL, "/")+"/"))
	}
	return slack.New(token, opts...), nil
}

// slackError folds slack-go error types onto the shared taxonomy.
func slackError(err error) error {
	if err == nil {
		return nil
	}
	var limited *slack.RateLimitedError
	if errors.As(err, &limited) {
		return apperr.Wrap(apperr.CodeRateLimit, "slack rate limit exceeded", err).
			WithRetryAfter(limited.RetryAfter)
	}
	var rejected slack.SlackErrorResponse
	if errors.As(err, &rejected) {
		switch rejected.Err {
		case "invalid_auth", "not_authed", "account_inactive", "token_revoked", "token_expired":
			return apperr.Wrap(apperr.CodeAuth, "slack rejected the credentials", err)
		}
		return apperr.Wrap(apperr.CodeMalformedPayload, "slack rejected the request", err)
	}
	if ae := apperr.AsError(err); ae != nil {
		return ae
	}
	return apperr.Wrap(apperr.CodeUpstreamError, "slack request failed", err)
}
