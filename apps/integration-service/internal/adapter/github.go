package adapter

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

	"github.com/beaconops/beacon-core/apps/integration-service/internal/httpclient"
	"github.com/beaconops/beacon-core/apps/integration-service/internal/model"
	"github.com/beaconops/beacon-core/packages/go-core/apperr"
)

const (
	defaultGitHubAPI = "https://api.github.com"

	headerGitHubSignature = "X-Hub-Signature-256"
	headerGitHubEvent     = "X-GitHub-Event"
	headerGitHubDelivery  = "X-GitHub-Delivery"
)

// github adapts GitHub webhooks, the events feed and the REST API.
// Webhook deliveries are authenticated with HMAC-SHA256 over the raw body
// in X-Hub-Signature-256; outbound calls authenticate with a bearer token
// resolved from the connection's auth_ref.
type github struct {
	deps Deps
	conn model.Connection
}

func newGitHub(deps Deps, conn *model.Connection) Adapter {
	return &github{deps: deps, conn: *conn}
}

func (a *github) baseURL() string {
	if a.conn.BaseURL != "" {
		return strings.TrimRight(a.conn.BaseURL, "/")
	}
	return defaultGitHubAPI
}

func (a *github) Capabilities() model.CapabilitySet {
	return model.CapabilitySet{Webhook: true, Polling: true, OutboundActions: true}
}

func (a *github) ProcessWebhook(ctx context.Context, payload []byte, headers http.Header, secret string) (*model.ProviderEvent, error) {
	sig := headers.Get(headerGitHubSignature)
	if err := verifySHA256(secret, payload, sig, "sha256="); err != nil {
		return nil, err
	}

	var body map[string]interface{}
	if err := json.Unmarshal(payload, &body); err != nil {
		return nil, apperr.Wrap(apperr.CodeMalformedPayload, "webhook payload is not valid JSON", err)
	}

	event := headers.Get(headerGitHubEvent)
	if event == "" {
		return nil, apperr.Newf(apperr.CodeMalformedPayload, "%s header missing", headerGitHubEvent)
	}

	ts := eventTime(body, "timestamp", "occurred_at")
	if err := checkEventTimestamp(ts, a.deps.Now(), a.deps.Tolerance); err != nil {
		return nil, err
	}

	eventType := event
	if action, ok := body["action"].(string); ok && action != "" {
		eventType = event + "." + action
	}

	occurred := ts
	if occurred.IsZero() {
		occurred = a.deps.Now().UTC()
	}

	return &model.ProviderEvent{
		ProviderID: ProviderGitHub,
		EventID:    headers.Get(headerGitHubDelivery),
		EventType:  eventType,
		OccurredAt: occurred,
		ActorID:    nestedString(body, "sender", "login"),
		Payload:    body,
		Signature:  sig,
	}, nil
}

// githubFeedItem is one entry of the events feed, oldest first when a
// since cursor is supplied.
type githubFeedItem struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Actor     struct{ Login string } `json:"actor"`
	Payload   map[string]interface{} `json:"payload"`
	CreatedAt time.Time              `json:"created_at"`
}

func (a *github) PollEvents(ctx context.Context, cursor string) ([]model.ProviderEvent, string, error) {
	path := "/events?per_page=100"
	if cursor != "" {
		path += "&since=" + url.QueryEscape(cursor)
	}

	resp, err := a.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	if err := httpclient.Classify(resp); err != nil {
		return nil, "", err
	}

	var items []githubFeedItem
	if err := json.NewDecoder(resp.Body).Decode(&items); err != nil {
		return nil, "", apperr.Wrap(apperr.CodeUpstreamError, "events feed is not valid JSON", err)
	}
	if len(items) == 0 {
		return nil, cursor, nil
	}

	events := make([]model.ProviderEvent, 0, len(items))
	for _, item := range items {
		events = append(events, model.ProviderEvent{
			ProviderID: ProviderGitHub,
			EventID:    item.ID,
			EventType:  githubEventType(item.Type, item.Payload),
			OccurredAt: item.CreatedAt,
			ActorID:    item.Actor.Login,
			Payload:    item.Payload,
		})
	}
	return events, items[len(items)-1].ID, nil
}

// githubEventType translates feed type names like PullRequestEvent into
// the dotted form the webhook path produces, so both ingestion paths feed
// the same canonical mapping table.
func githubEventType(feedType string, payload map[string]interface{}) string {
	name := camelToSnake(strings.TrimSuffix(feedType, "Event"))
	if action, ok := payload["action"].(string); ok && action != "" {
		return name + "." + action
	}
	return name
}

func camelToSnake(s string) string {
	var b strings.Builder
	for i, r := range s {
		if r >= 'A' && r <= 'Z' {
			if i > 0 {
				b.WriteByte('_')
			}
			b.WriteRune(r + ('a' - 'A'))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (a *github) ExecuteAction(ctx context.Context, action *model.Action) (*model.ActionResponse, error) {
	repo := action.Target["repository"]

	switch action.CanonicalType {
	case "comment_on_pr":
		prID := action.Target["pr_id"]
		if repo == "" || prID == "" {
			return nil, apperr.New(apperr.CodeMalformedPayload, "comment_on_pr requires repository and pr_id targets")
		}
		return a.call(ctx, http.MethodPost,
			fmt.Sprintf("/repos/%s/issues/%s/comments", repo, prID),
			map[string]interface{}{"body": action.Payload["body"]})

	case "create_issue":
		if repo == "" {
			return nil, apperr.New(apperr.CodeMalformedPayload, "create_issue requires a repository target")
		}
		return a.call(ctx, http.MethodPost,
			fmt.Sprintf("/repos/%s/issues", repo),
			map[string]interface{}{"title": action.Payload["title"], "body": action.Payload["body"]})

	case "merge_pr":
		prID := action.Target["pr_id"]
		if repo == "" || prID == "" {
			return nil, apperr.New(apperr.CodeMalformedPayload, "merge_pr requires repository and pr_id targets")
		}
		return a.call(ctx, http.MethodPut,
			fmt.Sprintf("/repos/%s/pulls/%s/merge", repo, prID),
			map[string]interface{}{"commit_title": action.Payload["commit_title"]})

	default:
		return nil, apperr.Newf(apperr.CodeMalformedPayload, "github adapter does not support action %q", action.CanonicalType)
	}
}

func (a *github) VerifyConnection(ctx context.Context) (bool, error) {
	_, err := a.call(ctx, http.MethodGet, "/user", nil)
	if err != nil {
		if apperr.CodeOf(err) == apperr.CodeAuth {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// do issues an authenticated request and returns the raw response.
func (a *github) do(ctx context.Context, method, path string, body interface{}) (*http.Response, error) {
	token, err := a.deps.Secrets.Resolve(ctx, a.conn.AuthRef)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeAuth, "failed to resolve connection credentials", err)
	}

	var buf io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		buf = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.baseURL()+path, buf)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	return a.deps.HTTP.Do(req)
}

// call issues a request and folds the response into an ActionResponse,
// classifying non-2xx statuses onto the error taxonomy.
func (a *github) call(ctx context.Context, method, path string, body interface{}) (*model.ActionResponse, error) {
	resp, err := a.do(ctx, method, path, body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err := httpclient.Classify(resp); err != nil {
		return nil, err
	}

	var parsed map[string]interface{}
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &parsed)
	}
	return &model.ActionResponse{StatusCode: resp.StatusCode, Body: parsed}, nil
}
