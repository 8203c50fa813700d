package adapter

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/beaconops/beacon-core/apps/integration-service/internal/httpclient"
	"github.com/beaconops/beacon-core/apps/integration-service/internal/model"
	"github.com/beaconops/beacon-core/packages/go-core/apperr"
)

const (
	headerAtlassianToken      = "X-Atlassian-Token"
	headerAtlassianWebhookID  = "X-Atlassian-Webhook-Identifier"
	jiraTimeLayout            = "2006-01-02T15:04:05.000-0700"
	jiraFirstPollLookback     = time.Hour
	jiraSearchPageSize        = 50
)

// jira adapts Jira Cloud webhooks, JQL polling and the REST v2 API.
// Jira webhooks carry a shared token rather than a payload HMAC, so
// verification is a constant-time comparison of X-Atlassian-Token against
// the registration secret. Outbound calls use basic auth with the
// "email:api_token" pair resolved from the connection's auth_ref.
type jira struct {
	deps Deps
	conn model.Connection
}

func newJira(deps Deps, conn *model.Connection) Adapter {
	return &jira{deps: deps, conn: *conn}
}

func (a *jira) baseURL() string {
	return strings.TrimRight(a.conn.BaseURL, "/")
}

func (a *jira) Capabilities() model.CapabilitySet {
	return model.CapabilitySet{Webhook: true, Polling: true, OutboundActions: true}
}

func (a *jira) ProcessWebhook(ctx context.Context, payload []byte, headers http.Header, secret string) (*model.ProviderEvent, error) {
	token := headers.Get(headerAtlassianToken)
	if token == "" {
		return nil, apperr.Newf(apperr.CodeInvalidSignature, "%s header missing", headerAtlassianToken)
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(secret)) != 1 {
		return nil, apperr.New(apperr.CodeInvalidSignature, "webhook token mismatch")
	}

	var body map[string]interface{}
	if err := json.Unmarshal(payload, &body); err != nil {
		return nil, apperr.Wrap(apperr.CodeMalformedPayload, "webhook payload is not valid JSON", err)
	}

	event, _ := body["webhookEvent"].(string)
	if event == "" {
		return nil, apperr.New(apperr.CodeMalformedPayload, "webhookEvent field missing")
	}
	event = strings.TrimPrefix(event, "jira:")

	ts := eventTime(body, "timestamp")
	if err := checkEventTimestamp(ts, a.deps.Now(), a.deps.Tolerance); err != nil {
		return nil, err
	}

	eventID := headers.Get(headerAtlassianWebhookID)
	if eventID == "" {
		eventID, _ = body["id"].(string)
	}

	actor := nestedString(body, "user", "accountId")
	if actor == "" {
		actor = nestedString(body, "user", "name")
	}

	occurred := ts
	if occurred.IsZero() {
		occurred = a.deps.Now().UTC()
	}

	return &model.ProviderEvent{
		ProviderID: ProviderJira,
		EventID:    eventID,
		EventType:  event,
		OccurredAt: occurred,
		ActorID:    actor,
		Payload:    body,
		Signature:  token,
	}, nil
}

type jiraSearchResult struct {
	Issues []struct {
		ID     string                 `json:"id"`
		Key    string                 `json:"key"`
		Fields map[string]interface{} `json:"fields"`
	} `json:"issues"`
}

func (a *jira) PollEvents(ctx context.Context, cursor string) ([]model.ProviderEvent, string, error) {
	since := a.deps.Now().Add(-jiraFirstPollLookback).UnixMilli()
	if cursor != "" {
		ms, err := strconv.ParseInt(cursor, 10, 64)
		if err != nil {
			return nil, "", apperr.Wrap(apperr.CodeInternal, "polling cursor is not a millisecond timestamp", err)
		}
		since = ms
	}

	q := url.Values{}
	q.Set("jql", fmt.Sprintf("updated >= %d order by updated asc", since))
	q.Set("maxResults", strconv.Itoa(jiraSearchPageSize))
	q.Set("fields", "summary,creator,updated")

	resp, err := a.do(ctx, http.MethodGet, "/rest/api/2/search?"+q.Encode(), nil)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	if err := httpclient.Classify(resp); err != nil {
		return nil, "", err
	}

	var result jiraSearchResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, "", apperr.Wrap(apperr.CodeUpstreamError, "search response is not valid JSON", err)
	}
	if len(result.Issues) == 0 {
		return nil, cursor, nil
	}

	var latest time.Time
	events := make([]model.ProviderEvent, 0, len(result.Issues))
	for _, issue := range result.Issues {
		updated := jiraFieldTime(issue.Fields, "updated")
		if updated.After(latest) {
			latest = updated
		}
		occurred := updated
		if occurred.IsZero() {
			occurred = a.deps.Now().UTC()
		}
		events = append(events, model.ProviderEvent{
			ProviderID: ProviderJira,
			// The same issue reappears on later polls when it is updated
			// again, so the event identity includes the update time.
			EventID:    fmt.Sprintf("%s-%d", issue.ID, occurred.UnixMilli()),
			EventType:  "issue_updated",
			OccurredAt: occurred,
			ActorID:    nestedString(issue.Fields, "creator", "accountId"),
			Payload: map[string]interface{}{
				"issue": map[string]interface{}{"id": issue.ID, "key": issue.Key, "fields": issue.Fields},
			},
		})
	}

	next := cursor
	if !latest.IsZero() {
		next = strconv.FormatInt(latest.UnixMilli()+1, 10)
	}
	return events, next, nil
}

func jiraFieldTime(fields map[string]interface{}, key string) time.Time {
	raw, ok := fields[key].(string)
	if !ok {
		return time.Time{}
	}
	if ts, err := time.Parse(jiraTimeLayout, raw); err == nil {
		return ts.UTC()
	}
	if ts, err := time.Parse(time.RFC3339, raw); err == nil {
		return ts.UTC()
	}
	return time.Time{}
}

func (a *jira) ExecuteAction(ctx context.Context, action *model.Action) (*model.ActionResponse, error) {
	switch action.CanonicalType {
	case "comment_on_issue":
		key := action.Target["issue_key"]
		if key == "" {
			return nil, apperr.New(apperr.CodeMalformedPayload, "comment_on_issue requires an issue_key target")
		}
		return a.call(ctx, http.MethodPost,
			"/rest/api/2/issue/"+url.PathEscape(key)+"/comment",
			map[string]interface{}{"body": action.Payload["body"]})

	case "create_issue":
		project := action.Target["project_key"]
		if project == "" {
			return nil, apperr.New(apperr.CodeMalformedPayload, "create_issue requires a project_key target")
		}
		issueType, _ := action.Payload["issue_type"].(string)
		if issueType == "" {
			issueType = "Task"
		}
		return a.call(ctx, http.MethodPost, "/rest/api/2/issue", map[string]interface{}{
			"fields": map[string]interface{}{
				"project":     map[string]interface{}{"key": project},
				"summary":     action.Payload["summary"],
				"description": action.Payload["description"],
				"issuetype":   map[string]interface{}{"name": issueType},
			},
		})

	case "transition_issue":
		key := action.Target["issue_key"]
		if key == "" {
			return nil, apperr.New(apperr.CodeMalformedPayload, "transition_issue requires an issue_key target")
		}
		return a.call(ctx, http.MethodPost,
			"/rest/api/2/issue/"+url.PathEscape(key)+"/transitions",
			map[string]interface{}{"transition": map[string]interface{}{"id": action.Payload["transition_id"]}})

	default:
		return nil, apperr.Newf(apperr.CodeMalformedPayload, "jira adapter does not support action %q", action.CanonicalType)
	}
}

func (a *jira) VerifyConnection(ctx context.Context) (bool, error) {
	_, err := a.call(ctx, http.MethodGet, "/rest/api/2/myself", nil)
	if err != nil {
		if apperr.CodeOf(err) == apperr.CodeAuth {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (a *jira) do(ctx context.Context, method, path string, body interface{}) (*http.Response, error) {
	cred, err := a.deps.Secrets.Resolve(ctx, a.conn.AuthRef)
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
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(cred)))
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	return a.deps.HTTP.Do(req)
}

func (a *jira) call(ctx context.Context, method, path string, body interface{}) (*model.ActionResponse, error) {
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
