package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/p8fs/p8fs-core/internal/secrets"
)

// SlackSink posts Events to a Slack channel via chat.postMessage, adapted
// from the teacher's internal/integration/slack_connector.go
// (SlackConnector.PostMessage/apiCall) and grounded further on
// original_source/p8fs/src/p8fs/services/slack.py's bot-token bearer auth
// and best-effort delivery semantics.
type SlackSink struct {
	secretRef  string // reference resolved through secrets.Store at call time
	store      secrets.Store
	channel    string
	httpClient *http.Client
}

// NewSlackSink constructs a SlackSink that posts to channel, resolving its
// bot token from store under secretRef on every call (so a rotated token
// takes effect without restarting the process).
func NewSlackSink(store secrets.Store, secretRef, channel string) *SlackSink {
	return &SlackSink{
		secretRef:  secretRef,
		store:      store,
		channel:    channel,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

type slackPostMessageResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// Notify implements notify.Sink. It never returns a nil-valued partial
// success: any non-2xx response or Slack-reported error ("ok": false) is
// surfaced as an error for the caller to log, per spec.md §6b's
// "fire-and-forget ... errors logged not propagated" contract — the
// propagation stops at the caller, not here.
func (s *SlackSink) Notify(ctx context.Context, event Event) error {
	token, err := s.store.Get(ctx, s.secretRef)
	if err != nil {
		return fmt.Errorf("notify: resolve slack token: %w", err)
	}

	payload := map[string]interface{}{
		"channel": s.channel,
		"text":    formatEvent(event),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("notify: marshal slack payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		"https://slack.com/api/chat.postMessage", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("notify: build slack request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json; charset=utf-8")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("notify: slack request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("notify: slack returned status %d: %s", resp.StatusCode, string(b))
	}

	var result slackPostMessageResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("notify: decode slack response: %w", err)
	}
	if !result.OK {
		return fmt.Errorf("notify: slack API error: %s", result.Error)
	}
	return nil
}

func formatEvent(e Event) string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("[%s] tenant=%s", e.Kind, e.TenantID)
}
