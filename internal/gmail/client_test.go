package gmail

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/wesm/mailsync/internal/provider"
)

const quotaExceededMsg = "Quota exceeded for quota metric 'Queries'"

// gmailErrorBody builds a Gmail API error response JSON body.
// Optional fields (message, errors, details) are included only when non-zero.
func gmailErrorBody(code int, message string, errors []map[string]string, details []map[string]string) []byte {
	inner := map[string]any{"code": code}
	if message != "" {
		inner["message"] = message
	}
	if errors != nil {
		inner["errors"] = errors
	}
	if details != nil {
		inner["details"] = details
	}
	b, err := json.Marshal(map[string]any{"error": inner})
	if err != nil {
		panic(fmt.Sprintf("failed to marshal test body: %v", err))
	}
	return b
}

func errorWithReason(reason string) []byte {
	return gmailErrorBody(403, "", []map[string]string{{"reason": reason}}, nil)
}

func errorWithDetail(reason string) []byte {
	return gmailErrorBody(403, "", nil, []map[string]string{{"reason": reason}})
}

func TestIsRateLimitError(t *testing.T) {
	tests := []struct {
		name string
		body []byte
		want bool
	}{
		{"RateLimitExceeded", errorWithReason("rateLimitExceeded"), true},
		{"RateLimitExceededByMessage", gmailErrorBody(403, quotaExceededMsg, []map[string]string{{"reason": "rateLimitExceeded"}}, nil), true},
		{"RateLimitExceededUpperCase", errorWithDetail("RATE_LIMIT_EXCEEDED"), true},
		{"QuotaExceeded", gmailErrorBody(403, quotaExceededMsg, nil, nil), true},
		{"UserRateLimitExceeded", errorWithReason("userRateLimitExceeded"), true},
		{"PermissionDenied", errorWithReason("forbidden"), false},
		{"EmptyBody", []byte{}, false},
		{"InvalidJSON", []byte("not valid json but contains rateLimitExceeded"), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isRateLimitError(parseError(403, tt.body)); got != tt.want {
				t.Errorf("isRateLimitError() = %v, want %v", got, tt.want)
			}
		})
	}
}

func newTestClient(t *testing.T, h http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c := NewClient(nil, WithBaseURL(srv.URL), WithHTTPClient(srv.Client()))
	c.backoff = func(int) time.Duration { return time.Millisecond }
	return c, srv
}

func TestClientRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, `{"emailAddress":"a@example.com","historyId":"12345"}`)
	}))

	p, err := c.GetProfile(context.Background())
	if err != nil {
		t.Fatalf("GetProfile: %v", err)
	}
	if p.HistoryId != 12345 {
		t.Errorf("HistoryId = %d, want 12345", p.HistoryId)
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("calls = %d, want 3", got)
	}
}

func TestClientDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
		w.Write(gmailErrorBody(404, "Requested entity was not found.", nil, nil))
	}))

	_, err := c.ListHistory(context.Background(), 7, "")
	if !IsHistoryExpired(err) {
		t.Fatalf("ListHistory err = %v, want history expired", err)
	}
	if !provider.IsNotFound(err) {
		t.Errorf("IsNotFound(%v) = false", err)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("calls = %d, want 1", got)
	}
}

func TestClientTransportErrorNotRetried(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := NewClient(nil, WithBaseURL(url))
	c.backoff = func(int) time.Duration {
		t.Error("transport error was retried")
		return 0
	}

	_, err := c.GetThread(context.Background(), "t1", "full")
	var fe *provider.FetchError
	if !errors.As(err, &fe) {
		t.Fatalf("err = %T %v, want *provider.FetchError", err, err)
	}
	if !fe.Transport() {
		t.Errorf("Transport() = false, status %d", fe.Status)
	}
	if got := provider.UserMessage(err); got != "Could not reach the mail server" {
		t.Errorf("UserMessage = %q", got)
	}
}

func TestClientHistoryRequest(t *testing.T) {
	var gotQuery string
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/users/me/history" {
			t.Errorf("path = %s", r.URL.Path)
		}
		gotQuery = r.URL.RawQuery
		fmt.Fprint(w, `{"history":[{"id":"105","messagesAdded":[{"message":{"id":"m1","threadId":"t1"}}]}],"historyId":"105"}`)
	}))

	resp, err := c.ListHistory(context.Background(), 100, "tok")
	if err != nil {
		t.Fatalf("ListHistory: %v", err)
	}
	if resp.HistoryId != 105 || len(resp.History) != 1 || resp.History[0].Id != 105 {
		t.Errorf("unexpected response %+v", resp)
	}
	for _, want := range []string{"startHistoryId=100", "pageToken=tok", "historyTypes=messageAdded"} {
		if !strings.Contains(gotQuery, want) {
			t.Errorf("query %q missing %q", gotQuery, want)
		}
	}
}

func TestClientSendMessageEncodesRawURLSafe(t *testing.T) {
	var body map[string]string
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/users/me/messages/send" {
			t.Errorf("request = %s %s", r.Method, r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
		}
		fmt.Fprint(w, `{"id":"m-9","threadId":"t-9","labelIds":["SENT"]}`)
	}))

	// Standard base64 of these bytes is "+/8=".
	raw := []byte{0xfb, 0xff}
	m, err := c.SendMessage(context.Background(), raw, "t-9")
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if m.Id != "m-9" {
		t.Errorf("message = %+v", m)
	}
	if body["raw"] != "-_8" {
		t.Errorf("raw = %q, want unpadded base64url %q", body["raw"], "-_8")
	}
	if body["threadId"] != "t-9" {
		t.Errorf("threadId = %q", body["threadId"])
	}
}

func TestClientCreateDraftEncodesRaw(t *testing.T) {
	var body map[string]map[string]string
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/users/me/drafts" {
			t.Errorf("request = %s %s", r.Method, r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
		}
		fmt.Fprint(w, `{"id":"r-1","message":{"id":"m-1","threadId":"t-1"}}`)
	}))

	d, err := c.CreateDraft(context.Background(), []byte("Subject: hi\r\n\r\nbody"), "t-1")
	if err != nil {
		t.Fatalf("CreateDraft: %v", err)
	}
	if d.Id != "r-1" || d.Message.ThreadId != "t-1" {
		t.Errorf("draft = %+v", d)
	}
	if body["message"]["threadId"] != "t-1" || body["message"]["raw"] == "" {
		t.Errorf("request body = %v", body)
	}
}
