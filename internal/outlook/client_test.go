package outlook

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/wesm/mailsync/internal/provider"
)

type recorder struct {
	mu   sync.Mutex
	uris []string
}

func (r *recorder) add(uri string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.uris = append(r.uris, uri)
}

func (r *recorder) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.uris...)
}

func newTestClient(t *testing.T, h http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c := NewClient(nil, WithBaseURL(srv.URL), WithHTTPClient(srv.Client()), WithRateLimit(1000, 100))
	c.backoff = func(int) time.Duration { return time.Millisecond }
	return c, srv
}

func TestListMessagesFollowsNextLinkVerbatim(t *testing.T) {
	rec := &recorder{}
	var srvURL string
	const skip = "/me/messages?%24skiptoken=RFNwdAIAAQAAAD8%3D&$top=20"
	c, srv := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		rec.add(r.URL.RequestURI())
		if strings.Contains(r.URL.RawQuery, "skiptoken") {
			fmt.Fprint(w, `{"value":[{"id":"m3","conversationId":"c2","receivedDateTime":"2024-01-01T00:03:00Z"}]}`)
			return
		}
		fmt.Fprintf(w, `{"value":[
			{"id":"m1","conversationId":"c1","subject":"Hi","receivedDateTime":"2024-01-01T00:01:00Z","isRead":false},
			{"id":"m2","conversationId":"c1","receivedDateTime":"2024-01-01T00:02:00Z"}
		],"@odata.nextLink":"%s%s"}`, srvURL, skip)
	})
	srvURL = srv.URL

	page, err := c.ListMessages(context.Background(), MessageQuery{Folder: "inbox", Top: 20, Newest: true}, "")
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(page.Messages) != 2 || str(page.Messages[0].GetSubject()) != "Hi" {
		t.Fatalf("first page = %d messages", len(page.Messages))
	}
	if page.NextLink != srv.URL+skip {
		t.Fatalf("NextLink = %q", page.NextLink)
	}

	page, err = c.ListMessages(context.Background(), MessageQuery{Folder: "ignored"}, page.NextLink)
	if err != nil {
		t.Fatalf("ListMessages next: %v", err)
	}
	if len(page.Messages) != 1 || page.NextLink != "" {
		t.Errorf("second page = %d messages, next %q", len(page.Messages), page.NextLink)
	}

	uris := rec.all()
	if len(uris) != 2 {
		t.Fatalf("requests = %v", uris)
	}
	if uris[1] != skip {
		t.Errorf("next link request = %q, want %q", uris[1], skip)
	}
	if !strings.HasPrefix(uris[0], "/me/mailFolders/inbox/messages?$select=") ||
		!strings.Contains(uris[0], "$orderby=receivedDateTime%20desc") {
		t.Errorf("first request = %q", uris[0])
	}
}

func TestMessagesPathFilters(t *testing.T) {
	after := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	got := messagesPath(MessageQuery{ConversationID: "AAQk'x", ReceivedSince: after})
	for _, want := range []string{
		"/me/messages?",
		"$filter=conversationId%20eq%20%27AAQk%27%27x%27%20and%20receivedDateTime%20ge%202024-03-01T12%3A00%3A00Z",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("path %q missing %q", got, want)
		}
	}
	if strings.Contains(got, "%2Cbody%2C") {
		t.Errorf("metadata query selects body: %q", got)
	}
	if full := messagesPath(MessageQuery{Full: true}); !strings.Contains(full, "%2Cbody%2C") {
		t.Errorf("full query does not select body: %q", full)
	}
}

func TestClientRetriesThrottling(t *testing.T) {
	var calls int
	var mu sync.Mutex
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		fmt.Fprint(w, `{"id":"folder-1","displayName":"Inbox"}`)
	})

	f, err := c.GetFolder(context.Background(), "inbox")
	if err != nil {
		t.Fatalf("GetFolder: %v", err)
	}
	if str(f.GetId()) != "folder-1" {
		t.Errorf("folder id = %q", str(f.GetId()))
	}
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
}

func TestClientErrorsDoNotTripBreaker(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"error":{"code":"ErrorItemNotFound","message":"not found"}}`)
	})

	for range 10 {
		_, err := c.GetFolder(context.Background(), "archive")
		if !provider.IsNotFound(err) {
			t.Fatalf("err = %v, want not found", err)
		}
	}
	if got := c.breaker.State().String(); got != "closed" {
		t.Errorf("breaker state = %s, want closed", got)
	}
}

func TestClientServerErrorsOpenBreaker(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	var last error
	for range 3 {
		_, last = c.GetFolder(context.Background(), "inbox")
	}
	var reasons []string
	if fe, ok := last.(*provider.FetchError); ok {
		reasons = append(reasons, fe.Reason)
	}
	if diff := cmp.Diff([]string{"circuit open"}, reasons); diff != "" {
		t.Errorf("final error reason mismatch (-want +got):\n%s", diff)
	}
}

func TestEncodeDraftMessage(t *testing.T) {
	m, err := draftMessage(provider.Draft{To: "Alice <alice@example.com>, bob@example.com", Subject: "Hi", HTML: "<p>x</p>"})
	if err != nil {
		t.Fatalf("draftMessage: %v", err)
	}
	body, err := encode(m)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	for _, want := range []string{`"subject":"Hi"`, `"address":"alice@example.com"`, `"address":"bob@example.com"`, `"contentType":"html"`} {
		if !strings.Contains(string(body), want) {
			t.Errorf("encoded body missing %s: %s", want, body)
		}
	}
}
