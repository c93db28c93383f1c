package gmail

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"
	gmailv1 "google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"

	"github.com/wesm/mailsync/internal/mime"
	"github.com/wesm/mailsync/internal/provider"
)

const (
	// DefaultBaseURL is the production Gmail REST endpoint.
	DefaultBaseURL = "https://gmail.googleapis.com/gmail/v1"
	maxRetries     = 5
	maxBackoff     = 32 // seconds
)

// Client implements API over the Gmail REST surface.
type Client struct {
	httpClient  *http.Client
	rateLimiter *RateLimiter
	logger      *slog.Logger
	baseURL     string
	userID      string
	backoff     func(attempt int) time.Duration
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithLogger sets the logger for the client.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// WithRateLimiter sets a custom rate limiter.
func WithRateLimiter(rl *RateLimiter) ClientOption {
	return func(c *Client) { c.rateLimiter = rl }
}

// WithBaseURL points the client at a different endpoint, such as a local
// development mock.
func WithBaseURL(u string) ClientOption {
	return func(c *Client) { c.baseURL = u }
}

// WithHTTPClient replaces the OAuth-wrapped HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

// NewClient creates a Gmail client authorized by tokenSource.
func NewClient(tokenSource oauth2.TokenSource, opts ...ClientOption) *Client {
	c := &Client{
		userID:  "me",
		baseURL: DefaultBaseURL,
		logger:  slog.Default(),
		backoff: calculateBackoff,
	}
	if tokenSource != nil {
		c.httpClient = oauth2.NewClient(context.Background(), tokenSource)
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.httpClient == nil {
		c.httpClient = http.DefaultClient
	}
	if c.rateLimiter == nil {
		c.rateLimiter = NewRateLimiter(5.0)
	}
	return c
}

// request performs one API call with rate limiting. Quota and server
// errors are retried with backoff; transport errors are returned at once
// and left for the next scheduled sync. Every failure is a
// *provider.FetchError.
func (c *Client) request(ctx context.Context, op Operation, method, path string, body []byte) ([]byte, error) {
	opName := method + " " + path
	if err := c.rateLimiter.Acquire(ctx, op); err != nil {
		return nil, &provider.FetchError{Op: opName, Reason: "rate limit wait", Err: err}
	}

	var lastErr *provider.FetchError
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			backoff := c.backoff(attempt)
			c.logger.Debug("retrying request", "attempt", attempt, "backoff", backoff, "path", path)
			select {
			case <-ctx.Done():
				return nil, &provider.FetchError{Op: opName, Reason: "cancelled", Err: ctx.Err()}
			case <-time.After(backoff):
			}
		}

		var rd io.Reader
		if body != nil {
			rd = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
		if err != nil {
			return nil, &provider.FetchError{Op: opName, Reason: "build request", Err: err}
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, &provider.FetchError{Op: opName, Reason: "transport", Err: err}
		}
		respBody, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return nil, &provider.FetchError{Op: opName, Reason: "read response", Err: err}
		}
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return respBody, nil
		}

		apiErr := parseError(resp.StatusCode, respBody)
		lastErr = &provider.FetchError{Op: opName, Status: resp.StatusCode, Reason: apiErr.Message, Err: apiErr}

		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			c.logger.Debug("rate limited, backing off 30s", "path", path, "attempt", attempt)
			c.rateLimiter.Throttle(30 * time.Second)
		case resp.StatusCode == http.StatusForbidden && isRateLimitError(apiErr):
			c.logger.Debug("quota exceeded, backing off 60s", "path", path, "attempt", attempt)
			c.rateLimiter.Throttle(60 * time.Second)
		case resp.StatusCode >= 500:
		default:
			return nil, lastErr
		}
	}
	return nil, lastErr
}

func calculateBackoff(attempt int) time.Duration {
	base := min(float64(uint(1)<<uint(attempt)), maxBackoff)
	return time.Duration(rand.Float64() * base * float64(time.Second))
}

func parseError(status int, body []byte) *googleapi.Error {
	var wrapper struct {
		Error *googleapi.Error `json:"error"`
	}
	if err := json.Unmarshal(body, &wrapper); err == nil && wrapper.Error != nil {
		wrapper.Error.Body = string(body)
		if wrapper.Error.Message == "" {
			wrapper.Error.Message = http.StatusText(status)
		}
		return wrapper.Error
	}
	return &googleapi.Error{Code: status, Message: http.StatusText(status), Body: string(body)}
}

// isRateLimitError reports whether a 403 is a quota error rather than a
// permission error.
func isRateLimitError(e *googleapi.Error) bool {
	for _, item := range e.Errors {
		switch item.Reason {
		case "rateLimitExceeded", "userRateLimitExceeded", "RATE_LIMIT_EXCEEDED":
			return true
		}
	}
	for _, marker := range rateLimitMarkers {
		if strings.Contains(e.Body, marker) {
			return true
		}
	}
	return false
}

var rateLimitMarkers = []string{"rateLimitExceeded", "RateLimitExceeded", "RATE_LIMIT_EXCEEDED", "Quota exceeded"}

func (c *Client) userPath(format string, args ...any) string {
	return "/users/" + c.userID + fmt.Sprintf(format, args...)
}

func (c *Client) getJSON(ctx context.Context, op Operation, path string, out any) error {
	data, err := c.request(ctx, op, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &provider.FetchError{Op: "GET " + path, Reason: "decode response", Err: err}
	}
	return nil
}

func (c *Client) sendJSON(ctx context.Context, op Operation, method, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	data, err := c.request(ctx, op, method, path, body)
	if err != nil {
		return err
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &provider.FetchError{Op: method + " " + path, Reason: "decode response", Err: err}
	}
	return nil
}

// GetProfile returns the authenticated user's profile.
func (c *Client) GetProfile(ctx context.Context) (*gmailv1.Profile, error) {
	var p gmailv1.Profile
	if err := c.getJSON(ctx, OpProfile, c.userPath("/profile"), &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// ListThreads returns one page of threads.
func (c *Client) ListThreads(ctx context.Context, labelIDs []string, query, pageToken string, maxResults int) (*gmailv1.ListThreadsResponse, error) {
	params := url.Values{}
	params.Set("maxResults", strconv.Itoa(maxResults))
	for _, l := range labelIDs {
		params.Add("labelIds", l)
	}
	if query != "" {
		params.Set("q", query)
	}
	if pageToken != "" {
		params.Set("pageToken", pageToken)
	}
	var resp gmailv1.ListThreadsResponse
	if err := c.getJSON(ctx, OpThreadsList, c.userPath("/threads?%s", params.Encode()), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetThread fetches one thread.
func (c *Client) GetThread(ctx context.Context, threadID, format string) (*gmailv1.Thread, error) {
	params := url.Values{}
	params.Set("format", format)
	var th gmailv1.Thread
	path := c.userPath("/threads/%s?%s", url.PathEscape(threadID), params.Encode())
	if err := c.getJSON(ctx, OpThreadsGet, path, &th); err != nil {
		return nil, err
	}
	return &th, nil
}

// ListHistory returns changes since startHistoryID.
func (c *Client) ListHistory(ctx context.Context, startHistoryID uint64, pageToken string) (*gmailv1.ListHistoryResponse, error) {
	params := url.Values{}
	params.Set("startHistoryId", strconv.FormatUint(startHistoryID, 10))
	for _, ht := range []string{"messageAdded", "messageDeleted", "labelAdded", "labelRemoved"} {
		params.Add("historyTypes", ht)
	}
	if pageToken != "" {
		params.Set("pageToken", pageToken)
	}
	var resp gmailv1.ListHistoryResponse
	if err := c.getJSON(ctx, OpHistoryList, c.userPath("/history?%s", params.Encode()), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetAttachment downloads and decodes an attachment.
func (c *Client) GetAttachment(ctx context.Context, messageID, attachmentID string) ([]byte, error) {
	var body gmailv1.MessagePartBody
	path := c.userPath("/messages/%s/attachments/%s", url.PathEscape(messageID), url.PathEscape(attachmentID))
	if err := c.getJSON(ctx, OpAttachmentsGet, path, &body); err != nil {
		return nil, err
	}
	data, err := mime.DecodeBase64URL(body.Data)
	if err != nil {
		return nil, fmt.Errorf("decode attachment %s: %w", attachmentID, err)
	}
	return data, nil
}

// ModifyThread adds and removes labels on every message in a thread.
func (c *Client) ModifyThread(ctx context.Context, threadID string, add, remove []string) error {
	req := &gmailv1.ModifyThreadRequest{AddLabelIds: add, RemoveLabelIds: remove}
	return c.sendJSON(ctx, OpThreadsModify, http.MethodPost, c.userPath("/threads/%s/modify", url.PathEscape(threadID)), req, nil)
}

// TrashThread moves a thread to trash.
func (c *Client) TrashThread(ctx context.Context, threadID string) error {
	_, err := c.request(ctx, OpThreadsTrash, http.MethodPost, c.userPath("/threads/%s/trash", url.PathEscape(threadID)), nil)
	return err
}

// DeleteThread permanently deletes a thread.
func (c *Client) DeleteThread(ctx context.Context, threadID string) error {
	_, err := c.request(ctx, OpThreadsDelete, http.MethodDelete, c.userPath("/threads/%s", url.PathEscape(threadID)), nil)
	return err
}

// ListDrafts returns one page of draft ids.
func (c *Client) ListDrafts(ctx context.Context, pageToken string) (*gmailv1.ListDraftsResponse, error) {
	params := url.Values{}
	if pageToken != "" {
		params.Set("pageToken", pageToken)
	}
	var resp gmailv1.ListDraftsResponse
	if err := c.getJSON(ctx, OpDraftsList, c.userPath("/drafts?%s", params.Encode()), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetDraft fetches one draft.
func (c *Client) GetDraft(ctx context.Context, draftID, format string) (*gmailv1.Draft, error) {
	var d gmailv1.Draft
	path := c.userPath("/drafts/%s?format=%s", url.PathEscape(draftID), url.QueryEscape(format))
	if err := c.getJSON(ctx, OpDraftsGet, path, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

func draftBody(raw []byte, threadID string) *gmailv1.Draft {
	return &gmailv1.Draft{Message: &gmailv1.Message{
		Raw:      mime.EncodeBase64URL(raw),
		ThreadId: threadID,
	}}
}

// CreateDraft stores a new draft. threadID attaches it to a conversation.
func (c *Client) CreateDraft(ctx context.Context, raw []byte, threadID string) (*gmailv1.Draft, error) {
	var d gmailv1.Draft
	if err := c.sendJSON(ctx, OpDraftsCreate, http.MethodPost, c.userPath("/drafts"), draftBody(raw, threadID), &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// UpdateDraft replaces a draft's content.
func (c *Client) UpdateDraft(ctx context.Context, draftID string, raw []byte, threadID string) (*gmailv1.Draft, error) {
	body := draftBody(raw, threadID)
	body.Id = draftID
	var d gmailv1.Draft
	if err := c.sendJSON(ctx, OpDraftsUpdate, http.MethodPut, c.userPath("/drafts/%s", url.PathEscape(draftID)), body, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// DeleteDraft removes a draft.
func (c *Client) DeleteDraft(ctx context.Context, draftID string) error {
	_, err := c.request(ctx, OpDraftsDelete, http.MethodDelete, c.userPath("/drafts/%s", url.PathEscape(draftID)), nil)
	return err
}

// SendDraft sends an existing draft.
func (c *Client) SendDraft(ctx context.Context, draftID string) (*gmailv1.Message, error) {
	var m gmailv1.Message
	if err := c.sendJSON(ctx, OpDraftsSend, http.MethodPost, c.userPath("/drafts/send"), &gmailv1.Draft{Id: draftID}, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// SendMessage sends raw RFC 822 bytes without a draft.
func (c *Client) SendMessage(ctx context.Context, raw []byte, threadID string) (*gmailv1.Message, error) {
	body := &gmailv1.Message{Raw: mime.EncodeBase64URL(raw), ThreadId: threadID}
	var m gmailv1.Message
	if err := c.sendJSON(ctx, OpMessagesSend, http.MethodPost, c.userPath("/messages/send"), body, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// CreateForwardingAddress registers a forwarding address.
func (c *Client) CreateForwardingAddress(ctx context.Context, email string) (*gmailv1.ForwardingAddress, error) {
	var fa gmailv1.ForwardingAddress
	req := &gmailv1.ForwardingAddress{ForwardingEmail: email}
	if err := c.sendJSON(ctx, OpForwardingCreate, http.MethodPost, c.userPath("/settings/forwardingAddresses"), req, &fa); err != nil {
		return nil, err
	}
	return &fa, nil
}

// Watch registers push notifications to a Pub/Sub topic.
func (c *Client) Watch(ctx context.Context, topicName string, labelIDs []string) (*gmailv1.WatchResponse, error) {
	req := &gmailv1.WatchRequest{TopicName: topicName, LabelIds: labelIDs}
	if len(labelIDs) > 0 {
		req.LabelFilterBehavior = "include"
	}
	var resp gmailv1.WatchResponse
	if err := c.sendJSON(ctx, OpWatch, http.MethodPost, c.userPath("/watch"), req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// StopWatch cancels push notifications.
func (c *Client) StopWatch(ctx context.Context) error {
	_, err := c.request(ctx, OpWatch, http.MethodPost, c.userPath("/stop"), nil)
	return err
}

// IsHistoryExpired reports whether err is the 404 Gmail returns for a
// startHistoryId outside the retained window.
func IsHistoryExpired(err error) bool {
	var fe *provider.FetchError
	return errors.As(err, &fe) && fe.Status == http.StatusNotFound
}

var _ API = (*Client)(nil)
