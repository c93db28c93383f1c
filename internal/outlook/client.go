package outlook

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

	"github.com/microsoft/kiota-abstractions-go/serialization"
	jsonserialization "github.com/microsoft/kiota-serialization-json-go"
	"github.com/microsoftgraph/msgraph-sdk-go/models"
	"github.com/sony/gobreaker"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"github.com/wesm/mailsync/internal/provider"
)

const (
	// DefaultBaseURL is the production Graph endpoint.
	DefaultBaseURL = "https://graph.microsoft.com/v1.0"
	maxRetries     = 4
	maxBackoff     = 32 // seconds

	// Graph allows 10,000 requests per 10 minutes per mailbox.
	defaultRPS   = 16
	defaultBurst = 4
)

const (
	metadataFields = "id,conversationId,subject,from,toRecipients,ccRecipients,bodyPreview," +
		"receivedDateTime,lastModifiedDateTime,isRead,isDraft,flag,categories,parentFolderId," +
		"hasAttachments,internetMessageId"
	fullFields = metadataFields + ",body,bccRecipients,internetMessageHeaders"
)

// Client implements API over Graph REST.
type Client struct {
	httpClient *http.Client
	limiter    *rate.Limiter
	breaker    *gobreaker.CircuitBreaker
	logger     *slog.Logger
	baseURL    string
	backoff    func(attempt int) time.Duration
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithLogger sets the logger for the client.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// WithBaseURL points the client at a different endpoint.
func WithBaseURL(u string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

// WithHTTPClient replaces the OAuth-wrapped HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

// WithRateLimit overrides the request rate.
func WithRateLimit(rps float64, burst int) ClientOption {
	return func(c *Client) { c.limiter = rate.NewLimiter(rate.Limit(rps), burst) }
}

// NewClient creates a Graph client authorized by tokenSource.
func NewClient(tokenSource oauth2.TokenSource, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: DefaultBaseURL,
		logger:  slog.Default(),
		limiter: rate.NewLimiter(defaultRPS, defaultBurst),
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
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "graph-api",
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.ConsecutiveFailures > 5 ||
				(counts.Requests >= 10 && failureRatio >= 0.6)
		},
		// Client errors say nothing about Graph's health.
		IsSuccessful: func(err error) bool {
			var fe *provider.FetchError
			if errors.As(err, &fe) && fe.Status != 0 {
				return fe.Status < 500 && fe.Status != http.StatusTooManyRequests
			}
			return err == nil
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.logger.Warn("circuit breaker state changed", "name", name, "from", from.String(), "to", to.String())
		},
	})
	return c
}

func calculateBackoff(attempt int) time.Duration {
	base := min(float64(uint(1)<<uint(attempt)), maxBackoff)
	return time.Duration(rand.Float64() * base * float64(time.Second))
}

// resolve returns an absolute URL. Absolute URLs, such as next links,
// pass through untouched.
func (c *Client) resolve(ref string) string {
	if strings.HasPrefix(ref, "https://") || strings.HasPrefix(ref, "http://") {
		return ref
	}
	return c.baseURL + ref
}

// request performs one Graph call. 429 and 5xx responses are retried,
// honoring Retry-After; transport failures and other statuses are not.
func (c *Client) request(ctx context.Context, method, ref string, body []byte) ([]byte, error) {
	target := c.resolve(ref)
	opName := method + " " + ref
	if len(opName) > 120 {
		opName = opName[:120]
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, &provider.FetchError{Op: opName, Reason: "rate limit wait", Err: err}
		}

		var retryAfter time.Duration
		out, err := c.breaker.Execute(func() (any, error) {
			data, wait, err := c.do(ctx, method, target, body, opName)
			retryAfter = wait
			return data, err
		})
		if err == nil {
			data, _ := out.([]byte)
			return data, nil
		}
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, &provider.FetchError{Op: opName, Reason: "circuit open", Err: err}
		}
		lastErr = err

		var fe *provider.FetchError
		if !errors.As(err, &fe) || fe.Status == 0 {
			return nil, err
		}
		if fe.Status != http.StatusTooManyRequests && fe.Status < 500 {
			return nil, err
		}
		if attempt == maxRetries {
			break
		}
		wait := c.backoff(attempt + 1)
		if retryAfter > wait {
			wait = retryAfter
		}
		c.logger.Debug("retrying request", "attempt", attempt+1, "status", fe.Status, "wait", wait)
		select {
		case <-ctx.Done():
			return nil, &provider.FetchError{Op: opName, Reason: "cancelled", Err: ctx.Err()}
		case <-time.After(wait):
		}
	}
	return nil, lastErr
}

func (c *Client) do(ctx context.Context, method, target string, body []byte, opName string) ([]byte, time.Duration, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, rd)
	if err != nil {
		return nil, 0, &provider.FetchError{Op: opName, Reason: "build request", Err: err}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Prefer", `outlook.body-content-type="html"`)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, &provider.FetchError{Op: opName, Reason: "transport", Err: err}
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, &provider.FetchError{Op: opName, Reason: "read response", Err: err}
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return data, 0, nil
	}
	var wait time.Duration
	if s, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && s > 0 {
		wait = min(time.Duration(s)*time.Second, maxBackoff*time.Second)
	}
	return nil, wait, &provider.FetchError{Op: opName, Status: resp.StatusCode, Reason: graphErrorMessage(resp.StatusCode, data)}
}

func graphErrorMessage(status int, body []byte) string {
	var wrapper struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &wrapper); err == nil && wrapper.Error.Code != "" {
		return wrapper.Error.Code + ": " + wrapper.Error.Message
	}
	return http.StatusText(status)
}

func decode[T any](data []byte, factory serialization.ParsableFactory) (T, error) {
	var zero T
	node, err := jsonserialization.NewJsonParseNode(data)
	if err != nil {
		return zero, fmt.Errorf("parse graph response: %w", err)
	}
	v, err := node.GetObjectValue(factory)
	if err != nil {
		return zero, fmt.Errorf("decode graph response: %w", err)
	}
	out, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("decode graph response: unexpected type %T", v)
	}
	return out, nil
}

func encode(v serialization.Parsable) ([]byte, error) {
	w := jsonserialization.NewJsonSerializationWriter()
	defer w.Close()
	if err := w.WriteObjectValue("", v); err != nil {
		return nil, fmt.Errorf("encode graph request: %w", err)
	}
	return w.GetSerializedContent()
}

// odataQuery encodes system query options. url.Values would escape the
// leading "$" and encode spaces as "+".
func odataQuery(pairs ...[2]string) string {
	var b strings.Builder
	for _, p := range pairs {
		if p[1] == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('&')
		}
		b.WriteString(p[0])
		b.WriteByte('=')
		b.WriteString(strings.ReplaceAll(url.QueryEscape(p[1]), "+", "%20"))
	}
	return b.String()
}

func odataString(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

func messagesPath(q MessageQuery) string {
	path := "/me/messages"
	if q.Folder != "" {
		path = "/me/mailFolders/" + url.PathEscape(q.Folder) + "/messages"
	}
	var filters []string
	if q.ConversationID != "" {
		filters = append(filters, "conversationId eq "+odataString(q.ConversationID))
	}
	if q.Flagged {
		filters = append(filters, "flag/flagStatus eq 'flagged'")
	}
	if !q.ReceivedSince.IsZero() {
		filters = append(filters, "receivedDateTime ge "+q.ReceivedSince.UTC().Format(time.RFC3339))
	}
	fields := metadataFields
	if q.Full {
		fields = fullFields
	}
	top := ""
	if q.Top > 0 {
		top = strconv.Itoa(q.Top)
	}
	orderBy, search := "", ""
	if q.Search != "" {
		search = `"` + strings.ReplaceAll(q.Search, `"`, `\"`) + `"`
	} else if q.Newest {
		orderBy = "receivedDateTime desc"
	}
	return path + "?" + odataQuery(
		[2]string{"$select", fields},
		[2]string{"$filter", strings.Join(filters, " and ")},
		[2]string{"$orderby", orderBy},
		[2]string{"$search", search},
		[2]string{"$top", top},
	)
}

// ListMessages runs q, or follows nextLink verbatim.
func (c *Client) ListMessages(ctx context.Context, q MessageQuery, nextLink string) (*MessagePage, error) {
	ref := nextLink
	if ref == "" {
		ref = messagesPath(q)
	}
	data, err := c.request(ctx, http.MethodGet, ref, nil)
	if err != nil {
		return nil, err
	}
	resp, err := decode[models.MessageCollectionResponseable](data, models.CreateMessageCollectionResponseFromDiscriminatorValue)
	if err != nil {
		return nil, err
	}
	page := &MessagePage{Messages: resp.GetValue()}
	if link := resp.GetOdataNextLink(); link != nil {
		page.NextLink = *link
	}
	return page, nil
}

// ListAttachments lists attachment metadata for a message.
func (c *Client) ListAttachments(ctx context.Context, messageID string) ([]models.Attachmentable, error) {
	ref := "/me/messages/" + url.PathEscape(messageID) + "/attachments?" +
		odataQuery([2]string{"$select", "id,name,contentType,size,isInline"})
	data, err := c.request(ctx, http.MethodGet, ref, nil)
	if err != nil {
		return nil, err
	}
	resp, err := decode[models.AttachmentCollectionResponseable](data, models.CreateAttachmentCollectionResponseFromDiscriminatorValue)
	if err != nil {
		return nil, err
	}
	return resp.GetValue(), nil
}

// GetAttachment fetches one attachment including its content.
func (c *Client) GetAttachment(ctx context.Context, messageID, attachmentID string) (models.Attachmentable, error) {
	ref := "/me/messages/" + url.PathEscape(messageID) + "/attachments/" + url.PathEscape(attachmentID)
	data, err := c.request(ctx, http.MethodGet, ref, nil)
	if err != nil {
		return nil, err
	}
	return decode[models.Attachmentable](data, models.CreateAttachmentFromDiscriminatorValue)
}

// GetFolder resolves a well-known folder name or id.
func (c *Client) GetFolder(ctx context.Context, name string) (models.MailFolderable, error) {
	data, err := c.request(ctx, http.MethodGet, "/me/mailFolders/"+url.PathEscape(name), nil)
	if err != nil {
		return nil, err
	}
	return decode[models.MailFolderable](data, models.CreateMailFolderFromDiscriminatorValue)
}

// ListFolders lists top-level folders.
func (c *Client) ListFolders(ctx context.Context) ([]models.MailFolderable, error) {
	var out []models.MailFolderable
	ref := "/me/mailFolders?" + odataQuery([2]string{"$top", "100"})
	for ref != "" {
		data, err := c.request(ctx, http.MethodGet, ref, nil)
		if err != nil {
			return nil, err
		}
		resp, err := decode[models.MailFolderCollectionResponseable](data, models.CreateMailFolderCollectionResponseFromDiscriminatorValue)
		if err != nil {
			return nil, err
		}
		out = append(out, resp.GetValue()...)
		ref = ""
		if link := resp.GetOdataNextLink(); link != nil {
			ref = *link
		}
	}
	return out, nil
}

func (c *Client) messageCall(ctx context.Context, method, ref string, body []byte) (models.Messageable, error) {
	data, err := c.request(ctx, method, ref, body)
	if err != nil {
		return nil, err
	}
	return decode[models.Messageable](data, models.CreateMessageFromDiscriminatorValue)
}

// UpdateMessage patches a message.
func (c *Client) UpdateMessage(ctx context.Context, id string, patch models.Messageable) (models.Messageable, error) {
	body, err := encode(patch)
	if err != nil {
		return nil, err
	}
	return c.messageCall(ctx, http.MethodPatch, "/me/messages/"+url.PathEscape(id), body)
}

// MoveMessage moves a message to destination.
func (c *Client) MoveMessage(ctx context.Context, id, destination string) (models.Messageable, error) {
	body, err := json.Marshal(map[string]string{"destinationId": destination})
	if err != nil {
		return nil, err
	}
	return c.messageCall(ctx, http.MethodPost, "/me/messages/"+url.PathEscape(id)+"/move", body)
}

// DeleteMessage permanently deletes a message.
func (c *Client) DeleteMessage(ctx context.Context, id string) error {
	_, err := c.request(ctx, http.MethodPost, "/me/messages/"+url.PathEscape(id)+"/permanentDelete", []byte("{}"))
	return err
}

// CreateMessage creates a draft in the Drafts folder.
func (c *Client) CreateMessage(ctx context.Context, m models.Messageable) (models.Messageable, error) {
	body, err := encode(m)
	if err != nil {
		return nil, err
	}
	return c.messageCall(ctx, http.MethodPost, "/me/messages", body)
}

// CreateReply creates a reply, reply-all or forward draft.
func (c *Client) CreateReply(ctx context.Context, id string, kind provider.ReplyType) (models.Messageable, error) {
	action := "createReply"
	switch kind {
	case provider.ReplyAll:
		action = "createReplyAll"
	case provider.Forward:
		action = "createForward"
	}
	return c.messageCall(ctx, http.MethodPost, "/me/messages/"+url.PathEscape(id)+"/"+action, []byte("{}"))
}

// SendMessage sends a draft.
func (c *Client) SendMessage(ctx context.Context, id string) error {
	_, err := c.request(ctx, http.MethodPost, "/me/messages/"+url.PathEscape(id)+"/send", []byte("{}"))
	return err
}

// CreateSubscription registers a change notification subscription.
func (c *Client) CreateSubscription(ctx context.Context, s models.Subscriptionable) (models.Subscriptionable, error) {
	body, err := encode(s)
	if err != nil {
		return nil, err
	}
	data, err := c.request(ctx, http.MethodPost, "/subscriptions", body)
	if err != nil {
		return nil, err
	}
	return decode[models.Subscriptionable](data, models.CreateSubscriptionFromDiscriminatorValue)
}

// RenewSubscription extends a subscription's expiry.
func (c *Client) RenewSubscription(ctx context.Context, id string, expiry time.Time) error {
	patch := models.NewSubscription()
	patch.SetExpirationDateTime(&expiry)
	body, err := encode(patch)
	if err != nil {
		return err
	}
	_, err = c.request(ctx, http.MethodPatch, "/subscriptions/"+url.PathEscape(id), body)
	return err
}

// DeleteSubscription removes a subscription.
func (c *Client) DeleteSubscription(ctx context.Context, id string) error {
	_, err := c.request(ctx, http.MethodDelete, "/subscriptions/"+url.PathEscape(id), nil)
	return err
}

var _ API = (*Client)(nil)
