package chatplatform

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/valyala/fasthttp"
)

// Platform error codes the bridge reacts to.
const (
	CodeUnknownChannel = 10003
	CodeUnknownWebhook = 10015
	CodeMaxWebhooks    = 30007
)

// APIError is a non-2xx response.
type APIError struct {
	Method  string
	Path    string
	Status  int
	Code    int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("chat api %s %s: status=%d code=%d %s", e.Method, e.Path, e.Status, e.Code, e.Message)
}

// IsUnknownWebhook reports whether err means the webhook no longer exists.
func IsUnknownWebhook(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.Code == CodeUnknownWebhook || apiErr.Status == fasthttp.StatusNotFound
}

// IsMaxWebhooks reports whether the channel is at its webhook ceiling.
func IsMaxWebhooks(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == CodeMaxWebhooks
}

type Client struct {
	baseURL string
	token   string
	http    *fasthttp.Client

	defaultTimeout time.Duration
	retryMax       int
	retryBase      time.Duration
}

type Option func(*Client)

func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.defaultTimeout = d }
}

func WithMaxConnsPerHost(n int) Option {
	return func(c *Client) { c.http.MaxConnsPerHost = n }
}

func WithRetry(max int, base time.Duration) Option {
	return func(c *Client) {
		c.retryMax = max
		if base > 0 {
			c.retryBase = base
		}
	}
}

// NewClient authenticates with a bot token.
func NewClient(baseURL, token string, opts ...Option) *Client {
	c := &Client{
		baseURL:        strings.TrimRight(baseURL, "/"),
		token:          token,
		http:           &fasthttp.Client{ReadTimeout: 10 * time.Second, WriteTimeout: 10 * time.Second, MaxConnsPerHost: 64},
		defaultTimeout: 10 * time.Second,
		retryMax:       3,
		retryBase:      200 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) GetChannel(ctx context.Context, channelID string) (*Channel, error) {
	var ch Channel
	if err := c.doJSON(ctx, fasthttp.MethodGet, "/channels/"+channelID, nil, &ch); err != nil {
		return nil, err
	}
	return &ch, nil
}

func (c *Client) ListChannelWebhooks(ctx context.Context, channelID string) ([]Webhook, error) {
	var hooks []Webhook
	if err := c.doJSON(ctx, fasthttp.MethodGet, "/channels/"+channelID+"/webhooks", nil, &hooks); err != nil {
		return nil, err
	}
	return hooks, nil
}

func (c *Client) CreateWebhook(ctx context.Context, channelID, name string) (*Webhook, error) {
	var hook Webhook
	in := map[string]string{"name": name}
	if err := c.doJSON(ctx, fasthttp.MethodPost, "/channels/"+channelID+"/webhooks", in, &hook); err != nil {
		return nil, err
	}
	return &hook, nil
}

func (c *Client) ExecuteWebhook(ctx context.Context, hook Webhook, params WebhookParams) (*Message, error) {
	var msg Message
	path := "/webhooks/" + hook.ID + "/" + hook.Token + "?wait=true"
	if err := c.doJSON(ctx, fasthttp.MethodPost, path, params, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

func (c *Client) CreateMessage(ctx context.Context, channelID string, params MessageParams) (*Message, error) {
	var msg Message
	if err := c.doJSON(ctx, fasthttp.MethodPost, "/channels/"+channelID+"/messages", params, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// CreateDM opens (or returns) the DM channel with a user.
func (c *Client) CreateDM(ctx context.Context, userID string) (*Channel, error) {
	var ch Channel
	in := map[string]string{"recipient_id": userID}
	if err := c.doJSON(ctx, fasthttp.MethodPost, "/users/@me/channels", in, &ch); err != nil {
		return nil, err
	}
	return &ch, nil
}

func (c *Client) ListGuildChannels(ctx context.Context, guildID string) ([]Channel, error) {
	var out []Channel
	if err := c.doJSON(ctx, fasthttp.MethodGet, "/guilds/"+guildID+"/channels", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) ListGuildRoles(ctx context.Context, guildID string) ([]Role, error) {
	var out []Role
	if err := c.doJSON(ctx, fasthttp.MethodGet, "/guilds/"+guildID+"/roles", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) ListGuildEmojis(ctx context.Context, guildID string) ([]Emoji, error) {
	var out []Emoji
	if err := c.doJSON(ctx, fasthttp.MethodGet, "/guilds/"+guildID+"/emojis", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) GetGuildMember(ctx context.Context, guildID, userID string) (*Member, error) {
	var m Member
	if err := c.doJSON(ctx, fasthttp.MethodGet, "/guilds/"+guildID+"/members/"+userID, nil, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

func (c *Client) SearchGuildMembers(ctx context.Context, guildID, query string, limit int) ([]Member, error) {
	if limit <= 0 {
		limit = 10
	}
	q := url.Values{}
	q.Set("query", query)
	q.Set("limit", strconv.Itoa(limit))
	var out []Member
	if err := c.doJSON(ctx, fasthttp.MethodGet, "/guilds/"+guildID+"/members/search?"+q.Encode(), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, in any, out any) error {
	var payload []byte
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		payload = b
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = c.retryBase
	eb.MaxInterval = 5 * time.Second
	var policy backoff.BackOff = eb
	if c.retryMax > 0 {
		policy = backoff.WithMaxRetries(eb, uint64(c.retryMax))
	} else {
		policy = &backoff.StopBackOff{}
	}

	return backoff.Retry(func() error {
		return c.once(ctx, method, path, payload, out)
	}, backoff.WithContext(policy, ctx))
}

// once performs one request. Errors that must not be retried are wrapped in
// backoff.Permanent.
func (c *Client) once(ctx context.Context, method, path string, payload []byte, out any) error {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer func() {
		fasthttp.ReleaseRequest(req)
		fasthttp.ReleaseResponse(resp)
	}()

	req.Header.SetMethod(method)
	req.SetRequestURI(c.baseURL + path)
	req.Header.Set("Authorization", "Bot "+c.token)
	req.Header.SetContentType("application/json")
	if payload != nil {
		req.SetBody(payload)
	}

	if err := c.http.DoDeadline(req, resp, c.computeDeadline(ctx)); err != nil {
		return fmt.Errorf("request failed: %w", err)
	}

	status := resp.StatusCode()
	if status == fasthttp.StatusNoContent {
		return nil
	}
	if status < 200 || status >= 300 {
		apiErr := &APIError{Method: method, Path: redact(path), Status: status}
		var body struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		}
		if json.Unmarshal(resp.Body(), &body) == nil {
			apiErr.Code, apiErr.Message = body.Code, body.Message
		} else {
			apiErr.Message = truncate(string(resp.Body()), 512)
		}
		if shouldRetryStatus(status) {
			return apiErr
		}
		return backoff.Permanent(apiErr)
	}

	if out != nil && len(resp.Body()) > 0 {
		if err := json.Unmarshal(resp.Body(), out); err != nil {
			return backoff.Permanent(fmt.Errorf("decode response: %w", err))
		}
	}
	return nil
}

func (c *Client) computeDeadline(ctx context.Context) time.Time {
	if dl, ok := ctx.Deadline(); ok {
		clientDL := time.Now().Add(c.defaultTimeout)
		if dl.Before(clientDL) {
			return dl
		}
		return clientDL
	}
	return time.Now().Add(c.defaultTimeout)
}

func shouldRetryStatus(code int) bool {
	switch code {
	case 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// redact hides webhook tokens in error paths.
func redact(path string) string {
	if !strings.HasPrefix(path, "/webhooks/") {
		return path
	}
	parts := strings.SplitN(strings.TrimPrefix(path, "/webhooks/"), "/", 2)
	return "/webhooks/" + parts[0] + "/***"
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
