// Package discord implements the platform contracts against the Discord
// REST API and gateway. Output proxies are channel webhooks.
package discord

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"golang.org/x/time/rate"

	"github.com/zhouzirui/z-tavern/personabot/internal/logging"
	"github.com/zhouzirui/z-tavern/personabot/internal/model/chat"
	"github.com/zhouzirui/z-tavern/personabot/internal/platform"
)

const (
	DefaultAPIBase = "https://discord.com/api/v10"
	cdnBase        = "https://cdn.discordapp.com"

	// maxWebhookName is the platform limit on webhook and username length.
	maxWebhookName = 80
	maxErrorBody   = 64 * 1024
)

// Client is a Discord REST client implementing platform.ProxyManager and
// platform.MemberResolver.
type Client struct {
	base    string
	token   string
	http    *http.Client
	limiter *rate.Limiter
	logger  *slog.Logger

	selfMu sync.Mutex
	selfID string
}

// ClientOption customises a Client.
type ClientOption func(*Client)

// WithBaseURL points the client at another API root, for tests.
func WithBaseURL(base string) ClientOption {
	return func(c *Client) { c.base = strings.TrimRight(base, "/") }
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.http = hc }
}

// WithRateLimit caps outgoing requests per second. Zero or less disables the cap.
func WithRateLimit(perSecond float64) ClientOption {
	return func(c *Client) {
		if perSecond <= 0 {
			c.limiter = nil
			return
		}
		c.limiter = rate.NewLimiter(rate.Limit(perSecond), 1)
	}
}

// WithBotUserID presets the bot's own user ID, skipping the /users/@me lookup.
func WithBotUserID(id string) ClientOption {
	return func(c *Client) { c.selfID = id }
}

// WithClientLogger sets the client logger.
func WithClientLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// NewClient returns a client authenticating as the bot token.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		base:    DefaultAPIBase,
		token:   token,
		http:    &http.Client{Timeout: 30 * time.Second},
		limiter: rate.NewLimiter(rate.Limit(5), 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = logging.Or(c.logger, logging.CompGateway)
	return c
}

type webhook struct {
	ID            string `json:"id"`
	Token         string `json:"token,omitempty"`
	ChannelID     string `json:"channel_id"`
	Name          string `json:"name"`
	ApplicationID string `json:"application_id,omitempty"`
	User          *user  `json:"user,omitempty"`
}

func (w webhook) ownedBy(userID string) bool {
	if userID == "" || w.Token == "" {
		return false
	}
	return (w.User != nil && w.User.ID == userID) || w.ApplicationID == userID
}

type user struct {
	ID         string `json:"id"`
	Username   string `json:"username"`
	GlobalName string `json:"global_name,omitempty"`
	Avatar     string `json:"avatar,omitempty"`
	Bot        bool   `json:"bot,omitempty"`
}

type member struct {
	Nick string `json:"nick,omitempty"`
	User *user  `json:"user,omitempty"`
}

type executeWebhook struct {
	Content         string          `json:"content"`
	Username        string          `json:"username,omitempty"`
	AvatarURL       string          `json:"avatar_url,omitempty"`
	AllowedMentions allowedMentions `json:"allowed_mentions"`
}

type allowedMentions struct {
	Parse []string `json:"parse"`
}

// FetchOrCreateProxy reuses a webhook this bot created in the channel under
// the same name, or creates one. Webhooks made by other users or
// integrations are never adopted.
func (c *Client) FetchOrCreateProxy(ctx context.Context, channelID string, identity chat.Identity) (platform.Proxy, error) {
	name := webhookName(identity.DisplayName)

	var existing []webhook
	if err := c.do(ctx, http.MethodGet, "/channels/"+url.PathEscape(channelID)+"/webhooks", nil, &existing); err != nil {
		return platform.Proxy{}, err
	}
	for _, hook := range existing {
		if hook.Name != name || hook.Token == "" {
			continue
		}
		self, err := c.BotUserID(ctx)
		if err != nil {
			return platform.Proxy{}, err
		}
		if !hook.ownedBy(self) {
			c.logger.Debug("skipping webhook owned by someone else", "channel", channelID, "webhook", hook.ID)
			continue
		}
		c.logger.Debug("reusing webhook", "channel", channelID, "webhook", hook.ID)
		return toProxy(hook, channelID), nil
	}

	var created webhook
	body := map[string]string{"name": name}
	if err := c.do(ctx, http.MethodPost, "/channels/"+url.PathEscape(channelID)+"/webhooks", body, &created); err != nil {
		return platform.Proxy{}, err
	}
	c.logger.Info("webhook created", "channel", channelID, "webhook", created.ID, "name", name)
	return toProxy(created, channelID), nil
}

// BotUserID returns the bot's own user ID, looked up once through /users/@me.
func (c *Client) BotUserID(ctx context.Context) (string, error) {
	c.selfMu.Lock()
	defer c.selfMu.Unlock()
	if c.selfID != "" {
		return c.selfID, nil
	}
	var me user
	if err := c.do(ctx, http.MethodGet, "/users/@me", nil, &me); err != nil {
		return "", fmt.Errorf("resolve bot identity: %w", err)
	}
	c.selfID = me.ID
	return me.ID, nil
}

// SetBotUserID records the bot's user ID, as announced by the gateway.
func (c *Client) SetBotUserID(id string) {
	if id == "" {
		return
	}
	c.selfMu.Lock()
	c.selfID = id
	c.selfMu.Unlock()
}

// DeleteProxy deletes the webhook.
func (c *Client) DeleteProxy(ctx context.Context, proxy platform.Proxy) error {
	return c.do(ctx, http.MethodDelete, "/webhooks/"+url.PathEscape(proxy.ID), nil, nil)
}

// SendViaProxy posts text through the webhook under the given identity.
// Mentions in persona output never ping anyone.
func (c *Client) SendViaProxy(ctx context.Context, proxy platform.Proxy, identity chat.Identity, text string) error {
	payload := executeWebhook{
		Content:         text,
		Username:        webhookName(identity.DisplayName),
		AvatarURL:       identity.AvatarURL,
		AllowedMentions: allowedMentions{Parse: []string{}},
	}
	path := "/webhooks/" + url.PathEscape(proxy.ID) + "/" + url.PathEscape(proxy.Token) + "?wait=true"
	return c.do(ctx, http.MethodPost, path, payload, nil)
}

// DisplayName resolves the name a user shows in a guild: the member
// nickname, then the global name, then the username. Without a guild the
// user record is used.
func (c *Client) DisplayName(ctx context.Context, guildID, userID string) (string, error) {
	if guildID == "" {
		u, err := c.user(ctx, userID)
		if err != nil {
			return "", err
		}
		return pickName("", u), nil
	}

	var m member
	path := "/guilds/" + url.PathEscape(guildID) + "/members/" + url.PathEscape(userID)
	if err := c.do(ctx, http.MethodGet, path, nil, &m); err != nil {
		return "", err
	}
	var u user
	if m.User != nil {
		u = *m.User
	}
	return pickName(m.Nick, u), nil
}

// AvatarURL returns the CDN URL of the user's avatar, or "" when unset.
func (c *Client) AvatarURL(ctx context.Context, userID string) (string, error) {
	u, err := c.user(ctx, userID)
	if err != nil {
		return "", err
	}
	if u.Avatar == "" {
		return "", nil
	}
	ext := "png"
	if strings.HasPrefix(u.Avatar, "a_") {
		ext = "gif"
	}
	return fmt.Sprintf("%s/avatars/%s/%s.%s", cdnBase, u.ID, u.Avatar, ext), nil
}

func (c *Client) user(ctx context.Context, userID string) (user, error) {
	var u user
	err := c.do(ctx, http.MethodGet, "/users/"+url.PathEscape(userID), nil, &u)
	return u, err
}

func (c *Client) do(ctx context.Context, method, path string, payload, out any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limiter: %w", err)
		}
	}

	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode %s %s: %w", method, path, err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return fmt.Errorf("build %s %s: %w", method, path, err)
	}
	req.Header.Set("Authorization", "Bot "+c.token)
	req.Header.Set("User-Agent", "personabot (https://github.com/zhouzirui/z-tavern, 1.0)")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		apiErr := &platform.APIError{StatusCode: resp.StatusCode, Method: method, Path: redact(path)}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		if err := json.Unmarshal(raw, apiErr); err != nil || apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(raw))
		}
		return apiErr
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

func toProxy(hook webhook, channelID string) platform.Proxy {
	if hook.ChannelID != "" {
		channelID = hook.ChannelID
	}
	return platform.Proxy{ID: hook.ID, Token: hook.Token, ChannelID: channelID, Name: hook.Name}
}

func pickName(nick string, u user) string {
	switch {
	case strings.TrimSpace(nick) != "":
		return nick
	case strings.TrimSpace(u.GlobalName) != "":
		return u.GlobalName
	default:
		return u.Username
	}
}

func webhookName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return "persona"
	}
	if utf8.RuneCountInString(name) <= maxWebhookName {
		return name
	}
	return string([]rune(name)[:maxWebhookName])
}

// redact drops the webhook token from execute paths before they reach logs.
func redact(path string) string {
	if !strings.HasPrefix(path, "/webhooks/") {
		return path
	}
	parts := strings.SplitN(strings.TrimPrefix(path, "/webhooks/"), "/", 2)
	if len(parts) < 2 {
		return path
	}
	return "/webhooks/" + parts[0] + "/***"
}
