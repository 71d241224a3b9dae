package discord

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/zhouzirui/z-tavern/personabot/internal/logging"
	"github.com/zhouzirui/z-tavern/personabot/internal/model/chat"
)

const DefaultGatewayURL = "wss://gateway.discord.gg/?v=10&encoding=json"

// Gateway opcodes.
const (
	opDispatch       = 0
	opHeartbeat      = 1
	opIdentify       = 2
	opResume         = 6
	opReconnect      = 7
	opInvalidSession = 9
	opHello          = 10
	opHeartbeatAck   = 11
)

const (
	intentGuildMessages  = 1 << 9
	intentDirectMessages = 1 << 12
	intentMessageContent = 1 << 15
)

var errReconnect = errors.New("gateway requested reconnect")

// Publisher receives every message observed on the gateway.
type Publisher interface {
	Publish(ctx context.Context, msg chat.Message) int
}

type gatewayPayload struct {
	Op int             `json:"op"`
	D  json.RawMessage `json:"d,omitempty"`
	S  *int            `json:"s,omitempty"`
	T  string          `json:"t,omitempty"`
}

type helloData struct {
	HeartbeatInterval int `json:"heartbeat_interval"`
}

type identifyData struct {
	Token      string            `json:"token"`
	Intents    int               `json:"intents"`
	Properties map[string]string `json:"properties"`
}

type resumeData struct {
	Token     string `json:"token"`
	SessionID string `json:"session_id"`
	Seq       int    `json:"seq"`
}

type readyData struct {
	SessionID        string `json:"session_id"`
	ResumeGatewayURL string `json:"resume_gateway_url"`
	User             user   `json:"user"`
}

type messageCreate struct {
	ID        string          `json:"id"`
	ChannelID string          `json:"channel_id"`
	GuildID   string          `json:"guild_id,omitempty"`
	WebhookID string          `json:"webhook_id,omitempty"`
	Author    user            `json:"author"`
	Member    *member         `json:"member,omitempty"`
	Content   string          `json:"content"`
	Mentions  []mentionedUser `json:"mentions,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// mentionedUser is a mentions[] entry: a user object with a partial member.
type mentionedUser struct {
	user
	Member *member `json:"member,omitempty"`
}

// Gateway keeps a gateway connection open and publishes MESSAGE_CREATE
// events. It reconnects, resuming when possible, until its context ends.
type Gateway struct {
	url            string
	token          string
	publisher      Publisher
	dialer         *websocket.Dialer
	logger         *slog.Logger
	reconnectDelay time.Duration

	onReady func(botUserID string)

	mu        sync.Mutex
	seq       *int
	sessionID string
	resumeURL string
}

// GatewayOption customises a Gateway.
type GatewayOption func(*Gateway)

// WithGatewayURL overrides the gateway endpoint.
func WithGatewayURL(u string) GatewayOption {
	return func(g *Gateway) { g.url = u }
}

// WithReconnectDelay sets the pause between connection attempts.
func WithReconnectDelay(d time.Duration) GatewayOption {
	return func(g *Gateway) { g.reconnectDelay = d }
}

// WithOnReady registers a callback receiving the bot's user ID on every READY.
func WithOnReady(fn func(botUserID string)) GatewayOption {
	return func(g *Gateway) { g.onReady = fn }
}

// WithGatewayLogger sets the gateway logger.
func WithGatewayLogger(logger *slog.Logger) GatewayOption {
	return func(g *Gateway) { g.logger = logger }
}

// NewGateway returns a gateway publishing to publisher.
func NewGateway(token string, publisher Publisher, opts ...GatewayOption) *Gateway {
	g := &Gateway{
		url:            DefaultGatewayURL,
		token:          token,
		publisher:      publisher,
		dialer:         websocket.DefaultDialer,
		reconnectDelay: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(g)
	}
	g.logger = logging.Or(g.logger, logging.CompGateway)
	return g
}

// Run connects and reconnects until ctx is cancelled. It returns nil on cancellation.
func (g *Gateway) Run(ctx context.Context) error {
	for {
		err := g.connect(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil && !errors.Is(err, errReconnect) {
			g.logger.Error("gateway connection lost", "error", err)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(g.reconnectDelay):
			g.logger.Info("gateway reconnecting")
		}
	}
}

func (g *Gateway) connect(ctx context.Context) error {
	g.mu.Lock()
	endpoint := g.url
	resuming := g.sessionID != "" && g.resumeURL != ""
	if resuming {
		endpoint = g.resumeURL
	}
	g.mu.Unlock()

	conn, _, err := g.dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return fmt.Errorf("dial gateway: %w", err)
	}
	defer conn.Close()

	var hello gatewayPayload
	if err := conn.ReadJSON(&hello); err != nil {
		return fmt.Errorf("read hello: %w", err)
	}
	if hello.Op != opHello {
		return fmt.Errorf("expected hello, got op %d", hello.Op)
	}
	var hd helloData
	if err := json.Unmarshal(hello.D, &hd); err != nil || hd.HeartbeatInterval <= 0 {
		return fmt.Errorf("invalid hello payload: %s", string(hello.D))
	}

	ws := &wsWriter{conn: conn}
	if resuming {
		err = ws.send(opResume, g.resumeData())
	} else {
		err = ws.send(opIdentify, identifyData{
			Token:      g.token,
			Intents:    intentGuildMessages | intentDirectMessages | intentMessageContent,
			Properties: map[string]string{"os": "linux", "browser": "personabot", "device": "personabot"},
		})
	}
	if err != nil {
		return fmt.Errorf("send identify: %w", err)
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		<-groupCtx.Done()
		_ = conn.Close()
		return nil
	})
	group.Go(func() error {
		return g.heartbeat(groupCtx, ws, time.Duration(hd.HeartbeatInterval)*time.Millisecond)
	})
	group.Go(func() error {
		return g.readLoop(groupCtx, ctx, conn, ws)
	})
	return group.Wait()
}

func (g *Gateway) heartbeat(ctx context.Context, ws *wsWriter, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := ws.send(opHeartbeat, g.lastSeq()); err != nil {
				return fmt.Errorf("heartbeat: %w", err)
			}
		}
	}
}

// readLoop runs for one connection, bounded by connCtx. Messages are
// published under runCtx so a reconnect never cancels replies in flight.
func (g *Gateway) readLoop(connCtx, runCtx context.Context, conn *websocket.Conn, ws *wsWriter) error {
	for {
		var payload gatewayPayload
		if err := conn.ReadJSON(&payload); err != nil {
			if connCtx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}
		if payload.S != nil {
			g.mu.Lock()
			seq := *payload.S
			g.seq = &seq
			g.mu.Unlock()
		}

		switch payload.Op {
		case opDispatch:
			g.dispatch(runCtx, payload)
		case opHeartbeat:
			if err := ws.send(opHeartbeat, g.lastSeq()); err != nil {
				return fmt.Errorf("heartbeat: %w", err)
			}
		case opReconnect:
			g.logger.Info("gateway asked to reconnect")
			return errReconnect
		case opInvalidSession:
			var resumable bool
			_ = json.Unmarshal(payload.D, &resumable)
			if !resumable {
				g.mu.Lock()
				g.sessionID, g.resumeURL, g.seq = "", "", nil
				g.mu.Unlock()
			}
			g.logger.Warn("gateway session invalidated", "resumable", resumable)
			return errReconnect
		case opHeartbeatAck:
		}
	}
}

func (g *Gateway) dispatch(ctx context.Context, payload gatewayPayload) {
	switch payload.T {
	case "READY":
		var ready readyData
		if err := json.Unmarshal(payload.D, &ready); err != nil {
			g.logger.Warn("bad READY payload", "error", err)
			return
		}
		g.mu.Lock()
		g.sessionID = ready.SessionID
		g.resumeURL = ready.ResumeGatewayURL
		g.mu.Unlock()
		if g.onReady != nil {
			g.onReady(ready.User.ID)
		}
		g.logger.Info("gateway ready", "user", ready.User.Username, "id", ready.User.ID)
	case "RESUMED":
		g.logger.Info("gateway session resumed")
	case "MESSAGE_CREATE":
		var raw messageCreate
		if err := json.Unmarshal(payload.D, &raw); err != nil {
			g.logger.Warn("bad MESSAGE_CREATE payload", "error", err)
			return
		}
		msg := toMessage(raw)
		n := g.publisher.Publish(ctx, msg)
		g.logger.Debug("message published", "channel", msg.ChannelID, "message", msg.ID, "subscribers", n)
	}
}

func (g *Gateway) lastSeq() *int {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.seq == nil {
		return nil
	}
	seq := *g.seq
	return &seq
}

func (g *Gateway) resumeData() resumeData {
	g.mu.Lock()
	defer g.mu.Unlock()
	d := resumeData{Token: g.token, SessionID: g.sessionID}
	if g.seq != nil {
		d.Seq = *g.seq
	}
	return d
}

func toMessage(raw messageCreate) chat.Message {
	author := chat.Author{
		ID:          raw.Author.ID,
		Username:    raw.Author.Username,
		DisplayName: raw.Author.GlobalName,
		Bot:         raw.Author.Bot,
	}
	if raw.Member != nil && raw.Member.Nick != "" {
		author.DisplayName = raw.Member.Nick
	}
	mentions := make([]chat.Mention, 0, len(raw.Mentions))
	for _, m := range raw.Mentions {
		nick := ""
		if m.Member != nil {
			nick = m.Member.Nick
		}
		mentions = append(mentions, chat.Mention{ID: m.ID, DisplayName: pickName(nick, m.user)})
	}
	return chat.Message{
		ID:        raw.ID,
		ChannelID: raw.ChannelID,
		GuildID:   raw.GuildID,
		Author:    author,
		WebhookID: raw.WebhookID,
		Text:      raw.Content,
		Mentions:  mentions,
		CreatedAt: raw.Timestamp,
	}
}

// wsWriter serializes writes; gorilla connections allow one concurrent writer.
type wsWriter struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (w *wsWriter) send(op int, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return w.conn.WriteJSON(gatewayPayload{Op: op, D: raw})
}
