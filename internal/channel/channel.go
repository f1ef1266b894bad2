// Package channel implements the Channel Client (spec §4.6): a typed
// wrapper over the realtime room channel used to join a room, dispatch
// inbound commands/refresh/presence events, and publish outbound
// NAF/NAFR entity messages.
package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
)

var (
	// ErrJoinRejected is returned when the join reply is missing hubs[0]
	// or session_id (§4.6).
	ErrJoinRejected = errors.New("channel_join_rejected")
)

const writeTimeout = 10 * time.Second

// frame is the wire envelope for every channel message: a named event on
// a topic, carrying an opaque JSON payload.
type frame struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Ref     string          `json:"ref,omitempty"`
}

// joinPayload is sent with the phx_join frame.
type joinPayload struct {
	Profile      joinProfile `json:"profile"`
	Context      joinContext `json:"context"`
	BotAccessKey string      `json:"bot_access_key,omitempty"`
}

type joinProfile struct {
	DisplayName string `json:"displayName"`
	AvatarID    string `json:"avatarId"`
}

type joinContext struct {
	Mobile    bool `json:"mobile"`
	Embed     bool `json:"embed"`
	HMD       bool `json:"hmd"`
	BotRunner bool `json:"bot_runner"`
}

type joinReply struct {
	Status   string `json:"status"`
	Response struct {
		Hubs      []json.RawMessage `json:"hubs"`
		SessionID string            `json:"session_id"`
	} `json:"response"`
}

// hubRefreshPayload carries the hub's user_data on a hub_refresh event.
type hubRefreshPayload struct {
	Hubs []struct {
		UserData json.RawMessage `json:"user_data"`
	} `json:"hubs"`
}

// botCommandPayload is the body of an inbound bot_command message.
type botCommandPayload struct {
	Type string          `json:"type"`
	Body json.RawMessage `json:"body"`
}

// BotCommand is the normalised form of a bot_command message body.
type BotCommand struct {
	BotID    string `json:"bot_id"`
	Type     string `json:"type"`
	Waypoint string `json:"waypoint"`
}

// messagePayload wraps an inbound `message` event.
type messagePayload struct {
	Type string          `json:"type"`
	Body json.RawMessage `json:"body"`
}

// NAFEnvelope is the outbound create/update/remove payload shape (§4.6);
// updates are sent wrapped by PublishNAFR.
type NAFEnvelope struct {
	DataType string         `json:"dataType"`
	Data     map[string]any `json:"data"`
}

// Client is a connected channel session for a single room.
type Client struct {
	conn      *websocket.Conn
	log       *slog.Logger
	topic     string
	sessionID string

	onCommand     func(BotCommand)
	onHubRefresh  func(json.RawMessage)
	onPresence    func(sessionKey string)
	lastPresence  map[string]bool
	presenceMu    sync.Mutex

	writeMu sync.Mutex
}

// Dial opens the WebSocket at {ws|wss}://<base-host>/socket and joins
// hub:<hubSID>. It returns ErrJoinRejected if the reply lacks hubs[0] or
// session_id (§4.6).
func Dial(ctx context.Context, baseURL, hubSID, botAccessKey string, log *slog.Logger) (*Client, error) {
	wsURL, err := socketURL(baseURL)
	if err != nil {
		return nil, fmt.Errorf("build socket url: %w", err)
	}

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial channel: %w", err)
	}

	c := &Client{
		conn:         conn,
		log:          log,
		topic:        "hub:" + hubSID,
		lastPresence: make(map[string]bool),
	}

	join := joinPayload{
		Profile:      joinProfile{DisplayName: "bot-runner", AvatarID: ""},
		Context:      joinContext{BotRunner: true},
		BotAccessKey: botAccessKey,
	}
	payload, err := json.Marshal(join)
	if err != nil {
		conn.CloseNow()
		return nil, fmt.Errorf("marshal join: %w", err)
	}
	if err := c.send(ctx, "phx_join", payload, "1"); err != nil {
		conn.CloseNow()
		return nil, fmt.Errorf("send join: %w", err)
	}

	_, data, err := conn.Read(ctx)
	if err != nil {
		conn.CloseNow()
		return nil, fmt.Errorf("read join reply: %w", err)
	}
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		conn.CloseNow()
		return nil, fmt.Errorf("decode join reply: %w", err)
	}
	var reply joinReply
	if err := json.Unmarshal(f.Payload, &reply); err != nil {
		conn.CloseNow()
		return nil, fmt.Errorf("decode join payload: %w", err)
	}
	if len(reply.Response.Hubs) == 0 || reply.Response.SessionID == "" {
		conn.CloseNow()
		return nil, ErrJoinRejected
	}
	c.sessionID = reply.Response.SessionID

	return c, nil
}

// socketURL rewrites an http(s) base URL into its ws(s) socket endpoint.
func socketURL(baseURL string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http", "":
		u.Scheme = "ws"
	}
	u.Path = "/socket"
	return u.String(), nil
}

// SessionID returns this client's own session id, excluded from presence
// join notifications.
func (c *Client) SessionID() string { return c.sessionID }

// OnCommand registers the handler invoked for inbound bot_command
// messages carrying a known shape (§4.6).
func (c *Client) OnCommand(handler func(BotCommand)) { c.onCommand = handler }

// OnHubRefresh registers the handler invoked for inbound hub_refresh
// events, receiving hubs[0].user_data verbatim.
func (c *Client) OnHubRefresh(handler func(json.RawMessage)) { c.onHubRefresh = handler }

// OnPresenceJoin registers the handler invoked once per newly-appeared
// session key on each presence sync.
func (c *Client) OnPresenceJoin(handler func(sessionKey string)) { c.onPresence = handler }

// PublishNAF fire-and-forgets a "naf" event with payload verbatim
// (create/remove, §4.6).
func (c *Client) PublishNAF(ctx context.Context, payload NAFEnvelope) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal naf: %w", err)
	}
	return c.send(ctx, "naf", data, "")
}

// PublishNAFR fire-and-forgets a "nafr" event wrapping payload as a
// JSON-encoded string under `naf`, so the transport treats it as
// reliable (used for incremental updates, §4.6).
func (c *Client) PublishNAFR(ctx context.Context, payload NAFEnvelope) error {
	inner, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal nafr inner: %w", err)
	}
	wrapped, err := json.Marshal(map[string]string{"naf": string(inner)})
	if err != nil {
		return fmt.Errorf("marshal nafr: %w", err)
	}
	return c.send(ctx, "nafr", wrapped, "")
}

func (c *Client) send(ctx context.Context, event string, payload json.RawMessage, ref string) error {
	f := frame{Topic: c.topic, Event: event, Payload: payload, Ref: ref}
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}

	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.Write(writeCtx, websocket.MessageText, data)
}

// Run processes inbound frames until ctx is cancelled or the socket
// errors/closes, which is always fatal post-join (§4.6): the caller
// should exit the process non-zero when Run returns a non-nil,
// non-context error.
func (c *Client) Run(ctx context.Context) error {
	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("channel read: %w", err)
		}

		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.log.Warn("channel: malformed frame", "err", err)
			continue
		}
		c.dispatch(f)
	}
}

func (c *Client) dispatch(f frame) {
	switch f.Event {
	case "message":
		c.handleMessage(f.Payload)
	case "hub_refresh":
		c.handleHubRefresh(f.Payload)
	case "presence_state", "presence_diff":
		c.handlePresence(f.Payload)
	default:
		// phx_reply to our own pushes and any other unhandled event.
	}
}

func (c *Client) handleMessage(payload json.RawMessage) {
	var msg messagePayload
	if err := json.Unmarshal(payload, &msg); err != nil {
		return
	}
	if msg.Type != "bot_command" || c.onCommand == nil {
		return
	}
	var cmd BotCommand
	if err := json.Unmarshal(msg.Body, &cmd); err != nil {
		return
	}
	if cmd.BotID == "" {
		return
	}
	c.onCommand(cmd)
}

func (c *Client) handleHubRefresh(payload json.RawMessage) {
	if c.onHubRefresh == nil {
		return
	}
	var refresh hubRefreshPayload
	if err := json.Unmarshal(payload, &refresh); err != nil {
		c.log.Warn("channel: malformed hub_refresh", "err", err)
		return
	}
	if len(refresh.Hubs) == 0 {
		return
	}
	c.onHubRefresh(refresh.Hubs[0].UserData)
}

// handlePresence tracks session keys present in the payload, taking
// every top-level JSON object key except this client's own session id,
// and invokes onPresence once per newly-appeared key (§4.6).
func (c *Client) handlePresence(payload json.RawMessage) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(payload, &raw); err != nil {
		return
	}

	c.presenceMu.Lock()
	defer c.presenceMu.Unlock()

	current := make(map[string]bool, len(raw))
	for key := range raw {
		if key == c.sessionID {
			continue
		}
		current[key] = true
		if !c.lastPresence[key] && c.onPresence != nil {
			c.onPresence(key)
		}
	}
	c.lastPresence = current
}

// Close leaves the topic and closes the socket (used during graceful
// shutdown, §5).
func (c *Client) Close(ctx context.Context) error {
	_ = c.send(ctx, "phx_leave", json.RawMessage(`{}`), "")
	return c.conn.Close(websocket.StatusNormalClosure, "")
}

// IsFatal reports whether err represents a transport-fatal condition
// that should terminate the runner process (§7).
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	return !strings.Contains(err.Error(), "context canceled")
}
