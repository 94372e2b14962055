// Package chatclient is a reconnecting client for the chat socket. It refreshes credentials, backs off
// between attempts and re-joins the rooms it was subscribed to after every reconnect.
package chatclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

var (
	// ErrReconnectExhausted ends Run when every reconnect attempt failed.
	ErrReconnectExhausted = errors.New("chatclient: reconnect attempts exhausted")
	// ErrCredentialRevoked is returned by a TokenSource when the credential can never be renewed.
	// It ends Run without further attempts.
	ErrCredentialRevoked = errors.New("chatclient: credential revoked")
	// ErrUnauthorized is returned by a Dialer when the server rejected the handshake token.
	ErrUnauthorized = errors.New("chatclient: handshake unauthorized")
	ErrNotConnected = errors.New("chatclient: not connected")
)

type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return "disconnected"
	}
}

// TokenSource returns a bearer token. forceRefresh is set after the server rejected the previous one.
type TokenSource interface {
	Token(ctx context.Context, forceRefresh bool) (string, error)
}

type TokenFunc func(ctx context.Context, forceRefresh bool) (string, error)

func (f TokenFunc) Token(ctx context.Context, forceRefresh bool) (string, error) {
	return f(ctx, forceRefresh)
}

// StaticToken never refreshes. A rejected static token is treated as revoked.
func StaticToken(token string) TokenSource {
	return TokenFunc(func(_ context.Context, forceRefresh bool) (string, error) {
		if forceRefresh {
			return "", ErrCredentialRevoked
		}
		return token, nil
	})
}

// Handler observes the client. Calls come from the Run goroutine.
type Handler interface {
	OnEvent(Event)
	OnStateChange(state State, err error)
}

// HandlerFuncs adapts plain functions to Handler. Nil fields are ignored.
type HandlerFuncs struct {
	Event func(Event)
	State func(State, error)
}

func (h HandlerFuncs) OnEvent(e Event) {
	if h.Event != nil {
		h.Event(e)
	}
}

func (h HandlerFuncs) OnStateChange(s State, err error) {
	if h.State != nil {
		h.State(s, err)
	}
}

type Options struct {
	URL                 string
	InitialInterval     time.Duration
	MaxInterval         time.Duration
	Multiplier          float64
	RandomizationFactor float64
	// MaxAttempts bounds consecutive failed attempts. A connection that drops before StableAfter counts
	// as a failed attempt.
	MaxAttempts         int
	StableAfter         time.Duration
}

func (o Options) withDefaults() Options {
	if o.InitialInterval <= 0 {
		o.InitialInterval = 500 * time.Millisecond
	}
	if o.MaxInterval <= 0 {
		o.MaxInterval = 30 * time.Second
	}
	if o.Multiplier < 1 {
		o.Multiplier = 2
	}
	if o.RandomizationFactor < 0 || o.RandomizationFactor > 1 {
		o.RandomizationFactor = backoff.DefaultRandomizationFactor
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 10
	}
	if o.StableAfter <= 0 {
		o.StableAfter = 10 * time.Second
	}
	return o
}

type Client struct {
	opts    Options
	tokens  TokenSource
	dialer  Dialer
	handler Handler

	mu      sync.Mutex
	conn    Conn
	state   State
	rooms   map[string]struct{}
	opening map[string]struct{} // refs of sends that open a room by recipient

	writeMu sync.Mutex
}

func New(opts Options, tokens TokenSource, dialer Dialer, handler Handler) *Client {
	if dialer == nil {
		dialer = &WebSocketDialer{}
	}
	if handler == nil {
		handler = HandlerFuncs{}
	}
	return &Client{
		opts:    opts.withDefaults(),
		tokens:  tokens,
		dialer:  dialer,
		handler: handler,
		rooms:   make(map[string]struct{}),
		opening: make(map[string]struct{}),
	}
}

// Run connects and keeps the client connected until ctx is done, the reconnect attempts of one outage
// are exhausted or the credential is revoked. The backoff carries over from one connection to the next
// and is only reset once a connection has stayed up for StableAfter.
func (c *Client) Run(ctx context.Context) error {
	eb := c.newBackOff()
	failed := 0

	for {
		conn, err := c.connect(ctx, eb, &failed)
		if err != nil {
			c.setState(StateClosed, nil, err)
			return err
		}

		c.setState(StateConnected, conn, nil)
		c.resubscribe()

		connectedAt := time.Now()
		err = c.readLoop(ctx, conn)
		conn.Close()

		if ctx.Err() != nil {
			c.setState(StateClosed, nil, ctx.Err())
			return ctx.Err()
		}
		c.setState(StateDisconnected, nil, err)

		if time.Since(connectedAt) >= c.opts.StableAfter {
			eb.Reset()
			failed = 0
			continue
		}

		failed++
		if failed >= c.opts.MaxAttempts {
			err = fmt.Errorf("%w: %v", ErrReconnectExhausted, err)
			c.setState(StateClosed, nil, err)
			return err
		}
		if err := wait(ctx, eb.NextBackOff()); err != nil {
			c.setState(StateClosed, nil, err)
			return err
		}
	}
}

func (c *Client) newBackOff() *backoff.ExponentialBackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = c.opts.InitialInterval
	eb.MaxInterval = c.opts.MaxInterval
	eb.Multiplier = c.opts.Multiplier
	eb.RandomizationFactor = c.opts.RandomizationFactor
	eb.MaxElapsedTime = 0
	eb.Reset()
	return eb
}

// connect dials until it succeeds, waiting eb.NextBackOff() between attempts. failed counts the
// consecutive failures of the current outage.
func (c *Client) connect(ctx context.Context, eb backoff.BackOff, failed *int) (Conn, error) {
	refresh := false
	rejected := false
	for {
		conn, err := c.dial(ctx, refresh)
		if err == nil {
			return conn, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, ErrCredentialRevoked) {
			return nil, ErrCredentialRevoked
		}
		if errors.Is(err, ErrUnauthorized) {
			// a refreshed token that is still rejected will not get better
			if rejected && refresh {
				return nil, ErrCredentialRevoked
			}
			rejected, refresh = true, true
		}

		*failed++
		if *failed >= c.opts.MaxAttempts {
			return nil, fmt.Errorf("%w: %v", ErrReconnectExhausted, err)
		}
		if err := wait(ctx, eb.NextBackOff()); err != nil {
			return nil, err
		}
	}
}

func (c *Client) dial(ctx context.Context, refresh bool) (Conn, error) {
	c.setState(StateConnecting, nil, nil)

	token, err := c.tokens.Token(ctx, refresh)
	if err != nil {
		if errors.Is(err, ErrCredentialRevoked) {
			return nil, ErrCredentialRevoked
		}
		return nil, fmt.Errorf("token: %w", err)
	}
	return c.dialer.Dial(ctx, c.opts.URL, token)
}

func wait(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (c *Client) readLoop(ctx context.Context, conn Conn) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		var ev Event
		if err := json.Unmarshal(raw, &ev); err != nil {
			continue
		}
		c.track(ev)
		c.handler.OnEvent(ev)
	}
}

// track remembers the room a recipient-only send was delivered to, so it is re-joined after a reconnect.
func (c *Client) track(ev Event) {
	if ev.Ref == "" || (ev.Type != EventMessageAck && ev.Type != EventError) {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.opening[ev.Ref]; !ok {
		return
	}
	delete(c.opening, ev.Ref)
	if ev.Type != EventMessageAck {
		return
	}

	var ack struct {
		ChatID string `json:"chat_id"`
	}
	if err := json.Unmarshal(ev.Data, &ack); err == nil && ack.ChatID != "" {
		c.rooms[ack.ChatID] = struct{}{}
	}
}

func (c *Client) resubscribe() {
	for _, roomID := range c.Rooms() {
		_ = c.send(EventJoinChat, "", roomPayload{RoomID: roomID})
	}
}

func (c *Client) setState(s State, conn Conn, err error) {
	c.mu.Lock()
	changed := c.state != s
	c.state = s
	c.conn = conn
	c.mu.Unlock()

	if changed || err != nil {
		c.handler.OnStateChange(s, err)
	}
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Rooms returns the remembered subscriptions in sorted order.
func (c *Client) Rooms() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	rooms := make([]string, 0, len(c.rooms))
	for id := range c.rooms {
		rooms = append(rooms, id)
	}
	sort.Strings(rooms)
	return rooms
}

// Join remembers the room and subscribes to it now if connected, otherwise on the next connect.
func (c *Client) Join(roomID string) error {
	c.mu.Lock()
	c.rooms[roomID] = struct{}{}
	c.mu.Unlock()

	err := c.send(EventJoinChat, "", roomPayload{RoomID: roomID})
	if errors.Is(err, ErrNotConnected) {
		return nil
	}
	return err
}

func (c *Client) Leave(roomID string) error {
	c.mu.Lock()
	delete(c.rooms, roomID)
	c.mu.Unlock()

	err := c.send(EventLeaveChat, "", roomPayload{RoomID: roomID})
	if errors.Is(err, ErrNotConnected) {
		return nil
	}
	return err
}

// Send sends one message and returns the ref the server echoes in message_ack. ClientMsgID is filled in
// when empty so a caller can resend the same Outgoing value without creating a duplicate.
func (c *Client) Send(msg *Outgoing) (string, error) {
	if msg.ClientMsgID == "" {
		msg.ClientMsgID = uuid.NewString()
	}
	if msg.Type == "" {
		msg.Type = "text"
	}
	ref := uuid.NewString()
	if msg.RoomID == "" {
		c.mu.Lock()
		c.opening[ref] = struct{}{}
		c.mu.Unlock()
	}
	if err := c.send(EventSendMessage, ref, msg); err != nil {
		c.mu.Lock()
		delete(c.opening, ref)
		c.mu.Unlock()
		return ref, err
	}
	return ref, nil
}

func (c *Client) Typing(roomID string, isTyping bool) error {
	return c.send(EventTyping, "", typingPayload{RoomID: roomID, IsTyping: isTyping})
}

func (c *Client) MarkRead(roomID string) error {
	return c.send(EventMarkRead, "", roomPayload{RoomID: roomID})
}

func (c *Client) send(eventType, ref string, data interface{}) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	frame, err := json.Marshal(outbound{
		Type:      eventType,
		Ref:       ref,
		Data:      data,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, frame)
}
