// Package bridge connects the kiosk to the agent running beside the
// conferencing client. The agent speaks JSON-RPC 2.0 over a WebSocket: it
// pushes conversation, modality and video state as notifications, and the
// kiosk sends its actions back as notifications. The bridge keeps a mirror of
// the agent's conversations and serves it through the conference interfaces.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"
	"github.com/sourcegraph/jsonrpc2"
	jsonrpc2ws "github.com/sourcegraph/jsonrpc2/websocket"

	"github.com/victortrac/kioskanswer/internal/conference"
)

const callTimeout = 10 * time.Second

var errDisconnected = errors.New("agent disconnected")

type Config struct {
	URL          string
	ReconnectMin time.Duration
	ReconnectMax time.Duration

	Logger     logrus.FieldLogger
	Registerer prometheus.Registerer
	Dialer     *websocket.Dialer
}

// Client is a conference.Registry and conference.Automation backed by the
// agent. Handlers registered on its conversations run on the connection's
// read goroutine, one notification at a time.
type Client struct {
	cfg Config
	log logrus.FieldLogger

	connected     prometheus.Gauge
	notifications *prometheus.CounterVec

	mu    sync.Mutex
	conn  *jsonrpc2.Conn
	convs map[string]*conversation

	added subscribers[conference.Conversation]
}

func New(cfg Config) *Client {
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	if cfg.ReconnectMin <= 0 {
		cfg.ReconnectMin = time.Second
	}
	if cfg.ReconnectMax < cfg.ReconnectMin {
		cfg.ReconnectMax = cfg.ReconnectMin
	}
	factory := promauto.With(cfg.Registerer)
	return &Client{
		cfg: cfg,
		log: cfg.Logger.WithField("component", "bridge"),
		connected: factory.NewGauge(prometheus.GaugeOpts{
			Name: "kioskanswer_bridge_connected",
			Help: "Whether the kiosk is connected to the conferencing agent",
		}),
		notifications: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "kioskanswer_bridge_notifications_total",
			Help: "Notifications received from the conferencing agent, partitioned by method",
		}, []string{"method"}),
		convs: make(map[string]*conversation),
	}
}

// Connected reports whether an agent session is up.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Conversations returns the mirrored conversations, or
// conference.ErrClientUnavailable while no agent session is up.
func (c *Client) Conversations() ([]conference.Conversation, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil, conference.ErrClientUnavailable
	}
	out := make([]conference.Conversation, 0, len(c.convs))
	for _, conv := range c.convs {
		out = append(out, conv)
	}
	return out, nil
}

// OnConversationAdded registers fn for conversations the agent reports after
// subscription, including those first seen when a session (re)connects.
func (c *Client) OnConversationAdded(fn func(conference.Conversation)) func() {
	return c.added.add(fn)
}

// ConversationWindow resolves the window of a mirrored conversation.
func (c *Client) ConversationWindow(conv conference.Conversation) (conference.Window, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil, fmt.Errorf("%w: %w", conference.ErrWindowUnavailable, conference.ErrClientUnavailable)
	}
	if _, ok := c.convs[conv.ID()]; !ok {
		return nil, fmt.Errorf("conversation %s: %w", conv.ID(), conference.ErrWindowUnavailable)
	}
	return window{client: c, conversationID: conv.ID()}, nil
}

// Run keeps a session to the agent open until ctx is cancelled, reconnecting
// with exponential backoff between ReconnectMin and ReconnectMax.
func (c *Client) Run(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.ReconnectMin
	b.MaxInterval = c.cfg.ReconnectMax
	b.MaxElapsedTime = 0

	notify := func(err error, wait time.Duration) {
		c.log.WithError(err).WithField("retry_in", wait.Round(time.Millisecond)).Warn("Agent session ended")
	}
	err := backoff.RetryNotify(func() error {
		err := c.session(ctx, b)
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		return err
	}, backoff.WithContext(b, ctx), notify)
	c.log.Info("Bridge stopped")
	return err
}

// session runs one connection to completion. It always returns an error.
func (c *Client) session(ctx context.Context, b backoff.BackOff) error {
	ws, _, err := c.cfg.Dialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.cfg.URL, err)
	}
	conn := jsonrpc2.NewConn(ctx, jsonrpc2ws.NewObjectStream(ws), jsonrpc2.HandlerWithError(c.handle), jsonrpc2.SetLogger(c.log))

	callCtx, cancel := context.WithTimeout(ctx, callTimeout)
	var list []ConversationInfo
	err = conn.Call(callCtx, MethodListConversations, nil, &list)
	cancel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("list conversations: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.connected.Set(1)
	b.Reset()
	c.log.WithFields(logrus.Fields{
		"url":           c.cfg.URL,
		"conversations": len(list),
	}).Info("Connected to conferencing agent")

	c.sync(list)

	select {
	case <-conn.DisconnectNotify():
	case <-ctx.Done():
		conn.Close()
	}

	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
	c.connected.Set(0)
	return errDisconnected
}

// sync reconciles the mirror with a full listing: conversations that
// disappeared while disconnected are terminated, new ones are announced.
func (c *Client) sync(list []ConversationInfo) {
	seen := make(map[string]bool, len(list))
	var (
		added   []*conversation
		changes []modalityChange
		states  []*conversation
	)

	c.mu.Lock()
	for _, info := range list {
		seen[info.ID] = true
		conv, ok := c.convs[info.ID]
		if !ok {
			conv = newConversation(c, info)
			c.convs[info.ID] = conv
			c.forgetLocked(conv)
			added = append(added, conv)
			continue
		}
		before := conv.state
		changes = append(changes, conv.apply(info)...)
		c.forgetLocked(conv)
		if conv.state != before {
			states = append(states, conv)
		}
	}
	var gone []*conversation
	for id, conv := range c.convs {
		if !seen[id] {
			conv.state = conference.ConversationTerminated
			delete(c.convs, id)
			gone = append(gone, conv)
		}
	}
	c.mu.Unlock()

	for _, conv := range gone {
		conv.stateSubs.fire(conference.ConversationTerminated)
	}
	for _, conv := range states {
		conv.stateSubs.fire(conv.State())
	}
	for _, ch := range changes {
		ch.mod.subs.fire(ch.change)
	}
	for _, conv := range added {
		c.added.fire(conv)
	}
}

// forgetLocked drops conv from the mirror once it is terminated. The caller
// holds c.mu.
func (c *Client) forgetLocked(conv *conversation) {
	if conv.state == conference.ConversationTerminated && c.convs[conv.id] == conv {
		delete(c.convs, conv.id)
	}
}

// notify sends an action to the agent without waiting for a reply, so that it
// is safe to call from a notification handler.
func (c *Client) notify(method string, params any) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("%s: %w", method, conference.ErrClientUnavailable)
	}
	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()
	if err := conn.Notify(ctx, method, params); err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	c.log.WithField("method", method).Debug("Sent action to agent")
	return nil
}

// handle dispatches agent notifications into the mirror.
func (c *Client) handle(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) (any, error) {
	c.notifications.WithLabelValues(req.Method).Inc()
	switch req.Method {
	case MethodConversationAdded:
		var p ConversationAddedParams
		if err := decodeParams(req, &p); err != nil {
			return nil, err
		}
		c.conversationAdded(p.Conversation)
	case MethodConversationStateChanged:
		var p ConversationStateParams
		if err := decodeParams(req, &p); err != nil {
			return nil, err
		}
		c.conversationStateChanged(p)
	case MethodModalityStateChanged:
		var p ModalityStateParams
		if err := decodeParams(req, &p); err != nil {
			return nil, err
		}
		c.modalityStateChanged(p)
	case MethodVideoStateChanged:
		var p VideoStateParams
		if err := decodeParams(req, &p); err != nil {
			return nil, err
		}
		c.videoStateChanged(p)
	default:
		return nil, &jsonrpc2.Error{Code: jsonrpc2.CodeMethodNotFound, Message: "method not found: " + req.Method}
	}
	return nil, nil
}

func decodeParams(req *jsonrpc2.Request, v any) error {
	if req.Params == nil {
		return &jsonrpc2.Error{Code: jsonrpc2.CodeInvalidParams, Message: "missing params"}
	}
	if err := json.Unmarshal(*req.Params, v); err != nil {
		return &jsonrpc2.Error{Code: jsonrpc2.CodeInvalidParams, Message: err.Error()}
	}
	return nil
}

func (c *Client) conversationAdded(info ConversationInfo) {
	if info.ID == "" {
		c.log.Warn("Ignoring conversation without an ID")
		return
	}
	c.mu.Lock()
	conv, ok := c.convs[info.ID]
	if ok {
		before := conv.state
		changes := conv.apply(info)
		c.forgetLocked(conv)
		c.mu.Unlock()
		if conv.state != before {
			conv.stateSubs.fire(info.State)
		}
		for _, ch := range changes {
			ch.mod.subs.fire(ch.change)
		}
		return
	}
	conv = newConversation(c, info)
	c.convs[info.ID] = conv
	c.forgetLocked(conv)
	c.mu.Unlock()

	c.added.fire(conv)
}

func (c *Client) conversationStateChanged(p ConversationStateParams) {
	c.mu.Lock()
	conv, ok := c.convs[p.ConversationID]
	if !ok || conv.state == p.State {
		c.mu.Unlock()
		if !ok {
			c.log.WithField("conversation", p.ConversationID).Debug("State change for unknown conversation")
		}
		return
	}
	conv.state = p.State
	c.forgetLocked(conv)
	c.mu.Unlock()

	conv.stateSubs.fire(p.State)
}

func (c *Client) modalityStateChanged(p ModalityStateParams) {
	c.mu.Lock()
	conv, ok := c.convs[p.ConversationID]
	if !ok {
		c.mu.Unlock()
		c.log.WithField("conversation", p.ConversationID).Debug("Modality change for unknown conversation")
		return
	}
	m := conv.modalityLocked(p.Modality)
	change := conference.StateChange{Old: m.state, New: p.State}
	m.state = p.State
	m.actions = slices.Clone(p.Actions)
	c.mu.Unlock()

	if change.Old != change.New {
		m.subs.fire(change)
	}
}

func (c *Client) videoStateChanged(p VideoStateParams) {
	c.mu.Lock()
	defer c.mu.Unlock()
	conv, ok := c.convs[p.ConversationID]
	if !ok {
		return
	}
	m := conv.modalityLocked(conference.AudioVideo)
	m.video.state = p.State
	m.video.actions = slices.Clone(p.Actions)
}
