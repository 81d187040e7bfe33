// Package gateway holds the persistent client connections of this process.
//
// A client connects with GET /ws and a bearer token. Once registered it can
// send commands as JSON frames and receives every event the fan-out pushes to
// its user or to the conversations it subscribed to.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/GetStream/realtime-fanout/auth"
	"github.com/GetStream/realtime-fanout/event"
	"github.com/GetStream/realtime-fanout/metrics"
	"github.com/GetStream/realtime-fanout/ratelimit"
	"github.com/GetStream/realtime-fanout/session"
)

const (
	defaultSendBuffer = 64
	presenceTimeout   = 250 * time.Millisecond
)

// An Authenticator verifies a bearer token and returns its user id.
type Authenticator interface {
	Verify(token string) (string, error)
}

// A Limiter admits or rejects one request under a policy.
type Limiter interface {
	AllowPolicy(ctx context.Context, p ratelimit.Policy, identifier string) bool
}

// Presence mirrors sessions to a store shared by every process.
type Presence interface {
	Online(ctx context.Context, userID, sessionID string) error
	Offline(ctx context.Context, sessionID string) (userID string, last bool, err error)
}

// A Handler answers one inbound frame type. A non-nil result is sent back in
// an ack frame when the client set a ref.
type Handler func(ctx context.Context, c *Conn, f Frame) (any, error)

// frameActions maps inbound frame types to the rate-limit action they count
// against.
var frameActions = map[string]string{
	TypeTyping:      ratelimit.ActionWSTyping,
	TypeReaction:    ratelimit.ActionWSReaction,
	TypeMessageSend: ratelimit.ActionMessageSend,
}

// Options configure a Gateway. Registry, Auth and Limiter are required.
type Options struct {
	Registry *session.Registry
	Auth     Authenticator
	Limiter  Limiter
	Policies ratelimit.Policies
	// Presence is optional.
	Presence Presence
	// Chat serves the built-in commands. Without it no command is
	// registered and handlers are added with On.
	Chat    Chat
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	// SendBuffer is the outbound queue length of each connection.
	SendBuffer int
	// AllowedOrigins restricts browser origins. Empty or "*" allows all.
	AllowedOrigins []string
}

// Gateway accepts websocket connections and pushes events to them.
type Gateway struct {
	registry   *session.Registry
	auth       Authenticator
	limiter    Limiter
	policies   ratelimit.Policies
	presence   Presence
	logger     *slog.Logger
	metrics    *metrics.Metrics
	sendBuffer int
	upgrader   websocket.Upgrader

	handlers map[string]Handler

	mu     sync.RWMutex
	conns  map[string]*Conn
	topics map[string]map[string]*Conn
	closed bool
	wg     sync.WaitGroup
}

// New returns a gateway. When opts.Chat is set the typing, reaction,
// message.send, subscribe and unsubscribe commands are registered.
func New(opts Options) *Gateway {
	g := &Gateway{
		registry:   opts.Registry,
		auth:       opts.Auth,
		limiter:    opts.Limiter,
		policies:   opts.Policies,
		presence:   opts.Presence,
		logger:     opts.Logger.With("component", "gateway"),
		metrics:    opts.Metrics,
		sendBuffer: opts.SendBuffer,
		handlers:   make(map[string]Handler),
		conns:      make(map[string]*Conn),
		topics:     make(map[string]map[string]*Conn),
	}
	if g.policies == nil {
		g.policies = ratelimit.DefaultPolicies()
	}
	if g.metrics == nil {
		g.metrics = metrics.New(nil)
	}
	if g.sendBuffer <= 0 {
		g.sendBuffer = defaultSendBuffer
	}
	g.upgrader = websocket.Upgrader{CheckOrigin: checkOrigin(opts.AllowedOrigins)}
	if opts.Chat != nil {
		g.registerCommands(opts.Chat)
	}
	return g
}

func checkOrigin(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 || slices.Contains(allowed, "*") {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || slices.Contains(allowed, origin)
	}
}

// On registers the handler of an inbound frame type. It panics when the type
// already has a handler.
func (g *Gateway) On(typ string, h Handler) {
	if _, ok := g.handlers[typ]; ok {
		panic(fmt.Sprintf("gateway: handler for %q already registered", typ))
	}
	g.handlers[typ] = h
}

// ServeHTTP performs the handshake and upgrades the connection.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ip := clientIP(r)
	if p, ok := g.policies.Get(ratelimit.ActionWSConnect); ok && !g.limiter.AllowPolicy(r.Context(), p, ip) {
		respondError(w, http.StatusTooManyRequests, "Too many requests")
		return
	}

	token, err := auth.FromRequest(r)
	if err != nil {
		respondError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	userID, err := g.auth.Verify(token)
	if err != nil {
		g.logger.Info("Rejected websocket handshake", "ip", ip, "error", err.Error())
		respondError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	g.mu.RLock()
	closed := g.closed
	g.mu.RUnlock()
	if closed {
		respondError(w, http.StatusServiceUnavailable, "Shutting down")
		return
	}

	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already replied.
		g.logger.Warn("Could not upgrade connection", "error", err.Error())
		return
	}
	g.connect(ws, userID)
}

func (g *Gateway) connect(ws *websocket.Conn, userID string) {
	id := uuid.NewString()
	ctx, cancel := context.WithCancel(auth.WithUser(context.Background(), userID))
	c := &Conn{
		id:     id,
		userID: userID,
		ws:     ws,
		gw:     g,
		logger: g.logger.With("session", id, "user", userID),
		send:   make(chan []byte, g.sendBuffer),
		done:   make(chan struct{}),
		ctx:    ctx,
		cancel: cancel,
		topics: make(map[string]struct{}),
	}

	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		cancel()
		ws.Close()
		return
	}
	if _, err := g.registry.Add(userID, id); err != nil {
		g.mu.Unlock()
		cancel()
		g.logger.Error("Could not register session", "error", err.Error())
		ws.Close()
		return
	}
	g.conns[id] = c
	g.wg.Add(2)
	g.mu.Unlock()
	g.metrics.Connections.Inc()

	if g.presence != nil {
		pctx, pcancel := context.WithTimeout(ctx, presenceTimeout)
		if err := g.presence.Online(pctx, userID, id); err != nil {
			c.logger.Error("Could not record presence", "error", err.Error())
		}
		pcancel()
	}

	c.logger.Info("Connected")
	c.sendFrame(TypeSession, "", SessionBody{SessionID: id, UserID: userID})

	go func() {
		defer g.wg.Done()
		c.writeLoop()
	}()
	go func() {
		defer g.wg.Done()
		c.readLoop()
	}()
}

// disconnect unregisters a connection. Only the first call has an effect.
func (g *Gateway) disconnect(c *Conn) {
	g.mu.Lock()
	if _, ok := g.conns[c.id]; !ok {
		g.mu.Unlock()
		c.close()
		return
	}
	delete(g.conns, c.id)
	for topic := range c.topics {
		g.leaveLocked(c, topic)
	}
	g.registry.Remove(c.id)
	g.mu.Unlock()
	c.close()
	g.metrics.Connections.Dec()

	if g.presence != nil {
		ctx, cancel := context.WithTimeout(context.Background(), presenceTimeout)
		defer cancel()
		if _, _, err := g.presence.Offline(ctx, c.id); err != nil {
			c.logger.Error("Could not clear presence", "error", err.Error())
		}
	}
	c.logger.Info("Disconnected")
}

func (g *Gateway) dispatch(c *Conn, f Frame) {
	if action, ok := frameActions[f.Type]; ok {
		if p, ok := g.policies.Get(action); ok && !g.limiter.AllowPolicy(c.ctx, p, c.userID) {
			c.sendError(f.Ref, CodeRateLimited, "Too many requests")
			return
		}
	}
	h, ok := g.handlers[f.Type]
	if !ok {
		c.sendError(f.Ref, CodeBadRequest, fmt.Sprintf("Unknown frame type %q", f.Type))
		return
	}

	res, err := g.run(c, h, f)
	if err != nil {
		if code, msg, ok := clientError(err); ok {
			c.sendError(f.Ref, code, msg)
			return
		}
		c.logger.Error("Could not handle frame", "type", f.Type, "error", err.Error())
		c.sendError(f.Ref, CodeInternal, "Internal error")
		return
	}
	if f.Ref != "" {
		c.sendFrame(TypeAck, f.Ref, res)
	}
}

func (g *Gateway) run(c *Conn, h Handler, f Frame) (res any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler %s panicked: %v", f.Type, r)
		}
	}()
	return h(c.ctx, c, f)
}

// PushToUser queues env on every local session of userID. Sessions whose
// queue is full miss the event.
func (g *Gateway) PushToUser(userID, tag string, env event.Envelope) error {
	b, err := encodeFrame(tag, "", env)
	if err != nil {
		return err
	}
	sessions := g.registry.SessionsOf(userID)

	g.mu.RLock()
	conns := make([]*Conn, 0, len(sessions))
	for _, id := range sessions {
		if c, ok := g.conns[id]; ok {
			conns = append(conns, c)
		}
	}
	g.mu.RUnlock()

	for _, c := range conns {
		if !c.enqueue(b) {
			g.dropped(c, tag)
		}
	}
	return nil
}

// PushToTopic queues env on every local connection subscribed to the
// conversation.
func (g *Gateway) PushToTopic(conversationID string, env event.Envelope) error {
	b, err := encodeFrame(string(env.Kind), "", env)
	if err != nil {
		return err
	}
	g.mu.RLock()
	conns := make([]*Conn, 0, len(g.topics[conversationID]))
	for _, c := range g.topics[conversationID] {
		conns = append(conns, c)
	}
	g.mu.RUnlock()

	for _, c := range conns {
		if !c.enqueue(b) {
			g.dropped(c, string(env.Kind))
		}
	}
	return nil
}

func (g *Gateway) dropped(c *Conn, typ string) {
	c.logger.Warn("Dropping frame for slow connection", "type", typ)
	g.metrics.Dropped.WithLabelValues(typ, "queue_full").Inc()
}

// subscribe adds the connection to a conversation topic.
func (g *Gateway) subscribe(c *Conn, conversationID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.conns[c.id]; !ok {
		return
	}
	subs, ok := g.topics[conversationID]
	if !ok {
		subs = make(map[string]*Conn)
		g.topics[conversationID] = subs
	}
	subs[c.id] = c
	c.topics[conversationID] = struct{}{}
}

func (g *Gateway) unsubscribe(c *Conn, conversationID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.leaveLocked(c, conversationID)
}

func (g *Gateway) leaveLocked(c *Conn, conversationID string) {
	delete(c.topics, conversationID)
	subs := g.topics[conversationID]
	delete(subs, c.id)
	if len(subs) == 0 {
		delete(g.topics, conversationID)
	}
}

// Subscribers returns the session ids subscribed to a conversation topic.
func (g *Gateway) Subscribers(conversationID string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	ids := make([]string, 0, len(g.topics[conversationID]))
	for id := range g.topics[conversationID] {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Close closes every connection and waits for their loops to exit or for
// ctx to end. New handshakes are refused once Close is called.
func (g *Gateway) Close(ctx context.Context) error {
	g.mu.Lock()
	g.closed = true
	conns := make([]*Conn, 0, len(g.conns))
	for _, c := range g.conns {
		conns = append(conns, c)
	}
	g.mu.Unlock()

	for _, c := range conns {
		c.close()
	}

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("close gateway: %w", ctx.Err())
	}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func respondError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(struct {
		Error string `json:"error"`
	}{Error: msg})
}

// errorIs reports whether err matches any of targets.
func errorIs(err error, targets ...error) bool {
	for _, t := range targets {
		if errors.Is(err, t) {
			return true
		}
	}
	return false
}
