package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/GetStream/realtime-fanout/api/validator"
	"github.com/GetStream/realtime-fanout/auth"
	"github.com/GetStream/realtime-fanout/chat"
	"github.com/GetStream/realtime-fanout/ratelimit"
)

// Chat applies user actions to conversations.
type Chat interface {
	CreateConversation(ctx context.Context, actor, name string, members []string) (chat.Conversation, error)
	RenameConversation(ctx context.Context, actor, conversationID, name string) error
	AddMembers(ctx context.Context, actor, conversationID string, userIDs []string) error
	RemoveMember(ctx context.Context, actor, conversationID, userID string) error
	SendMessage(ctx context.Context, actor, conversationID, text string) (chat.Message, error)
	EditMessage(ctx context.Context, actor, conversationID, messageID, text string) (chat.Message, error)
	DeleteMessage(ctx context.Context, actor, conversationID, messageID string) (chat.Message, error)
	ToggleReaction(ctx context.Context, actor, conversationID, messageID, reactionType string) (bool, error)
	Typing(ctx context.Context, actor, conversationID string, isTyping bool) error
	MarkSeen(ctx context.Context, actor, conversationID, messageID string) (time.Time, error)
}

// Presence answers presence queries for users connected to any process.
type Presence interface {
	IsOnline(ctx context.Context, userID string) (bool, error)
	Sessions(ctx context.Context, userID string) ([]string, error)
}

// An Authenticator verifies a bearer token and returns its user id.
type Authenticator interface {
	Verify(token string) (string, error)
}

// A Limiter admits or rejects one request under a policy.
type Limiter interface {
	AllowPolicy(ctx context.Context, p ratelimit.Policy, identifier string) bool
}

// A Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// API provides the REST endpoints for the application.
type API struct {
	Logger   *slog.Logger
	Chat     Chat
	Presence Presence
	Auth     Authenticator
	Limiter  Limiter
	Policies ratelimit.Policies
	Val      *validator.Validator

	// Gateway serves the websocket endpoint. It authenticates on its own.
	Gateway http.Handler
	// Metrics serves the prometheus endpoint.
	Metrics http.Handler
	// Health lists the dependencies checked by /healthz.
	Health map[string]Pinger

	AllowedOrigins []string
	// TrustedProxies lists the peers whose X-Forwarded-For and X-Real-IP
	// headers are believed. Requests from any other peer are keyed by their
	// socket address.
	TrustedProxies []netip.Prefix

	once sync.Once
	mux  chi.Router
}

func (a *API) setupRoutes() {
	if a.Policies == nil {
		a.Policies = ratelimit.DefaultPolicies()
	}
	if a.Val == nil {
		a.Val = validator.New()
	}
	origins := a.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()
	r.Use(realIP(a.TrustedProxies))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/healthz", a.health)
	if a.Metrics != nil {
		r.Handle("/metrics", a.Metrics)
	}
	if a.Gateway != nil {
		r.Handle("/ws", a.Gateway)
	}

	r.Group(func(r chi.Router) {
		r.Use(a.authenticate)

		r.With(a.limit(ratelimit.ActionConversationCreate)).Post("/conversations", a.createConversation)
		r.Patch("/conversations/{id}", a.renameConversation)
		r.Post("/conversations/{id}/members", a.addMembers)
		r.Delete("/conversations/{id}/members/{userID}", a.removeMember)

		r.With(a.limit(ratelimit.ActionMessageSend)).Post("/conversations/{id}/messages", a.sendMessage)
		r.Patch("/conversations/{id}/messages/{messageID}", a.editMessage)
		r.Delete("/conversations/{id}/messages/{messageID}", a.deleteMessage)
		r.With(a.limit(ratelimit.ActionWSReaction)).Post("/conversations/{id}/messages/{messageID}/reactions", a.toggleReaction)
		r.With(a.limit(ratelimit.ActionWSTyping)).Post("/conversations/{id}/typing", a.typing)
		r.Post("/conversations/{id}/seen", a.markSeen)

		r.Get("/users/{userID}/presence", a.presence)
	})

	a.mux = r
}

func (a *API) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.once.Do(a.setupRoutes)
	a.Logger.Info("Request received", "method", r.Method, "path", r.URL.Path)
	a.mux.ServeHTTP(w, r)
}

// authenticate rejects requests without a valid bearer token and attaches
// the user id to the request context.
func (a *API) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := auth.FromRequest(r)
		if err != nil {
			a.respondError(w, http.StatusUnauthorized, err, "Unauthorized")
			return
		}
		userID, err := a.Auth.Verify(token)
		if err != nil {
			a.respondError(w, http.StatusUnauthorized, err, "Unauthorized")
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.WithUser(r.Context(), userID)))
	})
}

// limit applies the policy of action, keyed by client IP or by user.
func (a *API) limit(action string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, ok := a.Policies.Get(action)
			if !ok {
				next.ServeHTTP(w, r)
				return
			}
			identifier := clientIP(r)
			if p.Identifier == ratelimit.ByUser {
				identifier = userID(r)
			}
			if !a.Limiter.AllowPolicy(r.Context(), p, identifier) {
				a.respond(w, http.StatusTooManyRequests, errorResponse{Error: "Too many requests"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// realIP applies chi's RealIP only to requests from a trusted proxy.
func realIP(trusted []netip.Prefix) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		forwarded := middleware.RealIP(next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if fromTrusted(r, trusted) {
				forwarded.ServeHTTP(w, r)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func fromTrusted(r *http.Request, trusted []netip.Prefix) bool {
	if len(trusted) == 0 {
		return false
	}
	addr, err := netip.ParseAddr(clientIP(r))
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, p := range trusted {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// userID returns the authenticated user. Only call it behind authenticate.
func userID(r *http.Request) string {
	id, _ := auth.UserFromContext(r.Context())
	return id
}

type errorResponse struct {
	Error string `json:"error"`
}

func (a *API) respond(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if body == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(body); err != nil {
		a.Logger.Error("Could not encode JSON body", "error", err.Error())
	}
}

func (a *API) respondError(w http.ResponseWriter, status int, err error, msg string) {
	a.Logger.Error("Error", "error", err.Error())
	a.respond(w, status, errorResponse{Error: msg})
}

// respondChatError maps domain errors to a status. msg is used for
// unexpected errors.
func (a *API) respondChatError(w http.ResponseWriter, err error, msg string) {
	switch {
	case errors.Is(err, chat.ErrNotMember):
		a.respondError(w, http.StatusForbidden, err, "Not a member of the conversation")
	case errors.Is(err, chat.ErrForbidden):
		a.respondError(w, http.StatusForbidden, err, "Forbidden")
	case errors.Is(err, chat.ErrNotFound):
		a.respondError(w, http.StatusNotFound, err, "Not found")
	default:
		a.respondError(w, http.StatusInternalServerError, err, msg)
	}
}

func (a *API) decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		a.respondError(w, http.StatusBadRequest, err, "Could not decode request body")
		return false
	}
	if err := r.Body.Close(); err != nil {
		a.respondError(w, http.StatusInternalServerError, err, "Could not close request body")
		return false
	}
	return a.validateBody(w, v)
}

func (a *API) validateBody(w http.ResponseWriter, s interface{}) bool {
	errs := a.Val.ValidateStruct(s)
	type response struct {
		Errors []validator.ValidationError `json:"errors"`
	}

	if len(errs) > 0 {
		a.respond(w, http.StatusBadRequest, &response{
			Errors: errs,
		})
		return false
	}
	return true
}

// pathParam returns the named route parameter. Ids become part of channel
// names, so they may not contain a colon.
func (a *API) pathParam(w http.ResponseWriter, r *http.Request, name string) (string, bool) {
	type response struct {
		Errors []validator.ValidationError `json:"errors"`
	}

	v := chi.URLParam(r, name)
	errs := a.Val.Validate(v, "required,max=64,excludes=:")
	if len(errs) > 0 {
		for i := range errs {
			errs[i].Field = name
		}
		a.respond(w, http.StatusBadRequest, &response{Errors: errs})
		return "", false
	}
	return v, true
}

func (a *API) health(w http.ResponseWriter, r *http.Request) {
	type response struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks,omitempty"`
	}
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	res := response{Status: "ok"}
	status := http.StatusOK
	if len(a.Health) > 0 {
		res.Checks = make(map[string]string, len(a.Health))
	}
	for name, p := range a.Health {
		if err := p.Ping(ctx); err != nil {
			a.Logger.Error("Health check failed", "dependency", name, "error", err.Error())
			res.Checks[name] = "unavailable"
			res.Status = "degraded"
			status = http.StatusServiceUnavailable
			continue
		}
		res.Checks[name] = "ok"
	}
	a.respond(w, status, res)
}
